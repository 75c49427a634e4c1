package ability

import (
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/valyala/fasttemplate"
	"github.com/xiaot623/hero/internal/domain"
)

// Render substitutes {{name}} tags in content. Built-in variables are date,
// time, datetime, timestamp, user_id and session_id; params supply the rest
// but never override a built-in. Unknown tags are left as written.
func Render(content string, params map[string]any, ec domain.ExecutionContext, now time.Time) string {
	vars := make(map[string]string, len(params)+6)
	for k, v := range params {
		vars[k] = stringify(v)
	}
	vars["date"] = now.Format("2006-01-02")
	vars["time"] = now.Format("15:04:05")
	vars["datetime"] = now.Format(time.RFC3339)
	vars["timestamp"] = strconv.FormatInt(now.UnixMilli(), 10)
	vars["user_id"] = strconv.FormatInt(ec.UserID, 10)
	vars["session_id"] = ec.SessionID

	return fasttemplate.ExecuteFuncString(content, "{{", "}}", func(w io.Writer, tag string) (int, error) {
		if v, ok := vars[strings.TrimSpace(tag)]; ok {
			return w.Write([]byte(v))
		}
		return w.Write([]byte("{{" + tag + "}}"))
	})
}

func stringify(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case nil:
		return ""
	case fmt.Stringer:
		return t.String()
	}
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprint(v)
	}
	return string(data)
}
