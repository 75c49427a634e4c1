package approval

import (
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/fxamacker/cbor/v2"
	"github.com/zeebo/blake3"
)

// encMode uses Core Deterministic Encoding so equal requests hash equally.
var encMode cbor.EncMode

func init() {
	var err error
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("approval: CBOR encoder initialization failed: " + err.Error())
	}
}

type hashedRequest struct {
	Name   string         `cbor:"name"`
	Params map[string]any `cbor:"params"`
}

// RequestHash fingerprints an ability invocation for replay protection.
// Params are normalized through JSON first so that values decoded from the
// wire and values built in Go hash the same.
func RequestHash(abilityName string, params map[string]any) (string, error) {
	normalized := map[string]any{}
	if len(params) > 0 {
		data, err := json.Marshal(params)
		if err != nil {
			return "", fmt.Errorf("failed to marshal params: %w", err)
		}
		if err := json.Unmarshal(data, &normalized); err != nil {
			return "", fmt.Errorf("failed to normalize params: %w", err)
		}
	}

	data, err := encMode.Marshal(hashedRequest{Name: abilityName, Params: normalized})
	if err != nil {
		return "", fmt.Errorf("failed to encode request: %w", err)
	}
	sum := blake3.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}
