package frame

import (
	"encoding/json"
	"log"
	"sort"

	"github.com/xiaot623/hero/internal/domain"
)

// Compile replays frames into the current effective payload per frame id.
// Frames are applied in ascending timestamp order; equal timestamps keep
// their input order. The input slice is not modified.
func Compile(frames []domain.Frame) domain.Compiled {
	ordered := make([]domain.Frame, len(frames))
	copy(ordered, frames)
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].Timestamp < ordered[j].Timestamp
	})

	compiled := make(domain.Compiled)
	for _, f := range ordered {
		switch f.Type {
		case domain.FrameTypeCompact:
			var snap domain.CompactPayload
			if err := json.Unmarshal(f.Payload, &snap); err != nil {
				log.Printf("WARN: skipping malformed compact frame %s: %v", f.ID, err)
				continue
			}
			for id, content := range snap.Snapshot {
				compiled[id] = content
			}
		case domain.FrameTypeUpdate:
			for _, target := range f.TargetIDs {
				prefix, id, ok := domain.ParseTarget(target)
				if !ok || prefix != domain.TargetPrefixFrame {
					continue
				}
				if _, known := compiled[id]; known {
					compiled[id] = f.Payload
				}
			}
		case domain.FrameTypeMessage, domain.FrameTypeRequest, domain.FrameTypeResult:
			compiled[f.ID] = f.Payload
		default:
			// Unknown types carry no state.
		}
	}
	return compiled
}
