package ability

import (
	"context"
	"fmt"

	"github.com/xiaot623/hero/internal/domain"
)

// SessionCompactor checkpoints a session's compiled state.
type SessionCompactor interface {
	CompactSession(ctx context.Context, sessionID string) (*domain.Frame, error)
}

// DailyBriefTemplate is the content of the prompt.daily_brief process.
const DailyBriefTemplate = `Daily brief for user {{user_id}} ({{date}} {{time}})
Session: {{session_id}}
Focus: {{focus}}`

// RegisterBuiltins adds the abilities every deployment ships with.
func RegisterBuiltins(r *Registry, compactor SessionCompactor) error {
	builtins := []*domain.Ability{
		{
			Name:        "system.echo",
			Type:        domain.AbilityTypeFunction,
			Description: "Return the given parameters unchanged",
			Category:    "system",
			Permissions: domain.Permissions{AutoApprove: true, DangerLevel: domain.DangerLow},
			Handler: func(_ context.Context, params map[string]any, _ domain.ExecutionContext) (any, error) {
				return params, nil
			},
		},
		{
			Name:        "session.compact",
			Type:        domain.AbilityTypeFunction,
			Description: "Checkpoint the session history into a compact frame",
			Category:    "session",
			Permissions: domain.Permissions{AutoApprovePolicy: domain.PolicySession, DangerLevel: domain.DangerMedium},
			Handler: func(ctx context.Context, _ map[string]any, ec domain.ExecutionContext) (any, error) {
				if ec.SessionID == "" {
					return nil, fmt.Errorf("session.compact requires a session")
				}
				f, err := compactor.CompactSession(ctx, ec.SessionID)
				if err != nil {
					return nil, err
				}
				return map[string]string{"frameId": f.ID, "timestamp": f.Timestamp}, nil
			},
		},
		{
			Name:        "prompt.daily_brief",
			Type:        domain.AbilityTypeProcess,
			Description: "Render the daily brief prompt",
			Category:    "prompt",
			Permissions: domain.Permissions{AutoApprovePolicy: domain.PolicyAlways, DangerLevel: domain.DangerLow},
			Content:     DailyBriefTemplate,
		},
	}
	for _, a := range builtins {
		if err := r.Register(a); err != nil {
			return err
		}
	}
	return nil
}
