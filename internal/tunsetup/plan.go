package tunsetup

import (
	"context"

	"win-tunsetup/internal/actions"
	"win-tunsetup/internal/adapter"
	"win-tunsetup/internal/core"
	"win-tunsetup/internal/pull"
)

// Plan is the pair of action lists one planning pass produces: Add is
// consumed immediately by establish, Remove is retained for teardown.
// Every apply action that changes host state has its matching undo
// appended to Remove at construction time, whether or not apply later
// succeeds.
type Plan struct {
	Add    actions.List
	Remove actions.List
}

// pair appends a matched apply/undo couple atomically. One side may be
// nil for steps that are genuinely one-directional (stale-route cleanup,
// secondary DNS entries cleared by the primary's removal).
func (p *Plan) pair(apply, undo actions.Action) {
	if apply != nil {
		p.Add.Add(apply)
	}
	if undo != nil {
		p.Remove.Add(undo)
	}
}

// BuildPlan maps one pulled configuration snapshot to the ordered apply
// and undo lists for the given adapter. appPath is the embedding
// application's executable (leak-protection scope); empty skips that
// step. A returned error means the plan is unusable and must not be
// applied. ctx is captured by the legacy path's bounded wait actions.
func BuildPlan(ctx context.Context, env *Env, dev Device, ident adapter.Identity, cfg *pull.Config, appPath string, log core.TextLog) (*Plan, error) {
	if env.Caps.LegacyDriver {
		return buildLegacy(ctx, env, dev, ident, cfg, log)
	}
	return buildModern(env, dev, ident, cfg, appPath, log)
}
