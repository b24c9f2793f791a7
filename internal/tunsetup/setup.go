package tunsetup

import (
	"context"

	"win-tunsetup/internal/actions"
	"win-tunsetup/internal/core"
	"win-tunsetup/internal/pull"
)

// Setup is the lifecycle controller: it acquires the adapter, plans,
// applies, and keeps the undo list for teardown. Establish and Destroy
// are not reentrant; the caller serializes them.
type Setup struct {
	env    *Env
	opener Opener
	remove *actions.List
}

// New creates a setup orchestrator over the given environment and
// adapter opener.
func New(env *Env, opener Opener) *Setup {
	return &Setup{env: env, opener: opener}
}

// Establish brings the tunnel interface into a configured state from one
// pulled configuration snapshot. A previous session's undo list, if any,
// is reversed first, so re-establish is safe for reconnects. On success
// ownership of the returned device transfers to the caller. On failure
// the orchestrator is torn down, but any undo actions planned for changes
// already applied stay armed and run on the next Destroy or Establish.
func (s *Setup) Establish(ctx context.Context, cfg *pull.Config, appPath string, log core.TextLog) (TunDevice, error) {
	// Close out old remove actions, if they exist.
	s.Destroy(log)

	dev, err := s.opener.Open(log)
	if err != nil {
		return nil, core.WrapErr(core.KindIfaceCreate, err, "cannot acquire tunnel adapter handle")
	}
	ident := dev.Identity()
	log.Printf("Open adapter %q index=%d path=%q SUCCEEDED", ident.Name, ident.Index, ident.DevicePath)

	plan, err := BuildPlan(ctx, s.env, dev, ident, cfg, appPath, log)
	if err != nil {
		// Nothing was applied; the partial plan is discarded.
		dev.Close()
		return nil, err
	}

	// Arm the undo list before applying so a partial apply stays
	// reversible. Undo actions tolerate never-applied state, so covering
	// more than what actually ran is safe.
	s.remove = &plan.Remove
	s.remove.Arm(true)

	if err := plan.Add.Apply(log); err != nil {
		// Fail fast, no automatic rollback here: the armed undo list is
		// reversed on the next Destroy/Establish.
		dev.Close()
		return nil, err
	}

	return dev, nil
}

// Destroy reverses and discards the retained undo list. Safe to call
// repeatedly and before any Establish.
func (s *Setup) Destroy(log core.TextLog) {
	if s.remove != nil {
		s.remove.Reverse(log)
		s.remove = nil
	}
}

// Close tears down on behalf of callers that never called Destroy.
// Output goes to the global log.
func (s *Setup) Close() error {
	s.Destroy(core.Log.Component("Teardown"))
	return nil
}
