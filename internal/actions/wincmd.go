package actions

import (
	"strings"

	"win-tunsetup/internal/core"
)

// Runner executes one external command line synchronously and returns its
// combined output. The production implementation shells out with a hidden
// window; tests substitute a recorder.
type Runner interface {
	Run(argv []string) (output string, err error)
}

// WinCmd is an action whose apply and reverse operations are external
// command invocations. The planner constructs matched pairs: the apply
// list holds commands with only the apply line set, the undo list holds
// commands with only the reverse line set. An unset line means nothing to
// do in that direction.
type WinCmd struct {
	run     Runner
	apply   []string
	reverse []string
}

// NewCmd builds an apply-only command action.
func NewCmd(r Runner, argv ...string) *WinCmd {
	return &WinCmd{run: r, apply: argv}
}

// NewUndoCmd builds a reverse-only command action.
func NewUndoCmd(r Runner, argv ...string) *WinCmd {
	return &WinCmd{run: r, reverse: argv}
}

// NewPairedCmd builds an action carrying both directions. Used where one
// list entry must both establish and remove state (e.g. the DNS cache
// flush that runs on apply and on teardown).
func NewPairedCmd(r Runner, apply, reverse []string) *WinCmd {
	return &WinCmd{run: r, apply: apply, reverse: reverse}
}

func (c *WinCmd) Apply(log core.TextLog) error {
	return c.exec(log, c.apply)
}

func (c *WinCmd) Reverse(log core.TextLog) error {
	return c.exec(log, c.reverse)
}

func (c *WinCmd) exec(log core.TextLog, argv []string) error {
	if len(argv) == 0 {
		return nil
	}
	log.Printf("%s", strings.Join(argv, " "))
	out, err := c.run.Run(argv)
	if out = strings.TrimSpace(out); out != "" {
		log.Printf("%s", out)
	}
	if err != nil {
		log.Printf("FAILED: %v", err)
		return err
	}
	return nil
}

// Argv returns the command line for the direction this action carries.
// Tests use it to assert on planned sequences.
func (c *WinCmd) Argv() []string {
	if len(c.apply) != 0 {
		return c.apply
	}
	return c.reverse
}

func (c *WinCmd) String() string {
	return strings.Join(c.Argv(), " ")
}
