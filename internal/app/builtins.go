package app

import (
	"context"

	"tempo/internal/node"
)

// Built-in actions that config rhythms can name.
const (
	ActionReleaseIdle = "release_idle"
	ActionRecover     = "recover_missed"
	ActionSelfTune    = "self_tune"
	ActionPulse       = "pulse"
)

func registerBuiltins(n *node.Node) {
	n.RegisterAction(ActionReleaseIdle, func(ctx context.Context) error {
		n.Aid().ReleaseIdle(ctx)
		return nil
	})
	n.RegisterAction(ActionRecover, func(ctx context.Context) error {
		n.Watchdog().RecoverOnce(ctx)
		return nil
	})
	n.RegisterAction(ActionSelfTune, func(context.Context) error {
		n.Rhythms().Tune(n.Snapshot().Overall)
		return nil
	})
	n.RegisterAction(ActionPulse, n.Watchdog().PulseOnce)
}
