package node

import (
	"tempo/internal/aid"
	"tempo/internal/watchdog"
)

// Kind is an inbound message type the node understands.
type Kind string

const (
	KindSchedule      Kind = "schedule"
	KindSynchronize   Kind = "synchronize"
	KindRecover       Kind = "recover"
	KindEvolve        Kind = "evolve"
	KindSystemMetrics Kind = "system_metrics"
	KindTaskBatch     Kind = aid.TypeTaskBatch
	KindHelpRequest   Kind = aid.TypeHelpRequest
	KindHelpAccepted  Kind = aid.TypeHelpAccepted
	KindHelpRelease   Kind = aid.TypeHelpRelease
	KindStatusCheck   Kind = "status_check"
	KindPulse         Kind = watchdog.TypePulse
)

// Outbound message types.
const (
	TypeEscalation   = "rhythm_escalation"
	TypeExecute      = "execute"
	TypeRhythmAction = "rhythm_action"
)

var kinds = map[Kind]struct{}{
	KindSchedule:      {},
	KindSynchronize:   {},
	KindRecover:       {},
	KindEvolve:        {},
	KindSystemMetrics: {},
	KindTaskBatch:     {},
	KindHelpRequest:   {},
	KindHelpAccepted:  {},
	KindHelpRelease:   {},
	KindStatusCheck:   {},
	KindPulse:         {},
}

// ParseKind maps a message type onto the closed set of kinds.
func ParseKind(s string) (Kind, bool) {
	k := Kind(s)
	_, ok := kinds[k]
	return k, ok
}

// Enqueues reports whether messages of this kind become tasks.
func (k Kind) Enqueues() bool {
	switch k {
	case KindSchedule, KindSynchronize, KindRecover:
		return true
	}
	return false
}

// broadcastKinds are the kinds a node subscribes to.
var broadcastKinds = []Kind{KindHelpRequest, KindPulse, KindEvolve, KindSystemMetrics}
