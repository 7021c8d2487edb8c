package node

import (
	"sort"
	"time"

	"tempo/internal/load"
)

// Status is the read-only answer to status_check.
type Status struct {
	NodeID         string         `json:"nodeId"`
	Version        string         `json:"version,omitempty"`
	QueueSize      int            `json:"queueSize"`
	MaxQueue       int            `json:"maxQueue"`
	Processing     int            `json:"processing"`
	MaxConcurrent  int            `json:"maxConcurrent"`
	Load           load.Snapshot  `json:"load"`
	Helpers        int            `json:"helpers"`
	HelperIDs      []string       `json:"helperIds"`
	AidState       string         `json:"aidState"`
	RhythmFailures map[string]int `json:"rhythmFailures"`
	LedgerSize     int            `json:"ledgerSize"`
	Completed      uint64         `json:"completed"`
	Failed         uint64         `json:"failed"`
	Pulses         uint64         `json:"pulses"`
	LastActive     time.Time      `json:"lastActive"`
	Peers          []Peer         `json:"peers"`
}

func (n *Node) Status() Status {
	helpers := n.aid.Helpers()
	completed, failed := n.disp.Counters()
	return Status{
		NodeID:         n.cfg.ID,
		Version:        n.cfg.Version,
		QueueSize:      n.queue.Len(),
		MaxQueue:       n.queue.Max(),
		Processing:     n.disp.Processing(),
		MaxConcurrent:  n.disp.MaxConcurrent(),
		Load:           n.Snapshot(),
		Helpers:        len(helpers),
		HelperIDs:      helpers,
		AidState:       n.aid.State().String(),
		RhythmFailures: n.rhythms.Failures(),
		LedgerSize:     n.led.Len(),
		Completed:      completed,
		Failed:         failed,
		Pulses:         n.wd.Pulses(),
		LastActive:     n.wd.LastActive(),
		Peers:          n.Peers(),
	}
}

// Peers returns the nodes heard from through pulses, sorted by id.
func (n *Node) Peers() []Peer {
	n.mu.Lock()
	out := make([]Peer, 0, len(n.peers))
	for _, p := range n.peers {
		out = append(out, p)
	}
	n.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
