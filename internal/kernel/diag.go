package kernel

import (
	"fmt"
	"strings"
	"time"
)

const recentCommits = 32

// CommitRecord summarizes one committed change for diagnostics.
type CommitRecord struct {
	Seq      int64
	Label    string
	Facts    int
	Enqueued time.Time
}

// PendingItem is a change request still waiting for, or holding, the
// writer slot.
type PendingItem struct {
	Label    string
	Enqueued time.Time
	InFlight bool
}

// Diagnostics is a point-in-time dump of the writer's state. Causal
// timeouts attach it so a stuck wait can be explained.
type Diagnostics struct {
	Kernel  string
	Seq     int64
	Pending []PendingItem
	Recent  []CommitRecord
}

// PendingDump reports queued and in-flight changes and the most recent
// commits.
func (t *Transactor) PendingDump() Diagnostics {
	t.mu.RLock()
	d := Diagnostics{
		Kernel: string(t.id),
		Seq:    t.current.Seq(),
		Recent: append([]CommitRecord(nil), t.recent...),
	}
	if t.inflight != nil {
		d.Pending = append(d.Pending, PendingItem{Label: t.inflight.label, Enqueued: t.inflight.enqueued, InFlight: true})
	}
	t.mu.RUnlock()

	for _, req := range t.queue.Peek() {
		d.Pending = append(d.Pending, PendingItem{Label: req.label, Enqueued: req.enqueued})
	}
	return d
}

func (d Diagnostics) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "kernel %s at seq %d, %d pending", d.Kernel, d.Seq, len(d.Pending))
	now := time.Now()
	for _, p := range d.Pending {
		state := "queued"
		if p.InFlight {
			state = "running"
		}
		fmt.Fprintf(&b, "\n  %s %q for %s", state, p.Label, now.Sub(p.Enqueued).Round(time.Millisecond))
	}
	if n := len(d.Recent); n > 0 {
		last := d.Recent[n-1]
		fmt.Fprintf(&b, "\n  last commit seq %d %q (%d facts)", last.Seq, last.Label, last.Facts)
	}
	return b.String()
}
