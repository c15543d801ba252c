package kernel

import (
	"context"
	"fmt"
	"sync"

	"github.com/roach88/kernel/internal/db"
)

// LogEventKind distinguishes log events.
type LogEventKind int

const (
	// LogFirst is sent once, first, with the snapshot at subscription time.
	LogFirst LogEventKind = iota + 1
	// LogNext carries one committed change.
	LogNext
	// LogReset replaces a truncated backlog: resynchronize from Snapshot
	// instead of replaying novelty.
	LogReset
)

func (k LogEventKind) String() string {
	switch k {
	case LogFirst:
		return "first"
	case LogNext:
		return "next"
	case LogReset:
		return "reset"
	default:
		return fmt.Sprintf("LogEventKind(%d)", int(k))
	}
}

// LogEvent is one element of the change log.
type LogEvent struct {
	Kind LogEventKind
	// Snapshot is set for First and Reset, and equals Change.After for Next.
	Snapshot *db.Snapshot
	// Change is set for Next.
	Change *Change
}

// LogSubscription is one subscriber's ordered, lossless view of the log.
// Only the backlog beyond the Transactor's max lag is ever dropped, and
// then a Reset takes its place.
type LogSubscription struct {
	q      *queue[LogEvent]
	maxLag int
	tx     *Transactor
	once   sync.Once
}

// Next blocks until the next event, ctx ends, or the log closes.
func (s *LogSubscription) Next(ctx context.Context) (LogEvent, error) {
	for {
		if ev, ok := s.q.TryDequeue(); ok {
			return ev, nil
		}
		if s.q.Closed() {
			return LogEvent{}, &KernelError{Code: ErrCodeLogClosed, Message: "log subscription closed"}
		}
		select {
		case <-ctx.Done():
			return LogEvent{}, context.Cause(ctx)
		case <-s.q.Wait():
		}
	}
}

// Close unsubscribes. Safe to call more than once.
func (s *LogSubscription) Close() {
	s.once.Do(func() {
		s.tx.unsubscribeLog(s)
		s.q.Close()
	})
}

// deliver runs on the writer goroutine with the Transactor lock held.
func (s *LogSubscription) deliver(ev LogEvent) {
	if s.maxLag > 0 && s.q.Len() >= s.maxLag {
		s.q.Replace(LogEvent{Kind: LogReset, Snapshot: ev.Snapshot})
		logResets.Inc()
		return
	}
	s.q.Enqueue(ev)
}

// StateSubscription receives future snapshots. Delivery is conflating: a
// slow reader sees the latest snapshot, never a stale backlog.
type StateSubscription struct {
	ch   chan *db.Snapshot
	tx   *Transactor
	once sync.Once
}

// C returns the receive channel. It is closed when the Transactor closes.
func (s *StateSubscription) C() <-chan *db.Snapshot { return s.ch }

// Close unsubscribes. Safe to call more than once.
func (s *StateSubscription) Close() {
	s.once.Do(func() {
		s.tx.unsubscribeState(s)
	})
}

// offer runs on the writer goroutine with the Transactor lock held.
func (s *StateSubscription) offer(snap *db.Snapshot) {
	for {
		select {
		case s.ch <- snap:
			return
		default:
		}
		select {
		case <-s.ch:
		default:
		}
	}
}
