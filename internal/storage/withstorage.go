package storage

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/roach88/kernel/internal/db"
	"github.com/roach88/kernel/internal/ir"
	"github.com/roach88/kernel/internal/kernel"
	"github.com/roach88/kernel/internal/schema"
)

// Option configures WithStorage.
type Option func(*config)

type config struct {
	logger     *slog.Logger
	strict     bool
	retryStart time.Duration
	retryMax   time.Duration
	onLoad     func(LoadReport)
}

// WithLogger sets the logger. Default: the Transactor's logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *config) { c.logger = l }
}

// WithStrict aborts loading on the first decode or schema problem.
func WithStrict(strict bool) Option {
	return func(c *config) { c.strict = strict }
}

// WithRetry bounds autosave retries: the first retry waits start, later
// ones back off exponentially, and retrying stops after max.
// Default: 100ms, 30s.
func WithRetry(start, max time.Duration) Option {
	return func(c *config) { c.retryStart, c.retryMax = start, max }
}

// WithLoadReport receives the load report before body starts.
func WithLoadReport(fn func(LoadReport)) Option {
	return func(c *config) { c.onLoad = fn }
}

// WithStorage loads the durable snapshot for key into tx, runs body, and
// keeps the store current while body runs.
//
// Autosave tracks the entities tagged with key through tx.Log(). A change
// that tags, untags or touches a tracked entity requests a save; requests
// are debounced so only the latest one inside the window is saved, and a
// newer request cancels a save still in flight. Failed autosaves are
// retried with exponential backoff.
//
// When body returns nil, one final synchronous save is made from tx's
// latest snapshot, so nothing pending in the debounce window is lost.
// The autosaver only reads the graph; it never changes it.
func WithStorage(
	ctx context.Context,
	tx *kernel.Transactor,
	key string,
	debounce time.Duration,
	load LoadFunc,
	save SaveFunc,
	body func(ctx context.Context) error,
	opts ...Option,
) error {
	cfg := config{
		logger:     tx.Logger(),
		retryStart: 100 * time.Millisecond,
		retryMax:   30 * time.Second,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	logger := cfg.logger.With("storage_key", key)

	if err := loadInto(ctx, tx, key, load, cfg, logger); err != nil {
		return err
	}

	s := &saver{
		key:      key,
		debounce: debounce,
		save:     save,
		cfg:      cfg,
		logger:   logger,
		requests: make(chan *db.Snapshot, 1),
	}
	sub := tx.Log()
	runCtx, stop := context.WithCancel(ctx)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		s.track(runCtx, sub)
	}()
	go func() {
		defer wg.Done()
		s.run(runCtx)
	}()

	err := body(ctx)

	stop()
	sub.Close()
	wg.Wait()

	if err != nil {
		return err
	}
	return s.saveFinal(context.WithoutCancel(ctx), tx.Current())
}

func loadInto(ctx context.Context, tx *kernel.Transactor, key string, load LoadFunc, cfg config, logger *slog.Logger) error {
	ctx, span := tracer.Start(ctx, "storage.load", traceKey(key))
	defer span.End()

	d, ok, err := load(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "load failed")
		return fmt.Errorf("load durable snapshot %q: %w", key, err)
	}
	if !ok || d.Empty() {
		logger.Info("no durable snapshot to load")
		if cfg.onLoad != nil {
			cfg.onLoad(LoadReport{})
		}
		return nil
	}

	var report LoadReport
	_, err = tx.Change(kernel.WithLabel(ctx, "storage.load"), func(m *kernel.Mut) error {
		var err error
		report, err = Apply(m, d, ApplyOptions{Strict: cfg.strict, Logger: logger})
		return err
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "apply failed")
		return fmt.Errorf("apply durable snapshot %q: %w", key, err)
	}
	span.SetAttributes(attribute.Int("storage.loaded", report.Loaded), attribute.Int("storage.retracted", len(report.Retracted)))
	logger.Info("durable snapshot loaded", "loaded", report.Loaded, "retracted", len(report.Retracted))
	if cfg.onLoad != nil {
		cfg.onLoad(report)
	}
	return nil
}

type saver struct {
	key      string
	debounce time.Duration
	save     SaveFunc
	cfg      config
	logger   *slog.Logger
	requests chan *db.Snapshot
}

// request replaces any pending request with snap.
func (s *saver) request(snap *db.Snapshot) {
	for {
		select {
		case s.requests <- snap:
			return
		default:
		}
		select {
		case <-s.requests:
		default:
		}
	}
}

// track follows the log and maintains the set of tagged entities.
func (s *saver) track(ctx context.Context, sub *kernel.LogSubscription) {
	tag := ir.String(s.key)
	tracked := make(map[ir.EID]struct{})
	reset := func(snap *db.Snapshot) {
		clear(tracked)
		for _, e := range snap.LookupMany(schema.AttrStorageKey, tag) {
			tracked[e] = struct{}{}
		}
	}

	for {
		ev, err := sub.Next(ctx)
		if err != nil {
			return
		}
		switch ev.Kind {
		case kernel.LogFirst:
			reset(ev.Snapshot)
		case kernel.LogReset:
			reset(ev.Snapshot)
			s.request(ev.Snapshot)
		case kernel.LogNext:
			if s.affects(ev.Change.Novelty, tracked, tag) {
				s.request(ev.Snapshot)
			}
		}
	}
}

// affects updates tracked from novelty and reports whether a save is due.
func (s *saver) affects(novelty ir.Novelty, tracked map[ir.EID]struct{}, tag ir.Value) bool {
	dirty := false
	for _, f := range novelty {
		if f.A == schema.AttrStorageKey && ir.Equal(f.V, tag) {
			if f.Added {
				tracked[f.E] = struct{}{}
			} else {
				delete(tracked, f.E)
			}
			dirty = true
			continue
		}
		if _, ok := tracked[f.E]; ok {
			dirty = true
		}
	}
	return dirty
}

// run is the collect-latest saver loop.
func (s *saver) run(ctx context.Context) {
	var pending *db.Snapshot
	for {
		if pending == nil {
			select {
			case pending = <-s.requests:
			case <-ctx.Done():
				return
			}
		}

		timer := time.NewTimer(s.debounce)
	window:
		for {
			select {
			case pending = <-s.requests:
				timer.Reset(s.debounce)
			case <-timer.C:
				break window
			case <-ctx.Done():
				timer.Stop()
				return
			}
		}

		saveCtx, cancel := context.WithCancel(ctx)
		done := make(chan struct{})
		snap := pending
		pending = nil
		go func() {
			defer close(done)
			s.saveWithRetry(saveCtx, snap)
		}()

		select {
		case <-done:
		case pending = <-s.requests:
			s.logger.Debug("save superseded", "seq", snap.Seq(), "next_seq", pending.Seq())
		case <-ctx.Done():
		}
		cancel()
		<-done
	}
}

func (s *saver) saveWithRetry(ctx context.Context, snap *db.Snapshot) {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = s.cfg.retryStart
	policy.MaxElapsedTime = s.cfg.retryMax

	attempt := 0
	err := backoff.Retry(func() error {
		if ctx.Err() != nil {
			return backoff.Permanent(ctx.Err())
		}
		attempt++
		err := s.saveOnce(ctx, snap, "auto")
		if err != nil && ctx.Err() == nil {
			s.logger.Warn("autosave failed", "seq", snap.Seq(), "attempt", attempt, "error", err)
		}
		return err
	}, backoff.WithContext(policy, ctx))
	if err != nil && ctx.Err() == nil {
		s.logger.Error("autosave gave up", "seq", snap.Seq(), "attempts", attempt, "error", err)
	}
}

func (s *saver) saveFinal(ctx context.Context, snap *db.Snapshot) error {
	if err := s.saveOnce(ctx, snap, "final"); err != nil {
		return fmt.Errorf("final save %q: %w", s.key, err)
	}
	return nil
}

func (s *saver) saveOnce(ctx context.Context, snap *db.Snapshot, kind string) error {
	ctx, span := tracer.Start(ctx, "storage.save", traceKey(s.key))
	defer span.End()
	start := time.Now()

	d := Build(snap, s.key, s.logger)
	err := s.save(ctx, d)
	saveDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		outcome := "error"
		if ctx.Err() != nil {
			outcome = "cancelled"
		}
		savesTotal.WithLabelValues(kind, outcome).Inc()
		span.RecordError(err)
		span.SetStatus(codes.Error, "save failed")
		return err
	}
	savesTotal.WithLabelValues(kind, "ok").Inc()
	span.SetAttributes(attribute.Int64("storage.seq", snap.Seq()), attribute.Int("storage.entities", len(d.Entities)))
	s.logger.Debug("durable snapshot saved", "kind", kind, "seq", snap.Seq(), "entities", len(d.Entities))
	return nil
}
