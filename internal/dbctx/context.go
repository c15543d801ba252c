package dbctx

import (
	"context"

	"github.com/roach88/kernel/internal/db"
	"github.com/roach88/kernel/internal/kernel"
)

type bindingKey struct{}

// With returns a context carrying b.
func With(ctx context.Context, b *Binding) context.Context {
	return context.WithValue(ctx, bindingKey{}, b)
}

// WithTransactor binds a live binding over tx.
func WithTransactor(ctx context.Context, tx *kernel.Transactor) context.Context {
	return With(ctx, NewBinding(Live(tx)))
}

// From returns the binding carried by ctx.
func From(ctx context.Context) (*Binding, bool) {
	b, ok := ctx.Value(bindingKey{}).(*Binding)
	return b, ok
}

// DB returns the snapshot visible to the task running with ctx.
func DB(ctx context.Context) (*db.Snapshot, error) {
	b, ok := From(ctx)
	if !ok {
		return nil, ErrNoBinding
	}
	return b.Snapshot()
}

// TransactorOf returns the live Transactor behind ctx's binding, if any.
func TransactorOf(ctx context.Context) (*kernel.Transactor, bool) {
	b, ok := From(ctx)
	if !ok {
		return nil, false
	}
	ts, ok := b.Source().(TransactorSource)
	if !ok {
		return nil, false
	}
	return ts.Transactor(), true
}

// Suspend runs a blocking call and resumes ctx's binding after it.
func Suspend(ctx context.Context, fn func() error) error {
	err := fn()
	if b, ok := From(ctx); ok {
		b.Resume()
	}
	return err
}

// Change schedules f on tx, suspends until it resolves and resumes the
// binding, so reads after Change observe at least the committed snapshot.
func Change(ctx context.Context, tx *kernel.Transactor, f kernel.ChangeFunc) (*kernel.Change, error) {
	var ch *kernel.Change
	err := Suspend(ctx, func() error {
		var err error
		ch, err = tx.Change(ctx, f)
		return err
	})
	return ch, err
}
