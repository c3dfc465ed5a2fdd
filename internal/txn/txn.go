package txn

import "context"

type hooksKey struct{}

type hooks struct {
	fns []func()
}

// Run executes fn with an after-commit hook list attached to ctx. Hooks
// registered through AfterCommit run in registration order once fn returns
// nil, and are dropped if it fails. Nested calls join the outer unit.
func Run(ctx context.Context, fn func(ctx context.Context) error) error {
	if _, ok := ctx.Value(hooksKey{}).(*hooks); ok {
		return fn(ctx)
	}

	h := &hooks{}
	if err := fn(context.WithValue(ctx, hooksKey{}, h)); err != nil {
		return err
	}
	for _, f := range h.fns {
		f()
	}
	return nil
}

// AfterCommit defers fn until the enclosing Run succeeds. Outside of Run it
// executes fn immediately.
func AfterCommit(ctx context.Context, fn func()) {
	if h, ok := ctx.Value(hooksKey{}).(*hooks); ok {
		h.fns = append(h.fns, fn)
		return
	}
	fn()
}
