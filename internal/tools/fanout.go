package tools

import (
	"context"

	"golang.org/x/sync/errgroup"
)

// All runs every fn concurrently and waits for them all. The first failure cancels the context of
// the others and is the error returned.
func All(ctx context.Context, fns ...func(context.Context) error) error {
	g, gctx := errgroup.WithContext(ctx)
	for _, fn := range fns {
		g.Go(func() error { return fn(gctx) })
	}
	return g.Wait()
}

// Into adapts fn for [All], storing its result in dst once it succeeds.
func Into[T any](dst *T, fn func(context.Context) (T, error)) func(context.Context) error {
	return func(ctx context.Context) error {
		v, err := fn(ctx)
		if err != nil {
			return err
		}
		*dst = v
		return nil
	}
}

// Both runs fa and fb concurrently with [All]. Partial results are discarded on failure.
func Both[A, B any](
	ctx context.Context,
	fa func(context.Context) (A, error),
	fb func(context.Context) (B, error),
) (A, B, error) {
	var (
		a A
		b B
	)
	if err := All(ctx, Into(&a, fa), Into(&b, fb)); err != nil {
		var (
			za A
			zb B
		)
		return za, zb, err
	}
	return a, b, nil
}
