package workgroup

import (
	"context"

	"golang.org/x/sync/errgroup"
)

// workgroup collects context-bound workers and waits on them as a unit.
type workgroup struct {
	ctx   context.Context
	group errgroup.Group
}

func WithContext(ctx context.Context) *workgroup {
	return &workgroup{ctx: ctx}
}

// Work starts fn under the group's context.
func (g *workgroup) Work(fn func(context.Context) error) {
	g.group.Go(func() error {
		return fn(g.ctx)
	})
}

// Wait blocks until all workers return, yielding the first error.
func (g *workgroup) Wait() error {
	return g.group.Wait()
}
