// Package singleflight collapses concurrent duplicate calls into one
// execution shared by all callers.
package singleflight

import (
	"context"
	"sync"
)

// Group manages in-flight calls keyed by string. The first caller for a key
// becomes the leader and runs the producer; callers that join while it runs
// wait for the leader's result. The in-flight marker is removed before the
// leader returns, so a later call with the same key starts a fresh execution.
type Group struct {
	mu sync.Mutex
	m  map[string]*call
}

type call struct {
	done chan struct{}
	val  interface{}
	err  error
}

// New creates an empty Group.
func New() *Group {
	return &Group{m: make(map[string]*call)}
}

// Do executes fn exactly once per key among concurrent callers. The returned
// bool is true when the result came from another caller's execution. A
// follower whose context is canceled unblocks with the context error; the
// leader's execution is unaffected.
func (g *Group) Do(ctx context.Context, key string, fn func() (interface{}, error)) (interface{}, bool, error) {
	g.mu.Lock()
	if c, ok := g.m[key]; ok {
		g.mu.Unlock()
		select {
		case <-c.done:
			return c.val, true, c.err
		case <-ctx.Done():
			return nil, true, ctx.Err()
		}
	}

	c := &call{done: make(chan struct{})}
	g.m[key] = c
	g.mu.Unlock()

	c.val, c.err = fn()

	g.mu.Lock()
	if g.m[key] == c {
		delete(g.m, key)
	}
	g.mu.Unlock()
	close(c.done)

	return c.val, false, c.err
}

// Forget drops the in-flight marker for key, letting the next caller lead a
// fresh execution even if a previous call is still running.
func (g *Group) Forget(key string) {
	g.mu.Lock()
	delete(g.m, key)
	g.mu.Unlock()
}

// Len reports the number of in-flight keys.
func (g *Group) Len() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.m)
}
