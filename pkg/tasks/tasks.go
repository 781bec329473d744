// Package tasks runs keyed background jobs, at most one live job per key.
// The verifier uses it to drive session runs without double-starting them.
package tasks

import (
	"context"
	"log"
	"sync"
)

type Runner struct {
	mu      sync.Mutex
	wg      sync.WaitGroup
	running map[string]struct{}
}

func NewRunner() *Runner {
	return &Runner{running: map[string]struct{}{}}
}

// Go starts fn in the background unless a job with the same key is still
// live. Returns whether the job was started.
func (r *Runner) Go(ctx context.Context, key string, fn func(ctx context.Context) error) bool {
	r.mu.Lock()
	if _, busy := r.running[key]; busy {
		r.mu.Unlock()
		return false
	}
	r.running[key] = struct{}{}
	r.mu.Unlock()

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		defer func() {
			r.mu.Lock()
			delete(r.running, key)
			r.mu.Unlock()
		}()
		if err := fn(ctx); err != nil && ctx.Err() == nil {
			log.Printf("task %s: %v", key, err)
		}
	}()
	return true
}

// Running reports whether a job with the key is live.
func (r *Runner) Running(key string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, busy := r.running[key]
	return busy
}

// Wait blocks until every started job has returned.
func (r *Runner) Wait() {
	r.wg.Wait()
}
