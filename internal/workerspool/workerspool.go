// Copyright 2025 The coxaai Authors. SPDX-License-Identifier: Apache-2.0

// Package workerspool runs independent tasks, like the per-image transforms of a batch, with a soft limit
// on the number of goroutines.
package workerspool

import (
	"runtime"
	"sync"
)

// Pool of workers. It can be shared by several producers: the limit applies to all tasks running.
type Pool struct {
	// maxParallelism of 0 or 1 runs tasks inline, negative values are unlimited.
	maxParallelism int

	mu         sync.Mutex
	cond       sync.Cond // Signaled whenever numRunning decreases.
	numRunning int
}

// New returns a Pool with parallelism runtime.NumCPU().
func New() *Pool {
	return NewWithParallelism(runtime.NumCPU())
}

// NewWithParallelism returns a Pool running at most maxParallelism tasks at a time.
// With 0 or 1 tasks run inline, and with a negative value there is no limit.
func NewWithParallelism(maxParallelism int) *Pool {
	w := &Pool{maxParallelism: maxParallelism}
	w.cond = sync.Cond{L: &w.mu}
	return w
}

// MaxParallelism returns the limit of tasks running at the same time.
func (w *Pool) MaxParallelism() int { return w.maxParallelism }

// IsEnabled returns whether tasks run in their own goroutines.
func (w *Pool) IsEnabled() bool {
	return w.maxParallelism < 0 || w.maxParallelism > 1
}

// lockedIsFull must be called with w.mu locked.
func (w *Pool) lockedIsFull() bool {
	return w.maxParallelism >= 0 && w.numRunning >= w.maxParallelism
}

// WaitToStart waits for a worker to be available and runs task in it. It returns as soon as the task
// started. If the pool is not enabled, task runs inline.
func (w *Pool) WaitToStart(task func()) {
	if !w.IsEnabled() {
		task()
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	for w.lockedIsFull() {
		w.cond.Wait()
	}
	w.numRunning++
	go func() {
		defer func() {
			w.mu.Lock()
			w.numRunning--
			w.cond.Signal()
			w.mu.Unlock()
		}()
		task()
	}()
}

// ForEach runs fn(i) for i in [0, n) and waits for all of them. It returns the error of the lowest index
// that failed, so the result doesn't depend on scheduling.
func (w *Pool) ForEach(n int, fn func(i int) error) error {
	errs := make([]error, n)
	var wg sync.WaitGroup
	wg.Add(n)
	for i := range n {
		w.WaitToStart(func() {
			defer wg.Done()
			errs[i] = fn(i)
		})
	}
	wg.Wait()
	for _, err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}
