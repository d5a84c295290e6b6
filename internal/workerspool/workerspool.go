// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package workerspool runs independent tasks (one per transformation sample) with bounded parallelism.
package workerspool

import (
	"runtime"
	"sync"

	"github.com/gomlx/exceptions"
	"github.com/pkg/errors"
)

// Pool of workers with a soft limit on the number of tasks running in parallel.
type Pool struct {
	// maxParallelism is the limit of tasks running concurrently: 0 disables parallelism (tasks run inline),
	// and a negative value means unlimited.
	maxParallelism int
	mu             sync.Mutex
	cond           sync.Cond // Signaled whenever numRunning is decreased.
	numRunning     int
}

// New returns a new Pool of workers with the default parallelism (runtime.NumCPU()).
func New() *Pool {
	return NewWithParallelism(runtime.NumCPU())
}

// NewWithParallelism returns a Pool with the given maxParallelism (see Pool.SetMaxParallelism).
func NewWithParallelism(maxParallelism int) *Pool {
	w := &Pool{maxParallelism: maxParallelism}
	w.cond = sync.Cond{L: &w.mu}
	return w
}

// IsEnabled returns whether parallelism is enabled (maxParallelism != 0).
func (w *Pool) IsEnabled() bool {
	return w.maxParallelism != 0
}

// IsUnlimited returns whether parallelism is unlimited (maxParallelism < 0).
func (w *Pool) IsUnlimited() bool {
	return w.maxParallelism < 0
}

// MaxParallelism returns the limit of tasks running concurrently.
func (w *Pool) MaxParallelism() int {
	return w.maxParallelism
}

// SetMaxParallelism sets the maxParallelism. If set to 0 parallelism is disabled, and if set to -1 it is unlimited.
//
// It should only be changed while no tasks are running.
func (w *Pool) SetMaxParallelism(maxParallelism int) {
	w.maxParallelism = maxParallelism
}

// lockedIsFull returns whether all available workers are in use.
//
// It must be called with Pool.mu acquired.
func (w *Pool) lockedIsFull() bool {
	if w.maxParallelism == 0 {
		return true
	} else if w.maxParallelism < 0 {
		return false
	}
	return w.numRunning >= w.maxParallelism
}

// WaitToStart waits until there is a worker available to run the task, and starts it in a new goroutine.
//
// If parallelism is disabled (maxParallelism is 0), it runs the task inline and returns when it is finished.
func (w *Pool) WaitToStart(task func()) {
	if w.IsUnlimited() {
		go task()
		return
	} else if w.maxParallelism == 0 {
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

// ParallelFor calls fn(i) for i in [0, n), in parallel within the pool limits, and waits for all to finish.
//
// It returns the error of the lowest index that failed. Panics inside fn are converted to errors, so a
// failing task never crashes the process from a worker goroutine.
func (w *Pool) ParallelFor(n int, fn func(i int) error) error {
	if n <= 0 {
		return nil
	}
	errs := make([]error, n)
	var wg sync.WaitGroup
	wg.Add(n)
	for i := range n {
		w.WaitToStart(func() {
			defer wg.Done()
			errs[i] = runTask(i, fn)
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

// runTask runs fn(i), converting a panic to an error.
func runTask(i int, fn func(i int) error) (err error) {
	panicked := exceptions.Try(func() { err = fn(i) })
	if panicked != nil {
		if panicErr, ok := panicked.(error); ok {
			return errors.WithMessagef(panicErr, "task %d panicked", i)
		}
		return errors.Errorf("task %d panicked: %v", i, panicked)
	}
	return err
}
