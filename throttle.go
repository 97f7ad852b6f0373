// Copyright (C) The Tributary Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package tributary

import "sync"

// throttle runs caller-supplied tasks in goroutines, at most Max at a
// time, remembering the first error any of them returns. A Max below
// 1 is treated as 1.
type throttle struct {
	Max  int
	once sync.Once
	sem  chan bool
	wg   sync.WaitGroup
	mtx  sync.Mutex
	err  error
}

// Go starts f in a new goroutine, first blocking until fewer than Max
// started tasks are still running. If an earlier task has already
// returned an error, f is skipped.
func (t *throttle) Go(f func() error) {
	t.once.Do(func() {
		n := t.Max
		if n < 1 {
			n = 1
		}
		t.sem = make(chan bool, n)
	})
	if t.Err() != nil {
		return
	}
	t.wg.Add(1)
	t.sem <- true
	go func() {
		defer t.wg.Done()
		defer func() { <-t.sem }()
		if err := f(); err != nil {
			t.mtx.Lock()
			if t.err == nil {
				t.err = err
			}
			t.mtx.Unlock()
		}
	}()
}

// Err returns the first error returned by a task started via Go, or
// nil if none has failed yet.
func (t *throttle) Err() error {
	t.mtx.Lock()
	defer t.mtx.Unlock()
	return t.err
}

// Wait blocks until every started task has finished, then reports the
// first failure.
func (t *throttle) Wait() error {
	t.wg.Wait()
	return t.Err()
}
