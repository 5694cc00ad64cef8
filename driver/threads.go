package driver

import (
	"sync"

	"github.com/pkg/errors"
)

// ThreadContexts emulates the per-OS-thread stack of current contexts that the CUDA driver keeps internally.
// It is used by drivers whose native API has no such concept (host, OpenCL), so that the activation
// discipline of the backend package can be verified uniformly.
//
// Callers are expected to lock the goroutine to its OS thread (runtime.LockOSThread) between a Push and its
// matching Pop. The zero value is ready to use.
type ThreadContexts struct {
	mu     sync.Mutex
	stacks map[int][]Context
}

// Push makes ctx current on the calling thread.
func (tc *ThreadContexts) Push(ctx Context) {
	tid := ThreadID()
	tc.mu.Lock()
	defer tc.mu.Unlock()
	if tc.stacks == nil {
		tc.stacks = make(map[int][]Context)
	}
	tc.stacks[tid] = append(tc.stacks[tid], ctx)
}

// Pop restores the previously current context of the calling thread and returns the popped one.
func (tc *ThreadContexts) Pop() (Context, error) {
	tid := ThreadID()
	tc.mu.Lock()
	defer tc.mu.Unlock()
	stack := tc.stacks[tid]
	if len(stack) == 0 {
		return 0, errors.Errorf("no current context on thread %d to pop", tid)
	}
	ctx := stack[len(stack)-1]
	if len(stack) == 1 {
		delete(tc.stacks, tid)
	} else {
		tc.stacks[tid] = stack[:len(stack)-1]
	}
	return ctx, nil
}

// Current returns the context current on the calling thread, or 0.
func (tc *ThreadContexts) Current() Context {
	tid := ThreadID()
	tc.mu.Lock()
	defer tc.mu.Unlock()
	stack := tc.stacks[tid]
	if len(stack) == 0 {
		return 0
	}
	return stack[len(stack)-1]
}

// Depth returns how many contexts are pushed on the calling thread.
func (tc *ThreadContexts) Depth() int {
	tid := ThreadID()
	tc.mu.Lock()
	defer tc.mu.Unlock()
	return len(tc.stacks[tid])
}

// Forget removes ctx from every thread stack, used when a context is destroyed.
func (tc *ThreadContexts) Forget(ctx Context) {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	for tid, stack := range tc.stacks {
		kept := stack[:0]
		for _, c := range stack {
			if c != ctx {
				kept = append(kept, c)
			}
		}
		if len(kept) == 0 {
			delete(tc.stacks, tid)
		} else {
			tc.stacks[tid] = kept
		}
	}
}
