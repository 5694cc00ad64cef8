package host

import (
	"sync"

	"github.com/gomlx/aura/driver"
	"github.com/pkg/errors"
)

// streamQueueSize is the number of operations that can be enqueued before the enqueuing call blocks.
const streamQueueSize = 1024

// stream executes enqueued operations in order, in its own goroutine.
type stream struct {
	handle driver.Stream
	ctx    driver.Context
	flags  driver.StreamFlags

	ops  chan func() error
	done chan struct{}

	// muSend protects closed and sending on ops.
	muSend sync.Mutex
	closed bool

	// muErr protects err: the first error of asynchronous work since the last synchronize.
	muErr sync.Mutex
	err   error
}

func newStream(handle driver.Stream, ctx driver.Context, flags driver.StreamFlags) *stream {
	s := &stream{
		handle: handle,
		ctx:    ctx,
		flags:  flags,
		ops:    make(chan func() error, streamQueueSize),
		done:   make(chan struct{}),
	}
	go s.run()
	return s
}

func (s *stream) run() {
	defer close(s.done)
	for op := range s.ops {
		if err := op(); err != nil {
			s.muErr.Lock()
			if s.err == nil {
				s.err = err
			}
			s.muErr.Unlock()
		}
	}
}

// enqueue op for asynchronous execution.
func (s *stream) enqueue(op func() error) error {
	s.muSend.Lock()
	defer s.muSend.Unlock()
	if s.closed {
		return errors.Errorf("stream %#x already destroyed", s.handle)
	}
	s.ops <- op
	return nil
}

// synchronize waits for all work enqueued so far, and returns (and clears) the first asynchronous error.
func (s *stream) synchronize() error {
	marker := make(chan struct{})
	err := s.enqueue(func() error {
		close(marker)
		return nil
	})
	if err != nil {
		return err
	}
	<-marker
	s.muErr.Lock()
	defer s.muErr.Unlock()
	err = s.err
	s.err = nil
	return err
}

// close stops accepting work and waits for the enqueued work to finish. It is idempotent.
func (s *stream) close() {
	s.muSend.Lock()
	if !s.closed {
		s.closed = true
		close(s.ops)
	}
	s.muSend.Unlock()
	<-s.done
}
