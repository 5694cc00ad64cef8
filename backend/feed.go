// Package backend implements devices and feeds over the GPU platforms of the driver package (CUDA, OpenCL, or
// the in-process host emulation).
//
// A Device owns the native context of a physical device, and a Feed owns an asynchronous stream (command queue)
// on a Device. Every native call is issued with the device context current on the calling OS thread: see
// Device.Set, Feed.Do and the pinning modes. Device memory, copies and kernel launches are issued through Feeds.
package backend

import (
	"fmt"
	"runtime"
	"sync/atomic"

	"github.com/gomlx/aura/driver"
	"k8s.io/klog/v2"
)

// feedState is either liveStream or tombstone.
type feedState interface {
	isFeedState()
}

// liveStream is the state of a Feed that owns a native stream.
type liveStream struct {
	device *Device
	stream driver.Stream
}

// tombstone is the state of a Feed that was moved-from or destroyed: it owns nothing.
type tombstone struct{}

func (liveStream) isFeedState() {}
func (tombstone) isFeedState()  {}

// feedWrapper holds the native stream, which requires clean up.
type feedWrapper struct {
	state feedState
	mode  pinMode
}

// Feed owns an asynchronous command stream (a CUDA stream or an OpenCL command queue) of a Device.
//
// Operations enqueued on the same Feed execute in order; operations on different Feeds have no ordering
// guarantee unless the caller synchronizes. Synchronize is the only blocking operation.
//
// A Feed can't be copied, but its ownership can be transferred with Move and MoveFrom, which leave the source
// empty (a tombstone). Using an empty Feed returns ErrInvalidOperation, except for Destroy, IsEmpty and Move.
type Feed struct {
	wrapper *feedWrapper
}

var feedsAlive atomic.Int64

// FeedsAlive returns the number of native streams owned by Feeds and not yet released.
func FeedsAlive() int64 {
	return feedsAlive.Load()
}

// FeedOption configures NewFeed.
type FeedOption func(cfg *feedConfig)

type feedConfig struct {
	nonBlocking bool
}

// WithNonBlocking sets whether the stream may run concurrently with the legacy default stream (CUDA
// CU_STREAM_NON_BLOCKING). OpenCL ignores it. The default is DefaultNonBlocking.
func WithNonBlocking(nonBlocking bool) FeedOption {
	return func(cfg *feedConfig) {
		cfg.nonBlocking = nonBlocking
	}
}

// NewFeed creates a new stream on the device.
//
// The device is activated only during the stream creation: on return, successful or not, the calling thread has
// the same current context as before.
func NewFeed(d *Device, options ...FeedOption) (*Feed, error) {
	const op = "NewFeed"
	cfg := feedConfig{nonBlocking: DefaultNonBlocking}
	for _, option := range options {
		option(&cfg)
	}
	flags := driver.StreamDefault
	if cfg.nonBlocking {
		flags = driver.StreamNonBlocking
	}
	var stream driver.Stream
	err := d.Do(func(ctx driver.Context) error {
		var err error
		stream, err = d.drv().StreamCreate(ctx, flags)
		if err != nil {
			return newError(ErrFeed, op, err)
		}
		return nil
	})
	if err != nil {
		if stream != 0 {
			// Stream was created, but deactivating the device failed: release it.
			if destroyErr := d.Do(func(driver.Context) error { return d.drv().StreamDestroy(stream) }); destroyErr != nil {
				klog.Errorf("failed to release stream %#x of a failed NewFeed on %s: %v", stream, d, destroyErr)
			}
		}
		return nil, err
	}
	f := newFeed(&feedWrapper{state: liveStream{device: d, stream: stream}})
	klog.V(2).Infof("created %s (%s)", f, flags)
	return f, nil
}

// newFeed creates a Feed for the wrapper and registers its clean up.
func newFeed(wrapper *feedWrapper) *Feed {
	f := &Feed{wrapper: wrapper}
	if live, ok := wrapper.state.(liveStream); ok {
		feedsAlive.Add(1)
		live.device.liveFeeds.Add(1)
	}
	// Empty Feeds may receive a stream later with MoveFrom.
	runtime.AddCleanup(f, func(wrapper *feedWrapper) {
		if err := wrapper.finalize(); err != nil {
			FinalizeErrorHandler(err)
		}
	}, wrapper)
	return f
}

// EmptyFeed returns a Feed that owns no stream, to be the destination of a MoveFrom.
func EmptyFeed() *Feed {
	return newFeed(&feedWrapper{state: tombstone{}})
}

// finalize releases the stream if the wrapper is live, and leaves it as a tombstone. It is idempotent.
// If releasing the stream fails, the wrapper is kept live.
func (wrapper *feedWrapper) finalize() error {
	const op = "Feed.Destroy"
	live, ok := wrapper.state.(liveStream)
	if !ok {
		return nil
	}
	d := live.device
	if wrapper.mode == modePinned {
		wrapper.mode = modeNormal
		if err := d.deactivate(op); err != nil {
			return err
		}
	}
	err := d.Do(func(driver.Context) error {
		if err := d.drv().StreamDestroy(live.stream); err != nil {
			return newError(ErrFeed, op, err)
		}
		return nil
	})
	if err != nil {
		return err
	}
	wrapper.state = tombstone{}
	feedsAlive.Add(-1)
	d.liveFeeds.Add(-1)
	klog.V(2).Infof("released stream %#x of %s", live.stream, d)
	return nil
}

// live returns the live state, or an ErrInvalidOperation if the Feed is empty.
func (f *Feed) live(op string) (liveStream, error) {
	if f == nil || f.wrapper == nil {
		return liveStream{}, newErrorf(ErrInvalidOperation, op, "Feed is nil")
	}
	live, ok := f.wrapper.state.(liveStream)
	if !ok {
		return liveStream{}, newErrorf(ErrInvalidOperation, op, "Feed is empty (moved-from or destroyed)")
	}
	return live, nil
}

// Move transfers the ownership of the stream to a new Feed, which is returned. The receiver becomes empty.
// Moving an empty Feed returns another empty Feed.
func (f *Feed) Move() *Feed {
	if f == nil || f.wrapper == nil {
		return EmptyFeed()
	}
	state, mode := f.wrapper.state, f.wrapper.mode
	f.release()
	return newFeed(&feedWrapper{state: state, mode: mode})
}

// release makes the Feed a tombstone without releasing the stream, whose ownership was transferred.
func (f *Feed) release() {
	if live, ok := f.wrapper.state.(liveStream); ok {
		feedsAlive.Add(-1)
		live.device.liveFeeds.Add(-1)
	}
	f.wrapper.state = tombstone{}
	f.wrapper.mode = modeNormal
}

// MoveFrom releases the stream owned by the receiver, if any, and takes the ownership of the stream of src,
// which becomes empty. Moving a Feed into itself is a no-op.
//
// If releasing the receiver's stream fails, the error is returned and neither Feed is changed.
func (f *Feed) MoveFrom(src *Feed) error {
	if f == nil || f.wrapper == nil {
		return newErrorf(ErrInvalidOperation, "Feed.MoveFrom", "destination Feed is nil, use EmptyFeed() instead")
	}
	if src == nil || src.wrapper == nil || f.wrapper == src.wrapper {
		return nil
	}
	if err := f.wrapper.finalize(); err != nil {
		return err
	}
	state, mode := src.wrapper.state, src.wrapper.mode
	src.release()
	if live, ok := state.(liveStream); ok {
		feedsAlive.Add(1)
		live.device.liveFeeds.Add(1)
	}
	f.wrapper.state, f.wrapper.mode = state, mode
	return nil
}

// Destroy releases the stream, after waiting for the enqueued work to complete, and makes the Feed empty.
// If the Feed is pinned, it is unpinned first. It is a no-op on an empty Feed.
// This is automatically called if the Feed is garbage collected.
func (f *Feed) Destroy() error {
	if f == nil || f.wrapper == nil {
		return nil
	}
	return f.wrapper.finalize()
}

// Set makes the context of the Feed's device current on the calling thread. It is a no-op if the Feed or its
// device are pinned. Each Set must be matched by an Unset on the same goroutine.
func (f *Feed) Set() error {
	live, err := f.live("Feed.Set")
	if err != nil {
		return err
	}
	if f.wrapper.mode == modePinned {
		return nil
	}
	return live.device.Set()
}

// Unset restores the context that was current before the matching Set. It is a no-op if the Feed or its device
// are pinned.
func (f *Feed) Unset() error {
	live, err := f.live("Feed.Unset")
	if err != nil {
		return err
	}
	if f.wrapper.mode == modePinned {
		return nil
	}
	return live.device.Unset()
}

// Pin activates the device context and keeps it current until Unpin: meanwhile Set and Unset are no-ops.
// The context is pushed even if the device is pinned, so the Feed stays active if the device is unpinned first.
// The calling goroutine stays locked to its OS thread and must not use other devices while the Feed is pinned.
func (f *Feed) Pin() error {
	live, err := f.live("Feed.Pin")
	if err != nil {
		return err
	}
	if f.wrapper.mode == modePinned {
		return newErrorf(ErrInvalidOperation, "Feed.Pin", "%s is already pinned", f)
	}
	if err := live.device.activate("Feed.Pin"); err != nil {
		return err
	}
	f.wrapper.mode = modePinned
	return nil
}

// Unpin restores the normal activation mode and pops the context pushed by Pin.
func (f *Feed) Unpin() error {
	live, err := f.live("Feed.Unpin")
	if err != nil {
		return err
	}
	if f.wrapper.mode != modePinned {
		return newErrorf(ErrInvalidOperation, "Feed.Unpin", "%s is not pinned", f)
	}
	f.wrapper.mode = modeNormal
	return live.device.deactivate("Feed.Unpin")
}

// IsPinned returns whether the Feed is pinned. It doesn't reflect whether its device is pinned.
func (f *Feed) IsPinned() bool {
	return f.wrapper != nil && f.wrapper.mode == modePinned
}

// IsEmpty returns whether the Feed owns no stream: it was moved-from or destroyed.
func (f *Feed) IsEmpty() bool {
	if f == nil || f.wrapper == nil {
		return true
	}
	_, ok := f.wrapper.state.(tombstone)
	return ok
}

// Do runs fn with the native stream, with the device context current. The context is deactivated on every
// exit path. This is how asynchronous work (copies, kernel launches) is issued on a Feed.
func (f *Feed) Do(fn func(stream driver.Stream) error) error {
	live, err := f.live("Feed.Do")
	if err != nil {
		return err
	}
	if err := f.Set(); err != nil {
		return err
	}
	err = fn(live.stream)
	return withCleanupError(err, f.Unset())
}

// Synchronize blocks until all the work enqueued on the Feed has completed, and returns the first error of the
// asynchronous work, if any.
func (f *Feed) Synchronize() error {
	live, err := f.live("Feed.Synchronize")
	if err != nil {
		return err
	}
	return f.Do(func(stream driver.Stream) error {
		if err := live.device.drv().StreamSynchronize(stream); err != nil {
			return newError(ErrFeed, "Feed.Synchronize", err)
		}
		return nil
	})
}

// WaitFor blocks until all the work enqueued on f has completed. It is the same as f.Synchronize().
func WaitFor(f *Feed) error {
	return f.Synchronize()
}

// Stream returns the native stream, or 0 if the Feed is empty.
func (f *Feed) Stream() driver.Stream {
	if f == nil || f.wrapper == nil {
		return 0
	}
	if live, ok := f.wrapper.state.(liveStream); ok {
		return live.stream
	}
	return 0
}

// Device returns the device of the Feed, or nil if the Feed is empty.
func (f *Feed) Device() *Device {
	if f == nil || f.wrapper == nil {
		return nil
	}
	if live, ok := f.wrapper.state.(liveStream); ok {
		return live.device
	}
	return nil
}

// String implements fmt.Stringer.
func (f *Feed) String() string {
	if f.IsEmpty() {
		return "Feed(empty)"
	}
	live := f.wrapper.state.(liveStream)
	if f.wrapper.mode == modePinned {
		return fmt.Sprintf("Feed(stream %#x on %s, pinned)", live.stream, live.device)
	}
	return fmt.Sprintf("Feed(stream %#x on %s)", live.stream, live.device)
}
