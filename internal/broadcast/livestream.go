package broadcast

import (
	"sync"
	"sync/atomic"

	"github.com/therealutkarshpriyadarshi/livegate/internal/buffer"
	"github.com/therealutkarshpriyadarshi/livegate/internal/hls"
	"github.com/therealutkarshpriyadarshi/livegate/internal/logging"
)

// SegmentSink receives a copy of every segment applied to the live stream.
// Implementations must not block; the live path does not wait for them.
type SegmentSink interface {
	ArchiveSegment(index int, payload *buffer.SharedBuffer)
}

// SegmentArchive stores segments under a session-scoped key. It is the
// service-wide face of the DVR sink; each broadcast binds its own session
// id to it.
type SegmentArchive interface {
	ArchiveSegment(sessionID string, index int, payload *buffer.SharedBuffer)
}

// sessionSink adapts a SegmentArchive to one broadcast's live stream.
type sessionSink struct {
	sessionID string
	archive   SegmentArchive
}

func (s sessionSink) ArchiveSegment(index int, payload *buffer.SharedBuffer) {
	s.archive.ArchiveSegment(s.sessionID, index, payload)
}

// SegmentSource publishes correlated ready segments until closed.
type SegmentSource interface {
	Segments() <-chan hls.SegmentInfo
}

// LiveStream applies the segments of the current transcode to one shared
// StreamState. The state is published through an atomic pointer so playback
// handlers read coherent snapshots without locking; writes are serialized
// here. Switching sources flags a timeline discontinuity, and segments
// still in flight from a replaced source are disposed rather than applied.
type LiveStream struct {
	state      atomic.Pointer[hls.StreamState]
	listSize   int
	readyCount int
	ready      chan struct{}
	readyOnce  sync.Once
	done       chan struct{}
	sink       SegmentSink
	log        *logging.Logger

	mu       sync.Mutex
	source   SegmentSource
	applied  int
	closed   bool
	draining sync.WaitGroup
}

// NewLiveStream creates an empty, not-ready live stream. sink may be nil.
func NewLiveStream(listSize, readyCount int, sink SegmentSink, log *logging.Logger) (*LiveStream, error) {
	initial, err := hls.NewStreamState(listSize)
	if err != nil {
		return nil, err
	}

	if readyCount < 1 {
		readyCount = 1
	}

	ls := &LiveStream{
		listSize:   listSize,
		readyCount: readyCount,
		ready:      make(chan struct{}),
		done:       make(chan struct{}),
		sink:       sink,
		log:        log,
	}
	ls.state.Store(initial)
	return ls, nil
}

// State is the current playlist snapshot.
func (ls *LiveStream) State() *hls.StreamState {
	return ls.state.Load()
}

// Ready closes once enough segments have been applied for the playlist to
// be worth serving.
func (ls *LiveStream) Ready() <-chan struct{} {
	return ls.ready
}

// IsReady reports whether the ready latch has fired.
func (ls *LiveStream) IsReady() bool {
	select {
	case <-ls.ready:
		return true
	default:
		return false
	}
}

// SetSource switches the stream to a new segment source. The previous
// source's last applied segment is flagged with a discontinuity so players
// reset their decoders across the encoder restart.
func (ls *LiveStream) SetSource(src SegmentSource) {
	ls.mu.Lock()
	if ls.closed {
		ls.mu.Unlock()
		return
	}

	if ls.source != nil {
		ls.state.Store(ls.state.Load().WithDiscontinuity())
	}
	ls.source = src
	ls.draining.Add(1)
	ls.mu.Unlock()

	go ls.consume(src)
}

func (ls *LiveStream) consume(src SegmentSource) {
	defer ls.draining.Done()

	for {
		var info hls.SegmentInfo
		select {
		case received, ok := <-src.Segments():
			if !ok {
				return
			}
			info = received
		case <-ls.done:
			// The source normally closes its channel first; this covers
			// sources torn down out of order. Whatever it still buffered
			// is disposed with the broadcast's scope.
			return
		}

		ls.mu.Lock()
		if ls.closed || ls.source != src {
			ls.mu.Unlock()
			// Stale source; its segment no longer belongs on the timeline.
			info.Payload.Dispose()
			ls.log.Debug("discarded segment from a replaced transcode source")
			continue
		}

		next := ls.state.Load().WithSegment(info)
		ls.state.Store(next)
		ls.applied++
		reached := ls.applied >= ls.readyCount
		index := next.LastIndex()
		ls.mu.Unlock()

		if reached {
			ls.readyOnce.Do(func() { close(ls.ready) })
		}

		if ls.sink != nil {
			ls.sink.ArchiveSegment(index, info.Payload)
		}
	}
}

// Close detaches the current source, waits for consumer goroutines to
// drain, and disposes every buffer held by the final state. The stream
// reads as not-ready afterwards.
func (ls *LiveStream) Close() {
	ls.mu.Lock()
	if ls.closed {
		ls.mu.Unlock()
		return
	}
	ls.closed = true
	final := ls.state.Load()

	// Swap in an empty snapshot so late readers see not-ready rather than
	// disposed buffers.
	if empty, err := hls.NewStreamState(ls.listSize); err == nil {
		ls.state.Store(empty)
	}
	ls.mu.Unlock()

	close(ls.done)
	ls.draining.Wait()

	final.DisposeAll()
}
