package ffmpeg

import "sync"

// DefaultSubscriberBuffer is the per-subscriber line buffer used when a
// caller does not pick one.
const DefaultSubscriberBuffer = 256

// LineBroadcaster fans diagnostic text lines out to any number of
// subscribers. Each subscriber has its own bounded buffer with a
// drop-oldest overflow policy, so one slow or absent consumer never stalls
// the producer or grows memory.
type LineBroadcaster struct {
	mu     sync.Mutex
	subs   map[*LineSubscription]struct{}
	closed bool
}

// NewLineBroadcaster creates an empty broadcaster.
func NewLineBroadcaster() *LineBroadcaster {
	return &LineBroadcaster{subs: make(map[*LineSubscription]struct{})}
}

// Subscribe registers a new subscriber with the given buffer size. On a
// closed broadcaster the returned subscription's channel is already closed.
func (b *LineBroadcaster) Subscribe(bufferSize int) *LineSubscription {
	if bufferSize <= 0 {
		bufferSize = DefaultSubscriberBuffer
	}

	sub := &LineSubscription{
		broadcaster: b,
		lines:       make(chan string, bufferSize),
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		close(sub.lines)
		return sub
	}

	b.subs[sub] = struct{}{}
	return sub
}

// Publish delivers a line to every subscriber, discarding each
// subscriber's oldest buffered line when its buffer is full.
func (b *LineBroadcaster) Publish(line string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}

	for sub := range b.subs {
		select {
		case sub.lines <- line:
		default:
			// Drop the oldest line to make room.
			select {
			case <-sub.lines:
			default:
			}
			select {
			case sub.lines <- line:
			default:
			}
		}
	}
}

// Close closes every subscription channel. Idempotent.
func (b *LineBroadcaster) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.closed = true

	for sub := range b.subs {
		sub.once.Do(func() { close(sub.lines) })
		delete(b.subs, sub)
	}
}

// LineSubscription is one subscriber's view of a broadcast.
type LineSubscription struct {
	broadcaster *LineBroadcaster
	lines       chan string
	once        sync.Once
}

// Lines is the subscriber's channel. It closes when the broadcast ends or
// the subscription is cancelled.
func (s *LineSubscription) Lines() <-chan string {
	return s.lines
}

// Cancel unregisters the subscription and closes its channel. Safe to call
// concurrently with Publish and more than once.
func (s *LineSubscription) Cancel() {
	s.broadcaster.mu.Lock()
	defer s.broadcaster.mu.Unlock()

	if _, ok := s.broadcaster.subs[s]; ok {
		delete(s.broadcaster.subs, s)
		s.once.Do(func() { close(s.lines) })
	}
}
