package hls

import (
	"bytes"
	"fmt"

	"github.com/therealutkarshpriyadarshi/livegate/internal/buffer"
)

// SegmentInfo fuses the current master and media playlist metadata with one
// ready segment. It is the unit published by the ingester to the live
// stream; ownership of Payload transfers with it.
type SegmentInfo struct {
	StreamInfo     string
	HlsVersion     int
	TargetDuration int
	Duration       float64
	Payload        *buffer.SharedBuffer
}

// SegmentEntry is one segment in the published sliding window.
type SegmentEntry struct {
	Index         int
	Duration      float64
	Payload       *buffer.SharedBuffer
	Discontinuity bool // followed by a discontinuity marker
}

// segmentWindow is a bounded copy-on-write queue of segment entries. Push
// returns the new window and the evicted oldest entry, if the window was
// already full.
type segmentWindow struct {
	maxSize int
	items   []SegmentEntry
}

func (w segmentWindow) push(e SegmentEntry) (segmentWindow, *SegmentEntry) {
	if len(w.items) < w.maxSize {
		items := make([]SegmentEntry, len(w.items)+1)
		copy(items, w.items)
		items[len(w.items)] = e
		return segmentWindow{maxSize: w.maxSize, items: items}, nil
	}

	evicted := w.items[0]
	items := make([]SegmentEntry, len(w.items))
	copy(items, w.items[1:])
	items[len(items)-1] = e
	return segmentWindow{maxSize: w.maxSize, items: items}, &evicted
}

func (w segmentWindow) markLastDiscontinuity() segmentWindow {
	items := make([]SegmentEntry, len(w.items))
	copy(items, w.items)
	items[len(items)-1].Discontinuity = true
	return segmentWindow{maxSize: w.maxSize, items: items}
}

// StreamState is the immutable sliding-window model of the published
// playlist. Every transition returns a new value; the current state is
// swapped in wholesale so concurrent readers always see one coherent
// snapshot. A state without segments is not ready and serves nothing.
type StreamState struct {
	listSize       int
	streamInfo     string
	hlsVersion     int
	targetDuration int
	live           segmentWindow
	previous       segmentWindow
}

// NewStreamState creates the initial not-ready state. The configured list
// size must be at least 2 so eviction always has somewhere to go.
func NewStreamState(listSize int) (*StreamState, error) {
	if listSize < 2 {
		return nil, fmt.Errorf("hls list size must be at least 2, got %d", listSize)
	}

	return &StreamState{
		listSize: listSize,
		live:     segmentWindow{maxSize: listSize},
		previous: segmentWindow{maxSize: listSize},
	}, nil
}

// Ready reports whether at least one segment has been published.
func (s *StreamState) Ready() bool {
	return len(s.live.items) > 0
}

// MediaSequence is the index of the first live segment.
func (s *StreamState) MediaSequence() int {
	if !s.Ready() {
		return 0
	}
	return s.live.items[0].Index
}

// LastIndex is the index of the most recently published segment, or -1.
func (s *StreamState) LastIndex() int {
	if !s.Ready() {
		return -1
	}
	return s.live.items[len(s.live.items)-1].Index
}

// WithSegment appends a published segment, evicting the oldest live entry
// into the previous window and disposing whatever falls off the end of the
// previous window. Indices grow monotonically for the life of a broadcast.
func (s *StreamState) WithSegment(info SegmentInfo) *StreamState {
	entry := SegmentEntry{
		Index:    s.LastIndex() + 1,
		Duration: info.Duration,
		Payload:  info.Payload,
	}

	next := &StreamState{
		listSize:       s.listSize,
		streamInfo:     s.streamInfo,
		hlsVersion:     s.hlsVersion,
		targetDuration: s.targetDuration,
		previous:       s.previous,
	}

	if !s.Ready() {
		// First segment carries the playlist metadata for the stream.
		next.streamInfo = info.StreamInfo
		next.hlsVersion = info.HlsVersion
		next.targetDuration = info.TargetDuration
	}

	var evicted *SegmentEntry
	next.live, evicted = s.live.push(entry)
	if evicted != nil {
		var disposed *SegmentEntry
		next.previous, disposed = s.previous.push(*evicted)
		if disposed != nil {
			disposed.Payload.Dispose()
		}
	}

	return next
}

// WithDiscontinuity flags the most recent live segment as followed by a
// timeline discontinuity. On a not-ready state there is nothing to mark.
func (s *StreamState) WithDiscontinuity() *StreamState {
	if !s.Ready() {
		return s
	}

	next := *s
	next.live = s.live.markLastDiscontinuity()
	return &next
}

// MasterPlaylist renders the master playlist, or reports not-found when the
// stream is not ready.
func (s *StreamState) MasterPlaylist() ([]byte, bool) {
	if !s.Ready() {
		return nil, false
	}

	var b bytes.Buffer
	fmt.Fprintf(&b, "#EXTM3U\n%s%d\n%s%s\nlive.m3u8", versionTag, s.hlsVersion, streamInfoTag, s.streamInfo)
	return b.Bytes(), true
}

// MediaPlaylist renders the media playlist for the current window. All
// numeric formatting goes through strconv/fmt and is locale-invariant.
func (s *StreamState) MediaPlaylist() ([]byte, bool) {
	if !s.Ready() {
		return nil, false
	}

	var b bytes.Buffer
	fmt.Fprintf(&b, "#EXTM3U\n%s%d\n%s%d\n#EXT-X-MEDIA-SEQUENCE:%d",
		versionTag, s.hlsVersion, targetDurationTag, s.targetDuration, s.MediaSequence())

	for _, e := range s.live.items {
		fmt.Fprintf(&b, "\n%s%.6f,\nlive%d.ts", extInfTag, e.Duration, e.Index)
		if e.Discontinuity {
			b.WriteString("\n#EXT-X-DISCONTINUITY")
		}
	}

	return b.Bytes(), true
}

// Segment looks an index up in the live window, then the previous window,
// and rents a lease for zero-copy transfer to the response. The caller must
// release the lease once the body write completes. A segment whose buffer
// was already evicted by a newer state reads as not-found.
func (s *StreamState) Segment(index int) (*buffer.Lease, bool) {
	for _, window := range [2]segmentWindow{s.live, s.previous} {
		for i := range window.items {
			if window.items[i].Index != index {
				continue
			}

			lease, err := window.items[i].Payload.Rent()
			if err != nil {
				return nil, false
			}
			return lease, true
		}
	}

	return nil, false
}

// DisposeAll releases every buffer referenced by both windows. Used when
// the whole broadcast is torn down.
func (s *StreamState) DisposeAll() {
	for _, e := range s.live.items {
		e.Payload.Dispose()
	}
	for _, e := range s.previous.items {
		e.Payload.Dispose()
	}
}
