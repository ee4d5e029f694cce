package ffmpeg

import (
	"testing"
)

func drainLines(s *LineSubscription) []string {
	var out []string
	for {
		select {
		case line, ok := <-s.Lines():
			if !ok {
				return out
			}
			out = append(out, line)
		default:
			return out
		}
	}
}

func TestBroadcasterFansOut(t *testing.T) {
	b := NewLineBroadcaster()
	first := b.Subscribe(8)
	second := b.Subscribe(8)

	b.Publish("one")
	b.Publish("two")

	for _, sub := range []*LineSubscription{first, second} {
		got := drainLines(sub)
		if len(got) != 2 || got[0] != "one" || got[1] != "two" {
			t.Errorf("subscriber got %v, want [one two]", got)
		}
	}
}

func TestBroadcasterDropsOldestOnOverflow(t *testing.T) {
	b := NewLineBroadcaster()
	sub := b.Subscribe(2)

	b.Publish("a")
	b.Publish("b")
	b.Publish("c")

	got := drainLines(sub)
	if len(got) != 2 || got[0] != "b" || got[1] != "c" {
		t.Errorf("got %v, want the two newest lines [b c]", got)
	}
}

func TestBroadcasterCancelStopsDelivery(t *testing.T) {
	b := NewLineBroadcaster()
	cancelled := b.Subscribe(8)
	kept := b.Subscribe(8)

	cancelled.Cancel()
	cancelled.Cancel() // safe to repeat

	b.Publish("line")

	if _, ok := <-cancelled.Lines(); ok {
		t.Error("cancelled subscription channel should be closed")
	}

	got := drainLines(kept)
	if len(got) != 1 || got[0] != "line" {
		t.Errorf("remaining subscriber got %v, want [line]", got)
	}
}

func TestBroadcasterCloseClosesSubscribers(t *testing.T) {
	b := NewLineBroadcaster()
	sub := b.Subscribe(8)

	b.Publish("before")
	b.Close()
	b.Close() // idempotent
	b.Publish("after")

	var got []string
	for line := range sub.Lines() {
		got = append(got, line)
	}
	if len(got) != 1 || got[0] != "before" {
		t.Errorf("got %v, want only the pre-close line", got)
	}

	// Cancelling after close must not double-close the channel.
	sub.Cancel()
}

func TestSubscribeAfterCloseIsClosed(t *testing.T) {
	b := NewLineBroadcaster()
	b.Close()

	sub := b.Subscribe(8)
	if _, ok := <-sub.Lines(); ok {
		t.Error("subscription taken after close should already be closed")
	}
}
