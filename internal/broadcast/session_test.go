package broadcast

import (
	"strings"
	"testing"
	"time"

	"github.com/therealutkarshpriyadarshi/livegate/internal/buffer"
	"github.com/therealutkarshpriyadarshi/livegate/internal/config"
	"github.com/therealutkarshpriyadarshi/livegate/internal/logging"
)

func TestNewTranscodeID(t *testing.T) {
	seen := make(map[string]struct{})

	for i := 0; i < 100; i++ {
		id := newTranscodeID()
		if len(id) != 32 {
			t.Fatalf("id length = %d, want 32", len(id))
		}
		for _, c := range id {
			if !strings.ContainsRune(transcodeIDAlphabet, c) {
				t.Fatalf("id %q contains %q outside the alphabet", id, c)
			}
		}
		if _, dup := seen[id]; dup {
			t.Fatalf("duplicate id %q", id)
		}
		seen[id] = struct{}{}
	}
}

func TestRegistryRouting(t *testing.T) {
	pool := buffer.NewPool(1 << 20)
	scope := buffer.NewScopedPool(pool, logging.Nop())
	defer scope.Close()

	cfg := &config.TranscoderConfig{
		FFmpegPath:    "/bin/sh",
		HlsTime:       3,
		HlsListSize:   3,
		IngestBaseURL: "http://127.0.0.1:8080/transcode",
	}

	r := NewRegistry()
	ts := NewTranscodeSession(cfg, scope, "http://tuner/stream", logging.Nop())
	defer ts.Stop(testContext(t))

	if _, ok := r.Lookup(ts.ID()); ok {
		t.Error("empty registry should not resolve any id")
	}

	r.Add(ts)
	got, ok := r.Lookup(ts.ID())
	if !ok || got != ts {
		t.Error("registered session should resolve by id")
	}

	r.Remove(ts.ID())
	if _, ok := r.Lookup(ts.ID()); ok {
		t.Error("removed session should no longer resolve")
	}
}

func TestTranscodeArgumentsCarryID(t *testing.T) {
	pool := buffer.NewPool(1 << 20)
	scope := buffer.NewScopedPool(pool, logging.Nop())
	defer scope.Close()

	cfg := &config.TranscoderConfig{
		FFmpegPath:    "/usr/bin/ffmpeg",
		InputParams:   "-re",
		OutputParams:  "-c:v libx264",
		HlsTime:       3,
		HlsListSize:   5,
		IngestBaseURL: "http://127.0.0.1:8080/transcode",
	}

	ts := NewTranscodeSession(cfg, scope, "http://tuner/stream", logging.Nop())
	defer ts.Stop(testContext(t))

	args := ts.FFmpegArguments()
	wantUpload := "http://127.0.0.1:8080/transcode/" + ts.ID() + "/live.m3u8"
	if !strings.Contains(args, wantUpload) {
		t.Errorf("arguments %q missing upload target %q", args, wantUpload)
	}
	if !strings.Contains(args, "-i http://tuner/stream") {
		t.Errorf("arguments %q missing channel input", args)
	}
}

func TestLogTailWindow(t *testing.T) {
	lt := newLogTail(50 * time.Millisecond)

	lt.Append("old line")
	time.Sleep(80 * time.Millisecond)
	lt.Append("fresh line")

	got := lt.Snapshot()
	if len(got) != 1 || got[0] != "fresh line" {
		t.Errorf("snapshot = %v, want only the fresh line", got)
	}
}

func TestLogTailKeepsOrder(t *testing.T) {
	lt := newLogTail(time.Minute)

	lt.Append("one")
	lt.Append("two")
	lt.Append("three")

	got := lt.Snapshot()
	if len(got) != 3 || got[0] != "one" || got[2] != "three" {
		t.Errorf("snapshot = %v, want [one two three]", got)
	}
}
