package broadcast

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/therealutkarshpriyadarshi/livegate/internal/buffer"
	"github.com/therealutkarshpriyadarshi/livegate/internal/config"
	"github.com/therealutkarshpriyadarshi/livegate/internal/ffmpeg"
	"github.com/therealutkarshpriyadarshi/livegate/internal/logging"
	"github.com/therealutkarshpriyadarshi/livegate/internal/tuner"
)

func testContext(t *testing.T) context.Context {
	t.Helper()
	return context.Background()
}

// writeStubTranscoder writes a shell script that stands in for ffmpeg: it
// prints one progress line, then blocks until the quit byte arrives on
// stdin, the way the real binary reacts to 'q'.
func writeStubTranscoder(t *testing.T, body string) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "stub-ffmpeg")
	script := "#!/bin/sh\n" + body
	if err := os.WriteFile(path, []byte(script), 0o755); err != nil {
		t.Fatal(err)
	}
	return path
}

func longRunningStub(t *testing.T) string {
	return writeStubTranscoder(t,
		`echo "frame= 10 fps= 25 q=28.0 size= 128KiB time=00:00:01.00 bitrate=1.0kbits/s speed=1.01x" >&2
head -c1 >/dev/null
`)
}

func crashingStub(t *testing.T) string {
	return writeStubTranscoder(t, `echo "input not found" >&2
exit 1
`)
}

func testTranscoderConfig(ffmpegPath string) *config.TranscoderConfig {
	return &config.TranscoderConfig{
		FFmpegPath:          ffmpegPath,
		HlsTime:             3,
		HlsListSize:         3,
		PlaylistReadyCount:  2,
		MaxFileSize:         1 << 20,
		GracefulStopTimeout: 2 * time.Second,
		LogRetention:        time.Minute,
		IngestBaseURL:       "http://127.0.0.1:8080/transcode",
	}
}

type stubResolver struct{}

func (stubResolver) Resolve(ctx context.Context, channelID string) (tuner.ChannelInfo, error) {
	if channelID != "5.1" {
		return tuner.ChannelInfo{}, fmt.Errorf("%w: %s", tuner.ErrChannelNotFound, channelID)
	}
	return tuner.ChannelInfo{GuideNumber: "5.1", GuideName: "WNBC", URL: "http://tuner/auto/v5.1"}, nil
}

type recordingHistory struct {
	mu       sync.Mutex
	started  int
	endedIDs []int64
}

func (h *recordingHistory) StartBroadcast(ctx context.Context, info BroadcastInfo) (int64, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.started++
	return int64(h.started), nil
}

func (h *recordingHistory) EndBroadcast(ctx context.Context, id int64) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.endedIDs = append(h.endedIDs, id)
	return nil
}

func (h *recordingHistory) counts() (int, int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.started, len(h.endedIDs)
}

func (h *recordingHistory) ended() []int64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]int64(nil), h.endedIDs...)
}

// gatedHistory delays the start-row insert until the gate opens, forcing
// the insert to lose the race against broadcast teardown.
type gatedHistory struct {
	recordingHistory
	gate chan struct{}
}

func (h *gatedHistory) StartBroadcast(ctx context.Context, info BroadcastInfo) (int64, error) {
	<-h.gate
	return h.recordingHistory.StartBroadcast(ctx, info)
}

// gateOpeningNotifier opens the gate from inside session teardown, after
// the history close-out has already run.
type gateOpeningNotifier struct {
	recordingNotifier
	gate chan struct{}
	once sync.Once
}

func (n *gateOpeningNotifier) BroadcastStopped(ctx context.Context, info BroadcastInfo, reason string) error {
	n.once.Do(func() { close(n.gate) })
	return n.recordingNotifier.BroadcastStopped(ctx, info, reason)
}

type recordingNotifier struct {
	mu     sync.Mutex
	events []string
}

func (n *recordingNotifier) record(event string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, event)
}

func (n *recordingNotifier) BroadcastStarted(ctx context.Context, info BroadcastInfo) error {
	n.record("started")
	return nil
}

func (n *recordingNotifier) BroadcastReady(ctx context.Context, info BroadcastInfo) error {
	n.record("ready")
	return nil
}

func (n *recordingNotifier) BroadcastStopped(ctx context.Context, info BroadcastInfo, reason string) error {
	n.record("stopped")
	return nil
}

func (n *recordingNotifier) TranscodeProgress(ctx context.Context, sessionID string, stats ffmpeg.TranscodeStats) error {
	n.record("stats")
	return nil
}

func (n *recordingNotifier) seen() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]string(nil), n.events...)
}

func newTestManager(t *testing.T, ffmpegPath string, history History, notifier Notifier) *Manager {
	t.Helper()

	pool := buffer.NewPool(1 << 20)
	return NewManager(testTranscoderConfig(ffmpegPath), pool, NewRegistry(), stubResolver{}, history, notifier, nil, logging.Nop())
}

func TestManagerStartStopLifecycle(t *testing.T) {
	history := &recordingHistory{}
	notifier := &recordingNotifier{}
	m := newTestManager(t, longRunningStub(t), history, notifier)

	session, err := m.Start(testContext(t), "5.1")
	if err != nil {
		t.Fatal(err)
	}

	if _, ok := m.Current(); !ok {
		t.Fatal("manager should report the active broadcast")
	}

	if _, err := m.Start(testContext(t), "5.1"); err != ErrBroadcastActive {
		t.Errorf("second start error = %v, want ErrBroadcastActive", err)
	}

	// The stub's progress line flows through the session relay.
	waitFor(t, "progress stats", func() bool {
		_, ok := session.LastStats()
		return ok
	})

	if stats, _ := session.LastStats(); stats.FramesPerSecond != 25 {
		t.Errorf("fps = %v, want 25", stats.FramesPerSecond)
	}

	if err := m.Stop(testContext(t)); err != nil {
		t.Fatal(err)
	}

	select {
	case <-session.Stopped():
	case <-time.After(5 * time.Second):
		t.Fatal("session never stopped")
	}

	if _, ok := m.Current(); ok {
		t.Error("stopped broadcast should clear the current slot")
	}
	if started, ended := history.counts(); started != 1 || ended != 1 {
		t.Errorf("history rows = %d started / %d ended, want 1/1", started, ended)
	}

	events := notifier.seen()
	if len(events) < 2 || events[0] != "started" || events[len(events)-1] != "stopped" {
		t.Errorf("events = %v, want started first and stopped last", events)
	}
}

func TestManagerStopWithoutBroadcast(t *testing.T) {
	m := newTestManager(t, "/bin/sh", nil, nil)

	if err := m.Stop(testContext(t)); err != ErrNoBroadcast {
		t.Errorf("err = %v, want ErrNoBroadcast", err)
	}
	if err := m.Restart(testContext(t)); err != ErrNoBroadcast {
		t.Errorf("restart err = %v, want ErrNoBroadcast", err)
	}
}

func TestManagerUnknownChannel(t *testing.T) {
	m := newTestManager(t, "/bin/sh", nil, nil)

	if _, err := m.Start(testContext(t), "99.9"); err == nil {
		t.Error("starting an unknown channel should fail")
	}
	if _, ok := m.Current(); ok {
		t.Error("failed start should leave no current broadcast")
	}
}

func TestManagerTearsDownOnUnexpectedExit(t *testing.T) {
	history := &recordingHistory{}
	m := newTestManager(t, crashingStub(t), history, nil)

	session, err := m.Start(testContext(t), "5.1")
	if err != nil {
		t.Fatal(err)
	}

	select {
	case <-session.Stopped():
	case <-time.After(5 * time.Second):
		t.Fatal("crashed transcode should stop the broadcast")
	}

	waitFor(t, "current slot cleared", func() bool {
		_, ok := m.Current()
		return !ok
	})

	waitFor(t, "broadcast end recorded", func() bool {
		_, ended := history.counts()
		return ended == 1
	})
}

func TestMaxDurationStopsBroadcast(t *testing.T) {
	history := &recordingHistory{}
	notifier := &recordingNotifier{}

	cfg := testTranscoderConfig(longRunningStub(t))
	cfg.MaxDuration = 200 * time.Millisecond

	pool := buffer.NewPool(1 << 20)
	m := NewManager(cfg, pool, NewRegistry(), stubResolver{}, history, notifier, nil, logging.Nop())

	session, err := m.Start(testContext(t), "5.1")
	if err != nil {
		t.Fatal(err)
	}

	// Nobody calls Stop; the watchdog has to do it.
	select {
	case <-session.Stopped():
	case <-time.After(5 * time.Second):
		t.Fatal("broadcast should stop itself at the maximum duration")
	}

	// A manual stop racing the watchdog teardown is harmless whether or
	// not it still sees the session in the current slot.
	if err := m.Stop(testContext(t)); err != nil && err != ErrNoBroadcast {
		t.Errorf("racing stop err = %v", err)
	}

	waitFor(t, "current slot cleared", func() bool {
		_, ok := m.Current()
		return !ok
	})
	if err := m.Stop(testContext(t)); err != ErrNoBroadcast {
		t.Errorf("stop after teardown err = %v, want ErrNoBroadcast", err)
	}

	waitFor(t, "single stopped event", func() bool {
		stopped := 0
		for _, e := range notifier.seen() {
			if e == "stopped" {
				stopped++
			}
		}
		return stopped == 1
	})
	waitFor(t, "broadcast end recorded", func() bool {
		_, ended := history.counts()
		return ended == 1
	})
}

func TestHistoryRowClosedWhenTeardownWinsRace(t *testing.T) {
	gate := make(chan struct{})
	history := &gatedHistory{gate: gate}
	notifier := &gateOpeningNotifier{gate: gate}

	pool := buffer.NewPool(1 << 20)
	m := NewManager(testTranscoderConfig(crashingStub(t)), pool, NewRegistry(), stubResolver{}, history, notifier, nil, logging.Nop())

	// The crash tears the session down while the start-row insert is still
	// blocked, so teardown runs without ever seeing the row id.
	if _, err := m.Start(testContext(t), "5.1"); err != nil {
		t.Fatal(err)
	}

	// The late row still gets closed, with its own id.
	waitFor(t, "broadcast end recorded", func() bool {
		_, ended := history.counts()
		return ended == 1
	})
	if ids := history.ended(); len(ids) != 1 || ids[0] != 1 {
		t.Errorf("ended ids = %v, want [1]", ids)
	}
	if _, ok := m.Current(); ok {
		t.Error("crashed broadcast should leave no current session")
	}
}

func TestRestartTranscodeSwapsProcess(t *testing.T) {
	m := newTestManager(t, longRunningStub(t), nil, nil)

	session, err := m.Start(testContext(t), "5.1")
	if err != nil {
		t.Fatal(err)
	}
	defer m.Stop(testContext(t))

	before := session.Info().FFmpegArguments

	if err := m.Restart(testContext(t)); err != nil {
		t.Fatal(err)
	}

	after := session.Info().FFmpegArguments
	if before == after {
		t.Error("restart should produce a new transcode id in the arguments")
	}

	select {
	case <-session.Stopped():
		t.Error("restart must not stop the broadcast session")
	default:
	}
}

func TestManagerRetainsDiagnosticTail(t *testing.T) {
	m := newTestManager(t, longRunningStub(t), nil, nil)

	session, err := m.Start(testContext(t), "5.1")
	if err != nil {
		t.Fatal(err)
	}
	defer m.Stop(testContext(t))

	waitFor(t, "diagnostic tail", func() bool { return len(session.LogSnapshot()) > 0 })

	sub := session.SubscribeLogs(16)
	defer sub.Cancel()
}
