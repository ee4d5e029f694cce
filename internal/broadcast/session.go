package broadcast

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/therealutkarshpriyadarshi/livegate/internal/buffer"
	"github.com/therealutkarshpriyadarshi/livegate/internal/config"
	"github.com/therealutkarshpriyadarshi/livegate/internal/ffmpeg"
	"github.com/therealutkarshpriyadarshi/livegate/internal/logging"
	"github.com/therealutkarshpriyadarshi/livegate/internal/metrics"
	"github.com/therealutkarshpriyadarshi/livegate/internal/tuner"
)

// BroadcastInfo is the immutable identity of one broadcast.
type BroadcastInfo struct {
	Channel         tuner.ChannelInfo `json:"channel"`
	SessionID       string            `json:"sessionId"`
	StartedAt       time.Time         `json:"startedAt"`
	FFmpegArguments string            `json:"ffmpegArguments"`
}

// defaultLogRetention bounds the diagnostic tail kept for debug subscribers
// that attach after the broadcast started.
const defaultLogRetention = 60 * time.Second

type logEntry struct {
	at   time.Time
	line string
}

// logTail keeps a time-windowed ring of recent diagnostic lines.
type logTail struct {
	mu      sync.Mutex
	window  time.Duration
	entries []logEntry
}

func newLogTail(window time.Duration) *logTail {
	if window <= 0 {
		window = defaultLogRetention
	}
	return &logTail{window: window}
}

func (lt *logTail) Append(line string) {
	now := time.Now()

	lt.mu.Lock()
	defer lt.mu.Unlock()

	cutoff := now.Add(-lt.window)
	trim := 0
	for trim < len(lt.entries) && lt.entries[trim].at.Before(cutoff) {
		trim++
	}
	lt.entries = append(lt.entries[trim:], logEntry{at: now, line: line})
}

func (lt *logTail) Snapshot() []string {
	lt.mu.Lock()
	defer lt.mu.Unlock()

	cutoff := time.Now().Add(-lt.window)
	out := make([]string, 0, len(lt.entries))
	for _, e := range lt.entries {
		if e.at.Before(cutoff) {
			continue
		}
		out = append(out, e.line)
	}
	return out
}

// BroadcastSession owns everything alive for one broadcast: the live
// stream, the current transcode, the buffer scope, the diagnostic tail,
// and the max-duration watchdog. A session stops exactly once, whether by
// request, by the watchdog, or by ffmpeg dying underneath it.
type BroadcastSession struct {
	info     BroadcastInfo
	cfg      *config.TranscoderConfig
	registry *Registry
	scope    *buffer.ScopedPool
	live     *LiveStream
	output   *ffmpeg.LineBroadcaster
	tail     *logTail
	log      *logging.Logger

	onStopped func(s *BroadcastSession, reason string)
	historyID atomic.Int64

	mu        sync.Mutex
	transcode *TranscodeSession
	lastStats ffmpeg.TranscodeStats
	haveStats bool
	maxTimer  *time.Timer

	stopOnce sync.Once
	stopped  chan struct{}
}

func newBroadcastSession(cfg *config.TranscoderConfig, pool *buffer.Pool, registry *Registry, channel tuner.ChannelInfo, archive SegmentArchive, log *logging.Logger, onStopped func(*BroadcastSession, string)) (*BroadcastSession, error) {
	sessionID := newTranscodeID()
	log = log.WithSessionID(sessionID)

	var sink SegmentSink
	if archive != nil {
		sink = sessionSink{sessionID: sessionID, archive: archive}
	}

	live, err := NewLiveStream(cfg.HlsListSize, cfg.PlaylistReadyCount, sink, log)
	if err != nil {
		return nil, err
	}

	return &BroadcastSession{
		info: BroadcastInfo{
			Channel:   channel,
			SessionID: sessionID,
			StartedAt: time.Now().UTC(),
		},
		cfg:       cfg,
		registry:  registry,
		scope:     buffer.NewScopedPool(pool, log),
		live:      live,
		output:    ffmpeg.NewLineBroadcaster(),
		tail:      newLogTail(cfg.LogRetention),
		log:       log,
		onStopped: onStopped,
		stopped:   make(chan struct{}),
	}, nil
}

// Info returns the broadcast identity, including the current transcode's
// command line.
func (s *BroadcastSession) Info() BroadcastInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.info
}

// Stream is the session's live playlist state.
func (s *BroadcastSession) Stream() *LiveStream {
	return s.live
}

// Stopped closes when the session has fully torn down.
func (s *BroadcastSession) Stopped() <-chan struct{} {
	return s.stopped
}

// LastStats returns the most recent transcode progress report.
func (s *BroadcastSession) LastStats() (ffmpeg.TranscodeStats, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastStats, s.haveStats
}

// setHistoryID binds the broadcast's history row to this session, so
// teardown stamps the right row even across session turnover.
func (s *BroadcastSession) setHistoryID(id int64) {
	s.historyID.Store(id)
}

// takeHistoryID claims the history row for closing. At most one caller
// gets a non-zero id.
func (s *BroadcastSession) takeHistoryID() int64 {
	return s.historyID.Swap(0)
}

// LogSnapshot is the retained diagnostic tail.
func (s *BroadcastSession) LogSnapshot() []string {
	return s.tail.Snapshot()
}

// SubscribeLogs follows diagnostic lines from now on. The subscription
// closes when the session stops.
func (s *BroadcastSession) SubscribeLogs(bufferSize int) *ffmpeg.LineSubscription {
	return s.output.Subscribe(bufferSize)
}

// start launches the first transcode and arms the max-duration watchdog.
func (s *BroadcastSession) start() error {
	if err := s.startTranscode(); err != nil {
		return err
	}

	if s.cfg.MaxDuration > 0 {
		s.mu.Lock()
		s.maxTimer = time.AfterFunc(s.cfg.MaxDuration, func() {
			s.log.Warnf("broadcast exceeded maximum duration %s, stopping", s.cfg.MaxDuration)
			s.Stop(context.Background(), "max duration reached")
		})
		s.mu.Unlock()
	}

	metrics.BroadcastsStartedTotal.Inc()
	return nil
}

func (s *BroadcastSession) startTranscode() error {
	ts := NewTranscodeSession(s.cfg, s.scope, s.info.Channel.URL, s.log)

	s.registry.Add(ts)
	s.live.SetSource(ts)

	// Subscribe before the process starts so the first diagnostic lines
	// are not missed.
	sub := ts.Output().Subscribe(ffmpeg.DefaultSubscriberBuffer)
	go s.relayOutput(sub)

	if err := ts.Start(); err != nil {
		s.registry.Remove(ts.ID())
		ts.Stop(context.Background())
		return err
	}

	s.mu.Lock()
	s.transcode = ts
	s.info.FFmpegArguments = ts.FFmpegArguments()
	s.mu.Unlock()

	go s.watchExit(ts)
	return nil
}

// relayOutput copies one transcode's diagnostic lines into the session's
// retained tail and session-level broadcast, and keeps the latest parsed
// progress stats.
func (s *BroadcastSession) relayOutput(sub *ffmpeg.LineSubscription) {
	for line := range sub.Lines() {
		s.tail.Append(line)
		s.output.Publish(line)

		if stats, ok := ffmpeg.ParseTranscodeStats(line); ok {
			s.mu.Lock()
			s.lastStats = stats
			s.haveStats = true
			s.mu.Unlock()
		}
	}
}

// watchExit tears the broadcast down when its current transcode's ffmpeg
// process dies without being asked to stop.
func (s *BroadcastSession) watchExit(ts *TranscodeSession) {
	select {
	case <-ts.Done():
	case <-s.stopped:
		return
	}

	if !ts.UnexpectedExit() {
		return
	}

	s.mu.Lock()
	current := s.transcode == ts
	s.mu.Unlock()
	if !current {
		return
	}

	s.log.Error("transcode process died, stopping broadcast")
	s.Stop(context.Background(), "transcode process exited unexpectedly")
}

// RestartTranscode replaces the running ffmpeg process with a fresh one
// against the same channel, splicing the new output into the live stream
// with a discontinuity marker.
func (s *BroadcastSession) RestartTranscode(ctx context.Context) error {
	select {
	case <-s.stopped:
		return ErrNoBroadcast
	default:
	}

	s.mu.Lock()
	old := s.transcode
	s.mu.Unlock()

	s.log.Info("restarting transcode")

	if err := s.startTranscode(); err != nil {
		return err
	}
	metrics.TranscodeRestartsTotal.Inc()

	if old != nil {
		old.Stop(ctx)
		s.registry.Remove(old.ID())
	}
	return nil
}

// Stop tears the session down exactly once: stop the transcode, drain and
// dispose the live window, close the buffer scope, end the diagnostic
// broadcast, then report the stop upstream.
func (s *BroadcastSession) Stop(ctx context.Context, reason string) {
	s.stopOnce.Do(func() {
		s.log.Infof("stopping broadcast: %s", reason)

		s.mu.Lock()
		if s.maxTimer != nil {
			s.maxTimer.Stop()
		}
		ts := s.transcode
		s.mu.Unlock()

		close(s.stopped)

		if ts != nil {
			ts.Stop(ctx)
			s.registry.Remove(ts.ID())
		}

		s.live.Close()
		s.scope.Close()
		s.output.Close()

		if s.onStopped != nil {
			s.onStopped(s, reason)
		}
	})
}
