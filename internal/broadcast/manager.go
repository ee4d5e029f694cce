package broadcast

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/therealutkarshpriyadarshi/livegate/internal/buffer"
	"github.com/therealutkarshpriyadarshi/livegate/internal/config"
	"github.com/therealutkarshpriyadarshi/livegate/internal/ffmpeg"
	"github.com/therealutkarshpriyadarshi/livegate/internal/logging"
	"github.com/therealutkarshpriyadarshi/livegate/internal/tuner"
)

var (
	// ErrBroadcastActive is returned when starting a broadcast while one
	// is already running.
	ErrBroadcastActive = errors.New("a broadcast is already active")

	// ErrNoBroadcast is returned by operations that need a running
	// broadcast when there is none.
	ErrNoBroadcast = errors.New("no active broadcast")
)

// ChannelResolver maps a channel id to its tuner lineup entry.
type ChannelResolver interface {
	Resolve(ctx context.Context, channelID string) (tuner.ChannelInfo, error)
}

// History records broadcast lifetimes for the archive views.
type History interface {
	StartBroadcast(ctx context.Context, info BroadcastInfo) (int64, error)
	EndBroadcast(ctx context.Context, id int64) error
}

// Notifier publishes broadcast lifecycle events and transcode progress.
type Notifier interface {
	BroadcastStarted(ctx context.Context, info BroadcastInfo) error
	BroadcastReady(ctx context.Context, info BroadcastInfo) error
	BroadcastStopped(ctx context.Context, info BroadcastInfo, reason string) error
	TranscodeProgress(ctx context.Context, sessionID string, stats ffmpeg.TranscodeStats) error
}

// statsInterval paces transcode progress notifications; ffmpeg reports far
// more often than anyone downstream wants to hear.
const statsInterval = 10 * time.Second

// Status is the now-playing view served by the control API.
type Status struct {
	Info  BroadcastInfo          `json:"info"`
	Ready bool                   `json:"ready"`
	Stats *ffmpeg.TranscodeStats `json:"stats,omitempty"`
}

// Manager runs at most one broadcast at a time and connects its lifecycle
// to the collaborators: channel resolution, history rows, and event
// notifications. History, Notifier, and SegmentArchive are optional.
type Manager struct {
	cfg      *config.TranscoderConfig
	pool     *buffer.Pool
	registry *Registry
	channels ChannelResolver
	history  History
	notifier Notifier
	archive  SegmentArchive
	log      *logging.Logger

	mu      sync.Mutex
	current *BroadcastSession
}

// NewManager wires a broadcast manager. history, notifier, and archive may
// be nil.
func NewManager(cfg *config.TranscoderConfig, pool *buffer.Pool, registry *Registry, channels ChannelResolver, history History, notifier Notifier, archive SegmentArchive, log *logging.Logger) *Manager {
	return &Manager{
		cfg:      cfg,
		pool:     pool,
		registry: registry,
		channels: channels,
		history:  history,
		notifier: notifier,
		archive:  archive,
		log:      log,
	}
}

// Registry exposes the transcode registry for the ingest handler.
func (m *Manager) Registry() *Registry {
	return m.registry
}

// Current returns the active session, if any.
func (m *Manager) Current() (*BroadcastSession, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current, m.current != nil
}

// NowPlaying returns the status of the active broadcast.
func (m *Manager) NowPlaying() (Status, bool) {
	s, ok := m.Current()
	if !ok {
		return Status{}, false
	}

	status := Status{
		Info:  s.Info(),
		Ready: s.Stream().IsReady(),
	}
	if stats, ok := s.LastStats(); ok {
		status.Stats = &stats
	}
	return status, true
}

// Start resolves the channel and brings up a new broadcast. Only one may
// run at a time.
func (m *Manager) Start(ctx context.Context, channelID string) (*BroadcastSession, error) {
	m.mu.Lock()
	if m.current != nil {
		m.mu.Unlock()
		return nil, ErrBroadcastActive
	}
	m.mu.Unlock()

	channel, err := m.channels.Resolve(ctx, channelID)
	if err != nil {
		return nil, fmt.Errorf("resolving channel %q: %w", channelID, err)
	}

	session, err := newBroadcastSession(m.cfg, m.pool, m.registry, channel, m.archive, m.log, m.sessionStopped)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	if m.current != nil {
		m.mu.Unlock()
		return nil, ErrBroadcastActive
	}
	m.current = session
	m.mu.Unlock()

	if err := session.start(); err != nil {
		m.mu.Lock()
		m.current = nil
		m.mu.Unlock()
		return nil, fmt.Errorf("starting transcode for channel %q: %w", channelID, err)
	}

	m.log.Infof("broadcast started for channel %s (%s)", channel.GuideNumber, channel.GuideName)

	if m.history != nil {
		id, err := m.history.StartBroadcast(ctx, session.Info())
		if err != nil {
			m.log.ErrorWithErr("recording broadcast start", err)
		} else {
			session.setHistoryID(id)
			select {
			case <-session.Stopped():
				// Teardown already ran and could not see the id; close the
				// row here instead.
				if late := session.takeHistoryID(); late != 0 {
					if err := m.history.EndBroadcast(ctx, late); err != nil {
						m.log.ErrorWithErr("recording broadcast end", err)
					}
				}
			default:
			}
		}
	}

	if m.notifier != nil {
		if err := m.notifier.BroadcastStarted(ctx, session.Info()); err != nil {
			m.log.ErrorWithErr("publishing broadcast started event", err)
		}
		go m.notifyReady(session)
		go m.notifyStats(session)
	}

	return session, nil
}

// Stop ends the active broadcast.
func (m *Manager) Stop(ctx context.Context) error {
	s, ok := m.Current()
	if !ok {
		return ErrNoBroadcast
	}

	s.Stop(ctx, "stop requested")
	return nil
}

// Restart replaces the active broadcast's ffmpeg process without ending
// the session.
func (m *Manager) Restart(ctx context.Context) error {
	s, ok := m.Current()
	if !ok {
		return ErrNoBroadcast
	}

	return s.RestartTranscode(ctx)
}

// Shutdown stops any active broadcast during service teardown.
func (m *Manager) Shutdown(ctx context.Context) {
	if s, ok := m.Current(); ok {
		s.Stop(ctx, "service shutting down")
	}
}

// sessionStopped runs inside BroadcastSession.Stop, after teardown. It
// clears the current slot and closes out the collaborators.
func (m *Manager) sessionStopped(s *BroadcastSession, reason string) {
	m.mu.Lock()
	if m.current != s {
		m.mu.Unlock()
		return
	}
	m.current = nil
	m.mu.Unlock()

	historyID := s.takeHistoryID()

	m.log.Infof("broadcast %s stopped: %s", s.Info().SessionID, reason)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if m.history != nil && historyID != 0 {
		if err := m.history.EndBroadcast(ctx, historyID); err != nil {
			m.log.ErrorWithErr("recording broadcast end", err)
		}
	}

	if m.notifier != nil {
		if err := m.notifier.BroadcastStopped(ctx, s.Info(), reason); err != nil {
			m.log.ErrorWithErr("publishing broadcast stopped event", err)
		}
	}
}

func (m *Manager) notifyReady(s *BroadcastSession) {
	select {
	case <-s.Stream().Ready():
	case <-s.Stopped():
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := m.notifier.BroadcastReady(ctx, s.Info()); err != nil {
		m.log.ErrorWithErr("publishing broadcast ready event", err)
	}
}

func (m *Manager) notifyStats(s *BroadcastSession) {
	ticker := time.NewTicker(statsInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
		case <-s.Stopped():
			return
		}

		stats, ok := s.LastStats()
		if !ok {
			continue
		}

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		err := m.notifier.TranscodeProgress(ctx, s.Info().SessionID, stats)
		cancel()
		if err != nil {
			m.log.ErrorWithErr("publishing transcode progress", err)
		}
	}
}
