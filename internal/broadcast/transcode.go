package broadcast

import (
	"context"
	"crypto/rand"
	"io"
	"sync"

	"github.com/therealutkarshpriyadarshi/livegate/internal/buffer"
	"github.com/therealutkarshpriyadarshi/livegate/internal/config"
	"github.com/therealutkarshpriyadarshi/livegate/internal/ffmpeg"
	"github.com/therealutkarshpriyadarshi/livegate/internal/hls"
	"github.com/therealutkarshpriyadarshi/livegate/internal/logging"
)

const transcodeIDLength = 32

const transcodeIDAlphabet = "abcdefghijklmnopqrstuvwxyz0123456789"

// newTranscodeID returns a random lowercase alphanumeric id. The id is part
// of the ingest URL ffmpeg uploads to, which keeps stale transcodes from a
// previous run of the same channel from writing into the current one.
func newTranscodeID() string {
	b := make([]byte, transcodeIDLength)
	if _, err := rand.Read(b); err != nil {
		panic(err)
	}

	for i := range b {
		b[i] = transcodeIDAlphabet[int(b[i])%len(transcodeIDAlphabet)]
	}
	return string(b)
}

// TranscodeSession pairs one ffmpeg process with the ingester that receives
// its HLS output over HTTP. Buffers for uploaded files come from the owning
// broadcast's scoped pool so leaks surface at broadcast teardown.
type TranscodeSession struct {
	id       string
	process  *ffmpeg.Process
	ingester *hls.FileIngester
	buffers  *buffer.ScopedPool
	log      *logging.Logger

	stopOnce sync.Once
}

// NewTranscodeSession builds an unstarted session transcoding the given
// channel URL.
func NewTranscodeSession(cfg *config.TranscoderConfig, buffers *buffer.ScopedPool, channelURL string, log *logging.Logger) *TranscodeSession {
	id := newTranscodeID()
	log = log.WithTranscodeID(id)

	process := ffmpeg.NewProcess(cfg.FFmpegPath, cfg.FFmpegArgs(channelURL, id), log)
	process.SetGracefulTimeout(cfg.GracefulStopTimeout)

	return &TranscodeSession{
		id:       id,
		process:  process,
		ingester: hls.NewFileIngester(log),
		buffers:  buffers,
		log:      log,
	}
}

// ID is the transcode's ingest-routing id.
func (ts *TranscodeSession) ID() string {
	return ts.id
}

// FFmpegArguments is the printable process command line.
func (ts *TranscodeSession) FFmpegArguments() string {
	return ts.process.Args()
}

// Output is the live broadcast of ffmpeg diagnostic lines.
func (ts *TranscodeSession) Output() *ffmpeg.LineBroadcaster {
	return ts.process.Output()
}

// Segments is the channel of correlated ready segments.
func (ts *TranscodeSession) Segments() <-chan hls.SegmentInfo {
	return ts.ingester.Segments()
}

// Done closes when the ffmpeg process has exited.
func (ts *TranscodeSession) Done() <-chan struct{} {
	return ts.process.Done()
}

// UnexpectedExit reports whether ffmpeg exited without a stop request.
func (ts *TranscodeSession) UnexpectedExit() bool {
	return ts.process.UnexpectedExit()
}

// Start launches the ffmpeg process.
func (ts *TranscodeSession) Start() error {
	return ts.process.Start()
}

// IngestUpload reads one uploaded file into a pooled buffer and hands it to
// the ingester. Called from racing HTTP handlers; ordering is resolved by
// the ingester's single consumer.
func (ts *TranscodeSession) IngestUpload(ctx context.Context, name string, body io.Reader) error {
	buf, err := ts.buffers.ReadFrom(body)
	if err != nil {
		return err
	}

	return ts.ingester.Ingest(ctx, hls.IngestFile{
		Name:    name,
		Kind:    hls.ClassifyFileName(name),
		Payload: buf,
	})
}

// Stop shuts the transcode down: graceful process stop first so the last
// uploads can land, then the ingester. Idempotent.
func (ts *TranscodeSession) Stop(ctx context.Context) {
	ts.stopOnce.Do(func() {
		if err := ts.process.Stop(ctx); err != nil && err != ffmpeg.ErrNotStarted {
			ts.log.Warnf("stopping transcode process: %v", err)
		}
		ts.ingester.Close()
	})
}

// Registry routes ingest uploads to the transcode session that owns the id
// in the URL. Uploads for ids not present here get a not-found response.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*TranscodeSession
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{sessions: make(map[string]*TranscodeSession)}
}

// Add registers a session for upload routing.
func (r *Registry) Add(ts *TranscodeSession) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions[ts.ID()] = ts
}

// Lookup finds the session for a transcode id.
func (r *Registry) Lookup(id string) (*TranscodeSession, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ts, ok := r.sessions[id]
	return ts, ok
}

// Remove unregisters a session. Uploads still in flight for it fail with
// not-found from then on.
func (r *Registry) Remove(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sessions, id)
}
