package hls

import (
	"context"
	"errors"
	"path"
	"sync"

	"github.com/therealutkarshpriyadarshi/livegate/internal/buffer"
	"github.com/therealutkarshpriyadarshi/livegate/internal/logging"
	"github.com/therealutkarshpriyadarshi/livegate/internal/metrics"
)

// FileKind classifies an uploaded HLS file.
type FileKind int

const (
	FileMasterPlaylist FileKind = iota
	FileMediaPlaylist
	FileSegment
)

func (k FileKind) String() string {
	switch k {
	case FileMasterPlaylist:
		return "master_playlist"
	case FileMediaPlaylist:
		return "media_playlist"
	default:
		return "segment"
	}
}

// ClassifyFileName maps an uploaded filename to its kind. The transcoder is
// configured to write master.m3u8 and live.m3u8; everything else with a
// valid extension is a media segment.
func ClassifyFileName(name string) FileKind {
	switch name {
	case "master.m3u8":
		return FileMasterPlaylist
	case "live.m3u8":
		return FileMediaPlaylist
	default:
		return FileSegment
	}
}

// ValidIngestFileName rejects path tricks and unknown extensions before a
// body is ever read.
func ValidIngestFileName(name string) bool {
	if name == "" || name != path.Base(name) {
		return false
	}

	ext := path.Ext(name)
	return ext == ".ts" || ext == ".m3u8"
}

// IngestFile is one uploaded file handed to the ingester. The ingester
// takes ownership of Payload: playlist buffers are disposed after parsing,
// segment buffers transfer downstream when published or are disposed when
// they never match a playlist entry.
type IngestFile struct {
	Name    string
	Kind    FileKind
	Payload *buffer.SharedBuffer
}

// ErrIngesterClosed is returned by Ingest after Close.
var ErrIngesterClosed = errors.New("file ingester closed")

const ingestQueueSize = 50

type pendingSegment struct {
	name    string
	payload *buffer.SharedBuffer
}

// FileIngester serializes concurrently uploaded files onto one consumer
// goroutine, correlates segments with playlist references, and publishes
// ready SegmentInfos.
type FileIngester struct {
	files    chan IngestFile
	segments chan SegmentInfo
	done     chan struct{}
	once     sync.Once
	log      *logging.Logger
}

// NewFileIngester creates an ingester and starts its consumer goroutine.
func NewFileIngester(log *logging.Logger) *FileIngester {
	fi := &FileIngester{
		files:    make(chan IngestFile, ingestQueueSize),
		segments: make(chan SegmentInfo, 16),
		done:     make(chan struct{}),
		log:      log,
	}

	go fi.run()
	return fi
}

// Segments is the channel of published ready segments. It is closed when
// the ingester shuts down; the consumer owns each received Payload.
func (fi *FileIngester) Segments() <-chan SegmentInfo {
	return fi.segments
}

// Ingest enqueues an uploaded file. Files from racing HTTP requests are
// processed one at a time in arrival order. On failure the payload is
// disposed before returning.
func (fi *FileIngester) Ingest(ctx context.Context, f IngestFile) error {
	select {
	case <-fi.done:
		f.Payload.Dispose()
		return ErrIngesterClosed
	default:
	}

	select {
	case fi.files <- f:
		select {
		case <-fi.done:
			// Close raced the enqueue and the consumer's shutdown drain may
			// have already run. Sweep one queued entry so no buffer is
			// stranded until the broadcast scope tears down.
			select {
			case g := <-fi.files:
				g.Payload.Dispose()
			default:
			}
			return ErrIngesterClosed
		default:
		}
		return nil
	case <-fi.done:
		f.Payload.Dispose()
		return ErrIngesterClosed
	case <-ctx.Done():
		f.Payload.Dispose()
		return ctx.Err()
	}
}

// Close stops the consumer. Buffers still queued, including an unmatched
// pending segment, are disposed, and the segments channel is closed.
func (fi *FileIngester) Close() {
	fi.once.Do(func() {
		close(fi.done)
	})
}

func (fi *FileIngester) run() {
	var (
		master  *MasterPlaylist
		media   *MediaPlaylist
		pending *pendingSegment
	)

	defer func() {
		// Drain whatever racing uploads made it into the queue.
		for {
			select {
			case f := <-fi.files:
				f.Payload.Dispose()
				continue
			default:
			}
			break
		}

		if pending != nil {
			pending.payload.Dispose()
		}

		close(fi.segments)
	}()

	for {
		var f IngestFile
		select {
		case f = <-fi.files:
		case <-fi.done:
			return
		}

		metrics.IngestFilesTotal.WithLabelValues(f.Kind.String()).Inc()
		metrics.IngestFileSizeBytes.Observe(float64(f.Payload.Len()))

		switch f.Kind {
		case FileMasterPlaylist:
			lease, err := f.Payload.Rent()
			if err == nil {
				if parsed, perr := ParseMasterPlaylist(lease.Bytes()); perr == nil {
					master = parsed
				} else {
					fi.log.Warnf("discarding malformed master playlist: %v", perr)
				}
				lease.Release()
			}
			f.Payload.Dispose()

		case FileMediaPlaylist:
			lease, err := f.Payload.Rent()
			if err == nil {
				if parsed, perr := ParseMediaPlaylist(lease.Bytes()); perr == nil {
					media = parsed
				} else {
					fi.log.Warnf("discarding malformed media playlist: %v", perr)
				}
				lease.Release()
			}
			f.Payload.Dispose()

		case FileSegment:
			// A segment still pending when the next arrives was never
			// referenced by a playlist; it is unpublishable at this point.
			if pending != nil {
				fi.log.Warnf("dropping segment %q never referenced by a playlist", pending.name)
				metrics.SegmentsDroppedTotal.Inc()
				pending.payload.Dispose()
			}
			pending = &pendingSegment{name: f.Name, payload: f.Payload}

		default:
			f.Payload.Dispose()
		}

		if master == nil || media == nil || pending == nil || len(media.SegmentReferences) == 0 {
			continue
		}

		lastRef := media.SegmentReferences[len(media.SegmentReferences)-1]
		if pending.name != lastRef.FileName {
			// Not referenced yet; a later media playlist update may match it.
			continue
		}

		info := SegmentInfo{
			StreamInfo:     master.StreamInfo,
			HlsVersion:     media.HlsVersion,
			TargetDuration: media.TargetDuration,
			Duration:       lastRef.Duration,
			Payload:        pending.payload,
		}
		pending = nil

		select {
		case fi.segments <- info:
			metrics.SegmentsPublishedTotal.Inc()
		case <-fi.done:
			info.Payload.Dispose()
			return
		}
	}
}
