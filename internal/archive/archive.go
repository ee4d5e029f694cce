package archive

import (
	"bytes"
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/therealutkarshpriyadarshi/livegate/internal/buffer"
	"github.com/therealutkarshpriyadarshi/livegate/internal/config"
	"github.com/therealutkarshpriyadarshi/livegate/internal/logging"
	"github.com/therealutkarshpriyadarshi/livegate/internal/metrics"
)

const (
	uploadQueueSize = 32
	uploadTimeout   = 30 * time.Second
)

type upload struct {
	objectName string
	lease      *buffer.Lease
}

// Archiver tees published segments into object storage for DVR-style
// replay. It holds a lease per queued segment, so the live window can
// evict freely while an upload is in flight. The live path never waits on
// storage: a full queue drops the segment, not the broadcast.
type Archiver struct {
	client     *minio.Client
	bucketName string
	uploads    chan upload
	log        *logging.Logger

	closeOnce sync.Once
	done      chan struct{}
	drained   sync.WaitGroup
}

// New creates a new archiver and verifies the bucket exists
func New(cfg config.ArchiveConfig, log *logging.Logger) (*Archiver, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create storage client: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	exists, err := client.BucketExists(ctx, cfg.BucketName)
	if err != nil {
		return nil, fmt.Errorf("failed to check bucket existence: %w", err)
	}
	if !exists {
		if err := client.MakeBucket(ctx, cfg.BucketName, minio.MakeBucketOptions{}); err != nil {
			return nil, fmt.Errorf("failed to create bucket: %w", err)
		}
	}

	a := &Archiver{
		client:     client,
		bucketName: cfg.BucketName,
		uploads:    make(chan upload, uploadQueueSize),
		log:        log,
		done:       make(chan struct{}),
	}

	a.drained.Add(1)
	go a.run()

	return a, nil
}

// ArchiveSegment enqueues one segment for upload under
// <sessionID>/live<index>.ts. Drops the segment when the queue is full or
// the buffer is already gone.
func (a *Archiver) ArchiveSegment(sessionID string, index int, payload *buffer.SharedBuffer) {
	lease, err := payload.Rent()
	if err != nil {
		// Evicted before we got to it; nothing to upload.
		return
	}

	u := upload{
		objectName: fmt.Sprintf("%s/live%d.ts", sessionID, index),
		lease:      lease,
	}

	select {
	case a.uploads <- u:
	default:
		lease.Release()
		metrics.ArchiveDropsTotal.Inc()
		a.log.Warnf("archive queue full, dropping segment %s", u.objectName)
	}
}

// Close stops the upload worker after the queue drains.
func (a *Archiver) Close() {
	a.closeOnce.Do(func() {
		close(a.done)
		a.drained.Wait()
	})
}

func (a *Archiver) run() {
	defer a.drained.Done()

	for {
		select {
		case u := <-a.uploads:
			a.put(u)
		case <-a.done:
			// Flush what is already queued, then stop.
			for {
				select {
				case u := <-a.uploads:
					a.put(u)
				default:
					return
				}
			}
		}
	}
}

func (a *Archiver) put(u upload) {
	defer u.lease.Release()

	ctx, cancel := context.WithTimeout(context.Background(), uploadTimeout)
	defer cancel()

	data := u.lease.Bytes()
	_, err := a.client.PutObject(ctx, a.bucketName, u.objectName, bytes.NewReader(data), int64(len(data)), minio.PutObjectOptions{
		ContentType: "video/mp2t",
	})
	if err != nil {
		a.log.Warnf("failed to archive segment %s: %v", u.objectName, err)
		return
	}

	metrics.ArchiveUploadsTotal.Inc()
}
