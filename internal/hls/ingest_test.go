package hls

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/therealutkarshpriyadarshi/livegate/internal/buffer"
	"github.com/therealutkarshpriyadarshi/livegate/internal/logging"
)

const testMasterPlaylist = "#EXTM3U\n" +
	"#EXT-X-VERSION:3\n" +
	"#EXT-X-STREAM-INF:BANDWIDTH=6740800,RESOLUTION=1280x720\n" +
	"live.m3u8\n"

const testMediaPlaylist = "#EXTM3U\n" +
	"#EXT-X-VERSION:3\n" +
	"#EXT-X-TARGETDURATION:3\n" +
	"#EXT-X-MEDIA-SEQUENCE:0\n" +
	"#EXTINF:1.501500,\n" +
	"live0.ts\n"

func ingestTestFile(t *testing.T, fi *FileIngester, pool *buffer.Pool, name string, payload []byte) *buffer.SharedBuffer {
	t.Helper()

	buf, err := pool.Create(payload)
	if err != nil {
		t.Fatal(err)
	}

	if err := fi.Ingest(context.Background(), IngestFile{Name: name, Kind: ClassifyFileName(name), Payload: buf}); err != nil {
		t.Fatalf("Ingest(%s) failed: %v", name, err)
	}

	return buf
}

func waitForSegment(t *testing.T, fi *FileIngester) SegmentInfo {
	t.Helper()

	select {
	case info, ok := <-fi.Segments():
		if !ok {
			t.Fatal("segments channel closed before a segment was published")
		}
		return info
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for a published segment")
		return SegmentInfo{}
	}
}

func expectNoSegment(t *testing.T, fi *FileIngester) {
	t.Helper()

	select {
	case info, ok := <-fi.Segments():
		if ok {
			info.Payload.Dispose()
			t.Fatal("unexpected segment published")
		}
	case <-time.After(100 * time.Millisecond):
	}
}

func TestIngestPublishesMatchedSegment(t *testing.T) {
	pool := buffer.NewPool(1 << 20)
	fi := NewFileIngester(logging.Nop())
	defer fi.Close()

	masterBuf := ingestTestFile(t, fi, pool, "master.m3u8", []byte(testMasterPlaylist))
	mediaBuf := ingestTestFile(t, fi, pool, "live.m3u8", []byte(testMediaPlaylist))
	segmentBuf := ingestTestFile(t, fi, pool, "live0.ts", []byte("segment-bytes"))

	info := waitForSegment(t, fi)

	if info.Payload != segmentBuf {
		t.Error("published segment should carry the uploaded buffer")
	}
	if info.Payload.IsReclaimed() {
		t.Error("segment ownership transfers downstream; the ingester must not dispose it")
	}
	if info.StreamInfo != "BANDWIDTH=6740800,RESOLUTION=1280x720" {
		t.Errorf("StreamInfo = %q", info.StreamInfo)
	}
	if info.HlsVersion != 3 || info.TargetDuration != 3 {
		t.Errorf("version/target = %d/%d, want 3/3", info.HlsVersion, info.TargetDuration)
	}
	if info.Duration != 1.5015 {
		t.Errorf("Duration = %v, want 1.5015", info.Duration)
	}

	// Both playlist buffers are disposed by the ingester.
	if !masterBuf.IsReclaimed() {
		t.Error("master playlist buffer should be disposed after parsing")
	}
	if !mediaBuf.IsReclaimed() {
		t.Error("media playlist buffer should be disposed after parsing")
	}

	info.Payload.Dispose()
}

func TestIngestSegmentBeforePlaylistWaits(t *testing.T) {
	pool := buffer.NewPool(1 << 20)
	fi := NewFileIngester(logging.Nop())
	defer fi.Close()

	// Segment arrives before any playlist references it.
	segmentBuf := ingestTestFile(t, fi, pool, "live0.ts", []byte("segment-bytes"))
	ingestTestFile(t, fi, pool, "master.m3u8", []byte(testMasterPlaylist))
	expectNoSegment(t, fi)

	// The media playlist update that references it arrives later.
	ingestTestFile(t, fi, pool, "live.m3u8", []byte(testMediaPlaylist))

	info := waitForSegment(t, fi)
	if info.Payload != segmentBuf {
		t.Error("pending segment should be published once the playlist references it")
	}
	info.Payload.Dispose()
}

func TestIngestDropsDisplacedSegment(t *testing.T) {
	pool := buffer.NewPool(1 << 20)
	fi := NewFileIngester(logging.Nop())
	defer fi.Close()

	// live0.ts is never referenced; live1.ts displaces it.
	droppedBuf := ingestTestFile(t, fi, pool, "live0.ts", []byte("never-referenced"))
	media := "#EXT-X-VERSION:3\n#EXT-X-TARGETDURATION:3\n#EXTINF:2.000000,\nlive1.ts\n"
	ingestTestFile(t, fi, pool, "master.m3u8", []byte(testMasterPlaylist))
	nextBuf := ingestTestFile(t, fi, pool, "live1.ts", []byte("referenced"))
	ingestTestFile(t, fi, pool, "live.m3u8", []byte(media))

	info := waitForSegment(t, fi)
	if info.Payload != nextBuf {
		t.Error("published segment should be the referenced one")
	}
	if !droppedBuf.IsReclaimed() {
		t.Error("displaced unmatched segment must be disposed")
	}
	info.Payload.Dispose()
}

func TestIngestMalformedPlaylistKeepsSnapshot(t *testing.T) {
	pool := buffer.NewPool(1 << 20)
	fi := NewFileIngester(logging.Nop())
	defer fi.Close()

	ingestTestFile(t, fi, pool, "master.m3u8", []byte(testMasterPlaylist))
	// A malformed media playlist is dropped without clearing prior state.
	badBuf := ingestTestFile(t, fi, pool, "live.m3u8", []byte("this is not a playlist"))
	ingestTestFile(t, fi, pool, "live.m3u8", []byte(testMediaPlaylist))
	ingestTestFile(t, fi, pool, "live0.ts", []byte("segment-bytes"))

	info := waitForSegment(t, fi)
	if !badBuf.IsReclaimed() {
		t.Error("malformed playlist buffer should still be disposed")
	}
	info.Payload.Dispose()
}

func TestIngestCloseDisposesPending(t *testing.T) {
	pool := buffer.NewPool(1 << 20)
	fi := NewFileIngester(logging.Nop())

	pendingBuf := ingestTestFile(t, fi, pool, "live0.ts", []byte("pending"))

	// Give the consumer a moment to take ownership, then shut down.
	time.Sleep(50 * time.Millisecond)
	fi.Close()

	// The segments channel closes and the pending segment is disposed.
	deadline := time.After(2 * time.Second)
	for {
		select {
		case info, ok := <-fi.Segments():
			if !ok {
				if !pendingBuf.IsReclaimed() {
					t.Error("pending segment should be disposed on shutdown")
				}
				return
			}
			info.Payload.Dispose()
		case <-deadline:
			t.Fatal("segments channel never closed")
		}
	}
}

func TestIngestRacingCloseLeavesNoLiveBuffer(t *testing.T) {
	// Uploads racing shutdown end up disposed by the consumer, the
	// shutdown drain, or the uploader itself; none may stay live.
	for i := 0; i < 50; i++ {
		pool := buffer.NewPool(1 << 10)
		fi := NewFileIngester(logging.Nop())

		bufs := make([]*buffer.SharedBuffer, 8)
		for j := range bufs {
			buf, err := pool.Create([]byte("segment-bytes"))
			if err != nil {
				t.Fatal(err)
			}
			bufs[j] = buf
		}

		var wg sync.WaitGroup
		for j, buf := range bufs {
			wg.Add(1)
			go func(name string, buf *buffer.SharedBuffer) {
				defer wg.Done()
				_ = fi.Ingest(context.Background(), IngestFile{Name: name, Kind: FileSegment, Payload: buf})
			}(fmt.Sprintf("live%d.ts", j), buf)
		}
		go fi.Close()

		for info := range fi.Segments() {
			info.Payload.Dispose()
		}
		wg.Wait()

		for j, buf := range bufs {
			if !buf.IsReclaimed() {
				t.Fatalf("iteration %d: buffer %d still live after close", i, j)
			}
		}
	}
}

func TestIngestAfterCloseFails(t *testing.T) {
	pool := buffer.NewPool(1 << 20)
	fi := NewFileIngester(logging.Nop())
	fi.Close()

	buf, err := pool.Create([]byte("late"))
	if err != nil {
		t.Fatal(err)
	}

	err = fi.Ingest(context.Background(), IngestFile{Name: "live0.ts", Kind: FileSegment, Payload: buf})
	if err == nil {
		t.Error("expected error ingesting after close")
	}
	if !buf.IsReclaimed() {
		t.Error("rejected ingest should dispose the payload")
	}
}
