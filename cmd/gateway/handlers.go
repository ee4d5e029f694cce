package main

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/therealutkarshpriyadarshi/livegate/internal/broadcast"
	"github.com/therealutkarshpriyadarshi/livegate/internal/buffer"
	"github.com/therealutkarshpriyadarshi/livegate/internal/history"
	"github.com/therealutkarshpriyadarshi/livegate/internal/hls"
	"github.com/therealutkarshpriyadarshi/livegate/internal/logging"
	"github.com/therealutkarshpriyadarshi/livegate/internal/tracing"
	"github.com/therealutkarshpriyadarshi/livegate/internal/tuner"
)

// API holds the handler dependencies
type API struct {
	manager *broadcast.Manager
	history *history.Repository
	log     *logging.Logger
}

// ingestFile receives one HLS file uploaded by ffmpeg. The transcode id in
// the URL routes the upload to its session; anything else is a stale or
// bogus uploader and gets a 404.
func (api *API) ingestFile(c *gin.Context) {
	transcodeID := c.Param("transcodeId")
	fileName := c.Param("file")

	ts, ok := api.manager.Registry().Lookup(transcodeID)
	if !ok {
		c.Status(http.StatusNotFound)
		return
	}

	if !hls.ValidIngestFileName(fileName) {
		c.Status(http.StatusBadRequest)
		return
	}

	err := ts.IngestUpload(c.Request.Context(), fileName, c.Request.Body)
	switch {
	case err == nil:
		c.Status(http.StatusNoContent)
	case errors.Is(err, buffer.ErrTooLarge):
		c.Status(http.StatusBadRequest)
	case errors.Is(err, hls.ErrIngesterClosed), errors.Is(err, buffer.ErrDisposed):
		// Session went away mid-upload.
		c.Status(http.StatusNotFound)
	default:
		api.log.ErrorWithErr("ingest upload failed", err)
		c.Status(http.StatusInternalServerError)
	}
}

// serveStream serves the playlists and segments of the current broadcast.
// The session id in the URL pins a player to one broadcast; after a
// restart, stale players 404 instead of silently joining the new session.
func (api *API) serveStream(c *gin.Context) {
	sessionID := c.Param("sessionId")
	fileName := c.Param("file")

	session, ok := api.manager.Current()
	if !ok || session.Info().SessionID != sessionID {
		c.Status(http.StatusNotFound)
		return
	}

	state := session.Stream().State()

	switch fileName {
	case "master.m3u8":
		data, ok := state.MasterPlaylist()
		if !ok {
			c.Status(http.StatusNotFound)
			return
		}
		c.Data(http.StatusOK, "audio/mpegurl", data)

	case "live.m3u8":
		data, ok := state.MediaPlaylist()
		if !ok {
			c.Status(http.StatusNotFound)
			return
		}
		c.Data(http.StatusOK, "audio/mpegurl", data)

	default:
		index, ok := parseSegmentName(fileName)
		if !ok {
			c.Status(http.StatusNotFound)
			return
		}

		lease, ok := state.Segment(index)
		if !ok {
			c.Status(http.StatusNotFound)
			return
		}
		defer lease.Release()

		c.Data(http.StatusOK, "application/octet-stream", lease.Bytes())
	}
}

// parseSegmentName extracts N from "live<N>.ts".
func parseSegmentName(name string) (int, bool) {
	if !strings.HasPrefix(name, "live") || !strings.HasSuffix(name, ".ts") {
		return 0, false
	}

	index, err := strconv.Atoi(name[len("live") : len(name)-len(".ts")])
	if err != nil || index < 0 {
		return 0, false
	}
	return index, true
}

type startBroadcastRequest struct {
	ChannelID string `json:"channelId" binding:"required"`
}

// startBroadcast brings up a broadcast for the requested channel
func (api *API) startBroadcast(c *gin.Context) {
	var req startBroadcastRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "channelId is required"})
		return
	}

	span, ctx := tracing.StartSpan(c.Request.Context(), "broadcast.start")
	defer span.Finish()

	session, err := api.manager.Start(ctx, req.ChannelID)
	switch {
	case err == nil:
		c.JSON(http.StatusCreated, session.Info())
	case errors.Is(err, broadcast.ErrBroadcastActive):
		c.JSON(http.StatusConflict, gin.H{"error": "a broadcast is already active"})
	case errors.Is(err, tuner.ErrChannelNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	default:
		tracing.LogError(span, err)
		api.log.ErrorWithErr("failed to start broadcast", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to start broadcast"})
	}
}

// stopBroadcast ends the current broadcast
func (api *API) stopBroadcast(c *gin.Context) {
	span, ctx := tracing.StartSpan(c.Request.Context(), "broadcast.stop")
	defer span.Finish()

	if err := api.manager.Stop(ctx); err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "no active broadcast"})
		return
	}

	c.Status(http.StatusNoContent)
}

// restartTranscode restarts ffmpeg inside the current broadcast
func (api *API) restartTranscode(c *gin.Context) {
	span, ctx := tracing.StartSpan(c.Request.Context(), "broadcast.restart")
	defer span.Finish()

	err := api.manager.Restart(ctx)
	switch {
	case err == nil:
		c.Status(http.StatusNoContent)
	case errors.Is(err, broadcast.ErrNoBroadcast):
		c.JSON(http.StatusNotFound, gin.H{"error": "no active broadcast"})
	default:
		tracing.LogError(span, err)
		api.log.ErrorWithErr("failed to restart transcode", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to restart transcode"})
	}
}

// broadcastStatus reports now-playing info for the current broadcast
func (api *API) broadcastStatus(c *gin.Context) {
	status, ok := api.manager.NowPlaying()
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "no active broadcast"})
		return
	}

	c.JSON(http.StatusOK, status)
}

// streamBroadcastLog serves the retained diagnostic tail and then follows
// new lines until the client disconnects or the broadcast ends.
func (api *API) streamBroadcastLog(c *gin.Context) {
	session, ok := api.manager.Current()
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "no active broadcast"})
		return
	}

	sub := session.SubscribeLogs(256)
	defer sub.Cancel()

	c.Header("Content-Type", "text/plain; charset=utf-8")
	c.Status(http.StatusOK)

	for _, line := range session.LogSnapshot() {
		fmt.Fprintln(c.Writer, line)
	}
	c.Writer.Flush()

	for {
		select {
		case line, open := <-sub.Lines():
			if !open {
				return
			}
			fmt.Fprintln(c.Writer, line)
			c.Writer.Flush()
		case <-c.Request.Context().Done():
			return
		}
	}
}

// broadcastHistory lists recent broadcasts
func (api *API) broadcastHistory(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "20"))

	records, err := api.history.LatestBroadcasts(c.Request.Context(), limit)
	if err != nil {
		api.log.ErrorWithErr("failed to list broadcast history", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list broadcasts"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"broadcasts": records})
}

// healthCheck reports service liveness
func (api *API) healthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "healthy",
		"time":   time.Now().UTC(),
	})
}
