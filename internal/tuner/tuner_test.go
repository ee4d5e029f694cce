package tuner

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/therealutkarshpriyadarshi/livegate/internal/config"
	"github.com/therealutkarshpriyadarshi/livegate/internal/logging"
)

const testLineup = `[
	{"GuideNumber": "5.1", "GuideName": "WNBC", "URL": "http://192.168.1.50:5004/auto/v5.1"},
	{"GuideNumber": "7.1", "GuideName": "WABC", "URL": "http://192.168.1.50:5004/auto/v7.1"}
]`

func newTestTuner(t *testing.T, hits *atomic.Int64) *httptest.Server {
	t.Helper()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/lineup.json" {
			http.NotFound(w, r)
			return
		}
		if hits != nil {
			hits.Add(1)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(testLineup))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func newTestCache(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	return mr, rdb
}

func TestResolveChannel(t *testing.T) {
	srv := newTestTuner(t, nil)
	client := NewClient(config.TunerConfig{BaseURL: srv.URL, CacheTTL: time.Minute}, nil, logging.Nop())

	ch, err := client.Resolve(context.Background(), "7.1")
	require.NoError(t, err)
	assert.Equal(t, "WABC", ch.GuideName)
	assert.Equal(t, "http://192.168.1.50:5004/auto/v7.1", ch.URL)
}

func TestResolveUnknownChannel(t *testing.T) {
	srv := newTestTuner(t, nil)
	client := NewClient(config.TunerConfig{BaseURL: srv.URL, CacheTTL: time.Minute}, nil, logging.Nop())

	_, err := client.Resolve(context.Background(), "99.9")
	assert.ErrorIs(t, err, ErrChannelNotFound)
}

func TestLineupCachedInRedis(t *testing.T) {
	var hits atomic.Int64
	srv := newTestTuner(t, &hits)
	mr, rdb := newTestCache(t)

	client := NewClient(config.TunerConfig{BaseURL: srv.URL, CacheTTL: time.Minute}, rdb, logging.Nop())

	_, err := client.Resolve(context.Background(), "5.1")
	require.NoError(t, err)
	_, err = client.Resolve(context.Background(), "7.1")
	require.NoError(t, err)

	assert.Equal(t, int64(1), hits.Load(), "second resolve should be served from cache")
	assert.True(t, mr.Exists("tuner:lineup"))
}

func TestLineupCacheExpiry(t *testing.T) {
	var hits atomic.Int64
	srv := newTestTuner(t, &hits)
	mr, rdb := newTestCache(t)

	client := NewClient(config.TunerConfig{BaseURL: srv.URL, CacheTTL: time.Second}, rdb, logging.Nop())

	_, err := client.Lineup(context.Background())
	require.NoError(t, err)

	mr.FastForward(2 * time.Second)

	_, err = client.Lineup(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(2), hits.Load(), "expired cache entry should refetch from the tuner")
}

func TestCorruptCacheFallsThrough(t *testing.T) {
	srv := newTestTuner(t, nil)
	mr, rdb := newTestCache(t)
	require.NoError(t, mr.Set("tuner:lineup", "not json"))

	client := NewClient(config.TunerConfig{BaseURL: srv.URL, CacheTTL: time.Minute}, rdb, logging.Nop())

	ch, err := client.Resolve(context.Background(), "5.1")
	require.NoError(t, err)
	assert.Equal(t, "WNBC", ch.GuideName)
}

func TestTunerErrorPropagates(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "tuner offline", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	client := NewClient(config.TunerConfig{BaseURL: srv.URL, CacheTTL: time.Minute}, nil, logging.Nop())

	_, err := client.Lineup(context.Background())
	assert.Error(t, err)
}
