package tuner

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/therealutkarshpriyadarshi/livegate/internal/config"
	"github.com/therealutkarshpriyadarshi/livegate/internal/logging"
)

// ChannelInfo is one entry from the tuner's lineup. Field names follow the
// HDHomeRun lineup.json schema.
type ChannelInfo struct {
	GuideNumber string `json:"GuideNumber"`
	GuideName   string `json:"GuideName"`
	URL         string `json:"URL"`
}

// ErrChannelNotFound is returned when no lineup entry matches the requested
// channel id.
var ErrChannelNotFound = errors.New("channel not found in tuner lineup")

const lineupCacheKey = "tuner:lineup"

// Client resolves channel ids against a network tuner's lineup endpoint.
// The lineup changes rarely, so it is cached in Redis with a TTL; cache
// failures fall through to the tuner itself.
type Client struct {
	baseURL string
	ttl     time.Duration
	http    *http.Client
	cache   *redis.Client
	log     *logging.Logger
}

// NewClient creates a lineup client. cache may be nil to disable caching.
func NewClient(cfg config.TunerConfig, cache *redis.Client, log *logging.Logger) *Client {
	return &Client{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		ttl:     cfg.CacheTTL,
		http:    &http.Client{Timeout: 10 * time.Second},
		cache:   cache,
		log:     log,
	}
}

// Lineup returns the tuner's channel list, from cache when possible.
func (c *Client) Lineup(ctx context.Context) ([]ChannelInfo, error) {
	if cached, ok := c.cachedLineup(ctx); ok {
		return cached, nil
	}

	lineup, err := c.fetchLineup(ctx)
	if err != nil {
		return nil, err
	}

	c.storeLineup(ctx, lineup)
	return lineup, nil
}

// Resolve maps a channel id (guide number) to its lineup entry.
func (c *Client) Resolve(ctx context.Context, channelID string) (ChannelInfo, error) {
	lineup, err := c.Lineup(ctx)
	if err != nil {
		return ChannelInfo{}, err
	}

	for _, ch := range lineup {
		if ch.GuideNumber == channelID {
			return ch, nil
		}
	}

	return ChannelInfo{}, fmt.Errorf("%w: %s", ErrChannelNotFound, channelID)
}

func (c *Client) cachedLineup(ctx context.Context) ([]ChannelInfo, bool) {
	if c.cache == nil {
		return nil, false
	}

	raw, err := c.cache.Get(ctx, lineupCacheKey).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			c.log.Warnf("tuner lineup cache read failed: %v", err)
		}
		return nil, false
	}

	var lineup []ChannelInfo
	if err := json.Unmarshal(raw, &lineup); err != nil {
		c.log.Warnf("discarding corrupt cached lineup: %v", err)
		return nil, false
	}

	return lineup, true
}

func (c *Client) storeLineup(ctx context.Context, lineup []ChannelInfo) {
	if c.cache == nil {
		return
	}

	raw, err := json.Marshal(lineup)
	if err != nil {
		return
	}

	if err := c.cache.Set(ctx, lineupCacheKey, raw, c.ttl).Err(); err != nil {
		c.log.Warnf("tuner lineup cache write failed: %v", err)
	}
}

func (c *Client) fetchLineup(ctx context.Context) ([]ChannelInfo, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/lineup.json", nil)
	if err != nil {
		return nil, fmt.Errorf("building lineup request: %w", err)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetching tuner lineup: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("tuner lineup request returned status %d", resp.StatusCode)
	}

	var lineup []ChannelInfo
	if err := json.NewDecoder(resp.Body).Decode(&lineup); err != nil {
		return nil, fmt.Errorf("decoding tuner lineup: %w", err)
	}

	return lineup, nil
}
