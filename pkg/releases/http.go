package releases

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	gocache "github.com/patrickmn/go-cache"
	"github.com/rs/zerolog"

	"github.com/openfroyo/stagehand/pkg/engine"
	"github.com/openfroyo/stagehand/pkg/telemetry"
)

const maxDocumentSize = 4 << 20

// HTTPConfig configures an HTTPFeed.
type HTTPConfig struct {
	BaseURL        string
	Timeout        time.Duration
	CacheTTL       time.Duration
	MaxElapsedTime time.Duration
	InitialBackoff time.Duration
}

// HTTPFeed fetches release documents over HTTP.
type HTTPFeed struct {
	cfg     HTTPConfig
	client  *http.Client
	cache   *gocache.Cache
	logger  zerolog.Logger
	metrics *telemetry.Metrics
}

var _ engine.ReleaseFeed = (*HTTPFeed)(nil)

// NewHTTPFeed creates a feed client. metrics may be nil.
func NewHTTPFeed(cfg HTTPConfig, logger zerolog.Logger, metrics *telemetry.Metrics) (*HTTPFeed, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("release feed base URL is required")
	}
	if _, err := url.Parse(cfg.BaseURL); err != nil {
		return nil, fmt.Errorf("invalid release feed URL: %w", err)
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.CacheTTL == 0 {
		cfg.CacheTTL = 15 * time.Minute
	}
	if cfg.MaxElapsedTime == 0 {
		cfg.MaxElapsedTime = 30 * time.Second
	}
	if cfg.InitialBackoff == 0 {
		cfg.InitialBackoff = 500 * time.Millisecond
	}

	return &HTTPFeed{
		cfg:     cfg,
		client:  &http.Client{Timeout: cfg.Timeout},
		cache:   gocache.New(cfg.CacheTTL, 2*cfg.CacheTTL),
		logger:  logger.With().Str("component", "release-feed").Logger(),
		metrics: metrics,
	}, nil
}

// AvailableReleases returns the releases of project, newest first.
// Server errors and rate limiting are retried; other client errors are not.
func (f *HTTPFeed) AvailableReleases(ctx context.Context, project string) ([]engine.Release, error) {
	if cached, ok := f.cache.Get(project); ok {
		f.metrics.RecordFeedRequest("http", "cached")
		return append([]engine.Release(nil), cached.([]engine.Release)...), nil
	}

	endpoint := strings.TrimRight(f.cfg.BaseURL, "/") + "/" + url.PathEscape(project) + ".json"

	var doc *Document
	attempt := 0
	op := func() error {
		attempt++
		d, err := f.fetch(ctx, endpoint)
		if err != nil {
			f.logger.Debug().Err(err).Str("project", project).Int("attempt", attempt).Msg("Release feed request failed")
			return err
		}
		doc = d
		return nil
	}

	expBackOff := backoff.WithContext(&backoff.ExponentialBackOff{
		InitialInterval:     f.cfg.InitialBackoff,
		RandomizationFactor: backoff.DefaultRandomizationFactor,
		Multiplier:          backoff.DefaultMultiplier,
		MaxInterval:         5 * time.Second,
		MaxElapsedTime:      f.cfg.MaxElapsedTime,
		Stop:                backoff.Stop,
		Clock:               backoff.SystemClock,
	}, ctx)

	if err := backoff.Retry(op, expBackOff); err != nil {
		f.metrics.RecordFeedRequest("http", "error")
		return nil, fmt.Errorf("fetching releases for %s: %w", project, err)
	}

	f.metrics.RecordFeedRequest("http", "success")
	// Callers get their own copy so the cached slice cannot be reordered.
	f.cache.SetDefault(project, doc.Releases)
	return append([]engine.Release(nil), doc.Releases...), nil
}

func (f *HTTPFeed) fetch(ctx context.Context, endpoint string) (*Document, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, backoff.Permanent(err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return nil, fmt.Errorf("release feed returned %s", resp.Status)
	case resp.StatusCode != http.StatusOK:
		return nil, backoff.Permanent(fmt.Errorf("release feed returned %s", resp.Status))
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxDocumentSize))
	if err != nil {
		return nil, err
	}
	doc, err := ParseDocument(data)
	if err != nil {
		return nil, backoff.Permanent(err)
	}
	return doc, nil
}

// Invalidate drops a cached project, or every project when project is empty.
func (f *HTTPFeed) Invalidate(project string) {
	if project == "" {
		f.cache.Flush()
		return
	}
	f.cache.Delete(project)
}
