// Package wikipedia is a client for the MediaWiki query API. It resolves
// page titles to their outgoing article links in bulk, with a
// write-through cache, bounded parallel fan-out and redirect handling.
package wikipedia

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	jsoniter "github.com/json-iterator/go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/atomic"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/wikipath/wikipath/pkg/kvstore"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

const (
	DefaultBaseURL   = "https://en.wikipedia.org/w/api.php"
	DefaultUserAgent = "wikipath/1.0 (+https://github.com/wikipath/wikipath)"

	// DefaultBatchSize is the MediaWiki hard limit on titles per query.
	DefaultBatchSize  = 50
	DefaultMaxWorkers = 10
	DefaultTimeout    = 15 * time.Second
	DefaultCacheTTL   = 24 * time.Hour

	// DefaultRateLimit caps outgoing API calls, in requests per second.
	DefaultRateLimit = 10.0

	pageInfoCacheTTL = 2 * time.Hour

	linksKeyPrefix    = "wiki_links:"
	pageInfoKeyPrefix = "page_info:"
)

var (
	metricAPIRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "wikipath",
		Name:      "wikipedia_api_requests_total",
		Help:      "Total number of requests issued to the MediaWiki API.",
	}, []string{"op"})
	metricAPIErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "wikipath",
		Name:      "wikipedia_api_errors_total",
		Help:      "Total number of failed MediaWiki API requests.",
	}, []string{"op"})
	metricCacheHits = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "wikipath",
		Name:      "wikipedia_link_cache_hits_total",
		Help:      "Total number of link lookups served from the cache.",
	})
	metricCacheMisses = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "wikipath",
		Name:      "wikipedia_link_cache_misses_total",
		Help:      "Total number of link lookups that went to the API.",
	})
)

// APIError is any upstream failure: transport error, non-2xx status or
// an undecodable body. The task runtime retries it.
type APIError struct {
	Op  string
	Err error
}

func (e *APIError) Error() string {
	return fmt.Sprintf("wikipedia api: %s: %v", e.Op, e.Err)
}

func (e *APIError) Unwrap() error { return e.Err }

// IsAPIError reports whether err is (or wraps) an upstream API failure.
func IsAPIError(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr)
}

type Config struct {
	BaseURL    string
	UserAgent  string
	Timeout    time.Duration
	BatchSize  int
	MaxWorkers int
	CacheTTL   time.Duration
	// RateLimit caps outgoing API calls in requests per second.
	// Zero disables the limiter.
	RateLimit float64
}

func (cfg *Config) applyDefaults() {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = DefaultUserAgent
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.BatchSize <= 0 || cfg.BatchSize > DefaultBatchSize {
		cfg.BatchSize = DefaultBatchSize
	}
	if cfg.MaxWorkers <= 0 {
		cfg.MaxWorkers = DefaultMaxWorkers
	}
	if cfg.CacheTTL == 0 {
		cfg.CacheTTL = DefaultCacheTTL
	}
}

// Client resolves titles to outgoing links. A nil store disables
// caching. One Client per process: the underlying http.Client reuses
// connections.
type Client struct {
	cfg     Config
	httpc   *http.Client
	store   kvstore.Store
	limiter *rate.Limiter
	logger  log.Logger

	cacheHits   atomic.Int64
	cacheMisses atomic.Int64
}

func NewClient(cfg Config, store kvstore.Store, logger log.Logger) *Client {
	cfg.applyDefaults()

	var limiter *rate.Limiter
	if cfg.RateLimit > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), 1)
	}

	return &Client{
		cfg:     cfg,
		httpc:   &http.Client{Timeout: cfg.Timeout},
		store:   store,
		limiter: limiter,
		logger:  logger,
	}
}

// GetLinksBulk returns the outgoing article links for every requested
// title. Every input title is present in the result; missing pages map
// to an empty slice and are never cached. If any sub-batch fails the
// whole call fails: partial results are not returned.
func (c *Client) GetLinksBulk(ctx context.Context, titles []string) (map[string][]string, error) {
	if len(titles) == 0 {
		return map[string][]string{}, nil
	}

	results := make(map[string][]string, len(titles))
	var fetchSet []string
	seen := make(map[string]struct{}, len(titles))

	for _, title := range titles {
		if _, ok := seen[title]; ok {
			continue
		}
		seen[title] = struct{}{}

		if c.store != nil {
			var links []string
			hit, err := kvstore.GetJSON(ctx, c.store, linksKeyPrefix+title, &links)
			if err != nil {
				return nil, err
			}
			if hit {
				results[title] = links
				c.cacheHits.Inc()
				metricCacheHits.Inc()
				continue
			}
			c.cacheMisses.Inc()
			metricCacheMisses.Inc()
		}
		fetchSet = append(fetchSet, title)
	}

	if len(fetchSet) == 0 {
		return results, nil
	}

	level.Debug(c.logger).Log("msg", "bulk link lookup", "requested", len(titles), "cached", len(results), "fetching", len(fetchSet))

	fetched, cacheable, err := c.fetchLinks(ctx, fetchSet)
	if err != nil {
		return nil, err
	}

	if c.store != nil {
		for _, title := range cacheable {
			if err := kvstore.SetJSON(ctx, c.store, linksKeyPrefix+title, fetched[title], c.cfg.CacheTTL); err != nil {
				return nil, err
			}
		}
	}

	for title, links := range fetched {
		results[title] = links
	}

	// every requested title maps to something, even if the page is
	// missing upstream.
	for _, title := range fetchSet {
		if _, ok := results[title]; !ok {
			results[title] = []string{}
		}
	}

	return results, nil
}

// fetchLinks partitions titles into API-sized sub-batches and fetches
// them concurrently. The second return lists the titles whose result may
// be cached (pages the API actually resolved, plus their redirect
// aliases).
func (c *Client) fetchLinks(ctx context.Context, titles []string) (map[string][]string, []string, error) {
	var (
		mu        sync.Mutex
		merged    = make(map[string][]string)
		cacheable []string
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.cfg.MaxWorkers)

	for i := 0; i < len(titles); i += c.cfg.BatchSize {
		batch := titles[i:min(i+c.cfg.BatchSize, len(titles))]
		g.Go(func() error {
			links, resolved, err := c.fetchBatch(gctx, batch)
			if err != nil {
				return err
			}

			mu.Lock()
			defer mu.Unlock()
			for title, ls := range links {
				merged[title] = ls
			}
			cacheable = append(cacheable, resolved...)
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, nil, err
	}
	return merged, cacheable, nil
}

func (c *Client) fetchBatch(ctx context.Context, batch []string) (map[string][]string, []string, error) {
	params := url.Values{
		"action":    []string{"query"},
		"format":    []string{"json"},
		"titles":    []string{strings.Join(batch, "|")},
		"prop":      []string{"links"},
		"pllimit":   []string{"max"},
		"redirects": []string{"1"},
	}

	var resp queryResponse
	if err := c.doQuery(ctx, "links", params, &resp); err != nil {
		return nil, nil, err
	}

	return parseBatch(&resp.Query, batch)
}

// PageExists reports whether the page resolves upstream. Existence is
// best-effort: any error yields false rather than propagating.
func (c *Client) PageExists(ctx context.Context, title string) bool {
	params := url.Values{
		"action":    []string{"query"},
		"format":    []string{"json"},
		"titles":    []string{title},
		"redirects": []string{"1"},
	}

	var resp queryResponse
	if err := c.doQuery(ctx, "exists", params, &resp); err != nil {
		level.Warn(c.logger).Log("msg", "page existence check failed", "title", title, "err", err)
		return false
	}

	for _, page := range resp.Query.Pages {
		return page.Missing == nil
	}
	return false
}

// PageInfo is basic metadata about a page.
type PageInfo struct {
	Title        string `json:"title"`
	PageID       int64  `json:"page_id"`
	LastModified string `json:"last_modified"`
}

// GetPageInfo returns metadata for title, or nil when the page does not
// exist.
func (c *Client) GetPageInfo(ctx context.Context, title string) (*PageInfo, error) {
	if c.store != nil {
		var info PageInfo
		hit, err := kvstore.GetJSON(ctx, c.store, pageInfoKeyPrefix+title, &info)
		if err != nil {
			return nil, err
		}
		if hit {
			return &info, nil
		}
	}

	params := url.Values{
		"action":    []string{"query"},
		"format":    []string{"json"},
		"titles":    []string{title},
		"prop":      []string{"info"},
		"redirects": []string{"1"},
	}

	var resp queryResponse
	if err := c.doQuery(ctx, "info", params, &resp); err != nil {
		return nil, err
	}

	for _, page := range resp.Query.Pages {
		if page.Missing != nil {
			continue
		}
		info := &PageInfo{
			Title:        page.Title,
			PageID:       page.PageID,
			LastModified: page.Touched,
		}
		if c.store != nil {
			if err := kvstore.SetJSON(ctx, c.store, pageInfoKeyPrefix+title, info, pageInfoCacheTTL); err != nil {
				return nil, err
			}
		}
		return info, nil
	}
	return nil, nil
}

// CacheStats returns the number of link lookups served from and missed
// by the cache since the client was created.
func (c *Client) CacheStats() (hits, misses int64) {
	return c.cacheHits.Load(), c.cacheMisses.Load()
}

func (c *Client) doQuery(ctx context.Context, op string, params url.Values, out *queryResponse) error {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return err
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.BaseURL+"?"+params.Encode(), nil)
	if err != nil {
		return &APIError{Op: op, Err: err}
	}
	req.Header.Set("User-Agent", c.cfg.UserAgent)

	metricAPIRequests.WithLabelValues(op).Inc()

	resp, err := c.httpc.Do(req)
	if err != nil {
		metricAPIErrors.WithLabelValues(op).Inc()
		return &APIError{Op: op, Err: err}
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		metricAPIErrors.WithLabelValues(op).Inc()
		return &APIError{Op: op, Err: fmt.Errorf("unexpected status %d", resp.StatusCode)}
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		metricAPIErrors.WithLabelValues(op).Inc()
		return &APIError{Op: op, Err: fmt.Errorf("decoding response: %v", err)}
	}
	return nil
}
