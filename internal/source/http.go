package source

import (
	"context"
	"io"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/sells-group/diamond-finder/internal/model"
	"github.com/sells-group/diamond-finder/internal/resilience"
)

const (
	defaultRatePerSec = 2
	defaultTimeout    = 30 * time.Second
	defaultMaxPages   = 20
	maxBodyBytes      = 32 << 20
	userAgent         = "diamond-finder/1.0"
)

// HTTPOptions configures an HTTPSource.
type HTTPOptions struct {
	Description string
	Headers     map[string]string
	RatePerSec  float64
	Timeout     time.Duration
	MaxPages    int
	Retry       resilience.RetryConfig
	Client      *http.Client
}

// HTTPSource pulls candidates from a JSON feed. The feed answers with either
// a bare array of candidates or an envelope {"candidates": [...], "next": url};
// "next" pages are followed until empty or MaxPages is reached.
type HTTPSource struct {
	name        string
	description string
	url         string
	headers     map[string]string
	client      *http.Client
	limiter     *adaptiveLimiter
	maxPages    int
	retry       resilience.RetryConfig
}

// NewHTTPSource creates a feed source for rawURL.
func NewHTTPSource(name, rawURL string, opts HTTPOptions) (*HTTPSource, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, eris.Wrapf(err, "source: parse url for %s", name)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, eris.Errorf("source: %s url must be http or https, got %q", name, rawURL)
	}

	if opts.RatePerSec <= 0 {
		opts.RatePerSec = defaultRatePerSec
	}
	if opts.Timeout <= 0 {
		opts.Timeout = defaultTimeout
	}
	if opts.MaxPages <= 0 {
		opts.MaxPages = defaultMaxPages
	}
	client := opts.Client
	if client == nil {
		client = &http.Client{Timeout: opts.Timeout}
	}
	retry := opts.Retry
	if retry.OnRetry == nil {
		retry.OnRetry = resilience.RetryLogger("source", name)
	}
	desc := opts.Description
	if desc == "" {
		desc = "candidates fetched from " + u.Host
	}

	return &HTTPSource{
		name:        name,
		description: desc,
		url:         rawURL,
		headers:     opts.Headers,
		client:      client,
		limiter:     newAdaptiveLimiter(rate.Limit(opts.RatePerSec), 1),
		maxPages:    opts.MaxPages,
		retry:       retry,
	}, nil
}

// Name implements Source.
func (s *HTTPSource) Name() string { return s.name }

// Description implements Source.
func (s *HTTPSource) Description() string { return s.description }

// Search fetches every page of the feed.
func (s *HTTPSource) Search(ctx context.Context) ([]model.Candidate, error) {
	var out []model.Candidate
	next := s.url
	visited := make(map[string]bool)

	for page := 0; next != "" && page < s.maxPages; page++ {
		if visited[next] {
			break
		}
		visited[next] = true

		current := next
		p, err := resilience.DoVal(ctx, s.retry, func(ctx context.Context) (feedPage, error) {
			return s.fetchPage(ctx, current)
		})
		if err != nil {
			return nil, eris.Wrapf(err, "source: fetch %s page %d", s.name, page+1)
		}
		out = append(out, p.Candidates...)

		next, err = resolveNext(current, p.Next)
		if err != nil {
			return nil, err
		}
	}

	if next != "" && !visited[next] {
		zap.L().Warn("source: page limit reached, remaining pages skipped",
			zap.String("source", s.name),
			zap.Int("max_pages", s.maxPages),
		)
	}
	return out, nil
}

func (s *HTTPSource) fetchPage(ctx context.Context, pageURL string) (feedPage, error) {
	if err := s.limiter.Wait(ctx); err != nil {
		return feedPage{}, eris.Wrap(err, "source: rate limiter wait")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, pageURL, nil)
	if err != nil {
		return feedPage{}, eris.Wrap(err, "source: build request")
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", userAgent)
	for k, v := range s.headers {
		req.Header.Set(k, v)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return feedPage{}, eris.Wrapf(err, "source: get %s", pageURL)
	}
	defer resp.Body.Close() //nolint:errcheck

	if resp.StatusCode == http.StatusTooManyRequests {
		s.limiter.OnRateLimit(s.name)
	}
	if resp.StatusCode != http.StatusOK {
		_, _ = io.Copy(io.Discard, resp.Body)
		return feedPage{}, resilience.StatusError(resp.StatusCode, pageURL)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return feedPage{}, eris.Wrap(err, "source: read body")
	}
	p, err := decodeFeedPage(body)
	if err != nil {
		return feedPage{}, err
	}
	s.limiter.OnSuccess()
	return p, nil
}

func resolveNext(current, next string) (string, error) {
	if next == "" {
		return "", nil
	}
	base, err := url.Parse(current)
	if err != nil {
		return "", eris.Wrap(err, "source: parse page url")
	}
	ref, err := url.Parse(next)
	if err != nil {
		return "", eris.Wrapf(err, "source: parse next url %q", next)
	}
	return base.ResolveReference(ref).String(), nil
}

// adaptiveLimiter wraps a rate.Limiter that speeds up by 20% per success
// (up to 2x the initial rate) and halves on 429 (down to a quarter).
type adaptiveLimiter struct {
	mu          sync.Mutex
	limiter     *rate.Limiter
	maxRate     rate.Limit
	minRate     rate.Limit
	currentRate rate.Limit
}

func newAdaptiveLimiter(initial rate.Limit, burst int) *adaptiveLimiter {
	return &adaptiveLimiter{
		limiter:     rate.NewLimiter(initial, burst),
		maxRate:     initial * 2,
		minRate:     initial / 4,
		currentRate: initial,
	}
}

func (a *adaptiveLimiter) Wait(ctx context.Context) error {
	return a.limiter.Wait(ctx)
}

func (a *adaptiveLimiter) OnSuccess() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.currentRate = min(a.currentRate*1.2, a.maxRate)
	a.limiter.SetLimit(a.currentRate)
}

func (a *adaptiveLimiter) OnRateLimit(source string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.currentRate = max(a.currentRate*0.5, a.minRate)
	a.limiter.SetLimit(a.currentRate)
	zap.L().Warn("source: reducing request rate after 429",
		zap.String("source", source),
		zap.Float64("new_rate", float64(a.currentRate)),
	)
}

func (a *adaptiveLimiter) Limit() rate.Limit {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.currentRate
}
