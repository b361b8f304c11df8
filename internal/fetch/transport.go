package fetch

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/gocolly/colly/v2"
)

// Response is the outcome of one successful remote read.
type Response struct {
	URL        string
	StatusCode int
	Headers    http.Header
	Body       []byte
	Duration   time.Duration
}

// Doer performs one HTTP GET. The production implementation is
// Transport; tests substitute stubs below the retry loop.
type Doer interface {
	Do(ctx context.Context, url string) (Response, error)
}

// TransportConfig controls collector behavior.
type TransportConfig struct {
	UserAgent string
	Timeout   time.Duration
}

// Transport implements Doer with a colly collector cloned per request.
type Transport struct {
	cfg  TransportConfig
	base *colly.Collector
}

// NewTransport builds a Transport with pooled connections. Robots rules
// are ignored: the engine only reads proxy endpoints operated for it.
func NewTransport(cfg TransportConfig) *Transport {
	c := colly.NewCollector(colly.Async(false))
	c.IgnoreRobotsTxt = true
	// Retries revisit the same URL with a fresh clone.
	c.AllowURLRevisit = true
	c.WithTransport(newHTTPTransport())
	return &Transport{cfg: cfg, base: c}
}

// Do executes a single GET and maps any failure onto the fetch error
// taxonomy.
func (t *Transport) Do(ctx context.Context, url string) (Response, error) {
	var (
		resp    Response
		status  int
		retryIn time.Duration
		hookErr error
	)
	start := time.Now()

	collector := t.base.Clone()
	if t.cfg.UserAgent != "" {
		collector.UserAgent = t.cfg.UserAgent
	}
	timeout := t.cfg.Timeout
	if timeout == 0 {
		timeout = 15 * time.Second
	}
	collector.SetRequestTimeout(timeout)

	collector.OnResponse(func(r *colly.Response) {
		resp = Response{
			URL:        r.Request.URL.String(),
			StatusCode: r.StatusCode,
			Headers:    r.Headers.Clone(),
			Body:       append([]byte(nil), r.Body...),
			Duration:   time.Since(start),
		}
	})
	collector.OnError(func(r *colly.Response, err error) {
		hookErr = err
		if r != nil {
			status = r.StatusCode
			retryIn = retryAfter(r)
		}
	})

	err := t.run(ctx, collector, url)
	if err == nil && hookErr != nil {
		err = hookErr
	}
	if err != nil {
		return Response{}, classify(url, status, retryIn, err)
	}
	if resp.StatusCode == 0 {
		return Response{}, classify(url, 0, 0, errors.New("no response received"))
	}
	return resp, nil
}

func (t *Transport) run(ctx context.Context, collector *colly.Collector, url string) error {
	done := make(chan error, 1)
	go func() {
		done <- collector.Visit(url)
	}()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-done:
		return err
	}
}

func retryAfter(r *colly.Response) time.Duration {
	if r.Headers == nil {
		return 0
	}
	v := r.Headers.Get("Retry-After")
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	return 0
}

func newHTTPTransport() *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   15 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
	}
}
