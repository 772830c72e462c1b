// Package sender posts upload batches to the collector and interprets the
// response.
package sender

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/buger/jsonparser"
	"golang.org/x/net/http2"

	"github.com/szibis/event-courier/internal/compression"
	"github.com/szibis/event-courier/internal/config"
	"github.com/szibis/event-courier/internal/logging"
	"github.com/szibis/event-courier/internal/ticket"
	tlspkg "github.com/szibis/event-courier/internal/tls"
)

// Request headers understood by the collector.
const (
	HeaderUploadTime   = "X-UploadTime"
	HeaderTickets      = "X-Tickets"
	HeaderAuthToken    = "X-AuthXToken"
	HeaderDeviceTicket = "X-AuthMsaDeviceTicket"

	contentType      = "application/x-json-stream; charset=utf-8"
	uploadTimeLayout = "2006-01-02T15:04:05.0000000Z"
)

// MaxRetryAfter bounds a server retry hint; larger values are ignored.
const MaxRetryAfter = 24 * time.Hour

// maxResponseBody caps how much of a response is read and parsed.
const maxResponseBody = 64 * 1024

// ErrNoEndpoint is reported when no valid collector URL is configured.
var ErrNoEndpoint = errors.New("no collector endpoint configured")

// Result is the outcome of one POST. Transport failures are reported as
// StatusCode 500 with Err set so callers treat them as retryable.
type Result struct {
	StatusCode int
	// RetryAfter is the server's retry hint on 429 and 503, zero otherwise.
	RetryAfter time.Duration
	// Rejected is the "rej" count the collector reported for 200 and 400.
	Rejected int
	Latency  time.Duration
	Err      error
}

// Sender posts one batch body.
type Sender interface {
	Send(ctx context.Context, body []byte, encoding compression.Type, headers *ticket.Headers) Result
	// Endpoint returns the collector URL, or "" when none is configured.
	Endpoint() string
}

// Config holds the collector connection settings.
type Config struct {
	Endpoint   string
	TLS        tlspkg.ClientConfig
	ForceHTTP2 bool
	// Settings supplies the per-request timeout (http_timeout). Nil means
	// no timeout beyond the caller's context.
	Settings *config.Settings
}

// HTTPSender is the net/http implementation of Sender.
type HTTPSender struct {
	client   *http.Client
	settings *config.Settings
	endpoint atomic.Pointer[string]
	now      func() time.Time
}

// New creates an HTTP sender. An empty endpoint is allowed; sends fail with
// ErrNoEndpoint until SetEndpoint succeeds.
func New(cfg Config) (*HTTPSender, error) {
	transport := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   30 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		ForceAttemptHTTP2:     cfg.ForceHTTP2,
		MaxIdleConns:          16,
		MaxIdleConnsPerHost:   16,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}
	if cfg.TLS.Enabled {
		tlsConfig, err := tlspkg.NewClientTLSConfig(cfg.TLS)
		if err != nil {
			return nil, fmt.Errorf("failed to create TLS config: %w", err)
		}
		transport.TLSClientConfig = tlsConfig
	}
	if cfg.ForceHTTP2 || transport.TLSClientConfig != nil {
		if h2, err := http2.ConfigureTransports(transport); err == nil && h2 != nil {
			h2.ReadIdleTimeout = 30 * time.Second
			h2.PingTimeout = 15 * time.Second
		}
	}

	s := &HTTPSender{
		client: &http.Client{
			Transport: transport,
			// Redirects are reported as their status code, never followed.
			CheckRedirect: func(*http.Request, []*http.Request) error { return http.ErrUseLastResponse },
		},
		settings: cfg.Settings,
		now:      time.Now,
	}
	empty := ""
	s.endpoint.Store(&empty)
	if cfg.Endpoint != "" {
		if err := s.SetEndpoint(cfg.Endpoint); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// SetEndpoint swaps the collector URL. An invalid URL is rejected and the
// previous endpoint stays.
func (s *HTTPSender) SetEndpoint(raw string) error {
	raw = strings.TrimSpace(raw)
	if err := config.CheckEndpoint(raw); err != nil {
		return err
	}
	s.endpoint.Store(&raw)
	return nil
}

// Endpoint implements Sender.
func (s *HTTPSender) Endpoint() string {
	return *s.endpoint.Load()
}

// Close releases idle connections.
func (s *HTTPSender) Close() {
	s.client.CloseIdleConnections()
}

// Send implements Sender.
func (s *HTTPSender) Send(ctx context.Context, body []byte, encoding compression.Type, headers *ticket.Headers) Result {
	endpoint := s.Endpoint()
	if endpoint == "" {
		return Result{StatusCode: http.StatusInternalServerError, Err: ErrNoEndpoint}
	}
	if s.settings != nil {
		if timeout := s.settings.Load().HTTPTimeout; timeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, timeout)
			defer cancel()
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return Result{StatusCode: http.StatusInternalServerError, Err: fmt.Errorf("failed to create request: %w", err)}
	}
	s.setHeaders(req, encoding, headers)

	encLabel := string(encoding)
	if encLabel == "" {
		encLabel = string(compression.TypeNone)
	}
	senderBytesTotal.WithLabelValues(encLabel).Add(float64(len(body)))

	start := s.now()
	resp, err := s.client.Do(req)
	if err != nil {
		res := Result{StatusCode: http.StatusInternalServerError, Latency: s.now().Sub(start), Err: err}
		errType := classifyError(err)
		senderErrorsTotal.WithLabelValues(string(errType)).Inc()
		observe(res)
		logging.Warn("collector request failed", logging.F(
			"component", "sender",
			"error_type", string(errType),
			"error", err.Error(),
		))
		return res
	}
	defer resp.Body.Close()

	res := Result{StatusCode: resp.StatusCode}
	if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode == http.StatusServiceUnavailable {
		res.RetryAfter = parseRetryAfter(resp.Header.Get("Retry-After"), s.now())
	}

	respBody, readErr := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	_, _ = io.Copy(io.Discard, resp.Body)
	res.Latency = s.now().Sub(start)
	if readErr != nil {
		logging.Debug("could not read collector response", logging.F(
			"component", "sender",
			"status", resp.StatusCode,
			"error", readErr.Error(),
		))
	}
	if resp.StatusCode == http.StatusOK || resp.StatusCode == http.StatusBadRequest {
		res.Rejected = parseRejected(respBody)
	}
	if resp.StatusCode >= 500 {
		senderErrorsTotal.WithLabelValues(string(classifyHTTPStatusCode(resp.StatusCode))).Inc()
	}
	observe(res)
	return res
}

func (s *HTTPSender) setHeaders(req *http.Request, encoding compression.Type, headers *ticket.Headers) {
	req.Header.Set("Content-Type", contentType)
	req.Header.Set(HeaderUploadTime, s.now().UTC().Format(uploadTimeLayout))
	if ce := encoding.ContentEncoding(); ce != "" {
		req.Header.Set("Accept", "application/json")
		req.Header.Set("Accept-Encoding", "gzip, deflate")
		req.Header.Set("Content-Encoding", ce)
	}
	if tickets := headers.TicketsValue(); tickets != "" {
		req.Header.Set(HeaderTickets, tickets)
		if headers.AuthToken != "" {
			req.Header.Set(HeaderAuthToken, headers.AuthToken)
		}
		if headers.DeviceTicket != "" {
			req.Header.Set(HeaderDeviceTicket, headers.DeviceTicket)
		}
	}
}

// parseRetryAfter accepts delay-seconds or an HTTP date. Missing, malformed
// or out of range values yield zero.
func parseRetryAfter(v string, now time.Time) time.Duration {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0
	}
	var d time.Duration
	if secs, err := strconv.Atoi(v); err == nil {
		d = time.Duration(secs) * time.Second
	} else if t, err := http.ParseTime(v); err == nil {
		d = t.Sub(now).Truncate(time.Second)
	} else {
		return 0
	}
	if d < 0 || d > MaxRetryAfter {
		return 0
	}
	return d
}

// parseRejected extracts the collector's "rej" count; anything unparsable
// counts as zero.
func parseRejected(body []byte) int {
	if len(body) == 0 {
		return 0
	}
	n, err := jsonparser.GetInt(body, "rej")
	if err != nil || n < 0 {
		return 0
	}
	return int(n)
}

func observe(res Result) {
	senderRequestsTotal.WithLabelValues(strconv.Itoa(res.StatusCode)).Inc()
	senderRequestDuration.Observe(res.Latency.Seconds())
}
