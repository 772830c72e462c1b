package receiver

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/szibis/event-courier/internal/compression"
	"github.com/szibis/event-courier/internal/event"
	"github.com/szibis/event-courier/internal/logging"
)

// maxReportedErrors caps the per-line errors echoed back to the caller.
const maxReportedErrors = 10

// Client is the part of the courier client the receiver drives.
type Client interface {
	Log(ev event.Event) bool
	Send() bool
	Synchronize() error
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	// MaxRequestBodySize limits the request body, before and after
	// decompression. Zero means no limit.
	MaxRequestBodySize int64
	// ReadHeaderTimeout defaults to one minute.
	ReadHeaderTimeout time.Duration
	// WriteTimeout defaults to 30 seconds.
	WriteTimeout time.Duration
	// IdleTimeout defaults to one minute.
	IdleTimeout time.Duration
}

// Config holds the HTTP receiver configuration.
type Config struct {
	Addr   string
	Server ServerConfig
}

// IngestResponse is the body returned from /v1/events.
type IngestResponse struct {
	Accepted int      `json:"accepted"`
	Rejected int      `json:"rejected"`
	Errors   []string `json:"errors,omitempty"`
}

// HTTPReceiver accepts events over HTTP and hands them to the client.
type HTTPReceiver struct {
	server      *http.Server
	client      Client
	addr        string
	maxBodySize int64
}

// NewHTTP creates a new HTTP receiver.
func NewHTTP(cfg Config, c Client) *HTTPReceiver {
	r := &HTTPReceiver{
		client:      c,
		addr:        cfg.Addr,
		maxBodySize: cfg.Server.MaxRequestBodySize,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/v1/events", r.handleEvents)
	mux.HandleFunc("/v1/flush", r.handleFlush)
	mux.HandleFunc("/v1/sync", r.handleSync)

	readHeaderTimeout := cfg.Server.ReadHeaderTimeout
	if readHeaderTimeout == 0 {
		readHeaderTimeout = 1 * time.Minute
	}
	writeTimeout := cfg.Server.WriteTimeout
	if writeTimeout == 0 {
		writeTimeout = 30 * time.Second
	}
	idleTimeout := cfg.Server.IdleTimeout
	if idleTimeout == 0 {
		idleTimeout = 1 * time.Minute
	}

	r.server = &http.Server{
		Addr:              cfg.Addr,
		Handler:           mux,
		ReadHeaderTimeout: readHeaderTimeout,
		WriteTimeout:      writeTimeout,
		IdleTimeout:       idleTimeout,
	}
	return r
}

// Handler returns the receiver's request router.
func (r *HTTPReceiver) Handler() http.Handler {
	return r.server.Handler
}

func (r *HTTPReceiver) handleEvents(w http.ResponseWriter, req *http.Request) {
	receiverRequestsTotal.WithLabelValues("events").Inc()
	if req.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	encoding := strings.TrimSpace(req.Header.Get("Content-Encoding"))
	ct := compression.ParseContentEncoding(encoding)
	if ct == compression.TypeNone && encoding != "" && !strings.EqualFold(encoding, "identity") {
		receiverErrorsTotal.WithLabelValues("encoding").Inc()
		http.Error(w, fmt.Sprintf("Unsupported content encoding %q", encoding), http.StatusUnsupportedMediaType)
		return
	}

	body, err := r.readBody(req.Body)
	defer req.Body.Close()
	if err != nil {
		r.bodyError(w, err)
		return
	}

	if ct != compression.TypeNone {
		body, err = compression.DecompressLimit(body, ct, r.maxBodySize)
		if errors.Is(err, compression.ErrTooLarge) {
			r.bodyError(w, errBodyTooLarge)
			return
		}
		if err != nil {
			receiverErrorsTotal.WithLabelValues("decompress").Inc()
			logging.Warn("failed to decompress request body", logging.F(
				"component", "receiver",
				"encoding", encoding,
				"error", err.Error(),
			))
			http.Error(w, "Failed to decompress body", http.StatusBadRequest)
			return
		}
	}

	resp := r.ingest(body)
	receiverEventsTotal.WithLabelValues("accepted").Add(float64(resp.Accepted))
	receiverEventsTotal.WithLabelValues("rejected").Add(float64(resp.Rejected))
	if resp.Accepted == 0 && resp.Rejected == 0 {
		http.Error(w, "No events in request body", http.StatusBadRequest)
		return
	}
	writeJSON(w, http.StatusAccepted, resp)
}

// ingest logs every non-blank line of body as one event.
func (r *HTTPReceiver) ingest(body []byte) IngestResponse {
	var resp IngestResponse
	lineNo := 0
	for len(body) > 0 {
		var line []byte
		if i := bytes.IndexByte(body, '\n'); i >= 0 {
			line, body = body[:i], body[i+1:]
		} else {
			line, body = body, nil
		}
		lineNo++
		line = bytes.TrimSpace(line)
		if len(line) == 0 {
			continue
		}

		ev, err := decodeEnvelope(line)
		if err != nil {
			receiverErrorsTotal.WithLabelValues("decode").Inc()
			resp.reject(fmt.Sprintf("line %d: %v", lineNo, err))
			continue
		}
		if !r.client.Log(ev) {
			resp.reject(fmt.Sprintf("line %d: event not accepted", lineNo))
			continue
		}
		resp.Accepted++
	}
	return resp
}

func (resp *IngestResponse) reject(msg string) {
	resp.Rejected++
	if len(resp.Errors) < maxReportedErrors {
		resp.Errors = append(resp.Errors, msg)
	}
}

var errBodyTooLarge = errors.New("request body too large")

func (r *HTTPReceiver) readBody(body io.Reader) ([]byte, error) {
	if r.maxBodySize <= 0 {
		return io.ReadAll(body)
	}
	data, err := io.ReadAll(io.LimitReader(body, r.maxBodySize+1))
	if err != nil {
		return nil, err
	}
	if int64(len(data)) > r.maxBodySize {
		return nil, errBodyTooLarge
	}
	return data, nil
}

func (r *HTTPReceiver) bodyError(w http.ResponseWriter, err error) {
	if errors.Is(err, errBodyTooLarge) {
		receiverErrorsTotal.WithLabelValues("too_large").Inc()
		http.Error(w, fmt.Sprintf("Request body exceeds %d bytes", r.maxBodySize), http.StatusRequestEntityTooLarge)
		return
	}
	receiverErrorsTotal.WithLabelValues("read").Inc()
	http.Error(w, "Failed to read body", http.StatusBadRequest)
}

func (r *HTTPReceiver) handleFlush(w http.ResponseWriter, req *http.Request) {
	receiverRequestsTotal.WithLabelValues("flush").Inc()
	if req.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if !r.client.Send() {
		http.Error(w, "Upload not started", http.StatusConflict)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (r *HTTPReceiver) handleSync(w http.ResponseWriter, req *http.Request) {
	receiverRequestsTotal.WithLabelValues("sync").Inc()
	if req.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if err := r.client.Synchronize(); err != nil {
		receiverErrorsTotal.WithLabelValues("sync").Inc()
		logging.Error("synchronize failed", logging.F("component", "receiver", "error", err.Error()))
		http.Error(w, "Synchronize failed", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

// Start starts the HTTP server.
func (r *HTTPReceiver) Start() error {
	logging.Info("HTTP receiver started", logging.F("component", "receiver", "addr", r.addr))
	return r.server.ListenAndServe()
}

// Stop gracefully stops the HTTP server.
func (r *HTTPReceiver) Stop(ctx context.Context) error {
	return r.server.Shutdown(ctx)
}

// HealthCheck returns nil if the receiver port is accepting connections.
func (r *HTTPReceiver) HealthCheck() error {
	conn, err := net.DialTimeout("tcp", r.addr, 1*time.Second)
	if err != nil {
		return fmt.Errorf("receiver not reachable on %s: %w", r.addr, err)
	}
	conn.Close()
	return nil
}
