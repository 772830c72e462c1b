package uploader

import (
	"context"
	"errors"
	"io/fs"
	"net/http"
	"time"

	"github.com/szibis/event-courier/internal/batch"
	"github.com/szibis/event-courier/internal/compression"
	"github.com/szibis/event-courier/internal/event"
	"github.com/szibis/event-courier/internal/handler"
	"github.com/szibis/event-courier/internal/logging"
	"github.com/szibis/event-courier/internal/sender"
	"github.com/szibis/event-courier/internal/stats"
	"github.com/szibis/event-courier/internal/ticket"
)

// runCycle uploads items file by file. A file is removed only when every
// batch it produced reached a terminal outcome; the first retryable failure
// stops the cycle and schedules the remaining files after a backoff.
func (u *Uploader) runCycle(ctx context.Context, items []Item) {
	if !u.running.CompareAndSwap(false, true) {
		logging.Debug("skipping cycle, another one is running", logging.F("component", "uploader"))
		return
	}
	defer u.running.Store(false)

	if u.sender.Endpoint() == "" {
		logging.Warn("no collector endpoint, skipping upload cycle", logging.F(
			"component", "uploader",
			"files", len(items),
		))
		return
	}

	start := time.Now()
	v := u.settings.Load()
	tickets := u.newTicketManager()
	b := batch.New(v.MaxBatchBytes, v.MaxEventsPerBatch)

	for i, it := range items {
		if ctx.Err() != nil {
			return
		}
		tickets.Clean()

		recs, err := it.Handler.ReadAll(it.File)
		if errors.Is(err, fs.ErrNotExist) {
			logging.Debug("queue file gone before upload", logging.F(
				"component", "uploader",
				"file", it.File.Name(),
			))
			continue
		}
		if err != nil {
			logging.Error("failed to read queue file", logging.F(
				"component", "uploader",
				"file", it.File.Name(),
				"error", err.Error(),
			))
			continue
		}

		if !u.uploadFile(ctx, tickets, b, recs, v.MaxEventSizeBytes) {
			if ctx.Err() != nil {
				return
			}
			u.stats.CycleComplete(false)
			u.reschedule(items[i:])
			return
		}
		if err := it.Handler.Dispose(it.File); err != nil {
			logging.Warn("failed to discard uploaded file", logging.F(
				"component", "uploader",
				"file", it.File.Name(),
				"error", err.Error(),
			))
		}
	}

	u.backoff.Reset()
	u.stats.CycleComplete(true)
	logging.Info("upload cycle complete", logging.F(
		"component", "uploader",
		"files", len(items),
		"duration", time.Since(start).String(),
	))
}

// uploadFile batches and sends the records of one file. It reports whether
// every batch reached a terminal outcome.
func (u *Uploader) uploadFile(ctx context.Context, tickets *ticket.Manager, b *batch.Batcher, recs []event.Record, maxEventSize int) bool {
	var payloads []string
	flush := func() bool {
		body := b.Flush()
		sent := payloads
		payloads = nil
		return u.sendBatch(ctx, tickets, body, sent)
	}

	for _, rec := range recs {
		tickets.AddTickets(ctx, rec.TicketIDs)
		u.stats.TicketsSeen(rec.TicketIDs)

		if rec.Size() > maxEventSize {
			u.dropOversize(rec)
			continue
		}
		if b.TryAdd(rec.Payload) {
			payloads = append(payloads, rec.Payload)
			continue
		}
		if b.Empty() {
			u.dropOversize(rec)
			continue
		}
		if !flush() {
			return false
		}
		if !b.TryAdd(rec.Payload) {
			u.dropOversize(rec)
			continue
		}
		payloads = append(payloads, rec.Payload)
	}
	return flush()
}

func (u *Uploader) dropOversize(rec event.Record) {
	logging.Warn("dropping event that does not fit a batch", logging.F(
		"component", "uploader",
		"size", rec.Size(),
	))
	u.stats.EventDropped(rec.Payload, stats.DropOversize)
}

// sendBatch posts one batch, refreshing tickets once on 401. An empty body
// counts as success.
func (u *Uploader) sendBatch(ctx context.Context, tickets *ticket.Manager, body []byte, payloads []string) bool {
	if len(body) == 0 {
		return true
	}
	batchBytes.Observe(float64(len(body)))

	data, enc := body, compression.TypeNone
	if u.compression.Type != compression.TypeNone && u.compression.Type != "" {
		compressed, err := compression.Compress(body, u.compression)
		if err != nil {
			compressionFallbackTotal.Inc()
			logging.Warn("compression failed, sending uncompressed", logging.F(
				"component", "uploader",
				"error", err.Error(),
			))
		} else {
			data, enc = compressed, u.compression.Type
		}
	}

	res := u.post(ctx, data, enc, tickets.Headers(ctx, false))
	if res.StatusCode == http.StatusUnauthorized {
		authRetriesTotal.Inc()
		logging.Info("collector refused tickets, retrying with refreshed ones", logging.F("component", "uploader"))
		res = u.post(ctx, data, enc, tickets.Headers(ctx, true))
	}

	outcome := Classify(res)
	batchesTotal.WithLabelValues("durable", outcome.String()).Inc()
	u.account(outcome, res, payloads, false)
	if !outcome.Terminal() {
		logging.Warn("batch upload failed", logging.F(
			"component", "uploader",
			"outcome", outcome.String(),
			"status", res.StatusCode,
			"events", len(payloads),
		))
	}
	return outcome.Terminal()
}

// post validates headers and sends. Headers that cannot succeed are
// answered with a local 401 without touching the network.
func (u *Uploader) post(ctx context.Context, data []byte, enc compression.Type, headers *ticket.Headers) sender.Result {
	if !ticket.PreValidate(headers) {
		logging.Debug("tickets failed pre-validation", logging.F("component", "uploader"))
		return sender.Result{StatusCode: http.StatusUnauthorized}
	}
	res := u.sender.Send(ctx, data, enc, headers)
	u.stats.HTTPAttempt(res.Latency, res.Err != nil || res.StatusCode >= 500)
	u.backoff.SetRetryAfter(res.RetryAfter)
	return res
}

func (u *Uploader) account(outcome Outcome, res sender.Result, payloads []string, realtime bool) {
	switch outcome {
	case OutcomeDelivered:
		rejected := min(res.Rejected, len(payloads))
		u.stats.EventsSent(len(payloads)-rejected, realtime)
		u.stats.EventsRejected(rejected)
	case OutcomeRejected:
		u.stats.EventsRejected(len(payloads))
		for _, p := range payloads {
			u.stats.EventDropped(p, stats.DropRejected)
		}
	}
}

// reschedule arms a retry of the remaining files after the next backoff
// interval.
func (u *Uploader) reschedule(items []Item) {
	delay := u.backoff.Next()
	h, err := u.sched.After(delay, func(ctx context.Context) {
		u.runCycle(ctx, items)
	})
	if err != nil {
		logging.Warn("could not schedule upload retry", logging.F(
			"component", "uploader",
			"error", err.Error(),
		))
		return
	}
	u.backoff.setPending(h)
	retriesScheduledTotal.Inc()
	logging.Info("upload retry scheduled", logging.F(
		"component", "uploader",
		"delay", delay.String(),
		"files", len(items),
	))
}

// sendRealtime posts a single event uncompressed. Anything but a terminal
// outcome queues the event durably.
func (u *Uploader) sendRealtime(ctx context.Context, rec event.Record, fallback handler.Handler) {
	if rec.Size() > u.settings.Load().MaxEventSizeBytes {
		u.dropOversize(rec)
		return
	}

	outcome := OutcomeNetworkError
	var res sender.Result
	if ctx.Err() == nil && u.sender.Endpoint() != "" {
		tickets := u.newTicketManager()
		tickets.AddTickets(ctx, rec.TicketIDs)
		u.stats.TicketsSeen(rec.TicketIDs)
		data := []byte(rec.Payload)

		res = u.post(ctx, data, compression.TypeNone, tickets.Headers(ctx, false))
		if res.StatusCode == http.StatusUnauthorized {
			authRetriesTotal.Inc()
			res = u.post(ctx, data, compression.TypeNone, tickets.Headers(ctx, true))
		}
		outcome = Classify(res)
	}
	batchesTotal.WithLabelValues("realtime", outcome.String()).Inc()

	if outcome.Terminal() {
		u.account(outcome, res, []string{rec.Payload}, true)
		u.backoff.ResetInterval()
		u.stats.RealtimeComplete()
		return
	}

	logging.Debug("real-time send failed, queueing durably", logging.F(
		"component", "uploader",
		"outcome", outcome.String(),
		"status", res.StatusCode,
	))
	if err := fallback.Add(rec); err != nil && !errors.Is(err, handler.ErrDropped) {
		logging.Warn("real-time fallback enqueue failed", logging.F(
			"component", "uploader",
			"error", err.Error(),
		))
	}
}
