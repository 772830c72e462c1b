// Package batch builds the newline-delimited request bodies posted to the
// collector.
package batch

import "bytes"

// Separator terminates every payload in a batch.
const Separator = "\r\n"

// Batcher accumulates payloads up to a byte and an event limit. It is not
// safe for concurrent use; each upload cycle owns its own.
type Batcher struct {
	maxBytes  int
	maxEvents int
	buf       bytes.Buffer
	count     int
}

// New returns an empty batcher. Non-positive limits disable that bound.
func New(maxBytes, maxEvents int) *Batcher {
	return &Batcher{maxBytes: maxBytes, maxEvents: maxEvents}
}

// TryAdd appends payload and its separator unless that would exceed either
// limit. A payload rejected by an empty batcher can never be sent.
func (b *Batcher) TryAdd(payload string) bool {
	if b.maxEvents > 0 && b.count >= b.maxEvents {
		return false
	}
	if b.maxBytes > 0 && b.buf.Len()+len(payload)+len(Separator) > b.maxBytes {
		return false
	}
	b.buf.WriteString(payload)
	b.buf.WriteString(Separator)
	b.count++
	return true
}

// Flush returns the accumulated body and empties the batcher.
func (b *Batcher) Flush() []byte {
	out := bytes.Clone(b.buf.Bytes())
	b.buf.Reset()
	b.count = 0
	return out
}

// Len returns the body size in bytes.
func (b *Batcher) Len() int { return b.buf.Len() }

// Count returns the number of payloads in the batch.
func (b *Batcher) Count() int { return b.count }

// Empty reports whether no payload was added since the last Flush.
func (b *Batcher) Empty() bool { return b.count == 0 }
