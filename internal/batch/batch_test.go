package batch

import (
	"strings"
	"testing"
)

func TestBatcher_EventLimit(t *testing.T) {
	b := New(1<<20, 2)
	r1, r2, r3 := strings.Repeat("a", 10), strings.Repeat("b", 10), strings.Repeat("c", 10)

	if !b.TryAdd(r1) || !b.TryAdd(r2) {
		t.Fatal("first two records rejected")
	}
	if b.TryAdd(r3) {
		t.Fatal("third record accepted past maxEvents")
	}
	if got := string(b.Flush()); got != r1+"\r\n"+r2+"\r\n" {
		t.Fatalf("first batch = %q", got)
	}
	if !b.Empty() {
		t.Fatal("Flush did not reset")
	}
	if !b.TryAdd(r3) {
		t.Fatal("third record rejected by an empty batch")
	}
	if got := string(b.Flush()); got != r3+"\r\n" {
		t.Fatalf("second batch = %q", got)
	}
}

func TestBatcher_ByteLimit(t *testing.T) {
	tests := []struct {
		name     string
		maxBytes int
		payloads []string
		accepted int
	}{
		{"exact fit", 12, []string{"0123456789"}, 1},
		{"one byte over", 11, []string{"0123456789"}, 0},
		{"second does not fit", 20, []string{"0123456789", "0123456789"}, 1},
		{"unbounded", 0, []string{"a", "b", "c"}, 3},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := New(tt.maxBytes, 0)
			accepted := 0
			for _, p := range tt.payloads {
				if !b.TryAdd(p) {
					break
				}
				accepted++
			}
			if accepted != tt.accepted {
				t.Fatalf("accepted %d, want %d", accepted, tt.accepted)
			}
			if b.Count() != accepted {
				t.Fatalf("Count = %d", b.Count())
			}
			if tt.maxBytes > 0 && b.Len() > tt.maxBytes {
				t.Fatalf("Len %d exceeds limit %d", b.Len(), tt.maxBytes)
			}
		})
	}
}

func TestBatcher_FlushReturnsCopy(t *testing.T) {
	b := New(100, 10)
	b.TryAdd("first")
	out := b.Flush()
	b.TryAdd("second")
	if string(out) != "first\r\n" {
		t.Fatalf("flushed body changed after reuse: %q", out)
	}
}
