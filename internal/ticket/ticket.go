// Package ticket turns the ticket ids attached to events into the
// authentication headers of an upload request.
package ticket

import (
	"context"
	"sort"
	"strings"

	"github.com/szibis/event-courier/internal/logging"
)

// DeviceClaimsPrefix marks a ticket value that already carries device
// claims, making a separate device ticket unnecessary.
const DeviceClaimsPrefix = "rp:"

// minTicketLength is the shortest ticket value worth sending; anything
// shorter (for example a bare "rp:") is certain to be refused.
const minTicketLength = 4

// Ticket is a resolved credential for one user or device id.
type Ticket struct {
	Value           string
	HasDeviceClaims bool
}

// Resolver supplies credentials. force asks for a fresh, non-cached value
// after the collector refused the previous one.
type Resolver interface {
	ResolveTicket(ctx context.Context, id string) (Ticket, error)
	AuthToken(ctx context.Context, force bool) string
	DeviceTicket(ctx context.Context, force bool) string
}

// Headers are the ticket headers of one request.
type Headers struct {
	// Tickets maps ticket id to value.
	Tickets      map[string]string
	AuthToken    string
	DeviceTicket string
}

// TicketsValue renders Tickets as `"id"="value"` pairs joined by ";" in id
// order.
func (h *Headers) TicketsValue() string {
	if h == nil || len(h.Tickets) == 0 {
		return ""
	}
	ids := make([]string, 0, len(h.Tickets))
	for id := range h.Tickets {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	var b strings.Builder
	for i, id := range ids {
		if i > 0 {
			b.WriteByte(';')
		}
		b.WriteByte('"')
		b.WriteString(id)
		b.WriteString(`"="`)
		b.WriteString(h.Tickets[id])
		b.WriteByte('"')
	}
	return b.String()
}

// Manager caches the tickets of the records gathered for one queue file or
// one real-time event. It is owned by a single upload and not safe for
// concurrent use.
type Manager struct {
	resolver         Resolver
	tickets          map[string]string
	needDeviceTicket bool
}

// NewManager returns a manager backed by r. A nil resolver produces no
// headers.
func NewManager(r Resolver) *Manager {
	return &Manager{resolver: r, tickets: make(map[string]string), needDeviceTicket: true}
}

// AddTickets resolves every id not seen since the last Clean. A failed
// resolution is cached as an empty value so the request fails validation
// instead of going out without the credential.
func (m *Manager) AddTickets(ctx context.Context, ids []string) {
	if m.resolver == nil {
		return
	}
	for _, id := range ids {
		if _, ok := m.tickets[id]; ok {
			continue
		}
		t, err := m.resolver.ResolveTicket(ctx, id)
		if err != nil {
			logging.Warn("ticket resolution failed", logging.F(
				"component", "ticket",
				"ticket_id", id,
				"error", err.Error(),
			))
			m.tickets[id] = ""
			continue
		}
		value := t.Value
		if t.HasDeviceClaims {
			m.needDeviceTicket = false
			value = DeviceClaimsPrefix + value
		}
		m.tickets[id] = value
	}
}

// Headers returns the headers for the cached tickets, or nil when there is
// no resolver or nothing was cached. The returned value is a copy.
func (m *Manager) Headers(ctx context.Context, force bool) *Headers {
	if m.resolver == nil || len(m.tickets) == 0 {
		return nil
	}
	h := &Headers{
		Tickets:   make(map[string]string, len(m.tickets)),
		AuthToken: m.resolver.AuthToken(ctx, force),
	}
	for id, v := range m.tickets {
		h.Tickets[id] = v
	}
	if m.needDeviceTicket {
		h.DeviceTicket = m.resolver.DeviceTicket(ctx, force)
	}
	return h
}

// Len returns the number of cached tickets.
func (m *Manager) Len() int { return len(m.tickets) }

// Clean forgets every cached ticket. Call it between queue files so
// credentials never leak into unrelated requests.
func (m *Manager) Clean() {
	clear(m.tickets)
	m.needDeviceTicket = true
}

// PreValidate reports whether h can possibly be accepted. It rejects empty
// or truncated ticket values, "p:" user tickets without a device ticket and
// "x:" user tickets without an auth token. Nil headers are valid.
func PreValidate(h *Headers) bool {
	if h == nil || len(h.Tickets) == 0 {
		return true
	}
	var userTicket, deviceTicket, xUserTicket bool
	for _, v := range h.Tickets {
		if len(v) < minTicketLength {
			return false
		}
		switch {
		case strings.HasPrefix(v, "x:"):
			xUserTicket = true
		case strings.HasPrefix(v, "p:"):
			userTicket = true
		case strings.HasPrefix(v, DeviceClaimsPrefix):
			userTicket = true
			deviceTicket = true
		}
	}
	if h.DeviceTicket != "" {
		deviceTicket = true
	}
	if userTicket && !deviceTicket {
		return false
	}
	if xUserTicket && h.AuthToken == "" {
		return false
	}
	return true
}
