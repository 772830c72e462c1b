package ticket

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"testing"
)

type fakeResolver struct {
	tickets  map[string]Ticket
	resolves int
	forced   int
}

func (f *fakeResolver) ResolveTicket(_ context.Context, id string) (Ticket, error) {
	f.resolves++
	t, ok := f.tickets[id]
	if !ok {
		return Ticket{}, errors.New("unknown id")
	}
	return t, nil
}

func (f *fakeResolver) AuthToken(_ context.Context, force bool) string {
	if force {
		f.forced++
		return "auth-fresh"
	}
	return "auth-cached"
}

func (f *fakeResolver) DeviceTicket(_ context.Context, force bool) string {
	if force {
		return "device-fresh"
	}
	return "device-cached"
}

func newFake() *fakeResolver {
	return &fakeResolver{tickets: map[string]Ticket{
		"u1": {Value: "p:user-one"},
		"u2": {Value: "x:user-two"},
		"d1": {Value: "device-claimed", HasDeviceClaims: true},
	}}
}

func TestManager_NoResolverOrNoTickets(t *testing.T) {
	ctx := context.Background()
	m := NewManager(nil)
	m.AddTickets(ctx, []string{"u1"})
	if m.Headers(ctx, false) != nil {
		t.Fatal("headers without resolver")
	}
	if NewManager(newFake()).Headers(ctx, false) != nil {
		t.Fatal("headers without tickets")
	}
}

func TestManager_ResolvesEachIDOnce(t *testing.T) {
	ctx := context.Background()
	r := newFake()
	m := NewManager(r)
	m.AddTickets(ctx, []string{"u1", "u2"})
	m.AddTickets(ctx, []string{"u1", "u2", "u1"})
	if r.resolves != 2 {
		t.Fatalf("resolves = %d, want 2", r.resolves)
	}

	h := m.Headers(ctx, false)
	want := &Headers{
		Tickets:      map[string]string{"u1": "p:user-one", "u2": "x:user-two"},
		AuthToken:    "auth-cached",
		DeviceTicket: "device-cached",
	}
	if !reflect.DeepEqual(h, want) {
		t.Fatalf("Headers = %+v, want %+v", h, want)
	}
	if again := m.Headers(ctx, false); !reflect.DeepEqual(again, h) {
		t.Fatalf("repeated Headers differ: %+v", again)
	}

	forced := m.Headers(ctx, true)
	if forced.AuthToken != "auth-fresh" || forced.DeviceTicket != "device-fresh" {
		t.Fatalf("forced headers = %+v", forced)
	}
}

func TestManager_HeadersAreCopies(t *testing.T) {
	ctx := context.Background()
	m := NewManager(newFake())
	m.AddTickets(ctx, []string{"u1"})
	h := m.Headers(ctx, false)
	h.Tickets["u1"] = "tampered"
	if m.Headers(ctx, false).Tickets["u1"] != "p:user-one" {
		t.Fatal("caller mutation leaked into the manager")
	}
}

func TestManager_DeviceClaimsSuppressDeviceTicket(t *testing.T) {
	ctx := context.Background()
	m := NewManager(newFake())
	m.AddTickets(ctx, []string{"d1", "u1"})
	h := m.Headers(ctx, false)
	if h.DeviceTicket != "" {
		t.Fatalf("device ticket sent despite device claims: %q", h.DeviceTicket)
	}
	if h.Tickets["d1"] != "rp:device-claimed" {
		t.Fatalf("device-claim ticket = %q", h.Tickets["d1"])
	}

	m.Clean()
	if m.Len() != 0 || m.Headers(ctx, false) != nil {
		t.Fatal("Clean kept tickets")
	}
	m.AddTickets(ctx, []string{"u1"})
	if m.Headers(ctx, false).DeviceTicket == "" {
		t.Fatal("Clean did not restore the device ticket requirement")
	}
}

func TestManager_FailedResolutionFailsValidation(t *testing.T) {
	ctx := context.Background()
	m := NewManager(newFake())
	m.AddTickets(ctx, []string{"missing"})
	h := m.Headers(ctx, false)
	if h == nil || h.Tickets["missing"] != "" {
		t.Fatalf("headers = %+v", h)
	}
	if PreValidate(h) {
		t.Fatal("headers with an unresolved ticket passed validation")
	}
}

func TestPreValidate(t *testing.T) {
	tests := []struct {
		name string
		h    *Headers
		want bool
	}{
		{"nil", nil, true},
		{"no tickets", &Headers{AuthToken: ""}, true},
		{"empty value", &Headers{Tickets: map[string]string{"a": ""}, AuthToken: "t", DeviceTicket: "d"}, false},
		{"bare device prefix", &Headers{Tickets: map[string]string{"a": "rp:"}}, false},
		{"user ticket with device", &Headers{Tickets: map[string]string{"a": "p:abc"}, DeviceTicket: "dev"}, true},
		{"user ticket without device", &Headers{Tickets: map[string]string{"a": "p:abc"}}, false},
		{"device claims ticket alone", &Headers{Tickets: map[string]string{"a": "rp:abc"}}, true},
		{"x ticket with auth", &Headers{Tickets: map[string]string{"a": "x:abc"}, AuthToken: "tok"}, true},
		{"x ticket without auth", &Headers{Tickets: map[string]string{"a": "x:abc"}, DeviceTicket: "dev"}, false},
		{"opaque ticket", &Headers{Tickets: map[string]string{"a": "opaque"}}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := PreValidate(tt.h); got != tt.want {
				t.Fatalf("PreValidate = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestHeaders_TicketsValue(t *testing.T) {
	h := &Headers{Tickets: map[string]string{"b": "p:two", "a": "x:one"}}
	if got := h.TicketsValue(); got != `"a"="x:one";"b"="p:two"` {
		t.Fatalf("TicketsValue = %s", got)
	}
	var nilHeaders *Headers
	if nilHeaders.TicketsValue() != "" {
		t.Fatal("nil headers should render empty")
	}
}

func TestStaticResolver_FileAndReload(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "tickets.yaml")
	write := func(auth string) {
		t.Helper()
		data := "auth_token: " + auth + "\ndevice_ticket: dev-1\ntickets:\n  user-1:\n    value: p:abc\n  user-2:\n    value: claimed\n    device_claims: true\n"
		if err := os.WriteFile(path, []byte(data), 0o600); err != nil {
			t.Fatal(err)
		}
	}
	write("auth-1")

	r, err := LoadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	tk, err := r.ResolveTicket(ctx, "user-2")
	if err != nil || tk.Value != "claimed" || !tk.HasDeviceClaims {
		t.Fatalf("ResolveTicket = %+v, %v", tk, err)
	}
	if _, err := r.ResolveTicket(ctx, "nobody"); err == nil {
		t.Fatal("expected error for unknown id")
	}
	if r.AuthToken(ctx, false) != "auth-1" || r.DeviceTicket(ctx, false) != "dev-1" {
		t.Fatal("tokens not loaded")
	}

	write("auth-2")
	if r.AuthToken(ctx, false) != "auth-1" {
		t.Fatal("unforced read picked up the new file")
	}
	if r.AuthToken(ctx, true) != "auth-2" {
		t.Fatal("forced refresh did not reload")
	}

	if err := os.WriteFile(path, []byte("tickets: [broken"), 0o600); err != nil {
		t.Fatal(err)
	}
	if err := r.Reload(); err == nil {
		t.Fatal("expected parse error")
	}
	if r.AuthToken(ctx, false) != "auth-2" {
		t.Fatal("failed reload discarded previous contents")
	}
}
