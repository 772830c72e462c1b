package ticket

import (
	"context"
	"fmt"
	"os"
	"sync"

	"gopkg.in/yaml.v3"
)

// File is the YAML layout of a ticket file.
type File struct {
	AuthToken    string                `yaml:"auth_token"`
	DeviceTicket string                `yaml:"device_ticket"`
	Tickets      map[string]FileTicket `yaml:"tickets"`
}

// FileTicket is one entry of File.Tickets.
type FileTicket struct {
	Value        string `yaml:"value"`
	DeviceClaims bool   `yaml:"device_claims"`
}

// StaticResolver serves credentials from a ticket file. Reload replaces
// them atomically, so a forced refresh after a 401 sees the latest file.
type StaticResolver struct {
	path string

	mu   sync.RWMutex
	data File
}

// LoadFile reads path and returns a resolver over its contents.
func LoadFile(path string) (*StaticResolver, error) {
	r := &StaticResolver{path: path}
	if err := r.Reload(); err != nil {
		return nil, err
	}
	return r, nil
}

// NewStaticResolver returns a resolver over f that cannot be reloaded.
func NewStaticResolver(f File) *StaticResolver {
	return &StaticResolver{data: f}
}

// Reload re-reads the ticket file. On error the previous contents stay.
func (r *StaticResolver) Reload() error {
	if r.path == "" {
		return nil
	}
	raw, err := os.ReadFile(r.path)
	if err != nil {
		return fmt.Errorf("read ticket file: %w", err)
	}
	var f File
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return fmt.Errorf("parse ticket file %s: %w", r.path, err)
	}
	r.mu.Lock()
	r.data = f
	r.mu.Unlock()
	return nil
}

// ResolveTicket implements Resolver.
func (r *StaticResolver) ResolveTicket(_ context.Context, id string) (Ticket, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.data.Tickets[id]
	if !ok {
		return Ticket{}, fmt.Errorf("no ticket for id %q", id)
	}
	return Ticket{Value: t.Value, HasDeviceClaims: t.DeviceClaims}, nil
}

// AuthToken implements Resolver. force re-reads the file first.
func (r *StaticResolver) AuthToken(_ context.Context, force bool) string {
	r.refresh(force)
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.data.AuthToken
}

// DeviceTicket implements Resolver. force re-reads the file first.
func (r *StaticResolver) DeviceTicket(_ context.Context, force bool) string {
	r.refresh(force)
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.data.DeviceTicket
}

func (r *StaticResolver) refresh(force bool) {
	if force {
		_ = r.Reload()
	}
}
