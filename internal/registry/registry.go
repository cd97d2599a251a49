// Package registry keeps the in-memory view of known devices and groups.
// It is mutated by network events and group commands, and read by command
// handlers. A store, when configured, is written through so state survives
// restarts; reads never touch it.
package registry

import (
	"errors"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"zigbee-ws-server/internal/store"
)

var (
	ErrDeviceNotFound = errors.New("device not found")
	ErrGroupNotFound  = errors.New("group not found")
	ErrGroupExists    = errors.New("group already exists")
)

// Registry is the in-memory device and group store.
type Registry struct {
	mu      sync.RWMutex
	devices map[string]*store.Device
	groups  map[uint16]*store.Group
	st      store.Store // optional write-through persistence
	logger  *slog.Logger
}

// New creates a registry, loading persisted devices and groups when a store
// is provided. st may be nil.
func New(st store.Store, logger *slog.Logger) *Registry {
	r := &Registry{
		devices: make(map[string]*store.Device),
		groups:  make(map[uint16]*store.Group),
		st:      st,
		logger:  logger.With("component", "registry"),
	}
	if st != nil {
		r.load()
	}
	return r
}

func (r *Registry) load() {
	devices, err := r.st.ListDevices()
	if err != nil {
		r.logger.Error("load devices", "err", err)
	}
	for _, d := range devices {
		// Availability is runtime state; persisted devices start unavailable
		// until they are seen again.
		d.Available = false
		r.devices[d.IEEE] = d
	}
	groups, err := r.st.ListGroups()
	if err != nil {
		r.logger.Error("load groups", "err", err)
	}
	for _, g := range groups {
		r.groups[g.ID] = g
	}
	r.logger.Info("registry loaded", "devices", len(r.devices), "groups", len(r.groups))
}

// persistDevice writes through to the store. Called with r.mu held so saves
// reach the store in mutation order.
func (r *Registry) persistDevice(dev *store.Device) {
	if r.st == nil {
		return
	}
	if err := r.st.SaveDevice(dev); err != nil {
		r.logger.Error("persist device", "err", err, "ieee", dev.IEEE)
	}
}

func (r *Registry) persistGroup(g *store.Group) {
	if r.st == nil {
		return
	}
	if err := r.st.SaveGroup(g); err != nil {
		r.logger.Error("persist group", "err", err, "group", g.ID)
	}
}

// UpsertDevice creates or updates a device from a join/announce. Addressing
// and identity fields are overwritten; attributes already known are kept.
// Returns a copy of the resulting device.
func (r *Registry) UpsertDevice(ieee string, nwk uint16, manufacturer, model string) *store.Device {
	now := time.Now()

	r.mu.Lock()
	dev, ok := r.devices[ieee]
	if !ok {
		dev = &store.Device{IEEE: ieee, JoinedAt: now}
		r.devices[ieee] = dev
	}
	dev.NWK = nwk
	if manufacturer != "" {
		dev.Manufacturer = manufacturer
	}
	if model != "" {
		dev.Model = model
	}
	dev.Available = true
	dev.LastSeen = now
	cp := dev.Clone()
	r.persistDevice(cp)
	r.mu.Unlock()
	return cp
}

// SetAttribute records a reported attribute value, last-writer-wins per key.
// Reports for unknown devices are dropped; returns false in that case.
func (r *Registry) SetAttribute(ieee, name string, value any) bool {
	r.mu.Lock()
	dev, ok := r.devices[ieee]
	if !ok {
		r.mu.Unlock()
		return false
	}
	if dev.Attributes == nil {
		dev.Attributes = make(map[string]any)
	}
	dev.Attributes[name] = value
	dev.LastSeen = time.Now()
	r.persistDevice(dev.Clone())
	r.mu.Unlock()
	return true
}

// RemoveDevice deletes a device and strips it from any group member lists.
// Removing an unknown address is a no-op; returns whether a device existed.
func (r *Registry) RemoveDevice(ieee string) bool {
	r.mu.Lock()
	_, existed := r.devices[ieee]
	delete(r.devices, ieee)
	for _, g := range r.groups {
		if i := slices.Index(g.Members, ieee); i >= 0 {
			g.Members = slices.Delete(g.Members, i, i+1)
			r.persistGroup(g.Clone())
		}
	}
	if existed && r.st != nil {
		if err := r.st.DeleteDevice(ieee); err != nil {
			r.logger.Error("delete device", "err", err, "ieee", ieee)
		}
	}
	r.mu.Unlock()
	return existed
}

// RenameDevice sets a device's friendly name.
func (r *Registry) RenameDevice(ieee, name string) (*store.Device, error) {
	r.mu.Lock()
	dev, ok := r.devices[ieee]
	if !ok {
		r.mu.Unlock()
		return nil, ErrDeviceNotFound
	}
	dev.FriendlyName = name
	cp := dev.Clone()
	r.persistDevice(cp)
	r.mu.Unlock()
	return cp, nil
}

// GetDevice returns a copy of the device, if known.
func (r *Registry) GetDevice(ieee string) (*store.Device, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	dev, ok := r.devices[ieee]
	if !ok {
		return nil, false
	}
	return dev.Clone(), true
}

// ListDevices returns copies of all known devices, ordered by IEEE address.
func (r *Registry) ListDevices() []*store.Device {
	r.mu.RLock()
	list := make([]*store.Device, 0, len(r.devices))
	for _, d := range r.devices {
		list = append(list, d.Clone())
	}
	r.mu.RUnlock()

	slices.SortFunc(list, func(a, b *store.Device) int {
		return strings.Compare(a.IEEE, b.IEEE)
	})
	return list
}

// CreateGroup creates a new empty group.
func (r *Registry) CreateGroup(id uint16, name string) (*store.Group, error) {
	r.mu.Lock()
	if _, exists := r.groups[id]; exists {
		r.mu.Unlock()
		return nil, ErrGroupExists
	}
	g := &store.Group{ID: id, Name: name, Members: []string{}}
	r.groups[id] = g
	cp := g.Clone()
	r.persistGroup(cp)
	r.mu.Unlock()
	return cp, nil
}

// RemoveGroup deletes a group. Returns whether it existed.
func (r *Registry) RemoveGroup(id uint16) bool {
	r.mu.Lock()
	_, existed := r.groups[id]
	delete(r.groups, id)
	if existed && r.st != nil {
		if err := r.st.DeleteGroup(id); err != nil {
			r.logger.Error("delete group", "err", err, "group", id)
		}
	}
	r.mu.Unlock()
	return existed
}

// AddGroupMember adds a known device to a group. Adding an existing member
// is a no-op.
func (r *Registry) AddGroupMember(id uint16, ieee string) (*store.Group, error) {
	r.mu.Lock()
	g, ok := r.groups[id]
	if !ok {
		r.mu.Unlock()
		return nil, ErrGroupNotFound
	}
	if _, ok := r.devices[ieee]; !ok {
		r.mu.Unlock()
		return nil, ErrDeviceNotFound
	}
	if !slices.Contains(g.Members, ieee) {
		g.Members = append(g.Members, ieee)
	}
	cp := g.Clone()
	r.persistGroup(cp)
	r.mu.Unlock()
	return cp, nil
}

// RemoveGroupMember removes a device from a group. Removing a non-member
// is a no-op.
func (r *Registry) RemoveGroupMember(id uint16, ieee string) (*store.Group, error) {
	r.mu.Lock()
	g, ok := r.groups[id]
	if !ok {
		r.mu.Unlock()
		return nil, ErrGroupNotFound
	}
	if i := slices.Index(g.Members, ieee); i >= 0 {
		g.Members = slices.Delete(g.Members, i, i+1)
	}
	cp := g.Clone()
	r.persistGroup(cp)
	r.mu.Unlock()
	return cp, nil
}

// GetGroup returns a copy of the group, if known.
func (r *Registry) GetGroup(id uint16) (*store.Group, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	g, ok := r.groups[id]
	if !ok {
		return nil, false
	}
	return g.Clone(), true
}

// ListGroups returns copies of all groups, ordered by id.
func (r *Registry) ListGroups() []*store.Group {
	r.mu.RLock()
	list := make([]*store.Group, 0, len(r.groups))
	for _, g := range r.groups {
		list = append(list, g.Clone())
	}
	r.mu.RUnlock()

	slices.SortFunc(list, func(a, b *store.Group) int {
		return int(a.ID) - int(b.ID)
	})
	return list
}
