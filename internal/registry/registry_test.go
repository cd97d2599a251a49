package registry

import (
	"errors"
	"log/slog"
	"os"
	"sync"
	"testing"

	"zigbee-ws-server/internal/store"
)

// memStore is a minimal in-memory store for registry tests.
type memStore struct {
	mu       sync.Mutex
	devices  map[string]*store.Device
	groups   map[uint16]*store.Group
	netState *store.NetworkState
}

func newMemStore() *memStore {
	return &memStore{
		devices: make(map[string]*store.Device),
		groups:  make(map[uint16]*store.Group),
	}
}

func (m *memStore) SaveDevice(dev *store.Device) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.devices[dev.IEEE] = dev
	return nil
}
func (m *memStore) GetDevice(ieee string) (*store.Device, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.devices[ieee]
	if !ok {
		return nil, store.ErrNotFound
	}
	return d, nil
}
func (m *memStore) DeleteDevice(ieee string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.devices, ieee)
	return nil
}
func (m *memStore) ListDevices() ([]*store.Device, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	list := make([]*store.Device, 0, len(m.devices))
	for _, d := range m.devices {
		list = append(list, d)
	}
	return list, nil
}
func (m *memStore) SaveGroup(g *store.Group) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.groups[g.ID] = g
	return nil
}
func (m *memStore) GetGroup(id uint16) (*store.Group, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	g, ok := m.groups[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return g, nil
}
func (m *memStore) DeleteGroup(id uint16) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.groups, id)
	return nil
}
func (m *memStore) ListGroups() ([]*store.Group, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	list := make([]*store.Group, 0, len(m.groups))
	for _, g := range m.groups {
		list = append(list, g)
	}
	return list, nil
}
func (m *memStore) SaveNetworkState(s *store.NetworkState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.netState = s
	return nil
}
func (m *memStore) GetNetworkState() (*store.NetworkState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.netState == nil {
		return nil, store.ErrNotFound
	}
	return m.netState, nil
}
func (m *memStore) Close() error { return nil }

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

const (
	ieee1 = "00:11:22:33:44:55:66:77"
	ieee2 = "00:11:22:33:44:55:66:88"
)

func TestUpsertDeviceCreatesAndMerges(t *testing.T) {
	r := New(nil, testLogger())

	dev := r.UpsertDevice(ieee1, 0x1234, "LUMI", "lumi.sensor_magnet.aq2")
	if dev.NWK != 0x1234 {
		t.Errorf("nwk = 0x%04X, want 0x1234", dev.NWK)
	}
	if !dev.Available {
		t.Error("available = false, want true")
	}
	if !r.SetAttribute(ieee1, "contact", true) {
		t.Fatal("SetAttribute returned false for known device")
	}

	// Rejoin with a new short address keeps attributes and identity.
	dev = r.UpsertDevice(ieee1, 0x5678, "", "")
	if dev.NWK != 0x5678 {
		t.Errorf("nwk after rejoin = 0x%04X, want 0x5678", dev.NWK)
	}
	if dev.Manufacturer != "LUMI" {
		t.Errorf("manufacturer lost on rejoin: %q", dev.Manufacturer)
	}
	if v, ok := dev.Attributes["contact"].(bool); !ok || !v {
		t.Errorf("attributes lost on rejoin: %v", dev.Attributes)
	}

	if got := len(r.ListDevices()); got != 1 {
		t.Errorf("device count = %d, want 1", got)
	}
}

func TestSetAttributeLastWriterWins(t *testing.T) {
	r := New(nil, testLogger())
	r.UpsertDevice(ieee1, 0x0001, "", "")

	r.SetAttribute(ieee1, "temperature", 21)
	r.SetAttribute(ieee1, "humidity", 40)
	r.SetAttribute(ieee1, "temperature", 22)

	dev, ok := r.GetDevice(ieee1)
	if !ok {
		t.Fatal("device missing")
	}
	if dev.Attributes["temperature"] != 22 {
		t.Errorf("temperature = %v, want 22", dev.Attributes["temperature"])
	}
	if dev.Attributes["humidity"] != 40 {
		t.Errorf("humidity = %v, want 40", dev.Attributes["humidity"])
	}
}

func TestSetAttributeUnknownDevice(t *testing.T) {
	r := New(nil, testLogger())
	if r.SetAttribute(ieee1, "temperature", 21) {
		t.Error("SetAttribute returned true for unknown device")
	}
}

func TestRemoveDeviceIdempotent(t *testing.T) {
	r := New(nil, testLogger())
	r.UpsertDevice(ieee1, 0x0001, "", "")

	if !r.RemoveDevice(ieee1) {
		t.Error("first remove = false, want true")
	}
	if r.RemoveDevice(ieee1) {
		t.Error("second remove = true, want false")
	}
	if _, ok := r.GetDevice(ieee1); ok {
		t.Error("device still present after remove")
	}
}

func TestRemoveDeviceStripsGroupMembership(t *testing.T) {
	r := New(nil, testLogger())
	r.UpsertDevice(ieee1, 0x0001, "", "")
	if _, err := r.CreateGroup(1, "lights"); err != nil {
		t.Fatal(err)
	}
	if _, err := r.AddGroupMember(1, ieee1); err != nil {
		t.Fatal(err)
	}

	r.RemoveDevice(ieee1)

	g, ok := r.GetGroup(1)
	if !ok {
		t.Fatal("group missing")
	}
	if len(g.Members) != 0 {
		t.Errorf("members = %v, want empty", g.Members)
	}
}

func TestGroupLifecycle(t *testing.T) {
	r := New(nil, testLogger())
	r.UpsertDevice(ieee1, 0x0001, "", "")
	r.UpsertDevice(ieee2, 0x0002, "", "")

	if _, err := r.CreateGroup(7, "bedroom"); err != nil {
		t.Fatal(err)
	}
	if _, err := r.CreateGroup(7, "dup"); !errors.Is(err, ErrGroupExists) {
		t.Errorf("duplicate create err = %v, want ErrGroupExists", err)
	}

	if _, err := r.AddGroupMember(7, ieee1); err != nil {
		t.Fatal(err)
	}
	if _, err := r.AddGroupMember(7, ieee1); err != nil {
		t.Fatal("re-adding member should be a no-op, got", err)
	}
	g, err := r.AddGroupMember(7, ieee2)
	if err != nil {
		t.Fatal(err)
	}
	if len(g.Members) != 2 {
		t.Errorf("members = %d, want 2", len(g.Members))
	}

	if _, err := r.AddGroupMember(7, "ff:ff:ff:ff:ff:ff:ff:ff"); !errors.Is(err, ErrDeviceNotFound) {
		t.Errorf("unknown member err = %v, want ErrDeviceNotFound", err)
	}
	if _, err := r.AddGroupMember(9, ieee1); !errors.Is(err, ErrGroupNotFound) {
		t.Errorf("unknown group err = %v, want ErrGroupNotFound", err)
	}

	g, err = r.RemoveGroupMember(7, ieee1)
	if err != nil {
		t.Fatal(err)
	}
	if len(g.Members) != 1 || g.Members[0] != ieee2 {
		t.Errorf("members after remove = %v, want [%s]", g.Members, ieee2)
	}

	if !r.RemoveGroup(7) {
		t.Error("remove group = false, want true")
	}
	if r.RemoveGroup(7) {
		t.Error("second remove group = true, want false")
	}
}

func TestPersistenceRoundTrip(t *testing.T) {
	ms := newMemStore()

	r := New(ms, testLogger())
	r.UpsertDevice(ieee1, 0x0001, "IKEA", "TRADFRI bulb")
	r.SetAttribute(ieee1, "on_off", true)
	if _, err := r.CreateGroup(3, "hall"); err != nil {
		t.Fatal(err)
	}
	if _, err := r.AddGroupMember(3, ieee1); err != nil {
		t.Fatal(err)
	}

	// A fresh registry over the same store sees the persisted state.
	r2 := New(ms, testLogger())
	dev, ok := r2.GetDevice(ieee1)
	if !ok {
		t.Fatal("device not loaded from store")
	}
	if dev.Model != "TRADFRI bulb" {
		t.Errorf("model = %q", dev.Model)
	}
	if dev.Available {
		t.Error("loaded device should start unavailable")
	}
	g, ok := r2.GetGroup(3)
	if !ok {
		t.Fatal("group not loaded from store")
	}
	if len(g.Members) != 1 {
		t.Errorf("members = %v", g.Members)
	}
}

func TestListDevicesSorted(t *testing.T) {
	r := New(nil, testLogger())
	r.UpsertDevice(ieee2, 0x0002, "", "")
	r.UpsertDevice(ieee1, 0x0001, "", "")

	list := r.ListDevices()
	if len(list) != 2 {
		t.Fatalf("count = %d, want 2", len(list))
	}
	if list[0].IEEE != ieee1 || list[1].IEEE != ieee2 {
		t.Errorf("order = [%s %s], want [%s %s]", list[0].IEEE, list[1].IEEE, ieee1, ieee2)
	}
}

func TestPersistedStateMatchesMemoryUnderConcurrency(t *testing.T) {
	ms := newMemStore()
	r := New(ms, testLogger())
	r.UpsertDevice(ieee1, 0x0001, "", "")

	var wg sync.WaitGroup
	for n := 0; n < 4; n++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				r.SetAttribute(ieee1, "seq", n*1000+j)
			}
		}(n)
	}
	wg.Wait()

	// The last write to reach the store must be the last write the
	// registry applied; a save escaping the mutation's critical section
	// can land out of order and leave the store stale.
	dev, ok := r.GetDevice(ieee1)
	if !ok {
		t.Fatal("device missing")
	}
	saved, err := ms.GetDevice(ieee1)
	if err != nil {
		t.Fatal(err)
	}
	if saved.Attributes["seq"] != dev.Attributes["seq"] {
		t.Errorf("persisted seq = %v, registry seq = %v", saved.Attributes["seq"], dev.Attributes["seq"])
	}
}
