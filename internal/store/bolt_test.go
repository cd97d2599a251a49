package store

import (
	"errors"
	"path/filepath"
	"testing"
	"time"
)

func newTestStore(t *testing.T) *BoltStore {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	s, err := NewBoltStore(path)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSaveAndGetDevice(t *testing.T) {
	s := newTestStore(t)

	dev := &Device{
		IEEE:         "00:15:8d:00:01:2a:3b:4c",
		NWK:          0x1234,
		Manufacturer: "LUMI",
		Model:        "lumi.sensor_magnet.aq2",
		Available:    true,
		JoinedAt:     time.Now().Truncate(time.Millisecond),
		LastSeen:     time.Now().Truncate(time.Millisecond),
		Endpoints: []Endpoint{
			{ID: 1, ProfileID: 0x0104, DeviceID: 0x0015, InClusters: []uint16{0, 6}, OutClusters: []uint16{6}},
		},
		Attributes: map[string]any{"contact": true},
	}

	if err := s.SaveDevice(dev); err != nil {
		t.Fatal(err)
	}

	got, err := s.GetDevice(dev.IEEE)
	if err != nil {
		t.Fatal(err)
	}

	if got.IEEE != dev.IEEE {
		t.Errorf("ieee = %q, want %q", got.IEEE, dev.IEEE)
	}
	if got.NWK != dev.NWK {
		t.Errorf("nwk = 0x%04X, want 0x%04X", got.NWK, dev.NWK)
	}
	if got.Manufacturer != dev.Manufacturer {
		t.Errorf("manufacturer = %q, want %q", got.Manufacturer, dev.Manufacturer)
	}
	if got.Model != dev.Model {
		t.Errorf("model = %q, want %q", got.Model, dev.Model)
	}
	if !got.Available {
		t.Error("available = false, want true")
	}
	if len(got.Endpoints) != 1 {
		t.Fatalf("endpoints = %d, want 1", len(got.Endpoints))
	}
	if got.Endpoints[0].ID != 1 {
		t.Errorf("ep id = %d, want 1", got.Endpoints[0].ID)
	}
	if v, ok := got.Attributes["contact"].(bool); !ok || !v {
		t.Errorf("attributes[contact] = %v, want true", got.Attributes["contact"])
	}
}

func TestDeleteDevice(t *testing.T) {
	s := newTestStore(t)

	dev := &Device{IEEE: "00:15:8d:00:01:2a:3b:4c", NWK: 0x1234}
	if err := s.SaveDevice(dev); err != nil {
		t.Fatal(err)
	}

	if err := s.DeleteDevice(dev.IEEE); err != nil {
		t.Fatal(err)
	}

	_, err := s.GetDevice(dev.IEEE)
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestListDevices(t *testing.T) {
	s := newTestStore(t)

	devs := []*Device{
		{IEEE: "00:00:00:00:00:00:00:01", NWK: 0x0001},
		{IEEE: "00:00:00:00:00:00:00:02", NWK: 0x0002},
		{IEEE: "00:00:00:00:00:00:00:03", NWK: 0x0003},
	}
	for _, d := range devs {
		if err := s.SaveDevice(d); err != nil {
			t.Fatal(err)
		}
	}

	list, err := s.ListDevices()
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != 3 {
		t.Fatalf("list count = %d, want 3", len(list))
	}

	// Verify all devices present.
	found := make(map[string]bool)
	for _, d := range list {
		found[d.IEEE] = true
	}
	for _, d := range devs {
		if !found[d.IEEE] {
			t.Errorf("device %s not in list", d.IEEE)
		}
	}
}

func TestGetDeviceNotFound(t *testing.T) {
	s := newTestStore(t)

	_, err := s.GetDevice("ff:ff:ff:ff:ff:ff:ff:ff")
	if err == nil {
		t.Fatal("expected error, got nil")
	}
}

func TestSaveAndGetGroup(t *testing.T) {
	s := newTestStore(t)

	group := &Group{
		ID:      0x0002,
		Name:    "living room",
		Members: []string{"00:00:00:00:00:00:00:01", "00:00:00:00:00:00:00:02"},
	}

	if err := s.SaveGroup(group); err != nil {
		t.Fatal(err)
	}

	got, err := s.GetGroup(group.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Name != group.Name {
		t.Errorf("name = %q, want %q", got.Name, group.Name)
	}
	if len(got.Members) != 2 {
		t.Fatalf("members = %d, want 2", len(got.Members))
	}

	if err := s.DeleteGroup(group.ID); err != nil {
		t.Fatal(err)
	}
	if _, err := s.GetGroup(group.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("err after delete = %v, want ErrNotFound", err)
	}
}

func TestListGroups(t *testing.T) {
	s := newTestStore(t)

	for id := uint16(1); id <= 3; id++ {
		if err := s.SaveGroup(&Group{ID: id}); err != nil {
			t.Fatal(err)
		}
	}

	groups, err := s.ListGroups()
	if err != nil {
		t.Fatal(err)
	}
	if len(groups) != 3 {
		t.Fatalf("groups = %d, want 3", len(groups))
	}
}

func TestSaveAndGetNetworkState(t *testing.T) {
	s := newTestStore(t)

	state := &NetworkState{
		Channel: 15,
		PanID:   0x1A62,
		Formed:  true,
	}

	if err := s.SaveNetworkState(state); err != nil {
		t.Fatal(err)
	}

	got, err := s.GetNetworkState()
	if err != nil {
		t.Fatal(err)
	}

	if got.Channel != state.Channel {
		t.Errorf("channel = %d, want %d", got.Channel, state.Channel)
	}
	if got.PanID != state.PanID {
		t.Errorf("pan_id = 0x%04X, want 0x%04X", got.PanID, state.PanID)
	}
	if !got.Formed {
		t.Error("formed = false, want true")
	}
}
