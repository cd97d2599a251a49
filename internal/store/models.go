package store

import "time"

// Device represents a Zigbee device known to the coordinator.
type Device struct {
	IEEE         string         `json:"ieee"`
	NWK          uint16         `json:"nwk"`
	Manufacturer string         `json:"manufacturer,omitempty"`
	Model        string         `json:"model,omitempty"`
	FriendlyName string         `json:"friendly_name,omitempty"`
	Endpoints    []Endpoint     `json:"endpoints,omitempty"`
	Available    bool           `json:"available"`
	JoinedAt     time.Time      `json:"joined_at"`
	LastSeen     time.Time      `json:"last_seen"`
	Attributes   map[string]any `json:"attributes,omitempty"`
}

// Clone returns a deep copy of the device.
func (d *Device) Clone() *Device {
	cp := *d
	if d.Endpoints != nil {
		cp.Endpoints = make([]Endpoint, len(d.Endpoints))
		copy(cp.Endpoints, d.Endpoints)
	}
	if d.Attributes != nil {
		cp.Attributes = make(map[string]any, len(d.Attributes))
		for k, v := range d.Attributes {
			cp.Attributes[k] = v
		}
	}
	return &cp
}

// Endpoint represents a device endpoint.
type Endpoint struct {
	ID          uint8    `json:"id"`
	ProfileID   uint16   `json:"profile_id"`
	DeviceID    uint16   `json:"device_id"`
	InClusters  []uint16 `json:"in_clusters"`
	OutClusters []uint16 `json:"out_clusters"`
}

// Group represents a Zigbee group and its member devices.
type Group struct {
	ID      uint16   `json:"id"`
	Name    string   `json:"name,omitempty"`
	Members []string `json:"members"`
}

// Clone returns a deep copy of the group.
func (g *Group) Clone() *Group {
	cp := *g
	cp.Members = make([]string, len(g.Members))
	copy(cp.Members, g.Members)
	return &cp
}

// NetworkState holds persisted network configuration.
type NetworkState struct {
	Channel uint8  `json:"channel"`
	PanID   uint16 `json:"pan_id"`
	Formed  bool   `json:"formed"`
}
