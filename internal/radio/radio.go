// Package radio defines the interface to the Zigbee radio coordinator.
// The radio owns the wireless MAC/NWK/APS layers; this server only drives
// its lifecycle and consumes its indications.
package radio

import (
	"context"
	"encoding/hex"
	"fmt"
	"strings"
)

// Radio is the abstract interface for a Zigbee coordinator radio session.
type Radio interface {
	// Lifecycle
	Start(ctx context.Context) error
	Stop(ctx context.Context) error

	// Provisioning
	PermitJoin(ctx context.Context, duration uint8) error
	RemoveDevice(ctx context.Context, ieee string) error

	// Indication callbacks. Indications are delivered sequentially from a
	// single radio goroutine, so handlers observe them in emission order.
	OnDeviceJoined(handler func(DeviceJoinedEvent))
	OnDeviceLeft(handler func(DeviceLeftEvent))
	OnAttributeReport(handler func(AttributeReportEvent))

	// Lifecycle
	Close() error
}

// NetworkConfig holds parameters for network formation.
type NetworkConfig struct {
	Channel uint8
	PanID   uint16
}

// DeviceJoinedEvent is emitted when a device joins the network.
type DeviceJoinedEvent struct {
	IEEE         string
	NWK          uint16
	Manufacturer string
	Model        string
}

// DeviceLeftEvent is emitted when a device leaves or is removed.
type DeviceLeftEvent struct {
	IEEE string
}

// AttributeReportEvent is emitted for unsolicited attribute reports.
// The radio stack decodes ZCL values; the server sees named attributes.
type AttributeReportEvent struct {
	IEEE      string
	Attribute string
	Value     any
}

// ParseIEEE parses "dd:dd:dd:dd:dd:dd:dd:dd" or "dddddddddddddddd" into [8]byte.
func ParseIEEE(s string) ([8]byte, error) {
	var result [8]byte
	s = strings.ReplaceAll(s, ":", "")
	b, err := hex.DecodeString(s)
	if err != nil {
		return result, fmt.Errorf("parse ieee address: %w", err)
	}
	if len(b) != 8 {
		return result, fmt.Errorf("ieee address must be 8 bytes, got %d", len(b))
	}
	copy(result[:], b)
	return result, nil
}

// FormatIEEE renders an IEEE address in its canonical colon-separated form.
func FormatIEEE(addr [8]byte) string {
	parts := make([]string, 8)
	for i, b := range addr {
		parts[i] = fmt.Sprintf("%02x", b)
	}
	return strings.Join(parts, ":")
}

// NormalizeIEEE parses and re-renders an IEEE address so that both colon and
// plain-hex spellings map to the same registry key.
func NormalizeIEEE(s string) (string, error) {
	addr, err := ParseIEEE(s)
	if err != nil {
		return "", err
	}
	return FormatIEEE(addr), nil
}
