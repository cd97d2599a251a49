package radio

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"testing"
)

func TestParseIEEE(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    [8]byte
		wantErr bool
	}{
		{
			"hex string no colons",
			"00124B001234ABCD",
			[8]byte{0x00, 0x12, 0x4B, 0x00, 0x12, 0x34, 0xAB, 0xCD},
			false,
		},
		{
			"hex string with colons",
			"00:12:4B:00:12:34:AB:CD",
			[8]byte{0x00, 0x12, 0x4B, 0x00, 0x12, 0x34, 0xAB, 0xCD},
			false,
		},
		{
			"all zeros",
			"0000000000000000",
			[8]byte{},
			false,
		},
		{
			"too short",
			"00124B",
			[8]byte{},
			true,
		},
		{
			"too long",
			"00124B001234ABCD00",
			[8]byte{},
			true,
		},
		{
			"invalid hex",
			"ZZZZZZZZZZZZZZZZ",
			[8]byte{},
			true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseIEEE(tt.input)
			if (err != nil) != tt.wantErr {
				t.Errorf("ParseIEEE(%q) error = %v, wantErr %v", tt.input, err, tt.wantErr)
				return
			}
			if !tt.wantErr && got != tt.want {
				t.Errorf("ParseIEEE(%q) = %X, want %X", tt.input, got, tt.want)
			}
		})
	}
}

func TestNormalizeIEEE(t *testing.T) {
	got, err := NormalizeIEEE("00124B001234ABCD")
	if err != nil {
		t.Fatal(err)
	}
	want := "00:12:4b:00:12:34:ab:cd"
	if got != want {
		t.Errorf("NormalizeIEEE = %q, want %q", got, want)
	}

	// Colon form normalizes to itself.
	got2, err := NormalizeIEEE(want)
	if err != nil {
		t.Fatal(err)
	}
	if got2 != want {
		t.Errorf("NormalizeIEEE(%q) = %q, want unchanged", want, got2)
	}

	if _, err := NormalizeIEEE("nonsense"); err == nil {
		t.Error("expected error for invalid address")
	}
}

func newSim(t *testing.T) *Sim {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	s := NewSim(NetworkConfig{Channel: 15, PanID: 0x1A62}, logger)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSimIndicationOrder(t *testing.T) {
	s := newSim(t)

	var order []string
	s.OnDeviceJoined(func(evt DeviceJoinedEvent) {
		order = append(order, "join:"+evt.IEEE)
	})
	s.OnAttributeReport(func(evt AttributeReportEvent) {
		order = append(order, "report:"+evt.Attribute)
	})
	s.OnDeviceLeft(func(evt DeviceLeftEvent) {
		order = append(order, "left:"+evt.IEEE)
	})

	s.JoinDevice(DeviceJoinedEvent{IEEE: "aa", NWK: 1})
	s.ReportAttribute(AttributeReportEvent{IEEE: "aa", Attribute: "on_off", Value: true})
	s.LeaveDevice("aa")
	s.Flush()

	want := []string{"join:aa", "report:on_off", "left:aa"}
	if len(order) != len(want) {
		t.Fatalf("order = %v, want %v", order, want)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("order = %v, want %v", order, want)
		}
	}
}

func TestSimStartErrInjection(t *testing.T) {
	s := newSim(t)
	s.StartErr = errors.New("serial port gone")

	if err := s.Start(context.Background()); err == nil {
		t.Fatal("expected injected start error")
	}
}

func TestSimRemoveDeviceEmitsLeft(t *testing.T) {
	s := newSim(t)

	var left []string
	s.OnDeviceLeft(func(evt DeviceLeftEvent) {
		left = append(left, evt.IEEE)
	})

	s.JoinDevice(DeviceJoinedEvent{IEEE: "aa", NWK: 1})
	if err := s.RemoveDevice(context.Background(), "aa"); err != nil {
		t.Fatal(err)
	}
	s.Flush()

	if len(left) != 1 || left[0] != "aa" {
		t.Errorf("left = %v, want [aa]", left)
	}
}
