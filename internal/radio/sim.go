package radio

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Sim is an in-process radio backend for development and tests. It keeps a
// set of fake joined devices and delivers indications from a single
// goroutine, matching the ordering guarantee of real backends.
type Sim struct {
	logger *slog.Logger
	cfg    NetworkConfig

	// Failure/latency injection for tests.
	StartErr   error
	StopErr    error
	StartDelay time.Duration

	mu      sync.Mutex
	running bool
	devices map[string]DeviceJoinedEvent

	onJoined []func(DeviceJoinedEvent)
	onLeft   []func(DeviceLeftEvent)
	onReport []func(AttributeReportEvent)

	indications chan func()
	done        chan struct{}
	closeOnce   sync.Once
}

// NewSim creates a simulated radio backend.
func NewSim(cfg NetworkConfig, logger *slog.Logger) *Sim {
	s := &Sim{
		logger:      logger.With("component", "radio_sim"),
		cfg:         cfg,
		devices:     make(map[string]DeviceJoinedEvent),
		indications: make(chan func(), 64),
		done:        make(chan struct{}),
	}
	go s.dispatchLoop()
	return s
}

func (s *Sim) dispatchLoop() {
	for {
		select {
		case fn := <-s.indications:
			fn()
		case <-s.done:
			return
		}
	}
}

// Start brings up the simulated network session.
func (s *Sim) Start(ctx context.Context) error {
	if s.StartDelay > 0 {
		select {
		case <-time.After(s.StartDelay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if s.StartErr != nil {
		return s.StartErr
	}
	s.mu.Lock()
	s.running = true
	s.mu.Unlock()
	s.logger.Info("simulated network started", "channel", s.cfg.Channel, "pan_id", s.cfg.PanID)
	return nil
}

// Stop tears down the simulated network session.
func (s *Sim) Stop(ctx context.Context) error {
	if s.StopErr != nil {
		return s.StopErr
	}
	s.mu.Lock()
	s.running = false
	s.mu.Unlock()
	s.logger.Info("simulated network stopped")
	return nil
}

// PermitJoin accepts the join window. The sim does not gate JoinDevice on
// it: tests inject joins directly.
func (s *Sim) PermitJoin(ctx context.Context, duration uint8) error {
	s.logger.Info("permit join", "duration", duration)
	return nil
}

// RemoveDevice removes a device and emits a leave indication for it.
func (s *Sim) RemoveDevice(ctx context.Context, ieee string) error {
	s.mu.Lock()
	delete(s.devices, ieee)
	s.mu.Unlock()
	s.emitLeft(DeviceLeftEvent{IEEE: ieee})
	return nil
}

func (s *Sim) OnDeviceJoined(handler func(DeviceJoinedEvent)) {
	s.mu.Lock()
	s.onJoined = append(s.onJoined, handler)
	s.mu.Unlock()
}

func (s *Sim) OnDeviceLeft(handler func(DeviceLeftEvent)) {
	s.mu.Lock()
	s.onLeft = append(s.onLeft, handler)
	s.mu.Unlock()
}

func (s *Sim) OnAttributeReport(handler func(AttributeReportEvent)) {
	s.mu.Lock()
	s.onReport = append(s.onReport, handler)
	s.mu.Unlock()
}

// Close shuts down the indication dispatch goroutine.
func (s *Sim) Close() error {
	s.closeOnce.Do(func() { close(s.done) })
	return nil
}

// JoinDevice simulates a device joining the network.
func (s *Sim) JoinDevice(evt DeviceJoinedEvent) {
	s.mu.Lock()
	s.devices[evt.IEEE] = evt
	handlers := append([]func(DeviceJoinedEvent){}, s.onJoined...)
	s.mu.Unlock()
	s.enqueue(func() {
		for _, h := range handlers {
			h(evt)
		}
	})
}

// LeaveDevice simulates a device leaving on its own.
func (s *Sim) LeaveDevice(ieee string) {
	s.mu.Lock()
	delete(s.devices, ieee)
	s.mu.Unlock()
	s.emitLeft(DeviceLeftEvent{IEEE: ieee})
}

// ReportAttribute simulates an unsolicited attribute report.
func (s *Sim) ReportAttribute(evt AttributeReportEvent) {
	s.mu.Lock()
	handlers := append([]func(AttributeReportEvent){}, s.onReport...)
	s.mu.Unlock()
	s.enqueue(func() {
		for _, h := range handlers {
			h(evt)
		}
	})
}

func (s *Sim) emitLeft(evt DeviceLeftEvent) {
	s.mu.Lock()
	handlers := append([]func(DeviceLeftEvent){}, s.onLeft...)
	s.mu.Unlock()
	s.enqueue(func() {
		for _, h := range handlers {
			h(evt)
		}
	})
}

func (s *Sim) enqueue(fn func()) {
	select {
	case s.indications <- fn:
	case <-s.done:
	}
}

// Flush blocks until all queued indications have been dispatched.
func (s *Sim) Flush() {
	ack := make(chan struct{})
	s.enqueue(func() { close(ack) })
	select {
	case <-ack:
	case <-s.done:
	}
}
