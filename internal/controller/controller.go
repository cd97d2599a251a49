// Package controller owns the network lifecycle state machine and the single
// logical radio session. All lifecycle and provisioning operations funnel
// through one transition slot; domain events flow out through the EventBus.
package controller

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"zigbee-ws-server/internal/radio"
	"zigbee-ws-server/internal/registry"
	"zigbee-ws-server/internal/store"
)

// ErrBusy is returned when a lifecycle transition or provisioning operation
// is already in flight.
var ErrBusy = errors.New("network operation already in progress")

const defaultOpTimeout = 30 * time.Second

// Config holds controller configuration.
type Config struct {
	Channel   uint8
	PanID     uint16
	OpTimeout time.Duration
}

// Controller drives the radio session and the network state machine.
type Controller struct {
	radio  radio.Radio
	reg    *registry.Registry
	events *EventBus
	st     store.Store // optional, for persisting network formation
	logger *slog.Logger
	cfg    Config

	mu    sync.Mutex
	state State
	busy  bool
}

// New creates a controller and wires the radio's indications into the
// registry and event bus.
func New(r radio.Radio, reg *registry.Registry, events *EventBus, st store.Store, cfg Config, logger *slog.Logger) *Controller {
	if cfg.OpTimeout <= 0 {
		cfg.OpTimeout = defaultOpTimeout
	}
	c := &Controller{
		radio:  r,
		reg:    reg,
		events: events,
		st:     st,
		logger: logger.With("component", "controller"),
		cfg:    cfg,
		state:  Uninitialized,
	}
	r.OnDeviceJoined(c.handleDeviceJoined)
	r.OnDeviceLeft(c.handleDeviceLeft)
	r.OnAttributeReport(c.handleAttributeReport)
	return c
}

// State returns the current network state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Events returns the event bus.
func (c *Controller) Events() *EventBus {
	return c.events
}

// Registry returns the device and group registry.
func (c *Controller) Registry() *registry.Registry {
	return c.reg
}

// beginTransition claims the single transition slot and moves to the interim
// state. Returns ErrBusy if a transition or provisioning operation is
// pending, or a StateError if the current state does not allow op.
func (c *Controller) beginTransition(op string, interim State, from ...State) error {
	c.mu.Lock()
	if c.busy {
		c.mu.Unlock()
		return ErrBusy
	}
	allowed := false
	for _, s := range from {
		if c.state == s {
			allowed = true
			break
		}
	}
	if !allowed {
		err := &StateError{Op: op, State: c.state}
		c.mu.Unlock()
		return err
	}
	c.busy = true
	c.state = interim
	// Emit while still holding the lock: the next transition cannot begin
	// (and publish its own events) until this one's emission is out, so
	// clients always observe state changes in transition order.
	c.emitState(interim)
	c.mu.Unlock()
	return nil
}

// finishTransition releases the transition slot and settles in final. The
// final state is emitted under the lock for the same ordering reason as in
// beginTransition.
func (c *Controller) finishTransition(final State) {
	c.mu.Lock()
	c.state = final
	c.busy = false
	c.emitState(final)
	c.mu.Unlock()
}

// emitState publishes a state change. Called with c.mu held; bus handlers
// must not block (the hub's Broadcast is non-blocking) and must not call
// back into the controller.
func (c *Controller) emitState(s State) {
	c.logger.Info("network state", "state", s.String())
	c.events.Emit(Event{
		Type: EventNetworkStateChanged,
		Data: map[string]any{"state": s.String()},
	})
}

// StartNetwork brings up the radio session. Permitted from Uninitialized,
// Stopped, and Failed. Failures settle the state machine in Failed and are
// surfaced to the caller verbatim; there are no internal retries.
func (c *Controller) StartNetwork(ctx context.Context) error {
	if err := c.beginTransition("start network", Starting, Uninitialized, Stopped, Failed); err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, c.cfg.OpTimeout)
	defer cancel()

	if err := c.radio.Start(ctx); err != nil {
		c.finishTransition(Failed)
		return &RadioError{Op: "start network", Err: err}
	}

	if c.st != nil {
		state := &store.NetworkState{Channel: c.cfg.Channel, PanID: c.cfg.PanID, Formed: true}
		if err := c.st.SaveNetworkState(state); err != nil {
			c.logger.Error("save network state", "err", err)
		}
	}

	c.finishTransition(Running)
	c.logger.Info("network started", "channel", c.cfg.Channel, "pan_id", fmt.Sprintf("0x%04X", c.cfg.PanID))
	return nil
}

// StopNetwork tears down the radio session. Permitted only from Running.
func (c *Controller) StopNetwork(ctx context.Context) error {
	if err := c.beginTransition("stop network", Stopping, Running); err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, c.cfg.OpTimeout)
	defer cancel()

	if err := c.radio.Stop(ctx); err != nil {
		c.finishTransition(Failed)
		return &RadioError{Op: "stop network", Err: err}
	}

	c.finishTransition(Stopped)
	c.logger.Info("network stopped")
	return nil
}

// beginOp claims the transition slot for a pass-through provisioning
// operation without changing state. Requires Running.
func (c *Controller) beginOp(op string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != Running {
		return &StateError{Op: op, State: c.state}
	}
	if c.busy {
		return ErrBusy
	}
	c.busy = true
	return nil
}

func (c *Controller) endOp() {
	c.mu.Lock()
	c.busy = false
	c.mu.Unlock()
}

// PermitJoin opens a time-bounded join window on the radio.
func (c *Controller) PermitJoin(ctx context.Context, duration uint8) error {
	if err := c.beginOp("permit joining"); err != nil {
		return err
	}
	defer c.endOp()

	ctx, cancel := context.WithTimeout(ctx, c.cfg.OpTimeout)
	defer cancel()

	if err := c.radio.PermitJoin(ctx, duration); err != nil {
		return &RadioError{Op: "permit join", Err: err}
	}

	c.logger.Info("permit join", "duration", duration)
	c.mu.Lock()
	c.events.Emit(Event{
		Type: EventPermitJoin,
		Data: map[string]any{"duration": duration},
	})
	c.mu.Unlock()
	return nil
}

// RemoveDevice asks the radio to remove a device from the network. Registry
// cleanup happens when the radio reports the device gone, so removal of an
// address the registry never knew is a no-op rather than an error.
func (c *Controller) RemoveDevice(ctx context.Context, ieee string) error {
	if err := c.beginOp("remove device"); err != nil {
		return err
	}
	defer c.endOp()

	ctx, cancel := context.WithTimeout(ctx, c.cfg.OpTimeout)
	defer cancel()

	if err := c.radio.RemoveDevice(ctx, ieee); err != nil {
		return &RadioError{Op: "remove device", Err: err}
	}
	return nil
}

// RenameDevice sets a device's friendly name in the registry. The mutation
// and its emission happen under the controller lock so concurrent commands
// broadcast their events in mutation order.
func (c *Controller) RenameDevice(ieee, name string) (*store.Device, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	dev, err := c.reg.RenameDevice(ieee, name)
	if err != nil {
		return nil, err
	}
	c.events.Emit(Event{
		Type: EventDeviceRenamed,
		Data: map[string]any{"ieee": ieee, "friendly_name": name},
	})
	return dev, nil
}

// CreateGroup creates a new group. Requires Running.
func (c *Controller) CreateGroup(id uint16, name string) (*store.Group, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.requireRunningLocked("create group"); err != nil {
		return nil, err
	}
	g, err := c.reg.CreateGroup(id, name)
	if err != nil {
		return nil, err
	}
	c.events.Emit(Event{
		Type: EventGroupAdded,
		Data: map[string]any{"group_id": id, "name": name},
	})
	return g, nil
}

// RemoveGroup deletes a group. Requires Running.
func (c *Controller) RemoveGroup(id uint16) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.requireRunningLocked("remove group"); err != nil {
		return err
	}
	if !c.reg.RemoveGroup(id) {
		return registry.ErrGroupNotFound
	}
	c.events.Emit(Event{
		Type: EventGroupRemoved,
		Data: map[string]any{"group_id": id},
	})
	return nil
}

// AddGroupMember adds a known device to a group. Requires Running.
func (c *Controller) AddGroupMember(id uint16, ieee string) (*store.Group, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.requireRunningLocked("add group member"); err != nil {
		return nil, err
	}
	g, err := c.reg.AddGroupMember(id, ieee)
	if err != nil {
		return nil, err
	}
	c.events.Emit(Event{
		Type: EventGroupMemberAdded,
		Data: map[string]any{"group_id": id, "ieee": ieee},
	})
	return g, nil
}

// RemoveGroupMember removes a device from a group. Requires Running.
func (c *Controller) RemoveGroupMember(id uint16, ieee string) (*store.Group, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.requireRunningLocked("remove group member"); err != nil {
		return nil, err
	}
	g, err := c.reg.RemoveGroupMember(id, ieee)
	if err != nil {
		return nil, err
	}
	c.events.Emit(Event{
		Type: EventGroupMemberRemoved,
		Data: map[string]any{"group_id": id, "ieee": ieee},
	})
	return g, nil
}

// RequireRunning returns a StateError unless the network is Running. Command
// handlers use it to gate device and group operations.
func (c *Controller) RequireRunning(op string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.requireRunningLocked(op)
}

func (c *Controller) requireRunningLocked(op string) error {
	if c.state != Running {
		return &StateError{Op: op, State: c.state}
	}
	return nil
}

// NetworkInfo returns current network information.
func (c *Controller) NetworkInfo() map[string]any {
	return map[string]any{
		"state":   c.State().String(),
		"channel": c.cfg.Channel,
		"pan_id":  fmt.Sprintf("0x%04X", c.cfg.PanID),
	}
}

// Indication handlers run on the radio's dispatch goroutine. They take the
// controller lock so their registry writes and emissions serialize with
// command-driven mutations.
func (c *Controller) handleDeviceJoined(evt radio.DeviceJoinedEvent) {
	c.mu.Lock()
	defer c.mu.Unlock()
	dev := c.reg.UpsertDevice(evt.IEEE, evt.NWK, evt.Manufacturer, evt.Model)
	c.logger.Info("device joined", "ieee", evt.IEEE, "nwk", fmt.Sprintf("0x%04X", evt.NWK))
	c.events.Emit(Event{
		Type: EventDeviceJoined,
		Data: map[string]any{
			"ieee":         dev.IEEE,
			"nwk":          dev.NWK,
			"manufacturer": dev.Manufacturer,
			"model":        dev.Model,
		},
	})
}

func (c *Controller) handleDeviceLeft(evt radio.DeviceLeftEvent) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.reg.RemoveDevice(evt.IEEE) {
		c.logger.Debug("leave for unknown device", "ieee", evt.IEEE)
		return
	}
	c.logger.Info("device left", "ieee", evt.IEEE)
	c.events.Emit(Event{
		Type: EventDeviceLeft,
		Data: map[string]any{"ieee": evt.IEEE},
	})
}

func (c *Controller) handleAttributeReport(evt radio.AttributeReportEvent) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.reg.SetAttribute(evt.IEEE, evt.Attribute, evt.Value) {
		c.logger.Debug("attribute report for unknown device", "ieee", evt.IEEE, "attribute", evt.Attribute)
		return
	}
	c.logger.Debug("attribute updated", "ieee", evt.IEEE, "attribute", evt.Attribute, "value", evt.Value)
	c.events.Emit(Event{
		Type: EventAttributeUpdated,
		Data: map[string]any{
			"ieee":      evt.IEEE,
			"attribute": evt.Attribute,
			"value":     evt.Value,
		},
	})
}
