package server

import (
	"context"
	"encoding/json"

	"zigbee-ws-server/internal/radio"
	"zigbee-ws-server/internal/registry"
	"zigbee-ws-server/internal/store"
)

// Command names.
const (
	cmdStartNetwork      = "start_network"
	cmdStopNetwork       = "stop_network"
	cmdPermitJoining     = "permit_joining"
	cmdRemoveDevice      = "remove_device"
	cmdListDevices       = "list_devices"
	cmdGetDevice         = "get_device"
	cmdRenameDevice      = "rename_device"
	cmdCreateGroup       = "create_group"
	cmdRemoveGroup       = "remove_group"
	cmdListGroups        = "list_groups"
	cmdAddGroupMember    = "add_group_member"
	cmdRemoveGroupMember = "remove_group_member"
	cmdNetworkInfo       = "network_info"
	cmdSubscribeEvents   = "subscribe_events"
	cmdUnsubscribeEvents = "unsubscribe_events"
)

const defaultPermitDuration = 60

// decodeParams unmarshals the raw message into a typed parameter struct.
// Decode failures surface as InvalidParameters.
func decodeParams[T any](raw json.RawMessage) (*T, error) {
	var params T
	if err := json.Unmarshal(raw, &params); err != nil {
		return nil, cmdErrf(errInvalidParameters, "invalid parameters: %v", err)
	}
	return &params, nil
}

// parseIEEEParam validates and normalizes an ieee address parameter.
func parseIEEEParam(s string) (string, error) {
	if s == "" {
		return "", cmdErrf(errInvalidParameters, "ieee is required")
	}
	ieee, err := radio.NormalizeIEEE(s)
	if err != nil {
		return "", cmdErrf(errInvalidParameters, "invalid ieee address %q: %v", s, err)
	}
	return ieee, nil
}

// registerCommands wires every command handler into the dispatcher. Called
// once at startup; a duplicate registration panics there, not at runtime.
func (s *Server) registerCommands(d *Dispatcher) {
	d.register(cmdStartNetwork, s.handleStartNetwork)
	d.register(cmdStopNetwork, s.handleStopNetwork)
	d.register(cmdPermitJoining, s.handlePermitJoining)
	d.register(cmdRemoveDevice, s.handleRemoveDevice)
	d.register(cmdListDevices, s.handleListDevices)
	d.register(cmdGetDevice, s.handleGetDevice)
	d.register(cmdRenameDevice, s.handleRenameDevice)
	d.register(cmdCreateGroup, s.handleCreateGroup)
	d.register(cmdRemoveGroup, s.handleRemoveGroup)
	d.register(cmdListGroups, s.handleListGroups)
	d.register(cmdAddGroupMember, s.handleAddGroupMember)
	d.register(cmdRemoveGroupMember, s.handleRemoveGroupMember)
	d.register(cmdNetworkInfo, s.handleNetworkInfo)
	d.register(cmdSubscribeEvents, s.handleSubscribeEvents)
	d.register(cmdUnsubscribeEvents, s.handleUnsubscribeEvents)
}

func (s *Server) handleStartNetwork(ctx context.Context, c *Client, raw json.RawMessage) (any, error) {
	if err := s.ctrl.StartNetwork(ctx); err != nil {
		return nil, err
	}
	return map[string]any{"state": s.ctrl.State().String()}, nil
}

func (s *Server) handleStopNetwork(ctx context.Context, c *Client, raw json.RawMessage) (any, error) {
	if err := s.ctrl.StopNetwork(ctx); err != nil {
		return nil, err
	}
	return map[string]any{"state": s.ctrl.State().String()}, nil
}

func (s *Server) handlePermitJoining(ctx context.Context, c *Client, raw json.RawMessage) (any, error) {
	params, err := decodeParams[struct {
		Duration *int `json:"duration"`
	}](raw)
	if err != nil {
		return nil, err
	}
	duration := defaultPermitDuration
	if params.Duration != nil {
		duration = *params.Duration
	}
	if duration < 0 || duration > 254 {
		return nil, cmdErrf(errInvalidParameters, "duration must be 0-254, got %d", duration)
	}
	if err := s.ctrl.PermitJoin(ctx, uint8(duration)); err != nil {
		return nil, err
	}
	return map[string]any{"duration": duration}, nil
}

func (s *Server) handleRemoveDevice(ctx context.Context, c *Client, raw json.RawMessage) (any, error) {
	params, err := decodeParams[struct {
		IEEE string `json:"ieee"`
	}](raw)
	if err != nil {
		return nil, err
	}
	ieee, err := parseIEEEParam(params.IEEE)
	if err != nil {
		return nil, err
	}
	if err := s.ctrl.RemoveDevice(ctx, ieee); err != nil {
		return nil, err
	}
	return map[string]any{"ieee": ieee}, nil
}

func (s *Server) handleListDevices(ctx context.Context, c *Client, raw json.RawMessage) (any, error) {
	if err := s.ctrl.RequireRunning("list devices"); err != nil {
		return nil, err
	}
	devices := s.ctrl.Registry().ListDevices()
	return map[string]any{"devices": devices}, nil
}

func (s *Server) handleGetDevice(ctx context.Context, c *Client, raw json.RawMessage) (any, error) {
	if err := s.ctrl.RequireRunning("get device"); err != nil {
		return nil, err
	}
	params, err := decodeParams[struct {
		IEEE string `json:"ieee"`
	}](raw)
	if err != nil {
		return nil, err
	}
	ieee, err := parseIEEEParam(params.IEEE)
	if err != nil {
		return nil, err
	}
	dev, ok := s.ctrl.Registry().GetDevice(ieee)
	if !ok {
		return nil, registry.ErrDeviceNotFound
	}
	return map[string]any{"device": dev}, nil
}

func (s *Server) handleRenameDevice(ctx context.Context, c *Client, raw json.RawMessage) (any, error) {
	if err := s.ctrl.RequireRunning("rename device"); err != nil {
		return nil, err
	}
	params, err := decodeParams[struct {
		IEEE string `json:"ieee"`
		Name string `json:"friendly_name"`
	}](raw)
	if err != nil {
		return nil, err
	}
	ieee, err := parseIEEEParam(params.IEEE)
	if err != nil {
		return nil, err
	}
	dev, err := s.ctrl.RenameDevice(ieee, params.Name)
	if err != nil {
		return nil, err
	}
	return map[string]any{"device": dev}, nil
}

// groupParams covers the shared parameter shape of group commands.
type groupParams struct {
	GroupID *uint16 `json:"group_id"`
	Name    string  `json:"name"`
	IEEE    string  `json:"ieee"`
}

func decodeGroupParams(raw json.RawMessage) (*groupParams, error) {
	params, err := decodeParams[groupParams](raw)
	if err != nil {
		return nil, err
	}
	if params.GroupID == nil {
		return nil, cmdErrf(errInvalidParameters, "group_id is required")
	}
	return params, nil
}

func (s *Server) handleCreateGroup(ctx context.Context, c *Client, raw json.RawMessage) (any, error) {
	params, err := decodeGroupParams(raw)
	if err != nil {
		return nil, err
	}
	g, err := s.ctrl.CreateGroup(*params.GroupID, params.Name)
	if err != nil {
		return nil, err
	}
	return map[string]any{"group": g}, nil
}

func (s *Server) handleRemoveGroup(ctx context.Context, c *Client, raw json.RawMessage) (any, error) {
	params, err := decodeGroupParams(raw)
	if err != nil {
		return nil, err
	}
	if err := s.ctrl.RemoveGroup(*params.GroupID); err != nil {
		return nil, err
	}
	return map[string]any{"group_id": *params.GroupID}, nil
}

func (s *Server) handleListGroups(ctx context.Context, c *Client, raw json.RawMessage) (any, error) {
	if err := s.ctrl.RequireRunning("list groups"); err != nil {
		return nil, err
	}
	groups := s.ctrl.Registry().ListGroups()
	return map[string]any{"groups": groups}, nil
}

func (s *Server) handleAddGroupMember(ctx context.Context, c *Client, raw json.RawMessage) (any, error) {
	g, err := s.groupMemberOp(raw, s.ctrl.AddGroupMember)
	if err != nil {
		return nil, err
	}
	return map[string]any{"group": g}, nil
}

func (s *Server) handleRemoveGroupMember(ctx context.Context, c *Client, raw json.RawMessage) (any, error) {
	g, err := s.groupMemberOp(raw, s.ctrl.RemoveGroupMember)
	if err != nil {
		return nil, err
	}
	return map[string]any{"group": g}, nil
}

func (s *Server) groupMemberOp(raw json.RawMessage, op func(uint16, string) (*store.Group, error)) (*store.Group, error) {
	params, err := decodeGroupParams(raw)
	if err != nil {
		return nil, err
	}
	ieee, err := parseIEEEParam(params.IEEE)
	if err != nil {
		return nil, err
	}
	return op(*params.GroupID, ieee)
}

func (s *Server) handleNetworkInfo(ctx context.Context, c *Client, raw json.RawMessage) (any, error) {
	info := s.ctrl.NetworkInfo()
	info["device_count"] = len(s.ctrl.Registry().ListDevices())
	return info, nil
}

func (s *Server) handleSubscribeEvents(ctx context.Context, c *Client, raw json.RawMessage) (any, error) {
	c.setSubscribed(true)
	return map[string]any{"subscribed": true}, nil
}

func (s *Server) handleUnsubscribeEvents(ctx context.Context, c *Client, raw json.RawMessage) (any, error) {
	c.setSubscribed(false)
	return map[string]any{"subscribed": false}, nil
}
