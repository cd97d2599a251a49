// Package mqtt mirrors control-plane events onto an MQTT broker so
// non-websocket consumers (dashboards, automations) can follow the network.
package mqtt

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"

	"zigbee-ws-server/internal/controller"
)

// Config holds MQTT bridge configuration.
type Config struct {
	Broker      string
	ClientID    string
	Username    string
	Password    string
	TopicPrefix string
}

// Bridge publishes controller events to MQTT. Every event goes to
// <prefix>/events/<type>; device attribute state is additionally accumulated
// per device and retained at <prefix>/devices/<ieee>, so late subscribers see
// the last known state without replaying the event stream.
type Bridge struct {
	client pahomqtt.Client
	ctrl   *controller.Controller
	prefix string
	logger *slog.Logger
	unsub  func()

	mu     sync.Mutex
	states map[string]map[string]any // IEEE -> accumulated attribute map
}

// NewBridge creates and connects an MQTT bridge.
func NewBridge(ctrl *controller.Controller, cfg Config, logger *slog.Logger) (*Bridge, error) {
	b := &Bridge{
		ctrl:   ctrl,
		prefix: cfg.TopicPrefix,
		logger: logger.With("component", "mqtt"),
		states: make(map[string]map[string]any),
	}

	clientID := cfg.ClientID
	if clientID == "" {
		clientID = "zigbee-ws-server"
	}

	opts := pahomqtt.NewClientOptions().
		AddBroker(cfg.Broker).
		SetClientID(clientID).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(5 * time.Second).
		SetWill(cfg.TopicPrefix+"/bridge/state", "offline", 1, true).
		SetOnConnectHandler(func(_ pahomqtt.Client) {
			b.logger.Info("MQTT connected")
			b.publishBridgeState("online")
			b.publishNetworkState()
		}).
		SetConnectionLostHandler(func(_ pahomqtt.Client, err error) {
			b.logger.Warn("MQTT connection lost", "err", err)
		})

	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}

	client := pahomqtt.NewClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(10 * time.Second) {
		return nil, fmt.Errorf("mqtt connect timeout")
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("mqtt connect: %w", err)
	}

	b.client = client
	return b, nil
}

// Start subscribes to controller events and begins publishing.
func (b *Bridge) Start() {
	b.unsub = b.ctrl.Events().OnAll(b.handleEvent)
	b.logger.Info("MQTT bridge started", "prefix", b.prefix)
}

// Stop publishes offline state, unsubscribes, and disconnects.
func (b *Bridge) Stop() {
	if b.unsub != nil {
		b.unsub()
	}
	b.publishBridgeState("offline")
	b.client.Disconnect(1000)
	b.logger.Info("MQTT bridge stopped")
}

func (b *Bridge) handleEvent(event controller.Event) {
	// Mirror the raw event stream.
	b.publish(b.prefix+"/events/"+event.Type, mustJSON(event.Data), false)

	switch event.Type {
	case controller.EventNetworkStateChanged:
		if state, ok := event.Data["state"].(string); ok {
			b.publish(b.prefix+"/bridge/network_state", []byte(state), true)
		}
	case controller.EventAttributeUpdated:
		b.handleAttributeUpdated(event)
	case controller.EventDeviceLeft:
		b.handleDeviceLeft(event)
	}
}

func (b *Bridge) handleAttributeUpdated(event controller.Event) {
	ieee, _ := event.Data["ieee"].(string)
	attr, _ := event.Data["attribute"].(string)
	if ieee == "" || attr == "" {
		return
	}

	b.mu.Lock()
	state, ok := b.states[ieee]
	if !ok {
		state = make(map[string]any)
		b.states[ieee] = state
	}
	state[attr] = event.Data["value"]
	state["last_seen"] = time.Now().UTC().Format(time.RFC3339)
	payload := mustJSON(state)
	b.mu.Unlock()

	b.publish(b.deviceTopic(ieee), payload, true)
}

func (b *Bridge) handleDeviceLeft(event controller.Event) {
	ieee, _ := event.Data["ieee"].(string)
	if ieee == "" {
		return
	}

	b.mu.Lock()
	delete(b.states, ieee)
	b.mu.Unlock()

	// Empty retained payload clears the topic on the broker.
	b.publish(b.deviceTopic(ieee), nil, true)
}

func (b *Bridge) publishBridgeState(state string) {
	b.publish(b.prefix+"/bridge/state", []byte(state), true)
}

func (b *Bridge) publishNetworkState() {
	state := b.ctrl.State().String()
	b.publish(b.prefix+"/bridge/network_state", []byte(state), true)
}

func (b *Bridge) publish(topic string, payload []byte, retained bool) {
	token := b.client.Publish(topic, 1, retained, payload)
	go func() {
		if !token.WaitTimeout(5 * time.Second) {
			b.logger.Warn("MQTT publish timeout", "topic", topic)
		} else if err := token.Error(); err != nil {
			b.logger.Warn("MQTT publish error", "topic", topic, "err", err)
		}
	}()
}

func (b *Bridge) deviceTopic(ieee string) string {
	return b.prefix + "/devices/" + topicName(ieee)
}

// topicName renders an IEEE address as an MQTT topic segment. Colons are
// dropped; brokers accept them, but flat hex is what most tooling expects.
func topicName(ieee string) string {
	return "0x" + strings.ReplaceAll(ieee, ":", "")
}

func mustJSON(v any) []byte {
	data, err := json.Marshal(v)
	if err != nil {
		return []byte("{}")
	}
	return data
}
