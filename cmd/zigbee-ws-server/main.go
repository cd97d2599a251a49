package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"gopkg.in/yaml.v3"

	"zigbee-ws-server/internal/controller"
	"zigbee-ws-server/internal/mqtt"
	"zigbee-ws-server/internal/radio"
	"zigbee-ws-server/internal/registry"
	"zigbee-ws-server/internal/server"
	"zigbee-ws-server/internal/store"
)

// version is set at build time via -ldflags "-X main.version=..."
var version = "dev"

type Config struct {
	Radio struct {
		Type string `yaml:"type"` // "sim"
	} `yaml:"radio"`
	Network struct {
		Channel   uint8  `yaml:"channel"`
		PanID     uint16 `yaml:"pan_id"`
		OpTimeout string `yaml:"op_timeout"`
	} `yaml:"network"`
	Web struct {
		Listen         string   `yaml:"listen"`
		AllowedOrigins []string `yaml:"allowed_origins"`
	} `yaml:"web"`
	Store struct {
		Path string `yaml:"path"`
	} `yaml:"store"`
	MQTT struct {
		Enabled     bool   `yaml:"enabled"`
		Broker      string `yaml:"broker"`
		ClientID    string `yaml:"client_id"`
		Username    string `yaml:"username"`
		Password    string `yaml:"password"`
		TopicPrefix string `yaml:"topic_prefix"`
	} `yaml:"mqtt"`
	Log struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"log"`
}

func (c *Config) validate() error {
	if c.Network.Channel < 11 || c.Network.Channel > 26 {
		return fmt.Errorf("network.channel must be 11-26, got %d", c.Network.Channel)
	}
	if c.Network.PanID == 0 || c.Network.PanID == 0xFFFF {
		return fmt.Errorf("network.pan_id must not be 0x0000 or 0xFFFF")
	}
	if c.MQTT.Enabled && c.MQTT.Broker == "" {
		return fmt.Errorf("mqtt.broker is required when mqtt is enabled")
	}
	if _, err := c.opTimeout(); err != nil {
		return fmt.Errorf("network.op_timeout: %w", err)
	}
	return nil
}

func (c *Config) opTimeout() (time.Duration, error) {
	if c.Network.OpTimeout == "" {
		return 0, nil // controller default
	}
	return time.ParseDuration(c.Network.OpTimeout)
}

func main() {
	// Temporary logger for config loading errors.
	bootLogger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	cfgPath := "config.yaml"
	if len(os.Args) > 1 {
		cfgPath = os.Args[1]
	}

	cfg, err := loadConfig(cfgPath)
	if err != nil {
		bootLogger.Error("load config", "err", err)
		os.Exit(1)
	}

	if err := cfg.validate(); err != nil {
		bootLogger.Error("invalid config", "err", err)
		os.Exit(1)
	}

	// Create configured logger.
	logger := newLogger(cfg)
	slog.SetDefault(logger)
	logger.Info("zigbee-ws-server starting", "version", version)

	// Open store
	db, err := store.NewBoltStore(cfg.Store.Path)
	if err != nil {
		logger.Error("open store", "err", err)
		os.Exit(1)
	}
	defer db.Close()

	// Create radio backend based on config
	backend, err := createRadio(cfg, logger)
	if err != nil {
		logger.Error("create radio backend", "err", err)
		os.Exit(1)
	}
	defer backend.Close()

	// Registry and controller. The network is not started here: clients
	// drive the lifecycle over the websocket with start_network.
	reg := registry.New(db, logger)
	events := controller.NewEventBus(logger)
	opTimeout, _ := cfg.opTimeout()
	ctrl := controller.New(backend, reg, events, db, controller.Config{
		Channel:   cfg.Network.Channel,
		PanID:     cfg.Network.PanID,
		OpTimeout: opTimeout,
	}, logger)

	// Websocket server
	var srvOpts []server.ServerOption
	if len(cfg.Web.AllowedOrigins) > 0 {
		srvOpts = append(srvOpts, server.WithAllowedOrigins(cfg.Web.AllowedOrigins))
	}
	wsServer := server.NewServer(ctrl, logger, srvOpts...)

	httpServer := &http.Server{
		Addr:         cfg.Web.Listen,
		Handler:      wsServer,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		logger.Info("websocket server starting", "addr", cfg.Web.Listen)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("http server", "err", err)
		}
	}()

	// Optional MQTT event mirror.
	var bridge *mqtt.Bridge
	if cfg.MQTT.Enabled {
		bridge, err = mqtt.NewBridge(ctrl, mqtt.Config{
			Broker:      cfg.MQTT.Broker,
			ClientID:    cfg.MQTT.ClientID,
			Username:    cfg.MQTT.Username,
			Password:    cfg.MQTT.Password,
			TopicPrefix: cfg.MQTT.TopicPrefix,
		}, logger)
		if err != nil {
			logger.Error("connect mqtt", "err", err)
			os.Exit(1)
		}
		bridge.Start()
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	signal.Stop(sigCh)
	logger.Info("shutting down", "signal", sig)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if bridge != nil {
		bridge.Stop()
	}
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown", "err", err)
	}
	wsServer.Stop()
	if ctrl.State() == controller.Running {
		if err := ctrl.StopNetwork(shutdownCtx); err != nil {
			logger.Error("stop network", "err", err)
		}
	}

	logger.Info("goodbye")
}

func createRadio(cfg *Config, logger *slog.Logger) (radio.Radio, error) {
	netCfg := radio.NetworkConfig{Channel: cfg.Network.Channel, PanID: cfg.Network.PanID}
	switch cfg.Radio.Type {
	case "sim", "":
		logger.Info("using simulated radio backend")
		return radio.NewSim(netCfg, logger), nil
	default:
		return nil, fmt.Errorf("unknown radio type: %q (supported: sim)", cfg.Radio.Type)
	}
}

func loadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	applyDefaults(&cfg)
	return &cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Web.Listen == "" {
		cfg.Web.Listen = "127.0.0.1:8080"
	}
	if cfg.Store.Path == "" {
		cfg.Store.Path = "zigbee-ws-server.db"
	}
	if cfg.Network.Channel == 0 {
		cfg.Network.Channel = 15
	}
	if cfg.Network.PanID == 0 {
		cfg.Network.PanID = 0x1A62
	}
	if cfg.MQTT.TopicPrefix == "" {
		cfg.MQTT.TopicPrefix = "zigbee"
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "text"
	}
}

func newLogger(cfg *Config) *slog.Logger {
	var level slog.Level
	switch strings.ToLower(cfg.Log.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	switch strings.ToLower(cfg.Log.Format) {
	case "json":
		handler = slog.NewJSONHandler(os.Stdout, opts)
	default:
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	return slog.New(handler)
}
