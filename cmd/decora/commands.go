package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/signal"
	"syscall"
	"time"

	"github.com/chaz8081/decora-ble/internal/ble"
	"github.com/chaz8081/decora-ble/internal/ble/protocol"
	"github.com/chaz8081/decora-ble/internal/config"
	"github.com/chaz8081/decora-ble/internal/mqttbridge"
)

func runScan(args []string) error {
	fs, cf := newFlagSet("scan")
	if err := fs.Parse(args); err != nil {
		return err
	}
	cfg, err := setup(cf)
	if err != nil {
		return err
	}

	fmt.Printf("Scanning for Decora switches (%s)...\n", cfg.Timeouts.Scan)
	devices, err := ble.ScanForDevices(ble.NewTinygoAdapter(), cfg.Device.ServiceUUID, cfg.Timeouts.Scan)
	if err != nil {
		return err
	}
	if len(devices) == 0 {
		fmt.Println("No Decora switches found. Make sure the switch is powered and in range.")
		return nil
	}

	fmt.Printf("%-20s %-40s %s\n", "NAME", "ADDRESS", "RSSI")
	for _, d := range devices {
		name := d.Name
		if name == "" {
			name = "(unnamed)"
		}
		fmt.Printf("%-20s %-40s %d\n", name, d.Address, d.RSSI)
	}
	return nil
}

func runFetchKey(args []string) error {
	fs, cf := newFlagSet("fetch-key")
	if err := fs.Parse(args); err != nil {
		return err
	}
	cfg, err := setup(cf)
	if err != nil {
		return err
	}
	if cfg.Device.Address == "" {
		return fmt.Errorf("--address is required")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	adapter := ble.NewTinygoAdapter()
	if _, err := ble.FindDevice(adapter, cfg.Device.ServiceUUID, cfg.Device.Address, cfg.Timeouts.Scan); err != nil {
		return err
	}

	key, err := fetchKey(ctx, adapter, cfg)
	if err != nil {
		return err
	}
	fmt.Printf("API key: %s\n", key)
	fmt.Println("Add it to your config as device.api_key.")
	return nil
}

// fetchKey reads the unlock key, turning the not-in-pairing-mode outcome into
// ErrNotInPairingMode, whose message tells the user what to do.
func fetchKey(ctx context.Context, adapter ble.Adapter, cfg *config.Config) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, cfg.Timeouts.Connect+cfg.Timeouts.Operation)
	defer cancel()

	key, ok, err := ble.FetchAPIKey(ctx, adapter, cfg.Device.Address, cfg.Device.Channels())
	if err != nil {
		return "", err
	}
	if !ok {
		return "", ble.ErrNotInPairingMode
	}
	return key, nil
}

// connectSession finds the switch, fetches its key when none is configured
// and opens a synchronized session.
func connectSession(ctx context.Context, cfg *config.Config, listeners *ble.Listeners) (*ble.Session, error) {
	if cfg.Device.Address == "" {
		return nil, fmt.Errorf("--address is required")
	}

	adapter := ble.NewTinygoAdapter()
	if _, err := ble.FindDevice(adapter, cfg.Device.ServiceUUID, cfg.Device.Address, cfg.Timeouts.Scan); err != nil {
		return nil, err
	}

	key := cfg.Device.APIKey
	if key == "" {
		slog.Info("no api_key configured, fetching from switch")
		k, err := fetchKey(ctx, adapter, cfg)
		if err != nil {
			return nil, err
		}
		key = k
		fmt.Printf("Fetched API key %s; add it to your config as device.api_key.\n", key)
	}

	session := ble.NewSession(adapter, ble.SessionOptions{
		Channels:  cfg.Device.Channels(),
		Listeners: listeners,
	})

	connectCtx, cancel := context.WithTimeout(ctx, cfg.Timeouts.Connect)
	defer cancel()
	if err := session.Connect(connectCtx, cfg.Device.Address, key); err != nil {
		return nil, err
	}
	return session, nil
}

func runConnect(args []string) error {
	fs, cf := newFlagSet("connect")
	stepDelay := fs.Duration("step-delay", 2*time.Second, "pause between demo steps")
	if err := fs.Parse(args); err != nil {
		return err
	}
	cfg, err := setup(cf)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	listeners := ble.NewListeners()
	unregister := listeners.Register(func(s protocol.DeviceState) {
		fmt.Printf("State: %s\n", s)
	})

	session, err := connectSession(ctx, cfg, listeners)
	if err != nil {
		return err
	}
	defer disconnect(session, cfg.Timeouts.Operation)
	fmt.Printf("Connected to %s\n", session.Address())

	steps := []struct {
		name string
		run  func(context.Context) error
	}{
		{"turn on at 100%", func(ctx context.Context) error { return session.TurnOnAt(ctx, protocol.MaxBrightness) }},
		{"turn off", session.TurnOff},
		{"turn on at last brightness", session.TurnOn},
		{"set brightness to 50%", func(ctx context.Context) error { return session.SetBrightnessLevel(ctx, 50) }},
	}
	for _, step := range steps {
		fmt.Printf("-> %s\n", step.name)
		opCtx, cancel := context.WithTimeout(ctx, cfg.Timeouts.Operation)
		err := step.run(opCtx)
		cancel()
		if err != nil {
			return fmt.Errorf("%s: %w", step.name, err)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(*stepDelay):
		}
	}

	unregister()
	fmt.Printf("Final state: %s\n", session.DeviceState())
	return nil
}

func runBridge(args []string) error {
	fs, cf := newFlagSet("bridge")
	if err := fs.Parse(args); err != nil {
		return err
	}
	cfg, err := setup(cf)
	if err != nil {
		return err
	}
	if !cfg.MQTT.Enabled {
		return errors.New("mqtt.enabled is false; enable it in the config to run the bridge")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	session, err := connectSession(ctx, cfg, nil)
	if err != nil {
		return err
	}
	defer disconnect(session, cfg.Timeouts.Operation)

	client, err := mqttbridge.Connect(cfg.MQTT)
	if err != nil {
		return err
	}
	defer client.Close()

	bridge := mqttbridge.NewBridge(client, session, mqttbridge.BridgeOptions{
		TopicPrefix:      cfg.MQTT.TopicPrefix,
		QoS:              cfg.MQTT.QoS,
		OperationTimeout: cfg.Timeouts.Operation,
	})
	if err := bridge.Start(ctx); err != nil {
		return err
	}
	defer bridge.Stop()

	fmt.Printf("Bridging %s to %s under %q. Ctrl+C to quit.\n", session.Address(), cfg.MQTT.Broker, cfg.MQTT.TopicPrefix)
	select {
	case <-ctx.Done():
		fmt.Println("Shutting down...")
		return nil
	case <-session.Lost():
		return fmt.Errorf("lost connection to %s", cfg.Device.Address)
	}
}

// disconnect closes session, logging rather than returning failures since it
// runs on the way out.
func disconnect(session *ble.Session, timeout time.Duration) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := session.Disconnect(ctx); err != nil && !errors.Is(err, ble.ErrNotConnected) {
		slog.Warn("disconnect failed", "address", session.Address(), "error", err)
	}
}
