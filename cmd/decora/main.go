// Command decora controls a Leviton Decora Bluetooth dimmer.
//
// Usage:
//
//	decora init
//	decora scan      [--config path]
//	decora fetch-key [--config path] --address ADDR
//	decora connect   [--config path] --address ADDR [--api-key HEX] [--step-delay 2s]
//	decora bridge    [--config path] [--address ADDR] [--api-key HEX]
package main

import (
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"

	"github.com/chaz8081/decora-ble/internal/config"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}

	cmd, args := os.Args[1], os.Args[2:]
	var err error
	switch cmd {
	case "init":
		err = runInit()
	case "scan":
		err = runScan(args)
	case "fetch-key":
		err = runFetchKey(args)
	case "connect":
		err = runConnect(args)
	case "bridge":
		err = runBridge(args)
	case "help", "-h", "--help":
		usage()
		return
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n", cmd)
		usage()
		os.Exit(2)
	}

	if errors.Is(err, flag.ErrHelp) {
		return
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, `Usage: decora <command> [flags]

Commands:
  init       write a default config to ~/.config/decora-ble/config.yaml
  scan       list nearby Decora switches
  fetch-key  read the unlock key from a switch in pairing mode
  connect    connect and run an on/off/brightness demo
  bridge     mirror the switch onto MQTT until interrupted

Run "decora <command> -h" for command flags.`)
}

// commonFlags are accepted by every command that talks to a switch.
type commonFlags struct {
	configPath string
	address    string
	apiKey     string
}

func newFlagSet(name string) (*flag.FlagSet, *commonFlags) {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	cf := &commonFlags{}
	fs.StringVar(&cf.configPath, "config", "", "path to config file (default: ~/.config/decora-ble/config.yaml)")
	fs.StringVar(&cf.address, "address", "", "switch address (overrides device.address)")
	fs.StringVar(&cf.apiKey, "api-key", "", "10 hex character unlock key (overrides device.api_key)")
	return fs, cf
}

// setup loads and validates the config, applies flag overrides and installs
// the logger.
func setup(cf *commonFlags) (*config.Config, error) {
	cfg, err := loadConfig(cf.configPath)
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	if cf.address != "" {
		cfg.Device.Address = cf.address
	}
	if cf.apiKey != "" {
		cfg.Device.APIKey = cf.apiKey
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}

	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: config.ParseLogLevel(cfg.LogLevel),
	})))
	return cfg, nil
}

// loadConfig loads the config from the specified path, or falls back to
// the default config path, or uses built-in defaults.
func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		return config.Load(path)
	}

	defaultPath := config.DefaultConfigPath()
	if _, err := os.Stat(defaultPath); err == nil {
		cfg, err := config.Load(defaultPath)
		if err != nil {
			return nil, fmt.Errorf("loading %s: %w", defaultPath, err)
		}
		slog.Debug("config loaded", "path", defaultPath)
		return cfg, nil
	}

	slog.Debug("no config file found, using defaults")
	cfg := config.Default()
	cfg.MQTT.ClientID = config.NewClientID()
	return cfg, nil
}

func runInit() error {
	path, err := config.WriteDefault()
	if err != nil {
		return err
	}
	if path == "" {
		fmt.Printf("Config already exists at %s\n", config.DefaultConfigPath())
		return nil
	}
	fmt.Printf("Wrote default config to %s\n", path)
	return nil
}
