package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/haldring/gomodbus-slave/common"
	"github.com/haldring/gomodbus-slave/config"
	"github.com/haldring/gomodbus-slave/datastore"
	"github.com/haldring/gomodbus-slave/logging"
	"github.com/haldring/gomodbus-slave/server"
)

type serverFlags struct {
	configPath string
	address    string
	port       int
	debug      bool
	logFile    string
	preload    bool
}

func newServerCmd() *cobra.Command {
	flags := &serverFlags{}

	cmd := &cobra.Command{
		Use:   "server",
		Short: "Run a Modbus TCP server",
		Long: `Start a Modbus TCP server backed by an in-memory data store.

Configuration is layered from built-in defaults, an optional config file
(--config, or ./gomodbus.yaml), and GOMODBUS_-prefixed environment
variables, with command-line flags taking precedence over all of them.`,
		Example: `  # Listen on the default port with defaults
  gomodbus server

  # Listen on a specific address and port with debug logging
  gomodbus server --address 0.0.0.0 --port 5020 --debug

  # Load settings from a config file
  gomodbus server --config ./gomodbus.yaml`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(context.Background(), flags)
		},
	}

	cmd.Flags().StringVar(&flags.configPath, "config", "", "Path to a YAML config file")
	cmd.Flags().StringVar(&flags.address, "address", "", "Address to bind to (overrides config)")
	cmd.Flags().IntVar(&flags.port, "port", 0, "TCP port to listen on (overrides config)")
	cmd.Flags().BoolVar(&flags.debug, "debug", false, "Enable debug logging")
	cmd.Flags().StringVar(&flags.logFile, "log-file", "", "Rotate JSON logs to this file in addition to the console")
	cmd.Flags().BoolVar(&flags.preload, "preload", true, "Preload sample data into the store")

	return cmd
}

func runServer(ctx context.Context, flags *serverFlags) error {
	cfg, err := config.Load(flags.configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	address := cfg.Server.Host
	if flags.address != "" {
		address = flags.address
	}
	port := cfg.Server.Port
	if flags.port != 0 {
		port = flags.port
	}

	logLevel := config.ParseLevel(cfg.Logger.Level)
	if flags.debug {
		logLevel = common.LevelDebug
	}
	logOpts := []logging.Option{logging.WithLevel(logLevel)}
	if flags.logFile != "" {
		logOpts = append(logOpts, logging.WithRotation(flags.logFile, cfg.Logger.MaxSizeMB, cfg.Logger.MaxBackups, cfg.Logger.MaxAgeDays))
	}
	logger := logging.NewLogger(logOpts...)

	store := datastore.New(datastore.Config{
		CoilCount:     cfg.Server.CoilCount,
		CoilBase:      common.Address(cfg.Server.CoilBase),
		DiscreteCount: cfg.Server.DiscreteCount,
		DiscreteBase:  common.Address(cfg.Server.DiscreteBase),
		HoldingCount:  cfg.Server.HoldingCount,
		HoldingBase:   common.Address(cfg.Server.HoldingBase),
		InputCount:    cfg.Server.InputCount,
		InputBase:     common.Address(cfg.Server.InputBase),
	})

	if flags.preload {
		preloadSampleData(store, logger)
	}

	// Make the store reachable without threading it through every goroutine
	// that might want it (tickCounters below, or a future debug hook).
	datastore.SetDefault(store)

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	modbusServer := server.NewTCPServer(
		address,
		server.WithServerPort(port),
		server.WithServerLogger(logger),
		server.WithServerDataStore(store),
		server.WithOnClientConnect(func(c server.ConnectedClient) {
			logger.Info(runCtx, "client connected: %s", c.RemoteAddr)
		}),
		server.WithOnClientDisconnect(func(c server.ConnectedClient) {
			logger.Info(runCtx, "client disconnected: %s", c.String())
		}),
	)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigChan
		logger.Info(runCtx, "shutdown signal received, stopping server")
		if err := modbusServer.Stop(runCtx); err != nil {
			logger.Error(runCtx, "error stopping server: %v", err)
		}
		cancel()
	}()

	if flags.debug {
		go tickCounters(runCtx)
	}

	logger.Info(runCtx, "starting Modbus TCP server on %s:%d", address, port)
	if err := modbusServer.Start(runCtx); err != nil && err != context.Canceled {
		return fmt.Errorf("server error: %w", err)
	}
	return nil
}

// tickCounters periodically advances a couple of registers so a connected
// client has something changing to poll, mirroring a live process variable.
// It reaches the store via datastore.Default rather than a parameter since
// it runs detached from runServer's call stack.
func tickCounters(ctx context.Context) {
	tick := time.NewTicker(time.Second)
	defer tick.Stop()

	var counter uint16
	for {
		select {
		case <-ctx.Done():
			return
		case <-tick.C:
			store := datastore.Default()
			if store == nil {
				continue
			}
			counter++
			if cell := store.CellAtInputRegister(common.Address(0)); cell != nil {
				cell.SetStored(counter)
			}
			if cell := store.CellAtInputRegister(common.Address(1)); cell != nil {
				cell.SetStored(uint16(time.Now().Unix() & 0xFFFF))
			}
			if cell := store.CellAtHoldingRegister(common.Address(6)); cell != nil {
				cell.SetStored(counter)
			}
			toggle := uint16(0)
			if counter%2 == 0 {
				toggle = 1
			}
			if cell := store.CellAtCoil(common.Address(6)); cell != nil {
				cell.SetStored(toggle)
			}
		}
	}
}

// preloadSampleData seeds a handful of coils and registers so a fresh server
// has visible values to read before any client has written anything.
func preloadSampleData(store *datastore.Store, logger common.LoggerInterface) {
	ctx := context.Background()
	logger.Info(ctx, "preloading sample data")

	coilValues := []bool{true, false, true, true, false}
	for i, v := range coilValues {
		cell := store.CellAtCoil(common.Address(i))
		if cell == nil {
			break
		}
		if v {
			cell.SetStored(1)
		}
	}

	diValues := []bool{false, true, false, true, true}
	for i, v := range diValues {
		cell := store.CellAtDiscreteInput(common.Address(i))
		if cell == nil {
			break
		}
		if v {
			cell.SetStored(1)
		}
	}

	hrValues := []uint16{1000, 2000, 3000, 4000, 5000}
	for i, v := range hrValues {
		if cell := store.CellAtHoldingRegister(common.Address(i)); cell != nil {
			cell.SetStored(v)
		}
	}

	irValues := []uint16{100, 200, 300, 400, 500}
	for i, v := range irValues {
		if cell := store.CellAtInputRegister(common.Address(i)); cell != nil {
			cell.SetStored(v)
		}
	}

	if cell := store.CellAtHoldingRegister(common.Address(5000)); cell != nil {
		cell.SetStored(12345)
	}

	logger.Debug(ctx, "sample data preloaded")
}
