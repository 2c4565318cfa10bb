// Copyright 2026 The Pixel Commons Authors
// SPDX-License-Identifier: Apache-2.0

// presence-node is the long-running presence daemon for one instance:
// it joins the machine's sync fabric (shared SQLite store + broadcast
// socket directory), announces itself, serves the room-host registry,
// and accepts WebRTC calls signaled over the bus.
//
// Configuration comes from a YAML file named by --config or the
// PRESENCE_CONFIG environment variable.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"

	"github.com/pixelcommons/presence/broadcast"
	"github.com/pixelcommons/presence/bus"
	"github.com/pixelcommons/presence/lib/config"
	"github.com/pixelcommons/presence/roomhost"
	"github.com/pixelcommons/presence/rtc"
	"github.com/pixelcommons/presence/store"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "presence-node: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var configPath string
	var instanceID string
	var displayName string
	var logLevel string

	flagSet := pflag.NewFlagSet("presence-node", pflag.ContinueOnError)
	flagSet.StringVar(&configPath, "config", "", "path to presence.yaml (default: $PRESENCE_CONFIG)")
	flagSet.StringVar(&instanceID, "instance-id", "", "override the generated instance identity (testing)")
	flagSet.StringVar(&displayName, "name", "", "display name announced on the character topic")
	flagSet.StringVar(&logLevel, "log-level", "info", "log level: debug, info, warn, error")
	if err := flagSet.Parse(os.Args[1:]); err != nil {
		return err
	}

	logger, err := newLogger(logLevel)
	if err != nil {
		return err
	}

	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}

	syncStore, err := store.OpenSQLite(store.SQLiteConfig{
		Path:     cfg.Store.Path,
		PoolSize: cfg.Store.PoolSize,
		Logger:   logger,
	})
	if err != nil {
		return err
	}
	defer syncStore.Close()

	if err := os.MkdirAll(cfg.Broadcast.SocketDir, 0o755); err != nil {
		return fmt.Errorf("creating broadcast socket directory: %w", err)
	}

	// node is declared before bus.New so the Presence closure can use
	// the generated identity; the bus only invokes it after Start.
	var node *bus.Bus
	node, err = bus.New(bus.Options{
		Store:      syncStore,
		InstanceID: instanceID,
		Logger:     logger,
		JoinBroadcast: func(id string) (broadcast.Channel, error) {
			channel, err := broadcast.NewUnixgram(cfg.Broadcast.SocketDir, id, logger)
			if err != nil {
				return nil, err
			}
			return channel, nil
		},
		Presence: func() (any, bool) {
			return characterPayload(node.InstanceID(), displayName), true
		},
		PollInterval:          cfg.Bus.PollInterval.Std(),
		BacklogWindow:         cfg.Bus.BacklogWindow.Std(),
		SweepMaxAge:           cfg.Bus.SweepMaxAge.Std(),
		AggressiveSweepMaxAge: cfg.Bus.AggressiveSweepMaxAge.Std(),
	})
	if err != nil {
		return err
	}

	return serve(node, cfg, displayName, logger)
}

func serve(node *bus.Bus, cfg *config.Config, displayName string, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	signaler := rtc.NewBusSignaler(node, logger)
	manager := rtc.NewManager(rtc.Config{
		ICEServers: cfg.RTC.STUNServers,
		Media:      rtc.SampleMediaDevices{},
		Logger:     logger,
		Callbacks: rtc.Callbacks{
			OnUserConnected: func(peerID string, connType rtc.ConnectionType, _ *rtc.RemoteStream) {
				logger.Info("peer session connected", "peer", peerID, "type", connType)
			},
			OnUserDisconnected: func(peerID string) {
				logger.Info("peer session ended", "peer", peerID)
			},
			OnMessageReceived: func(peerID string, payload []byte) {
				logger.Info("chat message", "peer", peerID, "payload", string(payload))
			},
			OnICECandidate: signaler.PublishCandidate,
		},
	})
	defer manager.Close()

	unbind := signaler.Bind(manager)
	defer unbind()

	// Open world: every join request to a room this node hosts is
	// admitted.
	var registry *roomhost.Registry
	registry = roomhost.NewRegistry(node, roomhost.Callbacks{
		OnJoinRequest: func(roomID, requesterID string) {
			logger.Info("admitting join request", "room", roomID, "requester", requesterID)
			registry.Approve(roomID, requesterID)
		},
	}, logger)
	detach := registry.Attach()
	defer detach()

	if err := node.Start(ctx); err != nil {
		return err
	}
	defer node.Stop()

	node.SendMessage("character", characterPayload(node.InstanceID(), displayName))
	node.RequestUsersAnnounce()

	logger.Info("presence node running",
		"instance", node.InstanceID(),
		"store", cfg.Store.Path,
		"socket_dir", cfg.Broadcast.SocketDir,
	)

	<-ctx.Done()
	logger.Info("shutting down")
	return nil
}

func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		return config.LoadFile(path)
	}
	return config.Load()
}

func newLogger(level string) (*slog.Logger, error) {
	var logLevel slog.Level
	if err := logLevel.UnmarshalText([]byte(level)); err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", level, err)
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: logLevel,
	})), nil
}

func characterPayload(instanceID, displayName string) map[string]any {
	user := map[string]any{"id": instanceID}
	if displayName != "" {
		user["name"] = displayName
	}
	return map[string]any{
		"action": "joined",
		"user":   user,
	}
}
