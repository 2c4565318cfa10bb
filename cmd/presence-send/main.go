// Copyright 2026 The Pixel Commons Authors
// SPDX-License-Identifier: Apache-2.0

// presence-send publishes one envelope into a machine's sync fabric
// and exits. Debugging aid: running nodes pick the envelope up from
// the shared store on their next poll, or instantly from the broadcast
// socket when --socket-dir is set.
//
//	presence-send --config presence.yaml --topic character \
//	    --data '{"action":"joined","user":{"id":"u1"}}'
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/pflag"

	"github.com/pixelcommons/presence/broadcast"
	"github.com/pixelcommons/presence/bus"
	"github.com/pixelcommons/presence/lib/codec"
	"github.com/pixelcommons/presence/lib/config"
	"github.com/pixelcommons/presence/store"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "presence-send: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var configPath string
	var topic string
	var data string

	flagSet := pflag.NewFlagSet("presence-send", pflag.ContinueOnError)
	flagSet.StringVar(&configPath, "config", "", "path to presence.yaml (default: $PRESENCE_CONFIG)")
	flagSet.StringVar(&topic, "topic", "", "topic to publish on (required)")
	flagSet.StringVar(&data, "data", "{}", "payload as a JSON object")
	if err := flagSet.Parse(os.Args[1:]); err != nil {
		return err
	}
	if topic == "" {
		return fmt.Errorf("--topic is required")
	}

	var payload any
	if err := json.Unmarshal([]byte(data), &payload); err != nil {
		return fmt.Errorf("parsing --data: %w", err)
	}

	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	syncStore, err := store.OpenSQLite(store.SQLiteConfig{
		Path:     cfg.Store.Path,
		PoolSize: 1,
		Logger:   logger,
	})
	if err != nil {
		return err
	}
	defer syncStore.Close()

	source := "send-" + uuid.NewString()
	envelope := bus.Envelope{
		Type:      topic,
		Data:      payload,
		Source:    source,
		Timestamp: time.Now().UnixMilli(),
	}

	key, err := store.NewKey(envelope.Type, envelope.Source, envelope.Timestamp)
	if err != nil {
		return err
	}
	value, err := json.Marshal(envelope)
	if err != nil {
		return err
	}
	if err := syncStore.Put(context.Background(), key, string(value)); err != nil {
		return fmt.Errorf("writing record: %w", err)
	}

	// Best effort fast path: live nodes see the frame immediately, the
	// store record covers everyone else.
	if channel, err := broadcast.NewUnixgram(cfg.Broadcast.SocketDir, source, logger); err == nil {
		if frame, err := codec.Marshal(envelope); err == nil {
			if err := channel.Send(frame); err != nil {
				logger.Warn("broadcast send failed", "error", err)
			}
		}
		_ = channel.Close()
	}

	fmt.Printf("published %s\n", key.String())
	return nil
}

func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		return config.LoadFile(path)
	}
	return config.Load()
}
