// stdbwatch connects to a database, subscribes to tables, and streams
// cache activity to the console.
// Usage: go run ./cmd/stdbwatch --host localhost --database mydb --tables entities,players
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/calebmills/stdb-go"
)

func main() {
	host := flag.String("host", "localhost", "server host")
	port := flag.Int("port", stdb.DefaultPort, "server port")
	database := flag.String("database", "", "database name (required)")
	binary := flag.Bool("binary", false, "use the binary wire format instead of JSON")
	insecure := flag.Bool("insecure", false, "connect over ws:// instead of wss://")
	tables := flag.String("tables", "", "comma-separated tables to subscribe to")
	verbose := flag.Bool("verbose", false, "print full event payloads")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelDebug,
	}))

	if *database == "" {
		logger.Error("--database is required")
		os.Exit(1)
	}

	mode := stdb.TextEncoded
	if *binary {
		mode = stdb.BinaryEncoded
	}

	client, err := stdb.New(stdb.Config{
		Host:     *host,
		Port:     *port,
		Database: *database,
		Mode:     mode,
		Insecure: *insecure,
	}, logger)
	if err != nil {
		logger.Error("failed to create client", "error", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		logger.Info("received shutdown signal")
		cancel()
	}()

	client.On("identity", func(ev stdb.Event) {
		logger.Info("identity issued")
		if *verbose {
			printEvent(ev)
		}
	})
	client.On("initial_snapshot", func(ev stdb.Event) {
		logger.Info("initial snapshot applied")
	})
	client.On("table_update", func(ev stdb.Event) {
		logger.Info("table updated", "table", ev.Table)
		if *verbose {
			printEvent(ev)
		}
	})
	client.On("reconnecting", func(ev stdb.Event) {
		logger.Warn("connection lost, reconnecting")
	})
	client.On("error", func(ev stdb.Event) {
		logger.Error("client error", "error", ev.Err)
	})

	logger.Info("connecting", "host", *host, "database", *database, "mode", mode)
	if err := client.Connect(ctx); err != nil {
		logger.Error("connect failed", "error", err)
		os.Exit(1)
	}

	if *tables != "" {
		names := strings.Split(*tables, ",")
		for i := range names {
			names[i] = strings.TrimSpace(names[i])
		}
		if err := client.Subscribe(ctx, names...); err != nil {
			logger.Error("subscribe failed", "error", err)
			os.Exit(1)
		}
		logger.Info("subscribed", "tables", names)
	}

	g, gctx := errgroup.WithContext(ctx)

	// Health printer
	g.Go(func() error {
		ticker := time.NewTicker(10 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-gctx.Done():
				return nil
			case <-ticker.C:
				h := client.Health()
				logger.Info("health",
					"state", h.State,
					"identity", h.Identity,
					"decode_errors", h.DecodeErrors,
					"unknown_tables", h.UnknownTables,
					"pending_calls", h.PendingCalls,
					"reconnect_attempts", h.ReconnectAttempts,
					"tables", len(h.RowCounts),
				)
			}
		}
	})

	logger.Info("watching - press Ctrl+C to stop")
	g.Wait()

	logger.Info("shutting down...")
	if err := client.Disconnect(); err != nil {
		logger.Warn("disconnect", "error", err)
	}
	logger.Info("shutdown complete")
}

func printEvent(ev stdb.Event) {
	data, err := json.MarshalIndent(ev.Data, "", "  ")
	if err != nil {
		return
	}
	fmt.Printf("[%s] %s\n", strings.ToUpper(ev.Name), data)
}
