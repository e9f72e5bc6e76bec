package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/urfave/cli/v2"

	"github.com/Wired-Square/WireTAP-sub002/internal/adapters/backend/ws"
	"github.com/Wired-Square/WireTAP-sub002/internal/adapters/catalogfile"
	"github.com/Wired-Square/WireTAP-sub002/internal/adapters/decoders/canbus"
	"github.com/Wired-Square/WireTAP-sub002/internal/domain"
	obs "github.com/Wired-Square/WireTAP-sub002/internal/infrastructure/observability"
	"github.com/Wired-Square/WireTAP-sub002/internal/usecase"
	"github.com/Wired-Square/WireTAP-sub002/pkg/shared/hexutil"
)

// wiretap-dump attaches to a shared capture session as one more listener
// and prints decoded frames to stdout. Running it next to a wiretapd on
// the same profile exercises the multi-consumer path end to end.
func main() {
	app := &cli.App{
		Name:    "wiretap-dump",
		Usage:   "attach to a capture session and print decoded frames",
		Version: obs.Version,
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "backend", Value: "ws://127.0.0.1:9910", Usage: "capture backend websocket URL"},
			&cli.StringFlag{Name: "catalog", Required: true, Usage: "frame catalog JSON path"},
			&cli.StringFlag{Name: "profile", Required: true, Usage: "capture profile / session id"},
			&cli.BoolFlag{Name: "follow", Aliases: []string{"f"}, Usage: "keep listening after the stream ends"},
			&cli.IntFlag{Name: "limit", Aliases: []string{"n"}, Usage: "exit after this many frames (0 = unlimited)"},
			&cli.BoolFlag{Name: "unmatched", Usage: "also print frames with no catalog definition"},
			&cli.StringFlag{Name: "log-level", Value: "warn", Usage: "engine log level"},
		},
		Action: dump,
	}
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, "wiretap-dump:", err)
		os.Exit(1)
	}
}

func dump(c *cli.Context) error {
	logger := obs.NewLogger(c.String("log-level"), true)

	catalog, err := catalogfile.Load(c.String("catalog"))
	if err != nil {
		return err
	}
	decoder := canbus.NewCatalogDecoder(catalog)

	dialCtx, dialCancel := context.WithTimeout(context.Background(), 10*time.Second)
	backend, err := ws.Dial(dialCtx, c.String("backend"), *logger)
	dialCancel()
	if err != nil {
		return err
	}
	defer backend.Close()

	registry := usecase.NewRegistry(backend, usecase.RegistryConfig{
		// a terminal consumer wants low latency over batching efficiency
		Throttle: usecase.ThrottleConfig{BatchSize: 50, MinInterval: 20 * time.Millisecond, MaxInterval: 100 * time.Millisecond},
	}, logger, obs.NewMetrics())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go registry.Run(ctx)

	var (
		printed  atomic.Int64
		limit    = int64(c.Int("limit"))
		showMiss = c.Bool("unmatched")
		done     = make(chan struct{})
		closed   atomic.Bool
	)
	finish := func() {
		if closed.CompareAndSwap(false, true) {
			close(done)
		}
	}

	cb := usecase.ListenerCallbacks{
		OnFrames: func(frames []domain.Frame) {
			for i := range frames {
				if printFrame(decoder, &frames[i], showMiss) && limit > 0 && printed.Add(1) >= limit {
					finish()
					return
				}
			}
		},
		OnStateChange: func(state domain.RunState) {
			fmt.Fprintf(os.Stderr, "-- run state: %s\n", state)
		},
		OnStreamEnded: func(buffer domain.BufferInfo) {
			if buffer.Available {
				fmt.Fprintf(os.Stderr, "-- stream ended, buffer %s (%d frames)\n", buffer.ID, buffer.Count)
			} else {
				fmt.Fprintln(os.Stderr, "-- stream ended")
			}
			if !c.Bool("follow") {
				finish()
			}
		},
		OnError: func(message string) {
			fmt.Fprintf(os.Stderr, "-- session error: %s\n", message)
			finish()
		},
	}

	listenerID := "dump-" + uuid.NewString()
	profile := c.String("profile")
	sess, err := registry.Open(ctx, profile, "wiretap-dump", listenerID, cb, usecase.OpenOptions{})
	if err != nil {
		return err
	}
	fmt.Fprintf(os.Stderr, "-- attached to %s (%s, %d listeners)\n", sess.ID, sess.RunState, sess.ListenerCount)

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-stop:
	case <-done:
	case <-backend.Done():
		fmt.Fprintln(os.Stderr, "-- backend link lost")
	}

	leaveCtx, leaveCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer leaveCancel()
	return registry.Leave(leaveCtx, sess.ID, listenerID)
}

// printFrame writes one line per frame and reports whether it counted
// against the limit.
func printFrame(dec *canbus.CatalogDecoder, f *domain.Frame, showMiss bool) bool {
	ts := f.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	stamp := ts.Format("15:04:05.000")

	frameID, def := dec.Lookup(f.ID)
	if def == nil {
		if !showMiss {
			return false
		}
		fmt.Printf("%s  %-8s  ?         %s\n", stamp, hexutil.FormatID(frameID), hexutil.FormatBytes(f.Data))
		return true
	}

	signals, _ := dec.DecodeBody(def, f.Data, ts)
	parts := make([]string, 0, len(signals))
	for _, s := range signals {
		v := s.Display
		if v == "" {
			v = strings.TrimRight(strings.TrimRight(fmt.Sprintf("%.3f", s.Value), "0"), ".")
		}
		if s.Unit != "" {
			v += " " + s.Unit
		}
		parts = append(parts, s.Name+"="+v)
	}
	name := def.Name
	if name == "" {
		name = hexutil.FormatID(frameID)
	}
	fmt.Printf("%s  %-8s  %-16s  %s\n", stamp, hexutil.FormatID(frameID), name, strings.Join(parts, "  "))
	return true
}
