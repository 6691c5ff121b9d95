// Command probe is a diagnostic client for the server. It either follows
// the fleet tracker channel and logs device updates, or opens a stream to
// one device's agent, logs what the agent announces and optionally taps
// the screen.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/avaropoint/devmirror/internal/version"
)

// reconnectDelay is the pause between connection attempts.
const reconnectDelay = 5 * time.Second

func main() {
	flags := pflag.NewFlagSet("probe", pflag.ExitOnError)
	server := flags.String("server", "ws://localhost:8000", "server WebSocket base URL")
	key := flags.String("key", os.Getenv("DEVMIRROR_KEY"), "API key (DEVMIRROR_KEY)")
	udid := flags.String("udid", "", "device to stream from; without it the fleet is watched")
	remote := flags.String("remote", "tcp:8886", "agent socket on the device")
	path := flags.String("path", "/", "agent WebSocket path")
	tap := flags.String("tap", "", "tap at x,y in video pixels once the stream is ready")
	duration := flags.Duration("duration", 0, "stop streaming after this long (0 runs until interrupted)")
	level := flags.String("log-level", "info", "debug, info, warn or error")
	_ = flags.Parse(os.Args[1:])

	log, err := newLogger(*level)
	if err != nil {
		fmt.Fprintln(os.Stderr, "probe:", err)
		os.Exit(2)
	}
	defer log.Sync() //nolint:errcheck
	log.Info("probe starting", zap.String("version", version.Version), zap.String("server", *server))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	header := http.Header{}
	if *key != "" {
		header.Set("Authorization", "Bearer "+*key)
	}
	p := &Probe{server: *server, header: header, log: log}

	if *udid == "" {
		for {
			err := p.Watch(ctx)
			if ctx.Err() != nil {
				return
			}
			log.Warn("connection lost", zap.Error(err), zap.Duration("retry_in", reconnectDelay))
			select {
			case <-ctx.Done():
				return
			case <-time.After(reconnectDelay):
			}
		}
	}

	opts := StreamOptions{UDID: *udid, Remote: *remote, Path: *path}
	if *tap != "" {
		pt, err := parseTap(*tap)
		if err != nil {
			log.Fatal("bad --tap", zap.Error(err))
		}
		opts.Tap = &pt
	}
	if *duration > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, *duration)
		defer cancel()
	}
	if err := p.Stream(ctx, opts); err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
		log.Error("stream failed", zap.Error(err))
		os.Exit(1)
	}
}

func newLogger(level string) (*zap.Logger, error) {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		return nil, fmt.Errorf("log level: %w", err)
	}
	zc := zap.NewDevelopmentConfig()
	zc.Level = zap.NewAtomicLevelAt(lvl)
	zc.DisableStacktrace = true
	return zc.Build()
}
