// Command server exposes the Android devices attached to the local adb
// server: fleet snapshots and agent lifecycle over HTTP, raw device
// tunnels and multiplexed shell, logcat and file channels over WebSocket.
package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/pflag"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/avaropoint/devmirror/internal/adb"
	"github.com/avaropoint/devmirror/internal/clock"
	"github.com/avaropoint/devmirror/internal/config"
	"github.com/avaropoint/devmirror/internal/fleet"
	"github.com/avaropoint/devmirror/internal/publish"
	"github.com/avaropoint/devmirror/internal/security"
	"github.com/avaropoint/devmirror/internal/store"
	"github.com/avaropoint/devmirror/internal/supervisor"
	"github.com/avaropoint/devmirror/internal/version"
)

const usage = `usage: server [flags] [serve]
       server [flags] keygen <name>`

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, "server:", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	flags := pflag.NewFlagSet("server", pflag.ContinueOnError)
	flags.Usage = func() {
		fmt.Fprintln(os.Stderr, usage)
		flags.PrintDefaults()
	}
	addr := flags.String("addr", "", "listen address (DEVMIRROR_ADDR)")
	dataDir := flags.String("data", "", "data directory for the database and certificates (DEVMIRROR_DATA_DIR)")
	tlsMode := flags.String("tls", "", "TLS mode: off, self-signed, acme or custom (DEVMIRROR_TLS)")
	auth := flags.Bool("auth", false, "require an API key on every request (DEVMIRROR_AUTH)")
	logLevel := flags.String("log-level", "", "debug, info, warn or error (LOG_LEVEL)")
	if err := flags.Parse(args); err != nil {
		return err
	}

	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if flags.Changed("addr") {
		cfg.Server.Addr = *addr
	}
	if flags.Changed("data") {
		cfg.Server.DataDir = *dataDir
	}
	if flags.Changed("tls") {
		cfg.Server.TLS = *tlsMode
	}
	if flags.Changed("auth") {
		cfg.Server.Auth = *auth
	}
	if flags.Changed("log-level") {
		cfg.LogLevel = *logLevel
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	log, err := newLogger(cfg.LogLevel)
	if err != nil {
		return err
	}
	defer log.Sync() //nolint:errcheck

	cmd := "serve"
	if flags.NArg() > 0 {
		cmd = flags.Arg(0)
	}
	switch cmd {
	case "serve":
		return serve(cfg, log)
	case "keygen":
		if flags.NArg() != 2 {
			return errors.New(usage)
		}
		return keygen(cfg, flags.Arg(1))
	default:
		return fmt.Errorf("unknown command %q\n%s", cmd, usage)
	}
}

func newLogger(level string) (*zap.Logger, error) {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		return nil, fmt.Errorf("log level: %w", err)
	}
	zc := zap.NewProductionConfig()
	zc.Level = zap.NewAtomicLevelAt(lvl)
	zc.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	return zc.Build()
}

func openStore(cfg *config.Config) (*store.SQLiteStore, error) {
	if err := os.MkdirAll(cfg.Server.DataDir, 0700); err != nil {
		return nil, fmt.Errorf("create data directory: %w", err)
	}
	return store.NewSQLiteStore(filepath.Join(cfg.Server.DataDir, "devmirror.db"))
}

// keygen creates an API key and prints it once.
func keygen(cfg *config.Config, name string) error {
	db, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	key, plain, err := security.GenerateAPIKey(name)
	if err != nil {
		return err
	}
	if err := db.CreateAPIKey(context.Background(), key); err != nil {
		return err
	}
	fmt.Printf("API key %q (id %s):\n%s\n", name, key.ID, plain)
	return nil
}

// listenHosts returns the host part of addr when it names one.
func listenHosts(addr string) []string {
	host, _, err := net.SplitHostPort(addr)
	if err != nil || host == "" || host == "0.0.0.0" || host == "::" {
		return nil
	}
	return []string{host}
}

func agentConfig(c config.AgentConfig) supervisor.Config {
	sc := supervisor.DefaultConfig()
	sc.LocalJar = c.Jar
	sc.Version = c.Version
	sc.Port = c.Port
	return sc
}

func serve(cfg *config.Config, log *zap.Logger) error {
	log.Info("starting server", zap.String("version", version.Version), zap.String("built", version.BuildTime))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	bridge, err := adb.NewGoADB(cfg.ADB.Host, cfg.ADB.Port, log)
	if err != nil {
		return err
	}
	if v, err := bridge.ServerVersion(ctx); err != nil {
		log.Warn("adb server not reachable yet", zap.String("addr", cfg.ADB.Addr()), zap.Error(err))
	} else {
		log.Info("adb server", zap.String("addr", cfg.ADB.Addr()), zap.Int("protocol", v))
	}
	mode, err := security.ParseTLSMode(cfg.Server.TLS)
	if err != nil {
		return err
	}
	tlsResult, err := security.SetupTLS(security.TLSOptions{
		Mode:        mode,
		DataDir:     cfg.Server.DataDir,
		CertFile:    cfg.Server.TLSCert,
		KeyFile:     cfg.Server.TLSKey,
		ACMEDomains: cfg.Server.ACMEDomains,
		Hosts:       listenHosts(cfg.Server.Addr),
	})
	if err != nil {
		return fmt.Errorf("tls setup: %w", err)
	}

	sup := supervisor.New(bridge, agentConfig(cfg.Agent), clock.Real(), log)
	tracker := fleet.NewTracker(bridge, sup, fleet.Options{Logger: log})

	var wg sync.WaitGroup
	background := func(name string, fn func() error) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := fn(); err != nil && !errors.Is(err, context.Canceled) {
				log.Error(name+" stopped", zap.Error(err))
			}
		}()
	}

	recorded := tracker.Subscribe()
	recorder := store.NewRecorder(db, log)
	background("recorder", func() error { return recorder.Run(ctx, recorded.C()) })

	if cfg.Redis.Addr != "" {
		pub, err := publish.NewRedisPublisher(ctx, cfg.Redis, log)
		if err != nil {
			log.Warn("redis unavailable, fleet events will not be published", zap.Error(err))
		} else {
			defer pub.Close()
			published := tracker.Subscribe()
			background("publisher", func() error { return pub.Run(ctx, published.C()) })
		}
	}
	background("tracker", func() error { return tracker.Run(ctx) })

	srv := NewServer(cfg, bridge, tracker, sup, db, log)
	httpSrv := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           srv.Router(),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       srv.BaseContext(ctx),
	}

	errc := make(chan error, 1)
	go func() {
		if tlsResult == nil {
			log.Info("listening", zap.String("addr", cfg.Server.Addr))
			errc <- httpSrv.ListenAndServe()
			return
		}
		httpSrv.TLSConfig = tlsResult.Config
		if tlsResult.ACMEManager != nil {
			go func() {
				if err := http.ListenAndServe(":80", tlsResult.ACMEManager.HTTPHandler(nil)); err != nil {
					log.Warn("acme challenge listener stopped", zap.Error(err))
				}
			}()
		}
		log.Info("listening", zap.String("addr", cfg.Server.Addr), zap.Stringer("tls", tlsResult.Mode))
		errc <- httpSrv.ListenAndServeTLS("", "")
	}()

	select {
	case <-ctx.Done():
		log.Info("shutting down")
	case err := <-errc:
		if !errors.Is(err, http.ErrServerClosed) {
			stop()
			wg.Wait()
			return err
		}
	}
	stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		log.Warn("http shutdown", zap.Error(err))
	}
	srv.Wait()
	wg.Wait()
	return nil
}
