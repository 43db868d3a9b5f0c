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

	"github.com/go-logr/logr"
	"github.com/spf13/cobra"

	"github.com/HsiangNianian/bidimapper/internal/cdp"
	"github.com/HsiangNianian/bidimapper/internal/config"
	"github.com/HsiangNianian/bidimapper/internal/logging"
	"github.com/HsiangNianian/bidimapper/internal/store"
	"github.com/HsiangNianian/bidimapper/internal/ws"
)

const shutdownTimeout = 5 * time.Second

type flags struct {
	configPath string
	listenAddr string
	cdpURL     string
	redisAddr  string
	verbosity  int
}

func newRootCmd() *cobra.Command {
	var f flags
	cmd := &cobra.Command{
		Use:   "mapper",
		Short: "Serve WebDriver BiDi on top of a Chrome DevTools Protocol browser",
		Long: `mapper accepts WebDriver BiDi clients over websocket and translates their
commands to CDP against a running browser. Each client gets its own browser
connection.`,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(cmd.Context(), f)
		},
	}
	cmd.Flags().StringVarP(&f.configPath, "config", "c", "", "path to a JSON-with-comments config file")
	cmd.Flags().StringVar(&f.listenAddr, "listen", "", "address to serve BiDi clients on")
	cmd.Flags().StringVar(&f.cdpURL, "cdp-url", "", "browser websocket debugger URL")
	cmd.Flags().StringVar(&f.redisAddr, "redis-addr", "", "redis address for the command store")
	cmd.Flags().CountVarP(&f.verbosity, "verbose", "v", "increase log verbosity")
	return cmd
}

func run(ctx context.Context, f flags) error {
	cfg, err := config.Load(f.configPath)
	if err != nil {
		return err
	}
	if f.listenAddr != "" {
		cfg.Server.ListenAddr = f.listenAddr
	}
	if f.cdpURL != "" {
		cfg.CDP.URL = f.cdpURL
	}
	if f.redisAddr != "" {
		cfg.Store.RedisAddr = f.redisAddr
		cfg.Store.Backend = config.BackendRedis
	}
	if cfg.CDP.URL == "" {
		return errors.New("a browser URL is required (--cdp-url or MAPPER_CDP_URL)")
	}

	log, flush, err := logging.New(logging.Options{
		Level:       cfg.Log.Level,
		Verbosity:   f.verbosity,
		Development: cfg.Log.Development,
	})
	if err != nil {
		return err
	}
	defer flush()

	st, closeStore, err := openStore(ctx, cfg.Store, log)
	if err != nil {
		return err
	}
	defer closeStore()

	hub := ws.NewHub(ws.Options{
		Store:     st,
		AuthToken: cfg.Server.AuthToken,
		Logger:    log.WithName("hub"),
		Dial: func(ctx context.Context) (cdp.Connection, error) {
			return cdp.Dial(ctx, cfg.CDP.URL, cdp.DialOptions{
				Timeout: cfg.CDP.DialTimeout.Std(),
				Logger:  log.WithName("cdp"),
			})
		},
		ResolveTimeout: cfg.Queue.ResolveTimeout.Std(),
		CommandTTL:     cfg.Store.CommandTTL.Std(),
	})

	mux := http.NewServeMux()
	mux.HandleFunc(cfg.Server.Path, hub.HandleSession)
	mux.HandleFunc("/healthz", hub.HandleHealth)
	srv := &http.Server{
		Addr:              cfg.Server.ListenAddr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		log.Info("Mapper listening", "addr", cfg.Server.ListenAddr, "path", cfg.Server.Path, "browser", cfg.CDP.URL)
		serveErr <- srv.ListenAndServe()
	}()

	select {
	case err := <-serveErr:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("mapper server failed: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	log.Info("Shutting down")
	hub.Shutdown()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func openStore(ctx context.Context, cfg config.StoreConfig, log logr.Logger) (store.Store, func(), error) {
	if cfg.Backend != config.BackendRedis {
		log.Info("Use memory store")
		return store.NewMemoryStore(), func() {}, nil
	}
	rs := store.NewRedisStore(cfg.RedisAddr)
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rs.Ping(pingCtx); err != nil {
		_ = rs.Close()
		return nil, nil, fmt.Errorf("connect to redis %s: %w", cfg.RedisAddr, err)
	}
	log.Info("Use redis store", "addr", cfg.RedisAddr)
	return rs, func() { _ = rs.Close() }, nil
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		stop()
		os.Exit(1)
	}
}
