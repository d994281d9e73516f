package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"nostr-system/internal/cache"
	"nostr-system/internal/config"
	"nostr-system/internal/relay"
	"nostr-system/internal/signer"
)

func main() {
	root := &cobra.Command{
		Use:           "nostr-system",
		Short:         "Multi-relay Nostr client engine",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			// Only the long-running service logs to stdout; the other
			// commands print their results there
			var w io.Writer = os.Stderr
			if cmd.Name() == "run" {
				w = os.Stdout
			}
			InitLogger(w)
		},
	}
	root.AddCommand(newRunCmd(), newQueryCmd(), newPublishCmd(), newPairCmd(), newProfileCmd(), newFollowCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

// signalContext is cancelled on SIGINT or SIGTERM
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

// runtimeDeps bundles what every command builds from configuration
type runtimeDeps struct {
	cfg     *config.Config
	env     config.Env
	backend cache.CacheBackend
	users   *cache.UserStore
	signer  signer.Signer
	sys     *relay.System
}

func (d *runtimeDeps) Close() {
	if d.sys != nil {
		d.sys.Shutdown()
	}
	if d.backend != nil {
		d.backend.Close()
	}
}

func cacheBackendName(b cache.CacheBackend) string {
	if _, ok := b.(*cache.RedisCache); ok {
		return "redis"
	}
	return "memory"
}

// loadSigner prefers a remote bunker over a local key. A nil signer without
// error means none is configured.
func loadSigner(ctx context.Context, env config.Env) (signer.Signer, error) {
	if env.Bunker != "" {
		bunker, err := signer.ParseBunkerURI(env.Bunker)
		if err != nil {
			return nil, err
		}
		if err := bunker.Connect(ctx); err != nil {
			return nil, fmt.Errorf("connect to bunker: %w", err)
		}
		return bunker, nil
	}

	key, err := env.HexSecretKey()
	if err != nil {
		return nil, fmt.Errorf("NOSTR_SECRET_KEY: %w", err)
	}
	if key == "" {
		return nil, nil
	}
	local, err := signer.NewLocalSigner(key)
	if err != nil {
		return nil, err
	}
	return local, nil
}

// setup loads configuration, builds the cache and signer, and connects to
// the configured relays
func setup(ctx context.Context, requireSigner bool) (*runtimeDeps, error) {
	d := &runtimeDeps{cfg: config.Get(), env: config.LoadEnv()}

	cacheCfg := cache.DefaultCacheConfig()
	d.backend = cache.NewBackend(d.env.RedisURL, "nostr-system:", cacheCfg)
	d.users = cache.NewUserStore(d.backend, cacheCfg)

	s, err := loadSigner(ctx, d.env)
	if err != nil {
		d.Close()
		return nil, err
	}
	if s == nil && requireSigner {
		d.Close()
		return nil, fmt.Errorf("no signer configured: set NOSTR_SECRET_KEY or NOSTR_BUNKER")
	}
	d.signer = s

	sysCfg := relay.DefaultSystemConfig()
	sysCfg.RequestTimeout = d.cfg.RequestTimeout.Std()
	sysCfg.Conn.PublishTimeout = d.cfg.PublishTimeout.Std()
	sysCfg.BlockPrivateRelays = d.cfg.BlockPrivateRelays
	sysCfg.InfoStore = cache.NewRelayInfoStore(d.backend, cacheCfg)
	if s != nil {
		sysCfg.Conn.Authenticator = signer.NewAuthenticator(s)
	}
	d.sys = relay.NewSystem(sysCfg)

	for _, url := range d.cfg.RelayURLs() {
		if _, err := d.sys.ConnectToRelay(url, d.cfg.Relays[url]); err != nil {
			slog.Warn("skipping relay", "relay", url, "error", err)
		}
	}
	return d, nil
}

// addSignerRelays connects to the relays the signer advertises, if it can
func (d *runtimeDeps) addSignerRelays(ctx context.Context) {
	lister, ok := d.signer.(signer.RelayLister)
	if !ok {
		return
	}
	relays, err := lister.Relays(ctx)
	if err != nil {
		slog.Warn("could not fetch signer relays", "error", err)
		return
	}
	for url, settings := range relays {
		if _, err := d.sys.ConnectToRelay(url, settings); err != nil {
			slog.Debug("skipping signer relay", "relay", url, "error", err)
		}
	}
}

// serveMetrics runs the observability server until ctx is done
func serveMetrics(ctx context.Context, addr string, sys *relay.System, cacheBackend string) {
	srv := &http.Server{
		Addr:              addr,
		Handler:           RequestLoggingMiddleware(newMetricsMux(sys, cacheBackend)),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	slog.Info("metrics server listening", "addr", addr)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		slog.Error("metrics server failed", "error", err)
	}
}
