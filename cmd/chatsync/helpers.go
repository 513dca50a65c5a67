package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"

	"github.com/kirayedar24/chatsync"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// env bundles everything a chat command needs.
type env struct {
	cfg        *Config
	store      *chatsync.PebbleStore
	client     *chatsync.Client
	identity   *chatsync.IdentityStore
	realtime   *chatsync.RealtimeClient
	metrics    *chatsync.Metrics
	notifier   chatsync.Notifier
	metricsSrv *http.Server
}

// openStateStore opens the pebble database under ~/.chatsync/state.
func openStateStore() (*chatsync.PebbleStore, error) {
	dir, err := configDir()
	if err != nil {
		return nil, err
	}
	return chatsync.OpenPebbleStore(filepath.Join(dir, "state"))
}

// openEnv loads configuration and credentials and builds the clients.
// Config and environment credentials take precedence over 'login' state.
func openEnv(ctx context.Context) (*env, error) {
	cfg, err := loadEffectiveConfig()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	store, err := openStateStore()
	if err != nil {
		return nil, err
	}

	e := &env{cfg: cfg, store: store, identity: chatsync.NewIdentityStore()}

	opts := []chatsync.ClientOption{chatsync.WithTokenStore(store)}
	if cfg.Default.BaseURL != "" {
		opts = append(opts, chatsync.WithBaseURL(cfg.Default.BaseURL))
	}
	if cfg.Auth.Token != "" {
		opts = append(opts, chatsync.WithToken(cfg.Auth.Token))
	}
	e.client = chatsync.NewClient(opts...)

	if cfg.Auth.UserID != "" {
		e.identity.Set(cfg.Auth.UserID)
	} else if err := e.identity.Load(ctx, store); err != nil {
		slog.Warn("cannot resolve local user", "error", err)
	}

	if metricsAddr != "" {
		reg := prometheus.NewRegistry()
		e.metrics = chatsync.NewMetrics(reg)
		e.metricsSrv = &http.Server{Addr: metricsAddr, Handler: promhttp.HandlerFor(reg, promhttp.HandlerOpts{})}
		go func() {
			if err := e.metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				slog.Warn("metrics server stopped", "error", err)
			}
		}()
	}

	if notifyWebhook != "" {
		n, err := chatsync.NewWebhookNotifier(notifyWebhook, notifySecret, nil)
		if err != nil {
			e.Close()
			return nil, err
		}
		e.notifier = n
	}

	e.realtime = chatsync.NewRealtimeClient(&chatsync.RealtimeConfig{
		URL:           cfg.Default.SocketURL,
		Token:         cfg.Auth.Token,
		Tokens:        store,
		AutoReconnect: true,
		Metrics:       e.metrics,
	})
	return e, nil
}

// connect starts the realtime channel. Failure is not fatal: sessions fall
// back to polling.
func (e *env) connect(ctx context.Context) {
	if err := e.realtime.Connect(ctx); err != nil {
		slog.Warn("realtime unavailable, polling only", "error", err)
	}
}

func (e *env) requireAuth(ctx context.Context) error {
	if e.cfg.Auth.Token != "" {
		return nil
	}
	if token, ok, _ := e.store.Get(ctx, chatsync.KeyAuthToken); ok && token != "" {
		return nil
	}
	return errors.New("not logged in; run 'chatsync login <token> <user-id>' first")
}

func (e *env) Close() {
	if e.realtime != nil {
		e.realtime.Disconnect()
	}
	if e.metricsSrv != nil {
		e.metricsSrv.Close()
	}
	if err := e.store.Close(); err != nil {
		fmt.Fprintf(os.Stderr, "close state store: %v\n", err)
	}
}

func valueOrDefault(val, def string) string {
	if val == "" {
		return def
	}
	return val
}

// maskKey shows the first 6 and last 4 characters of a token.
func maskKey(key string) string {
	if len(key) <= 12 {
		return "****"
	}
	return key[:6] + "..." + key[len(key)-4:]
}
