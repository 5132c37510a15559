package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/orrn/cloudspool/internal/api"
	"github.com/orrn/cloudspool/internal/api/handlers"
	"github.com/orrn/cloudspool/internal/api/middleware"
	"github.com/orrn/cloudspool/internal/cloud"
	"github.com/orrn/cloudspool/internal/config"
	"github.com/orrn/cloudspool/internal/convert"
	"github.com/orrn/cloudspool/internal/core"
	"github.com/orrn/cloudspool/internal/notify"
	"github.com/orrn/cloudspool/internal/registry"
	"github.com/orrn/cloudspool/internal/store"
	"github.com/orrn/cloudspool/internal/telemetry"
	"github.com/orrn/cloudspool/internal/xmpp"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to config file")
	flag.Parse()

	if err := run(*configPath); err != nil {
		log.Fatalf("cloudspool: %v", err)
	}
}

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	logger := log.New(os.Stderr, "", log.LstdFlags)

	if err := os.MkdirAll(cfg.Store.DataDir, 0o755); err != nil {
		return fmt.Errorf("failed to create data dir: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(cfg.Store.Path), 0o755); err != nil {
		return fmt.Errorf("failed to create store dir: %w", err)
	}

	st, err := store.Open(cfg.Store.Path)
	if err != nil {
		return err
	}
	defer st.Close()

	proxyID, err := ensureProxyID(st, cfg.Cloud.ProxyName)
	if err != nil {
		return err
	}
	logger.Printf("proxy identity: %s", proxyID)

	refreshToken, err := st.Setting(context.Background(), store.SettingRefreshToken)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return err
	}

	ticket := cloud.NewTicket(cfg.Cloud.TokenURL, cfg.Cloud.ClientID, cfg.Cloud.ClientSecret, refreshToken, nil)
	svc := cloud.NewClient(cfg.Cloud.BaseURL, proxyID, ticket, cfg.Cloud.RequestTimeout)

	var source core.PrinterSource
	switch cfg.Printers.Source {
	case "snapshot":
		source = registry.NewSnapshotSource(cfg.Printers.SnapshotPath)
	default:
		source = registry.NewIPPSource(cfg.Printers.CUPSURL, cfg.Printers.ConnectionTimeout)
	}
	reg := core.NewRegistry(source)

	converter := convert.NewRawConverter(convert.RawOptions{
		Hosts:       cfg.Printers.Hosts,
		Port:        cfg.Printers.RawPort,
		RequireAuth: cfg.Queue.RequireAuth,
		ConnTimeout: cfg.Printers.ConnectionTimeout,
		Users:       st,
	})
	defer converter.Close()

	dispatcher := core.NewDispatcher(core.DispatcherConfig{
		AcceptedDomains: cfg.Cloud.AcceptedDomains,
		MaxAttempts:     cfg.Queue.MaxAttempts,
		ReminderWindow:  cfg.Queue.ReminderWindow,
	}, converter, logger)
	defer dispatcher.Close()

	notifier := notify.NewWebhookNotifier(notify.Config{
		URL:     cfg.Notify.URL,
		Secret:  cfg.Notify.Secret,
		Timeout: cfg.Notify.Timeout,
	})
	notifier.Start()
	defer notifier.Stop()
	dispatcher.SetNotifier(notifier)

	proxy := core.NewProxy(core.ProxyConfig{
		ProxyID:           proxyID,
		DataDir:           cfg.Store.DataDir,
		PollInterval:      cfg.Cloud.PollInterval,
		ReconcileInterval: cfg.Cloud.ReconcileInterval,
		ReconcileMinGap:   cfg.Cloud.ReconcileMinGap,
	}, svc, st, reg, dispatcher, logger)

	proxy.SetExchange(func(ctx context.Context, authCode string) (string, error) {
		return ticket.Exchange(ctx, authCode, "oob")
	})
	proxy.SetPushConnector(pushConnector(cfg, st, ticket, logger))

	metricsReg := prometheus.NewRegistry()
	telemetry.Register(metricsReg)

	startProxy := func() error { return proxy.Start(cfg.Cloud.UsePush) }
	if err := startProxy(); err != nil {
		if errors.Is(err, core.ErrNotRegistered) {
			logger.Printf("proxy is not registered yet; complete registration via the API")
		} else {
			return err
		}
	}
	defer proxy.Stop()

	auth, err := middleware.NewAuthMiddleware(st, dispatcher)
	if err != nil {
		return err
	}

	router := api.NewRouter(api.RouterDeps{
		Auth:     auth,
		Jobs:     handlers.NewJobHandler(proxy, dispatcher, st),
		Printers: handlers.NewPrinterHandler(proxy, reg),
		Proxy:    handlers.NewProxyHandler(proxy, st, startProxy),
		Registry: metricsReg,
	})

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Printf("listening on %s", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return err
	case sig := <-sigCh:
		logger.Printf("received %s, shutting down", sig)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

// ensureProxyID returns the durable proxy identity, minting one on first run.
func ensureProxyID(st *store.Store, proxyName string) (string, error) {
	ctx := context.Background()

	id, err := st.Setting(ctx, store.SettingProxyID)
	if err == nil {
		return id, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return "", err
	}

	if proxyName == "" {
		proxyName = "cloudspool"
	}
	id = proxyName + "-" + uuid.NewString()
	if err := st.SetSetting(ctx, store.SettingProxyID, id); err != nil {
		return "", err
	}
	return id, nil
}

// pushConnector adapts the push channel client to the orchestrator's
// connect contract: dial, subscribe the job channel, and map session
// termination onto the owner callback.
func pushConnector(cfg *config.Config, st *store.Store, ticket *cloud.Ticket, logger *log.Logger) core.PushConnector {
	return func(onPush func(data []byte), onDone func(err error, subscribed bool)) (core.PushSession, error) {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		jid, err := st.Setting(ctx, store.SettingXMPPJID)
		if err != nil {
			return nil, fmt.Errorf("no push identity on record: %w", err)
		}
		token, err := ticket.AccessToken(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to obtain push credential: %w", err)
		}

		client, err := xmpp.Dial(ctx, xmpp.Options{
			Server:    cfg.XMPP.Server,
			Port:      cfg.XMPP.Port,
			ProxyAddr: cfg.XMPP.ProxyAddr,
			ProxyAuth: cfg.XMPP.ProxyAuth,
			JID:       jid,
			Token:     token,
			KeepAlive: cfg.XMPP.KeepAlive,
			Done: func(err error, c *xmpp.Client) {
				onDone(err, c.Subscribed())
			},
		})
		if err != nil {
			return nil, err
		}

		if err := client.Subscribe(cfg.XMPP.PushChannel, onPush); err != nil {
			client.Quit()
			return nil, err
		}
		logger.Printf("push channel connected as %s", client.FullJID())
		return client, nil
	}
}
