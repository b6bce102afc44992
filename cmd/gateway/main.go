package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"carelink.app/internal/client"
	"carelink.app/internal/config"
	"carelink.app/internal/httpapi"
	"carelink.app/internal/identity"
	"carelink.app/internal/obs"
	"carelink.app/internal/patient"
	"carelink.app/internal/proxy"
	"carelink.app/internal/replication"
	"carelink.app/internal/seed"
	"carelink.app/internal/syncengine"
)

var version = "0.1.0"

// upstreamProbe reports the document database reachable when it answers for
// the patients database, whether or not that database exists yet.
type upstreamProbe struct{ c *replication.Client }

func (p upstreamProbe) Ready(ctx context.Context) error {
	_, err := p.c.Info(ctx, replication.PatientsDB)
	if errors.Is(err, replication.ErrNotFound) {
		return nil
	}
	return err
}

func main() {
	configPath := flag.String("config", os.Getenv("CARELINK_CONFIG"), "Path to a YAML config file")
	flag.Parse()

	log := obs.Component("gateway")
	cfg, err := config.Load(*configPath)
	if err != nil {
		log.WithError(err).Fatal("load config")
	}
	if cfg.Auth.Secret == "" {
		log.Fatal("missing signing secret: set CARELINK_AUTH_SECRET")
	}
	obs.SetLevel(cfg.LogLevel)
	obs.Init()
	obs.InitBuildInfo("carelink-gateway", version)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	upstream, err := replication.NewClient(cfg.Gateway.Upstream,
		replication.WithBasicAuth(cfg.DocDB.Username, cfg.DocDB.Password))
	if err != nil {
		log.WithError(err).Fatal("upstream client")
	}

	backend, err := client.OpenBackend(cfg.Store)
	if err != nil {
		log.WithError(err).Fatal("open local store")
	}
	local := client.New(backend, client.Options{})
	defer local.Close()
	store, err := local.Store(ctx)
	if err != nil {
		log.WithError(err).Fatal("open local store")
	}
	if n, err := seed.Staff(ctx, store, seed.Options{}); err != nil {
		log.WithError(err).Fatal("seed staff accounts")
	} else if n > 0 {
		log.WithField("count", n).Info("staff accounts created")
	}

	provider, err := local.Identity(ctx, cfg.Auth.Secret,
		identity.WithSessionTTL(cfg.Auth.SessionTTL),
		identity.WithMagicLinkTTL(cfg.Auth.MagicLinkTTL),
		identity.WithPublicURL(cfg.Gateway.PublicURL),
	)
	if err != nil {
		log.WithError(err).Fatal("identity provider")
	}

	// Patients log in with credentials nurses registered on their devices.
	engine := syncengine.New(store)
	defer engine.Stop()
	if _, err := engine.Start(ctx, syncengine.Config{
		ID:           "carelink-gateway-patients",
		Collection:   store.MustCollection(patient.CollectionName),
		Remote:       upstream,
		Database:     replication.PatientsDB,
		Direction:    syncengine.PullOnly,
		BatchSize:    cfg.Sync.BatchSize,
		PollInterval: cfg.Sync.PollInterval,
	}); err != nil {
		log.WithError(err).Fatal("start patient replication")
	}

	px, err := proxy.New(cfg.Gateway.Upstream, cfg.DocDB.Username, cfg.DocDB.Password)
	if err != nil {
		log.WithError(err).Fatal("proxy")
	}

	api := httpapi.New(httpapi.ReadyProbe{Backend: upstreamProbe{upstream}}, version,
		httpapi.WithIdentity(provider),
		httpapi.WithProxy(httpapi.RequireSession(provider, px)),
		httpapi.WithRateLimit(cfg.Gateway.RateBurst, cfg.Gateway.RatePerS),
	)

	srv := &http.Server{
		Addr:              cfg.Gateway.Addr,
		Handler:           api.Handler(),
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 15 * time.Second,
		WriteTimeout:      httpapi.MaxLongPoll + 15*time.Second,
		IdleTimeout:       90 * time.Second,
	}

	go func() {
		log.WithField("addr", srv.Addr).WithField("upstream", cfg.Gateway.Upstream).Info("carelink-gateway listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithError(err).Fatal("listen")
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop
	log.Info("shutting down")

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()
	_ = srv.Shutdown(shutdownCtx)
	log.Info("stopped")
}
