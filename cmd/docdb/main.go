package main

import (
	"context"
	"flag"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"google.golang.org/grpc"

	"carelink.app/internal/config"
	"carelink.app/internal/docdb"
	"carelink.app/internal/httpapi"
	"carelink.app/internal/migrate"
	"carelink.app/internal/obs"
	"carelink.app/internal/store/pg"
	"carelink.app/internal/stream"
)

var version = "0.1.0"

func main() {
	configPath := flag.String("config", os.Getenv("CARELINK_CONFIG"), "Path to a YAML config file")
	autoMigrate := flag.Bool("migrate", false, "Apply pending SQL migrations before serving (postgres only)")
	flag.Parse()

	log := obs.Component("docdb")
	cfg, err := config.Load(*configPath)
	if err != nil {
		log.WithError(err).Fatal("load config")
	}
	obs.SetLevel(cfg.LogLevel)
	obs.Init()
	obs.InitBuildInfo("carelink-docdb", version)

	hub := stream.New()
	var (
		svc     docdb.Service
		closeDB func() error
	)
	if cfg.DocDB.DSN != "" {
		store, err := pg.Open(cfg.DocDB.DSN, hub)
		if err != nil {
			log.WithError(err).Fatal("open postgres")
		}
		if *autoMigrate {
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			applied, err := migrate.NewManager(store.DB()).Up(ctx)
			cancel()
			if err != nil {
				log.WithError(err).Fatal("apply migrations")
			}
			log.WithField("applied", applied).Info("migrations applied")
		}
		svc, closeDB = store, store.Close
		log.Info("using postgres backend")
	} else {
		svc, closeDB = docdb.NewInMemory(hub), func() error { return nil }
		log.Warn("no DSN configured, using in-memory backend")
	}

	probe := httpapi.ReadyProbe{Backend: svc}
	api := httpapi.New(probe, version, httpapi.WithDocDB(svc, cfg.DocDB.Username, cfg.DocDB.Password))

	srv := &http.Server{
		Addr:              cfg.DocDB.Addr,
		Handler:           api.Handler(),
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 15 * time.Second,
		// Long-poll change feeds hold the response open.
		WriteTimeout: httpapi.MaxLongPoll + 15*time.Second,
		IdleTimeout:  90 * time.Second,
	}

	grpcSrv := grpc.NewServer()
	httpapi.NewGRPCServer(probe, "carelink.docdb").Register(grpcSrv)
	lis, err := net.Listen("tcp", cfg.DocDB.GRPCAddr)
	if err != nil {
		log.WithError(err).Fatal("listen grpc")
	}

	go func() {
		log.WithField("addr", cfg.DocDB.GRPCAddr).Info("grpc health listening")
		if err := grpcSrv.Serve(lis); err != nil {
			log.WithError(err).Error("grpc serve")
		}
	}()
	go func() {
		log.WithField("addr", srv.Addr).WithField("version", version).Info("carelink-docdb listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithError(err).Fatal("listen")
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop
	log.Info("shutting down")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = srv.Shutdown(ctx)
	grpcSrv.GracefulStop()
	_ = closeDB()
	log.Info("stopped")
}
