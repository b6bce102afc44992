package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"os"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"carelink.app/internal/config"
	"carelink.app/internal/migrate"
	"carelink.app/internal/obs"
)

func main() {
	var (
		configPath = flag.String("config", os.Getenv("CARELINK_CONFIG"), "Path to a YAML config file")
		dsn        = flag.String("dsn", "", "PostgreSQL DSN (overrides docdb.dsn)")
		table      = flag.String("table", "", "Migration bookkeeping table (default schema_migrations)")
		dir        = flag.String("dir", "", "Read migrations from this directory instead of the embedded set")
	)
	flag.Parse()

	log := obs.Component("migrate")
	cfg, err := config.Load(*configPath)
	if err != nil {
		log.WithError(err).Fatal("load config")
	}
	obs.SetLevel(cfg.LogLevel)
	if *dsn == "" {
		*dsn = cfg.DocDB.DSN
	}
	if *dsn == "" {
		log.Fatal("missing DSN: set docdb.dsn, CARELINK_DOCDB_DSN or -dsn")
	}
	cmd := flag.Arg(0)
	if cmd != "up" && cmd != "down" && cmd != "status" {
		log.Fatal("usage: migrate [flags] up|down|status")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	db, err := sql.Open("pgx", *dsn)
	if err != nil {
		log.WithError(err).Fatal("open db")
	}
	defer db.Close()

	opts := []migrate.Option{migrate.WithMigrationsTable(*table)}
	if *dir != "" {
		opts = append(opts, migrate.WithFiles(os.DirFS(*dir)))
	}
	mgr := migrate.NewManager(db, opts...)

	var names []string
	switch cmd {
	case "up":
		names, err = mgr.Up(ctx)
		log.WithField("applied", len(names)).Info("documents schema up to date")
	case "down":
		err = mgr.Down(ctx)
	case "status":
		names, err = mgr.Status(ctx)
	}
	if err != nil {
		log.WithError(err).WithField("command", cmd).Fatal("migration failed")
	}
	for _, name := range names {
		fmt.Println(name)
	}
}
