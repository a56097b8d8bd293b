package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/prometheus/client_golang/prometheus"

	"updatebot/internal/config"
	"updatebot/internal/convert"
	"updatebot/internal/db"
	"updatebot/internal/engine"
	"updatebot/internal/metrics"
	"updatebot/internal/migrate"
	"updatebot/internal/notify"
	"updatebot/internal/remote"
	"updatebot/internal/repo"
	"updatebot/internal/staleness"
	"updatebot/internal/storage"
)

const ServiceName = "updatebot"

// NewLogger returns a JSON logger tagged with the service name.
func NewLogger(level string) *slog.Logger {
	h := slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: ParseLevel(level)})
	return slog.New(h).With("service", ServiceName)
}

func ParseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	}
	return slog.LevelInfo
}

// Runtime is a fully wired engine plus what must be closed after use.
type Runtime struct {
	Engine  engine.Engine
	Metrics *metrics.Metrics
	closers []func() error
}

func (r *Runtime) Close() error {
	var errs []error
	for i := len(r.closers) - 1; i >= 0; i-- {
		errs = append(errs, r.closers[i]())
	}
	return errors.Join(errs...)
}

// Open opens the workspace catalog, migrates it and wires every collaborator
// the crawl needs according to cfg.
func Open(ctx context.Context, workspace string, cfg *config.Config, logger *slog.Logger, reg prometheus.Registerer) (*Runtime, error) {
	if cfg == nil {
		return nil, errors.New("config not loaded")
	}
	if logger == nil {
		logger = NewLogger(cfg.Log.Level)
	}
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return nil, err
	}
	rt := &Runtime{closers: []func() error{conn.Close}}
	if _, err := migrate.Migrate(ctx, conn); err != nil {
		rt.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	if err := rt.wire(ctx, conn, cfg, logger, reg); err != nil {
		rt.Close()
		return nil, err
	}
	return rt, nil
}

func (rt *Runtime) wire(ctx context.Context, conn *sql.DB, cfg *config.Config, logger *slog.Logger, reg prometheus.Registerer) error {
	e := engine.New(conn, cfg)
	e.Logger = logger
	rt.Metrics = metrics.New(reg)
	e.Metrics = rt.Metrics

	fetcher, err := remote.New(cfg.Crawl.HTTPTimeout.Duration, cfg.Crawl.HeaderMemo)
	if err != nil {
		return err
	}
	fetcher.Logger = logger
	e.Remote = fetcher

	store, err := openStore(cfg)
	if err != nil {
		return err
	}
	e.Store = store

	records, err := rt.openRecords(ctx, cfg, e.Repo)
	if err != nil {
		return err
	}
	e.Staleness = staleness.New(records, fetcher, store, logger)

	host, _ := os.Hostname()
	e.Converter = &convert.Service{
		Converter: convert.ExecConverter{Command: cfg.Converter.Command, Args: cfg.Converter.Args},
		Introspector: convert.HTTPIntrospector{
			Client: fetcher.Client,
			Suffix: cfg.Converter.IntrospectSuffix,
		},
		Store:           store,
		Catalog:         e.Repo,
		Recorder:        e.Staleness,
		Lengths:         fetcher,
		Paths:           convert.Paths{WorkingDir: cfg.Paths.WorkingDir, AccessBaseURL: cfg.Paths.AccessURL},
		HostName:        host,
		SoftwareName:    cfg.Converter.SoftwareName,
		SoftwareVersion: cfg.Converter.SoftwareVersion,
		Logger:          logger,
	}
	if cfg.Mail.SendAdmin || cfg.Mail.SendUser {
		e.Notifier = notify.Notifier{
			Sender:    notify.SMTPSender{Host: cfg.Mail.Host, Port: cfg.Mail.Port, From: cfg.Mail.From},
			Admin:     cfg.Mail.Admin,
			SendAdmin: cfg.Mail.SendAdmin,
			SendUser:  cfg.Mail.SendUser,
			Logger:    logger,
		}
	}
	rt.Engine = e
	return nil
}

func openStore(cfg *config.Config) (storage.Store, error) {
	if cfg.Storage.Backend == "s3" {
		s3 := cfg.Storage.S3
		return storage.NewS3(storage.S3Config{
			Endpoint:  s3.Endpoint,
			Region:    s3.Region,
			AccessKey: s3.AccessKey,
			SecretKey: s3.SecretKey,
			Bucket:    s3.Bucket,
			Prefix:    s3.Prefix,
			UseSSL:    s3.UseSSL,
			PublicURL: s3.PublicURL,
		})
	}
	return storage.NewLocal(cfg.Paths.BaseDir, cfg.Paths.BaseURL), nil
}

func (rt *Runtime) openRecords(ctx context.Context, cfg *config.Config, r repo.Repo) (staleness.RecordStore, error) {
	switch cfg.Staleness.Backend {
	case "postgres":
		pg, err := staleness.NewPostgresStore(ctx, cfg.Staleness.DSN)
		if err != nil {
			return nil, fmt.Errorf("open postgres staleness store: %w", err)
		}
		rt.closers = append(rt.closers, func() error { pg.Close(); return nil })
		return pg, nil
	case "redis":
		rs, err := staleness.NewRedisStore(cfg.Staleness.Addr, cfg.Staleness.Password, cfg.Staleness.DB)
		if err != nil {
			return nil, fmt.Errorf("open redis staleness store: %w", err)
		}
		rt.closers = append(rt.closers, rs.Close)
		return rs, nil
	}
	return r, nil
}
