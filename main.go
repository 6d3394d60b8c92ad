package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/alecthomas/kong"
	"github.com/charmbracelet/lipgloss"
	"github.com/mattn/go-isatty"
	"golang.org/x/sync/errgroup"

	_ "github.com/KimMachineGun/automemlimit"

	"github.com/TheRealShadoh/booktarr-sub000/internal"
)

type cli struct {
	Config  string `help:"Path to a YAML config file." type:"path"`
	Verbose bool   `help:"Enable debug logging." short:"v"`

	Serve  serveCmd  `cmd:"" default:"1" help:"Run the metadata service."`
	Import importCmd `cmd:"" help:"Import a library export file."`
	Audit  auditCmd  `cmd:"" help:"Audit series integrity and exit."`
}

type serveCmd struct {
	Listen string `help:"Listen address, overriding the config."`
}

type importCmd struct {
	Path           string            `arg:"" help:"Export file to import." type:"existingfile"`
	Format         string            `help:"Import format." default:"csv-generic"`
	Enrich         bool              `help:"Enrich imported ISBNs against the sources."`
	SkipDuplicates bool              `help:"Skip rows whose ISBN is already in the library."`
	Mapping        map[string]string `help:"Column mapping for csv-generic, field=column pairs."`
}

type auditCmd struct {
	Reconcile bool `help:"Repair every series after reporting."`
}

type app struct {
	cfg     internal.Config
	gw      internal.Gateway
	caches  *internal.CacheSet
	engine  *internal.Engine
	series  *internal.Integrity
	import_ *internal.Importer
	jobs    *internal.JobStore
	metrics *internal.Metrics
	close   func()
}

func main() {
	var flags cli
	ctx := kong.Parse(&flags,
		kong.Name("booktarr"),
		kong.Description("Book library metadata enrichment service."),
		kong.UsageOnError(),
	)
	if err := ctx.Run(&flags); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func build(ctx context.Context, flags *cli) (*app, error) {
	cfg, err := internal.LoadConfig(flags.Config)
	if err != nil {
		return nil, err
	}
	if flags.Verbose {
		cfg.LogLevel = "debug"
	}
	internal.SetLogLevelName(cfg.LogLevel)

	metrics := internal.NewMetrics()

	var closers []func()
	durable, err := internal.DurableStore(ctx, cfg.CacheDSN)
	if err != nil {
		return nil, err
	}
	if closer, ok := durable.(interface{ Close() }); ok && closer != nil {
		closers = append(closers, closer.Close)
	}

	caches, err := internal.NewCacheSet(cfg.Cache, durable, metrics.Cache())
	if err != nil {
		return nil, err
	}

	gw, err := internal.NewSQLGateway(ctx, cfg.DatabasePath)
	if err != nil {
		return nil, err
	}
	closers = append(closers, func() { _ = gw.Close() })

	series := internal.NewIntegrity(gw, metrics.Series())
	sources := cfg.BuildSources(caches, metrics.Source())
	pages := internal.NewPageFetcher(caches.Pages)
	engine := internal.NewEngine(sources, caches, gw, series, pages, cfg.PageFallbackURL, cfg.Enrich, metrics.Enrich())

	jobs := internal.NewJobStore(durable)
	if err := jobs.Recover(ctx); err != nil {
		slog.Warn("problem recovering jobs", "err", err)
	}
	importer := internal.NewImporter(gw, engine, series, jobs, cfg.Import, metrics.Import())

	return &app{
		cfg:     cfg,
		gw:      gw,
		caches:  caches,
		engine:  engine,
		series:  series,
		import_: importer,
		jobs:    jobs,
		metrics: metrics,
		close: func() {
			for _, c := range closers {
				c()
			}
		},
	}, nil
}

var _banner = lipgloss.NewStyle().
	Foreground(lipgloss.Color("12")).
	Bold(true).
	Render("booktarr")

func (c *serveCmd) Run(flags *cli) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := build(ctx, flags)
	if err != nil {
		return err
	}
	defer a.close()

	if c.Listen != "" {
		a.cfg.Listen = c.Listen
	}
	if isatty.IsTerminal(os.Stderr.Fd()) {
		fmt.Fprintln(os.Stderr, _banner)
	}

	handler := internal.NewHandler(a.engine, internal.NewSearcher(a.engine.Sources()), a.import_, a.jobs, a.series, a.gw, a.caches, a.metrics)
	server := &http.Server{
		Addr:              a.cfg.Listen,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	group, ctx := errgroup.WithContext(ctx)
	group.Go(func() error {
		err := a.series.Run(ctx)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})
	group.Go(func() error {
		slog.Info("listening", "addr", a.cfg.Listen)
		if err := server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	group.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})
	return group.Wait()
}

func (c *importCmd) Run(flags *cli) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := build(ctx, flags)
	if err != nil {
		return err
	}
	defer a.close()

	format, err := internal.ParseFormat(c.Format)
	if err != nil {
		return err
	}
	f, err := os.Open(c.Path)
	if err != nil {
		return err
	}
	defer func() { _ = f.Close() }()

	// Series links apply in the background; drain them for the life of the
	// import.
	linkCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() { _ = a.series.Run(linkCtx) }()

	opts := a.import_.Defaults()
	if c.Enrich {
		opts.Enrich = true
	}
	if c.SkipDuplicates {
		opts.SkipDuplicates = true
	}
	if len(c.Mapping) > 0 {
		opts.Mapping = c.Mapping
	}

	job, err := a.import_.RunSync(ctx, format, f, opts)
	if err != nil {
		return err
	}
	slog.Info("import finished",
		"state", job.State,
		"processed", job.Counters.Processed,
		"added", job.Counters.Added,
		"updated", job.Counters.Updated,
		"skipped", job.Counters.Skipped,
		"duplicates", job.Counters.Duplicates,
		"warnings", job.Counters.Warnings,
	)
	if job.State != internal.JobCompleted {
		return fmt.Errorf("import %s: %s", job.State, job.Error)
	}
	return nil
}

func (c *auditCmd) Run(flags *cli) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := build(ctx, flags)
	if err != nil {
		return err
	}
	defer a.close()

	score, audit, err := a.series.HealthScore(ctx)
	if err != nil {
		return err
	}
	slog.Info("library health", "score", score,
		"valid", len(audit.Valid),
		"correctable", len(audit.Correctable),
		"invalid", len(audit.Invalid),
	)
	for _, r := range audit.All() {
		if r.Healthy {
			continue
		}
		slog.Warn("series needs attention",
			"series", r.Series.Name,
			"score", r.Score,
			"missing", len(r.Missing),
			"duplicates", len(r.Duplicates),
			"orphans", len(r.Orphans),
		)
		if c.Reconcile {
			if _, err := a.series.Reconcile(ctx, r.Series.Name); err != nil {
				slog.Error("reconcile failed", "series", r.Series.Name, "err", err)
			}
		}
	}
	return nil
}
