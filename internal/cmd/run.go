package cmd

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/slurmbridge/slurmbridge/internal/config"
	"github.com/slurmbridge/slurmbridge/internal/observability"
	"github.com/slurmbridge/slurmbridge/internal/server"
	"github.com/slurmbridge/slurmbridge/pkg/harvest"
	"github.com/slurmbridge/slurmbridge/pkg/identity"
	"github.com/slurmbridge/slurmbridge/pkg/pipeline"
	"github.com/slurmbridge/slurmbridge/pkg/portal"
	"github.com/slurmbridge/slurmbridge/pkg/scheduler"
	"github.com/slurmbridge/slurmbridge/pkg/selfupdate"
	"github.com/slurmbridge/slurmbridge/pkg/slurm"
	"github.com/slurmbridge/slurmbridge/pkg/store"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the bridge daemon",
	Long: `Run the control loop: submit pending jobs, synchronize cluster state,
garbage collect local caches, and (when enabled) self-update and harvest
metrics, each on its own interval.`,
	RunE: runDaemon,
}

func init() {
	rootCmd.AddCommand(runCmd)
}

func runDaemon(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		// Fail fast: configuration problems are not retried.
		return exitError(foundry.ExitInvalidArgument, "configuration error", err)
	}

	logger, err := observability.NewLogger(observability.LogConfig(cfg.Logging))
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "logging setup failed", err)
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.Info("starting slurmbridged",
		zap.String("version", versionInfo.Version),
		zap.String("commit", versionInfo.Commit))

	db, err := store.Open(ctx, store.Config{Path: cfg.Cache.DBPath()})
	if err != nil {
		return exitError(foundry.ExitFileWriteError, "open cache store", err)
	}
	defer func() { _ = db.Close() }()

	submissionCache := store.NewSubmissionCache(db)
	identityCache := store.NewIdentityCache(db)

	cluster, err := slurm.New(slurm.Config{
		SubmitTool:  cfg.Slurm.SubmitTool,
		InspectTool: cfg.Slurm.InspectTool,
		RateLimit:   cfg.Slurm.RateLimit,
	}, logger.Named("slurm"))
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "cluster client setup failed", err)
	}

	portalClient, err := portal.NewHTTPClient(portal.HTTPConfig{
		BaseURL: cfg.Portal.BaseURL,
		Token:   cfg.Portal.Token,
		Timeout: cfg.Portal.Timeout,
	})
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "portal client setup failed", err)
	}

	mapper, err := buildIdentityMapper(cfg, identityCache, logger)
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "identity mapper setup failed", err)
	}

	submitter := pipeline.NewSubmitter(portalClient, mapper, submissionCache, cluster,
		pipeline.SubmitConfig{
			Workers:   cfg.Submission.Workers,
			KeepFiles: cfg.Submission.KeepFiles,
			WorkDir:   cfg.Submission.WorkDir,
		}, logger.Named("submit"))
	syncer := pipeline.NewSyncer(portalClient, cluster,
		pipeline.SyncConfig{Workers: cfg.Sync.Workers}, logger.Named("sync"))
	collector := pipeline.NewCollector(portalClient, submissionCache, identityCache,
		pipeline.GCConfig{
			MinAge:      cfg.GC.MinAge,
			IdentityTTL: cfg.Identity.CacheTTL,
		}, logger.Named("gc"))

	sched := scheduler.New(scheduler.Config{
		Workers:      cfg.Scheduler.Workers,
		DrainTimeout: cfg.Scheduler.DrainTimeout,
	}, logger.Named("scheduler"))

	tasks := []scheduler.Task{
		{Name: "submit", Interval: cfg.Submission.Interval, Run: func(ctx context.Context) error {
			_, err := submitter.Run(ctx)
			return err
		}},
		{Name: "sync", Interval: cfg.Sync.Interval, Run: func(ctx context.Context) error {
			_, err := syncer.Run(ctx)
			return err
		}},
		{Name: "gc", Interval: cfg.GC.Interval, Run: func(ctx context.Context) error {
			_, err := collector.Run(ctx)
			return err
		}},
	}

	if cfg.Update.Enabled {
		index, err := selfupdate.NewHTTPIndex(cfg.Update.IndexURL, cfg.Portal.Timeout)
		if err != nil {
			return exitError(foundry.ExitInvalidArgument, "package index setup failed", err)
		}
		updater, err := selfupdate.NewUpdater(index, versionInfo.Version, logger.Named("update"))
		if err != nil {
			return exitError(foundry.ExitInvalidArgument, "self-updater setup failed", err)
		}
		tasks = append(tasks, scheduler.Task{
			Name: "update", Interval: cfg.Update.Interval, Run: updater.Check,
		})
	}

	if cfg.Harvest.Enabled {
		source, err := harvest.NewInfluxSource(harvest.InfluxConfig{
			URL:    cfg.Harvest.Influx.URL,
			Token:  cfg.Harvest.Influx.Token,
			Org:    cfg.Harvest.Influx.Org,
			Bucket: cfg.Harvest.Influx.Bucket,
		})
		if err != nil {
			return exitError(foundry.ExitInvalidArgument, "time-series source setup failed", err)
		}
		defer source.Close()

		harvester, err := harvest.New(source, portalClient, harvest.Config{
			Measurements: cfg.Harvest.Measurements,
			Window:       cfg.Harvest.Window,
		}, logger.Named("harvest"))
		if err != nil {
			return exitError(foundry.ExitInvalidArgument, "harvester setup failed", err)
		}
		tasks = append(tasks, scheduler.Task{
			Name: "harvest", Interval: cfg.Harvest.Interval, Run: func(ctx context.Context) error {
				_, err := harvester.Run(ctx)
				return err
			},
		})
	}

	for _, t := range tasks {
		if err := sched.Register(t); err != nil {
			return exitError(foundry.ExitInvalidArgument, "task registration failed", err)
		}
	}

	if cfg.Server.Enabled {
		srv := server.New(cfg.Server.Host, cfg.Server.Port, server.VersionInfo{
			Version:   versionInfo.Version,
			Commit:    versionInfo.Commit,
			BuildDate: versionInfo.BuildDate,
		}, sched.Snapshot, logger.Named("server"))
		go func() {
			if err := srv.ListenAndServe(ctx); err != nil {
				logger.Warn("introspection server stopped", zap.Error(err))
			}
		}()
	}

	if err := sched.Run(ctx); err != nil {
		return fmt.Errorf("scheduler: %w", err)
	}

	logger.Info("shutdown complete")
	return nil
}

func buildIdentityMapper(cfg *config.Config, cache *store.IdentityCache, logger *zap.Logger) (identity.Mapper, error) {
	switch cfg.Identity.Strategy {
	case config.IdentityStrategyFixed:
		return identity.NewFixed(cfg.Identity.FixedUsername)
	case config.IdentityStrategyDirectory:
		directory, err := identity.NewLDAPDirectory(identity.LDAPConfig{
			URI:               cfg.Identity.LDAP.URI,
			BindDN:            cfg.Identity.LDAP.BindDN,
			BindPassword:      cfg.Identity.LDAP.BindPassword,
			BaseDN:            cfg.Identity.LDAP.BaseDN,
			Domain:            cfg.Identity.LDAP.Domain,
			UsernameAttribute: cfg.Identity.LDAP.UsernameAttribute,
		})
		if err != nil {
			return nil, err
		}
		return identity.NewCachedDirectoryMapper(directory, cache, cfg.Identity.CacheTTL,
			logger.Named("identity"))
	default:
		return nil, fmt.Errorf("unknown identity strategy %q", cfg.Identity.Strategy)
	}
}
