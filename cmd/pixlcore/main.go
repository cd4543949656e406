// Command pixlcore is the process entrypoint of spec §6: populate,
// start, stop, export-patient-data and status all dispatch from here.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/pkg/errors"
	"github.com/urfave/cli"
	"golang.org/x/sys/unix"

	"github.com/pixl-imaging/pixl-core/cmn"
	"github.com/pixl-imaging/pixl-core/dicomsrc"
	"github.com/pixl-imaging/pixl-core/export"
	"github.com/pixl-imaging/pixl-core/ingest"
	"github.com/pixl-imaging/pixl-core/ledger"
	"github.com/pixl-imaging/pixl-core/metrics"
	"github.com/pixl-imaging/pixl-core/project"
	"github.com/pixl-imaging/pixl-core/queue"
	"github.com/pixl-imaging/pixl-core/ratelimit"
	"github.com/pixl-imaging/pixl-core/rawcache"
	"github.com/pixl-imaging/pixl-core/scheduler"
	"github.com/pixl-imaging/pixl-core/secrets"
)

var (
	version = "dev"
	build   = ""
)

func main() {
	app := cli.NewApp()
	app.Name = "pixlcore"
	app.Usage = "DICOM imaging extraction, anonymisation and export pipeline"
	app.Version = strings.TrimSpace(version + " " + build)

	app.Commands = []cli.Command{
		populateCmd,
		startCmd,
		stopCmd,
		exportPatientDataCmd,
		statusCmd,
	}

	if err := app.Run(os.Args); err != nil {
		if cmn.KindOf(err) == cmn.KindConfigInvalid {
			fmt.Fprintln(os.Stderr, "pixlcore:", err)
			os.Exit(1)
		}
		cmn.Fatalf("pixlcore: %v", err)
	}
}

const defaultPidFile = "pixlcore.pid"

var populateCmd = cli.Command{
	Name:      "populate",
	Usage:     "enqueue extract requests from a CSV file or an OMOP parquet extract directory",
	ArgsUsage: "<path>",
	Action: func(c *cli.Context) error {
		path := c.Args().First()
		if path == "" {
			return cmn.WithKind(cmn.KindConfigInvalid, fmt.Errorf("populate: missing <path>"))
		}
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		cmn.InitLogging(cfg.LogLevel)

		var reqs []queue.ExtractRequest
		if strings.EqualFold(filepath.Ext(path), ".csv") {
			reqs, err = ingest.LoadCSV(path)
		} else {
			reqs, err = ingest.LoadParquetDir(path)
		}
		if err != nil {
			return err
		}

		broker, err := queue.Dial(cfg.BrokerURL)
		if err != nil {
			return err
		}
		defer broker.Close()

		n, err := ingest.PublishAll(context.Background(), broker, queue.Primary, reqs)
		if err != nil {
			return err
		}
		cmn.L().Infow("pixlcore: populate complete", "published", n, "path", path)
		return nil
	},
}

var startCmd = cli.Command{
	Name:  "start",
	Usage: "resume consuming extract requests from the primary and secondary queues",
	Flags: []cli.Flag{
		cli.StringFlag{Name: "pidfile", Value: defaultPidFile, Usage: "path to write this process's pid for `stop`"},
	},
	Action: func(c *cli.Context) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		cmn.InitLogging(cfg.LogLevel)
		cmn.InitShortID(uint64(time.Now().UnixNano()))

		if err := writePidFile(c.String("pidfile")); err != nil {
			return err
		}
		defer os.Remove(c.String("pidfile"))

		deps, closeFn, err := bootstrap(cfg)
		if err != nil {
			return err
		}
		defer closeFn()

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, os.Interrupt, unix.SIGTERM)
		go func() {
			<-sigCh
			cmn.L().Infow("pixlcore: shutdown signal received, draining in-flight work")
			cancel()
		}()

		reg := deps.Projects

		// Reload project config once at startup (already done by
		// bootstrap's LoadDir) and on SIGHUP (spec §4.B), in addition to
		// fsnotify-driven reload for editors that write in place.
		hupCh := make(chan os.Signal, 1)
		signal.Notify(hupCh, unix.SIGHUP)
		go func() {
			for {
				select {
				case <-ctx.Done():
					return
				case <-hupCh:
					if err := reg.Reload(); err != nil {
						cmn.L().Errorw("pixlcore: SIGHUP project config reload failed, keeping previous snapshot", "error", err)
					} else {
						cmn.L().Infow("pixlcore: project config reloaded via SIGHUP", "slugs", reg.Slugs())
					}
				}
			}
		}()
		go func() {
			if err := reg.WatchReload(ctx); err != nil {
				cmn.L().Errorw("pixlcore: project config watcher stopped", "error", err)
			}
		}()

		healthCheck := func(ctx context.Context) error {
			if slugs := reg.Slugs(); len(slugs) > 0 {
				if _, err := reg.Get(slugs[0]); err != nil {
					return err
				}
			}
			return nil
		}
		metricsSrv := metrics.NewServer(cfg.MetricsAddr, deps.Metrics, healthCheck)
		go func() {
			if err := metricsSrv.Run(ctx); err != nil {
				cmn.L().Errorw("pixlcore: metrics server stopped", "error", err)
			}
		}()

		go runHousekeeping(ctx, deps)

		sched := scheduler.New(deps)

		// The primary and secondary queues (spec §4.A) each need their
		// own consumer running concurrently: a primary-source miss
		// republishes a message onto the secondary queue rather than trying
		// the secondary source synchronously in the same handler call
		// (spec §4.D steps 3-4), so nothing ever drains it unless a
		// consumer is actually attached.
		errCh := make(chan error, 2)
		go func() { errCh <- sched.Run(ctx, queue.Primary, cfg.MaxMessagesInFlight) }()
		go func() { errCh <- sched.Run(ctx, queue.Secondary, cfg.MaxMessagesInFlight) }()

		var runErr error
		for i := 0; i < 2; i++ {
			if err := <-errCh; err != nil && ctx.Err() == nil && runErr == nil {
				runErr = err
				cancel()
			}
		}
		if runErr != nil {
			return runErr
		}
		cmn.L().Infow("pixlcore: stopped")
		return nil
	},
}

var stopCmd = cli.Command{
	Name:  "stop",
	Usage: "signal a running `start` process to drain and exit",
	Flags: []cli.Flag{
		cli.StringFlag{Name: "pidfile", Value: defaultPidFile},
	},
	Action: func(c *cli.Context) error {
		raw, err := os.ReadFile(c.String("pidfile"))
		if err != nil {
			return cmn.WithKind(cmn.KindConfigInvalid, fmt.Errorf("stop: read pidfile: %w", err))
		}
		pid, err := strconv.Atoi(strings.TrimSpace(string(raw)))
		if err != nil {
			return cmn.WithKind(cmn.KindConfigInvalid, fmt.Errorf("stop: parse pidfile: %w", err))
		}
		proc, err := os.FindProcess(pid)
		if err != nil {
			return err
		}
		return proc.Signal(unix.SIGTERM)
	},
}

var exportPatientDataCmd = cli.Command{
	Name:      "export-patient-data",
	Usage:     "write a tabular report of every exported study for a project",
	ArgsUsage: "<path>",
	Flags: []cli.Flag{
		cli.StringFlag{Name: "project", Usage: "project slug to report on"},
	},
	Action: func(c *cli.Context) error {
		path := c.Args().First()
		if path == "" {
			return cmn.WithKind(cmn.KindConfigInvalid, fmt.Errorf("export-patient-data: missing <path>"))
		}
		if c.String("project") == "" {
			return cmn.WithKind(cmn.KindConfigInvalid, fmt.Errorf("export-patient-data: --project is required"))
		}
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		cmn.InitLogging(cfg.LogLevel)

		ctx := context.Background()
		lg, err := ledger.Open(ctx, cfg.DBDSN)
		if err != nil {
			return err
		}
		defer lg.Close()

		records, err := lg.ExportedRecords(ctx, c.String("project"))
		if err != nil {
			return err
		}
		data, err := ingest.PatientDataParquetBytes(records)
		if err != nil {
			return err
		}

		reg, err := project.LoadDir(envOr("PIXL_PROJECT_DIR", "./projects"))
		if err != nil {
			return err
		}
		proj, err := reg.Get(c.String("project"))
		if err != nil {
			return err
		}

		// A project configured with destination.parquet: ftps ships the
		// extract under "<slug>/<extract-datetime>/parquet/…" instead of
		// leaving it on local disk (spec §4.H); everything else keeps
		// writing the local file the --project report was asked for.
		if proj.Destination.Parquet == project.DestFTPS {
			secretsR, err := newSecretsResolver(cfg)
			if err != nil {
				return err
			}
			if closer, ok := secretsR.(interface{ Close() error }); ok {
				defer closer.Close()
			}
			uploader := export.NewFTPSUploader(secretsR)
			extractDateTime := time.Now().UTC().Format("20060102T150405Z")
			rec, err := uploader.UploadParquet(ctx, proj.Slug, cfg.FTPSAddr, filepath.Base(path), data, extractDateTime)
			if err != nil {
				return err
			}
			cmn.L().Infow("pixlcore: export-patient-data uploaded via ftps", "rows", len(records), "remote_path", rec.RemotePath)
			return nil
		}

		if err := os.WriteFile(path, data, 0o644); err != nil {
			return cmn.WithKind(cmn.KindConfigInvalid, errors.Wrap(err, "export-patient-data: write output"))
		}
		cmn.L().Infow("pixlcore: export-patient-data complete", "rows", len(records), "path", path)
		return nil
	},
}

var statusCmd = cli.Command{
	Name:  "status",
	Usage: "print queue depth and ledger state counts",
	Action: func(c *cli.Context) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		cmn.InitLogging(cfg.LogLevel)
		ctx := context.Background()

		fmt.Printf("broker: %s\n", cfg.BrokerURL)
		fmt.Printf("primary queue depth:   n/a (AMQP depth requires the management API, not the AMQP protocol itself)\n")
		fmt.Printf("secondary queue depth: n/a (AMQP depth requires the management API, not the AMQP protocol itself)\n")

		lg, err := ledger.Open(ctx, cfg.DBDSN)
		if err != nil {
			return err
		}
		defer lg.Close()
		counts, err := lg.StateCounts(ctx)
		if err != nil {
			return err
		}
		fmt.Println("ledger state counts:")
		for _, st := range []ledger.State{ledger.StatePending, ledger.StateAnonymised, ledger.StateExported, ledger.StateFailed} {
			fmt.Printf("  %-12s %d\n", st, counts[st])
		}
		return nil
	},
}

// bootstrap wires every scheduler dependency from cfg, the production
// equivalent of scheduler_test.go's newTestScheduler.
func bootstrap(cfg cmn.Config) (scheduler.Deps, func(), error) {
	var closers []func()
	closeAll := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	reg, err := project.LoadDir(envOr("PIXL_PROJECT_DIR", "./projects"))
	if err != nil {
		closeAll()
		return scheduler.Deps{}, nil, err
	}

	if err := ledger.Migrate(context.Background(), cfg.DBDSN, cfg.SkipAlembic); err != nil {
		closeAll()
		return scheduler.Deps{}, nil, err
	}
	lg, err := ledger.Open(context.Background(), cfg.DBDSN)
	if err != nil {
		closeAll()
		return scheduler.Deps{}, nil, err
	}
	closers = append(closers, lg.Close)

	store, err := newBlobStore(cfg)
	if err != nil {
		closeAll()
		return scheduler.Deps{}, nil, err
	}
	cache := rawcache.NewCoordinator(store, time.Duration(cfg.OrthancRawStableSeconds)*time.Second, cfg.OrthancRawMaxStorageMB)

	secretsR, err := newSecretsResolver(cfg)
	if err != nil {
		closeAll()
		return scheduler.Deps{}, nil, err
	}
	if closer, ok := secretsR.(interface{ Close() error }); ok {
		closers = append(closers, func() { _ = closer.Close() })
	}

	broker, err := queue.Dial(cfg.BrokerURL)
	if err != nil {
		closeAll()
		return scheduler.Deps{}, nil, err
	}
	closers = append(closers, func() { _ = broker.Close() })

	dicomCfg := dicomsrc.DefaultConfig(cfg.DICOMQueryTimeout, cfg.DICOMTransferTimeout)
	dicomCfg.DestinationAE = cfg.CallingAE
	primary := dicomsrc.New("primary", dicomsrc.NewNetAssociation(cfg.PrimarySourceAddr, cfg.CallingAE, cfg.PrimaryCalledAE), dicomCfg)
	secondary := dicomsrc.New("secondary", dicomsrc.NewNetAssociation(cfg.SecondarySourceAddr, cfg.CallingAE, cfg.SecondaryCalledAE), dicomCfg)

	router := export.NewRouter(
		export.NewFTPSUploader(secretsR),
		export.NewDICOMwebUploader(secretsR),
		export.NewXNATUploader(secretsR),
	)

	reg2 := metrics.New()

	deps := scheduler.Deps{
		Broker:        broker,
		Projects:      reg,
		Limiter:       ratelimit.New(cfg.MaxMessagesInFlight),
		Primary:       primary,
		Secondary:     secondary,
		Cache:         cache,
		Ledger:        lg,
		Router:        router,
		Secrets:       secretsR,
		Config:        cfg,
		Metrics:       reg2,
		AssembleStudy: scheduler.DefaultAssembleStudy,
	}
	return deps, closeAll, nil
}

func newBlobStore(cfg cmn.Config) (rawcache.BlobStore, error) {
	if bucket := os.Getenv("PIXL_RAWCACHE_S3_BUCKET"); bucket != "" {
		sess, err := session.NewSession()
		if err != nil {
			return nil, cmn.WithKind(cmn.KindConfigInvalid, err)
		}
		return rawcache.NewS3Store(sess, bucket), nil
	}
	dir := envOr("PIXL_RAWCACHE_DIR", "./rawcache-data")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, cmn.WithKind(cmn.KindConfigInvalid, err)
	}
	return rawcache.NewFSStore(dir), nil
}

func newSecretsResolver(cfg cmn.Config) (secrets.Resolver, error) {
	if url := os.Getenv("PIXL_SECRETS_HTTP_URL"); url != "" {
		return secrets.NewHTTPResolver(url, os.Getenv("PIXL_SECRETS_HTTP_TOKEN")), nil
	}
	path := envOr("PIXL_SECRETS_FILE", "./secrets.db")
	return secrets.OpenFile(path)
}

// runHousekeeping periodically evicts cold raw-cache studies and
// surfaces stale-pending ledger rows until ctx is cancelled (the
// supplemented housekeeping loop of SPEC_FULL.md).
func runHousekeeping(ctx context.Context, deps scheduler.Deps) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := deps.Cache.HousekeepEvict(ctx); err != nil {
				cmn.L().Warnw("pixlcore: housekeeping eviction failed", "error", err)
			}
			if sweeper, ok := deps.Ledger.(interface {
				StalePendingSweep(ctx context.Context, olderThan time.Duration) ([]ledger.Record, error)
			}); ok {
				stale, err := sweeper.StalePendingSweep(ctx, time.Hour)
				if err != nil {
					cmn.L().Warnw("pixlcore: stale-pending sweep failed", "error", err)
					continue
				}
				for _, rec := range stale {
					cmn.L().Warnw("pixlcore: stale pending export", "project", rec.ProjectSlug, "study_uid", rec.SourceStudyUID, "state", rec.State)
				}
			}
		}
	}
}

func loadConfig() (cmn.Config, error) {
	return cmn.FromEnv()
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
