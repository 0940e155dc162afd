package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/ayedb/ayb/internal/auth"
	"github.com/ayedb/ayb/internal/config"
	"github.com/ayedb/ayb/internal/email"
	"github.com/ayedb/ayb/internal/pathlayout"
	"github.com/ayedb/ayb/internal/pgwire"
	"github.com/ayedb/ayb/internal/registry"
	"github.com/ayedb/ayb/internal/sandbox"
	"github.com/ayedb/ayb/internal/server"
	"github.com/ayedb/ayb/internal/snapshot"
	"github.com/ayedb/ayb/internal/store"
	"github.com/ayedb/ayb/internal/types"
)

func newServerCmd() *cobra.Command {
	var configPath string
	var disableSandbox bool

	cmd := &cobra.Command{
		Use:   "server",
		Short: "Run the hosting service",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(configPath, disableSandbox)
		},
	}
	cmd.Flags().StringVar(&configPath, "config", "", "path to the TOML configuration file")
	cmd.Flags().BoolVar(&disableSandbox, "no-sandbox", false, "disable kernel-level isolation of query daemons")
	return cmd
}

func runServer(configPath string, disableSandbox bool) error {
	log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, err := store.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		return err
	}
	defer st.Close()

	layout, err := pathlayout.New(cfg.DataPath)
	if err != nil {
		return err
	}

	authn, err := auth.New(st, cfg.Authentication.FernetKey, cfg.Authentication.TokenTTL())
	if err != nil {
		return err
	}

	sandbox.DetectCapabilities().LogReport(log)
	daemonPath, err := findDaemonBinary()
	if err != nil {
		return err
	}
	var nsjailPath string
	if cfg.Isolation != nil {
		nsjailPath = cfg.Isolation.NsjailPath
	}
	daemons := registry.New(registry.Config{
		DaemonPath:     daemonPath,
		NsjailPath:     nsjailPath,
		Limits:         sandbox.DefaultLimits(),
		DisableSandbox: disableSandbox,
	}, log)
	defer daemons.ShutDownAll()

	mail, err := buildEmailBackend(cfg, log)
	if err != nil {
		return err
	}
	if mail == nil {
		log.Warn("email is not configured; registration and login are disabled")
	}

	engine, sched, err := buildSnapshots(ctx, cfg, layout, daemons, st, log)
	if err != nil {
		return err
	}

	srv := server.New(cfg, st, authn, layout, daemons, engine, mail, log)
	wire := pgwire.NewServer(authn, srv, log)

	httpSrv := &http.Server{
		Addr:              net.JoinHostPort(cfg.Host, fmt.Sprint(cfg.Port)),
		Handler:           srv.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info("http listening", "addr", httpSrv.Addr)
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		return wire.Serve(gctx, net.JoinHostPort(cfg.Host, fmt.Sprint(cfg.Pgwire.Port)))
	})
	if sched != nil {
		if err := sched.Start(); err != nil {
			return err
		}
	}
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = httpSrv.Shutdown(shutdownCtx)
		wire.Shutdown()
		if sched != nil {
			sched.Stop()
		}
		return nil
	})

	err = g.Wait()
	log.Info("server stopped")
	return err
}

// findDaemonBinary locates ayb-daemon next to the running executable, then
// falls back to PATH.
func findDaemonBinary() (string, error) {
	if self, err := os.Executable(); err == nil {
		candidate := filepath.Join(filepath.Dir(self), "ayb-daemon")
		if info, err := os.Stat(candidate); err == nil && !info.IsDir() {
			return candidate, nil
		}
	}
	if path, err := exec.LookPath("ayb-daemon"); err == nil {
		return path, nil
	}
	return "", types.Errorf(types.KindConfigurationError,
		"ayb-daemon binary not found next to ayb or on PATH")
}

func buildEmailBackend(cfg *config.Config, log *slog.Logger) (email.Backend, error) {
	if cfg.Email == nil {
		return nil, nil
	}
	if cfg.Email.SMTP != nil {
		return email.NewSMTP(email.SMTPOptions{
			Host:     cfg.Email.SMTP.Host,
			Port:     cfg.Email.SMTP.Port,
			Username: cfg.Email.SMTP.Username,
			Password: cfg.Email.SMTP.Password,
			From:     cfg.Email.SMTP.From,
		}, log)
	}
	return email.NewFile(cfg.Email.File.Path)
}

// buildSnapshots wires the S3 store, engine, and optional scheduler. Both
// return values are nil when snapshots are not configured.
func buildSnapshots(ctx context.Context, cfg *config.Config, layout pathlayout.Layout,
	daemons *registry.Registry, st store.Store, log *slog.Logger) (*snapshot.Engine, *snapshot.Scheduler, error) {
	if !cfg.SnapshotsConfigured() {
		log.Warn("snapshots are not configured; snapshot endpoints are disabled")
		return nil, nil, nil
	}
	sc := cfg.Snapshots
	objects, err := snapshot.NewS3Store(ctx, snapshot.S3Options{
		Bucket:          sc.Bucket,
		PathPrefix:      sc.PathPrefix,
		Region:          sc.Region,
		EndpointURL:     sc.EndpointURL,
		AccessKeyID:     sc.AccessKeyID,
		SecretAccessKey: sc.SecretAccessKey,
		ForcePathStyle:  sc.ForcePathStyle,
	})
	if err != nil {
		return nil, nil, err
	}

	maxSnapshots := 0
	if sc.Automation != nil {
		maxSnapshots = sc.Automation.MaxSnapshots
	}
	engine := snapshot.NewEngine(layout, objects, daemons, storeResolver{st}, maxSnapshots, log)

	if sc.Automation == nil {
		log.Warn("snapshot automation is not configured; databases are snapshotted only on demand")
		return engine, nil, nil
	}
	interval, err := sc.Automation.ParseInterval()
	if err != nil {
		return nil, nil, err
	}
	return engine, snapshot.NewScheduler(engine, interval, log), nil
}

// storeResolver adapts the metadata store to the snapshot engine, so
// on-disk directories with no provisioned database are skipped.
type storeResolver struct {
	st store.Store
}

func (r storeResolver) DatabaseExists(ctx context.Context, entity, database string) (bool, error) {
	_, err := r.st.GetDatabase(ctx, entity, database)
	if err != nil {
		if types.KindOf(err) == types.KindRecordNotFound {
			return false, nil
		}
		return false, err
	}
	return true, nil
}
