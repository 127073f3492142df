package cli

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/Ramsey-B/fern/pkg/container"
	"github.com/Ramsey-B/fern/pkg/routes"
	"github.com/Ramsey-B/fern/pkg/routes/health"
	"github.com/Ramsey-B/fern/pkg/server"
)

const shutdownTimeout = 30 * time.Second

var serveMigrate bool

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		return serve(ctx)
	},
}

func init() {
	serveCmd.Flags().BoolVar(&serveMigrate, "migrate", true, "apply database migrations before serving")
}

func serve(ctx context.Context) error {
	a, err := newApp(cfg, appOptions{migrate: serveMigrate, publish: true})
	if err != nil {
		return err
	}
	defer func() {
		stopCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
		defer cancel()
		if err := a.close(stopCtx); err != nil {
			a.logger.WithError(err).Error("Failed to stop dependencies")
		}
	}()

	if err := a.start(ctx); err != nil {
		return err
	}

	svc, err := a.services()
	if err != nil {
		return err
	}

	di, err := container.New(a.cfg.AppName, container.Dependencies{
		Logger:   a.logger,
		Store:    a.store,
		Dedupe:   svc.dedupe,
		Merger:   svc.merger,
		Matcher:  svc.matcher,
		Patients: svc.patients,
	})
	if err != nil {
		return err
	}

	checker := health.NewChecker(Version)
	checker.AddCheck("postgres", a.store.Ping)
	if a.redis != nil {
		checker.AddCheck("redis", a.redis.Ping)
	}
	if a.graph != nil {
		checker.AddOptionalCheck("graph", a.graph.VerifyConnectivity)
	}

	srv := server.New(server.Config{
		ServiceName:       a.cfg.AppName,
		Port:              a.cfg.Port,
		ReadTimeout:       time.Duration(a.cfg.HttpServerReadTimeoutSeconds) * time.Second,
		WriteTimeout:      time.Duration(a.cfg.HttpServerWriteTimeoutSeconds) * time.Second,
		IdleTimeout:       time.Duration(a.cfg.HttpServerIdleTimeoutSeconds) * time.Second,
		ReadHeaderTimeout: time.Duration(a.cfg.ReadHeaderTimeoutSeconds) * time.Second,
		MaxHeaderBytes:    a.cfg.MaxHeaderBytes,
		AllowOrigins:      a.cfg.AllowOrigins,
	}, a.logger)

	routes.Handlers{
		Health:      checker,
		Metrics:     a.cfg.MetricsEnabled,
		ContainerID: di.GetContainerID(),
	}.Mount(srv.Echo())

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()
	checker.SetReady(true)

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	checker.SetReady(false)
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
