package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/fmueller/whisperd/internal/config"
	"github.com/fmueller/whisperd/internal/metrics"
	"github.com/fmueller/whisperd/internal/server"
	"github.com/fmueller/whisperd/internal/service"
	"github.com/fmueller/whisperd/internal/version"
	"github.com/fmueller/whisperd/internal/whisper"
	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func newServeCmd(app *appState) *cobra.Command {
	var (
		host string
		port int
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Load the model and serve the transcription API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			settings, err := app.loadSettings()
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("host") {
				settings.Host = host
			}
			if cmd.Flags().Changed("port") {
				settings.Port = port
			}
			return app.runServe(cmd.Context(), settings)
		},
	}

	cmd.Flags().StringVar(&host, "host", "", "Bind host (overrides HOST)")
	cmd.Flags().IntVar(&port, "port", 0, "Bind port (overrides PORT)")
	return cmd
}

func (a *appState) runServe(ctx context.Context, settings config.Settings) error {
	if err := settings.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	svcCfg, err := settings.ServiceConfig()
	if err != nil {
		return err
	}
	modelDir, err := a.modelStorageDir(settings.ModelDir)
	if err != nil {
		return err
	}

	log := a.log()
	if _, ok := os.LookupEnv(gin.EnvGinMode); !ok {
		gin.SetMode(gin.ReleaseMode)
	}

	loader := a.newLoader(whisper.LoaderOptions{
		EnginePath:   settings.WhisperPath,
		ModelDir:     modelDir,
		VADModel:     settings.VADModel,
		AutoDownload: settings.AutoDownload,
		NoProgress:   !a.progressEnabled(),
		Logger:       log,
	})
	manager := service.NewManager(svcCfg, loader, log)
	transcriber := service.NewTranscriber(manager, service.Options{Logger: log})
	srv := server.New(server.Options{
		Readiness:         manager,
		Transcriber:       transcriber,
		Metrics:           metrics.New(manager.IsReady),
		Service:           svcCfg,
		MaxFileSize:       settings.MaxFileSize,
		AllowedExtensions: settings.AllowedExtensions,
		RequestTimeout:    settings.RequestTimeout,
		Version:           version.Current().Version,
		Logger:            log,
	})

	ln, err := a.listen("tcp", settings.Addr())
	if err != nil {
		return fmt.Errorf("listen on %s: %w", settings.Addr(), err)
	}

	sigCtx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()
	runCtx, cancel := context.WithCancel(sigCtx)
	defer cancel()

	// Liveness is served while the model loads.
	serveDone := make(chan error, 1)
	go func() {
		serveDone <- srv.Serve(runCtx, ln)
		cancel()
	}()

	log.Info("starting whisper inference service",
		zap.String("addr", ln.Addr().String()),
		zap.String("model_size", svcCfg.ModelSize()),
		zap.String("compute", string(svcCfg.Compute())),
		zap.Int("workers", svcCfg.Workers()),
		zap.Int("beam_size", svcCfg.BeamSize()),
	)

	initErr := manager.Initialize(runCtx)
	if initErr != nil && runCtx.Err() == nil {
		log.Error("failed to initialize whisper model", zap.Error(initErr))
		cancel()
	}

	serveErr := <-serveDone

	cleanupCtx, cleanupCancel := context.WithTimeout(context.Background(), server.ShutdownTimeout)
	defer cleanupCancel()
	if err := manager.Cleanup(cleanupCtx); err != nil {
		log.Warn("model cleanup did not finish", zap.Error(err))
	}
	log.Info("whisper inference service stopped")

	if serveErr != nil && !errors.Is(serveErr, context.Canceled) {
		return fmt.Errorf("serve http: %w", serveErr)
	}
	if initErr != nil && sigCtx.Err() == nil {
		return fmt.Errorf("initialize whisper model: %w", initErr)
	}
	return nil
}
