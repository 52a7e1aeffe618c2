package cli

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/fmueller/whisperd/internal/ui"
	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func newUICmd(app *appState) *cobra.Command {
	var (
		apiURL string
		addr   string
	)

	cmd := &cobra.Command{
		Use:   "ui",
		Short: "Serve a web form that talks to a running API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if _, ok := os.LookupEnv(gin.EnvGinMode); !ok {
				gin.SetMode(gin.ReleaseMode)
			}

			srv, err := ui.New(ui.Options{API: ui.NewClient(apiURL), Logger: app.log()})
			if err != nil {
				return err
			}

			ln, err := app.listen("tcp", addr)
			if err != nil {
				return fmt.Errorf("listen on %s: %w", addr, err)
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			app.log().Info("starting transcription ui", zap.String("addr", ln.Addr().String()), zap.String("api", apiURL))
			return srv.Serve(ctx, ln)
		},
	}

	cmd.Flags().StringVar(&apiURL, "api", ui.DefaultAPIURL, "Base URL of the transcription API")
	cmd.Flags().StringVar(&addr, "addr", ui.DefaultAddr, "Listen address for the UI")
	return cmd
}
