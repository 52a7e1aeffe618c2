package cli

import (
	"context"
	"fmt"
	"io"

	"github.com/fmueller/whisperd/internal/download"
	"github.com/fmueller/whisperd/internal/whisper"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func newSetupCmd(app *appState) *cobra.Command {
	var (
		model    string
		modelDir string
		vadModel string
	)

	cmd := &cobra.Command{
		Use:   "setup",
		Short: "Download and verify speech model assets",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			settings, err := app.loadSettings()
			if err != nil {
				return err
			}
			if !cmd.Flags().Changed("model") {
				model = settings.ModelSize
			}
			if !cmd.Flags().Changed("model-dir") {
				modelDir = settings.ModelDir
			}
			if !cmd.Flags().Changed("vad-model") {
				vadModel = settings.VADModel
			}

			dir, err := app.modelStorageDir(modelDir)
			if err != nil {
				return err
			}

			resolved, err := whisper.ResolveModel(model, dir)
			if err != nil {
				return err
			}
			if resolved.IsCustomPath {
				return fmt.Errorf("setup expects a named model; got custom path %s", resolved.Path)
			}
			if err := app.installAsset(cmd.Context(), cmd.OutOrStdout(), "Model", resolved); err != nil {
				return err
			}

			vad, err := whisper.ResolveVADModel(vadModel, dir)
			if err != nil {
				return err
			}
			switch {
			case vad.Path == "":
				fmt.Fprintln(cmd.OutOrStdout(), "VAD model disabled")
				return nil
			case vad.IsCustomPath:
				fmt.Fprintf(cmd.OutOrStdout(), "VAD model uses custom path %s\n", vad.Path)
				return nil
			}
			return app.installAsset(cmd.Context(), cmd.OutOrStdout(), "VAD model", vad)
		},
	}

	cmd.Flags().StringVar(&model, "model", whisper.DefaultModel, "Model tier to install (overrides MODEL_SIZE)")
	cmd.Flags().StringVar(&modelDir, "model-dir", "", "Directory where models are stored (overrides MODEL_DIR)")
	cmd.Flags().StringVar(&vadModel, "vad-model", whisper.DefaultVADModel, "VAD model to install, or \"none\" (overrides VAD_MODEL)")
	return cmd
}

func (a *appState) installAsset(ctx context.Context, out io.Writer, label string, resolved whisper.ResolvedModel) error {
	if !resolved.NeedsDownload && resolved.SHA256 != "" {
		stop := startSpinner(a.progressEnabled(), "Verifying "+resolved.Name)
		err := download.VerifyFileChecksum(resolved.Path, resolved.SHA256)
		stop()
		if err != nil {
			a.log().Warn("checksum verification failed; downloading fresh copy", zap.String("name", resolved.Name), zap.Error(err))
			resolved.NeedsDownload = true
		}
	}

	if !resolved.NeedsDownload {
		a.log().Info("asset already present", zap.String("name", resolved.Name), zap.String("path", resolved.Path))
		fmt.Fprintf(out, "%s %s already present at %s\n", label, resolved.Name, resolved.Path)
		return nil
	}

	a.log().Info("downloading asset", zap.String("name", resolved.Name), zap.String("path", resolved.Path))
	fetch := a.fetch
	if fetch == nil {
		fetch = download.Fetch
	}
	if err := fetch(ctx, download.Options{
		URL:            resolved.URL,
		Destination:    resolved.Path,
		ExpectedSHA256: resolved.SHA256,
		Description:    resolved.Name,
		NoProgress:     a.noProgress,
		Logger:         a.log(),
	}); err != nil {
		return fmt.Errorf("download %s: %w", resolved.Name, err)
	}

	fmt.Fprintf(out, "%s %s installed at %s\n", label, resolved.Name, resolved.Path)
	return nil
}
