package cli

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/fmueller/whisperd/internal/ui"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func newTranscribeCmd(app *appState) *cobra.Command {
	var (
		apiURL   string
		language string
		task     string
		asJSON   bool
	)

	cmd := &cobra.Command{
		Use:   "transcribe <audio-file>",
		Short: "Transcribe an audio file through a running API",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			audioPath := filepath.Clean(args[0])
			audio, err := os.ReadFile(audioPath)
			if err != nil {
				return fmt.Errorf("audio file not found: %w", err)
			}

			client := ui.NewClient(apiURL)
			stop := startSpinner(app.progressEnabled(), "Transcribing")
			started := time.Now()
			result, err := client.Transcribe(cmd.Context(), audioPath, audio, language, task)
			stop()
			if err != nil {
				app.log().Warn("transcription failed", zap.Duration("elapsed", time.Since(started)), zap.Error(err))
				return err
			}
			app.log().Info("transcription finished",
				zap.Duration("elapsed", time.Since(started)),
				zap.String("language", result.Language),
				zap.Int("segments", len(result.Transcription.Segments)),
			)

			out := cmd.OutOrStdout()
			if asJSON {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(result)
			}
			fmt.Fprintln(out, result.Transcription.FullText)
			return nil
		},
	}

	cmd.Flags().StringVar(&apiURL, "api", ui.DefaultAPIURL, "Base URL of the transcription API")
	cmd.Flags().StringVar(&language, "language", "", "Language hint (ISO 639-1); empty auto-detects")
	cmd.Flags().StringVar(&task, "task", "transcribe", "transcribe or translate")
	cmd.Flags().BoolVar(&asJSON, "json-output", false, "Print the full JSON result")
	return cmd
}
