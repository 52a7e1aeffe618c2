package cli

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"text/tabwriter"

	"github.com/fmueller/whisperd/internal/whisper"
	"github.com/spf13/cobra"
)

func newModelsCmd(app *appState) *cobra.Command {
	var modelDir string

	cmd := &cobra.Command{
		Use:   "models",
		Short: "List model tiers and whether they are installed",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			settings, err := app.loadSettings()
			if err != nil {
				return err
			}
			if !cmd.Flags().Changed("model-dir") {
				modelDir = settings.ModelDir
			}
			dir, err := app.modelStorageDir(modelDir)
			if err != nil {
				return err
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "NAME\tFILE\tINSTALLED\tCONFIGURED")
			for _, name := range whisper.ModelNames() {
				model, _ := whisper.LookupModel(name)
				fileName := model.FileName
				if model.Name != name {
					fileName += " (alias of " + model.Name + ")"
				}
				installed, err := fileExists(filepath.Join(dir, model.FileName))
				if err != nil {
					return err
				}
				configured := ""
				if name == settings.ModelSize {
					configured = "*"
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", name, fileName, yesNo(installed), configured)
			}
			if err := w.Flush(); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "\nModel directory: %s\n", dir)
			return nil
		},
	}

	cmd.Flags().StringVar(&modelDir, "model-dir", "", "Directory where models are stored (overrides MODEL_DIR)")
	return cmd
}

func fileExists(path string) (bool, error) {
	_, err := os.Stat(path)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	return false, fmt.Errorf("stat %s: %w", path, err)
}

func yesNo(value bool) string {
	if value {
		return "yes"
	}
	return "no"
}
