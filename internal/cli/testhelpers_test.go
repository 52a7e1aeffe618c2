package cli

import (
	"bytes"
	"context"
	"testing"

	"github.com/fmueller/whisperd/internal/whisper"
)

func envMap(values map[string]string) func(string) (string, bool) {
	return func(key string) (string, bool) {
		value, ok := values[key]
		return value, ok
	}
}

// testApp isolates a command run from the process environment.
func testApp(env map[string]string) *appState {
	app := newAppState()
	app.lookupEnv = envMap(env)
	app.noProgress = true
	return app
}

func runCommand(t *testing.T, app *appState, args []string) (stdout string, stderr string, err error) {
	t.Helper()
	return runCommandContext(t, context.Background(), app, args)
}

func runCommandContext(t *testing.T, ctx context.Context, app *appState, args []string) (stdout string, stderr string, err error) {
	t.Helper()

	if app == nil {
		app = testApp(nil)
	}
	cmd := newRootCmd(app)
	outBuf := new(bytes.Buffer)
	errBuf := new(bytes.Buffer)

	cmd.SetOut(outBuf)
	cmd.SetErr(errBuf)
	cmd.SetArgs(args)

	err = cmd.ExecuteContext(ctx)
	return outBuf.String(), errBuf.String(), err
}

type stubModel struct{}

func (stubModel) Transcribe(context.Context, string, whisper.DecodeOptions) (whisper.Segments, whisper.Info, error) {
	return whisper.SliceSegments([]whisper.Segment{{Text: " hi"}}), whisper.Info{Language: "en", LanguageProbability: 1}, nil
}

func (stubModel) Close() error { return nil }

type stubLoader struct {
	err  error
	gate chan struct{}
}

func (l stubLoader) Load(ctx context.Context, _ whisper.LoadSpec) (whisper.Model, error) {
	if l.gate != nil {
		select {
		case <-l.gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if l.err != nil {
		return nil, l.err
	}
	return stubModel{}, nil
}
