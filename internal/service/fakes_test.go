package service

import (
	"context"
	"errors"
	"os"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/fmueller/whisperd/internal/config"
	"github.com/fmueller/whisperd/internal/whisper"
	"github.com/stretchr/testify/require"
)

type transcribeCall struct {
	path     string
	opts     whisper.DecodeOptions
	content  []byte
	statErr  error
	received context.Context
}

type fakeModel struct {
	segments []whisper.Segment
	info     whisper.Info
	err      error
	panicVal any
	// iterErr is yielded after the segments.
	iterErr error
	// wait blocks Transcribe until closed.
	wait chan struct{}

	mu     sync.Mutex
	calls  []transcribeCall
	closed atomic.Int32
}

func (f *fakeModel) Transcribe(ctx context.Context, path string, opts whisper.DecodeOptions) (whisper.Segments, whisper.Info, error) {
	content, statErr := os.ReadFile(path)
	f.mu.Lock()
	f.calls = append(f.calls, transcribeCall{path: path, opts: opts, content: content, statErr: statErr, received: ctx})
	f.mu.Unlock()

	if f.wait != nil {
		<-f.wait
	}
	if f.panicVal != nil {
		panic(f.panicVal)
	}
	if f.err != nil {
		return nil, whisper.Info{}, f.err
	}

	segments := f.segments
	iterErr := f.iterErr
	return func(yield func(whisper.Segment, error) bool) {
		for _, segment := range segments {
			if !yield(segment, nil) {
				return
			}
		}
		if iterErr != nil {
			yield(whisper.Segment{}, iterErr)
		}
	}, f.info, nil
}

func (f *fakeModel) Close() error {
	f.closed.Add(1)
	return nil
}

func (f *fakeModel) lastCall(t *testing.T) transcribeCall {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	require.NotEmpty(t, f.calls)
	return f.calls[len(f.calls)-1]
}

type fakeLoader struct {
	model whisper.Model
	err   error
	// gate blocks Load until closed.
	gate chan struct{}

	specs []whisper.LoadSpec
	calls atomic.Int32
}

func (l *fakeLoader) Load(ctx context.Context, spec whisper.LoadSpec) (whisper.Model, error) {
	l.calls.Add(1)
	l.specs = append(l.specs, spec)
	if l.gate != nil {
		<-l.gate
	}
	if l.err != nil {
		return nil, l.err
	}
	return l.model, nil
}

var errDecode = errors.New("decoder exploded: invalid data found when processing input")

func defaultConfig(t *testing.T) config.ServiceConfig {
	t.Helper()
	cfg, err := config.NewServiceConfig("medium", whisper.ComputeCPU, 1, 5)
	require.NoError(t, err)
	return cfg
}

func readyManager(t *testing.T, model *fakeModel) *Manager {
	t.Helper()
	manager := NewManager(defaultConfig(t), &fakeLoader{model: model}, nil)
	require.NoError(t, manager.Initialize(context.Background()))
	return manager
}

func helloWorldModel() *fakeModel {
	return &fakeModel{
		segments: []whisper.Segment{
			{
				ID: 0, Start: 0, End: 0.8, Text: "Hello",
				Words: []whisper.Word{{Start: 0, End: 0.8, Text: " Hello", Probability: 0.93}},
			},
			{ID: 1, Start: 0.9, End: 1.6, Text: " world "},
		},
		info: whisper.Info{
			Language:            "en",
			LanguageProbability: 0.98,
			Duration:            1.7,
			DurationAfterVAD:    1.5,
			AllLanguageProbs:    map[string]float64{"en": 0.98},
		},
	}
}

func dirEntries(t *testing.T, dir string) []os.DirEntry {
	t.Helper()
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	return entries
}
