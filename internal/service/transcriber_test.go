package service

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/fmueller/whisperd/internal/config"
	"github.com/fmueller/whisperd/internal/whisper"
	"github.com/stretchr/testify/require"
)

func TestFileSuffix(t *testing.T) {
	t.Parallel()

	cases := map[string]string{
		"clip":              ".wav",
		"clip.mp3":          ".mp3",
		"":                  ".wav",
		"archive.tar.flac":  ".flac",
		"dir/voice.m4a":     ".m4a",
		"trailing.":         ".wav",
		"../../etc/x.ogg":   ".ogg",
		"meeting recording": ".wav",
	}
	for name, want := range cases {
		require.Equal(t, want, FileSuffix(name), name)
	}
}

func TestTranscribeNotReadyWritesNothing(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	manager := NewManager(defaultConfig(t), &fakeLoader{model: &fakeModel{}}, nil)
	transcriber := NewTranscriber(manager, Options{TempDir: dir})

	_, err := transcriber.Transcribe(context.Background(), Request{Audio: []byte("RIFF"), Filename: "a.wav"})
	require.ErrorIs(t, err, ErrNotReady)
	require.Equal(t, KindNotReady, KindOf(err))
	require.Empty(t, dirEntries(t, dir))
}

func TestTranscribeAfterCleanupIsNotReady(t *testing.T) {
	t.Parallel()

	manager := readyManager(t, helloWorldModel())
	require.NoError(t, manager.Cleanup(context.Background()))

	transcriber := NewTranscriber(manager, Options{TempDir: t.TempDir()})
	_, err := transcriber.Transcribe(context.Background(), Request{Audio: []byte("x")})
	require.ErrorIs(t, err, ErrNotReady)
}

func TestTranscribeHelloWorld(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	model := helloWorldModel()
	transcriber := NewTranscriber(readyManager(t, model), Options{TempDir: dir})

	result, err := transcriber.Transcribe(context.Background(), Request{
		Audio:    []byte("audio-bytes"),
		Filename: "greeting.mp3",
	})
	require.NoError(t, err)

	require.Equal(t, "greeting.mp3", result.Filename)
	require.Equal(t, "Hello world", result.Transcription.FullText)
	require.Len(t, result.Transcription.Segments, 2)
	require.Equal(t, "Hello", result.Transcription.Segments[0].Text)
	require.Equal(t, "world", result.Transcription.Segments[1].Text)
	require.Equal(t, []Word{{Start: 0, End: 0.8, Word: " Hello", Probability: 0.93}}, result.Transcription.Segments[0].Words)
	require.NotNil(t, result.Transcription.Segments[1].Words)
	require.Empty(t, result.Transcription.Segments[1].Words)
	require.Equal(t, ModelInfo{ModelSize: "medium", ComputeType: "cpu", BeamSize: 5}, result.ModelInfo)
	require.Equal(t, "en", result.Language)
	require.InDelta(t, 1.5, result.DurationAfterVAD, 1e-9)

	call := model.lastCall(t)
	require.Equal(t, ".mp3", filepath.Ext(call.path))
	require.Equal(t, dir, filepath.Dir(call.path))
	require.NoError(t, call.statErr)
	require.Equal(t, []byte("audio-bytes"), call.content)
	require.Equal(t, whisper.DecodeOptions{
		Task:           whisper.TaskTranscribe,
		BeamSize:       5,
		WordTimestamps: true,
		VADFilter:      true,
		MinSilence:     500 * time.Millisecond,
	}, call.opts)

	require.Empty(t, dirEntries(t, dir))
}

func TestTranscribeTranslateReportsModelLanguage(t *testing.T) {
	t.Parallel()

	model := helloWorldModel()
	model.info.Language = "en"
	transcriber := NewTranscriber(readyManager(t, model), Options{TempDir: t.TempDir()})

	result, err := transcriber.Transcribe(context.Background(), Request{
		Audio:    []byte("hola"),
		Filename: "clip",
		Language: "es",
		Task:     whisper.TaskTranslate,
	})
	require.NoError(t, err)
	require.Equal(t, "en", result.Language)

	call := model.lastCall(t)
	require.Equal(t, "es", call.opts.Language)
	require.Equal(t, whisper.TaskTranslate, call.opts.Task)
	require.Equal(t, ".wav", filepath.Ext(call.path))
}

func TestTranscribeModelInfoComesFromConfig(t *testing.T) {
	t.Parallel()

	cfg, err := config.NewServiceConfig("large-v3", whisper.ComputeGPU, 2, 9)
	require.NoError(t, err)
	manager := NewManager(cfg, &fakeLoader{model: helloWorldModel()}, nil)
	require.NoError(t, manager.Initialize(context.Background()))

	result, err := NewTranscriber(manager, Options{TempDir: t.TempDir()}).Transcribe(context.Background(), Request{Audio: []byte("x")})
	require.NoError(t, err)
	require.Equal(t, ModelInfo{ModelSize: "large-v3", ComputeType: "gpu", BeamSize: 9}, result.ModelInfo)
}

func TestTranscribeModelFailureCleansUp(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	model := &fakeModel{err: errDecode}
	transcriber := NewTranscriber(readyManager(t, model), Options{TempDir: dir})

	result, err := transcriber.Transcribe(context.Background(), Request{Audio: []byte("junk"), Filename: "broken.ogg"})
	require.Nil(t, result)
	require.ErrorIs(t, err, ErrModelFailure)
	require.ErrorIs(t, err, errDecode)
	require.ErrorContains(t, err, errDecode.Error())

	require.NoError(t, model.lastCall(t).statErr)
	require.Empty(t, dirEntries(t, dir))
}

func TestTranscribeSegmentErrorCleansUp(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	model := helloWorldModel()
	model.iterErr = errDecode
	transcriber := NewTranscriber(readyManager(t, model), Options{TempDir: dir})

	result, err := transcriber.Transcribe(context.Background(), Request{Audio: []byte("junk")})
	require.Nil(t, result)
	require.ErrorIs(t, err, ErrModelFailure)
	require.Empty(t, dirEntries(t, dir))
}

func TestTranscribeModelPanicCleansUp(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	model := &fakeModel{panicVal: "index out of range"}
	transcriber := NewTranscriber(readyManager(t, model), Options{TempDir: dir})

	_, err := transcriber.Transcribe(context.Background(), Request{Audio: []byte("junk")})
	require.ErrorIs(t, err, ErrModelFailure)
	require.ErrorContains(t, err, "index out of range")
	require.Empty(t, dirEntries(t, dir))
}

func TestTranscribeValidation(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	transcriber := NewTranscriber(readyManager(t, helloWorldModel()), Options{TempDir: dir})

	_, err := transcriber.Transcribe(context.Background(), Request{Audio: nil})
	require.ErrorIs(t, err, ErrValidation)

	_, err = transcriber.Transcribe(context.Background(), Request{Audio: []byte("x"), Task: "summarize"})
	require.ErrorIs(t, err, ErrValidation)
	require.Empty(t, dirEntries(t, dir))
}

func TestTranscribeCallerTimeoutDiscardsResult(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	model := helloWorldModel()
	model.wait = make(chan struct{})
	manager := readyManager(t, model)
	transcriber := NewTranscriber(manager, Options{TempDir: dir})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := transcriber.Transcribe(ctx, Request{Audio: []byte("long")})
	require.ErrorIs(t, err, ErrModelFailure)
	require.ErrorIs(t, err, context.DeadlineExceeded)

	// The worker still owns the staged file until the model returns.
	require.Len(t, dirEntries(t, dir), 1)
	close(model.wait)
	require.Eventually(t, func() bool { return len(dirEntries(t, dir)) == 0 }, time.Second, 5*time.Millisecond)

	require.NoError(t, manager.Cleanup(context.Background()))
}

func TestTranscribeBoundsConcurrency(t *testing.T) {
	t.Parallel()

	model := helloWorldModel()
	model.wait = make(chan struct{})
	transcriber := NewTranscriber(readyManager(t, model), Options{TempDir: t.TempDir(), Workers: 1})

	first := make(chan error, 1)
	go func() {
		_, err := transcriber.Transcribe(context.Background(), Request{Audio: []byte("one")})
		first <- err
	}()
	require.Eventually(t, func() bool {
		model.mu.Lock()
		defer model.mu.Unlock()
		return len(model.calls) == 1
	}, time.Second, time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := transcriber.Transcribe(ctx, Request{Audio: []byte("two")})
	require.ErrorIs(t, err, context.DeadlineExceeded)

	close(model.wait)
	require.NoError(t, <-first)

	model.mu.Lock()
	defer model.mu.Unlock()
	require.Len(t, model.calls, 1)
}

func TestResultJSONShape(t *testing.T) {
	t.Parallel()

	transcriber := NewTranscriber(readyManager(t, helloWorldModel()), Options{TempDir: t.TempDir()})
	result, err := transcriber.Transcribe(context.Background(), Request{Audio: []byte("x"), Filename: "a.wav"})
	require.NoError(t, err)

	payload, err := json.Marshal(result)
	require.NoError(t, err)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(payload, &decoded))
	for _, key := range []string{"filename", "language", "language_probability", "duration", "duration_after_vad", "all_language_probs", "transcription", "model_info"} {
		require.Contains(t, decoded, key)
	}

	transcription := decoded["transcription"].(map[string]any)
	require.Equal(t, "Hello world", transcription["full_text"])
	segments := transcription["segments"].([]any)
	first := segments[0].(map[string]any)
	require.Contains(t, first, "words")
	word := first["words"].([]any)[0].(map[string]any)
	require.Equal(t, " Hello", word["word"])

	modelInfo := decoded["model_info"].(map[string]any)
	require.Equal(t, "medium", modelInfo["model_size"])
	require.Equal(t, "cpu", modelInfo["compute_type"])
	require.EqualValues(t, 5, modelInfo["beam_size"])
}
