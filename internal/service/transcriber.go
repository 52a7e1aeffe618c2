package service

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fmueller/whisperd/internal/whisper"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
)

const (
	defaultSuffix = ".wav"
	minSilence    = 500 * time.Millisecond
)

type Request struct {
	Audio    []byte
	Filename string
	// Language is an optional hint; empty lets the model detect it.
	Language string
	Task     whisper.Task
}

type Word struct {
	Start       float64 `json:"start"`
	End         float64 `json:"end"`
	Word        string  `json:"word"`
	Probability float64 `json:"probability"`
}

type Segment struct {
	ID    int     `json:"id"`
	Start float64 `json:"start"`
	End   float64 `json:"end"`
	Text  string  `json:"text"`
	Words []Word  `json:"words"`
}

type Transcription struct {
	FullText string    `json:"full_text"`
	Segments []Segment `json:"segments"`
}

type ModelInfo struct {
	ModelSize   string `json:"model_size"`
	ComputeType string `json:"compute_type"`
	BeamSize    int    `json:"beam_size"`
}

type Result struct {
	Filename            string             `json:"filename"`
	Language            string             `json:"language"`
	LanguageProbability float64            `json:"language_probability"`
	Duration            float64            `json:"duration"`
	DurationAfterVAD    float64            `json:"duration_after_vad"`
	AllLanguageProbs    map[string]float64 `json:"all_language_probs"`
	Transcription       Transcription      `json:"transcription"`
	ModelInfo           ModelInfo          `json:"model_info"`
}

type Options struct {
	Logger *zap.Logger
	// TempDir holds staged uploads; empty means os.TempDir().
	TempDir string
	// Workers bounds concurrent model invocations; 0 uses the configured count.
	Workers int
}

// Transcriber stages uploads, runs them through the managed model on a bounded
// worker pool and maps the output to Result.
type Transcriber struct {
	manager *Manager
	log     *zap.Logger
	tempDir string
	slots   *semaphore.Weighted
}

func NewTranscriber(manager *Manager, opts Options) *Transcriber {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	workers := opts.Workers
	if workers <= 0 {
		workers = manager.Config().Workers()
	}
	return &Transcriber{
		manager: manager,
		log:     opts.Logger,
		tempDir: opts.TempDir,
		slots:   semaphore.NewWeighted(int64(max(1, workers))),
	}
}

type outcome struct {
	result *Result
	err    error
}

// Transcribe fails with ErrNotReady before touching the filesystem when no
// model is loaded. The staged file is always removed; when ctx ends first the
// result is discarded and removal happens once the model call returns.
func (t *Transcriber) Transcribe(ctx context.Context, req Request) (*Result, error) {
	model, release, err := t.manager.acquire()
	if err != nil {
		return nil, err
	}

	leaseHeld := true
	defer func() {
		if leaseHeld {
			release()
		}
	}()

	task := req.Task
	if task == "" {
		task = whisper.TaskTranscribe
	}
	if _, err := whisper.ParseTask(string(task)); err != nil {
		return nil, newError(KindValidation, "Task must be 'transcribe' or 'translate'", err)
	}
	if len(req.Audio) == 0 {
		return nil, newError(KindValidation, "Empty audio file", nil)
	}

	if err := t.slots.Acquire(ctx, 1); err != nil {
		return nil, newError(KindModelFailure, "transcription abandoned while queued", err)
	}

	path, err := t.stage(req)
	if err != nil {
		t.slots.Release(1)
		return nil, newError(KindModelFailure, "transcription failed", err)
	}

	opts := whisper.DecodeOptions{
		Language:       strings.TrimSpace(req.Language),
		Task:           task,
		BeamSize:       t.manager.Config().BeamSize(),
		WordTimestamps: true,
		VADFilter:      true,
		MinSilence:     minSilence,
	}

	done := make(chan outcome, 1)
	leaseHeld = false
	go func() {
		defer t.slots.Release(1)
		defer release()

		out := t.invoke(ctx, model, path, req.Filename, opts)
		t.removeStaged(path)
		done <- out
	}()

	select {
	case out := <-done:
		return out.result, out.err
	case <-ctx.Done():
		t.log.Warn("transcription abandoned by caller", zap.String("filename", req.Filename), zap.Error(ctx.Err()))
		return nil, newError(KindModelFailure, "transcription abandoned", ctx.Err())
	}
}

func (t *Transcriber) stage(req Request) (string, error) {
	f, err := os.CreateTemp(t.tempDir, "whisperd-*"+FileSuffix(req.Filename))
	if err != nil {
		return "", fmt.Errorf("create temp file: %w", err)
	}
	path := f.Name()

	if _, err := f.Write(req.Audio); err != nil {
		_ = f.Close()
		t.removeStaged(path)
		return "", fmt.Errorf("write temp file: %w", err)
	}
	if err := f.Close(); err != nil {
		t.removeStaged(path)
		return "", fmt.Errorf("close temp file: %w", err)
	}
	return path, nil
}

func (t *Transcriber) removeStaged(path string) {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		t.log.Warn("failed to remove staged audio", zap.String("path", path), zap.Error(err))
	}
}

// invoke converts model panics into ModelFailure so the worker always returns.
func (t *Transcriber) invoke(ctx context.Context, model whisper.Model, path, filename string, opts whisper.DecodeOptions) (out outcome) {
	defer func() {
		if r := recover(); r != nil {
			t.log.Error("model panicked during transcription", zap.Any("panic", r))
			out = outcome{err: newError(KindModelFailure, "transcription failed", fmt.Errorf("model panic: %v", r))}
		}
	}()

	started := time.Now()
	segments, info, err := model.Transcribe(ctx, path, opts)
	if err != nil {
		return outcome{err: newError(KindModelFailure, "transcription failed", err)}
	}

	// Drain while the staged file still exists.
	var collected []whisper.Segment
	if segments != nil {
		for segment, err := range segments {
			if err != nil {
				return outcome{err: newError(KindModelFailure, "transcription failed", err)}
			}
			collected = append(collected, segment)
		}
	}

	result := t.buildResult(filename, info, collected)
	t.log.Info("transcription complete",
		zap.String("filename", filename),
		zap.String("language", result.Language),
		zap.Int("segments", len(result.Transcription.Segments)),
		zap.Duration("elapsed", time.Since(started)),
	)
	return outcome{result: result}
}

func (t *Transcriber) buildResult(filename string, info whisper.Info, segments []whisper.Segment) *Result {
	cfg := t.manager.Config()

	texts := make([]string, 0, len(segments))
	mapped := make([]Segment, 0, len(segments))
	for _, segment := range segments {
		text := strings.TrimSpace(segment.Text)
		texts = append(texts, text)

		words := make([]Word, 0, len(segment.Words))
		for _, word := range segment.Words {
			words = append(words, Word{
				Start:       word.Start,
				End:         word.End,
				Word:        word.Text,
				Probability: word.Probability,
			})
		}

		mapped = append(mapped, Segment{
			ID:    segment.ID,
			Start: segment.Start,
			End:   segment.End,
			Text:  text,
			Words: words,
		})
	}

	probs := info.AllLanguageProbs
	if probs == nil {
		probs = map[string]float64{}
	}

	return &Result{
		Filename:            filename,
		Language:            info.Language,
		LanguageProbability: info.LanguageProbability,
		Duration:            info.Duration,
		DurationAfterVAD:    info.DurationAfterVAD,
		AllLanguageProbs:    probs,
		Transcription: Transcription{
			FullText: strings.Join(texts, " "),
			Segments: mapped,
		},
		ModelInfo: ModelInfo{
			ModelSize:   cfg.ModelSize(),
			ComputeType: string(cfg.Compute()),
			BeamSize:    cfg.BeamSize(),
		},
	}
}

// FileSuffix returns the extension of name including the dot, or ".wav" when
// there is none.
func FileSuffix(name string) string {
	ext := filepath.Ext(filepath.Base(name))
	if ext == "" || ext == "." {
		return defaultSuffix
	}
	return ext
}
