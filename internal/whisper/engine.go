package whisper

import (
	"context"
	"fmt"
	"iter"
	"time"
)

type Task string

const (
	TaskTranscribe Task = "transcribe"
	TaskTranslate  Task = "translate"
)

func ParseTask(value string) (Task, error) {
	switch Task(value) {
	case TaskTranscribe, TaskTranslate:
		return Task(value), nil
	default:
		return "", fmt.Errorf("unknown task %q", value)
	}
}

type Compute string

const (
	ComputeCPU Compute = "cpu"
	ComputeGPU Compute = "gpu"
)

// DecodeOptions are the per-call recognition parameters.
type DecodeOptions struct {
	// Language is an ISO 639-1 hint; empty means auto-detect.
	Language       string
	Task           Task
	BeamSize       int
	WordTimestamps bool
	VADFilter      bool
	MinSilence     time.Duration
}

type Word struct {
	Start       float64
	End         float64
	Text        string
	Probability float64
}

type Segment struct {
	ID    int
	Start float64
	End   float64
	Text  string
	Words []Word
}

// Info is the recognition metadata reported alongside the segments.
type Info struct {
	Language            string
	LanguageProbability float64
	Duration            float64
	DurationAfterVAD    float64
	AllLanguageProbs    map[string]float64
}

// Segments may be produced lazily; callers drain it exactly once.
type Segments = iter.Seq2[Segment, error]

// Model is a loaded recognizer. Implementations are not assumed to be safe for
// concurrent calls; callers bound concurrency themselves.
type Model interface {
	Transcribe(ctx context.Context, audioPath string, opts DecodeOptions) (Segments, Info, error)
	Close() error
}

type LoadSpec struct {
	ModelSize string
	Compute   Compute
	Workers   int
}

type Loader interface {
	Load(ctx context.Context, spec LoadSpec) (Model, error)
}

// SliceSegments adapts an eagerly decoded slice to Segments.
func SliceSegments(segments []Segment) Segments {
	return func(yield func(Segment, error) bool) {
		for _, segment := range segments {
			if !yield(segment, nil) {
				return
			}
		}
	}
}

// BackendReporter is implemented by models that can describe where they run.
type BackendReporter interface {
	ActiveBackend() Backend
}
