package whisper

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/fmueller/whisperd/internal/download"
	"github.com/fmueller/whisperd/internal/platform"
	"go.uber.org/zap"
)

type LoaderOptions struct {
	// EnginePath overrides the whisper-cli lookup.
	EnginePath   string
	ModelDir     string
	VADModel     string
	AutoDownload bool
	NoProgress   bool
	Logger       *zap.Logger

	detectAccelerator func() string
	fetch             func(context.Context, download.Options) error
	selfExecutable    func() (string, error)
	runner            commandRunner
}

// CLILoader prepares everything a CLIModel needs: engine binary, model weights,
// optional VAD weights and the execution backend.
type CLILoader struct {
	opts LoaderOptions
}

func NewCLILoader(opts LoaderOptions) *CLILoader {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.detectAccelerator == nil {
		opts.detectAccelerator = platform.DetectAccelerator
	}
	if opts.fetch == nil {
		opts.fetch = download.Fetch
	}
	if opts.selfExecutable == nil {
		opts.selfExecutable = os.Executable
	}
	return &CLILoader{opts: opts}
}

func (l *CLILoader) Load(ctx context.Context, spec LoadSpec) (Model, error) {
	log := l.opts.Logger

	self, err := l.opts.selfExecutable()
	if err != nil {
		log.Debug("could not resolve own executable path", zap.Error(err))
		self = ""
	}
	enginePath, err := ResolveEnginePath(l.opts.EnginePath, self)
	if err != nil {
		return nil, err
	}

	resolved, err := ResolveModel(spec.ModelSize, l.opts.ModelDir)
	if err != nil {
		return nil, err
	}
	if err := l.ensure(ctx, "model", resolved); err != nil {
		return nil, err
	}

	vadPath, err := l.resolveVAD(ctx)
	if err != nil {
		return nil, err
	}

	backend := SelectBackend(spec.Compute, l.opts.detectAccelerator(), spec.Workers)
	if backend.FellBack {
		log.Warn("gpu compute requested but no accelerator found; falling back to cpu")
	}

	log.Info("whisper model ready",
		zap.String("model", resolved.Name),
		zap.String("path", resolved.Path),
		zap.String("engine", enginePath),
		zap.String("device", backend.Device),
		zap.String("precision", backend.Precision),
		zap.Int("threads", backend.Threads),
		zap.Bool("vad", vadPath != ""),
	)

	model := NewCLIModel(enginePath, resolved.Path, vadPath, backend, log)
	if l.opts.runner != nil {
		model.runner = l.opts.runner
	}
	return model, nil
}

// resolveVAD degrades to no VAD when the weights are unavailable.
func (l *CLILoader) resolveVAD(ctx context.Context) (string, error) {
	resolved, err := ResolveVADModel(l.opts.VADModel, l.opts.ModelDir)
	if err != nil {
		return "", err
	}
	if resolved.Path == "" {
		return "", nil
	}
	if err := l.ensure(ctx, "vad model", resolved); err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		l.opts.Logger.Warn("vad model unavailable; transcribing without voice activity detection", zap.Error(err))
		return "", nil
	}
	return resolved.Path, nil
}

func (l *CLILoader) ensure(ctx context.Context, kind string, resolved ResolvedModel) error {
	if !resolved.NeedsDownload {
		return nil
	}
	if !l.opts.AutoDownload {
		return fmt.Errorf("%s %s not found at %s; run `whisperd setup` or enable AUTO_DOWNLOAD", kind, resolved.Name, resolved.Path)
	}
	if resolved.URL == "" {
		return errors.New(kind + " has no download URL")
	}

	l.opts.Logger.Info("downloading "+kind, zap.String("name", resolved.Name), zap.String("path", resolved.Path))
	if err := l.opts.fetch(ctx, download.Options{
		URL:            resolved.URL,
		Destination:    resolved.Path,
		ExpectedSHA256: resolved.SHA256,
		NoProgress:     l.opts.NoProgress,
		Logger:         l.opts.Logger,
	}); err != nil {
		return fmt.Errorf("download %s %s: %w", kind, resolved.Name, err)
	}
	return nil
}
