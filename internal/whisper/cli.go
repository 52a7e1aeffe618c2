package whisper

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"runtime"
	"strconv"
	"strings"
	"sync/atomic"

	"github.com/fmueller/whisperd/internal/audio"
	"github.com/fmueller/whisperd/internal/platform"
	"go.uber.org/zap"
)

// ErrModelClosed is returned by Transcribe after Close.
var ErrModelClosed = errors.New("model is closed")

var detectedLanguagePattern = regexp.MustCompile(`auto-detected language:\s*([a-z]{2,3})\s*\(p\s*=\s*([0-9.]+)\)`)

// CLIModel drives a whisper.cpp whisper-cli executable. Each call spawns its own
// process, so concurrent calls do not share decoder state.
type CLIModel struct {
	Executable   string
	ModelPath    string
	VADModelPath string
	Backend      Backend
	Logger       *zap.Logger

	runner commandRunner
	closed atomic.Bool
}

func NewCLIModel(executable, modelPath, vadModelPath string, backend Backend, logger *zap.Logger) *CLIModel {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CLIModel{
		Executable:   executable,
		ModelPath:    modelPath,
		VADModelPath: vadModelPath,
		Backend:      backend,
		Logger:       logger,
		runner:       execRunner{},
	}
}

func (m *CLIModel) Transcribe(ctx context.Context, audioPath string, opts DecodeOptions) (Segments, Info, error) {
	if m.closed.Load() {
		return nil, Info{}, ErrModelClosed
	}
	if strings.TrimSpace(audioPath) == "" {
		return nil, Info{}, errors.New("audio path is required")
	}

	outDir, err := os.MkdirTemp("", "whisperd-out-*")
	if err != nil {
		return nil, Info{}, fmt.Errorf("create output directory: %w", err)
	}
	defer os.RemoveAll(outDir)
	outBase := filepath.Join(outDir, "result")

	args := m.args(audioPath, outBase, opts)
	m.Logger.Debug("running whisper engine", zap.String("engine", m.Executable), zap.Strings("args", args))

	stderr, err := m.runner.Run(ctx, m.Executable, args...)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, Info{}, ctxErr
		}
		return nil, Info{}, classifyEngineError(m.Executable, stderr, err)
	}

	content, err := os.ReadFile(outBase + ".json")
	if err != nil {
		return nil, Info{}, fmt.Errorf("read whisper output: %w", err)
	}

	out, err := decodeFullJSON(content)
	if err != nil {
		return nil, Info{}, err
	}

	segments := out.toSegments(opts.WordTimestamps)
	info := m.buildInfo(out, stderr, audioPath, segments, opts)
	return SliceSegments(segments), info, nil
}

func (m *CLIModel) ActiveBackend() Backend {
	return m.Backend
}

func (m *CLIModel) Close() error {
	m.closed.Store(true)
	return nil
}

func (m *CLIModel) args(audioPath, outBase string, opts DecodeOptions) []string {
	lang := strings.TrimSpace(opts.Language)
	if lang == "" {
		lang = "auto"
	}

	args := []string{
		"-m", m.ModelPath,
		"-f", audioPath,
		"-l", lang,
		"-t", strconv.Itoa(max(1, m.Backend.Threads)),
		"-ojf",
		"-of", outBase,
	}
	if opts.BeamSize > 0 {
		args = append(args, "-bs", strconv.Itoa(opts.BeamSize))
	}
	if opts.Task == TaskTranslate {
		args = append(args, "-tr")
	}
	if !m.Backend.UsesGPU() {
		args = append(args, "-ng")
	}
	if opts.VADFilter && m.VADModelPath != "" {
		args = append(args, "--vad", "-vm", m.VADModelPath, "-vsd", strconv.FormatInt(opts.MinSilence.Milliseconds(), 10))
	}
	return args
}

func (m *CLIModel) buildInfo(out fullOutput, stderr, audioPath string, segments []Segment, opts DecodeOptions) Info {
	info := Info{
		Language:            out.Result.Language,
		LanguageProbability: 1.0,
	}
	if info.Language == "" {
		info.Language = strings.TrimSpace(opts.Language)
	}

	if strings.TrimSpace(opts.Language) == "" {
		if match := detectedLanguagePattern.FindStringSubmatch(stderr); len(match) == 3 {
			if info.Language == "" {
				info.Language = match[1]
			}
			if p, err := strconv.ParseFloat(match[2], 64); err == nil {
				info.LanguageProbability = p
			}
		}
	}
	if info.Language != "" {
		info.AllLanguageProbs = map[string]float64{info.Language: info.LanguageProbability}
	} else {
		info.AllLanguageProbs = map[string]float64{}
	}

	var speech float64
	var lastEnd float64
	for _, segment := range segments {
		speech += segment.End - segment.Start
		lastEnd = max(lastEnd, segment.End)
	}

	info.Duration = lastEnd
	if strings.EqualFold(filepath.Ext(audioPath), ".wav") {
		if probe, err := audio.ProbeWAV(audioPath); err == nil {
			info.Duration = probe.Duration.Seconds()
		} else {
			m.Logger.Debug("wav probe failed; using last segment end as duration", zap.Error(err))
		}
	}

	info.DurationAfterVAD = info.Duration
	if opts.VADFilter && m.VADModelPath != "" {
		info.DurationAfterVAD = speech
	}
	return info
}

type commandRunner interface {
	Run(ctx context.Context, name string, args ...string) (string, error)
}

type execRunner struct{}

func (execRunner) Run(ctx context.Context, name string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	var stderr bytes.Buffer
	cmd.Stdout = io.Discard
	cmd.Stderr = &stderr
	err := cmd.Run()
	return stderr.String(), err
}

func classifyEngineError(executable, stderr string, err error) error {
	errText := strings.TrimSpace(stderr)
	if isMissingSharedLibraryError(errText) {
		return fmt.Errorf("whisper engine at %s is missing required shared libraries (%s); rebuild whisper-cli with BUILD_SHARED_LIBS=OFF or install its libraries", executable, lastLine(errText))
	}
	if isIllegalInstructionError(errText) || isIllegalInstructionError(err.Error()) {
		return errors.New("whisper engine crashed with an illegal CPU instruction; " +
			"your CPU may lack required instruction set extensions; " +
			"set WHISPER_PATH to a whisper-cli binary built for your CPU")
	}
	if detail := lastLine(errText); detail != "" {
		return fmt.Errorf("whisper engine failed: %w (%s)", err, detail)
	}
	return fmt.Errorf("whisper engine failed: %w", err)
}

func lastLine(text string) string {
	text = strings.TrimSpace(text)
	if idx := strings.LastIndexByte(text, '\n'); idx >= 0 {
		return strings.TrimSpace(text[idx+1:])
	}
	return text
}

func isMissingSharedLibraryError(stderr string) bool {
	value := strings.ToLower(strings.TrimSpace(stderr))
	if value == "" {
		return false
	}

	for _, pattern := range []string{
		"error while loading shared libraries",
		"cannot open shared object file",
		"dyld: library not loaded",
		"image not found",
	} {
		if strings.Contains(value, pattern) {
			return true
		}
	}
	return false
}

func isIllegalInstructionError(stderr string) bool {
	return strings.Contains(strings.ToLower(stderr), "illegal instruction")
}

// ResolveEnginePath finds whisper-cli: explicit override first, then the
// install layouts next to the running binary, then PATH.
func ResolveEnginePath(override, selfExecutable string) (string, error) {
	if override = strings.TrimSpace(override); override != "" {
		if err := ensureExecutable(override); err != nil {
			return "", fmt.Errorf("WHISPER_PATH is not executable: %w", err)
		}
		return override, nil
	}

	if selfExecutable != "" {
		for _, candidate := range EnginePathCandidates(selfExecutable) {
			if err := ensureExecutable(candidate); err == nil {
				return candidate, nil
			}
		}
	}

	if found, err := exec.LookPath(engineBinaryName()); err == nil {
		return found, nil
	}

	return "", fmt.Errorf("whisper engine not found near %s or on PATH; install whisper.cpp and set WHISPER_PATH to %s", selfExecutable, engineBinaryName())
}

func EnginePathCandidates(selfExecutable string) []string {
	binDir := filepath.Dir(selfExecutable)
	engineName := engineBinaryName()
	hostTarget := fmt.Sprintf("%s_%s", runtime.GOOS, platform.NormalizeArch(runtime.GOARCH))

	return []string{
		filepath.Join(binDir, "..", "libexec", "whisper", engineName),
		filepath.Join(binDir, "libexec", "whisper", engineName),
		filepath.Join(binDir, "packaging", "whisper", hostTarget, engineName),
		filepath.Join(binDir, engineName),
	}
}

func engineBinaryName() string {
	if runtime.GOOS == "windows" {
		return "whisper-cli.exe"
	}
	return "whisper-cli"
}

func ensureExecutable(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return err
	}
	if info.IsDir() {
		return fmt.Errorf("%s is a directory", path)
	}
	if runtime.GOOS != "windows" && info.Mode()&0o111 == 0 {
		return fmt.Errorf("%s is not executable", path)
	}
	return nil
}
