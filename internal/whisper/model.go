package whisper

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

const (
	DefaultModel    = "medium"
	DefaultVADModel = "silero-v5.1.2"
	// NoVAD disables voice activity detection flags entirely.
	NoVAD = "none"
)

const ggmlBaseURL = "https://huggingface.co/ggerganov/whisper.cpp/resolve/main/"

// ModelFile describes a downloadable ggml asset.
type ModelFile struct {
	Name     string
	FileName string
	URL      string
	SHA256   string
}

type ResolvedModel struct {
	Name          string
	Path          string
	URL           string
	SHA256        string
	NeedsDownload bool
	IsCustomPath  bool
}

var registry = map[string]ModelFile{
	"tiny": {
		Name:     "tiny",
		FileName: "ggml-tiny.bin",
		URL:      ggmlBaseURL + "ggml-tiny.bin",
		SHA256:   "be07e048e1e599ad46341c8d2a135645097a538221678b7acdd1b1919c6e1b21",
	},
	"base": {
		Name:     "base",
		FileName: "ggml-base.bin",
		URL:      ggmlBaseURL + "ggml-base.bin",
		SHA256:   "60ed5bc3dd14eea856493d334349b405782ddcaf0028d4b5df4088345fba2efe",
	},
	"small": {
		Name:     "small",
		FileName: "ggml-small.bin",
		URL:      ggmlBaseURL + "ggml-small.bin",
		SHA256:   "1be3a9b2063867b937e64e2ec7483364a79917e157fa98c5d94b5c1fffea987b",
	},
	"medium": {
		Name:     "medium",
		FileName: "ggml-medium.bin",
		URL:      ggmlBaseURL + "ggml-medium.bin",
		SHA256:   "6c14d5adee5f86394037b4e4e8b59f1673b6cee10e3cf0b11bbdbee79c156208",
	},
	// No pinned checksum published alongside this file.
	"large-v2": {
		Name:     "large-v2",
		FileName: "ggml-large-v2.bin",
		URL:      ggmlBaseURL + "ggml-large-v2.bin",
	},
	"large-v3": {
		Name:     "large-v3",
		FileName: "ggml-large-v3.bin",
		URL:      ggmlBaseURL + "ggml-large-v3.bin",
		SHA256:   "64d182b440b98d5203c4f9bd541544d84c605196c4f7b845dfa11fb23594d1e2",
	},
}

// aliases map tier names onto registry entries.
var aliases = map[string]string{
	"large": "large-v3",
}

var vadRegistry = map[string]ModelFile{
	"silero-v5.1.2": {
		Name:     "silero-v5.1.2",
		FileName: "ggml-silero-v5.1.2.bin",
		URL:      "https://huggingface.co/ggml-org/whisper-vad/resolve/main/ggml-silero-v5.1.2.bin",
	},
}

// ModelNames lists every accepted model tier, aliases included.
func ModelNames() []string {
	names := make([]string, 0, len(registry)+len(aliases))
	for name := range registry {
		names = append(names, name)
	}
	for name := range aliases {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func LookupModel(name string) (ModelFile, bool) {
	if target, ok := aliases[name]; ok {
		name = target
	}
	model, ok := registry[name]
	return model, ok
}

func LookupVADModel(name string) (ModelFile, bool) {
	model, ok := vadRegistry[name]
	return model, ok
}

func ResolveModel(modelRef, modelDir string) (ResolvedModel, error) {
	if strings.TrimSpace(modelRef) == "" {
		modelRef = DefaultModel
	}

	model, ok := LookupModel(modelRef)
	if !ok {
		return resolveCustomPath(modelRef, "model", ModelNames())
	}
	return resolveNamed(model, modelDir)
}

// ResolveVADModel returns a zero ResolvedModel with an empty Path when VAD is
// disabled.
func ResolveVADModel(ref, modelDir string) (ResolvedModel, error) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		ref = DefaultVADModel
	}
	if strings.EqualFold(ref, NoVAD) {
		return ResolvedModel{}, nil
	}

	model, ok := LookupVADModel(ref)
	if !ok {
		names := make([]string, 0, len(vadRegistry))
		for name := range vadRegistry {
			names = append(names, name)
		}
		sort.Strings(names)
		return resolveCustomPath(ref, "vad model", names)
	}
	return resolveNamed(model, modelDir)
}

func resolveNamed(model ModelFile, modelDir string) (ResolvedModel, error) {
	if strings.TrimSpace(modelDir) == "" {
		return ResolvedModel{}, errors.New("model directory must not be empty for named model")
	}

	modelPath := filepath.Join(modelDir, model.FileName)
	_, statErr := os.Stat(modelPath)
	if statErr != nil && !errors.Is(statErr, os.ErrNotExist) {
		return ResolvedModel{}, fmt.Errorf("stat model path: %w", statErr)
	}

	return ResolvedModel{
		Name:          model.Name,
		Path:          modelPath,
		URL:           model.URL,
		SHA256:        model.SHA256,
		NeedsDownload: errors.Is(statErr, os.ErrNotExist),
	}, nil
}

func resolveCustomPath(ref, kind string, known []string) (ResolvedModel, error) {
	if !looksLikePath(ref) {
		return ResolvedModel{}, fmt.Errorf("unknown %s %q (known: %s)", kind, ref, strings.Join(known, ", "))
	}

	customPath := filepath.Clean(ref)
	if _, err := os.Stat(customPath); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return ResolvedModel{}, fmt.Errorf("custom %s path does not exist: %s", kind, customPath)
		}
		return ResolvedModel{}, fmt.Errorf("stat custom %s path: %w", kind, err)
	}

	return ResolvedModel{Path: customPath, IsCustomPath: true}, nil
}

func looksLikePath(input string) bool {
	return strings.ContainsRune(input, os.PathSeparator) || strings.HasSuffix(strings.ToLower(input), ".bin")
}
