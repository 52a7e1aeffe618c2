package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/fmueller/whisperd/internal/logging"
	"github.com/fmueller/whisperd/internal/whisper"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

const EnvConfigFile = "WHISPERD_CONFIG"

// Settings is the full process configuration. Field names match the YAML keys;
// env names are the upper-case forms.
type Settings struct {
	ModelSize         string        `yaml:"model_size"`
	Compute           string        `yaml:"compute"`
	NumWorkers        int           `yaml:"num_workers"`
	BeamSize          int           `yaml:"beam_size"`
	Host              string        `yaml:"host"`
	Port              int           `yaml:"port"`
	LogLevel          string        `yaml:"log_level"`
	LogFormat         string        `yaml:"log_format"`
	LogFile           string        `yaml:"log_file"`
	MaxFileSize       int64         `yaml:"max_file_size"`
	AllowedExtensions []string      `yaml:"allowed_extensions"`
	RequestTimeout    time.Duration `yaml:"request_timeout"`
	ModelDir          string        `yaml:"model_dir"`
	WhisperPath       string        `yaml:"whisper_path"`
	VADModel          string        `yaml:"vad_model"`
	AutoDownload      bool          `yaml:"auto_download"`
}

func Defaults() Settings {
	return Settings{
		ModelSize:         whisper.DefaultModel,
		Compute:           string(whisper.ComputeCPU),
		NumWorkers:        1,
		BeamSize:          5,
		Host:              "0.0.0.0",
		Port:              8000,
		LogLevel:          "INFO",
		LogFormat:         "console",
		MaxFileSize:       100 * 1024 * 1024,
		AllowedExtensions: []string{".mp3", ".wav", ".m4a", ".flac", ".ogg", ".wma", ".aac"},
		VADModel:          whisper.DefaultVADModel,
		AutoDownload:      true,
	}
}

type Sources struct {
	// ConfigFile is an optional YAML file; empty falls back to $WHISPERD_CONFIG.
	ConfigFile string
	// EnvFile defaults to ".env", which may be absent. An explicit path must exist.
	EnvFile string
	// LookupEnv defaults to os.LookupEnv.
	LookupEnv func(string) (string, bool)
}

// Load layers defaults, YAML, the .env file and the process environment.
// Values already present in the environment are never replaced by .env.
func Load(src Sources) (Settings, error) {
	lookup := src.LookupEnv
	if lookup == nil {
		lookup = os.LookupEnv
	}

	settings := Defaults()

	configFile := src.ConfigFile
	if configFile == "" {
		configFile, _ = lookup(EnvConfigFile)
	}
	if configFile != "" {
		if err := settings.mergeYAML(configFile); err != nil {
			return Settings{}, err
		}
	}

	envFile, explicit := src.EnvFile, src.EnvFile != ""
	if !explicit {
		envFile = ".env"
	}
	dotenv, err := godotenv.Read(envFile)
	if err != nil {
		if explicit || !errors.Is(err, os.ErrNotExist) {
			return Settings{}, fmt.Errorf("read env file %s: %w", envFile, err)
		}
		dotenv = map[string]string{}
	}

	merged := func(key string) (string, bool) {
		if value, ok := lookup(key); ok {
			return value, true
		}
		value, ok := dotenv[key]
		return value, ok
	}

	if err := settings.applyEnv(merged); err != nil {
		return Settings{}, err
	}
	settings.AllowedExtensions = NormalizeExtensions(settings.AllowedExtensions)
	return settings, nil
}

func (s *Settings) mergeYAML(path string) error {
	content, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal(content, s); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}
	return nil
}

func (s *Settings) applyEnv(lookup func(string) (string, bool)) error {
	var errs []error

	str := func(key string, dst *string) {
		if value, ok := lookup(key); ok {
			*dst = strings.TrimSpace(value)
		}
	}
	integer := func(key string, dst *int) {
		if value, ok := lookup(key); ok {
			parsed, err := strconv.Atoi(strings.TrimSpace(value))
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %q is not an integer", key, value))
				return
			}
			*dst = parsed
		}
	}

	str("MODEL_SIZE", &s.ModelSize)
	str("COMPUTE", &s.Compute)
	integer("NUM_WORKERS", &s.NumWorkers)
	integer("BEAM_SIZE", &s.BeamSize)
	str("HOST", &s.Host)
	integer("PORT", &s.Port)
	str("LOG_LEVEL", &s.LogLevel)
	str("LOG_FORMAT", &s.LogFormat)
	str("LOG_FILE", &s.LogFile)
	str("MODEL_DIR", &s.ModelDir)
	str("WHISPER_PATH", &s.WhisperPath)
	str("VAD_MODEL", &s.VADModel)

	if value, ok := lookup("MAX_FILE_SIZE"); ok {
		parsed, err := strconv.ParseInt(strings.TrimSpace(value), 10, 64)
		if err != nil {
			errs = append(errs, fmt.Errorf("MAX_FILE_SIZE: %q is not an integer", value))
		} else {
			s.MaxFileSize = parsed
		}
	}
	if value, ok := lookup("ALLOWED_EXTENSIONS"); ok {
		s.AllowedExtensions = strings.FieldsFunc(value, func(r rune) bool {
			return r == ',' || r == ' ' || r == '\t'
		})
	}
	if value, ok := lookup("REQUEST_TIMEOUT"); ok {
		parsed, err := parseTimeout(value)
		if err != nil {
			errs = append(errs, fmt.Errorf("REQUEST_TIMEOUT: %w", err))
		} else {
			s.RequestTimeout = parsed
		}
	}
	if value, ok := lookup("AUTO_DOWNLOAD"); ok {
		parsed, err := strconv.ParseBool(strings.TrimSpace(value))
		if err != nil {
			errs = append(errs, fmt.Errorf("AUTO_DOWNLOAD: %q is not a boolean", value))
		} else {
			s.AutoDownload = parsed
		}
	}

	return errors.Join(errs...)
}

// parseTimeout accepts Go durations and bare seconds.
func parseTimeout(value string) (time.Duration, error) {
	value = strings.TrimSpace(value)
	if value == "" || value == "0" {
		return 0, nil
	}
	if seconds, err := strconv.Atoi(value); err == nil {
		return time.Duration(seconds) * time.Second, nil
	}
	return time.ParseDuration(value)
}

func NormalizeExtensions(values []string) []string {
	out := make([]string, 0, len(values))
	seen := make(map[string]struct{}, len(values))
	for _, value := range values {
		value = strings.ToLower(strings.TrimSpace(value))
		if value == "" {
			continue
		}
		if !strings.HasPrefix(value, ".") {
			value = "." + value
		}
		if _, ok := seen[value]; ok {
			continue
		}
		seen[value] = struct{}{}
		out = append(out, value)
	}
	return out
}

// Validate reports every invalid value at once.
func (s Settings) Validate() error {
	var errs []error

	if _, err := s.ServiceConfig(); err != nil {
		errs = append(errs, err)
	}
	if s.Port < 1 || s.Port > 65535 {
		errs = append(errs, fmt.Errorf("port %d out of range 1-65535", s.Port))
	}
	if _, err := logging.ParseLevel(s.LogLevel); err != nil {
		errs = append(errs, err)
	}
	switch strings.ToLower(s.LogFormat) {
	case "console", "json":
	default:
		errs = append(errs, fmt.Errorf("log format %q must be console or json", s.LogFormat))
	}
	if s.MaxFileSize <= 0 {
		errs = append(errs, fmt.Errorf("max file size must be positive, got %d", s.MaxFileSize))
	}
	if s.RequestTimeout < 0 {
		errs = append(errs, errors.New("request timeout must not be negative"))
	}

	return errors.Join(errs...)
}

func (s Settings) ServiceConfig() (ServiceConfig, error) {
	return NewServiceConfig(s.ModelSize, whisper.Compute(strings.ToLower(s.Compute)), s.NumWorkers, s.BeamSize)
}

func (s Settings) Addr() string {
	return net.JoinHostPort(s.Host, strconv.Itoa(s.Port))
}

func (s Settings) JSONLogs() bool {
	return strings.EqualFold(s.LogFormat, "json")
}
