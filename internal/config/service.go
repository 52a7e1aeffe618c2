package config

import (
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/fmueller/whisperd/internal/whisper"
)

const (
	MinWorkers  = 1
	MaxWorkers  = 4
	MinBeamSize = 1
	MaxBeamSize = 20
)

// ServiceConfig is the validated, read-only model configuration shared by the
// lifecycle manager and the request handler.
type ServiceConfig struct {
	modelSize string
	compute   whisper.Compute
	workers   int
	beamSize  int
}

func NewServiceConfig(modelSize string, compute whisper.Compute, workers, beamSize int) (ServiceConfig, error) {
	var errs []error

	if !slices.Contains(whisper.ModelNames(), modelSize) {
		errs = append(errs, fmt.Errorf("model size %q is not one of %s", modelSize, strings.Join(whisper.ModelNames(), ", ")))
	}
	if compute != whisper.ComputeCPU && compute != whisper.ComputeGPU {
		errs = append(errs, fmt.Errorf("compute %q must be cpu or gpu", compute))
	}
	if workers < MinWorkers || workers > MaxWorkers {
		errs = append(errs, fmt.Errorf("workers %d out of range %d-%d", workers, MinWorkers, MaxWorkers))
	}
	if beamSize < MinBeamSize || beamSize > MaxBeamSize {
		errs = append(errs, fmt.Errorf("beam size %d out of range %d-%d", beamSize, MinBeamSize, MaxBeamSize))
	}
	if len(errs) > 0 {
		return ServiceConfig{}, errors.Join(errs...)
	}

	return ServiceConfig{
		modelSize: modelSize,
		compute:   compute,
		workers:   workers,
		beamSize:  beamSize,
	}, nil
}

func (c ServiceConfig) ModelSize() string        { return c.modelSize }
func (c ServiceConfig) Compute() whisper.Compute { return c.compute }
func (c ServiceConfig) Workers() int             { return c.workers }
func (c ServiceConfig) BeamSize() int            { return c.beamSize }

// LoadSpec is the subset handed to a whisper.Loader.
func (c ServiceConfig) LoadSpec() whisper.LoadSpec {
	return whisper.LoadSpec{ModelSize: c.modelSize, Compute: c.compute, Workers: c.workers}
}
