package whisper

import "runtime"

const (
	DeviceCPU   = "cpu"
	DeviceCUDA  = "cuda"
	DeviceMetal = "metal"

	PrecisionInt8    = "int8"
	PrecisionFloat16 = "float16"
)

// Backend is the resolved execution target for a loaded model.
type Backend struct {
	Device    string
	Precision string
	Threads   int
	// FellBack is set when a GPU was requested but none was found.
	FellBack bool
}

func (b Backend) UsesGPU() bool {
	return b.Device != DeviceCPU
}

// SelectBackend applies the compute policy: CPU always runs quantized, GPU runs
// float16 when an accelerator is present and drops to the CPU policy otherwise.
func SelectBackend(compute Compute, accelerator string, workers int) Backend {
	backend := Backend{
		Device:    DeviceCPU,
		Precision: PrecisionInt8,
		Threads:   threadsPerWorker(runtime.NumCPU(), workers),
	}

	if compute != ComputeGPU {
		return backend
	}

	if accelerator == "" {
		backend.FellBack = true
		return backend
	}

	backend.Device = accelerator
	backend.Precision = PrecisionFloat16
	return backend
}

func threadsPerWorker(cpus, workers int) int {
	if workers <= 0 {
		workers = 1
	}
	threads := cpus / workers
	if threads < 1 {
		return 1
	}
	return threads
}
