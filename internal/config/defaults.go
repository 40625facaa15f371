package config

import "github.com/aristath/procore/internal/task"

// DefaultConfig returns the default configuration: boot the built-in init
// image and stop once every task has been reaped.
func DefaultConfig() *KernelConfig {
	return &KernelConfig{
		Init:             "initproc",
		Quantum:          64,
		DefaultPriority:  task.DefaultPriority,
		MaxPIDs:          4096,
		MaxAddressSpaces: 1024,
		LogLevel:         "info",
		StopWhenIdle:     true,
		Images:           map[string]ImageConfig{},
	}
}
