package config

// ImageConfig defines a user image assembled at boot. Exactly one of Source
// and Path is set.
type ImageConfig struct {
	Source string `json:"source,omitempty"` // Inline assembly
	Path   string `json:"path,omitempty"`   // Assembly file on disk
}

// KernelConfig is the top-level configuration of the machine.
type KernelConfig struct {
	Init             string                 `json:"init"`               // Image of the root task
	Quantum          int                    `json:"quantum"`            // Instructions per timer tick
	DefaultPriority  int64                  `json:"default_priority"`   // Priority of new tasks
	MaxPIDs          int                    `json:"max_pids"`           // 0 means unbounded
	MaxAddressSpaces int                    `json:"max_address_spaces"` // 0 means unbounded
	LogLevel         string                 `json:"log_level"`          // trace, debug, info, warn, error
	JournalPath      string                 `json:"journal_path,omitempty"`
	StopWhenIdle     bool                   `json:"stop_when_idle"`
	Images           map[string]ImageConfig `json:"images,omitempty"`
}

// fileConfig mirrors KernelConfig with optional fields, so a file only
// overrides what it sets.
type fileConfig struct {
	Init             *string                `json:"init"`
	Quantum          *int                   `json:"quantum"`
	DefaultPriority  *int64                 `json:"default_priority"`
	MaxPIDs          *int                   `json:"max_pids"`
	MaxAddressSpaces *int                   `json:"max_address_spaces"`
	LogLevel         *string                `json:"log_level"`
	JournalPath      *string                `json:"journal_path"`
	StopWhenIdle     *bool                  `json:"stop_when_idle"`
	Images           map[string]ImageConfig `json:"images"`
}
