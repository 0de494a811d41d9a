// Package config loads the kernel configuration from TOML or JSON files.
//
// A file only needs the keys it changes; everything else keeps the value from Default. Every
// loaded configuration is validated before it is returned, so kernel construction can trust it.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/sugawarayuuta/sonnet"

	"rtcore/constants"
	"rtcore/prioritybitmap"
	"rtcore/scheduler"
	"rtcore/status"
)

// Config is the complete kernel configuration.
type Config struct {
	// Processors is the number of simulated processors.
	Processors          int    `toml:"processors" json:"processors"`
	TicksPerTimeslice   uint32 `toml:"ticks-per-timeslice" json:"ticks_per_timeslice"`
	MicrosecondsPerTick uint32 `toml:"microseconds-per-tick" json:"microseconds_per_tick"`
	WatchdogSlots       int    `toml:"watchdog-slots" json:"watchdog_slots"`

	Threads ObjectClass `toml:"threads" json:"threads"`
	Mutexes ObjectClass `toml:"mutexes" json:"mutexes"`

	Schedulers []Scheduler `toml:"scheduler" json:"schedulers"`
	Recorder   Recorder    `toml:"recorder" json:"recorder"`
	Log        Log         `toml:"log" json:"log"`
}

// ObjectClass sizes an object directory.
type ObjectClass struct {
	Maximum    uint32 `toml:"maximum" json:"maximum"`
	AutoExtend bool   `toml:"auto-extend" json:"auto_extend"`
}

// Scheduler configures one scheduler instance and the processors it owns.
type Scheduler struct {
	Name            string `toml:"name" json:"name"`
	Algorithm       string `toml:"algorithm" json:"algorithm"`
	Processors      []int  `toml:"processors" json:"processors"`
	MaximumPriority uint64 `toml:"maximum-priority" json:"maximum_priority"`
	MaximumServers  int    `toml:"maximum-servers" json:"maximum_servers"`
	LateUnblock     string `toml:"late-unblock" json:"late_unblock"`
}

// Recorder configures event recording.
type Recorder struct {
	Enabled   bool   `toml:"enabled" json:"enabled"`
	RingSize  int    `toml:"ring-size" json:"ring_size"`
	BatchSize int    `toml:"batch-size" json:"batch_size"`
	Core      int    `toml:"core" json:"core"`
	SQLite    string `toml:"sqlite" json:"sqlite"`
}

// Log configures cold-path logging.
type Log struct {
	Verbosity int    `toml:"verbosity" json:"verbosity"`
	Path      string `toml:"path" json:"path"`
}

// Default returns a single-processor priority kernel.
func Default() Config {
	return Config{
		Processors:          1,
		TicksPerTimeslice:   constants.DefaultTicksPerTimeslice,
		MicrosecondsPerTick: constants.DefaultMicrosecondsPerTick,
		WatchdogSlots:       constants.DefaultWatchdogSlots,
		Threads:             ObjectClass{Maximum: 64},
		Mutexes:             ObjectClass{Maximum: 32},
		Schedulers: []Scheduler{{
			Name:            "default",
			Algorithm:       scheduler.AlgorithmPriority.String(),
			Processors:      []int{0},
			MaximumPriority: constants.DefaultMaximumPriority,
		}},
		Recorder: Recorder{RingSize: constants.DefaultRecordRingSize, BatchSize: 256, Core: -1},
	}
}

// ═══════════════════════════════════════════════════════════════════════════════════════════════
// LOADING
// ═══════════════════════════════════════════════════════════════════════════════════════════════

// Format names a file encoding.
type Format uint8

const (
	TOML Format = iota
	JSON
)

// FormatOf picks the format from a file extension.
func FormatOf(path string) (Format, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		return TOML, nil
	case ".json":
		return JSON, nil
	}
	return 0, fmt.Errorf("config: unsupported file type %q: %w", path, status.InvalidName)
}

// Load reads and validates a configuration file.
func Load(path string) (*Config, error) {
	format, err := FormatOf(path)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: cannot read %s: %w", path, err)
	}
	c, err := Parse(data, format)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return c, nil
}

// Parse decodes data over Default and validates the result.
func Parse(data []byte, format Format) (*Config, error) {
	c := Default()
	// A file that lists schedulers replaces the default instance rather than merging into it.
	c.Schedulers = nil
	var err error
	switch format {
	case TOML:
		err = toml.Unmarshal(data, &c)
	case JSON:
		err = sonnet.Unmarshal(data, &c)
	default:
		err = status.InvalidNumber
	}
	if err != nil {
		return nil, fmt.Errorf("config: parse error: %w", err)
	}
	if c.Schedulers == nil {
		c.Schedulers = Default().Schedulers
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

// ═══════════════════════════════════════════════════════════════════════════════════════════════
// VALIDATION
// ═══════════════════════════════════════════════════════════════════════════════════════════════

func invalid(code status.Code, format string, args ...any) error {
	return fmt.Errorf("config: "+format+": %w", append(args, code)...)
}

// Validate checks limits and that every processor belongs to exactly one scheduler instance.
func (c *Config) Validate() error {
	if c.Processors <= 0 || c.Processors > constants.MaximumProcessors {
		return invalid(status.InvalidNumber, "processors = %d", c.Processors)
	}
	if c.WatchdogSlots <= 0 {
		return invalid(status.InvalidNumber, "watchdog-slots = %d", c.WatchdogSlots)
	}
	if c.Threads.Maximum == 0 || c.Threads.Maximum > constants.IndexMaximum {
		return invalid(status.InvalidNumber, "threads.maximum = %d", c.Threads.Maximum)
	}
	if c.Threads.AutoExtend {
		return invalid(status.NotDefined, "threads cannot auto-extend")
	}
	if c.Mutexes.Maximum == 0 || c.Mutexes.Maximum > constants.IndexMaximum {
		return invalid(status.InvalidNumber, "mutexes.maximum = %d", c.Mutexes.Maximum)
	}
	if len(c.Schedulers) == 0 {
		return invalid(status.InvalidNumber, "no scheduler instances")
	}

	owner := make([]string, c.Processors)
	names := map[string]bool{}
	for i := range c.Schedulers {
		s := &c.Schedulers[i]
		if s.Name == "" {
			s.Name = fmt.Sprintf("scheduler%d", i)
		}
		if names[s.Name] {
			return invalid(status.InvalidName, "duplicate scheduler %q", s.Name)
		}
		names[s.Name] = true
		alg, err := scheduler.ParseAlgorithm(s.Algorithm)
		if err != nil {
			return fmt.Errorf("config: scheduler %q: %w", s.Name, err)
		}
		if _, err := scheduler.ParseLateUnblockRule(s.LateUnblock); err != nil {
			return fmt.Errorf("config: scheduler %q: %w", s.Name, err)
		}
		if s.MaximumPriority == 0 {
			s.MaximumPriority = constants.DefaultMaximumPriority
		}
		if alg == scheduler.AlgorithmPriority || alg == scheduler.AlgorithmPrioritySMP {
			if s.MaximumPriority >= prioritybitmap.Limit {
				return invalid(status.InvalidPriority, "scheduler %q maximum-priority %d", s.Name, s.MaximumPriority)
			}
		}
		if len(s.Processors) == 0 || (!alg.SMP() && len(s.Processors) != 1) {
			return invalid(status.InvalidNumber, "scheduler %q (%s) has %d processors", s.Name, alg, len(s.Processors))
		}
		for _, p := range s.Processors {
			if p < 0 || p >= c.Processors {
				return invalid(status.InvalidNumber, "scheduler %q processor %d out of range", s.Name, p)
			}
			if owner[p] != "" {
				return invalid(status.ResourceInUse, "processor %d owned by %q and %q", p, owner[p], s.Name)
			}
			owner[p] = s.Name
		}
	}
	for p, name := range owner {
		if name == "" {
			return invalid(status.NotDefined, "processor %d has no scheduler", p)
		}
	}

	r := &c.Recorder
	if r.RingSize <= 0 || r.RingSize&(r.RingSize-1) != 0 {
		return invalid(status.InvalidNumber, "recorder.ring-size = %d", r.RingSize)
	}
	if r.BatchSize <= 0 {
		return invalid(status.InvalidNumber, "recorder.batch-size = %d", r.BatchSize)
	}
	return nil
}
