package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration with YAML (un)marshaling from the
// "30s"-style strings a human writes in a settings file, since
// time.Duration has no such support of its own.
type Duration time.Duration

// UnmarshalYAML decodes a duration string ("10s", "5m") into d.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("config: invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML encodes d back to its string form.
func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// BootstrapSettings names the libfabric provider and local endpoint a
// component should bind, mirroring the teacher's own
// provider/node/service triple.
type BootstrapSettings struct {
	Provider string `yaml:"provider"`
	Node     string `yaml:"node"`
	Service  string `yaml:"service"`
}

// SchedulerSettings holds the scheduler's liveness and discovery knobs.
type SchedulerSettings struct {
	DeadAfter           Duration `yaml:"dead_after"`
	SenderDiscoveryWait Duration `yaml:"sender_discovery_wait"`
	FailureBackoff      Duration `yaml:"failure_backoff"`
	GatheringDeadline   Duration `yaml:"gathering_deadline"`
}

// BuilderSettings holds the builder input pipeline's tunables, including
// both Open Question flags spec leaves configurable.
type BuilderSettings struct {
	PerSenderFetchCap              int64 `yaml:"per_sender_fetch_cap"`
	RetainFirstFragmentPerEquipment bool  `yaml:"retain_first_fragment_per_equipment"`
}

// Settings is the typed, startup-time configuration every component
// binary loads once via Load. Settings only covers process-startup
// knobs; anything the core treats as dynamically watchable (spec §9's
// KV contract) goes through a Store instead.
type Settings struct {
	Bootstrap BootstrapSettings `yaml:"bootstrap"`
	Scheduler SchedulerSettings `yaml:"scheduler"`
	Builder   BuilderSettings   `yaml:"builder"`
	LogLevel  string            `yaml:"log_level"`
}

// DefaultSettings returns the spec-mandated defaults: T_dead=10s,
// sender-discovery wait of 5 minutes, a per-sender fetch cap of 4, and
// the empty-trigger filter retained (matching the original's behavior).
func DefaultSettings() Settings {
	return Settings{
		Bootstrap: BootstrapSettings{
			Provider: "sockets",
		},
		Scheduler: SchedulerSettings{
			DeadAfter:           Duration(10 * time.Second),
			SenderDiscoveryWait: Duration(5 * time.Minute),
			FailureBackoff:      Duration(5 * time.Second),
			GatheringDeadline:   Duration(30 * time.Second),
		},
		Builder: BuilderSettings{
			PerSenderFetchCap:               4,
			RetainFirstFragmentPerEquipment: true,
		},
		LogLevel: "info",
	}
}

// Load reads a YAML settings file at path, applying its values over
// DefaultSettings so a file only needs to name the knobs it overrides.
func Load(path string) (Settings, error) {
	s := DefaultSettings()
	data, err := os.ReadFile(path)
	if err != nil {
		return Settings{}, fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &s); err != nil {
		return Settings{}, fmt.Errorf("config: parse %s: %w", path, err)
	}
	return s, nil
}
