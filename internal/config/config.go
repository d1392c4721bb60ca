package config

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"gopkg.in/yaml.v3"
)

// Config is the root configuration for an oxide worker.
type Config struct {
	Server   ServerConfig   `json:"server" yaml:"server"`
	Node     NodeConfig     `json:"node" yaml:"node"`
	Memory   MemoryConfig   `json:"memory" yaml:"memory"`
	Tasks    TasksConfig    `json:"tasks" yaml:"tasks"`
	Exchange ExchangeConfig `json:"exchange" yaml:"exchange"`
	Drivers  DriversConfig  `json:"drivers" yaml:"drivers"`
	Events   EventsConfig   `json:"events" yaml:"events"`
	Log      LogConfig      `json:"log" yaml:"log"`
}

// ServerConfig holds the HTTP server settings.
type ServerConfig struct {
	Host            string   `json:"host" yaml:"host"`
	Port            int      `json:"port" yaml:"port"`
	ShutdownTimeout Duration `json:"shutdown_timeout,omitempty" yaml:"shutdown_timeout,omitempty"`
}

// Addr returns host:port.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// NodeConfig describes this worker.
type NodeConfig struct {
	ID            string `json:"id,omitempty" yaml:"id,omitempty"` // random when empty
	Environment   string `json:"environment" yaml:"environment"`
	Version       string `json:"version,omitempty" yaml:"version,omitempty"`
	HeartbeatFile string `json:"heartbeat_file,omitempty" yaml:"heartbeat_file,omitempty"`
}

// MemoryConfig holds the memory pool budgets, keyed by pool id.
type MemoryConfig struct {
	Pools map[string]PoolConfig `json:"pools" yaml:"pools"`
}

// PoolConfig is the budget of one memory pool.
type PoolConfig struct {
	MaxBytes           ByteSize `json:"max_bytes" yaml:"max_bytes"`
	RevocableSoftLimit ByteSize `json:"revocable_soft_limit,omitempty" yaml:"revocable_soft_limit,omitempty"`
}

// TasksConfig controls task retention and defaults.
type TasksConfig struct {
	InfoMaxAge     Duration `json:"info_max_age" yaml:"info_max_age"`
	TornDownMaxAge Duration `json:"torn_down_max_age" yaml:"torn_down_max_age"`
	ClientTimeout  Duration `json:"client_timeout" yaml:"client_timeout"`
	ReaperInterval Duration `json:"reaper_interval" yaml:"reaper_interval"`
	DefaultPool    string   `json:"default_pool" yaml:"default_pool"`
}

// ExchangeConfig controls the results long-poll.
type ExchangeConfig struct {
	MaxWait         Duration `json:"max_wait" yaml:"max_wait"`             // used when X-Max-Wait is absent
	MaxWaitLimit    Duration `json:"max_wait_limit" yaml:"max_wait_limit"` // clamp for X-Max-Wait
	MaxResponseSize ByteSize `json:"max_response_size" yaml:"max_response_size"`
	MaxPages        int      `json:"max_pages" yaml:"max_pages"`
}

// DriversConfig selects and sizes task execution.
type DriversConfig struct {
	PoolSize int    `json:"pool_size" yaml:"pool_size"`
	Driver   string `json:"driver" yaml:"driver"`
}

// EventsConfig holds event bus settings.
type EventsConfig struct {
	BufferSize int    `json:"buffer_size" yaml:"buffer_size"`
	JournalDir string `json:"journal_dir,omitempty" yaml:"journal_dir,omitempty"` // empty disables the journal
}

// LogConfig configures the default slog handler.
type LogConfig struct {
	Level  string `json:"level" yaml:"level"`   // debug | info | warn | error
	Format string `json:"format" yaml:"format"` // text | json
}

// Duration wraps time.Duration for JSON and YAML unmarshaling.
type Duration time.Duration

func (d Duration) Duration() time.Duration {
	return time.Duration(d)
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	// Remove quotes
	s := string(b)
	if len(s) >= 2 && s[0] == '"' && s[len(s)-1] == '"' {
		s = s[1 : len(s)-1]
	}
	dur, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	*d = Duration(dur)
	return nil
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return []byte(`"` + time.Duration(d).String() + `"`), nil
}

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	dur, err := time.ParseDuration(value.Value)
	if err != nil {
		return err
	}
	*d = Duration(dur)
	return nil
}

// ByteSize is a byte count written either as a number or as a humanized
// string such as "512MB" or "1 GiB".
type ByteSize int64

func (b ByteSize) Int64() int64 { return int64(b) }

func (b ByteSize) String() string {
	if b < 0 {
		return fmt.Sprintf("%d B", int64(b))
	}
	return humanize.Bytes(uint64(b))
}

// ParseByteSize parses a number of bytes or a humanized size.
func ParseByteSize(s string) (ByteSize, error) {
	s = strings.TrimSpace(s)
	n, err := humanize.ParseBytes(s)
	if err != nil {
		return 0, fmt.Errorf("invalid byte size %q: %w", s, err)
	}
	return ByteSize(n), nil
}

func (b *ByteSize) UnmarshalJSON(data []byte) error {
	var n int64
	if err := json.Unmarshal(data, &n); err == nil {
		*b = ByteSize(n)
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("byte size must be a number or a string: %s", data)
	}
	v, err := ParseByteSize(s)
	if err != nil {
		return err
	}
	*b = v
	return nil
}

func (b ByteSize) MarshalJSON() ([]byte, error) {
	return json.Marshal(int64(b))
}

func (b *ByteSize) UnmarshalYAML(value *yaml.Node) error {
	v, err := ParseByteSize(value.Value)
	if err != nil {
		return err
	}
	*b = v
	return nil
}
