// Package config loads que-locker's settings from a TOML file, CLI flags,
// and QUE_-prefixed environment variables, and translates them into a
// que.Config, following the layered viper setup teranos-QNTX/am uses for
// its own TOML configuration.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/cockroachdb/errors"
	"github.com/spf13/viper"

	"github.com/quelocker/que"
)

// ConventionalFile is the file name looked for in the working directory
// when no positional file argument is given on the command line.
const ConventionalFile = "que.toml"

// Settings is the flat, TOML/env-friendly shape of que-locker's
// configuration, mirroring the CLI flag table (spec.md §6) one field at a
// time before it's translated into a que.Config.
type Settings struct {
	PollInterval      float64  `mapstructure:"poll_interval" toml:"poll_interval"`
	LogLevel          string   `mapstructure:"log_level" toml:"log_level"`
	LogInternals      bool     `mapstructure:"log_internals" toml:"log_internals"`
	QueueNames        []string `mapstructure:"queue_names" toml:"queue_names"`
	WorkerCount       int      `mapstructure:"worker_count" toml:"worker_count"`
	ConnectionURL     string   `mapstructure:"connection_url" toml:"connection_url"`
	MaximumBufferSize int      `mapstructure:"maximum_buffer_size" toml:"maximum_buffer_size"`
	MinimumBufferSize int      `mapstructure:"minimum_buffer_size" toml:"minimum_buffer_size"`
	WaitPeriod        float64  `mapstructure:"wait_period" toml:"wait_period"`
	WorkerPriorities  []string `mapstructure:"worker_priorities" toml:"worker_priorities"`
}

// Defaults mirror the CLI table in spec.md §6.
func Defaults() Settings {
	return Settings{
		PollInterval:      5,
		LogLevel:          "info",
		WorkerCount:       6,
		MaximumBufferSize: 8,
		MinimumBufferSize: 2,
		WaitPeriod:        50,
		WorkerPriorities:  []string{"10", "30", "50"},
	}
}

// newViper builds a Viper instance bound to QUE_-prefixed environment
// variables and seeded with Defaults(), the way teranos-QNTX/am/load.go's
// initViper binds QNTX_-prefixed variables.
func newViper() *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix("QUE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	d := Defaults()
	v.SetDefault("poll_interval", d.PollInterval)
	v.SetDefault("log_level", d.LogLevel)
	v.SetDefault("log_internals", d.LogInternals)
	v.SetDefault("worker_count", d.WorkerCount)
	v.SetDefault("maximum_buffer_size", d.MaximumBufferSize)
	v.SetDefault("minimum_buffer_size", d.MinimumBufferSize)
	v.SetDefault("wait_period", d.WaitPeriod)
	v.SetDefault("worker_priorities", d.WorkerPriorities)
	v.SetDefault("connection_url", d.ConnectionURL)
	v.SetDefault("queue_names", d.QueueNames)

	return v
}

// LoadFile reads TOML settings from path, falling back to Defaults() for
// anything the file doesn't set.
func LoadFile(path string) (Settings, error) {
	v := newViper()
	v.SetConfigFile(path)
	v.SetConfigType("toml")

	if err := v.ReadInConfig(); err != nil {
		return Settings{}, errors.Wrapf(err, "failed to read config file %s", path)
	}

	var s Settings
	if err := v.Unmarshal(&s); err != nil {
		return Settings{}, errors.Wrapf(err, "failed to unmarshal config from %s", path)
	}
	return s, nil
}

// FromEnv returns a Settings populated only from environment variables and
// the built-in defaults, with no file involved.
func FromEnv() (Settings, error) {
	v := newViper()
	var s Settings
	if err := v.Unmarshal(&s); err != nil {
		return Settings{}, errors.Wrap(err, "failed to unmarshal config from environment")
	}
	return s, nil
}

// WriteSample writes s to path as a commented starting-point TOML file,
// the way teranos-QNTX/am/load.go encodes plugin config back to disk with
// a toml.Encoder rather than hand-formatting the file.
func WriteSample(path string, s Settings) error {
	f, err := os.Create(path)
	if err != nil {
		return errors.Wrapf(err, "failed to create config file %s", path)
	}
	defer f.Close()

	if _, err := f.WriteString("# generated by que-locker --generate-config\n"); err != nil {
		return errors.Wrapf(err, "failed to write header to %s", path)
	}

	enc := toml.NewEncoder(f)
	if err := enc.Encode(s); err != nil {
		return errors.Wrapf(err, "failed to encode config to %s", path)
	}
	return nil
}

// ParseQueueName splits a "-q" flag value of the form "name" or
// "name=interval_seconds" into its queue name and optional override
// interval.
func ParseQueueName(raw string) (name string, interval time.Duration, hasInterval bool, err error) {
	parts := strings.SplitN(raw, "=", 2)
	name = parts[0]
	if len(parts) == 1 {
		return name, 0, false, nil
	}

	seconds, err := strconv.ParseFloat(parts[1], 64)
	if err != nil {
		return "", 0, false, errors.Wrapf(err, "invalid poll interval in queue spec %q", raw)
	}
	return name, secondsToDuration(seconds), true, nil
}

func secondsToDuration(seconds float64) time.Duration {
	return time.Duration(seconds * float64(time.Second))
}

// ParseWorkerPriorities turns the comma-separated "--worker-priorities"
// value into per-worker ceilings. An empty element (from "10,,50" or a
// trailing comma) means "unlimited" for that worker slot.
func ParseWorkerPriorities(raw []string) ([]*int16, error) {
	out := make([]*int16, 0, len(raw))
	for _, field := range raw {
		field = strings.TrimSpace(field)
		if field == "" {
			out = append(out, nil)
			continue
		}
		n, err := strconv.ParseInt(field, 10, 16)
		if err != nil {
			return nil, errors.Wrapf(err, "invalid worker priority %q", field)
		}
		v := int16(n)
		out = append(out, &v)
	}
	return out, nil
}

// ToLockerConfig translates Settings into a que.Config, ready for
// que.NewLocker. connectionURL is resolved and validated separately by the
// caller, since establishing the pool is the caller's responsibility.
func (s Settings) ToLockerConfig() (que.Config, error) {
	priorities, err := ParseWorkerPriorities(s.WorkerPriorities)
	if err != nil {
		return que.Config{}, err
	}

	pollInterval := secondsToDuration(s.PollInterval)

	queueNames := s.QueueNames
	if len(queueNames) == 0 {
		queueNames = []string{""}
	}

	queues := make([]que.QueueConfig, 0, len(queueNames))
	for _, raw := range queueNames {
		name, interval, has, err := ParseQueueName(raw)
		if err != nil {
			return que.Config{}, err
		}
		if !has {
			interval = pollInterval
		}
		queues = append(queues, que.QueueConfig{Name: name, PollInterval: interval})
	}

	return que.Config{
		WorkerCount:       s.WorkerCount,
		WorkerPriorities:  priorities,
		Queues:            queues,
		PollInterval:      pollInterval,
		WaitPeriod:        time.Duration(s.WaitPeriod) * time.Millisecond,
		MinimumBufferSize: s.MinimumBufferSize,
		MaximumBufferSize: s.MaximumBufferSize,
	}, nil
}
