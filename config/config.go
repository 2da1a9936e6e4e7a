// Package config loads the yaml job file that drives the rill binary:
// checkpointing cadence, state backend, time semantics and windowing.
package config

import (
	"os"
	"time"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// Duration is a time.Duration that unmarshals from strings like "30s".
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return errors.WithMessagef(err, "invalid duration %q", raw)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) Std() time.Duration { return time.Duration(d) }

type JobConfig struct {
	Name       string `yaml:"name"`
	BufferSize int    `yaml:"buffer_size"`
}

type CheckpointConfig struct {
	Interval          Duration `yaml:"interval"`
	MinPause          Duration `yaml:"min_pause"`
	Timeout           Duration `yaml:"timeout"`
	TolerableFailures int      `yaml:"tolerable_failures"`
	Retained          int      `yaml:"retained"`
	//RestoreEpoch pins recovery to a specific checkpoint; 0 takes the newest.
	RestoreEpoch int64 `yaml:"restore_epoch"`
}

type S3Config struct {
	Bucket       string `yaml:"bucket"`
	Region       string `yaml:"region"`
	Endpoint     string `yaml:"endpoint"`
	Prefix       string `yaml:"prefix"`
	UsePathStyle bool   `yaml:"use_path_style"`
}

type StorageConfig struct {
	//Backend is one of memory, fs, s3.
	Backend string   `yaml:"backend"`
	Dir     string   `yaml:"dir"`
	S3      S3Config `yaml:"s3"`
}

type WatermarkConfig struct {
	//Strategy is one of bounded_out_of_orderness, fixed_delay, none.
	Strategy        string   `yaml:"strategy"`
	Bound           Duration `yaml:"bound"`
	Interval        Duration `yaml:"interval"`
	EmitAfterEvents int      `yaml:"emit_after_events"`
	IdleTimeout     Duration `yaml:"idle_timeout"`
}

type WindowConfig struct {
	//Kind is one of tumble, hop, session.
	Kind  string   `yaml:"kind"`
	Size  Duration `yaml:"size"`
	Slide Duration `yaml:"slide"`
	Gap   Duration `yaml:"gap"`
	//LatePolicy is one of drop, side_output, allowed_lateness.
	LatePolicy      string   `yaml:"late_policy"`
	AllowedLateness Duration `yaml:"allowed_lateness"`
}

type KafkaSourceConfig struct {
	Brokers []string `yaml:"brokers"`
	Topics  []string `yaml:"topics"`
	GroupID string   `yaml:"group_id"`
}

type KafkaSinkConfig struct {
	Brokers       []string `yaml:"brokers"`
	Topic         string   `yaml:"topic"`
	TransactionID string   `yaml:"transaction_id"`
}

type RestartConfig struct {
	MaxRestarts int      `yaml:"max_restarts"`
	MinBackoff  Duration `yaml:"min_backoff"`
	MaxBackoff  Duration `yaml:"max_backoff"`
}

type APIConfig struct {
	Addr string `yaml:"addr"`
}

type MetricsConfig struct {
	ReportInterval Duration `yaml:"report_interval"`
}

type Config struct {
	Job        JobConfig         `yaml:"job"`
	Checkpoint CheckpointConfig  `yaml:"checkpoint"`
	Storage    StorageConfig     `yaml:"storage"`
	Watermark  WatermarkConfig   `yaml:"watermark"`
	Window     WindowConfig      `yaml:"window"`
	Source     KafkaSourceConfig `yaml:"source"`
	Sink       KafkaSinkConfig   `yaml:"sink"`
	Restart    RestartConfig     `yaml:"restart"`
	API        APIConfig         `yaml:"api"`
	Metrics    MetricsConfig     `yaml:"metrics"`
}

func Default() Config {
	return Config{
		Job: JobConfig{Name: "rill", BufferSize: 1024},
		Checkpoint: CheckpointConfig{
			Interval:          Duration(30 * time.Second),
			MinPause:          Duration(10 * time.Second),
			Timeout:           Duration(10 * time.Minute),
			TolerableFailures: 5,
			Retained:          3,
		},
		Storage: StorageConfig{Backend: "memory", Dir: "checkpoints"},
		Watermark: WatermarkConfig{
			Strategy: "bounded_out_of_orderness",
			Bound:    Duration(5 * time.Second),
			Interval: Duration(200 * time.Millisecond),
		},
		Window: WindowConfig{
			Kind:       "tumble",
			Size:       Duration(time.Minute),
			LatePolicy: "drop",
		},
		Restart: RestartConfig{
			MaxRestarts: 3,
			MinBackoff:  Duration(time.Second),
			MaxBackoff:  Duration(time.Minute),
		},
		API:     APIConfig{Addr: ":8080"},
		Metrics: MetricsConfig{ReportInterval: Duration(time.Second)},
	}
}

// Load reads the yaml file at path on top of the defaults.
func Load(path string) (Config, error) {
	cfg := Default()
	raw, err := os.ReadFile(path)
	if err != nil {
		return cfg, errors.WithMessagef(err, "failed to read config %s", path)
	}
	if err = yaml.Unmarshal(raw, &cfg); err != nil {
		return cfg, errors.WithMessagef(err, "failed to parse config %s", path)
	}
	if err = cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	switch c.Storage.Backend {
	case "memory", "fs", "s3":
	default:
		return errors.Errorf("unknown storage backend %s", c.Storage.Backend)
	}
	if c.Storage.Backend == "fs" && c.Storage.Dir == "" {
		return errors.New("storage.dir is required for the fs backend")
	}
	if c.Storage.Backend == "s3" && c.Storage.S3.Bucket == "" {
		return errors.New("storage.s3.bucket is required for the s3 backend")
	}
	switch c.Watermark.Strategy {
	case "bounded_out_of_orderness", "fixed_delay", "none":
	default:
		return errors.Errorf("unknown watermark strategy %s", c.Watermark.Strategy)
	}
	switch c.Window.Kind {
	case "tumble", "hop", "session":
	default:
		return errors.Errorf("unknown window kind %s", c.Window.Kind)
	}
	if c.Window.Kind == "hop" {
		if c.Window.Slide <= 0 {
			return errors.New("window.slide is required for hop windows")
		}
		if c.Window.Size.Std()%c.Window.Slide.Std() != 0 {
			return errors.New("window.size must be a multiple of window.slide")
		}
	}
	if c.Window.Kind == "session" && c.Window.Gap <= 0 {
		return errors.New("window.gap is required for session windows")
	}
	switch c.Window.LatePolicy {
	case "drop", "side_output", "allowed_lateness":
	default:
		return errors.Errorf("unknown late policy %s", c.Window.LatePolicy)
	}
	if c.Checkpoint.Timeout <= 0 {
		return errors.New("checkpoint.timeout must be positive")
	}
	return nil
}
