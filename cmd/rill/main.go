package main

import (
	"context"
	"encoding/json"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/Shopify/sarama"
	"github.com/pkg/errors"

	"github.com/rillstream/rill/api"
	"github.com/rillstream/rill/config"
	"github.com/rillstream/rill/connector/kafka"
	"github.com/rillstream/rill/log"
	"github.com/rillstream/rill/metrics"
	"github.com/rillstream/rill/recovery"
	"github.com/rillstream/rill/store"
	"github.com/rillstream/rill/stream"
	"github.com/rillstream/rill/watermark"
	"github.com/rillstream/rill/window"
)

type record struct {
	Key   string
	Value string
}

type windowCount struct {
	Key        string `json:"key"`
	Start      int64  `json:"start"`
	End        int64  `json:"end"`
	Correction int    `json:"correction"`
	Count      int64  `json:"count"`
}

type countAggregator struct{}

func (countAggregator) Add(acc int64, _ record) int64 { return acc + 1 }
func (countAggregator) GetResult(acc int64) int64     { return acc }
func (countAggregator) Merge(a, b int64) int64        { return a + b }

type countProcessFn struct{}

func (countProcessFn) Process(firing window.Firing, key string, count int64) []windowCount {
	return []windowCount{{
		Key:        key,
		Start:      firing.Window.Start,
		End:        firing.Window.End,
		Correction: firing.Correction,
		Count:      count,
	}}
}

func (countProcessFn) Clear(window.Window, string) {}

func newBackend(cfg config.Config) (store.Backend, error) {
	switch cfg.Storage.Backend {
	case "memory":
		return store.NewMemoryBackend(cfg.Checkpoint.Retained), nil
	case "fs":
		return store.NewFSBackend(cfg.Storage.Dir, cfg.Checkpoint.Retained)
	case "s3":
		return store.NewS3Backend(store.S3BackendConfig{
			Bucket:       cfg.Storage.S3.Bucket,
			Region:       cfg.Storage.S3.Region,
			Endpoint:     cfg.Storage.S3.Endpoint,
			Prefix:       cfg.Storage.S3.Prefix,
			UsePathStyle: cfg.Storage.S3.UsePathStyle,
			Retained:     cfg.Checkpoint.Retained,
		})
	default:
		return nil, errors.Errorf("unknown storage backend %s", cfg.Storage.Backend)
	}
}

func watermarkOptions(cfg config.WatermarkConfig) []watermark.WithOptions[record] {
	var options []watermark.WithOptions[record]
	switch cfg.Strategy {
	case "fixed_delay":
		options = append(options, watermark.WithFixedDelay[record](cfg.Bound.Std()))
	case "none":
		options = append(options, watermark.WithNoWatermarksGenerator[record]())
	default:
		options = append(options, watermark.WithBoundedOutOfOrderness[record](cfg.Bound.Std()))
	}
	if cfg.Interval > 0 {
		options = append(options, watermark.WithAutoWatermarkInterval[record](cfg.Interval.Std()))
	}
	if cfg.EmitAfterEvents > 0 {
		options = append(options, watermark.WithEmitAfterEvents[record](cfg.EmitAfterEvents))
	}
	if cfg.IdleTimeout > 0 {
		options = append(options, watermark.WithIdleTimeout[record](cfg.IdleTimeout.Std()))
	}
	return options
}

func windowOptions(cfg config.WindowConfig, logger log.Logger) []window.WithOptions[string, record, int64, int64, windowCount] {
	options := []window.WithOptions[string, record, int64, int64, windowCount]{
		window.WithKeySelector[string, record, int64, int64, windowCount](func(r record) string { return r.Key }),
		window.WithAggregator[string, record, int64, int64, windowCount](countAggregator{}),
		window.WithProcess[string, record, int64, int64, windowCount](countProcessFn{}),
	}
	switch cfg.Kind {
	case "hop":
		options = append(options, window.WithSlidingEventTime[string, record, int64, int64, windowCount](cfg.Size.Std(), cfg.Slide.Std(), 0))
	case "session":
		options = append(options, window.WithSessionEventTime[string, record, int64, int64, windowCount](cfg.Gap.Std()))
	default:
		options = append(options, window.WithTumblingEventTime[string, record, int64, int64, windowCount](cfg.Size.Std(), 0))
	}
	switch cfg.LatePolicy {
	case "side_output":
		options = append(options, window.WithLateSideOutput[string, record, int64, int64, windowCount](func(value record, timestamp int64) {
			logger.Warnw("late event routed to side output.", "key", value.Key, "timestamp", timestamp)
		}))
	case "allowed_lateness":
		options = append(options, window.WithAllowedLateness[string, record, int64, int64, windowCount](cfg.AllowedLateness.Std()))
	}
	return options
}

// buildJob assembles the kafka -> watermark -> windowed count -> kafka
// pipeline on a fresh environment. Each attempt gets its own backend handle;
// the environment closes it on stop.
func buildJob(cfg config.Config, scope *metrics.Scope, logger log.Logger) api.BuildFn {
	return func(restoreEpoch int64, _ int) (*stream.Environment, error) {
		backend, err := newBackend(cfg)
		if err != nil {
			return nil, err
		}
		options := stream.DefaultEnvironmentOptions
		options.EnablePeriodicCheckpoint = cfg.Checkpoint.Interval.Std()
		options.MinPauseBetweenCheckpoints = cfg.Checkpoint.MinPause.Std()
		options.CheckpointTimeout = cfg.Checkpoint.Timeout.Std()
		options.TolerableCheckpointFailureNumber = cfg.Checkpoint.TolerableFailures
		options.RestoreEpoch = restoreEpoch
		if cfg.Job.BufferSize > 0 {
			options.BufferSize = cfg.Job.BufferSize
		}
		env := stream.New(options, backend, scope.Scope)

		source, err := kafka.FromSource[record](env, cfg.Job.Name, kafka.SourceConfig{
			Addresses: cfg.Source.Brokers,
			Topics:    cfg.Source.Topics,
			GroupId:   cfg.Source.GroupID,
		}, func(message *sarama.ConsumerMessage) record {
			return record{Key: string(message.Key), Value: string(message.Value)}
		})
		if err != nil {
			return nil, err
		}
		timestamped, err := watermark.Apply(source, "timestamps", watermarkOptions(cfg.Watermark)...)
		if err != nil {
			return nil, err
		}
		counted, err := window.Apply(timestamped, "count-per-window", windowOptions(cfg.Window, logger)...)
		if err != nil {
			return nil, err
		}
		err = kafka.ToSink(counted, cfg.Job.Name, kafka.SinkConfig{
			Addresses:     cfg.Sink.Brokers,
			TransactionID: cfg.Sink.TransactionID,
		}, func(value windowCount) *sarama.ProducerMessage {
			raw, _ := json.Marshal(value)
			return &sarama.ProducerMessage{
				Topic: cfg.Sink.Topic,
				Key:   sarama.StringEncoder(value.Key),
				Value: sarama.ByteEncoder(raw),
			}
		})
		if err != nil {
			return nil, err
		}
		return env, nil
	}
}

func main() {
	configPath := flag.String("config", "rill.yaml", "path to the job config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Global().Errorf("failed to load config: %+v", err)
		os.Exit(1)
	}
	logger := log.Named(cfg.Job.Name)

	scope := metrics.NewScope(cfg.Job.Name, cfg.Metrics.ReportInterval.Std())
	defer func() { _ = scope.Close() }()

	registry, err := api.NewRegistry()
	if err != nil {
		logger.Errorf("failed to create registry: %+v", err)
		os.Exit(1)
	}
	build := buildJob(cfg, scope, logger)
	server := api.NewServer(cfg.API.Addr, registry, scope.Handler())
	server.Start()
	defer func() { _ = server.Stop() }()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	supervisor := recovery.NewSupervisor(recovery.SupervisorOptions{
		NewJob: func() (recovery.Job, error) {
			// The pinned restore epoch only applies to the first start;
			// restarts resume from the newest completed checkpoint.
			env, err := build(cfg.Checkpoint.RestoreEpoch, 0)
			if err != nil {
				return nil, err
			}
			registry.Register(cfg.Job.Name, env, build)
			return env, nil
		},
		MaxRestarts: cfg.Restart.MaxRestarts,
		MinBackoff:  cfg.Restart.MinBackoff.Std(),
		MaxBackoff:  cfg.Restart.MaxBackoff.Std(),
	})
	if err = supervisor.Run(ctx); err != nil {
		logger.Errorf("job exited: %+v", err)
		os.Exit(1)
	}
	logger.Info("job stopped.")
}
