package mock

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rillstream/rill/element"
	"github.com/rillstream/rill/metrics"
	"github.com/rillstream/rill/operator"
	"github.com/rillstream/rill/store"
	"github.com/rillstream/rill/stream"
	"github.com/rillstream/rill/watermark"
	"github.com/rillstream/rill/window"
)

func testEnvOptions() stream.EnvironmentOptions {
	return stream.EnvironmentOptions{
		EnablePeriodicCheckpoint:         0,
		MinPauseBetweenCheckpoints:       0,
		TolerableCheckpointFailureNumber: 1,
		CheckpointTimeout:                10 * time.Second,
		BufferSize:                       64,
	}
}

func TestPipelineCommitsExactlyOnce(t *testing.T) {
	env := stream.New(testEnvOptions(), store.NewMemoryBackend(5), metrics.NewTestScope())
	events := []int{1, 2, 3, 4, 5, 6, 7, 8}

	upstream, err := FromSource[int](env, "numbers", events, nil, time.Millisecond)
	require.NoError(t, err)
	sink, err := ToSink[int](upstream, "records")
	require.NoError(t, err)

	require.NoError(t, env.Start())
	t.Cleanup(func() { _ = env.StopNow() })

	assert.Eventually(t, func() bool {
		return len(sink.Staged()) == len(events)
	}, 5*time.Second, 5*time.Millisecond)
	assert.Empty(t, sink.Committed())

	env.TriggerCheckpoint()
	assert.Eventually(t, func() bool {
		return len(sink.Committed()) == len(events)
	}, 5*time.Second, 5*time.Millisecond)
	assert.EqualValues(t, 1, env.LastCompletedEpoch())

	require.NoError(t, env.Stop())
	assert.Equal(t, events, sink.Committed())
	assert.Empty(t, sink.Staged())
	assert.NoError(t, env.Err())
}

type bucket struct {
	Start int64
	End   int64
	Count int64
}

type countAgg struct{}

func (countAgg) Add(acc int64, _ int) int64 { return acc + 1 }

func (countAgg) GetResult(acc int64) int64 { return acc }

type bucketProcessFn struct{}

func (bucketProcessFn) Process(firing window.Firing, _ struct{}, count int64) []bucket {
	return []bucket{{Start: firing.Window.Start, End: firing.Window.End, Count: count}}
}

func (bucketProcessFn) Clear(window.Window, struct{}) {}

func TestPipelineWindowedCounts(t *testing.T) {
	env := stream.New(testEnvOptions(), store.NewMemoryBackend(5), metrics.NewTestScope())
	//timestamps in ms, two full 500ms windows plus one event that only
	//advances the watermark past them
	events := []int{0, 100, 200, 300, 400, 500, 600, 700, 800, 900, 1500}

	upstream, err := FromSource[int](env, "ticks", events, nil, time.Millisecond)
	require.NoError(t, err)
	timestamped, err := watermark.Apply[int](upstream, "assign",
		watermark.WithTimestampAssigner[int](func(v int) int64 { return int64(v) }),
		watermark.WithFixedDelay[int](0),
		watermark.WithEmitAfterEvents[int](1),
		watermark.WithAutoWatermarkInterval[int](10*time.Millisecond),
	)
	require.NoError(t, err)
	counted, err := window.Apply[struct{}, int, int64, int64, bucket](timestamped, "counts",
		window.WithNonKeySelector[int, int64, int64, bucket](),
		window.WithTumblingEventTime[struct{}, int, int64, int64, bucket](500*time.Millisecond, 0),
		window.WithAggregator[struct{}, int, int64, int64, bucket](countAgg{}),
		window.WithProcess[struct{}, int, int64, int64, bucket](bucketProcessFn{}),
	)
	require.NoError(t, err)
	sink, err := ToSink[bucket](counted, "buckets")
	require.NoError(t, err)

	require.NoError(t, env.Start())
	t.Cleanup(func() { _ = env.StopNow() })

	assert.Eventually(t, func() bool {
		return len(sink.Staged()) == 2
	}, 5*time.Second, 5*time.Millisecond)

	env.TriggerCheckpoint()
	assert.Eventually(t, func() bool {
		return len(sink.Committed()) == 2
	}, 5*time.Second, 5*time.Millisecond)

	require.NoError(t, env.Stop())
	assert.Equal(t, []bucket{
		{Start: 0, End: 500, Count: 5},
		{Start: 500, End: 1000, Count: 5},
	}, sink.Committed())
	assert.NoError(t, env.Err())
}

func TestPipelineRestoreResumesAfterLastOffset(t *testing.T) {
	backend := store.NewMemoryBackend(5)

	env1 := stream.New(testEnvOptions(), backend, metrics.NewTestScope())
	upstream1, err := FromSource[int](env1, "numbers", []int{1, 2, 3}, nil, time.Millisecond)
	require.NoError(t, err)
	sink1, err := ToSink[int](upstream1, "records")
	require.NoError(t, err)

	require.NoError(t, env1.Start())
	assert.Eventually(t, func() bool {
		return len(sink1.Staged()) == 3
	}, 5*time.Second, 5*time.Millisecond)
	env1.TriggerCheckpoint()
	assert.Eventually(t, func() bool {
		return len(sink1.Committed()) == 3
	}, 5*time.Second, 5*time.Millisecond)
	require.NoError(t, env1.Stop())
	assert.Equal(t, []int{1, 2, 3}, sink1.Committed())

	//a second run over a longer script resumes after the stored offset
	//instead of replaying what the first run already committed
	env2 := stream.New(testEnvOptions(), backend, metrics.NewTestScope())
	upstream2, err := FromSource[int](env2, "numbers", []int{1, 2, 3, 4, 5, 6}, nil, time.Millisecond)
	require.NoError(t, err)
	sink2, err := ToSink[int](upstream2, "records")
	require.NoError(t, err)

	require.NoError(t, env2.Start())
	t.Cleanup(func() { _ = env2.StopNow() })
	assert.Positive(t, env2.RestoredEpoch())

	assert.Eventually(t, func() bool {
		return len(sink2.Staged()) == 3
	}, 5*time.Second, 5*time.Millisecond)
	env2.TriggerCheckpoint()
	assert.Eventually(t, func() bool {
		return len(sink2.Committed()) == 3
	}, 5*time.Second, 5*time.Millisecond)
	require.NoError(t, env2.Stop())

	combined := append(sink1.Committed(), sink2.Committed()...)
	assert.Equal(t, []int{1, 2, 3, 4, 5, 6}, combined)
}

type faultySource struct {
	operator.BaseOperator[any, any, int]
	doneChan chan struct{}
}

func (s *faultySource) Run() {
	s.Collector.EmitEvent(&element.Event[int]{Value: 1})
	select {
	case <-s.doneChan:
	case <-time.After(20 * time.Millisecond):
		panic("scripted source failure")
	}
}

func (s *faultySource) Close() error {
	close(s.doneChan)
	return nil
}

type closeRecordingSink struct {
	operator.BaseOperator[int, any, any]
	closed atomic.Bool
}

func (s *closeRecordingSink) Open(operator.Context) error { return nil }

func (s *closeRecordingSink) Close() error {
	s.closed.Store(true)
	return nil
}

func (s *closeRecordingSink) ProcessEvent(*element.Event[int]) {}

func (s *closeRecordingSink) ProcessWatermark(element.Watermark) {}

func TestPipelineFailureStopsEveryTask(t *testing.T) {
	env := stream.New(testEnvOptions(), store.NewMemoryBackend(5), metrics.NewTestScope())
	src := &faultySource{doneChan: make(chan struct{})}
	upstream, err := stream.FormSource[int](env, "flaky", src)
	require.NoError(t, err)
	sink := &closeRecordingSink{}
	_, err = stream.ToSink[int](upstream, "drain", sink)
	require.NoError(t, err)

	require.NoError(t, env.Start())
	select {
	case <-env.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("pipeline kept running after the source failed")
	}
	assert.Error(t, env.Err())
	//the monitor closes every task, so the sink's Close must run even
	//though only the source failed
	assert.Eventually(t, func() bool {
		return sink.closed.Load()
	}, 5*time.Second, 5*time.Millisecond)
}
