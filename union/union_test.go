package union

import (
	"sort"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rillstream/rill/common/executor"
	"github.com/rillstream/rill/connector/mock"
	"github.com/rillstream/rill/element"
	"github.com/rillstream/rill/log"
	"github.com/rillstream/rill/metrics"
	"github.com/rillstream/rill/operator"
	"github.com/rillstream/rill/store"
	"github.com/rillstream/rill/stream"
)

func newUnionOperator(t *testing.T) (operator.NormalOperator, *[]element.Element) {
	emitted := &[]element.Element{}
	wrapped := operator.TwoInputOperatorToNormal[int, int, int](&unionOperator[int]{})
	require.NoError(t, wrapped.Open(operator.NewContext(
		log.Named("union-test"),
		store.NewManager(store.NewMemoryBackend(3)).Controller("union-test"),
		metrics.NewTestScope(),
		make(chan *executor.Executor, 16),
		operator.NewTimerManager(),
	), func(e element.Element) { *emitted = append(*emitted, e) }))
	return wrapped, emitted
}

func intEvent(value int) *element.Event[int] {
	return &element.Event[int]{Value: value, Timestamp: int64(value), HasTimestamp: true}
}

func TestUnionForwardsEventsFromBothInputs(t *testing.T) {
	merged, emitted := newUnionOperator(t)

	merged.ProcessElement(intEvent(1), 0)
	merged.ProcessElement(intEvent(2), 1)
	merged.ProcessElement(intEvent(3), 0)

	values := make([]int, 0, len(*emitted))
	for _, e := range *emitted {
		values = append(values, e.(*element.Event[int]).Value)
	}
	assert.Equal(t, []int{1, 2, 3}, values)
}

func TestUnionWatermarkIsMinimumOverInputs(t *testing.T) {
	merged, emitted := newUnionOperator(t)

	//one input alone must not advance the merged watermark
	merged.ProcessElement(element.Watermark(100), 0)
	assert.Empty(t, *emitted)

	merged.ProcessElement(element.Watermark(40), 1)
	assert.Equal(t, []element.Element{element.Watermark(40)}, *emitted)

	//the slower input gates every advance
	merged.ProcessElement(element.Watermark(200), 0)
	assert.Len(t, *emitted, 1)
	merged.ProcessElement(element.Watermark(150), 1)
	assert.Equal(t, element.Watermark(150), (*emitted)[1])
}

func TestUnionIdleInputReleasesWatermark(t *testing.T) {
	merged, emitted := newUnionOperator(t)

	merged.ProcessElement(element.Watermark(100), 0)
	assert.Empty(t, *emitted)

	merged.ProcessElement(element.IdleWatermarkStatus, 1)
	assert.Equal(t, []element.Element{element.Watermark(100)}, *emitted)
}

func TestUnionApplyRequiresTwoUpstreams(t *testing.T) {
	_, err := Apply[int]("merged")
	assert.Error(t, err)
}

func TestUnionPipelineCommitsBothSources(t *testing.T) {
	env := stream.New(stream.EnvironmentOptions{
		TolerableCheckpointFailureNumber: 1,
		CheckpointTimeout:                10 * time.Second,
		BufferSize:                       64,
	}, store.NewMemoryBackend(5), metrics.NewTestScope())

	left, err := mock.FromSource[int](env, "odd", []int{1, 3, 5}, nil, time.Millisecond)
	require.NoError(t, err)
	right, err := mock.FromSource[int](env, "even", []int{2, 4, 6}, nil, time.Millisecond)
	require.NoError(t, err)
	merged, err := Apply[int]("merged", left, right)
	require.NoError(t, err)
	sink, err := mock.ToSink[int](merged, "records")
	require.NoError(t, err)

	require.NoError(t, env.Start())
	t.Cleanup(func() { _ = env.StopNow() })

	assert.Eventually(t, func() bool {
		return len(sink.Staged()) == 6
	}, 5*time.Second, 5*time.Millisecond)

	env.TriggerCheckpoint()
	assert.Eventually(t, func() bool {
		return len(sink.Committed()) == 6
	}, 5*time.Second, 5*time.Millisecond)

	require.NoError(t, env.Stop())
	committed := sink.Committed()
	sort.Ints(committed)
	assert.Equal(t, []int{1, 2, 3, 4, 5, 6}, committed)
}