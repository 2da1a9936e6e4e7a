// Package union merges streams of the same type into one. Events pass
// through unchanged; the fan-in wrapper min-combines the input watermarks,
// so the merged stream's event time never runs ahead of its slowest input.
package union

import (
	"fmt"

	"github.com/pkg/errors"

	"github.com/rillstream/rill/element"
	. "github.com/rillstream/rill/operator"
	"github.com/rillstream/rill/stream"
)

type unionOperator[T any] struct {
	BaseOperator[T, T, T]
}

func (o *unionOperator[T]) ProcessEvent1(event *element.Event[T]) {
	o.Collector.EmitEvent(event)
}

func (o *unionOperator[T]) ProcessEvent2(event *element.Event[T]) {
	o.Collector.EmitEvent(event)
}

// Apply merges two or more streams. More than two compose as a chain of
// two-input stages, which preserves the minimum property transitively.
func Apply[T any](name string, upstreams ...stream.Stream[T]) (stream.Stream[T], error) {
	if len(upstreams) < 2 {
		return nil, errors.Errorf("union %s needs at least two upstreams", name)
	}
	merged := upstreams[0]
	for index, next := range upstreams[1:] {
		stageName := name
		if len(upstreams) > 2 {
			stageName = fmt.Sprintf("%s-%d", name, index)
		}
		var err error
		merged, err = stream.ApplyTwoInput[T, T, T](merged, next, stream.OperatorStreamOptions{
			Options:  stream.Options{Name: stageName},
			Operator: TwoInputOperatorToNormal[T, T, T](&unionOperator[T]{}),
		})
		if err != nil {
			return nil, err
		}
	}
	return merged, nil
}