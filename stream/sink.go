package stream

import (
	"sync"

	"github.com/rillstream/rill/element"
	"github.com/rillstream/rill/operator"
	"github.com/rillstream/rill/task"
)

type SinkStream[IN any] struct {
	options Options
	sink    operator.NormalOperator
	env     *Environment

	once       sync.Once
	inputCount int
	task       *task.Task
}

func (s *SinkStream[IN]) Name() string {
	return s.options.Name
}

func (s *SinkStream[IN]) Env() *Environment {
	return s.env
}

func (s *SinkStream[IN]) addDownstream(string, downstreamInitFn) {
	panic("sink stream has no downstream")
}

func (s *SinkStream[IN]) reserveInput() int {
	input := s.inputCount
	s.inputCount++
	return input
}

func (s *SinkStream[IN]) initFor(input int) downstreamInitFn {
	return func() (element.Emit, []*task.Task, error) {
		s.once.Do(func() {
			s.task = task.New(task.Options{
				Name:              s.options.Name,
				InputCount:        s.inputCount,
				ChannelSize:       s.options.ChannelSize,
				Operator:          s.sink,
				StoreManager:      s.env.stateManager,
				BarrierSignalChan: s.env.barrierSignalChan,
				Scope:             s.env.scope,
				ErrorChan:         s.env.errorChan,
				//a sink emits nothing downstream
				EmitNext: func(element.Element) {},
			})
		})
		return s.task.InitEmit(input), []*task.Task{s.task}, nil
	}
}

func ToSink[IN any](upstream Stream[IN], name string, sink operator.Sink[IN]) (*SinkStream[IN], error) {
	sinkStream := &SinkStream[IN]{
		options: Options{Name: "sink." + name, ChannelSize: upstream.Env().options.BufferSize},
		sink:    operator.SinkOperatorToNormal[IN](sink),
		env:     upstream.Env(),
	}
	upstream.addDownstream(sinkStream.Name(), sinkStream.initFor(sinkStream.reserveInput()))
	return sinkStream, nil
}
