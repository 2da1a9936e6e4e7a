package stream

import (
	"sync"

	"github.com/rillstream/rill/operator"
	"github.com/rillstream/rill/task"
)

type SourceStream[OUT any] struct {
	options Options
	source  operator.NormalOperator
	env     *Environment

	once                sync.Once
	downstreamInitFnMap map[string]downstreamInitFn
	task                *task.Task
	downstreamTasks     []*task.Task
	initErr             error
}

func (s *SourceStream[OUT]) Name() string {
	return s.options.Name
}

func (s *SourceStream[OUT]) Env() *Environment {
	return s.env
}

func (s *SourceStream[OUT]) addDownstream(name string, downstreamInitFn downstreamInitFn) {
	s.downstreamInitFnMap[name] = downstreamInitFn
}

func (s *SourceStream[OUT]) init() (*task.Task, []*task.Task, error) {
	s.once.Do(func() {
		emits, downstreamTasks, err := initDownstream(s.downstreamInitFnMap)
		if err != nil {
			s.initErr = err
			return
		}
		s.task = task.New(task.Options{
			Name:              s.options.Name,
			InputCount:        0,
			ChannelSize:       s.options.ChannelSize,
			Operator:          s.source,
			StoreManager:      s.env.stateManager,
			BarrierSignalChan: s.env.barrierSignalChan,
			Scope:             s.env.scope,
			ErrorChan:         s.env.errorChan,
			EmitNext:          broadcastEmit(emits),
		})
		s.downstreamTasks = downstreamTasks
	})
	return s.task, s.downstreamTasks, s.initErr
}

// FormSource declares a source vertex. The source's Run goroutine is owned
// by the task the environment creates on Start.
func FormSource[OUT any](env *Environment, name string, source operator.Source[OUT]) (Stream[OUT], error) {
	sourceStream := &SourceStream[OUT]{
		options:             Options{Name: "source." + name, ChannelSize: env.options.BufferSize},
		source:              operator.SourceOperatorToNormal[OUT](source),
		env:                 env,
		downstreamInitFnMap: map[string]downstreamInitFn{},
	}
	env.addSourceInit(sourceStream.init)
	return sourceStream, nil
}
