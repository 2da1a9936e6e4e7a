package stream

import (
	"sync"

	"github.com/rillstream/rill/element"
	"github.com/rillstream/rill/operator"
	"github.com/rillstream/rill/task"
)

type OperatorStreamOptions struct {
	Options
	Operator operator.NormalOperator
}

type OperatorStream[IN, OUT any] struct {
	options OperatorStreamOptions
	env     *Environment

	once                sync.Once
	inputCount          int
	downstreamInitFnMap map[string]downstreamInitFn
	task                *task.Task
	downstreamTasks     []*task.Task
	initErr             error
}

func (o *OperatorStream[IN, OUT]) Name() string {
	return o.options.Name
}

func (o *OperatorStream[IN, OUT]) Env() *Environment {
	return o.env
}

func (o *OperatorStream[IN, OUT]) addDownstream(name string, downstreamInitFn downstreamInitFn) {
	o.downstreamInitFnMap[name] = downstreamInitFn
}

// reserveInput hands out the next input index; barrier alignment waits for a
// barrier on every reserved input.
func (o *OperatorStream[IN, OUT]) reserveInput() int {
	input := o.inputCount
	o.inputCount++
	return input
}

func (o *OperatorStream[IN, OUT]) initFor(input int) downstreamInitFn {
	return func() (element.Emit, []*task.Task, error) {
		o.init()
		if o.initErr != nil {
			return nil, nil, o.initErr
		}
		return o.task.InitEmit(input), append([]*task.Task{o.task}, o.downstreamTasks...), nil
	}
}

func (o *OperatorStream[IN, OUT]) init() {
	o.once.Do(func() {
		emits, downstreamTasks, err := initDownstream(o.downstreamInitFnMap)
		if err != nil {
			o.initErr = err
			return
		}
		o.task = task.New(task.Options{
			Name:              o.options.Name,
			InputCount:        o.inputCount,
			ChannelSize:       o.options.ChannelSize,
			Operator:          o.options.Operator,
			StoreManager:      o.env.stateManager,
			BarrierSignalChan: o.env.barrierSignalChan,
			Scope:             o.env.scope,
			ErrorChan:         o.env.errorChan,
			EmitNext:          broadcastEmit(emits),
		})
		o.downstreamTasks = downstreamTasks
	})
}

func newOperatorStream[IN, OUT any](env *Environment, streamOptions OperatorStreamOptions) *OperatorStream[IN, OUT] {
	streamOptions.Name = "operator." + streamOptions.Name
	if streamOptions.ChannelSize <= 0 {
		streamOptions.ChannelSize = env.options.BufferSize
	}
	return &OperatorStream[IN, OUT]{
		options:             streamOptions,
		env:                 env,
		downstreamInitFnMap: map[string]downstreamInitFn{},
	}
}

func ApplyOneInput[IN, OUT any](upstream Stream[IN], streamOptions OperatorStreamOptions) (Stream[OUT], error) {
	outputStream := newOperatorStream[IN, OUT](upstream.Env(), streamOptions)
	upstream.addDownstream(outputStream.Name(), outputStream.initFor(outputStream.reserveInput()))
	return outputStream, nil
}

func ApplyTwoInput[IN1, IN2, OUT any](leftUpstream Stream[IN1], rightUpstream Stream[IN2], streamOptions OperatorStreamOptions) (Stream[OUT], error) {
	if leftUpstream.Env() != rightUpstream.Env() {
		return nil, ErrMultipleEnv
	}
	outputStream := newOperatorStream[IN1, OUT](leftUpstream.Env(), streamOptions)
	leftUpstream.addDownstream(outputStream.Name(), outputStream.initFor(outputStream.reserveInput()))
	rightUpstream.addDownstream(outputStream.Name(), outputStream.initFor(outputStream.reserveInput()))
	return outputStream, nil
}
