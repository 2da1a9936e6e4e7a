package operator

import (
	"github.com/uber-go/tally/v4"

	"github.com/rillstream/rill/common/executor"
	"github.com/rillstream/rill/log"
	"github.com/rillstream/rill/store"
)

type context struct {
	storeController store.Controller
	logger          log.Logger
	scope           tally.Scope
	timerManager    *TimerManager
	callerChan      chan *executor.Executor
}

func (c *context) Store() store.Controller {
	return c.storeController
}

func (c *context) Logger() log.Logger {
	return c.logger
}

func (c *context) Metrics() tally.Scope {
	return c.scope
}

func (c *context) Call(fn func()) *executor.Executor {
	newExecutor := executor.NewExecutor(fn)
	c.callerChan <- newExecutor
	return newExecutor
}

func (c *context) TimerManager() *TimerManager {
	return c.timerManager
}

func NewContext(
	logger log.Logger,
	controller store.Controller,
	scope tally.Scope,
	callerChan chan *executor.Executor,
	manager *TimerManager,
) Context {
	return &context{
		storeController: controller,
		logger:          logger,
		scope:           scope,
		timerManager:    manager,
		callerChan:      callerChan,
	}
}
