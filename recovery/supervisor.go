package recovery

import (
	_c "context"
	"time"

	"github.com/jpillora/backoff"
	"github.com/pkg/errors"

	"github.com/rillstream/rill/log"
)

// Job is one runnable instance of a pipeline. Start must restore from the
// newest completed checkpoint before producing any output.
type Job interface {
	Start() error
	Stop() error
	Done() <-chan struct{}
	Err() error
}

type SupervisorOptions struct {
	//NewJob builds a fresh instance for every attempt; reusing a failed
	//instance would leak the old tasks' goroutines.
	NewJob func() (Job, error)
	//MaxRestarts before the supervisor gives up, 0 means unlimited.
	MaxRestarts int
	MinBackoff  time.Duration
	MaxBackoff  time.Duration
}

// Supervisor restarts a job after failures with exponential backoff. Each
// restart goes through the normal restore path, so a flapping job always
// resumes from its newest completed checkpoint.
type Supervisor struct {
	logger  log.Logger
	options SupervisorOptions
	backoff *backoff.Backoff
}

func NewSupervisor(options SupervisorOptions) *Supervisor {
	if options.MinBackoff <= 0 {
		options.MinBackoff = time.Second
	}
	if options.MaxBackoff <= 0 {
		options.MaxBackoff = time.Minute
	}
	return &Supervisor{
		logger:  log.Named("supervisor"),
		options: options,
		backoff: &backoff.Backoff{
			Min:    options.MinBackoff,
			Max:    options.MaxBackoff,
			Factor: 2,
			Jitter: true,
		},
	}
}

// Run blocks until the job finishes cleanly, fails permanently or ctx is
// canceled.
func (s *Supervisor) Run(ctx _c.Context) error {
	restarts := 0
	for {
		job, err := s.options.NewJob()
		if err != nil {
			return errors.WithMessage(err, "failed to build job")
		}
		if err = job.Start(); err != nil {
			if errors.Is(err, ErrCorrupt) {
				return err
			}
			s.logger.Warnw("job failed to start.", "err", err)
			if serr := job.Stop(); serr != nil {
				s.logger.Warnw("failed to stop half-started job.", "err", serr)
			}
		} else {
			s.backoff.Reset()
			select {
			case <-ctx.Done():
				return job.Stop()
			case <-job.Done():
			}
			if err = job.Err(); err == nil {
				return nil
			}
			s.logger.Warnw("job failed.", "err", err)
			//the failed instance still holds its tasks and the backend,
			//stop it before the next attempt reopens the checkpoint dir
			if serr := job.Stop(); serr != nil {
				s.logger.Warnw("failed to stop failed job.", "err", serr)
			}
		}
		restarts++
		if s.options.MaxRestarts > 0 && restarts > s.options.MaxRestarts {
			return errors.Errorf("job failed permanently after %d restarts: %v", restarts-1, err)
		}
		wait := s.backoff.Duration()
		s.logger.Infof("restarting in %s (attempt %d)", wait, restarts)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
}
