// Package metrics owns the job-wide tally scope. Checkpoint health, late-data
// drops and watermark stalls are surfaced here rather than as errors.
package metrics

import (
	"io"
	"net/http"
	"time"

	"github.com/uber-go/tally/v4"
	promreporter "github.com/uber-go/tally/v4/prometheus"
)

type Scope struct {
	tally.Scope
	reporter promreporter.Reporter
	closer   io.Closer
}

// Handler exposes the prometheus scrape endpoint for this scope.
func (s *Scope) Handler() http.Handler {
	return s.reporter.HTTPHandler()
}

func (s *Scope) Close() error {
	return s.closer.Close()
}

// NewScope builds the root scope for a job. Sub-scopes are derived per task
// and per component with Tagged/SubScope.
func NewScope(job string, interval time.Duration) *Scope {
	reporter := promreporter.NewReporter(promreporter.Options{})
	scope, closer := tally.NewRootScope(tally.ScopeOptions{
		Prefix:         "rill",
		Tags:           map[string]string{"job": job},
		CachedReporter: reporter,
		Separator:      promreporter.DefaultSeparator,
	}, interval)
	return &Scope{Scope: scope, reporter: reporter, closer: closer}
}

// NewTestScope keeps everything in memory, for tests.
func NewTestScope() tally.TestScope {
	return tally.NewTestScope("rill", nil)
}
