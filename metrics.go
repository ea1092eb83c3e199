package main

import (
	"io"
	"net/http"
	"time"

	"github.com/uber-go/tally/v4"
	tallyprom "github.com/uber-go/tally/v4/prometheus"
)

// Metrics holds the counters and timers reported by the run API.
type Metrics struct {
	RunsCreated  tally.Counter
	RunsRejected tally.Counter
	RunsFailed   tally.Counter
	RunsDeleted  tally.Counter

	// Optimize records the wall time of one optimizer call.
	Optimize tally.Timer
	// WorstRank is the worst rank of the last stored run.
	WorstRank tally.Gauge
	Agents    tally.Gauge
}

func newMetrics(scope tally.Scope) *Metrics {
	runScope := scope.SubScope("runs")
	return &Metrics{
		RunsCreated:  runScope.Tagged(map[string]string{"result": "created"}).Counter("create"),
		RunsRejected: runScope.Tagged(map[string]string{"result": "rejected"}).Counter("create"),
		RunsFailed:   runScope.Tagged(map[string]string{"result": "failed"}).Counter("create"),
		RunsDeleted:  runScope.Counter("delete"),
		Optimize:     runScope.Timer("optimize"),
		WorstRank:    runScope.Gauge("worst_rank"),
		Agents:       runScope.Gauge("agents"),
	}
}

// initMetricScope builds the root scope. With prometheus enabled the
// exposition handler is returned for /metrics, otherwise it is nil and
// metrics are discarded.
func initMetricScope(prometheus bool, flush time.Duration) (tally.Scope, io.Closer, http.Handler) {
	opts := tally.ScopeOptions{Prefix: "deptmatch", Tags: map[string]string{}}
	var handler http.Handler
	if prometheus {
		reporter := tallyprom.NewReporter(tallyprom.Options{})
		opts.CachedReporter = reporter
		opts.Separator = tallyprom.DefaultSeparator
		handler = reporter.HTTPHandler()
	} else {
		opts.Reporter = tally.NullStatsReporter
	}
	scope, closer := tally.NewRootScope(opts, flush)
	return scope, closer, handler
}
