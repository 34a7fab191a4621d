package metrics

import (
	"fmt"
	"net/http"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// Collector provides a minimal Prometheus-compatible metrics exporter.
type Collector struct {
	startedAt time.Time

	eventsTotal     atomic.Uint64
	duplicatesTotal atomic.Uint64
	factsByType     sync.Map // string -> *atomic.Uint64
	rulesFired      atomic.Uint64
	dispatchesTotal atomic.Uint64
	advisorFailures atomic.Uint64
	storageRetries  atomic.Uint64
}

func New() *Collector {
	return &Collector{startedAt: time.Now().UTC()}
}

func (c *Collector) IncEvent(duplicate bool) {
	if c == nil {
		return
	}
	c.eventsTotal.Add(1)
	if duplicate {
		c.duplicatesTotal.Add(1)
	}
}

func (c *Collector) IncFact(factType string) {
	if c == nil {
		return
	}
	if factType == "" {
		factType = "unknown"
	}
	ptr, _ := c.factsByType.LoadOrStore(factType, &atomic.Uint64{})
	ptr.(*atomic.Uint64).Add(1)
}

func (c *Collector) IncRuleFired() {
	if c == nil {
		return
	}
	c.rulesFired.Add(1)
}

func (c *Collector) IncDispatch() {
	if c == nil {
		return
	}
	c.dispatchesTotal.Add(1)
}

func (c *Collector) IncAdvisorFailure() {
	if c == nil {
		return
	}
	c.advisorFailures.Add(1)
}

func (c *Collector) IncStorageRetry() {
	if c == nil {
		return
	}
	c.storageRetries.Add(1)
}

func (c *Collector) EventsTotal() uint64     { return c.eventsTotal.Load() }
func (c *Collector) DispatchesTotal() uint64 { return c.dispatchesTotal.Load() }
func (c *Collector) AdvisorFailures() uint64 { return c.advisorFailures.Load() }

type HandlerOptions struct {
	SessionCount func() int
}

func (c *Collector) Handler(opts HandlerOptions) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
		fmt.Fprint(w, "# HELP huntlog_up Whether the huntlog server is running.\n")
		fmt.Fprint(w, "# TYPE huntlog_up gauge\n")
		fmt.Fprint(w, "huntlog_up 1\n")

		fmt.Fprint(w, "# HELP huntlog_uptime_seconds Server uptime in seconds.\n")
		fmt.Fprint(w, "# TYPE huntlog_uptime_seconds gauge\n")
		fmt.Fprintf(w, "huntlog_uptime_seconds %d\n", int64(time.Since(c.startedAt).Seconds()))

		if opts.SessionCount != nil {
			fmt.Fprint(w, "# HELP huntlog_sessions Active capture sessions.\n")
			fmt.Fprint(w, "# TYPE huntlog_sessions gauge\n")
			fmt.Fprintf(w, "huntlog_sessions %d\n", opts.SessionCount())
		}

		fmt.Fprint(w, "# HELP huntlog_events_total Events processed.\n")
		fmt.Fprint(w, "# TYPE huntlog_events_total counter\n")
		fmt.Fprintf(w, "huntlog_events_total %d\n", c.eventsTotal.Load())

		fmt.Fprint(w, "# HELP huntlog_duplicate_events_total Duplicate events detected.\n")
		fmt.Fprint(w, "# TYPE huntlog_duplicate_events_total counter\n")
		fmt.Fprintf(w, "huntlog_duplicate_events_total %d\n", c.duplicatesTotal.Load())

		fmt.Fprint(w, "# HELP huntlog_facts_created_total Facts created, by type.\n")
		fmt.Fprint(w, "# TYPE huntlog_facts_created_total counter\n")
		type kv struct {
			k string
			v uint64
		}
		var items []kv
		c.factsByType.Range(func(k, v any) bool {
			items = append(items, kv{k.(string), v.(*atomic.Uint64).Load()})
			return true
		})
		sort.Slice(items, func(i, j int) bool { return items[i].k < items[j].k })
		for _, it := range items {
			fmt.Fprintf(w, "huntlog_facts_created_total{type=%q} %d\n", it.k, it.v)
		}

		fmt.Fprint(w, "# HELP huntlog_rules_fired_total Rule recommendations produced.\n")
		fmt.Fprint(w, "# TYPE huntlog_rules_fired_total counter\n")
		fmt.Fprintf(w, "huntlog_rules_fired_total %d\n", c.rulesFired.Load())

		fmt.Fprint(w, "# HELP huntlog_dispatches_total Successful advisor dispatches.\n")
		fmt.Fprint(w, "# TYPE huntlog_dispatches_total counter\n")
		fmt.Fprintf(w, "huntlog_dispatches_total %d\n", c.dispatchesTotal.Load())

		fmt.Fprint(w, "# HELP huntlog_advisor_failures_total Failed advisor invocations.\n")
		fmt.Fprint(w, "# TYPE huntlog_advisor_failures_total counter\n")
		fmt.Fprintf(w, "huntlog_advisor_failures_total %d\n", c.advisorFailures.Load())

		fmt.Fprint(w, "# HELP huntlog_storage_retries_total Event persists that needed a retry.\n")
		fmt.Fprint(w, "# TYPE huntlog_storage_retries_total counter\n")
		fmt.Fprintf(w, "huntlog_storage_retries_total %d\n", c.storageRetries.Load())
	})
}
