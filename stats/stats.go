// Package stats wraps an expvar Map and acts as the metric reporting
// interface for each component.
package stats

import (
	"context"
	"expvar"
	"time"
)

type Stats struct {
	*expvar.Map
	interval   time.Duration
	reportfunc func(m *expvar.Map)
}

// New initializes a Stats map registered under id. If the id is already
// registered (eg. a component was re-created) the existing map is reset
// and reused, since expvar forbids re-registration.
func New(id string, interval time.Duration, report func(*expvar.Map)) *Stats {
	var m *expvar.Map
	if v := expvar.Get(id); v != nil {
		m = v.(*expvar.Map)
		m.Init()
	} else {
		m = expvar.NewMap(id)
	}
	return &Stats{m, interval, report}
}

// Run calls the report function of Stats on the configured interval.
// It shuts down when the provided context is cancelled.
func (s *Stats) Run(ctx context.Context) {
	tick := time.NewTicker(s.interval)
	defer tick.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-tick.C:
			s.reportfunc(s.Map)
		}
	}
}
