// Package servicemgr is the Service manager (spec.md §4.5): the
// lifecycle owner for every registered work-queue back-end, keyed by
// group.name, ticking each back-end's Update() and emitting a periodic
// human-readable state report.
package servicemgr

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/yerba/yerbad/internal/logging"
	"github.com/yerba/yerbad/internal/telemetry"
	"github.com/yerba/yerbad/internal/workqueue"
)

// refreshInterval is the period between state reports (spec.md §4.5).
const refreshInterval = 300 * time.Second

// WorkflowSummary is one line of the periodic report: a workflow id and
// its current status, supplied by the caller (internal/manager owns the
// active workflow map; servicemgr only renders the report).
type WorkflowSummary struct {
	ID     string
	Status string
}

// Manager owns every registered back-end and ticks them.
type Manager struct {
	backends    map[string]workqueue.Backend
	order       []string
	running     bool
	lastReport  time.Time
	workflowsFn func() []WorkflowSummary
}

// New returns a Manager. workflowsFn is consulted each time a report is
// due, so the manager never holds a stale view of active workflows.
func New(workflowsFn func() []WorkflowSummary) *Manager {
	return &Manager{
		backends:    make(map[string]workqueue.Backend),
		workflowsFn: workflowsFn,
	}
}

// Register adds a back-end under its group.name key. A duplicate key is
// a warn-and-ignore (spec.md §4.5).
func (m *Manager) Register(b workqueue.Backend) {
	key := workqueue.Key(b)
	if _, exists := m.backends[key]; exists {
		logging.Error("servicemgr: duplicate backend registration %s ignored", key)
		return
	}
	m.backends[key] = b
	m.order = append(m.order, key)
}

// Backend returns the registered back-end for key, or (nil, false) if
// none is registered — the BackendUnavailable case (spec.md §7).
func (m *Manager) Backend(key string) (workqueue.Backend, bool) {
	b, ok := m.backends[key]
	return b, ok
}

// Backends returns every registered back-end in registration order.
func (m *Manager) Backends() []workqueue.Backend {
	out := make([]workqueue.Backend, 0, len(m.order))
	for _, key := range m.order {
		out = append(out, m.backends[key])
	}
	return out
}

// Start initializes every registered back-end and records the baseline
// tick time.
func (m *Manager) Start() error {
	for _, key := range m.order {
		if err := m.backends[key].Initialize(); err != nil {
			return fmt.Errorf("initializing backend %s: %w", key, err)
		}
	}
	m.lastReport = time.Now()
	m.running = true
	return nil
}

// Update ticks every back-end's Update() and, once refreshInterval has
// elapsed since the last report, logs a state report. Each tick runs
// inside its own span so a slow or failing back-end shows up in the
// trace a telemetry.Setup-installed exporter writes.
func (m *Manager) Update() {
	for _, key := range m.order {
		m.tick(key)
	}
	if time.Since(m.lastReport) >= refreshInterval {
		m.report()
		m.lastReport = time.Now()
	}
}

func (m *Manager) tick(key string) {
	_, span := telemetry.Tracer().Start(context.Background(), "servicemgr.update")
	defer span.End()
	span.SetAttributes(attribute.String("yerba.backend", key))

	if err := m.backends[key].Update(); err != nil {
		span.RecordError(err)
		logging.Error("servicemgr: backend %s update failed: %v", key, err)
	}
}

// Stop invokes Stop() on every back-end and clears the running flag.
func (m *Manager) Stop() {
	for _, key := range m.order {
		if err := m.backends[key].Stop(); err != nil {
			logging.Error("servicemgr: backend %s stop failed: %v", key, err)
		}
	}
	m.running = false
}

// Running reports whether Start has been called without a subsequent Stop.
func (m *Manager) Running() bool { return m.running }

func (m *Manager) report() {
	var b strings.Builder
	b.WriteString("yerba service report\n")

	workflows := m.workflowsFn()
	sort.Slice(workflows, func(i, j int) bool { return workflows[i].ID < workflows[j].ID })
	if len(workflows) == 0 {
		b.WriteString("  workflows: none active\n")
	} else {
		b.WriteString("  workflows:\n")
		for _, w := range workflows {
			fmt.Fprintf(&b, "    %s: %s\n", w.ID, w.Status)
		}
	}

	b.WriteString("  backends:\n")
	for _, key := range m.order {
		fmt.Fprintf(&b, "    %s\n", key)
	}

	logging.Info("%s", b.String())
}
