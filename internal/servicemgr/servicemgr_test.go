package servicemgr

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yerba/yerbad/internal/task"
)

type fakeBackend struct {
	group, name string
	initCalls   int
	updateCalls int
	stopCalls   int
	initErr     error
	updateErr   error
}

func (f *fakeBackend) Initialize() error { f.initCalls++; return f.initErr }
func (f *fakeBackend) Schedule(tasks []*task.Task, workflowID string, priority int) error {
	return nil
}
func (f *fakeBackend) Cancel(workflowID string) error { return nil }
func (f *fakeBackend) Update() error                  { f.updateCalls++; return f.updateErr }
func (f *fakeBackend) Stop() error                    { f.stopCalls++; return nil }
func (f *fakeBackend) Name() string                   { return f.name }
func (f *fakeBackend) Group() string                  { return f.group }

func TestRegisterStartUpdateStopDrivesEveryBackend(t *testing.T) {
	m := New(func() []WorkflowSummary { return nil })
	a := &fakeBackend{group: "yerba", name: "a"}
	b := &fakeBackend{group: "yerba", name: "b"}
	m.Register(a)
	m.Register(b)

	require.NoError(t, m.Start())
	assert.Equal(t, 1, a.initCalls)
	assert.Equal(t, 1, b.initCalls)
	assert.True(t, m.Running())

	m.Update()
	assert.Equal(t, 1, a.updateCalls)
	assert.Equal(t, 1, b.updateCalls)

	m.Stop()
	assert.Equal(t, 1, a.stopCalls)
	assert.Equal(t, 1, b.stopCalls)
	assert.False(t, m.Running())
}

func TestDuplicateRegistrationIsIgnored(t *testing.T) {
	m := New(func() []WorkflowSummary { return nil })
	first := &fakeBackend{group: "yerba", name: "a"}
	second := &fakeBackend{group: "yerba", name: "a"}
	m.Register(first)
	m.Register(second)

	assert.Len(t, m.Backends(), 1)
	got, ok := m.Backend("yerba.a")
	require.True(t, ok)
	assert.Same(t, first, got)
}

func TestBackendLookupMissesReturnFalse(t *testing.T) {
	m := New(func() []WorkflowSummary { return nil })
	_, ok := m.Backend("yerba.missing")
	assert.False(t, ok)
}
