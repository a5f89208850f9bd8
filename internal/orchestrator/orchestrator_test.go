package orchestrator

import (
	"context"
	"sync"
	"testing"

	"github.com/metal-toolbox/bootsmith/internal/component"
	"github.com/metal-toolbox/bootsmith/internal/model"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// callLog records phase invocations across components in order.
type callLog struct {
	mu    sync.Mutex
	calls []string
}

func (l *callLog) record(name, phase string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.calls = append(l.calls, name+":"+phase)
}

type fakeComponent struct {
	component.Base

	name string
	log  *callLog

	discoverErr  error
	processErr   error
	housekeepErr error
}

func newFake(name string, log *callLog) *fakeComponent {
	logger := logrus.New().WithField("test", "orchestrator")

	return &fakeComponent{
		Base: component.NewBase(model.ComponentKindBMC, nil, nil, nil, logger),
		name: name,
		log:  log,
	}
}

func (f *fakeComponent) Discover(_ context.Context) error {
	f.log.record(f.name, "discover")
	return f.discoverErr
}

func (f *fakeComponent) Process(_ context.Context) error {
	f.log.record(f.name, "process")
	return f.processErr
}

func (f *fakeComponent) Housekeep(_ context.Context) error {
	f.log.record(f.name, "housekeep")
	return f.housekeepErr
}

func testLogger() *logrus.Entry {
	return logrus.New().WithField("test", "orchestrator")
}

func indexOf(calls []string, call string) int {
	for i, c := range calls {
		if c == call {
			return i
		}
	}

	return -1
}

func TestRunDiscoversAllBeforeProcessing(t *testing.T) {
	log := &callLog{}
	a := newFake("a", log)
	b := newFake("b", log)

	o := New([]Entry{
		{Name: "a", Component: a},
		{Name: "b", Component: b, DependsOn: []string{"a"}},
	}, testLogger())

	report, err := o.Run(context.Background())
	require.NoError(t, err)
	assert.True(t, report.Success)

	// every discover precedes every process
	lastDiscover := indexOf(log.calls, "b:discover")
	firstProcess := indexOf(log.calls, "a:process")
	assert.Greater(t, firstProcess, lastDiscover)

	// dependency ordering holds
	assert.Greater(t, indexOf(log.calls, "b:process"), indexOf(log.calls, "a:process"))

	require.Len(t, report.Entries, 2)
}

func TestRequiredDiscoveryFailureAbortsProcessing(t *testing.T) {
	log := &callLog{}
	a := newFake("a", log)
	b := newFake("b", log)

	a.discoverErr = errors.New("appliance unreachable")

	o := New([]Entry{
		{Name: "a", Component: a},
		{Name: "b", Component: b},
	}, testLogger())

	report, err := o.Run(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrDiscoveryAborted)
	assert.False(t, report.Success)

	// nothing processed, b was discovered so it is still housekept
	assert.Equal(t, -1, indexOf(log.calls, "a:process"))
	assert.Equal(t, -1, indexOf(log.calls, "b:process"))
	assert.NotEqual(t, -1, indexOf(log.calls, "b:housekeep"))
}

func TestOptionalDiscoveryFailureContinues(t *testing.T) {
	log := &callLog{}
	a := newFake("a", log)
	b := newFake("b", log)

	a.discoverErr = errors.New("vault unreachable")

	o := New([]Entry{
		{Name: "a", Component: a, Optional: true},
		{Name: "b", Component: b},
	}, testLogger())

	report, err := o.Run(context.Background())
	require.NoError(t, err)
	assert.True(t, report.Success)

	// the optional component is dropped, the rest of the run proceeds
	assert.Equal(t, -1, indexOf(log.calls, "a:process"))
	assert.NotEqual(t, -1, indexOf(log.calls, "b:process"))

	require.Len(t, report.Entries, 2)
	assert.True(t, report.Entries[0].Skipped)
}

func TestProcessFailureSkipsDependentsButHousekeepsAll(t *testing.T) {
	log := &callLog{}
	a := newFake("a", log)
	b := newFake("b", log)
	c := newFake("c", log)

	a.processErr = errors.New("volume creation rejected")

	o := New([]Entry{
		{Name: "a", Component: a},
		{Name: "b", Component: b, DependsOn: []string{"a"}},
		{Name: "c", Component: c},
	}, testLogger())

	report, err := o.Run(context.Background())
	require.Error(t, err)
	assert.False(t, report.Success)

	// the dependent is skipped, the independent entry still processes
	assert.Equal(t, -1, indexOf(log.calls, "b:process"))
	assert.NotEqual(t, -1, indexOf(log.calls, "c:process"))

	// housekeeping runs for everything discovered, the failed entry included
	assert.NotEqual(t, -1, indexOf(log.calls, "a:housekeep"))
	assert.NotEqual(t, -1, indexOf(log.calls, "b:housekeep"))
	assert.NotEqual(t, -1, indexOf(log.calls, "c:housekeep"))
}

func TestDryRunDiscoversWithoutMutating(t *testing.T) {
	log := &callLog{}
	a := newFake("a", log)
	b := newFake("b", log)

	o := New([]Entry{
		{Name: "a", Component: a},
		{Name: "b", Component: b, DependsOn: []string{"a"}},
	}, testLogger())

	report, err := o.DryRun(context.Background())
	require.NoError(t, err)
	assert.True(t, report.Success)
	require.Len(t, report.Entries, 2)

	// every component discovered, nothing processed or housekept
	assert.Equal(t, []string{"a:discover", "b:discover"}, log.calls)
}

func TestDryRunReportsRequiredDiscoveryFailure(t *testing.T) {
	log := &callLog{}
	a := newFake("a", log)
	a.discoverErr = errors.New("appliance unreachable")

	o := New([]Entry{{Name: "a", Component: a}}, testLogger())

	report, err := o.DryRun(context.Background())
	require.Error(t, err)
	assert.False(t, report.Success)
	assert.Contains(t, err.Error(), "appliance unreachable")
}

func TestRunRejectsDependencyCycle(t *testing.T) {
	log := &callLog{}

	o := New([]Entry{
		{Name: "a", Component: newFake("a", log), DependsOn: []string{"b"}},
		{Name: "b", Component: newFake("b", log), DependsOn: []string{"a"}},
	}, testLogger())

	_, err := o.Run(context.Background())
	require.ErrorIs(t, err, ErrDependencyCycle)
}

func TestRunRejectsUnknownDependency(t *testing.T) {
	log := &callLog{}

	o := New([]Entry{
		{Name: "a", Component: newFake("a", log), DependsOn: []string{"ghost"}},
	}, testLogger())

	_, err := o.Run(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ghost")
}

func TestFanOutIsolatesServerFailures(t *testing.T) {
	log := &callLog{}

	healthy := newFake("healthy", log)
	broken := newFake("broken", log)
	broken.processErr = errors.New("BMC login timed out")

	runs := []ServerRun{
		{ServerID: "02", Plan: New([]Entry{{Name: "healthy", Component: healthy}}, testLogger())},
		{ServerID: "03", Plan: New([]Entry{{Name: "broken", Component: broken}}, testLogger())},
	}

	reports, err := FanOut(context.Background(), runs, 2, testLogger())
	require.Error(t, err)

	require.Len(t, reports, 2)
	assert.Equal(t, "02", reports[0].ServerID)
	assert.True(t, reports[0].Report.Success)
	assert.Empty(t, reports[0].Err)

	assert.Equal(t, "03", reports[1].ServerID)
	assert.False(t, reports[1].Report.Success)
	assert.Contains(t, reports[1].Err, "BMC login timed out")
}
