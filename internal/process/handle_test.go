package process

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/mitchellh/go-ps"
	"github.com/stretchr/testify/require"
)

type fakeProcess struct {
	pid  int
	name string
}

func (p fakeProcess) Pid() int           { return p.pid }
func (p fakeProcess) PPid() int          { return 1 }
func (p fakeProcess) Executable() string { return p.name }

// processTable is an in-memory process list.
type processTable struct {
	mu        sync.Mutex
	processes map[int]string
	killed    []int
	started   [][]string
}

func newProcessTable(processes map[int]string) *processTable {
	return &processTable{processes: processes}
}

func (t *processTable) list() ([]ps.Process, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	result := make([]ps.Process, 0, len(t.processes))
	for pid, name := range t.processes {
		result = append(result, fakeProcess{pid: pid, name: name})
	}

	return result, nil
}

func (t *processTable) kill(pid int) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.killed = append(t.killed, pid)
	delete(t.processes, pid)

	return nil
}

func (t *processTable) start(name string, args ...string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.started = append(t.started, append([]string{name}, args...))

	return nil
}

func newTestSupervisor(table *processTable, command []string) *Supervisor {
	s := NewSupervisor("server", command, WithStopTimeout(200*time.Millisecond))
	s.listFn = table.list
	s.killFn = table.kill
	s.startFn = table.start

	return s
}

func TestSupervisor_StopKillsMatching(t *testing.T) {
	t.Parallel()

	table := newProcessTable(map[int]string{101: "server", 102: "editor", 103: "server"})
	s := newTestSupervisor(table, nil)

	require.True(t, s.NeedsStop(context.Background()))
	require.NoError(t, s.Stop(context.Background()))
	require.ElementsMatch(t, []int{101, 103}, table.killed)
	require.False(t, s.NeedsStop(context.Background()))
}

func TestSupervisor_StopTimesOut(t *testing.T) {
	t.Parallel()

	table := newProcessTable(map[int]string{101: "server"})
	s := newTestSupervisor(table, nil)
	s.killFn = func(int) error { return nil }

	err := s.Stop(context.Background())
	require.ErrorIs(t, err, errStillRunning)
}

func TestSupervisor_StopKillFailure(t *testing.T) {
	t.Parallel()

	errDenied := errors.New("operation not permitted")

	table := newProcessTable(map[int]string{101: "server"})
	s := newTestSupervisor(table, nil)
	s.killFn = func(int) error { return errDenied }

	require.ErrorIs(t, s.Stop(context.Background()), errDenied)
}

func TestSupervisor_Start(t *testing.T) {
	t.Parallel()

	table := newProcessTable(nil)

	require.NoError(t, newTestSupervisor(table, nil).Start(context.Background()))
	require.Empty(t, table.started)

	require.NoError(t, newTestSupervisor(table, []string{"/opt/server", "--port", "8080"}).Start(context.Background()))
	require.Equal(t, [][]string{{"/opt/server", "--port", "8080"}}, table.started)
}

func TestNoop(t *testing.T) {
	t.Parallel()

	var handle Handle = Noop{}

	require.False(t, handle.NeedsStop(context.Background()))
	require.NoError(t, handle.Stop(context.Background()))
	require.NoError(t, handle.Start(context.Background()))
}
