package healthwatch

import (
	"context"
	"testing"
	"time"

	"github.com/cert-ee/cuckoo3/pkg/machinery"
	"github.com/cert-ee/cuckoo3/pkg/pool"
	"github.com/cert-ee/cuckoo3/pkg/store"
	"github.com/cert-ee/cuckoo3/pkg/types"
	"github.com/stretchr/testify/require"
)

type fakeDriver struct {
	state machinery.State
}

func (d *fakeDriver) Name() string                     { return "fake" }
func (d *fakeDriver) Capabilities() []machinery.Capability { return nil }
func (d *fakeDriver) RestoreStart(ctx context.Context, spec machinery.StartSpec) error   { return nil }
func (d *fakeDriver) NoRestoreStart(ctx context.Context, spec machinery.StartSpec) error { return nil }
func (d *fakeDriver) Stop(ctx context.Context, machineName string) error                { return nil }
func (d *fakeDriver) AcpiStop(ctx context.Context, machineName string) error             { return nil }
func (d *fakeDriver) State(ctx context.Context, machineName string) (machinery.State, error) {
	return d.state, nil
}
func (d *fakeDriver) DumpMemory(ctx context.Context, machineName, destPath string) error { return nil }

func newTestPool(t *testing.T, m types.Machine) *pool.Pool {
	t.Helper()
	dir := t.TempDir()
	st, err := store.NewBoltStore(dir)
	require.NoError(t, err)
	require.NoError(t, st.CreateMachine(&m))
	p, err := pool.New(st)
	require.NoError(t, err)
	return p
}

func TestCycleReportsGoneMachine(t *testing.T) {
	m := types.Machine{Name: "m1", Machinery: "fake", Platform: "windows", OSVersion: "10", State: types.MachineRunning, Reservation: "t1"}
	p := newTestPool(t, m)

	driver := &fakeDriver{state: machinery.StateError}
	var gone []string
	w := New(p, func(name string) (machinery.Driver, error) { return driver, nil },
		func(machineName string) { gone = append(gone, machineName) }, time.Hour, time.Second)

	w.cycle()

	require.Equal(t, []string{"m1"}, gone)
}

func TestCycleIgnoresUnreservedMachines(t *testing.T) {
	m := types.Machine{Name: "m1", Machinery: "fake", Platform: "windows", OSVersion: "10", State: types.MachinePowerOff}
	p := newTestPool(t, m)

	driver := &fakeDriver{state: machinery.StateError}
	var gone []string
	w := New(p, func(name string) (machinery.Driver, error) { return driver, nil },
		func(machineName string) { gone = append(gone, machineName) }, time.Hour, time.Second)

	w.cycle()

	require.Empty(t, gone)
}

func TestCycleIgnoresHealthyMachines(t *testing.T) {
	m := types.Machine{Name: "m1", Machinery: "fake", Platform: "windows", OSVersion: "10", State: types.MachineRunning, Reservation: "t1"}
	p := newTestPool(t, m)

	driver := &fakeDriver{state: machinery.StateRunning}
	var gone []string
	w := New(p, func(name string) (machinery.Driver, error) { return driver, nil },
		func(machineName string) { gone = append(gone, machineName) }, time.Hour, time.Second)

	w.cycle()

	require.Empty(t, gone)
}
