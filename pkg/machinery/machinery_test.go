package machinery

import (
	"context"
	"testing"

	"github.com/cert-ee/cuckoo3/pkg/errs"
	"github.com/stretchr/testify/assert"
)

// capsOnlyDriver implements Driver minimally, for exercising
// HasCapability without a real hypervisor connection.
type capsOnlyDriver struct {
	caps []Capability
}

func (d capsOnlyDriver) Name() string                  { return "fake" }
func (d capsOnlyDriver) Capabilities() []Capability     { return d.caps }
func (d capsOnlyDriver) RestoreStart(context.Context, StartSpec) error   { return nil }
func (d capsOnlyDriver) NoRestoreStart(context.Context, StartSpec) error { return nil }
func (d capsOnlyDriver) Stop(context.Context, string) error              { return nil }
func (d capsOnlyDriver) AcpiStop(context.Context, string) error          { return nil }
func (d capsOnlyDriver) State(context.Context, string) (State, error)    { return StatePowerOff, nil }
func (d capsOnlyDriver) DumpMemory(context.Context, string, string) error { return nil }

func TestHasCapability(t *testing.T) {
	d := capsOnlyDriver{caps: []Capability{CapabilityAcpiStop}}
	assert.True(t, HasCapability(d, CapabilityAcpiStop))
	assert.False(t, HasCapability(d, CapabilityDumpMemory))
}

func TestRequireStateAllows(t *testing.T) {
	assert.NoError(t, RequireState(StatePowerOff, StatePowerOff))
	assert.NoError(t, RequireState(StateRunning, StateRunning, StateSuspended))
}

func TestRequireStateRejects(t *testing.T) {
	err := RequireState(StateRunning, StatePowerOff)
	assert.Error(t, err)
	assert.True(t, errs.Is(err, errs.KindInvalidState))
}
