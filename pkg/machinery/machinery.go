// Package machinery is the abstract lifecycle driver for one VM:
// restore, stop, state query, and optional memory dump, behind a
// capability contract so the pool never depends on a
// particular hypervisor. Concrete drivers live in the qemu and kvm
// subpackages; disposable disk preparation lives in the disk
// subpackage.
package machinery

import (
	"context"
	"fmt"

	"github.com/cert-ee/cuckoo3/pkg/errs"
)

// State is a normalized VM state. RESTORING and STOPPING are owned by
// the machine pool, not the driver; a driver only ever reports one of
// the four states below.
type State string

const (
	StatePowerOff  State = "POWEROFF"
	StateRunning   State = "RUNNING"
	StateSuspended State = "SUSPENDED"
	StateError     State = "ERROR"
)

// Capability names an optional driver operation. Callers query
// Driver.Capabilities before invoking one, rather than relying on the
// driver to no-op silently.
type Capability string

const (
	CapabilityAcpiStop     Capability = "acpi_stop"
	CapabilityDumpMemory   Capability = "dump_memory"
	CapabilityHandlePaused Capability = "handle_paused"
)

// StartSpec describes how to bring a machine up.
type StartSpec struct {
	MachineName string
	Label       string
	SnapshotRef string
	DiskPath    string
}

// Driver is the polymorphic capability contract every hypervisor
// backend implements. Every method that mutates VM state must refuse
// with errs.KindInvalidState
// rather than attempt an operation the current state forbids; the
// precondition checks belong to the driver, not its caller, since only
// the driver knows what its hypervisor will tolerate.
type Driver interface {
	// Name identifies the driver variant, e.g. "qemu" or "kvm".
	Name() string

	// Capabilities lists the optional operations this driver instance
	// supports, so the pool can skip unsupported ones instead of
	// catching a failure.
	Capabilities() []Capability

	// RestoreStart restores the machine from its snapshot and starts
	// it. Requires State()==POWEROFF.
	RestoreStart(ctx context.Context, spec StartSpec) error

	// NoRestoreStart starts the machine from its current disk state
	// without restoring a snapshot first. Requires State()==POWEROFF.
	NoRestoreStart(ctx context.Context, spec StartSpec) error

	// Stop powers the machine off. Requires State() in
	// {RUNNING,SUSPENDED}. Stopping an already-stopped machine is
	// idempotent and returns nil, not an error.
	Stop(ctx context.Context, machineName string) error

	// AcpiStop requests a graceful ACPI shutdown. Only valid if
	// CapabilityAcpiStop is present.
	AcpiStop(ctx context.Context, machineName string) error

	// State queries the current normalized state.
	State(ctx context.Context, machineName string) (State, error)

	// DumpMemory writes a memory snapshot to destPath. Only valid if
	// CapabilityDumpMemory is present.
	DumpMemory(ctx context.Context, machineName, destPath string) error
}

// HasCapability reports whether d supports cap.
func HasCapability(d Driver, cap Capability) bool {
	for _, c := range d.Capabilities() {
		if c == cap {
			return true
		}
	}
	return false
}

// RequireState fails fast with errs.KindInvalidState when current
// isn't one of allowed, implementing the "refuse rather than attempt"
// discipline every driver is expected to follow.
func RequireState(current State, allowed ...State) error {
	for _, a := range allowed {
		if current == a {
			return nil
		}
	}
	return errs.New(errs.KindInvalidState, fmt.Errorf("state %s not in %v", current, allowed))
}
