// Package kvm drives libvirt-managed KVM domains, implementing the
// machinery.Driver contract over the libvirt RPC protocol.
package kvm

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/cert-ee/cuckoo3/pkg/errs"
	"github.com/cert-ee/cuckoo3/pkg/machinery"
	"github.com/digitalocean/go-libvirt"
)

// libvirt domain state codes, per the libvirt wire protocol.
const (
	domainNoState     = 0
	domainRunning     = 1
	domainBlocked     = 2
	domainPaused      = 3
	domainShutdown    = 4
	domainShutoff     = 5
	domainCrashed     = 6
	domainPMSuspended = 7
)

// Driver drives KVM domains through a single libvirtd connection.
type Driver struct {
	uri string
	lv  *libvirt.Libvirt
}

// New dials libvirtd at uri (e.g. "unix:///var/run/libvirt/libvirt-sock")
// and returns a ready Driver.
func New(uri string) (*Driver, error) {
	c, err := net.DialTimeout("unix", socketPathFromURI(uri), 5*time.Second)
	if err != nil {
		return nil, fmt.Errorf("dial libvirt at %s: %w", uri, err)
	}
	lv := libvirt.New(c)
	if err := lv.Connect(); err != nil {
		return nil, fmt.Errorf("connect libvirt: %w", err)
	}
	return &Driver{uri: uri, lv: lv}, nil
}

func socketPathFromURI(uri string) string {
	const prefix = "unix://"
	if len(uri) > len(prefix) && uri[:len(prefix)] == prefix {
		return uri[len(prefix):]
	}
	return uri
}

func (d *Driver) Name() string { return "kvm" }

func (d *Driver) Capabilities() []machinery.Capability {
	return []machinery.Capability{machinery.CapabilityAcpiStop, machinery.CapabilityHandlePaused}
}

func (d *Driver) lookup(machineName string) (libvirt.Domain, error) {
	dom, err := d.lv.DomainLookupByName(machineName)
	if err != nil {
		return libvirt.Domain{}, errs.New(errs.KindMachineryTransient, fmt.Errorf("lookup domain %s: %w", machineName, err))
	}
	return dom, nil
}

func (d *Driver) State(ctx context.Context, machineName string) (machinery.State, error) {
	dom, err := d.lookup(machineName)
	if err != nil {
		return machinery.StatePowerOff, nil
	}

	state, _, err := d.lv.DomainGetState(dom, 0)
	if err != nil {
		return machinery.StateError, errs.New(errs.KindMachineryTransient, fmt.Errorf("get state %s: %w", machineName, err))
	}

	switch state {
	case domainRunning, domainBlocked:
		return machinery.StateRunning, nil
	case domainPaused, domainPMSuspended:
		return machinery.StateSuspended, nil
	case domainShutdown, domainShutoff, domainNoState:
		return machinery.StatePowerOff, nil
	case domainCrashed:
		return machinery.StateError, nil
	default:
		return machinery.StateError, nil
	}
}

func (d *Driver) RestoreStart(ctx context.Context, spec machinery.StartSpec) error {
	current, err := d.State(ctx, spec.MachineName)
	if err != nil {
		return err
	}
	if err := machinery.RequireState(current, machinery.StatePowerOff); err != nil {
		return err
	}

	dom, err := d.lookup(spec.MachineName)
	if err != nil {
		return err
	}

	if spec.SnapshotRef != "" {
		snap, err := d.lv.DomainSnapshotLookupByName(dom, spec.SnapshotRef, 0)
		if err != nil {
			return errs.New(errs.KindMachineryFatal, fmt.Errorf("lookup snapshot %s for %s: %w", spec.SnapshotRef, spec.MachineName, err))
		}
		if err := d.lv.DomainRevertToSnapshot(snap, 0); err != nil {
			return errs.New(errs.KindMachineryFatal, fmt.Errorf("revert %s to snapshot %s: %w", spec.MachineName, spec.SnapshotRef, err))
		}
		return nil
	}

	if err := d.lv.DomainCreate(dom); err != nil {
		return errs.New(errs.KindMachineryFatal, fmt.Errorf("create domain %s: %w", spec.MachineName, err))
	}
	return nil
}

func (d *Driver) NoRestoreStart(ctx context.Context, spec machinery.StartSpec) error {
	current, err := d.State(ctx, spec.MachineName)
	if err != nil {
		return err
	}
	if err := machinery.RequireState(current, machinery.StatePowerOff); err != nil {
		return err
	}

	dom, err := d.lookup(spec.MachineName)
	if err != nil {
		return err
	}
	if err := d.lv.DomainCreate(dom); err != nil {
		return errs.New(errs.KindMachineryFatal, fmt.Errorf("create domain %s: %w", spec.MachineName, err))
	}
	return nil
}

func (d *Driver) Stop(ctx context.Context, machineName string) error {
	current, err := d.State(ctx, machineName)
	if err != nil {
		return err
	}
	if current == machinery.StatePowerOff {
		return nil
	}
	if err := machinery.RequireState(current, machinery.StateRunning, machinery.StateSuspended); err != nil {
		return err
	}

	dom, err := d.lookup(machineName)
	if err != nil {
		return err
	}
	if err := d.lv.DomainDestroy(dom); err != nil {
		return errs.New(errs.KindMachineryFatal, fmt.Errorf("destroy domain %s: %w", machineName, err))
	}
	return nil
}

func (d *Driver) AcpiStop(ctx context.Context, machineName string) error {
	current, err := d.State(ctx, machineName)
	if err != nil {
		return err
	}
	if err := machinery.RequireState(current, machinery.StateRunning); err != nil {
		return err
	}

	dom, err := d.lookup(machineName)
	if err != nil {
		return err
	}
	if err := d.lv.DomainShutdown(dom); err != nil {
		return errs.New(errs.KindMachineryTransient, fmt.Errorf("shutdown domain %s: %w", machineName, err))
	}
	return nil
}

// DumpMemory is unsupported by this driver; CapabilityDumpMemory is
// absent from Capabilities so callers should never reach here.
func (d *Driver) DumpMemory(ctx context.Context, machineName, destPath string) error {
	return errs.New(errs.KindInvalidState, fmt.Errorf("kvm driver does not support memory dump"))
}

// Close releases the libvirt connection.
func (d *Driver) Close() error {
	_, err := d.lv.Disconnect()
	return err
}
