// Package qemu drives QEMU virtual machines over QMP, the machine's
// Unix domain control socket, implementing the machinery.Driver
// contract.
package qemu

import (
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"time"

	"github.com/cert-ee/cuckoo3/pkg/errs"
	"github.com/cert-ee/cuckoo3/pkg/log"
	"github.com/cert-ee/cuckoo3/pkg/machinery"
	"github.com/digitalocean/go-qemu/qmp"
)

// Driver drives QEMU machines whose QMP socket is reachable at a
// per-machine path, e.g. operational/qmp/<machine>.sock.
type Driver struct {
	socketDir  string
	qemuBinary string
	dialTO     time.Duration
}

// New returns a qemu Driver. socketDir holds one QMP Unix socket per
// running machine, named <machine>.sock.
func New(socketDir, qemuBinary string) *Driver {
	if qemuBinary == "" {
		qemuBinary = "qemu-system-x86_64"
	}
	return &Driver{socketDir: socketDir, qemuBinary: qemuBinary, dialTO: 5 * time.Second}
}

func (d *Driver) Name() string { return "qemu" }

func (d *Driver) Capabilities() []machinery.Capability {
	return []machinery.Capability{machinery.CapabilityAcpiStop, machinery.CapabilityDumpMemory}
}

func (d *Driver) socketPath(machineName string) string {
	return d.socketDir + "/" + machineName + ".sock"
}

func (d *Driver) monitor(machineName string) (*qmp.SocketMonitor, error) {
	mon, err := qmp.NewSocketMonitor("unix", d.socketPath(machineName), d.dialTO)
	if err != nil {
		return nil, errs.New(errs.KindMachineryTransient, fmt.Errorf("dial qmp socket for %s: %w", machineName, err))
	}
	if err := mon.Connect(); err != nil {
		return nil, errs.New(errs.KindMachineryTransient, fmt.Errorf("connect qmp for %s: %w", machineName, err))
	}
	return mon, nil
}

func (d *Driver) runCommand(mon *qmp.SocketMonitor, execute string, args any) ([]byte, error) {
	cmd := struct {
		Execute string `json:"execute"`
		Args    any    `json:"arguments,omitempty"`
	}{Execute: execute, Args: args}
	raw, err := json.Marshal(cmd)
	if err != nil {
		return nil, fmt.Errorf("marshal qmp command %s: %w", execute, err)
	}
	return mon.Run(raw)
}

type queryStatusReturn struct {
	Return struct {
		Status string `json:"status"`
		Paused bool   `json:"singlestep"`
	} `json:"return"`
}

func (d *Driver) State(ctx context.Context, machineName string) (machinery.State, error) {
	mon, err := d.monitor(machineName)
	if err != nil {
		// An unreachable socket means the VM process isn't up: that is
		// a normal POWEROFF, not a transient failure.
		return machinery.StatePowerOff, nil
	}
	defer mon.Disconnect()

	raw, err := d.runCommand(mon, "query-status", nil)
	if err != nil {
		return machinery.StateError, errs.New(errs.KindMachineryTransient, fmt.Errorf("query-status %s: %w", machineName, err))
	}
	var resp queryStatusReturn
	if err := json.Unmarshal(raw, &resp); err != nil {
		return machinery.StateError, errs.New(errs.KindMachineryFatal, fmt.Errorf("parse query-status %s: %w", machineName, err))
	}

	switch resp.Return.Status {
	case "running":
		return machinery.StateRunning, nil
	case "paused", "suspended":
		return machinery.StateSuspended, nil
	case "shutdown", "":
		return machinery.StatePowerOff, nil
	default:
		log.WithComponent("qemu").Warn().Str("machine", machineName).Str("status", resp.Return.Status).Msg("unrecognized qemu status")
		return machinery.StateError, nil
	}
}

// RestoreStart launches qemu-system and restores the named snapshot
// via the loadvm human-monitor-command, then resumes execution.
func (d *Driver) RestoreStart(ctx context.Context, spec machinery.StartSpec) error {
	current, err := d.State(ctx, spec.MachineName)
	if err != nil {
		return err
	}
	if err := machinery.RequireState(current, machinery.StatePowerOff); err != nil {
		return err
	}

	args := []string{
		"-name", spec.MachineName,
		"-drive", "file=" + spec.DiskPath + ",if=virtio",
		"-qmp", "unix:" + d.socketPath(spec.MachineName) + ",server,nowait",
		"-daemonize",
	}
	cmd := exec.CommandContext(ctx, d.qemuBinary, args...)
	if out, err := cmd.CombinedOutput(); err != nil {
		return errs.New(errs.KindMachineryFatal, fmt.Errorf("launch qemu for %s: %w: %s", spec.MachineName, err, out))
	}

	mon, err := d.waitForMonitor(ctx, spec.MachineName)
	if err != nil {
		return err
	}
	defer mon.Disconnect()

	if spec.SnapshotRef != "" {
		loadvm := fmt.Sprintf("loadvm %s", spec.SnapshotRef)
		if _, err := d.runCommand(mon, "human-monitor-command", map[string]string{"command-line": loadvm}); err != nil {
			return errs.New(errs.KindMachineryFatal, fmt.Errorf("loadvm %s on %s: %w", spec.SnapshotRef, spec.MachineName, err))
		}
	}
	if _, err := d.runCommand(mon, "cont", nil); err != nil {
		return errs.New(errs.KindMachineryFatal, fmt.Errorf("cont %s: %w", spec.MachineName, err))
	}
	return nil
}

// NoRestoreStart launches qemu-system against the disk as-is, without
// loading a snapshot.
func (d *Driver) NoRestoreStart(ctx context.Context, spec machinery.StartSpec) error {
	current, err := d.State(ctx, spec.MachineName)
	if err != nil {
		return err
	}
	if err := machinery.RequireState(current, machinery.StatePowerOff); err != nil {
		return err
	}

	args := []string{
		"-name", spec.MachineName,
		"-drive", "file=" + spec.DiskPath + ",if=virtio",
		"-qmp", "unix:" + d.socketPath(spec.MachineName) + ",server,nowait",
		"-daemonize",
	}
	cmd := exec.CommandContext(ctx, d.qemuBinary, args...)
	if out, err := cmd.CombinedOutput(); err != nil {
		return errs.New(errs.KindMachineryFatal, fmt.Errorf("launch qemu for %s: %w: %s", spec.MachineName, err, out))
	}
	return nil
}

func (d *Driver) waitForMonitor(ctx context.Context, machineName string) (*qmp.SocketMonitor, error) {
	deadline := time.Now().Add(10 * time.Second)
	for {
		mon, err := d.monitor(machineName)
		if err == nil {
			return mon, nil
		}
		if time.Now().After(deadline) {
			return nil, errs.New(errs.KindMachineryFatal, fmt.Errorf("qmp socket for %s never came up: %w", machineName, err))
		}
		select {
		case <-ctx.Done():
			return nil, errs.New(errs.KindMachineryTransient, ctx.Err())
		case <-time.After(200 * time.Millisecond):
		}
	}
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

	mon, err := d.monitor(machineName)
	if err != nil {
		return err
	}
	defer mon.Disconnect()

	if _, err := d.runCommand(mon, "quit", nil); err != nil {
		return errs.New(errs.KindMachineryFatal, fmt.Errorf("quit %s: %w", machineName, err))
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

	mon, err := d.monitor(machineName)
	if err != nil {
		return err
	}
	defer mon.Disconnect()

	if _, err := d.runCommand(mon, "system_powerdown", nil); err != nil {
		return errs.New(errs.KindMachineryTransient, fmt.Errorf("system_powerdown %s: %w", machineName, err))
	}
	return nil
}

func (d *Driver) DumpMemory(ctx context.Context, machineName, destPath string) error {
	mon, err := d.monitor(machineName)
	if err != nil {
		return err
	}
	defer mon.Disconnect()

	args := map[string]any{"paging": false, "protocol": "file:" + destPath}
	if _, err := d.runCommand(mon, "dump-guest-memory", args); err != nil {
		return errs.New(errs.KindMachineryTransient, fmt.Errorf("dump-guest-memory %s: %w", machineName, err))
	}
	return nil
}
