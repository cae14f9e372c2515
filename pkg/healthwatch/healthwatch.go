// Package healthwatch periodically polls the machinery driver for
// every machine the pool currently has reserved, detecting a machine
// that has fallen into an unrecoverable driver state without its
// task-runner noticing (e.g. the hypervisor process itself died).
// Uses a ticker-driven, single in-flight cycle with errors logged and
// the loop continuing, narrowed to detection only: this package never
// repairs — repair is the controller's handleMachineGone disabling
// the machine and failing the task.
package healthwatch

import (
	"context"
	"time"

	"github.com/cert-ee/cuckoo3/pkg/log"
	"github.com/cert-ee/cuckoo3/pkg/machinery"
	"github.com/cert-ee/cuckoo3/pkg/metrics"
	"github.com/cert-ee/cuckoo3/pkg/pool"
	"github.com/rs/zerolog"
)

// DriverResolver looks up the machinery driver for a machine's
// configured machinery name, mirroring taskrunner.DriverResolver.
type DriverResolver func(machineryName string) (machinery.Driver, error)

// GoneFunc is invoked when a reserved machine's driver reports an
// unrecoverable state. Wired to controller.NotifyMachineGone.
type GoneFunc func(machineName string)

// Watch polls a Pool's reserved machines on a fixed tick.
type Watch struct {
	pool     *pool.Pool
	drivers  DriverResolver
	onGone   GoneFunc
	interval time.Duration
	timeout  time.Duration

	logger zerolog.Logger
	stopCh chan struct{}
}

// New returns a Watch. interval is the poll period; timeout bounds
// each individual driver.State call so one unresponsive hypervisor
// socket can't stall the whole cycle.
func New(p *pool.Pool, drivers DriverResolver, onGone GoneFunc, interval, timeout time.Duration) *Watch {
	return &Watch{
		pool:     p,
		drivers:  drivers,
		onGone:   onGone,
		interval: interval,
		timeout:  timeout,
		logger:   log.WithComponent("healthwatch"),
		stopCh:   make(chan struct{}),
	}
}

// Start begins polling in the background.
func (w *Watch) Start() {
	go w.run()
}

// Stop stops the polling loop.
func (w *Watch) Stop() {
	close(w.stopCh)
}

func (w *Watch) run() {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			w.cycle()
		case <-w.stopCh:
			return
		}
	}
}

func (w *Watch) cycle() {
	timer := metrics.NewTimer()
	defer func() {
		timer.ObserveDuration(metrics.HealthWatchDuration)
		metrics.HealthWatchCyclesTotal.Inc()
	}()

	for _, m := range w.pool.List() {
		if m.Reservation == "" {
			// Not holding a task right now; nothing to corroborate.
			continue
		}

		driver, err := w.drivers(m.Machinery)
		if err != nil {
			w.logger.Warn().Str("machine", m.Name).Err(err).Msg("no driver for reserved machine")
			continue
		}

		ctx, cancel := context.WithTimeout(context.Background(), w.timeout)
		state, err := driver.State(ctx, m.Name)
		cancel()
		if err != nil {
			w.logger.Warn().Str("machine", m.Name).Err(err).Msg("machinery state query failed")
			continue
		}

		if state == machinery.StateError {
			w.logger.Error().Str("machine", m.Name).Str("task_id", m.Reservation).Msg("machine reported error state while reserved")
			metrics.MachinesGoneTotal.Inc()
			w.onGone(m.Name)
		}
	}
}
