// Package main is the cuckoonode binary: a task-only node that
// exposes its local machine pool and task execution over HTTP for a
// main node that lists it under nodes to fan tasks out to.
// It runs no controller and no scheduler of its own; the main node
// owns every analysis and task row.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/cert-ee/cuckoo3/pkg/binstore"
	"github.com/cert-ee/cuckoo3/pkg/config"
	"github.com/cert-ee/cuckoo3/pkg/layout"
	"github.com/cert-ee/cuckoo3/pkg/log"
	"github.com/cert-ee/cuckoo3/pkg/machinery"
	"github.com/cert-ee/cuckoo3/pkg/machinery/disk"
	"github.com/cert-ee/cuckoo3/pkg/machinery/kvm"
	"github.com/cert-ee/cuckoo3/pkg/machinery/qemu"
	"github.com/cert-ee/cuckoo3/pkg/metrics"
	"github.com/cert-ee/cuckoo3/pkg/nodeapi"
	"github.com/cert-ee/cuckoo3/pkg/pool"
	"github.com/cert-ee/cuckoo3/pkg/resultserver"
	"github.com/cert-ee/cuckoo3/pkg/rooter"
	"github.com/cert-ee/cuckoo3/pkg/store"
	"github.com/cert-ee/cuckoo3/pkg/taskrunner"
	"github.com/cert-ee/cuckoo3/pkg/types"
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "cuckoonode",
	Short: "Cuckoo3 task-only node",
	RunE:  runNode,
}

func init() {
	rootCmd.Flags().String("cwd", ".", "Node working directory")
	rootCmd.Flags().String("host", "0.0.0.0", "Node API listen host")
	rootCmd.Flags().Int("port", 2043, "Node API listen port")
	rootCmd.Flags().String("metrics-addr", "127.0.0.1:9091", "Metrics/health listen address")
	rootCmd.Flags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.Flags().Bool("log-json", false, "Output logs in JSON format")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(2)
	}
}

// resultServerValidator rejects a result connection unless its task_id
// names a task the store considers actively running and the peer's
// source IP matches the machine that task was assigned.
func resultServerValidator(st store.Store, p *pool.Pool) resultserver.Validator {
	return func(taskID, remoteIP string) error {
		t, err := st.GetTask(taskID)
		if err != nil {
			return fmt.Errorf("unknown task %s: %w", taskID, err)
		}
		if !t.State.Active() {
			return fmt.Errorf("task %s is not running (state=%s)", taskID, t.State)
		}
		m, ok := p.Get(t.Machine)
		if !ok {
			return fmt.Errorf("machine %s for task %s not found in pool", t.Machine, taskID)
		}
		if m.IP != remoteIP {
			return fmt.Errorf("peer ip %s does not match machine %s ip %s", remoteIP, t.Machine, m.IP)
		}
		return nil
	}
}

func runNode(cmd *cobra.Command, args []string) error {
	level, _ := cmd.Flags().GetString("log-level")
	asJSON, _ := cmd.Flags().GetBool("log-json")
	log.Init(log.Config{Level: log.Level(level), JSONOutput: asJSON})

	cwdPath, _ := cmd.Flags().GetString("cwd")
	host, _ := cmd.Flags().GetString("host")
	port, _ := cmd.Flags().GetInt("port")

	cwd, err := layout.New(cwdPath)
	if err != nil {
		return fmt.Errorf("node: %w", err)
	}
	cfg, err := config.LoadCuckoo(filepath.Join(cwd.ConfDir(), "cuckoo.yaml"))
	if err != nil {
		return fmt.Errorf("node: %w", err)
	}

	st, err := store.NewBoltStore(cwd.OperationalDir())
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	bins, err := binstore.New(cwd.BinariesDir(), cfg.Limits.MinFileSize, cfg.Limits.MaxFileSize)
	if err != nil {
		return fmt.Errorf("open binary store: %w", err)
	}
	p, err := pool.New(st)
	if err != nil {
		return fmt.Errorf("load machine pool: %w", err)
	}
	if machines, err := config.LoadMachines(filepath.Join(cwd.ConfDir(), "machines.yaml")); err == nil {
		p.Sync(machines)
	}

	watcher, err := config.NewWatcher(filepath.Join(cwd.ConfDir(), "machines.yaml"), p.Sync)
	if err != nil {
		log.Logger.Warn().Err(err).Msg("machine inventory watcher not started")
	} else {
		watcher.Start()
		defer watcher.Stop()
	}

	var rooterClient *rooter.Client
	if cfg.Rooter.Enabled {
		rooterClient = rooter.NewClient(cfg.Rooter.SocketPath)
		defer rooterClient.Close()
	}

	diskMgr, err := disk.NewManager(filepath.Join(cwd.OperationalDir(), "disks"))
	if err != nil {
		return fmt.Errorf("build disk manager: %w", err)
	}

	waiter := taskrunner.NewDoneWaiter()
	agentClient := taskrunner.NewAgentClient(30 * time.Second)

	driverResolver := func(name string) (machinery.Driver, error) {
		switch name {
		case "qemu":
			return qemu.New(cfg.Rooter.SocketPath, "qemu-system-x86_64"), nil
		case "kvm":
			return kvm.New("unix:///var/run/libvirt/libvirt-sock")
		default:
			return nil, fmt.Errorf("unknown machinery driver %q", name)
		}
	}
	baseImgResolver := func(machineName string) (string, error) {
		m, ok := p.Get(machineName)
		if !ok {
			return "", fmt.Errorf("no such machine %s", machineName)
		}
		return m.Snapshot, nil
	}

	runner := taskrunner.New(st, bins, rooterClient, driverResolver, baseImgResolver, diskMgr,
		agentClient, waiter, p.Release, func(taskID string, outcome error) {
			if outcome != nil {
				log.Logger.Warn().Str("task_id", taskID).Err(outcome).Msg("task finished with error")
			}
		}, 2, 2*time.Second)

	rs := resultserver.New(fmt.Sprintf("%s:%d", cfg.ResultServer.ListenIP, cfg.ResultServer.ListenPort),
		cfg.ResultServer.MaxFrameBytes,
		func(taskID string) (string, error) {
			t, err := st.GetTask(taskID)
			if err != nil {
				return "", err
			}
			return cwd.TaskDir(t.AnalysisID, taskID), nil
		},
		resultServerValidator(st, p),
		waiter.Signal)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		if err := rs.Serve(ctx); err != nil {
			log.Logger.Error().Err(err).Msg("result server stopped unexpectedly")
		}
	}()

	apiSrv := nodeapi.New(st, bins, p, cwd, cfg.NodeAPI.Token,
		func(ctx context.Context, task *types.Task, machine *types.Machine) { runner.Run(ctx, task, machine) })
	addr := fmt.Sprintf("%s:%d", host, port)
	apiSrv.Start(addr)
	defer apiSrv.Stop(context.Background())

	collector := metrics.NewCollector(st, p, func() int { return 0 })
	collector.Start()
	defer collector.Stop()

	metrics.SetVersion("dev")
	metrics.RegisterComponent("nodeapi", true, "listening")

	metricsAddr, _ := cmd.Flags().GetString("metrics-addr")
	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Handler())
		mux.Handle("/health", metrics.HealthHandler())
		mux.Handle("/ready", metrics.ReadyHandler())
		mux.Handle("/live", metrics.LivenessHandler())
		if err := http.ListenAndServe(metricsAddr, mux); err != nil {
			log.Logger.Error().Err(err).Msg("metrics server stopped unexpectedly")
		}
	}()
	fmt.Printf("cuckoonode listening on %s (metrics at http://%s/metrics)\n", addr, metricsAddr)

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop
	fmt.Println("shutting down")
	return nil
}
