// Package main is the cuckoo binary: the main-node supervisor, which
// runs the controller, scheduler and local task execution and also
// fans tasks out to any cuckoonode processes listed under nodes; and
// the createcwd, machine, submit, and migrate management subcommands.
// Local task execution runs in every mode: --distributed only adds
// this process's own node API server (when node_api.listen_addr is
// set).
package main

import (
	"context"
	"fmt"
	"net/http"
	_ "net/http/pprof"
	"os"
	"os/signal"
	"path/filepath"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/cert-ee/cuckoo3/pkg/binstore"
	"github.com/cert-ee/cuckoo3/pkg/config"
	"github.com/cert-ee/cuckoo3/pkg/controller"
	"github.com/cert-ee/cuckoo3/pkg/healthwatch"
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
	"github.com/cert-ee/cuckoo3/pkg/scheduler"
	"github.com/cert-ee/cuckoo3/pkg/stages"
	"github.com/cert-ee/cuckoo3/pkg/store"
	"github.com/cert-ee/cuckoo3/pkg/taskrunner"
	"github.com/cert-ee/cuckoo3/pkg/types"
	"github.com/spf13/cobra"
)

var (
	Version = "dev"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(exitCodeFor(err))
	}
}

// exitCodeFor maps a top-level error to an exit code: 1 for
// configuration problems, 2 for everything else that made it all the
// way to main.
func exitCodeFor(err error) int {
	if _, ok := err.(*configError); ok {
		return 1
	}
	return 2
}

// configError marks an error as a configuration-time failure so
// exitCodeFor can distinguish it from a runtime fatal.
type configError struct{ err error }

func (e *configError) Error() string { return e.err.Error() }
func (e *configError) Unwrap() error { return e.err }

var rootCmd = &cobra.Command{
	Use:   "cuckoo",
	Short: "Cuckoo3 malware analysis orchestrator",
	RunE:  runSupervisor,
}

func init() {
	rootCmd.PersistentFlags().String("cwd", ".", "Cuckoo3 working directory")
	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "Output logs in JSON format")
	rootCmd.PersistentFlags().Bool("distributed", false, "Also serve the node API on node_api.listen_addr; local task execution still runs")
	rootCmd.PersistentFlags().Bool("cancel-abandoned", true, "Cancel tasks left STARTING/RUNNING/STOPPING by a prior crash instead of leaving them in place")
	rootCmd.Flags().Bool("enable-pprof", false, "Expose net/http/pprof endpoints on the metrics listener")

	cobra.OnInitialize(initLogging)

	rootCmd.AddCommand(createCWDCmd)
	rootCmd.AddCommand(getMonitorCmd)
	rootCmd.AddCommand(machineCmd)
	rootCmd.AddCommand(submitCmd)
	rootCmd.AddCommand(migrateCmd)
}

func initLogging() {
	level, _ := rootCmd.PersistentFlags().GetString("log-level")
	asJSON, _ := rootCmd.PersistentFlags().GetBool("log-json")
	log.Init(log.Config{Level: log.Level(level), JSONOutput: asJSON})
}

var createCWDCmd = &cobra.Command{
	Use:   "createcwd",
	Short: "Create the working directory skeleton (conf/, storage/, operational/)",
	RunE: func(cmd *cobra.Command, args []string) error {
		cwdPath, _ := cmd.Flags().GetString("cwd")
		if _, err := layout.New(cwdPath); err != nil {
			return &configError{fmt.Errorf("createcwd: %w", err)}
		}
		fmt.Printf("cwd initialized at %s\n", cwdPath)
		return nil
	},
}

var getMonitorCmd = &cobra.Command{
	Use:   "getmonitor",
	Short: "Fetch the in-guest monitor payload (not implemented: monitor binaries are out of scope)",
	RunE: func(cmd *cobra.Command, args []string) error {
		return fmt.Errorf("getmonitor: monitor binary distribution is out of scope for this build")
	},
}

var machineCmd = &cobra.Command{
	Use:   "machine",
	Short: "Manage the machine inventory",
}

func init() {
	machineCmd.AddCommand(&cobra.Command{
		Use:   "import",
		Short: "Bulk-load conf/machines.yaml into the store, validating each entry against the configured driver",
		RunE:  runMachineImport,
	})
	machineCmd.AddCommand(&cobra.Command{
		Use:   "add <name>",
		Short: "Add a single machine from conf/machines.yaml by name",
		Args:  cobra.ExactArgs(1),
		RunE:  runMachineAdd,
	})
	machineCmd.AddCommand(&cobra.Command{
		Use:   "delete <name>",
		Short: "Remove a machine from the store",
		Args:  cobra.ExactArgs(1),
		RunE:  runMachineDelete,
	})
}

func runMachineImport(cmd *cobra.Command, args []string) error {
	cwdPath, _ := rootCmd.PersistentFlags().GetString("cwd")
	cwd, err := layout.New(cwdPath)
	if err != nil {
		return &configError{err}
	}
	machines, err := config.LoadMachines(filepath.Join(cwd.ConfDir(), "machines.yaml"))
	if err != nil {
		return &configError{err}
	}
	cfg, err := config.LoadCuckoo(filepath.Join(cwd.ConfDir(), "cuckoo.yaml"))
	if err != nil {
		return &configError{err}
	}

	st, err := store.NewBoltStore(cwd.OperationalDir())
	if err != nil {
		return fmt.Errorf("machine import: %w", err)
	}

	imported := 0
	for _, m := range machines {
		if _, err := resolveDriver(m.Machinery, cfg); err != nil {
			log.Logger.Warn().Str("machine", m.Name).Str("machinery", m.Machinery).Err(err).Msg("skipping machine: no matching machinery driver")
			continue
		}
		m := m
		if err := st.CreateMachine(&m); err != nil {
			log.Logger.Warn().Str("machine", m.Name).Err(err).Msg("import failed")
			continue
		}
		imported++
	}
	fmt.Printf("imported %d/%d machines\n", imported, len(machines))
	return nil
}

func runMachineAdd(cmd *cobra.Command, args []string) error {
	cwdPath, _ := rootCmd.PersistentFlags().GetString("cwd")
	cwd, err := layout.New(cwdPath)
	if err != nil {
		return &configError{err}
	}
	machines, err := config.LoadMachines(filepath.Join(cwd.ConfDir(), "machines.yaml"))
	if err != nil {
		return &configError{err}
	}
	st, err := store.NewBoltStore(cwd.OperationalDir())
	if err != nil {
		return err
	}
	for _, m := range machines {
		if m.Name == args[0] {
			m := m
			if err := st.CreateMachine(&m); err != nil {
				return err
			}
			fmt.Printf("added %s\n", m.Name)
			return nil
		}
	}
	return fmt.Errorf("machine %s not found in machines.yaml", args[0])
}

func runMachineDelete(cmd *cobra.Command, args []string) error {
	cwdPath, _ := rootCmd.PersistentFlags().GetString("cwd")
	cwd, err := layout.New(cwdPath)
	if err != nil {
		return &configError{err}
	}
	st, err := store.NewBoltStore(cwd.OperationalDir())
	if err != nil {
		return err
	}
	if err := st.DeleteMachine(args[0]); err != nil {
		return err
	}
	fmt.Printf("deleted %s\n", args[0])
	return nil
}

var submitCmd = &cobra.Command{
	Use:   "submit",
	Short: "Submit a target for analysis",
}

func init() {
	fileCmd := &cobra.Command{
		Use:   "file <path>",
		Short: "Submit a file target",
		Args:  cobra.ExactArgs(1),
		RunE:  runSubmitFile,
	}
	fileCmd.Flags().Int("timeout", 120, "Detonation timeout in seconds")
	fileCmd.Flags().Int("priority", 1, "Submission priority")
	fileCmd.Flags().StringSlice("platform", nil, "platform:os_version pair, repeatable")
	fileCmd.Flags().Bool("manual", false, "Hold the analysis at waiting_manual after identification until released")

	urlCmd := &cobra.Command{
		Use:   "url <url>",
		Short: "Submit a URL target",
		Args:  cobra.ExactArgs(1),
		RunE:  runSubmitURL,
	}
	urlCmd.Flags().Int("timeout", 120, "Detonation timeout in seconds")
	urlCmd.Flags().Int("priority", 1, "Submission priority")
	urlCmd.Flags().StringSlice("platform", nil, "platform:os_version pair, repeatable")
	urlCmd.Flags().Bool("manual", false, "Hold the analysis at waiting_manual after identification until released")

	releaseCmd := &cobra.Command{
		Use:   "release <analysis_id>",
		Short: "Release an analysis held at waiting_manual",
		Args:  cobra.ExactArgs(1),
		RunE:  runSubmitRelease,
	}

	submitCmd.AddCommand(fileCmd, urlCmd, releaseCmd)
}

func openController(cmd *cobra.Command) (*controller.Controller, func(), error) {
	cwdPath, _ := rootCmd.PersistentFlags().GetString("cwd")
	cwd, err := layout.New(cwdPath)
	if err != nil {
		return nil, nil, &configError{err}
	}
	cfg, err := config.LoadCuckoo(filepath.Join(cwd.ConfDir(), "cuckoo.yaml"))
	if err != nil {
		return nil, nil, &configError{err}
	}
	st, err := store.NewBoltStore(cwd.OperationalDir())
	if err != nil {
		return nil, nil, err
	}
	bins, err := binstore.New(cwd.BinariesDir(), cfg.Limits.MinFileSize, cfg.Limits.MaxFileSize)
	if err != nil {
		return nil, nil, err
	}
	p, err := pool.New(st)
	if err != nil {
		return nil, nil, err
	}
	stg := stages.New(st, bins, cfg.Limits)

	c, err := controller.New(controller.Config{
		NodeID:          "submit-cli",
		InMemRaft:       true,
		CancelAbandoned: cfg.CancelAbandoned,
		Limits:          cfg.Limits,
	}, st, cwd, bins, p, stg,
		cfg.Workers.Identification, cfg.Workers.Pre, cfg.Workers.Post,
		time.Duration(cfg.StageTimeouts.IdentificationSeconds)*time.Second,
		time.Duration(cfg.StageTimeouts.PreSeconds)*time.Second,
		time.Duration(cfg.StageTimeouts.PostSeconds)*time.Second)
	if err != nil {
		return nil, nil, err
	}
	c.Start()
	return c, func() { c.Stop() }, nil
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

func runSubmitFile(cmd *cobra.Command, args []string) error {
	data, err := os.ReadFile(args[0])
	if err != nil {
		return err
	}
	settings, err := settingsFromFlags(cmd)
	if err != nil {
		return &configError{err}
	}
	c, closeFn, err := openController(cmd)
	if err != nil {
		return err
	}
	defer closeFn()

	target := types.Target{Category: types.CategoryFile, Filename: filepath.Base(args[0])}
	id, err := c.Submit(settings, target, data)
	if err != nil {
		return err
	}
	fmt.Printf("submitted analysis %s\n", id)
	return nil
}

func runSubmitURL(cmd *cobra.Command, args []string) error {
	settings, err := settingsFromFlags(cmd)
	if err != nil {
		return &configError{err}
	}
	c, closeFn, err := openController(cmd)
	if err != nil {
		return err
	}
	defer closeFn()

	target := types.Target{Category: types.CategoryURL, URL: args[0]}
	id, err := c.Submit(settings, target, nil)
	if err != nil {
		return err
	}
	fmt.Printf("submitted analysis %s\n", id)
	return nil
}

func settingsFromFlags(cmd *cobra.Command) (types.Settings, error) {
	timeout, _ := cmd.Flags().GetInt("timeout")
	priority, _ := cmd.Flags().GetInt("priority")
	manual, _ := cmd.Flags().GetBool("manual")
	raw, _ := cmd.Flags().GetStringSlice("platform")

	var platforms []types.Platform
	for _, r := range raw {
		parts := splitOnce(r, ':')
		if len(parts) != 2 {
			return types.Settings{}, fmt.Errorf("invalid --platform %q, expected platform:os_version", r)
		}
		platforms = append(platforms, types.Platform{Platform: parts[0], OSVersion: parts[1]})
	}
	return types.Settings{Timeout: timeout, Priority: priority, Manual: manual, Platforms: platforms}, nil
}

// runSubmitRelease resumes an analysis parked at waiting_manual. The
// controller opened here is as ephemeral as the one submit file/url
// uses: ReleaseManual is queued and guaranteed to run before Stop's
// shutdown event drains the loop, so the persisted state is updated
// before this process exits.
func runSubmitRelease(cmd *cobra.Command, args []string) error {
	c, closeFn, err := openController(cmd)
	if err != nil {
		return err
	}
	defer closeFn()

	c.ReleaseManual(args[0])
	fmt.Printf("released analysis %s\n", args[0])
	return nil
}

func splitOnce(s string, sep byte) []string {
	for i := 0; i < len(s); i++ {
		if s[i] == sep {
			return []string{s[:i], s[i+1:]}
		}
	}
	return []string{s}
}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Database maintenance",
}

func init() {
	dbCmd := &cobra.Command{Use: "database", Short: "Database subcommands"}
	dbCmd.AddCommand(&cobra.Command{
		Use:   "all",
		Short: "Open the store, forcing bucket creation and schema-version enforcement",
		RunE: func(cmd *cobra.Command, args []string) error {
			cwdPath, _ := rootCmd.PersistentFlags().GetString("cwd")
			cwd, err := layout.New(cwdPath)
			if err != nil {
				return &configError{err}
			}
			if _, err := store.NewBoltStore(cwd.OperationalDir()); err != nil {
				return err
			}
			fmt.Println("migration complete")
			return nil
		},
	})
	migrateCmd.AddCommand(dbCmd)
}

// resolveDriver builds the machinery.Driver a machine's "machinery"
// field names. Drivers are cheap to construct and stateless between
// calls, so this is also called per-machine at start time rather than
// cached behind a registry.
func resolveDriver(name string, cfg config.Cuckoo) (machinery.Driver, error) {
	switch name {
	case "qemu":
		return qemu.New(cfg.Rooter.SocketPath, "qemu-system-x86_64"), nil
	case "kvm":
		return kvm.New("unix:///var/run/libvirt/libvirt-sock")
	default:
		return nil, fmt.Errorf("unknown machinery driver %q", name)
	}
}

// runSupervisor is the root command's default action: start the
// controller, scheduler, result server, local task execution and (with
// --distributed) the node API server, then block until signaled.
func runSupervisor(cmd *cobra.Command, args []string) error {
	cwdPath, _ := cmd.Flags().GetString("cwd")
	distributed, _ := cmd.Flags().GetBool("distributed")
	cancelAbandoned, _ := cmd.Flags().GetBool("cancel-abandoned")

	cwd, err := layout.New(cwdPath)
	if err != nil {
		return &configError{fmt.Errorf("supervisor: %w", err)}
	}
	cfg, err := config.LoadCuckoo(filepath.Join(cwd.ConfDir(), "cuckoo.yaml"))
	if err != nil {
		return &configError{fmt.Errorf("supervisor: %w", err)}
	}
	cfg.CancelAbandoned = cancelAbandoned
	cfg.Distributed = distributed

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

	stg := stages.New(st, bins, cfg.Limits)
	ctrl, err := controller.New(controller.Config{
		NodeID:          "main",
		RaftBindAddr:    "127.0.0.1:7946",
		RaftDataDir:     filepath.Join(cwd.OperationalDir(), "raft"),
		CancelAbandoned: cfg.CancelAbandoned,
		Limits:          cfg.Limits,
	}, st, cwd, bins, p, stg,
		cfg.Workers.Identification, cfg.Workers.Pre, cfg.Workers.Post,
		time.Duration(cfg.StageTimeouts.IdentificationSeconds)*time.Second,
		time.Duration(cfg.StageTimeouts.PreSeconds)*time.Second,
		time.Duration(cfg.StageTimeouts.PostSeconds)*time.Second)
	if err != nil {
		return fmt.Errorf("build controller: %w", err)
	}

	if err := ctrl.RecoverAbandoned(); err != nil {
		log.Logger.Warn().Err(err).Msg("abandoned-task recovery failed")
	}
	ctrl.Start()
	defer ctrl.Stop()
	metrics.RegisterComponent("controller", true, "started")

	var remote scheduler.RemoteCandidates
	var nodeClients []*nodeapi.Client
	var nodeWatchers []*nodeapi.NodeWatcher
	var reachableNodes int32
	nodes := nodeapi.NewNodes()
	for _, rn := range cfg.Nodes {
		nc := nodeapi.NewClient(rn.Name, rn.BaseURL, rn.Token, st, bins, 30*time.Second)
		nodeClients = append(nodeClients, nc)
		nodes.Add(nc)
		atomic.AddInt32(&reachableNodes, 1)

		nw := nodeapi.NewNodeWatcher(nc, 15*time.Second,
			func(nodeName string) {
				nodes.Remove(nodeName)
				atomic.AddInt32(&reachableNodes, -1)
				ctrl.NotifyNodeDisconnected(nodeName)
			},
			func(nodeName string) {
				nodes.Add(nc)
				atomic.AddInt32(&reachableNodes, 1)
			},
		)
		nw.Start()
		defer nw.Stop()
		nodeWatchers = append(nodeWatchers, nw)
	}
	if len(nodeClients) > 0 {
		remote = nodes
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

	driverResolver := func(name string) (machinery.Driver, error) { return resolveDriver(name, cfg) }
	baseImgResolver := func(machineName string) (string, error) {
		m, ok := p.Get(machineName)
		if !ok {
			return "", fmt.Errorf("no such machine %s", machineName)
		}
		return m.Snapshot, nil
	}

	runner := taskrunner.New(st, bins, rooterClient, driverResolver, baseImgResolver, diskMgr,
		agentClient, waiter, p.Release, ctrl.NotifyTaskFinished, 2, 2*time.Second)

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
	metrics.RegisterComponent("resultserver", true, "listening")

	sched := scheduler.New(st, p, remote, time.Duration(cfg.Scheduler.TickSeconds)*time.Second,
		func(task *types.Task, machineName, nodeName string) {
			if nodeName != "" {
				// Already dispatched to the remote node by
				// Reserve; nothing more to do here.
				return
			}
			m, ok := p.Get(machineName)
			if !ok {
				log.Logger.Error().Str("machine", machineName).Msg("assigned machine vanished from pool")
				return
			}
			go runner.Run(context.Background(), task, m)
		},
		ctrl.NotifyTaskFinished)
	sched.Start()
	defer sched.Stop()
	metrics.RegisterComponent("scheduler", true, "started")

	hw := healthwatch.New(p, driverResolver, ctrl.NotifyMachineGone, 20*time.Second, 5*time.Second)
	hw.Start()
	defer hw.Stop()

	var nodeAPISrv *nodeapi.Server
	if distributed && cfg.NodeAPI.ListenAddr != "" {
		nodeAPISrv = nodeapi.New(st, bins, p, cwd, cfg.NodeAPI.Token,
			func(ctx context.Context, task *types.Task, machine *types.Machine) { runner.Run(ctx, task, machine) })
		nodeAPISrv.Start(cfg.NodeAPI.ListenAddr)
		defer nodeAPISrv.Stop(context.Background())
	}

	collector := metrics.NewCollector(st, p, func() int { return int(atomic.LoadInt32(&reachableNodes)) })
	collector.Start()
	defer collector.Stop()

	metrics.SetVersion(Version)
	metrics.RegisterComponent("store", true, "ready")

	metricsAddr := "127.0.0.1:9090"
	pprofEnabled, _ := cmd.Flags().GetBool("enable-pprof")
	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Handler())
		mux.Handle("/health", metrics.HealthHandler())
		mux.Handle("/ready", metrics.ReadyHandler())
		mux.Handle("/live", metrics.LivenessHandler())
		if pprofEnabled {
			mux.Handle("/debug/pprof/", http.DefaultServeMux)
		}
		if err := http.ListenAndServe(metricsAddr, mux); err != nil {
			log.Logger.Error().Err(err).Msg("metrics server stopped unexpectedly")
		}
	}()
	fmt.Printf("cuckoo started; metrics at http://%s/metrics\n", metricsAddr)

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop
	fmt.Println("shutting down")
	return nil
}
