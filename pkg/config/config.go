// Package config loads Cuckoo3's conf/*.yaml files and watches the
// machine inventory file for changes, pushing fresh machine lists to a
// callback without requiring a restart. No other file is watched.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/cert-ee/cuckoo3/pkg/log"
	"github.com/cert-ee/cuckoo3/pkg/types"
	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"
)

// Cuckoo is the top-level configuration, conf/cuckoo.yaml.
type Cuckoo struct {
	CWD               string       `yaml:"cwd"`
	Distributed       bool         `yaml:"distributed"`
	CancelAbandoned   bool         `yaml:"cancel_abandoned"`
	Limits            types.Limits `yaml:"-"`
	MaxTimeout        int          `yaml:"max_timeout"`
	MaxPriority       int          `yaml:"max_priority"`
	MaxPlatforms      int          `yaml:"max_platforms"`
	MinFileSize       int64        `yaml:"min_file_size"`
	MaxFileSize       int64        `yaml:"max_file_size"`
	StageTimeouts     StageTimeouts `yaml:"stage_timeouts"`
	ResultServer      ResultServer `yaml:"resultserver"`
	Rooter            RooterConfig `yaml:"rooter"`
	Scheduler         SchedulerConfig `yaml:"scheduler"`
	Workers           WorkerCounts `yaml:"workers"`
	NodeAPI           NodeAPIConfig `yaml:"node_api"`
	Nodes             []RemoteNode  `yaml:"nodes"`
}

// NodeAPIConfig configures this process's own HTTP surface when it is
// acting as a task-only node (cuckoonode) or exposing one alongside
// the main node in --distributed mode.
type NodeAPIConfig struct {
	ListenAddr string `yaml:"listen_addr"`
	Token      string `yaml:"token"`
}

// RemoteNode is one remote task-node the main node fans out to.
// Tokens are rotated per-node, so each entry carries its own.
type RemoteNode struct {
	Name    string `yaml:"name"`
	BaseURL string `yaml:"base_url"`
	Token   string `yaml:"token"`
}

// StageTimeouts bounds how long each stage worker may run.
type StageTimeouts struct {
	IdentificationSeconds int `yaml:"identification_seconds"`
	PreSeconds            int `yaml:"pre_seconds"`
	PostSeconds           int `yaml:"post_seconds"`
}

// DefaultStageTimeouts are the stage worker timeout defaults.
func DefaultStageTimeouts() StageTimeouts {
	return StageTimeouts{IdentificationSeconds: 30, PreSeconds: 120, PostSeconds: 300}
}

// ResultServer configures the TCP result listener.
type ResultServer struct {
	ListenIP           string `yaml:"listen_ip"`
	ListenPort         int    `yaml:"listen_port"`
	MaxFrameBytes      uint32 `yaml:"max_frame_bytes"`
}

// DefaultResultServer carries the default 64 MiB frame cap.
func DefaultResultServer() ResultServer {
	return ResultServer{ListenIP: "0.0.0.0", ListenPort: 2042, MaxFrameBytes: 64 << 20}
}

// RooterConfig points the orchestrator at the rooter's Unix socket.
type RooterConfig struct {
	Enabled    bool   `yaml:"enabled"`
	SocketPath string `yaml:"socket_path"`
}

// SchedulerConfig tunes the scheduler tick.
type SchedulerConfig struct {
	TickSeconds int `yaml:"tick_seconds"`
}

// WorkerCounts sizes the bounded stage-worker pools.
type WorkerCounts struct {
	Identification int `yaml:"identification"`
	Pre            int `yaml:"pre"`
	Post           int `yaml:"post"`
}

// DefaultWorkerCounts are conservative single-node defaults.
func DefaultWorkerCounts() WorkerCounts {
	return WorkerCounts{Identification: 2, Pre: 2, Post: 4}
}

// DefaultCuckoo returns a Cuckoo configuration with every documented
// default applied.
func DefaultCuckoo() Cuckoo {
	l := types.DefaultLimits()
	return Cuckoo{
		CWD:             ".",
		CancelAbandoned: true,
		Limits:          l,
		MaxTimeout:      l.MaxTimeout,
		MaxPriority:     l.MaxPriority,
		MaxPlatforms:    l.MaxPlatforms,
		MinFileSize:     l.MinFileSize,
		MaxFileSize:     l.MaxFileSize,
		StageTimeouts:   DefaultStageTimeouts(),
		ResultServer:    DefaultResultServer(),
		Rooter:          RooterConfig{Enabled: false, SocketPath: "operational/rooter.sock"},
		Scheduler:       SchedulerConfig{TickSeconds: 5},
		Workers:         DefaultWorkerCounts(),
		NodeAPI:         NodeAPIConfig{ListenAddr: "0.0.0.0:2043"},
	}
}

// LoadCuckoo reads and parses conf/cuckoo.yaml, falling back to
// documented defaults for any field the file omits.
func LoadCuckoo(path string) (Cuckoo, error) {
	cfg := DefaultCuckoo()
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return cfg, nil
	}
	if err != nil {
		return cfg, fmt.Errorf("read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse %s: %w", path, err)
	}
	cfg.Limits = types.Limits{
		MaxTimeout:   cfg.MaxTimeout,
		MaxPriority:  cfg.MaxPriority,
		MaxPlatforms: cfg.MaxPlatforms,
		MinFileSize:  cfg.MinFileSize,
		MaxFileSize:  cfg.MaxFileSize,
	}
	return cfg, nil
}

// MachineList is the parsed contents of conf/machines.yaml.
type MachineList struct {
	Machines []types.Machine `yaml:"machines"`
}

// LoadMachines reads conf/machines.yaml.
func LoadMachines(path string) ([]types.Machine, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	var list MachineList
	if err := yaml.Unmarshal(data, &list); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return list.Machines, nil
}

// Watcher hot-reloads a YAML file and pushes machine-list snapshots to
// a callback whenever the file changes on disk. It is grounded on the
// teacher's use of fsnotify to detect config changes without a restart.
type Watcher struct {
	mu       sync.Mutex
	path     string
	onChange func([]types.Machine)
	watcher  *fsnotify.Watcher
	stopCh   chan struct{}
}

// NewWatcher creates a Watcher for the machine inventory file at path.
func NewWatcher(path string, onChange func([]types.Machine)) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create fsnotify watcher: %w", err)
	}
	dir := filepath.Dir(path)
	if err := fw.Add(dir); err != nil {
		fw.Close()
		return nil, fmt.Errorf("watch %s: %w", dir, err)
	}
	return &Watcher{
		path:     path,
		onChange: onChange,
		watcher:  fw,
		stopCh:   make(chan struct{}),
	}, nil
}

// Start begins watching for changes in a background goroutine.
func (w *Watcher) Start() {
	go w.run()
}

// Stop stops the watcher.
func (w *Watcher) Stop() {
	close(w.stopCh)
	w.watcher.Close()
}

func (w *Watcher) run() {
	logger := log.WithComponent("config-watcher")
	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != filepath.Clean(w.path) {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			machines, err := LoadMachines(w.path)
			if err != nil {
				logger.Warn().Err(err).Str("path", w.path).Msg("machine inventory reload failed, keeping previous snapshot")
				continue
			}
			w.onChange(machines)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			logger.Warn().Err(err).Msg("config watcher error")
		case <-w.stopCh:
			return
		}
	}
}
