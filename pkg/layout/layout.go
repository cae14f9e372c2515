// Package layout resolves the on-disk paths of the working directory
// ("cwd") structure and reads/writes the JSON artifacts that live
// under it. Nothing else in the codebase should hardcode a path under
// storage/ or operational/.
package layout

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// CWD resolves paths under a Cuckoo3 working directory.
type CWD struct {
	root string
}

// New returns a CWD rooted at root, creating the standard cwd
// directories if they don't already exist.
func New(root string) (*CWD, error) {
	c := &CWD{root: root}
	for _, dir := range []string{
		c.ConfDir(),
		c.AnalysesDir(),
		c.BinariesDir(),
		c.UntrackedDir(),
		c.OperationalDir(),
	} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("create %s: %w", dir, err)
		}
	}
	return c, nil
}

func (c *CWD) Root() string             { return c.root }
func (c *CWD) ConfDir() string          { return filepath.Join(c.root, "conf") }
func (c *CWD) StorageDir() string       { return filepath.Join(c.root, "storage") }
func (c *CWD) AnalysesDir() string      { return filepath.Join(c.StorageDir(), "analyses") }
func (c *CWD) BinariesDir() string      { return filepath.Join(c.StorageDir(), "binaries") }
func (c *CWD) UntrackedDir() string     { return filepath.Join(c.StorageDir(), "untracked") }
func (c *CWD) OperationalDir() string   { return filepath.Join(c.root, "operational") }
func (c *CWD) TaskQueuePath() string    { return filepath.Join(c.OperationalDir(), "taskqueue.db") }
func (c *CWD) RooterSocketPath() string { return filepath.Join(c.OperationalDir(), "rooter.sock") }

// AnalysisDir returns analyses/YYYYMMDD/<id>, deriving the date shard
// from the id's own YYYYMMDD-XXXXXX format rather than the current
// time, so a directory looked up later always resolves regardless of
// when the lookup happens.
func (c *CWD) AnalysisDir(analysisID string) string {
	shard := analysisID
	if len(analysisID) >= 8 {
		shard = analysisID[:8]
	}
	return filepath.Join(c.AnalysesDir(), shard, analysisID)
}

func (c *CWD) AnalysisJSON(analysisID string) string {
	return filepath.Join(c.AnalysisDir(analysisID), "analysis.json")
}

func (c *CWD) IdentificationJSON(analysisID string) string {
	return filepath.Join(c.AnalysisDir(analysisID), "identification.json")
}

func (c *CWD) PreJSON(analysisID string) string {
	return filepath.Join(c.AnalysisDir(analysisID), "pre.json")
}

func (c *CWD) TaskDir(analysisID, taskID string) string {
	return filepath.Join(c.AnalysisDir(analysisID), taskID)
}

func (c *CWD) TaskJSON(analysisID, taskID string) string {
	return filepath.Join(c.TaskDir(analysisID, taskID), "task.json")
}

func (c *CWD) TaskLog(analysisID, taskID string) string {
	return filepath.Join(c.TaskDir(analysisID, taskID), "log.txt")
}

func (c *CWD) ScreenshotsDir(analysisID, taskID string) string {
	return filepath.Join(c.TaskDir(analysisID, taskID), "screenshots")
}

func (c *CWD) NetworkPcap(analysisID, taskID string) string {
	return filepath.Join(c.TaskDir(analysisID, taskID), "network.pcap")
}

func (c *CWD) PostJSON(analysisID, taskID string) string {
	return filepath.Join(c.TaskDir(analysisID, taskID), "post.json")
}

func (c *CWD) UntrackedSentinel(analysisID string) string {
	return filepath.Join(c.UntrackedDir(), analysisID)
}

// NewAnalysisDir creates the date-sharded directory tree for a freshly
// submitted analysis.
func (c *CWD) NewAnalysisDir(analysisID string) error {
	if err := os.MkdirAll(c.AnalysisDir(analysisID), 0755); err != nil {
		return fmt.Errorf("create analysis dir for %s: %w", analysisID, err)
	}
	return nil
}

// NewTaskDir creates a task's directory tree, including its
// screenshots subdirectory.
func (c *CWD) NewTaskDir(analysisID, taskID string) error {
	if err := os.MkdirAll(c.ScreenshotsDir(analysisID, taskID), 0755); err != nil {
		return fmt.Errorf("create task dir for %s/%s: %w", analysisID, taskID, err)
	}
	return nil
}

// WriteJSON marshals v and writes it to path, truncating any existing
// content — each of these files is single-writer per stage, so no
// locking is needed here.
func WriteJSON(path string, v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal %s: %w", path, err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	return nil
}

// ReadJSON unmarshals the contents of path into v.
func ReadJSON(path string, v interface{}) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read %s: %w", path, err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("unmarshal %s: %w", path, err)
	}
	return nil
}

// Touch creates an empty sentinel file at path, per the
// untracked/<analysis_id> touch-file convention.
func Touch(path string) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("touch %s: %w", path, err)
	}
	return f.Close()
}

// MarkUntracked creates the untracked sentinel for analysisID;
// RemoveUntracked deletes it once track_new has taken ownership of the
// analysis.
func (c *CWD) MarkUntracked(analysisID string) error {
	return Touch(c.UntrackedSentinel(analysisID))
}

// RemoveUntracked deletes the touch-file sentinel once an analysis has
// been tracked, tolerating an already-removed sentinel.
func (c *CWD) RemoveUntracked(analysisID string) error {
	err := os.Remove(c.UntrackedSentinel(analysisID))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove untracked sentinel for %s: %w", analysisID, err)
	}
	return nil
}

// ListUntracked returns the analysis IDs with a pending untracked
// sentinel, in directory order.
func (c *CWD) ListUntracked() ([]string, error) {
	entries, err := os.ReadDir(c.UntrackedDir())
	if err != nil {
		return nil, fmt.Errorf("list untracked dir: %w", err)
	}
	out := make([]string, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() {
			out = append(out, e.Name())
		}
	}
	return out, nil
}

// AnalysisID formats a new analysis id as YYYYMMDD-XXXXXX: an eight
// digit date shard followed by six base-36 uppercase characters drawn
// from rnd.
func AnalysisID(now time.Time, rnd [6]byte) string {
	const alphabet = "0123456789ABCDEFGHIJKLMNOPQRSTUVWXYZ"
	suffix := make([]byte, 6)
	for i, b := range rnd {
		suffix[i] = alphabet[int(b)%len(alphabet)]
	}
	return fmt.Sprintf("%s-%s", now.Format("20060102"), string(suffix))
}
