package controller

import (
	"fmt"
	"time"

	"github.com/cert-ee/cuckoo3/pkg/layout"
	"github.com/cert-ee/cuckoo3/pkg/types"
	"github.com/google/uuid"
)

// Submit is the entry point submission frontends call: it validates
// settings against the configured Limits, materializes a file target
// into the binary store, writes analysis.json under a fresh
// date-sharded directory, marks the analysis untracked, and finally
// notifies tracknew. It is not run on the serial loop itself; only the
// tracknew event it raises is.
func (c *Controller) Submit(settings types.Settings, target types.Target, fileData []byte) (string, error) {
	if err := settings.Validate(c.limits); err != nil {
		return "", fmt.Errorf("submit: %w", err)
	}

	if target.Category == types.CategoryFile {
		digest, err := c.bins.Put(fileData)
		if err != nil {
			return "", fmt.Errorf("submit: store binary: %w", err)
		}
		target.SHA256 = digest
		target.Size = int64(len(fileData))
	}

	id := newAnalysisID()
	a := types.Analysis{
		ID:        id,
		CreatedAt: time.Now(),
		Category:  target.Category,
		Target:    target,
		Settings:  settings,
		State:     types.AnalysisUntracked,
	}

	if err := c.cwd.NewAnalysisDir(id); err != nil {
		return "", fmt.Errorf("submit: %w", err)
	}
	if err := layout.WriteJSON(c.cwd.AnalysisJSON(id), &a); err != nil {
		return "", fmt.Errorf("submit: write analysis.json: %w", err)
	}
	if err := c.cwd.MarkUntracked(id); err != nil {
		return "", fmt.Errorf("submit: %w", err)
	}

	c.TrackNew(id)
	return id, nil
}

func newAnalysisID() string {
	u := uuid.New()
	var rnd [6]byte
	copy(rnd[:], u[:6])
	return layout.AnalysisID(time.Now(), rnd)
}
