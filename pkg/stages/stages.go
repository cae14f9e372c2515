// Package stages implements controller.Stages: identification,
// pre-analysis, and post-processing, the pluggable analysis work the
// controller schedules onto its stage worker pools but does not itself
// compute (signature detection is out of scope here). Follows the
// pattern of a component that produces a value which its caller then
// applies as a durable transition: these methods only read storage and
// write report artifacts, leaving all state mutation to
// pkg/controller.
package stages

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"path/filepath"

	"github.com/cert-ee/cuckoo3/pkg/binstore"
	"github.com/cert-ee/cuckoo3/pkg/errs"
	"github.com/cert-ee/cuckoo3/pkg/layout"
	"github.com/cert-ee/cuckoo3/pkg/log"
	"github.com/cert-ee/cuckoo3/pkg/poststore"
	"github.com/cert-ee/cuckoo3/pkg/stageworkers"
	"github.com/cert-ee/cuckoo3/pkg/types"
	"github.com/rs/zerolog"
)

// store is the narrow slice of store.Store the stages need, so tests
// don't have to satisfy the full interface.
type store interface {
	GetAnalysis(id string) (*types.Analysis, error)
	GetTask(id string) (*types.Task, error)
}

// identificationDetail is the identification_detail.json body. The
// controller wraps ReportPath/Err into its own identificationReport
// (identification.json); this is what ReportPath points at.
type identificationDetail struct {
	Category          types.Category   `json:"category"`
	Type              string           `json:"type"`
	SelectedPlatforms []types.Platform `json:"selected_platforms,omitempty"`
	Ignored           bool             `json:"ignored"`
}

// preDetail is the pre_detail.json body.
type preDetail struct {
	FileType  string           `json:"file_type"`
	Tags      []string         `json:"tags,omitempty"`
	Platforms []types.Platform `json:"platforms"`
}

// postDetail is the post_detail.json body.
type postDetail struct {
	Score      float64             `json:"score"`
	Signatures []string            `json:"signatures"`
	Errors     map[string][]string `json:"errors,omitempty"`
}

// Stages implements controller.Stages.
type Stages struct {
	st     store
	bins   *binstore.Store
	limits types.Limits
	logger zerolog.Logger
}

// New returns a Stages backed by st and bins, enforcing limits at
// identification time.
func New(st store, bins *binstore.Store, limits types.Limits) *Stages {
	return &Stages{st: st, bins: bins, limits: limits, logger: log.WithComponent("stages")}
}

// Identify detects the target's category-specific type and decides
// whether it is analyzable at all, producing the identification
// report shape the pending_identification transition consumes.
func (s *Stages) Identify(ctx context.Context, job stageworkers.Job) stageworkers.Result {
	a, err := s.st.GetAnalysis(job.UnitID)
	if err != nil {
		return stageworkers.Result{Job: job, Err: fmt.Errorf("identify: load analysis %s: %w", job.UnitID, err)}
	}

	detail := identificationDetail{Category: a.Category, SelectedPlatforms: a.Settings.Platforms}

	switch a.Category {
	case types.CategoryFile:
		if a.Target.Size < s.limits.MinFileSize {
			detail.Ignored = true
			detail.Type = "empty or undersized file"
			s.writeDetail(job.WorkingDir, "identification_detail.json", detail)
			return stageworkers.Result{Job: job, Err: errs.New(errs.KindConfigInvalid,
				fmt.Errorf("target %s below minimum file size %d", a.Target.SHA256, s.limits.MinFileSize))}
		}
		ft, err := s.sniffFileType(a.Target.SHA256)
		if err != nil {
			return stageworkers.Result{Job: job, Err: fmt.Errorf("identify: sniff %s: %w", a.Target.SHA256, err)}
		}
		detail.Type = ft
	case types.CategoryURL:
		detail.Type = "url"
	default:
		return stageworkers.Result{Job: job, Err: errs.New(errs.KindConfigInvalid, fmt.Errorf("unknown target category %q", a.Category))}
	}

	path, err := s.writeDetail(job.WorkingDir, "identification_detail.json", detail)
	if err != nil {
		return stageworkers.Result{Job: job, Err: err}
	}
	return stageworkers.Result{Job: job, ReportPath: path}
}

// PreAnalyze performs static inspection and settles the platform list
// tasks will be created for, feeding the pending_pre transition.
func (s *Stages) PreAnalyze(ctx context.Context, job stageworkers.Job) stageworkers.Result {
	a, err := s.st.GetAnalysis(job.UnitID)
	if err != nil {
		return stageworkers.Result{Job: job, Err: fmt.Errorf("pre-analyze: load analysis %s: %w", job.UnitID, err)}
	}

	var fileType string
	var tags []string
	switch a.Category {
	case types.CategoryFile:
		ft, err := s.sniffFileType(a.Target.SHA256)
		if err != nil {
			return stageworkers.Result{Job: job, Err: fmt.Errorf("pre-analyze: sniff %s: %w", a.Target.SHA256, err)}
		}
		fileType = ft
		tags = fileTags(ft)
	case types.CategoryURL:
		fileType = "url"
	}

	platforms := a.Settings.Platforms
	if len(platforms) == 0 {
		platforms = defaultPlatforms(fileType)
	}

	detail := preDetail{FileType: fileType, Tags: tags, Platforms: platforms}
	path, err := s.writeDetail(job.WorkingDir, "pre_detail.json", detail)
	if err != nil {
		return stageworkers.Result{Job: job, Err: err}
	}
	return stageworkers.Result{Job: job, ReportPath: path, Platforms: platforms}
}

// PostProcess produces the task's final report. Signature matching is
// out of scope here, so Score is always 0 and Signatures is
// always empty; post-processing still finalizes artifact retention by
// compressing the task's agent log.
func (s *Stages) PostProcess(ctx context.Context, job stageworkers.Job) stageworkers.Result {
	t, err := s.st.GetTask(job.UnitID)
	if err != nil {
		return stageworkers.Result{Job: job, Err: fmt.Errorf("post-process: load task %s: %w", job.UnitID, err)}
	}

	detail := postDetail{Score: 0, Signatures: []string{}, Errors: t.Errors}
	path, err := s.writeDetail(job.WorkingDir, "post_detail.json", detail)
	if err != nil {
		return stageworkers.Result{Job: job, Err: err}
	}

	logPath := filepath.Join(job.WorkingDir, "log.txt")
	if err := poststore.CompressAndRemove(logPath); err != nil {
		s.logger.Warn().Err(err).Str("task_id", job.UnitID).Msg("compress task log failed")
	}

	return stageworkers.Result{Job: job, ReportPath: path, Score: detail.Score}
}

func (s *Stages) writeDetail(dir, name string, v interface{}) (string, error) {
	path := filepath.Join(dir, name)
	if err := layout.WriteJSON(path, v); err != nil {
		return "", fmt.Errorf("write %s: %w", path, err)
	}
	return path, nil
}

// sniffFileType reads the stored binary's header and classifies it by
// magic bytes, falling back to net/http's MIME sniffing for anything
// not in the small set of formats a sandbox commonly sees.
func (s *Stages) sniffFileType(sha256hex string) (string, error) {
	f, err := s.bins.Open(sha256hex)
	if err != nil {
		return "", err
	}
	defer f.Close()

	header := make([]byte, 512)
	n, err := io.ReadFull(f, header)
	if err != nil && err != io.ErrUnexpectedEOF && err != io.EOF {
		return "", err
	}
	header = header[:n]

	switch {
	case bytes.HasPrefix(header, []byte("MZ")):
		return "PE32 executable", nil
	case bytes.HasPrefix(header, []byte{0x7f, 'E', 'L', 'F'}):
		return "ELF executable", nil
	case bytes.HasPrefix(header, []byte("%PDF")):
		return "PDF document", nil
	case bytes.HasPrefix(header, []byte("PK\x03\x04")):
		return "Zip archive (or Office Open XML)", nil
	case bytes.HasPrefix(header, []byte{0xD0, 0xCF, 0x11, 0xE0}):
		return "Compound File Binary (legacy Office)", nil
	default:
		return http.DetectContentType(header), nil
	}
}

// fileTags derives tags from a detected file type. Pre-analysis
// records them in pre_detail.json; they are not applied to a task's
// required_tags.
func fileTags(fileType string) []string {
	switch fileType {
	case "PE32 executable":
		return []string{"x86", "windows"}
	case "ELF executable":
		return []string{"linux"}
	default:
		return nil
	}
}

// defaultPlatforms picks a single fallback platform when a submission
// leaves settings.platforms empty, keyed off the detected file type.
func defaultPlatforms(fileType string) []types.Platform {
	switch fileType {
	case "ELF executable":
		return []types.Platform{{Platform: "linux", OSVersion: "ubuntu20.04"}}
	default:
		return []types.Platform{{Platform: "windows", OSVersion: "10"}}
	}
}
