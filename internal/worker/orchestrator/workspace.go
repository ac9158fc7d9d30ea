package orchestrator

import (
	"os"
	"path/filepath"
	"strings"
)

// Workspace is the on-disk layout of a job:
//
//	<work>/<id>/          scratch (transforms, partial files)
//	<work>/<id>/input/    the resolved source, kept across retries
//	<output>/<id>/        canonical clip_NNN.mp4 location
type Workspace struct {
	Work    string
	Output  string
	Uploads string
	// Fallback dirs may contain {job}.
	Fallback []string
}

func (w Workspace) JobDir(jobID string) string { return filepath.Join(w.Work, jobID) }

func (w Workspace) InputDir(jobID string) string { return filepath.Join(w.Work, jobID, "input") }

func (w Workspace) OutputDir(jobID string) string { return filepath.Join(w.Output, jobID) }

// Candidates lists where a stray clip may be found, in search order.
func (w Workspace) Candidates(jobID string) []string {
	out := []string{w.JobDir(jobID)}
	for _, tmpl := range w.Fallback {
		if tmpl == "" {
			continue
		}
		out = append(out, strings.ReplaceAll(tmpl, "{job}", jobID))
	}
	return out
}

// Scrub removes the scratch of a job but keeps input/.
func (w Workspace) Scrub(jobID string) error {
	dir := w.JobDir(jobID)
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	for _, e := range entries {
		if e.Name() == "input" {
			continue
		}
		if err := os.RemoveAll(filepath.Join(dir, e.Name())); err != nil {
			return err
		}
	}
	// gone only when input/ never existed
	_ = os.Remove(dir)
	return nil
}

// Discard removes the whole scratch dir including input/.
func (w Workspace) Discard(jobID string) error {
	return os.RemoveAll(w.JobDir(jobID))
}

// RemoveOutputs deletes the canonical output dir.
func (w Workspace) RemoveOutputs(jobID string) error {
	return os.RemoveAll(w.OutputDir(jobID))
}

// IsUpload reports whether path lies under the upload root.
func (w Workspace) IsUpload(path string) bool {
	if w.Uploads == "" {
		return false
	}
	rel, err := filepath.Rel(w.Uploads, filepath.Clean(path))
	return err == nil && rel != "." && rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}
