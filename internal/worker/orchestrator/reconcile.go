package orchestrator

import (
	stderrors "errors"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"storyclip/internal/jobs"
	"storyclip/internal/pkg/errors"
	"storyclip/internal/pkg/logger"
)

// Reconciled is the outcome of a successful reconcile.
type Reconciled struct {
	// Files are the canonical clip paths, index order.
	Files     []string
	Relocated int
}

// Reconcile makes sure clip_001.mp4 .. clip_<expected>.mp4 all sit in the
// canonical output dir. Missing clips are looked up in the workspace
// candidates and moved into place. It fails unless every clip is present.
func Reconcile(ws Workspace, jobID string, expected int, log *logger.Logger) (Reconciled, error) {
	if log == nil {
		log = logger.NewNop()
	}
	dst := ws.OutputDir(jobID)
	if err := os.MkdirAll(dst, 0o755); err != nil {
		return Reconciled{}, errors.WrapWithCode(err, errors.CodeTransient, "orchestrator.reconcile", "create output dir")
	}

	var res Reconciled
	var missing []string
	candidates := ws.Candidates(jobID)

	for i := 1; i <= expected; i++ {
		name := jobs.ArtifactFile(i)
		target := filepath.Join(dst, name)

		if !isFile(target) {
			found := ""
			for _, dir := range candidates {
				if p := filepath.Join(dir, name); isFile(p) {
					found = p
					break
				}
			}
			if found == "" {
				missing = append(missing, name)
				continue
			}
			if err := moveFile(found, target); err != nil {
				return Reconciled{}, errors.WrapWithCode(err, errors.CodeTransient, "orchestrator.reconcile", "relocate "+name)
			}
			log.Info("relocated clip", "file", name, "from", filepath.Dir(found))
			res.Relocated++
		}

		if err := os.Chmod(target, 0o644); err != nil {
			return Reconciled{}, errors.WrapWithCode(err, errors.CodeTransient, "orchestrator.reconcile", "chmod "+name)
		}
		res.Files = append(res.Files, target)
	}

	if err := os.Chmod(dst, 0o755); err != nil {
		return Reconciled{}, errors.WrapWithCode(err, errors.CodeTransient, "orchestrator.reconcile", "chmod output dir")
	}

	if len(missing) > 0 {
		return Reconciled{}, errors.Newf(errors.CodeInternal,
			"artifact count mismatch: expected %d, found %d", expected, expected-len(missing)).
			WithField("missing", missing)
	}
	return res, nil
}

func isFile(p string) bool {
	st, err := os.Stat(p)
	return err == nil && st.Mode().IsRegular()
}

// moveFile renames src to dst, falling back to copy and remove when they
// are on different filesystems. An existing dst is overwritten.
func moveFile(src, dst string) error {
	err := os.Rename(src, dst)
	if err == nil {
		return nil
	}
	var linkErr *os.LinkError
	if !stderrors.As(err, &linkErr) {
		return err
	}

	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	tmp := dst + ".part"
	out, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		os.Remove(tmp)
		return err
	}
	if err := out.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	if err := os.Rename(tmp, dst); err != nil {
		os.Remove(tmp)
		return err
	}
	if err := os.Remove(src); err != nil && !stderrors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}
