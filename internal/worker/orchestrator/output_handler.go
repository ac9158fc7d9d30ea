package orchestrator

import (
	"context"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"

	"storyclip/internal/jobs"
	"storyclip/internal/pkg/errors"
	"storyclip/internal/ports"
	"storyclip/internal/storage"
)

// registerArtifacts turns reconciled files into artifacts. Files already
// under a local provider's root are linked in place; any other provider
// gets an upload and the local copy is dropped.
func (o *Orchestrator) registerArtifacts(ctx context.Context, jobID string, files []string, segs []jobs.Segment) ([]jobs.Artifact, error) {
	out := make([]jobs.Artifact, 0, len(files))

	for i, file := range files {
		index := i + 1
		st, err := os.Stat(file)
		if err != nil {
			return nil, errors.WrapWithCode(err, errors.CodeInternal, "orchestrator.outputs", "stat "+filepath.Base(file))
		}

		art := jobs.Artifact{
			ID:        jobs.ArtifactID(index),
			SizeBytes: st.Size(),
			Index:     index,
		}
		if i < len(segs) {
			art.DurationSeconds = segs[i].Duration()
		}

		if key, ok := o.localKey(file); ok {
			art.ObjectKey = key
			art.Provider = o.storage.Provider()
			art.Locator = storage.PublicURL(o.publicBaseURL, key)
		} else {
			key, err := o.upload(ctx, jobID, file, st.Size())
			if err != nil {
				return nil, err
			}
			art.ObjectKey = key
			art.Provider = o.storage.Provider()
			art.Locator = o.contentURL(jobID, art.ID)
		}
		out = append(out, art)
	}
	return out, nil
}

// localKey returns the object key of file when the provider serves it in place.
func (o *Orchestrator) localKey(file string) (string, bool) {
	local, ok := storage.AsLocal(o.storage)
	if !ok {
		return "", false
	}
	rel, err := filepath.Rel(local.Root(), file)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", false
	}
	return filepath.ToSlash(rel), true
}

func (o *Orchestrator) upload(ctx context.Context, jobID, file string, size int64) (string, error) {
	f, err := os.Open(file)
	if err != nil {
		return "", errors.WrapWithCode(err, errors.CodeInternal, "orchestrator.outputs", "open clip")
	}
	defer f.Close()

	res, err := o.storage.PutObject(ctx, ports.PutObjectInput{
		ObjectKey:   path.Join("outputs", jobID, filepath.Base(file)),
		ContentType: "video/mp4",
		Reader:      f,
		Size:        size,
	})
	if err != nil {
		return "", errors.Wrap(err, "orchestrator.outputs", "upload "+filepath.Base(file))
	}
	_ = os.Remove(file)
	return res.ObjectKey, nil
}

func (o *Orchestrator) contentURL(jobID, artifactID string) string {
	return fmt.Sprintf("%s/jobs/%s/artifacts/%s/content", strings.TrimRight(o.apiBaseURL, "/"), jobID, artifactID)
}
