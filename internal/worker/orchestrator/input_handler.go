package orchestrator

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"

	"storyclip/internal/jobs"
	"storyclip/internal/pkg/errors"
)

// resolveSource returns a local path to the job's source video, fetching
// remote sources into the job's input dir. A fetched source is reused on
// retry.
func (o *Orchestrator) resolveSource(ctx context.Context, jobID, locator string) (string, error) {
	switch {
	case strings.HasPrefix(locator, "http://"), strings.HasPrefix(locator, "https://"):
		return o.download(ctx, jobID, locator)

	case strings.HasPrefix(locator, jobs.StorageScheme):
		return o.fetchObject(ctx, jobID, strings.TrimPrefix(locator, jobs.StorageScheme))

	case filepath.IsAbs(locator):
		st, err := os.Stat(locator)
		if err != nil {
			if os.IsNotExist(err) {
				return "", errors.ValidationField("source", "source file not found: "+locator)
			}
			return "", errors.WrapWithCode(err, errors.CodeTransient, "orchestrator.input", "stat source")
		}
		if !st.Mode().IsRegular() {
			return "", errors.ValidationField("source", "source is not a regular file: "+locator)
		}
		return locator, nil
	}

	return "", errors.ValidationField("source", "unsupported source locator: "+locator)
}

func (o *Orchestrator) download(ctx context.Context, jobID, locator string) (string, error) {
	u, err := url.Parse(locator)
	if err != nil {
		return "", errors.ValidationField("source", "invalid source url")
	}
	dst := filepath.Join(o.ws.InputDir(jobID), "source"+sourceExt(u.Path))
	if isFile(dst) {
		return dst, nil
	}

	if o.downloadTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, o.downloadTimeout)
		defer cancel()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, locator, nil)
	if err != nil {
		return "", errors.ValidationField("source", "invalid source url")
	}
	res, err := o.http.Do(req)
	if err != nil {
		return "", errors.WrapWithCode(err, errors.CodeTransient, "orchestrator.download", "source download failed")
	}
	defer res.Body.Close()

	switch {
	case res.StatusCode >= 500 || res.StatusCode == http.StatusTooManyRequests:
		return "", errors.Transientf("source download returned %d", res.StatusCode)
	case res.StatusCode >= 400:
		return "", errors.ValidationField("source", fmt.Sprintf("source download returned %d", res.StatusCode))
	}

	if err := writeFile(dst, res.Body); err != nil {
		return "", errors.WrapWithCode(err, errors.CodeTransient, "orchestrator.download", "save source")
	}
	return dst, nil
}

func (o *Orchestrator) fetchObject(ctx context.Context, jobID, key string) (string, error) {
	if o.storage == nil {
		return "", errors.ValidationField("source", "no storage provider configured")
	}
	dst := filepath.Join(o.ws.InputDir(jobID), "source"+sourceExt(key))
	if isFile(dst) {
		return dst, nil
	}

	rc, _, _, err := o.storage.GetObject(ctx, key)
	if err != nil {
		if errors.IsNotFound(err) || errors.IsValidation(err) {
			return "", errors.ValidationField("source", "source object not found: "+key)
		}
		return "", errors.Wrap(err, "orchestrator.input", "read source object")
	}
	defer rc.Close()

	if err := writeFile(dst, rc); err != nil {
		return "", errors.WrapWithCode(err, errors.CodeTransient, "orchestrator.input", "save source")
	}
	return dst, nil
}

// writeFile streams r into dst through a temp file in the same dir.
func writeFile(dst string, r io.Reader) error {
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(dst), ".fetch-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	if _, err := io.Copy(tmp, r); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), dst)
}

func sourceExt(p string) string {
	ext := strings.ToLower(path.Ext(p))
	if ext == "" || len(ext) > 6 {
		return ".mp4"
	}
	return ext
}
