package orchestrator

import (
	"os"

	"storyclip/internal/jobs"
	"storyclip/internal/pkg/logger"
)

// cleanup runs after every attempt. Scratch goes; input/ stays for a retry
// unless the job asked to discard its source and no retry follows.
func (o *Orchestrator) cleanup(job *jobs.Job, final bool, log *logger.Logger) {
	if err := o.ws.Scrub(job.ID); err != nil {
		log.Warn("scrub work dir failed", "error", err.Error())
	}
	if !final || !job.Input.DiscardSource {
		return
	}

	if err := o.ws.Discard(job.ID); err != nil {
		log.Warn("discard input failed", "error", err.Error())
	}
	src := job.Input.SourceLocator
	if o.ws.IsUpload(src) {
		if err := os.Remove(src); err != nil && !os.IsNotExist(err) {
			log.Warn("remove uploaded source failed", "error", err.Error())
		} else {
			log.Debug("uploaded source removed", "path", src)
		}
	}
}
