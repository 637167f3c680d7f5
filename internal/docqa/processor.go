package docqa

import (
	"context"
	"os"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

const finishTimeout = 10 * time.Second

// FileAsker answers a question about a document already on disk.
type FileAsker interface {
	AskFile(ctx context.Context, path, question string) (string, error)
}

// Processor runs queued jobs to completion.
type Processor struct {
	Repo  *Repo
	Asker FileAsker
}

// Handle runs one job. A job that is no longer queued is skipped. Processing
// failures are recorded on the job and are not returned; the returned error
// means the job state itself could not be read or written.
//
// Once claimed, the terminal state is written even if ctx is cancelled while
// the document is being processed, so a job never stays running.
func (p *Processor) Handle(ctx context.Context, jobID string) error {
	start := time.Now()

	claimed, err := p.Repo.UpdateJobStatusRunning(ctx, jobID)
	if err != nil {
		return errors.Wrap(err, "claim job")
	}
	j, err := p.Repo.GetJobByID(context.WithoutCancel(ctx), jobID)
	if err != nil {
		return errors.Wrap(err, "load job")
	}
	if !claimed {
		log.Info().Str("job_id", jobID).Str("status", string(j.Status)).Msg("job not queued, skipping")
		return nil
	}
	defer func() {
		if err := os.Remove(j.DocumentPath); err != nil && !os.IsNotExist(err) {
			log.Warn().Err(err).Str("job_id", jobID).Str("path", j.DocumentPath).Msg("remove job document")
		}
	}()

	answer, askErr := p.Asker.AskFile(ctx, j.DocumentPath, j.Question)
	finishCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), finishTimeout)
	defer cancel()
	if askErr != nil {
		log.Warn().Err(askErr).Str("job_id", jobID).Dur("cost", time.Since(start)).Msg("job failed")
		return errors.Wrap(p.Repo.MarkJobFailed(finishCtx, jobID, askErr.Error()), "mark job failed")
	}
	if err := p.Repo.MarkJobSucceeded(finishCtx, jobID, answer); err != nil {
		return errors.Wrap(err, "mark job succeeded")
	}
	log.Info().Str("job_id", jobID).Dur("cost", time.Since(start)).Msg("job succeeded")
	return nil
}
