/*
Package jobs runs background work, such as the periodic fsck, in a way that can be canceled and waited on during shutdown. A Job pairs a
cancelable context, carrying a logger tagged with the job's name, with a
channel that closes once the work has actually stopped.
*/
package jobs

import (
	"context"
	"time"

	"git.handmade.network/hmn/heapkeeper/src/logging"
	"github.com/rs/zerolog"
)

type Job struct {
	Name   string
	Ctx    context.Context
	Logger zerolog.Logger
	cancel func()
	done   chan struct{}
}

// Creates a job whose context is canceled when parent is, or when Cancel is
// called. The caller is responsible for calling Finish.
func New(parent context.Context, name string) *Job {
	logger := logging.ExtractLogger(parent).With().Str("job", name).Logger()
	ctx, cancel := context.WithCancel(parent)
	ctx = logging.AttachLoggerToContext(&logger, ctx)
	return &Job{
		Name:   name,
		Ctx:    ctx,
		Logger: logger,
		cancel: cancel,
		done:   make(chan struct{}),
	}
}

// Starts work in a goroutine and finishes the job when it returns. Panics are
// logged rather than taking the process down.
func Go(parent context.Context, name string, work func(ctx context.Context)) *Job {
	job := New(parent, name)
	go func() {
		defer job.Finish()
		defer logging.LogPanics(&job.Logger)
		work(job.Ctx)
	}()
	return job
}

// Asks the job to stop. Called from outside the job.
func (j *Job) Cancel() {
	j.cancel()
}

func (j *Job) Canceled() <-chan struct{} {
	return j.Ctx.Done()
}

// Marks the work as done. Called by the job itself, exactly once.
func (j *Job) Finish() *Job {
	close(j.done)
	j.cancel()
	return j
}

func (j *Job) Finished() <-chan struct{} {
	return j.done
}

type Jobs []*Job

/*
Cancels every job and waits for them to finish, giving up after timeout.
Returns the names of the jobs that were still running at that point.
*/
func (jobs Jobs) CancelAndWait(timeout time.Duration) []string {
	for _, job := range jobs {
		job.Cancel()
	}

	allDone := make(chan struct{})
	go func() {
		for _, job := range jobs {
			<-job.Finished()
		}
		close(allDone)
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-timer.C:
		return jobs.ListUnfinished()
	case <-allDone:
		return nil
	}
}

func (jobs Jobs) ListUnfinished() []string {
	unfinished := []string{}
	for _, job := range jobs {
		select {
		case <-job.Finished():
		default:
			unfinished = append(unfinished, job.Name)
		}
	}
	return unfinished
}
