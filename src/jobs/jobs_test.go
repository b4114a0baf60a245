package jobs

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestCancelAndWait(t *testing.T) {
	t.Run("finishes fast enough", func(t *testing.T) {
		testJobs := Jobs{
			slowToStop("fsck", 100*time.Millisecond),
			slowToStop("ingest", 200*time.Millisecond),
		}

		before := time.Now()
		unfinished := testJobs.CancelAndWait(time.Second)
		assert.WithinDuration(t, time.Now(), before, 500*time.Millisecond)
		assert.Empty(t, unfinished)
	})

	t.Run("reports unfinished jobs", func(t *testing.T) {
		testJobs := Jobs{
			slowToStop("fsck", 100*time.Millisecond),
			slowToStop("ingest", 10*time.Second),
		}

		unfinished := testJobs.CancelAndWait(time.Second)
		assert.Equal(t, []string{"ingest"}, unfinished)
	})
}

func TestGo(t *testing.T) {
	t.Run("finishes when the work returns", func(t *testing.T) {
		ran := make(chan struct{})
		job := Go(context.Background(), "quick", func(ctx context.Context) {
			close(ran)
		})
		<-ran
		select {
		case <-job.Finished():
		case <-time.After(time.Second):
			t.Fatal("job did not finish")
		}
	})

	t.Run("survives a panic", func(t *testing.T) {
		job := Go(context.Background(), "broken", func(ctx context.Context) {
			panic("oh no")
		})
		select {
		case <-job.Finished():
		case <-time.After(time.Second):
			t.Fatal("job did not finish")
		}
	})

	t.Run("parent cancellation reaches the job", func(t *testing.T) {
		parent, cancel := context.WithCancel(context.Background())
		job := Go(parent, "waiting", func(ctx context.Context) {
			<-ctx.Done()
		})
		cancel()
		select {
		case <-job.Finished():
		case <-time.After(time.Second):
			t.Fatal("job did not stop")
		}
	})
}

func slowToStop(name string, delay time.Duration) *Job {
	job := New(context.Background(), name)
	go func() {
		<-job.Canceled()
		time.Sleep(delay)
		job.Finish()
	}()
	return job
}
