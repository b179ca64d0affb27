package server

import (
	"context"

	"privacyvaults/vault-core/logging"
)

type RunningJob struct {
	stop   chan struct{}
	closed chan struct{}
}

func (job *RunningJob) RequestStop() {
	close(job.stop)
}

func (job *RunningJob) AwaitStop() {
	<-job.closed
}

func SpawnJob(start func(), shutdown func()) RunningJob {
	stop := make(chan struct{})
	closed := make(chan struct{})
	go func() {
		<-stop
		shutdown()
		close(closed)
	}()
	go start()
	return RunningJob{stop: stop, closed: closed}
}

// SpawnContextJob runs fn until it returns or the job is asked to stop, in
// which case fn's context is cancelled and the stop waits for fn to return.
func SpawnContextJob(label string, fn func(ctx context.Context) error) RunningJob {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	start := func() {
		defer close(done)
		if err := fn(ctx); err != nil {
			logging.Logger().Error().Err(err).Msgf("%s stopped", label)
		}
	}
	shutdown := func() {
		logging.Logger().Info().Msgf("shutting down %s", label)
		cancel()
		<-done
		logging.Logger().Info().Msgf("%s shut down", label)
	}
	return SpawnJob(start, shutdown)
}

func CombineJobs(jobs ...RunningJob) RunningJob {
	start := func() {}
	shutdown := func() {
		for _, job := range jobs {
			job.RequestStop()
		}
		for _, job := range jobs {
			job.AwaitStop()
		}
	}
	return SpawnJob(start, shutdown)
}
