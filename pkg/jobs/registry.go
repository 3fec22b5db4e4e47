package jobs

import "github.com/flowtree/flowtree/pkg/job"

// DefaultRegistry returns a codec registry with every built-in job and
// factory type bound. Callers embedding their own job types should register
// them on the returned value before wiring it into a server.
func DefaultRegistry() *job.Registry {
	r := job.NewRegistry()

	r.RegisterJob(SleepJobType, func() job.Job {
		return &SleepJob{completion: job.NewCompletion()}
	})
	r.RegisterJob(CommandJobType, func() job.Job {
		return &CommandJob{completion: job.NewCompletion()}
	})

	r.RegisterFactory(SleepFactoryType, func() job.Factory {
		return &SleepFactory{priority: 1.0}
	})
	r.RegisterFactory(CommandFactoryType, func() job.Factory {
		return &CommandFactory{priority: 1.0}
	})

	return r
}
