package orchestrator

import (
	"context"
	"sync"

	"github.com/hashicorp/go-multierror"
	"github.com/sirupsen/logrus"
)

// defaultConcurrency bounds how many servers run at once, most of a run is
// waiting on BMC job queues so a small pool is plenty.
const defaultConcurrency = 4

// ServerRun is one server's orchestration plan in a fleet run.
type ServerRun struct {
	ServerID string
	Plan     *Orchestrator

	// DryRun limits the run to the discover phase.
	DryRun bool
}

// ServerReport is one server's outcome in a fleet run.
type ServerReport struct {
	ServerID string  `json:"server_id"`
	Report   *Report `json:"report"`
	Err      string  `json:"error,omitempty"`
}

// FanOut runs every server plan concurrently, bounded by concurrency. A
// failed server never stops the others, all errors are accumulated.
func FanOut(ctx context.Context, runs []ServerRun, concurrency int, logger *logrus.Entry) ([]ServerReport, error) {
	if concurrency <= 0 {
		concurrency = defaultConcurrency
	}

	var (
		wg sync.WaitGroup
		mu sync.Mutex
	)

	limiter := make(chan struct{}, concurrency)
	reports := make([]ServerReport, len(runs))

	var runErr *multierror.Error

	for idx, run := range runs {
		wg.Add(1)

		go func(idx int, run ServerRun) {
			defer wg.Done()

			limiter <- struct{}{}
			defer func() { <-limiter }()

			logger.WithField("serverID", run.ServerID).Info("server run starting")

			var (
				report *Report
				err    error
			)

			if run.DryRun {
				report, err = run.Plan.DryRun(ctx)
			} else {
				report, err = run.Plan.Run(ctx)
			}

			serverReport := ServerReport{ServerID: run.ServerID, Report: report}
			if err != nil {
				serverReport.Err = err.Error()
			}

			mu.Lock()
			reports[idx] = serverReport

			if err != nil {
				runErr = multierror.Append(runErr, err)
			}
			mu.Unlock()

			logger.WithFields(logrus.Fields{
				"serverID": run.ServerID,
				"success":  report.Success,
			}).Info("server run finished")
		}(idx, run)
	}

	wg.Wait()

	return reports, runErr.ErrorOrNil()
}
