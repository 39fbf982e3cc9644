// Package windlass wires the scheduler's components into a runnable service.
package windlass

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"k8s.io/utils/clock"

	"github.com/windlassproject/windlass/internal/common"
	"github.com/windlassproject/windlass/internal/common/health"
	"github.com/windlassproject/windlass/internal/common/task"
	"github.com/windlassproject/windlass/internal/windlass/autoscaler"
	"github.com/windlassproject/windlass/internal/windlass/configuration"
	"github.com/windlassproject/windlass/internal/windlass/jobdb"
	"github.com/windlassproject/windlass/internal/windlass/metrics"
	"github.com/windlassproject/windlass/internal/windlass/pool"
	"github.com/windlassproject/windlass/internal/windlass/queue"
	"github.com/windlassproject/windlass/internal/windlass/quota"
	"github.com/windlassproject/windlass/internal/windlass/scheduler"
	"github.com/windlassproject/windlass/internal/windlass/server"
)

// Serve runs the scheduler service until ctx is cancelled or a component
// fails. The executor is the application hook that computes job payloads;
// everything else is opaque plumbing around it.
func Serve(
	ctx context.Context,
	config *configuration.WindlassConfig,
	healthChecks *health.MultiChecker,
	executor pool.ExecutorFunc,
) error {
	log.Info("Windlass scheduler starting")
	defer log.Info("Windlass scheduler shutting down")

	if err := config.Validate(); err != nil {
		configuration.LogValidationErrors(err)
		return err
	}

	// We call startupCheck.MarkComplete() once all services have been started.
	startupCheck := health.NewStartupCompleteChecker()
	healthChecks.Add(startupCheck)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, ctx := errgroup.WithContext(ctx)

	clk := clock.RealClock{}
	m := metrics.NewMetrics(prometheus.DefaultRegisterer)

	jobDb, err := jobdb.NewJobDb()
	if err != nil {
		return err
	}
	q := queue.NewPriorityQueue(config.Tiers)
	quotaTracker := quota.NewTracker(config.Tiers, clk)
	workerPool := pool.NewWorkerPool(config.Tiers, pool.NewInProcessRuntimeFactory(executor), clk)
	metrics.ExposeStateMetrics(q, workerPool)

	if err := workerPool.ProvisionEnterprise(ctx, config.EnterpriseTenants); err != nil {
		return err
	}

	sched := scheduler.New(jobDb, q, quotaTracker, workerPool, config.Tiers, config.Scheduler, m, clk)
	scaler := autoscaler.New(q, workerPool, config.Tiers, config.Autoscaler, m, clk)

	taskManager := task.NewBackgroundTaskManager(metrics.MetricPrefix)
	defer taskManager.StopAll(10 * time.Second)
	taskManager.Register(func() { scaler.Scale(ctx) }, config.Autoscaler.Interval, "autoscaler")
	taskManager.Register(func() { workerPool.ReapIdle(ctx, clk.Now()) }, config.Autoscaler.IdleReapInterval, "idle_reaper")

	g.Go(func() error { return sched.Run(ctx) })

	httpServer := server.New(sched, healthChecks)
	shutdownHTTP := common.ServeHttp(config.HttpPort, httpServer.Router())
	defer shutdownHTTP()

	startupCheck.MarkComplete()
	return g.Wait()
}
