// ============================================================================
// tilebreeder Metrics - Prometheus instrumentation
// ============================================================================
//
// Package: internal/metrics
// File: metrics.go
// Purpose: Counters, gauges and histograms for one node, fed by the breeder
//          and its jobs, exposed on /metrics.
//
// Metrics:
//
//   Counters:
//     - tilebreeder_jobs_created_total{type}          jobs this node originated
//     - tilebreeder_allocation_failures_total         CreateJob calls that left no job
//     - tilebreeder_descriptors_observed_total        jobs created from other nodes' descriptors
//     - tilebreeder_tasks_created_total{type}
//     - tilebreeder_task_creation_failures_total{type} tasks created DEAD
//     - tilebreeder_tasks_finished_total{state}
//     - tilebreeder_terminate_requests_total          terminate broadcasts received
//     - tilebreeder_member_events_total{event}        JOINED, LEFT or REJOINED after lease loss
//     - tilebreeder_remote_unreachable_total{member}  status requests answered with DEAD
//
//   Histogram:
//     - tilebreeder_status_fanout_seconds             originator status scatter/gather
//
//   Gauge:
//     - tilebreeder_jobs_registered                   jobs in this node's registry
//
// Example queries:
//
//   # share of status requests that hit an unreachable member
//   sum(rate(tilebreeder_remote_unreachable_total[5m])) / rate(tilebreeder_status_fanout_seconds_count[5m])
//
//   # 95th percentile status latency
//   histogram_quantile(0.95, rate(tilebreeder_status_fanout_seconds_bucket[5m]))
//
// ============================================================================

package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ChuLiYu/tilebreeder/internal/fabric"
	"github.com/ChuLiYu/tilebreeder/pkg/types"
)

const namespace = "tilebreeder"

// Collector holds the node's metrics. It implements breeder.Recorder.
type Collector struct {
	jobsCreated         *prometheus.CounterVec
	allocationFailures  prometheus.Counter
	descriptorsObserved prometheus.Counter
	tasksCreated        *prometheus.CounterVec
	taskCreationFailed  *prometheus.CounterVec
	tasksFinished       *prometheus.CounterVec
	terminateRequests   prometheus.Counter
	memberEvents        *prometheus.CounterVec
	remoteUnreachable   *prometheus.CounterVec

	statusFanout prometheus.Histogram

	jobsRegistered prometheus.Gauge
}

// NewCollector creates the metrics and registers them on reg.
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		jobsCreated: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_created_total",
			Help:      "Jobs originated by this node.",
		}, []string{"type"}),
		allocationFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "allocation_failures_total",
			Help:      "Job creations that failed to allocate an id or publish the descriptor.",
		}),
		descriptorsObserved: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "descriptors_observed_total",
			Help:      "Job descriptors applied on this node for the first time.",
		}),
		tasksCreated: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tasks_created_total",
			Help:      "Local tasks created.",
		}, []string{"type"}),
		taskCreationFailed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "task_creation_failures_total",
			Help:      "Local tasks created DEAD because their work could not be built.",
		}, []string{"type"}),
		tasksFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tasks_finished_total",
			Help:      "Local tasks that returned from a worker, by final state.",
		}, []string{"state"}),
		terminateRequests: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "terminate_requests_total",
			Help:      "Terminate broadcasts received.",
		}),
		memberEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "member_events_total",
			Help:      "Cluster membership changes seen by this node.",
		}, []string{"event"}),
		remoteUnreachable: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "remote_unreachable_total",
			Help:      "Status requests whose member was counted DEAD.",
		}, []string{"member"}),
		statusFanout: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "status_fanout_seconds",
			Help:      "Time to gather a job status from every member.",
			Buckets:   prometheus.DefBuckets,
		}),
		jobsRegistered: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "jobs_registered",
			Help:      "Jobs currently registered on this node.",
		}),
	}

	reg.MustRegister(
		c.jobsCreated,
		c.allocationFailures,
		c.descriptorsObserved,
		c.tasksCreated,
		c.taskCreationFailed,
		c.tasksFinished,
		c.terminateRequests,
		c.memberEvents,
		c.remoteUnreachable,
		c.statusFanout,
		c.jobsRegistered,
	)
	return c
}

func (c *Collector) JobCreated(op types.OperationType) {
	c.jobsCreated.WithLabelValues(string(op)).Inc()
}

func (c *Collector) AllocationFailed() { c.allocationFailures.Inc() }

func (c *Collector) DescriptorObserved() { c.descriptorsObserved.Inc() }

func (c *Collector) TasksCreated(op types.OperationType, n int) {
	c.tasksCreated.WithLabelValues(string(op)).Add(float64(n))
}

func (c *Collector) TaskCreationFailed(op types.OperationType) {
	c.taskCreationFailed.WithLabelValues(string(op)).Inc()
}

func (c *Collector) TaskFinished(state types.TaskState) {
	c.tasksFinished.WithLabelValues(string(state)).Inc()
}

func (c *Collector) TerminateReceived() { c.terminateRequests.Inc() }

func (c *Collector) MemberChanged(ev fabric.MemberEventType) {
	c.memberEvents.WithLabelValues(ev.String()).Inc()
}

// MemberRejoined counts this node registering again after its lease was lost.
func (c *Collector) MemberRejoined() {
	c.memberEvents.WithLabelValues("REJOINED").Inc()
}

func (c *Collector) JobsRegistered(n int) { c.jobsRegistered.Set(float64(n)) }

func (c *Collector) StatusFanout(d time.Duration) { c.statusFanout.Observe(d.Seconds()) }

func (c *Collector) RemoteUnreachable(node types.NodeID) {
	c.remoteUnreachable.WithLabelValues(string(node)).Inc()
}

// Handler serves the metrics gathered by g.
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

// Serve exposes /metrics on addr until ctx is done.
func Serve(ctx context.Context, addr string, g prometheus.Gatherer) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler(g))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	}
}
