// Package metrics holds the process-wide Prometheus registry for the
// control plane, grounded on the teacher's per-package metrics files
// (internal/backend/firecracker/metrics.go, internal/api/metrics.go) but
// consolidated into one place since every component here (pool, channel,
// agent, rate limiter, resource guard) shares a single daemon process.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Workload/tool-call status label values.
const (
	StatusCompleted = "completed"
	StatusFailed    = "failed"
	StatusTimeout   = "timeout"
	StatusThrottled = "throttled"
)

var (
	// VMBootSeconds records spawn → tunnel-socket-ready latency (spec.md §4.1).
	VMBootSeconds = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "neurovisor_vm_boot_seconds",
		Help:    "Duration from hypervisor spawn to guest tunnel socket ready, in seconds.",
		Buckets: prometheus.DefBuckets,
	})

	// PoolWarmVMs is the current count of warm (idle, pre-booted) handles.
	PoolWarmVMs = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "neurovisor_pool_warm_vms",
		Help: "Number of warm microVMs currently parked in the pool.",
	})

	// PoolActiveVMs is the current count of handles on loan to a session.
	PoolActiveVMs = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "neurovisor_pool_active_vms",
		Help: "Number of microVMs currently on loan to a session.",
	})

	// PoolAcquireSeconds records pool.acquire() latency (spec.md §4.2).
	PoolAcquireSeconds = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "neurovisor_pool_acquire_seconds",
		Help:    "Time spent in pool.acquire(), in seconds.",
		Buckets: prometheus.DefBuckets,
	})

	// PoolReplenishFailuresTotal counts handle-creation failures observed by the replenisher.
	PoolReplenishFailuresTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "neurovisor_pool_replenish_failures_total",
		Help: "Total microVM creation failures observed by the pool replenisher.",
	})

	// ChannelHandshakeSeconds records CONNECT/OK handshake latency (spec.md §4.3).
	ChannelHandshakeSeconds = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "neurovisor_channel_handshake_seconds",
		Help:    "Duration of the host<->guest CONNECT/OK handshake, in seconds.",
		Buckets: prometheus.DefBuckets,
	})

	// ExecutionsTotal counts completed tool-call executions by outcome.
	ExecutionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "neurovisor_executions_total",
		Help: "Total tool-call executions, by language and outcome.",
	}, []string{"language", "status"})

	// ExecutionSeconds records the host-measured round trip of each
	// tool-call Execute RPC to the guest.
	ExecutionSeconds = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "neurovisor_execution_seconds",
		Help:    "Host-measured tool-call execution round-trip duration, in seconds.",
		Buckets: prometheus.DefBuckets,
	}, []string{"language"})

	// AgentIterationsTotal records how many chat round trips each session took.
	AgentIterationsTotal = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "neurovisor_agent_iterations",
		Help:    "Number of chat<->tool-execution iterations per session.",
		Buckets: []float64{1, 2, 3, 4, 5, 7, 10},
	})

	// RateLimiterThrottledTotal counts requests rejected by the admission limiter.
	RateLimiterThrottledTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "neurovisor_ratelimiter_throttled_total",
		Help: "Total requests rejected by the token-bucket rate limiter.",
	})

	// ResourceGuardMemoryBytes is the current memory usage reported per VM's cgroup.
	ResourceGuardMemoryBytes = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "neurovisor_resource_guard_memory_bytes",
		Help: "Current memory usage of the resource group for a VM.",
	}, []string{"vm_id"})

	// ResourceGuardThrottledPeriodsTotal counts CPU-throttled accounting periods per VM.
	ResourceGuardThrottledPeriodsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "neurovisor_resource_guard_throttled_periods_total",
		Help: "Total CPU-throttled accounting periods for a VM's resource group.",
	}, []string{"vm_id"})

	// ChatRequestSeconds records chat endpoint round-trip latency (spec.md §4.7).
	ChatRequestSeconds = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "neurovisor_chat_request_seconds",
		Help:    "Duration of chat endpoint round trips, in seconds.",
		Buckets: prometheus.DefBuckets,
	})

	// ChatErrorsTotal counts chat endpoint failures.
	ChatErrorsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "neurovisor_chat_errors_total",
		Help: "Total chat endpoint transport/HTTP failures.",
	})
)

func init() {
	prometheus.MustRegister(
		VMBootSeconds,
		PoolWarmVMs,
		PoolActiveVMs,
		PoolAcquireSeconds,
		PoolReplenishFailuresTotal,
		ChannelHandshakeSeconds,
		ExecutionsTotal,
		ExecutionSeconds,
		AgentIterationsTotal,
		RateLimiterThrottledTotal,
		ResourceGuardMemoryBytes,
		ResourceGuardThrottledPeriodsTotal,
		ChatRequestSeconds,
		ChatErrorsTotal,
	)
}
