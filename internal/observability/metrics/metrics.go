package metrics

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"
)

type executionKey struct {
	actionType string
	outcome    string
}

type relayKey struct {
	tier    string
	outcome string
}

type histogram struct {
	buckets []float64
	counts  []uint64
	sum     float64
	count   uint64
}

type collector struct {
	mu         sync.Mutex
	executions map[executionKey]uint64
	relays     map[relayKey]uint64
	duration   map[string]*histogram
	// breakerOpen is 1 while the gas circuit breaker refuses relays.
	breakerOpen uint64
}

var governanceCollector = &collector{
	executions: make(map[executionKey]uint64),
	relays:     make(map[relayKey]uint64),
	duration:   make(map[string]*histogram),
}

// ObserveExecution records the outcome of a single action execution attempt.
// Outcome is one of completed, failed, rejected.
func ObserveExecution(actionType, outcome string, duration time.Duration) {
	governanceCollector.observeExecution(actionType, outcome, duration)
}

// ObserveRelay records a relay admission decision.
// Outcome is one of admitted, cap_exceeded, circuit_open, charge_failed.
func ObserveRelay(tier int, outcome string) {
	governanceCollector.observeRelay(tier, outcome)
}

// SetBreakerOpen flips the circuit breaker state gauge.
func SetBreakerOpen(open bool) {
	governanceCollector.mu.Lock()
	defer governanceCollector.mu.Unlock()
	if open {
		governanceCollector.breakerOpen = 1
	} else {
		governanceCollector.breakerOpen = 0
	}
}

func (c *collector) observeExecution(actionType, outcome string, duration time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.executions[executionKey{actionType: actionType, outcome: outcome}]++

	hist := c.duration[actionType]
	if hist == nil {
		hist = newHistogram()
		c.duration[actionType] = hist
	}
	hist.observe(duration.Seconds())
}

func (c *collector) observeRelay(tier int, outcome string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.relays[relayKey{tier: strconv.Itoa(tier), outcome: outcome}]++
}

func newHistogram() *histogram {
	buckets := []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30}
	return &histogram{
		buckets: buckets,
		counts:  make([]uint64, len(buckets)),
	}
}

func (h *histogram) observe(value float64) {
	h.count++
	h.sum += value
	for idx, bound := range h.buckets {
		if value <= bound {
			for i := idx; i < len(h.counts); i++ {
				h.counts[i]++
			}
			break
		}
	}
}

// Handler exposes the metrics in Prometheus text exposition format.
func Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4")
		_, _ = fmt.Fprint(w, governanceCollector.render())
	})
}

func (c *collector) render() string {
	c.mu.Lock()
	defer c.mu.Unlock()

	type executionMetric struct {
		executionKey
		value uint64
	}
	type relayMetric struct {
		relayKey
		value uint64
	}
	type durationMetric struct {
		actionType string
		buckets    []float64
		counts     []uint64
		sum        float64
		count      uint64
	}

	execs := make([]executionMetric, 0, len(c.executions))
	for key, value := range c.executions {
		execs = append(execs, executionMetric{executionKey: key, value: value})
	}
	relays := make([]relayMetric, 0, len(c.relays))
	for key, value := range c.relays {
		relays = append(relays, relayMetric{relayKey: key, value: value})
	}
	durations := make([]durationMetric, 0, len(c.duration))
	for actionType, hist := range c.duration {
		durations = append(durations, durationMetric{
			actionType: actionType,
			buckets:    append([]float64(nil), hist.buckets...),
			counts:     append([]uint64(nil), hist.counts...),
			sum:        hist.sum,
			count:      hist.count,
		})
	}

	sort.Slice(execs, func(i, j int) bool {
		if execs[i].actionType == execs[j].actionType {
			return execs[i].outcome < execs[j].outcome
		}
		return execs[i].actionType < execs[j].actionType
	})
	sort.Slice(relays, func(i, j int) bool {
		if relays[i].tier == relays[j].tier {
			return relays[i].outcome < relays[j].outcome
		}
		return relays[i].tier < relays[j].tier
	})
	sort.Slice(durations, func(i, j int) bool {
		return durations[i].actionType < durations[j].actionType
	})

	var builder strings.Builder
	builder.Grow(1024)

	builder.WriteString("# HELP nookplot_action_executions_total Total action execution attempts by outcome.\n")
	builder.WriteString("# TYPE nookplot_action_executions_total counter\n")
	for _, metric := range execs {
		builder.WriteString(fmt.Sprintf("nookplot_action_executions_total{action_type=\"%s\",outcome=\"%s\"} %d\n",
			escape(metric.actionType), escape(metric.outcome), metric.value))
	}

	builder.WriteString("# HELP nookplot_relays_total Total relay admission decisions by tier and outcome.\n")
	builder.WriteString("# TYPE nookplot_relays_total counter\n")
	for _, metric := range relays {
		builder.WriteString(fmt.Sprintf("nookplot_relays_total{tier=\"%s\",outcome=\"%s\"} %d\n",
			escape(metric.tier), escape(metric.outcome), metric.value))
	}

	builder.WriteString("# HELP nookplot_gas_breaker_open Whether the gas circuit breaker currently refuses relays.\n")
	builder.WriteString("# TYPE nookplot_gas_breaker_open gauge\n")
	builder.WriteString(fmt.Sprintf("nookplot_gas_breaker_open %d\n", c.breakerOpen))

	builder.WriteString("# HELP nookplot_action_duration_seconds Action handler duration in seconds.\n")
	builder.WriteString("# TYPE nookplot_action_duration_seconds histogram\n")
	for _, metric := range durations {
		for idx, bound := range metric.buckets {
			builder.WriteString(fmt.Sprintf("nookplot_action_duration_seconds_bucket{action_type=\"%s\",le=\"%s\"} %d\n",
				escape(metric.actionType), formatFloat(bound), metric.counts[idx]))
		}
		builder.WriteString(fmt.Sprintf("nookplot_action_duration_seconds_bucket{action_type=\"%s\",le=\"+Inf\"} %d\n",
			escape(metric.actionType), metric.count))
		builder.WriteString(fmt.Sprintf("nookplot_action_duration_seconds_sum{action_type=\"%s\"} %s\n",
			escape(metric.actionType), formatFloat(metric.sum)))
		builder.WriteString(fmt.Sprintf("nookplot_action_duration_seconds_count{action_type=\"%s\"} %d\n",
			escape(metric.actionType), metric.count))
	}

	return builder.String()
}

func escape(value string) string {
	value = strings.ReplaceAll(value, "\\", "\\\\")
	value = strings.ReplaceAll(value, "\"", "\\\"")
	value = strings.ReplaceAll(value, "\n", "")
	return value
}

func formatFloat(value float64) string {
	return strconv.FormatFloat(value, 'f', -1, 64)
}

// StartServer launches a standalone HTTP server exposing the /metrics endpoint.
func StartServer(ctx context.Context, addr string) error {
	if addr == "" {
		return errors.New("metrics address is empty")
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler())

	srv := &http.Server{Addr: addr, Handler: mux}
	errCh := make(chan error, 1)
	go func() {
		defer close(errCh)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		return ctx.Err()
	case err, ok := <-errCh:
		if !ok {
			return nil
		}
		return err
	}
}
