package metrics

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"
)

type Registry struct {
	mu                   sync.RWMutex
	endpoint             map[string]*EndpointStat
	verdict              map[string]int64
	reason               map[string]int64
	gauges               map[string]float64
	sessionVerdictReason map[string]int64
	challengeStatus      map[string]int64
	sessionState         map[string]int64
	spotCheckTotal       int64
	deliveryLatency      DeliveryLatencyStat
	Histograms           *HistogramRegistry
}

type EndpointStat struct {
	Count          int64   `json:"count"`
	ErrorCount     int64   `json:"error_count"`
	TotalMillis    int64   `json:"total_millis"`
	MaxMillis      int64   `json:"max_millis"`
	AverageMillis  float64 `json:"average_millis"`
	LastStatusCode int     `json:"last_status_code"`
}

type DeliveryLatencyStat struct {
	Count   int64   `json:"count"`
	TotalMS int64   `json:"total_ms"`
	MaxMS   int64   `json:"max_ms"`
	LastMS  int64   `json:"last_ms"`
	AvgMS   float64 `json:"avg_ms"`
}

type Snapshot struct {
	GeneratedAt          string                  `json:"generated_at"`
	Endpoints            map[string]EndpointStat `json:"endpoints"`
	Verdicts             map[string]int64        `json:"verdicts"`
	Reasons              map[string]int64        `json:"reasons"`
	Gauges               map[string]float64      `json:"gauges"`
	SessionVerdictReason map[string]int64        `json:"session_verdict_reason"`
	ChallengeTotals      map[string]int64        `json:"challenge_totals"`
	SessionTotals        map[string]int64        `json:"session_totals"`
	SpotChecksTotal      int64                   `json:"spot_checks_total"`
	DeliveryLatencyMS    DeliveryLatencyStat     `json:"delivery_latency_ms"`
	Histograms           []HistogramSnapshot     `json:"histograms,omitempty"`
}

func NewRegistry() *Registry {
	return &Registry{
		endpoint:             map[string]*EndpointStat{},
		verdict:              map[string]int64{},
		reason:               map[string]int64{},
		gauges:               map[string]float64{},
		sessionVerdictReason: map[string]int64{},
		challengeStatus:      map[string]int64{},
		sessionState:         map[string]int64{},
		Histograms:           NewHistogramRegistry(),
	}
}

func (r *Registry) ObserveLatency(endpoint string, d time.Duration) {
	r.Histograms.ObserveDuration(endpoint, d)
}

func (r *Registry) Observe(path string, status int, d time.Duration) {
	millis := d.Milliseconds()
	r.mu.Lock()
	defer r.mu.Unlock()
	stat, ok := r.endpoint[path]
	if !ok {
		stat = &EndpointStat{}
		r.endpoint[path] = stat
	}
	stat.Count++
	if status >= 400 {
		stat.ErrorCount++
	}
	stat.TotalMillis += millis
	if millis > stat.MaxMillis {
		stat.MaxMillis = millis
	}
	stat.LastStatusCode = status
	stat.AverageMillis = float64(stat.TotalMillis) / float64(stat.Count)
}

// IncVerdictReason counts one concluded session under its verdict, its
// reason, and the verdict|reason pair.
func (r *Registry) IncVerdictReason(verdict, reason string) {
	verdict = strings.TrimSpace(verdict)
	reason = strings.TrimSpace(reason)
	if verdict == "" {
		return
	}
	if reason == "" {
		reason = "unknown"
	}
	key := verdict + "|" + reason
	r.mu.Lock()
	r.verdict[verdict]++
	r.reason[reason]++
	r.sessionVerdictReason[key]++
	r.mu.Unlock()
}

func (r *Registry) ObserveDeliveryLatency(d time.Duration) {
	ms := d.Milliseconds()
	if ms < 0 {
		ms = 0
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.deliveryLatency.Count++
	r.deliveryLatency.TotalMS += ms
	r.deliveryLatency.LastMS = ms
	if ms > r.deliveryLatency.MaxMS {
		r.deliveryLatency.MaxMS = ms
	}
	r.deliveryLatency.AvgMS = float64(r.deliveryLatency.TotalMS) / float64(r.deliveryLatency.Count)
}

func (r *Registry) IncChallengeStatus(status string) {
	status = strings.TrimSpace(strings.ToLower(status))
	if status == "" {
		return
	}
	r.mu.Lock()
	r.challengeStatus[status]++
	r.mu.Unlock()
}

func (r *Registry) AddSessionState(state string, delta int64) {
	state = strings.TrimSpace(strings.ToLower(state))
	if state == "" || delta <= 0 {
		return
	}
	r.mu.Lock()
	r.sessionState[state] += delta
	r.mu.Unlock()
}

func (r *Registry) IncSessionState(state string) {
	r.AddSessionState(state, 1)
}

func (r *Registry) IncSpotChecks() {
	r.mu.Lock()
	r.spotCheckTotal++
	r.mu.Unlock()
}

func (r *Registry) SetGauge(name string, value float64) {
	if name == "" {
		return
	}
	r.mu.Lock()
	r.gauges[name] = value
	r.mu.Unlock()
}

func (r *Registry) Snapshot() Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := Snapshot{
		GeneratedAt:          time.Now().UTC().Format(time.RFC3339),
		Endpoints:            make(map[string]EndpointStat, len(r.endpoint)),
		Verdicts:             make(map[string]int64, len(r.verdict)),
		Reasons:              make(map[string]int64, len(r.reason)),
		Gauges:               make(map[string]float64, len(r.gauges)),
		SessionVerdictReason: make(map[string]int64, len(r.sessionVerdictReason)),
		ChallengeTotals:      make(map[string]int64, len(r.challengeStatus)),
		SessionTotals:        make(map[string]int64, len(r.sessionState)),
		SpotChecksTotal:      r.spotCheckTotal,
		DeliveryLatencyMS: DeliveryLatencyStat{
			Count:   r.deliveryLatency.Count,
			TotalMS: r.deliveryLatency.TotalMS,
			MaxMS:   r.deliveryLatency.MaxMS,
			LastMS:  r.deliveryLatency.LastMS,
			AvgMS:   r.deliveryLatency.AvgMS,
		},
	}
	for k, v := range r.endpoint {
		out.Endpoints[k] = *v
	}
	for k, v := range r.verdict {
		out.Verdicts[k] = v
	}
	for k, v := range r.reason {
		out.Reasons[k] = v
	}
	for k, v := range r.gauges {
		out.Gauges[k] = v
	}
	for k, v := range r.sessionVerdictReason {
		out.SessionVerdictReason[k] = v
	}
	for k, v := range r.challengeStatus {
		out.ChallengeTotals[k] = v
	}
	for k, v := range r.sessionState {
		out.SessionTotals[k] = v
	}
	out.Histograms = r.Histograms.Snapshots()
	return out
}

func (r *Registry) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		snap := r.Snapshot()
		w.Header().Set("Content-Type", "application/json")
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		_ = enc.Encode(snap)
	}
}

func (r *Registry) PrometheusHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		snap := r.Snapshot()
		w.Header().Set("Content-Type", "text/plain; version=0.0.4")
		b := &strings.Builder{}
		b.WriteString("# HELP bottomfeed_endpoint_count total requests by endpoint\n")
		b.WriteString("# TYPE bottomfeed_endpoint_count counter\n")
		for _, ep := range SortedKeys(snap.Endpoints) {
			stat := snap.Endpoints[ep]
			fmt.Fprintf(b, "bottomfeed_endpoint_count{endpoint=%q} %d\n", ep, stat.Count)
		}
		b.WriteString("# HELP bottomfeed_endpoint_error_count total endpoint errors\n")
		b.WriteString("# TYPE bottomfeed_endpoint_error_count counter\n")
		for _, ep := range SortedKeys(snap.Endpoints) {
			stat := snap.Endpoints[ep]
			fmt.Fprintf(b, "bottomfeed_endpoint_error_count{endpoint=%q} %d\n", ep, stat.ErrorCount)
		}
		b.WriteString("# HELP bottomfeed_endpoint_avg_millis endpoint average latency in milliseconds\n")
		b.WriteString("# TYPE bottomfeed_endpoint_avg_millis gauge\n")
		for _, ep := range SortedKeys(snap.Endpoints) {
			stat := snap.Endpoints[ep]
			fmt.Fprintf(b, "bottomfeed_endpoint_avg_millis{endpoint=%q} %.3f\n", ep, stat.AverageMillis)
		}
		b.WriteString("# HELP bottomfeed_endpoint_total_millis endpoint total time in milliseconds\n")
		b.WriteString("# TYPE bottomfeed_endpoint_total_millis counter\n")
		for _, ep := range SortedKeys(snap.Endpoints) {
			stat := snap.Endpoints[ep]
			fmt.Fprintf(b, "bottomfeed_endpoint_total_millis{endpoint=%q} %d\n", ep, stat.TotalMillis)
		}
		b.WriteString("# HELP bottomfeed_endpoint_max_millis endpoint max latency in milliseconds\n")
		b.WriteString("# TYPE bottomfeed_endpoint_max_millis gauge\n")
		for _, ep := range SortedKeys(snap.Endpoints) {
			stat := snap.Endpoints[ep]
			fmt.Fprintf(b, "bottomfeed_endpoint_max_millis{endpoint=%q} %d\n", ep, stat.MaxMillis)
		}
		b.WriteString("# HELP bottomfeed_verdict_total total session verdicts\n")
		b.WriteString("# TYPE bottomfeed_verdict_total counter\n")
		for _, verdict := range SortedKeys(snap.Verdicts) {
			fmt.Fprintf(b, "bottomfeed_verdict_total{verdict=%q} %d\n", verdict, snap.Verdicts[verdict])
		}
		b.WriteString("# HELP bottomfeed_reason_total total verdicts by reason code\n")
		b.WriteString("# TYPE bottomfeed_reason_total counter\n")
		for _, reason := range SortedKeys(snap.Reasons) {
			fmt.Fprintf(b, "bottomfeed_reason_total{reason=%q} %d\n", reason, snap.Reasons[reason])
		}
		b.WriteString("# HELP bottomfeed_gauge operational gauge metrics\n")
		b.WriteString("# TYPE bottomfeed_gauge gauge\n")
		for _, name := range SortedKeys(snap.Gauges) {
			fmt.Fprintf(b, "bottomfeed_gauge{name=%q} %.3f\n", name, snap.Gauges[name])
		}
		for _, h := range snap.Histograms {
			b.WriteString("# HELP bottomfeed_latency_seconds latency histogram\n")
			b.WriteString("# TYPE bottomfeed_latency_seconds histogram\n")
			for _, bucket := range h.Buckets {
				fmt.Fprintf(b, "bottomfeed_latency_seconds_bucket{endpoint=%q,le=\"%.3f\"} %d\n", h.Name, bucket.Le, bucket.Count)
			}
			fmt.Fprintf(b, "bottomfeed_latency_seconds_bucket{endpoint=%q,le=\"+Inf\"} %d\n", h.Name, h.Count)
			fmt.Fprintf(b, "bottomfeed_latency_seconds_sum{endpoint=%q} %.6f\n", h.Name, h.Sum)
			fmt.Fprintf(b, "bottomfeed_latency_seconds_count{endpoint=%q} %d\n", h.Name, h.Count)
			fmt.Fprintf(b, "bottomfeed_latency_p50_seconds{endpoint=%q} %.6f\n", h.Name, h.P50)
			fmt.Fprintf(b, "bottomfeed_latency_p95_seconds{endpoint=%q} %.6f\n", h.Name, h.P95)
			fmt.Fprintf(b, "bottomfeed_latency_p99_seconds{endpoint=%q} %.6f\n", h.Name, h.P99)
		}

		b.WriteString("# HELP verification_verdict_total session verdicts by verdict and reason\n")
		b.WriteString("# TYPE verification_verdict_total counter\n")
		for _, key := range SortedKeys(snap.SessionVerdictReason) {
			parts := strings.SplitN(key, "|", 2)
			verdict := parts[0]
			reason := "unknown"
			if len(parts) == 2 {
				reason = parts[1]
			}
			fmt.Fprintf(b, "verification_verdict_total{verdict=%q,reason=%q} %d\n", verdict, reason, snap.SessionVerdictReason[key])
		}

		b.WriteString("# HELP verification_delivery_latency_ms webhook delivery latency in ms\n")
		b.WriteString("# TYPE verification_delivery_latency_ms gauge\n")
		fmt.Fprintf(b, "verification_delivery_latency_ms{stat=%q} %d\n", "last", snap.DeliveryLatencyMS.LastMS)
		fmt.Fprintf(b, "verification_delivery_latency_ms{stat=%q} %.3f\n", "avg", snap.DeliveryLatencyMS.AvgMS)
		fmt.Fprintf(b, "verification_delivery_latency_ms{stat=%q} %d\n", "max", snap.DeliveryLatencyMS.MaxMS)

		b.WriteString("# HELP verification_challenge_total challenge outcomes by status\n")
		b.WriteString("# TYPE verification_challenge_total counter\n")
		for _, status := range SortedKeys(snap.ChallengeTotals) {
			fmt.Fprintf(b, "verification_challenge_total{status=%q} %d\n", status, snap.ChallengeTotals[status])
		}

		b.WriteString("# HELP verification_session_total session transitions by state\n")
		b.WriteString("# TYPE verification_session_total counter\n")
		for _, state := range SortedKeys(snap.SessionTotals) {
			fmt.Fprintf(b, "verification_session_total{state=%q} %d\n", state, snap.SessionTotals[state])
		}

		b.WriteString("# HELP verification_spot_checks_total spot checks performed\n")
		b.WriteString("# TYPE verification_spot_checks_total counter\n")
		fmt.Fprintf(b, "verification_spot_checks_total %d\n", snap.SpotChecksTotal)

		_, _ = w.Write([]byte(b.String()))
	}
}

func SortedKeys[M ~map[string]V, V any](m M) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
