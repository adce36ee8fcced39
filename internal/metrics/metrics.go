package metrics

import (
	"net/http"
	"strconv"
	"sync"
	"time"
)

// Collector tracks authentication flow metrics for Prometheus-compatible export
type Collector struct {
	mu sync.RWMutex

	// HTTP metrics
	requestsTotal    map[string]int64          // key: path|method|status
	requestDurations map[string]*HistogramData // key: path

	// SSO flow counters
	loginRedirects   int64
	ssoAttempts      int64
	ssoSuccesses     int64
	ssoFailures      map[string]int64 // key: failure reason
	metadataRequests int64
	throttled        int64

	// Response validation latency
	validateDuration *HistogramData

	// IdP metadata refresh outcomes: "success" or "failure"
	metadataRefreshes map[string]int64
	lastRefreshUnix   int64
}

// HistogramData stores histogram-like data for durations
type HistogramData struct {
	Count   int64
	Sum     float64
	Buckets map[float64]int64 // upper bound -> count
}

// DefaultBuckets are default histogram buckets in seconds
var DefaultBuckets = []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0}

func newHistogram() *HistogramData {
	hd := &HistogramData{
		Buckets: make(map[float64]int64),
	}
	for _, b := range DefaultBuckets {
		hd.Buckets[b] = 0
	}
	return hd
}

func (hd *HistogramData) observe(d time.Duration) {
	secs := d.Seconds()
	hd.Count++
	hd.Sum += secs
	for _, bound := range DefaultBuckets {
		if secs <= bound {
			hd.Buckets[bound]++
		}
	}
}

// NewCollector creates a new metrics collector
func NewCollector() *Collector {
	return &Collector{
		requestsTotal:     make(map[string]int64),
		requestDurations:  make(map[string]*HistogramData),
		ssoFailures:       make(map[string]int64),
		validateDuration:  newHistogram(),
		metadataRefreshes: make(map[string]int64),
	}
}

// RecordRequest records a completed HTTP request
func (c *Collector) RecordRequest(path, method string, statusCode int, duration time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	key := path + "|" + method + "|" + strconv.Itoa(statusCode)
	c.requestsTotal[key]++

	hd, ok := c.requestDurations[path]
	if !ok {
		hd = newHistogram()
		c.requestDurations[path] = hd
	}
	hd.observe(duration)
}

// RecordLoginRedirect records one issued AuthnRequest redirect
func (c *Collector) RecordLoginRedirect() {
	c.mu.Lock()
	c.loginRedirects++
	c.mu.Unlock()
}

// RecordSSOAttempt records one SAMLResponse received for validation
func (c *Collector) RecordSSOAttempt() {
	c.mu.Lock()
	c.ssoAttempts++
	c.mu.Unlock()
}

// RecordSSOSuccess records one accepted assertion
func (c *Collector) RecordSSOSuccess() {
	c.mu.Lock()
	c.ssoSuccesses++
	c.mu.Unlock()
}

// RecordSSOFailure records one rejected assertion with its reason
func (c *Collector) RecordSSOFailure(reason string) {
	c.mu.Lock()
	c.ssoFailures[reason]++
	c.mu.Unlock()
}

// RecordValidateDuration records how long response validation took
func (c *Collector) RecordValidateDuration(d time.Duration) {
	c.mu.Lock()
	c.validateDuration.observe(d)
	c.mu.Unlock()
}

// RecordMetadataRequest records one SP metadata document served
func (c *Collector) RecordMetadataRequest() {
	c.mu.Lock()
	c.metadataRequests++
	c.mu.Unlock()
}

// RecordMetadataRefresh records an IdP metadata refresh outcome
func (c *Collector) RecordMetadataRefresh(ok bool) {
	c.mu.Lock()
	if ok {
		c.metadataRefreshes["success"]++
		c.lastRefreshUnix = time.Now().Unix()
	} else {
		c.metadataRefreshes["failure"]++
	}
	c.mu.Unlock()
}

// RecordThrottled records one login request rejected by the rate limiter
func (c *Collector) RecordThrottled() {
	c.mu.Lock()
	c.throttled++
	c.mu.Unlock()
}

// MetricsSnapshot holds a snapshot of all metrics
type MetricsSnapshot struct {
	RequestsTotal     map[string]int64              `json:"requests_total"`
	RequestDurations  map[string]*HistogramSnapshot `json:"request_durations"`
	LoginRedirects    int64                         `json:"login_redirects"`
	SSOAttempts       int64                         `json:"sso_attempts"`
	SSOSuccesses      int64                         `json:"sso_successes"`
	SSOFailures       map[string]int64              `json:"sso_failures"`
	MetadataRequests  int64                         `json:"metadata_requests"`
	Throttled         int64                         `json:"throttled"`
	ValidateDuration  *HistogramSnapshot            `json:"validate_duration"`
	MetadataRefreshes map[string]int64              `json:"metadata_refreshes"`
	LastRefreshUnix   int64                         `json:"last_refresh_unix"`
}

// HistogramSnapshot is a snapshot of histogram data
type HistogramSnapshot struct {
	Count   int64             `json:"count"`
	Sum     float64           `json:"sum"`
	Buckets map[float64]int64 `json:"buckets"`
}

func snapshotHistogram(hd *HistogramData) *HistogramSnapshot {
	hs := &HistogramSnapshot{
		Count:   hd.Count,
		Sum:     hd.Sum,
		Buckets: make(map[float64]int64),
	}
	for b, cnt := range hd.Buckets {
		hs.Buckets[b] = cnt
	}
	return hs
}

// Snapshot returns a point-in-time snapshot of all metrics
func (c *Collector) Snapshot() *MetricsSnapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()

	snap := &MetricsSnapshot{
		RequestsTotal:     make(map[string]int64),
		RequestDurations:  make(map[string]*HistogramSnapshot),
		LoginRedirects:    c.loginRedirects,
		SSOAttempts:       c.ssoAttempts,
		SSOSuccesses:      c.ssoSuccesses,
		SSOFailures:       make(map[string]int64),
		MetadataRequests:  c.metadataRequests,
		Throttled:         c.throttled,
		ValidateDuration:  snapshotHistogram(c.validateDuration),
		MetadataRefreshes: make(map[string]int64),
		LastRefreshUnix:   c.lastRefreshUnix,
	}

	for k, v := range c.requestsTotal {
		snap.RequestsTotal[k] = v
	}
	for k, v := range c.requestDurations {
		snap.RequestDurations[k] = snapshotHistogram(v)
	}
	for k, v := range c.ssoFailures {
		snap.SSOFailures[k] = v
	}
	for k, v := range c.metadataRefreshes {
		snap.MetadataRefreshes[k] = v
	}

	return snap
}

// Handler returns an http.Handler serving the Prometheus text format
func (c *Collector) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c.WritePrometheus(w)
	})
}

// WritePrometheus writes metrics in Prometheus text exposition format
func (c *Collector) WritePrometheus(w http.ResponseWriter) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")

	// samlgate_requests_total
	writeHelp(w, "samlgate_requests_total", "Total number of HTTP requests", "counter")
	for key, count := range c.requestsTotal {
		parts := splitKey(key, 3)
		if len(parts) == 3 {
			writeMetric(w, "samlgate_requests_total", count,
				"path", parts[0], "method", parts[1], "status", parts[2])
		}
	}

	// samlgate_request_duration_seconds
	writeHelp(w, "samlgate_request_duration_seconds", "HTTP request duration in seconds", "histogram")
	for path, hd := range c.requestDurations {
		writeHistogram(w, "samlgate_request_duration_seconds", hd, "path", path)
	}

	// samlgate_login_redirects_total
	writeHelp(w, "samlgate_login_redirects_total", "Total AuthnRequest redirects issued", "counter")
	writeMetric(w, "samlgate_login_redirects_total", c.loginRedirects)

	// samlgate_sso_attempts_total
	writeHelp(w, "samlgate_sso_attempts_total", "Total SAMLResponse validation attempts", "counter")
	writeMetric(w, "samlgate_sso_attempts_total", c.ssoAttempts)

	// samlgate_sso_successes_total
	writeHelp(w, "samlgate_sso_successes_total", "Total accepted assertions", "counter")
	writeMetric(w, "samlgate_sso_successes_total", c.ssoSuccesses)

	// samlgate_sso_failures_total
	writeHelp(w, "samlgate_sso_failures_total", "Total rejected assertions by reason", "counter")
	for reason, count := range c.ssoFailures {
		writeMetric(w, "samlgate_sso_failures_total", count, "reason", reason)
	}

	// samlgate_validate_duration_seconds
	writeHelp(w, "samlgate_validate_duration_seconds", "Response validation duration in seconds", "histogram")
	writeHistogram(w, "samlgate_validate_duration_seconds", c.validateDuration)

	// samlgate_metadata_requests_total
	writeHelp(w, "samlgate_metadata_requests_total", "Total SP metadata documents served", "counter")
	writeMetric(w, "samlgate_metadata_requests_total", c.metadataRequests)

	// samlgate_metadata_refreshes_total
	writeHelp(w, "samlgate_metadata_refreshes_total", "Total IdP metadata refresh attempts by outcome", "counter")
	for outcome, count := range c.metadataRefreshes {
		writeMetric(w, "samlgate_metadata_refreshes_total", count, "outcome", outcome)
	}

	// samlgate_metadata_last_refresh_timestamp_seconds
	writeHelp(w, "samlgate_metadata_last_refresh_timestamp_seconds", "Unix time of the last successful IdP metadata refresh", "gauge")
	writeMetric(w, "samlgate_metadata_last_refresh_timestamp_seconds", c.lastRefreshUnix)

	// samlgate_throttled_total
	writeHelp(w, "samlgate_throttled_total", "Total login requests rejected by the rate limiter", "counter")
	writeMetric(w, "samlgate_throttled_total", c.throttled)
}

func writeHistogram(w http.ResponseWriter, name string, hd *HistogramData, labels ...string) {
	for _, bound := range DefaultBuckets {
		cnt := hd.Buckets[bound]
		bucketLabels := append(append([]string{}, labels...),
			"le", strconv.FormatFloat(bound, 'f', -1, 64))
		writeMetricFloat(w, name+"_bucket", float64(cnt), bucketLabels...)
	}
	infLabels := append(append([]string{}, labels...), "le", "+Inf")
	writeMetricFloat(w, name+"_bucket", float64(hd.Count), infLabels...)
	writeMetricFloat(w, name+"_sum", hd.Sum, labels...)
	writeMetric(w, name+"_count", hd.Count, labels...)
}

func writeHelp(w http.ResponseWriter, name, help, metricType string) {
	w.Write([]byte("# HELP " + name + " " + help + "\n"))
	w.Write([]byte("# TYPE " + name + " " + metricType + "\n"))
}

func writeMetric(w http.ResponseWriter, name string, value int64, labels ...string) {
	line := name + formatLabels(labels) + " " + strconv.FormatInt(value, 10) + "\n"
	w.Write([]byte(line))
}

func writeMetricFloat(w http.ResponseWriter, name string, value float64, labels ...string) {
	line := name + formatLabels(labels) + " " + strconv.FormatFloat(value, 'f', -1, 64) + "\n"
	w.Write([]byte(line))
}

func formatLabels(labels []string) string {
	if len(labels) == 0 {
		return ""
	}
	result := "{"
	for i := 0; i < len(labels)-1; i += 2 {
		if i > 0 {
			result += ","
		}
		result += labels[i] + "=\"" + labels[i+1] + "\""
	}
	return result + "}"
}

func splitKey(key string, n int) []string {
	parts := make([]string, 0, n)
	start := 0
	for i := 0; i < len(key); i++ {
		if key[i] == '|' {
			parts = append(parts, key[start:i])
			start = i + 1
			if len(parts) == n-1 {
				parts = append(parts, key[start:])
				return parts
			}
		}
	}
	if start < len(key) {
		parts = append(parts, key[start:])
	}
	return parts
}
