package main

import (
	"encoding/json"
	"net/http"
	"runtime"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"nostr-system/internal/relay"
)

var serverStartTime = time.Now()

// statsSource is the part of relay.System the collector reads
type statsSource interface {
	Stats() map[string]relay.ConnStats
	SubscriptionCount() int
}

// systemCollector exports relay connection stats at scrape time
type systemCollector struct {
	sys          statsSource
	cacheBackend string

	buildInfo      *prometheus.Desc
	eventsSent     *prometheus.Desc
	eventsReceived *prometheus.Desc
	disconnects    *prometheus.Desc
	latency        *prometheus.Desc
	connected      *prometheus.Desc
	authenticated  *prometheus.Desc
	subscriptions  *prometheus.Desc
}

func newSystemCollector(sys statsSource, cacheBackend string) *systemCollector {
	relayLabels := []string{"relay"}
	return &systemCollector{
		sys:          sys,
		cacheBackend: cacheBackend,
		buildInfo: prometheus.NewDesc("nostr_build_info",
			"Build and configuration information", []string{"cache_backend", "go_version"}, nil),
		eventsSent: prometheus.NewDesc("nostr_relay_events_sent_total",
			"Events written to the relay", relayLabels, nil),
		eventsReceived: prometheus.NewDesc("nostr_relay_events_received_total",
			"Verified events received from the relay", relayLabels, nil),
		disconnects: prometheus.NewDesc("nostr_relay_disconnects_total",
			"Unexpected connection losses", relayLabels, nil),
		latency: prometheus.NewDesc("nostr_relay_eose_latency_seconds",
			"Average time from REQ to EOSE over recent subscriptions", relayLabels, nil),
		connected: prometheus.NewDesc("nostr_relay_connected",
			"1 if the connection is open", relayLabels, nil),
		authenticated: prometheus.NewDesc("nostr_relay_authenticated",
			"1 if the connection completed NIP-42 auth", relayLabels, nil),
		subscriptions: prometheus.NewDesc("nostr_subscriptions",
			"Live subscriptions in the registry", nil, nil),
	}
}

func (c *systemCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.buildInfo
	ch <- c.eventsSent
	ch <- c.eventsReceived
	ch <- c.disconnects
	ch <- c.latency
	ch <- c.connected
	ch <- c.authenticated
	ch <- c.subscriptions
}

func boolGauge(b bool) float64 {
	if b {
		return 1
	}
	return 0
}

func (c *systemCollector) Collect(ch chan<- prometheus.Metric) {
	ch <- prometheus.MustNewConstMetric(c.buildInfo, prometheus.GaugeValue, 1, c.cacheBackend, runtime.Version())
	ch <- prometheus.MustNewConstMetric(c.subscriptions, prometheus.GaugeValue, float64(c.sys.SubscriptionCount()))

	for url, s := range c.sys.Stats() {
		ch <- prometheus.MustNewConstMetric(c.eventsSent, prometheus.CounterValue, float64(s.EventsSent), url)
		ch <- prometheus.MustNewConstMetric(c.eventsReceived, prometheus.CounterValue, float64(s.EventsReceived), url)
		ch <- prometheus.MustNewConstMetric(c.disconnects, prometheus.CounterValue, float64(s.Disconnects), url)
		ch <- prometheus.MustNewConstMetric(c.latency, prometheus.GaugeValue, s.AvgLatency.Seconds(), url)
		ch <- prometheus.MustNewConstMetric(c.connected, prometheus.GaugeValue, boolGauge(s.State == relay.StateOpen), url)
		ch <- prometheus.MustNewConstMetric(c.authenticated, prometheus.GaugeValue, boolGauge(s.Authenticated), url)
	}
}

// RelayHealthDetail holds per-relay health information
type RelayHealthDetail struct {
	URL           string `json:"url"`
	Status        string `json:"status"` // "healthy" or "unhealthy"
	AvgResponseMs int64  `json:"avg_response_ms"`
	Disconnects   int64  `json:"disconnects"`
}

// healthResponse is "ok" when at least one relay is open
type healthResponse struct {
	Status        string              `json:"status"`
	UptimeSeconds int64               `json:"uptime_seconds"`
	Subscriptions int                 `json:"subscriptions"`
	Relays        []RelayHealthDetail `json:"relays"`
}

func healthHandler(sys statsSource) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		resp := healthResponse{
			Status:        "degraded",
			UptimeSeconds: int64(time.Since(serverStartTime).Seconds()),
			Subscriptions: sys.SubscriptionCount(),
			Relays:        []RelayHealthDetail{},
		}
		for url, s := range sys.Stats() {
			status := "unhealthy"
			if s.State == relay.StateOpen {
				status = "healthy"
				resp.Status = "ok"
			}
			resp.Relays = append(resp.Relays, RelayHealthDetail{
				URL:           url,
				Status:        status,
				AvgResponseMs: s.AvgLatency.Milliseconds(),
				Disconnects:   s.Disconnects,
			})
		}

		w.Header().Set("Content-Type", "application/json")
		if resp.Status != "ok" {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		json.NewEncoder(w).Encode(resp)
	}
}

// newMetricsMux serves /metrics and /health for sys
func newMetricsMux(sys statsSource, cacheBackend string) *http.ServeMux {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		newSystemCollector(sys, cacheBackend),
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	mux.HandleFunc("/health", healthHandler(sys))
	return mux
}
