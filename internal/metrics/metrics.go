// Package metrics provides Prometheus metrics for the collab API.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Metrics struct {
	registry *prometheus.Registry

	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	RoomsActive        prometheus.Gauge
	RoomParticipants   prometheus.Gauge
	RoomEditsTotal     prometheus.Counter
	RoomCommitsTotal   *prometheus.CounterVec
	RoomTeardownTotal  *prometheus.CounterVec
	WSRateLimitedTotal prometheus.Counter

	VersionsAppendedTotal prometheus.Counter
	CommentsCreatedTotal  prometheus.Counter
	CommentsResolvedTotal *prometheus.CounterVec
}

// New registers every collector on a private registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,
		HTTPRequestsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "postwork_http_requests_total",
			Help: "Total number of HTTP requests",
		}, []string{"method", "route", "status"}),
		HTTPRequestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "postwork_http_request_duration_seconds",
			Help:    "Duration of HTTP requests in seconds",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "route"}),
		RoomsActive: factory.NewGauge(prometheus.GaugeOpts{
			Name: "postwork_rooms_active",
			Help: "Number of live collaboration rooms",
		}),
		RoomParticipants: factory.NewGauge(prometheus.GaugeOpts{
			Name: "postwork_room_participants",
			Help: "Number of participants across live rooms",
		}),
		RoomEditsTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "postwork_room_edits_total",
			Help: "Total number of edits applied to live documents",
		}),
		RoomCommitsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "postwork_room_commits_total",
			Help: "Room commits by outcome",
		}, []string{"outcome"}),
		RoomTeardownTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "postwork_room_teardowns_total",
			Help: "Rooms discarded by reason",
		}, []string{"reason"}),
		WSRateLimitedTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "postwork_ws_rate_limited_total",
			Help: "Socket messages dropped by the per-connection rate limit",
		}),
		VersionsAppendedTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "postwork_versions_appended_total",
			Help: "Total number of versions appended",
		}),
		CommentsCreatedTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "postwork_comments_created_total",
			Help: "Total number of comments created",
		}),
		CommentsResolvedTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "postwork_comments_resolved_total",
			Help: "Comment resolutions by result",
		}, []string{"result"}),
	}
}

// Handler exposes the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

func (m *Metrics) RecordHTTPRequest(method, route string, status int, duration time.Duration) {
	if m == nil {
		return
	}
	if route == "" {
		route = "unmatched"
	}
	m.HTTPRequestsTotal.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, route).Observe(duration.Seconds())
}

func (m *Metrics) RecordRoomOpened() {
	if m == nil {
		return
	}
	m.RoomsActive.Inc()
}

func (m *Metrics) RecordRoomClosed(reason string) {
	if m == nil {
		return
	}
	m.RoomsActive.Dec()
	m.RoomTeardownTotal.WithLabelValues(reason).Inc()
}

func (m *Metrics) RecordParticipantDelta(delta int) {
	if m == nil {
		return
	}
	m.RoomParticipants.Add(float64(delta))
}

func (m *Metrics) RecordEdit() {
	if m == nil {
		return
	}
	m.RoomEditsTotal.Inc()
}

func (m *Metrics) RecordCommit(outcome string) {
	if m == nil {
		return
	}
	m.RoomCommitsTotal.WithLabelValues(outcome).Inc()
}

func (m *Metrics) RecordVersionAppended() {
	if m == nil {
		return
	}
	m.VersionsAppendedTotal.Inc()
}

func (m *Metrics) RecordCommentCreated() {
	if m == nil {
		return
	}
	m.CommentsCreatedTotal.Inc()
}

func (m *Metrics) RecordCommentResolved(result string) {
	if m == nil {
		return
	}
	m.CommentsResolvedTotal.WithLabelValues(result).Inc()
}

func (m *Metrics) RecordWSRateLimited() {
	if m == nil {
		return
	}
	m.WSRateLimitedTotal.Inc()
}
