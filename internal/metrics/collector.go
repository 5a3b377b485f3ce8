// Package metrics exposes Prometheus counters and gauges for the backup
// pipeline, following the teacher's internal/metrics/collector.go: a
// hand-rolled prometheus.Registry with explicitly constructed and
// registered metrics, rather than promauto's package-global registry.
package metrics

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector owns every metric this agent exposes at /metrics.
type Collector struct {
	registry           *prometheus.Registry
	perCameraBreakdown bool

	QueueDepthRealtime prometheus.Gauge
	QueueDepthBacklog  prometheus.Gauge
	InFlightEvents     prometheus.Gauge
	InFlightEventID    *prometheus.GaugeVec

	DownloadsTotal *prometheus.CounterVec
	UploadsTotal   *prometheus.CounterVec
	BansTotal      *prometheus.CounterVec

	PurgeDeletesTotal *prometheus.CounterVec
	LedgerRowsTotal   prometheus.Gauge

	ReconcilerOffersTotal prometheus.Counter
	ListenerReconnects    prometheus.Counter

	mu                sync.Mutex
	currentEventIDSet string
}

// NewCollector builds and registers every metric named here. The download,
// upload and ban counters always carry a camera_id label (and uploads a
// detection_type label); perCameraBreakdown decides whether camera_id holds
// the real camera ID or the single value "all", the per-camera breakdown a
// fielded agent needs for diagnosing a single misbehaving camera.
func NewCollector(perCameraBreakdown bool) *Collector {
	reg := prometheus.NewRegistry()
	c := &Collector{registry: reg, perCameraBreakdown: perCameraBreakdown}

	c.QueueDepthRealtime = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "unifi_protect_backup_queue_depth_realtime",
		Help: "Current depth of the realtime half of the event queue",
	})
	reg.MustRegister(c.QueueDepthRealtime)

	c.QueueDepthBacklog = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "unifi_protect_backup_queue_depth_backlog",
		Help: "Current depth of the reconciler half of the event queue",
	})
	reg.MustRegister(c.QueueDepthBacklog)

	c.InFlightEvents = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "unifi_protect_backup_in_flight_events",
		Help: "Events currently queued, downloading, or uploading",
	})
	reg.MustRegister(c.InFlightEvents)

	c.InFlightEventID = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "unifi_protect_backup_upload_in_flight_event",
		Help: "Set to 1 for the event_id currently being uploaded, per spec's diagnostics requirement",
	}, []string{"event_id"})
	reg.MustRegister(c.InFlightEventID)

	// camera_id is always a label; when perCameraBreakdown is off every
	// call collapses it to "all" so cardinality stays at one series
	// instead of one per camera.
	c.DownloadsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "unifi_protect_backup_downloads_total",
		Help: "Clip downloads attempted, by outcome",
	}, []string{"camera_id", "result"})
	reg.MustRegister(c.DownloadsTotal)

	c.UploadsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "unifi_protect_backup_uploads_total",
		Help: "Clip uploads attempted, by outcome",
	}, []string{"camera_id", "detection_type", "result"})
	reg.MustRegister(c.UploadsTotal)

	c.BansTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "unifi_protect_backup_bans_total",
		Help: "Events permanently banned after exhausting retry attempts",
	}, []string{"camera_id"})
	reg.MustRegister(c.BansTotal)

	c.PurgeDeletesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "unifi_protect_backup_purge_deletes_total",
		Help: "Remote delete calls issued by the purger, by outcome",
	}, []string{"result"})
	reg.MustRegister(c.PurgeDeletesTotal)

	c.LedgerRowsTotal = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "unifi_protect_backup_ledger_rows",
		Help: "Event ledger row count (not set by any component; stays at 0)",
	})
	reg.MustRegister(c.LedgerRowsTotal)

	c.ReconcilerOffersTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "unifi_protect_backup_reconciler_offers_total",
		Help: "Events re-offered to the queue by the missing-event reconciler",
	})
	reg.MustRegister(c.ReconcilerOffersTotal)

	c.ListenerReconnects = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "unifi_protect_backup_listener_reconnects_total",
		Help: "Realtime listener reconnects",
	})
	reg.MustRegister(c.ListenerReconnects)

	return c
}

// Handler serves this collector's registry in the Prometheus text format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// cameraLabel collapses cameraID to a single series when per-camera
// breakdown is disabled.
func (c *Collector) cameraLabel(cameraID string) string {
	if c.perCameraBreakdown {
		return cameraID
	}
	return "all"
}

// RecordDownload increments the download counter for cameraID with the
// given outcome ("ok", "banned", "not_found", "not_ready", "error").
func (c *Collector) RecordDownload(cameraID, result string) {
	c.DownloadsTotal.WithLabelValues(c.cameraLabel(cameraID), result).Inc()
}

// RecordUpload increments the upload counter for cameraID/detectionType.
func (c *Collector) RecordUpload(cameraID, detectionType, result string) {
	c.UploadsTotal.WithLabelValues(c.cameraLabel(cameraID), detectionType, result).Inc()
}

// RecordBan increments the permanent-ban counter for cameraID.
func (c *Collector) RecordBan(cameraID string) {
	c.BansTotal.WithLabelValues(c.cameraLabel(cameraID)).Inc()
}

// SetQueueDepths publishes the event queue's current occupancy (spec.md
// §4.6: "the upload worker must publish queue-depth... for diagnostics").
func (c *Collector) SetQueueDepths(realtime, backlog int) {
	c.QueueDepthRealtime.Set(float64(realtime))
	c.QueueDepthBacklog.Set(float64(backlog))
}

// SetCurrentEventID publishes the event_id currently uploading, clearing
// the previous one's series so only one ever reads 1 at a time. Pass ""
// when no upload is in flight.
func (c *Collector) SetCurrentEventID(eventID string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.currentEventIDSet != "" {
		c.InFlightEventID.WithLabelValues(c.currentEventIDSet).Set(0)
	}
	c.currentEventIDSet = eventID
	if eventID != "" {
		c.InFlightEventID.WithLabelValues(eventID).Set(1)
	}
}
