package metrics

import (
	"errors"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/ruteri/content-sync/interfaces"
)

// Collectors records queue, upload, mapping and migration metrics. A nil
// *Collectors is valid and records nothing.
type Collectors struct {
	queueItems       *prometheus.GaugeVec
	uploadDuration   prometheus.Histogram
	uploads          *prometheus.CounterVec
	uploadedBytes    prometheus.Counter
	mappings         prometheus.Gauge
	mappedBytes      prometheus.Gauge
	migrationItems   *prometheus.GaugeVec
	migrationRunning prometheus.Gauge
	networkHealthy   prometheus.Gauge
}

// NewCollectors registers the sync collectors with reg.
func NewCollectors(namespace string, reg prometheus.Registerer) (*Collectors, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	c := &Collectors{
		queueItems: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "queue_items",
			Help:      "Synchronization queue items per state.",
		}, []string{"state"}),
		uploadDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "upload_duration_seconds",
			Help:      "Latency of content network uploads.",
			Buckets:   prometheus.DefBuckets,
		}),
		uploads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "uploads_total",
			Help:      "Content network uploads by outcome.",
		}, []string{"outcome"}),
		uploadedBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "uploaded_bytes_total",
			Help:      "Bytes successfully replicated to the content network.",
		}),
		mappings: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "address_mappings",
			Help:      "Number of address mappings.",
		}),
		mappedBytes: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "address_mapped_bytes",
			Help:      "Total size of mapped content.",
		}),
		migrationItems: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "migration_items",
			Help:      "Items of the current migration run by kind.",
		}, []string{"kind"}),
		migrationRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "migration_running",
			Help:      "1 while a migration holds the lease.",
		}),
		networkHealthy: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "network_healthy",
			Help:      "Result of the last content network health check.",
		}),
	}

	for _, collector := range []prometheus.Collector{
		c.queueItems, c.uploadDuration, c.uploads, c.uploadedBytes,
		c.mappings, c.mappedBytes, c.migrationItems, c.migrationRunning, c.networkHealthy,
	} {
		if err := reg.Register(collector); err != nil {
			var are prometheus.AlreadyRegisteredError
			if errors.As(err, &are) {
				continue
			}
			return nil, fmt.Errorf("failed to register metric: %w", err)
		}
	}
	return c, nil
}

// ObserveQueueStatus sets the per-state queue gauges.
func (c *Collectors) ObserveQueueStatus(status interfaces.QueueStatus) {
	if c == nil {
		return
	}
	c.queueItems.WithLabelValues(string(interfaces.StatePending)).Set(float64(status.Pending))
	c.queueItems.WithLabelValues(string(interfaces.StateUploading)).Set(float64(status.Uploading))
	c.queueItems.WithLabelValues(string(interfaces.StateCompleted)).Set(float64(status.Completed))
	c.queueItems.WithLabelValues(string(interfaces.StateFailed)).Set(float64(status.Failed))
}

// ObserveUpload records one upload attempt.
func (c *Collectors) ObserveUpload(duration time.Duration, size int64, err error) {
	if c == nil {
		return
	}
	c.uploadDuration.Observe(duration.Seconds())
	if err != nil {
		c.uploads.WithLabelValues("failure").Inc()
		return
	}
	c.uploads.WithLabelValues("success").Inc()
	c.uploadedBytes.Add(float64(size))
}

// ObserveMappingStats sets the mapping gauges.
func (c *Collectors) ObserveMappingStats(stats interfaces.MappingStats) {
	if c == nil {
		return
	}
	c.mappings.Set(float64(stats.Count))
	c.mappedBytes.Set(float64(stats.TotalBytes))
}

// ObserveMigration sets the migration gauges.
func (c *Collectors) ObserveMigration(progress interfaces.MigrationProgress, running bool) {
	if c == nil {
		return
	}
	c.migrationItems.WithLabelValues("total").Set(float64(progress.TotalItems))
	c.migrationItems.WithLabelValues("processed").Set(float64(progress.ProcessedItems))
	c.migrationItems.WithLabelValues("successful").Set(float64(progress.SuccessfulItems))
	c.migrationItems.WithLabelValues("failed").Set(float64(progress.FailedItems))
	if running {
		c.migrationRunning.Set(1)
	} else {
		c.migrationRunning.Set(0)
	}
}

// ObserveNetworkHealth records a health check result.
func (c *Collectors) ObserveNetworkHealth(healthy bool) {
	if c == nil {
		return
	}
	if healthy {
		c.networkHealthy.Set(1)
	} else {
		c.networkHealthy.Set(0)
	}
}
