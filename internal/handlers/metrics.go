package handlers

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	registryGauge *prometheus.GaugeVec
	reapCounter   *prometheus.CounterVec
)

// SetMetrics wires the domain metrics into the handlers. Nil vectors are
// valid; collection is simply skipped.
func SetMetrics(registry *prometheus.GaugeVec, reaped *prometheus.CounterVec) {
	registryGauge = registry
	reapCounter = reaped
}

// StartRegistryGauges samples the registry table sizes until ctx is
// cancelled.
func StartRegistryGauges(ctx context.Context, interval time.Duration) {
	if registryGauge == nil {
		return
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		SampleRegistrySizes()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				SampleRegistrySizes()
			}
		}
	}()
}

// SampleRegistrySizes records the current party, peer and relay counts.
func SampleRegistrySizes() {
	if registryGauge == nil {
		return
	}
	for _, table := range []string{"parties", "peers", "relays"} {
		var count int
		if err := db.QueryRow(`SELECT COUNT(*) FROM ` + table).Scan(&count); err != nil {
			logger.WithError(err).Warn("Failed to sample registry size")
			continue
		}
		registryGauge.WithLabelValues(table).Set(float64(count))
	}
}

func countReaped(kind string, rows int64) {
	if reapCounter == nil || rows == 0 {
		return
	}
	reapCounter.WithLabelValues(kind).Add(float64(rows))
}
