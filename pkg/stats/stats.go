package stats

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
)

var (
	UpdateCycles = promauto.NewCounter(prometheus.CounterOpts{
		Name: "otam_update_cycles_total",
		Help: "Completed timetable update cycles",
	})

	StationRefreshes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "otam_station_refreshes_total",
		Help: "Station refresh cycles by outcome",
	}, []string{"result"})

	StopsUpdated = promauto.NewCounter(prometheus.CounterOpts{
		Name: "otam_stops_updated_total",
		Help: "Tracked stops that received a significant update",
	})

	StopsRemoved = promauto.NewCounter(prometheus.CounterOpts{
		Name: "otam_stops_removed_total",
		Help: "Tracked stops evicted after their events passed",
	})

	TripsStitched = promauto.NewCounter(prometheus.CounterOpts{
		Name: "otam_trips_stitched_total",
		Help: "Trips created by stitching station timetables",
	})

	RateLimitHits = promauto.NewCounter(prometheus.CounterOpts{
		Name: "otam_rate_limit_hits_total",
		Help: "Upstream requests skipped because the request budget ran out",
	})
)

// Serve exposes the metrics endpoint. Blocks, so run it in a goroutine.
func Serve(address string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	log.Info().Str("address", address).Msg("Serving metrics")
	if err := http.ListenAndServe(address, mux); err != nil {
		log.Error().Err(err).Msg("Metrics server stopped")
	}
}
