// Package triptable stitches the timetables of multiple stations into
// whole trips. Every station only sees its own stop of a trip plus the
// path the train takes before and after; overlaying those views along the
// shared trip id yields the full stop sequence with live data at every
// tracked station.
package triptable

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/DerBusNachRaisdorf/OpenTransitAndMobility/pkg/realtime/deutschebahn/iris"
	"github.com/DerBusNachRaisdorf/OpenTransitAndMobility/pkg/realtime/deutschebahn/timetable"
	"github.com/DerBusNachRaisdorf/OpenTransitAndMobility/pkg/stats"
	"github.com/DerBusNachRaisdorf/OpenTransitAndMobility/pkg/util"
)

// Source is the upstream the triptable polls. Implemented by iris.Client.
type Source interface {
	timetable.Fetcher
	iris.StationGetter
}

type pendingStation struct {
	name    string
	aliases []string
	pattern string
}

type internalTripStop struct {
	info iris.PathStop

	// stop is set once the station's timetable tracks this stop, nil for
	// stations outside the tracked set.
	stop *timetable.TrackedStop

	// retired marks a stop the tracking station has evicted. The last live
	// reference stays in place until the whole trip is dropped.
	retired bool
}

type internalTrip struct {
	mu sync.RWMutex

	id       string
	line     string
	category string
	stops    []internalTripStop

	// lastUpdated is the update time of the freshest station view stitched
	// into this trip. Older views must not overwrite newer path state.
	lastUpdated *time.Time
}

// TripStop is one station of a stitched trip.
type TripStop struct {
	Name   string
	Status iris.EventStatus

	// Stop carries the live stop data when the station is tracked.
	Stop *iris.TimetableStop
}

// Trip is a read-only copy of a stitched trip.
type Trip struct {
	ID          string
	Line        string
	Category    string
	Stops       []TripStop
	LastUpdated *time.Time
}

// CycleResult summarises one Update pass over all stations.
type CycleResult struct {
	// Updated contains the stops that changed significantly this cycle.
	Updated []*timetable.TrackedStop
	// Removed contains the stops evicted this cycle.
	Removed []iris.TimetableStop

	Errors []error
}

// Triptable maintains one StationTimetable per configured station and the
// trips stitched from them.
type Triptable struct {
	source       Source
	stationCache *iris.StationCache

	mu         sync.RWMutex
	timetables map[string]*timetable.StationTimetable
	trips      map[string]*internalTrip

	addQueue []pendingStation

	// updateQueue orders the stations for the next cycle. Stations whose
	// last refresh failed or only partially succeeded come first, so a
	// struggling station is retried before the healthy ones instead of
	// starving behind them.
	updateQueue []*timetable.StationTimetable
}

func NewTriptable(source Source, stationCache *iris.StationCache) *Triptable {
	return &Triptable{
		source:       source,
		stationCache: stationCache,
		timetables:   map[string]*timetable.StationTimetable{},
		trips:        map[string]*internalTrip{},
	}
}

// AddStation resolves the station behind pattern and starts tracking it
// under the given display name. Resolution failures other than "no such
// station" requeue the station for the next update cycle.
func (t *Triptable) AddStation(ctx context.Context, name string, aliases []string, pattern string) {
	if pattern == "" {
		pattern = name
	}

	t.addStation(ctx, pendingStation{name: name, aliases: aliases, pattern: pattern})
}

func (t *Triptable) addStation(ctx context.Context, pending pendingStation) {
	station, err := iris.ResolveStation(ctx, t.source, t.stationCache, pending.pattern)
	if err != nil {
		var notFound *iris.StationNotFoundError
		switch {
		case errors.As(err, &notFound):
			log.Warn().Str("pattern", pending.pattern).Msg("No such station, dropping it")
		case errors.Is(err, iris.ErrRateLimited):
			stats.RateLimitHits.Inc()
			log.Debug().Str("pattern", pending.pattern).Msg("Rate limited, station resolution postponed")
			t.requeueStation(pending)
		default:
			log.Warn().Err(err).Str("pattern", pending.pattern).Msg("Failed to resolve station, will retry")
			t.requeueStation(pending)
		}
		return
	}

	// The upstream name becomes the canonical one so it matches the names
	// appearing in trip paths; the display name stays usable as an alias.
	aliases := pending.aliases
	if pending.name != station.Name && !util.ContainsString(aliases, pending.name) {
		aliases = append(aliases, pending.name)
	}

	stationTimetable := timetable.NewStationTimetable(t.source, station.EVA, station.Name, aliases)

	t.mu.Lock()
	key := util.MakeStationNameKey(pending.name)
	if _, exists := t.timetables[key]; exists {
		t.mu.Unlock()
		log.Warn().Str("station", pending.name).Msg("Station already tracked")
		return
	}
	t.timetables[key] = stationTimetable
	t.updateQueue = append(t.updateQueue, stationTimetable)
	t.mu.Unlock()

	log.Info().
		Str("station", station.Name).
		Int64("eva", station.EVA).
		Msg("Tracking station")
}

func (t *Triptable) requeueStation(pending pendingStation) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.addQueue = append(t.addQueue, pending)
}

// Update runs one refresh cycle over all stations: pending station
// additions are retried, every timetable is refreshed and its stops are
// stitched into the trip set.
func (t *Triptable) Update(ctx context.Context) CycleResult {
	result := CycleResult{}

	t.mu.Lock()
	pending := t.addQueue
	t.addQueue = nil
	t.mu.Unlock()

	for _, station := range pending {
		t.addStation(ctx, station)
	}

	t.mu.Lock()
	queue := make([]*timetable.StationTimetable, len(t.updateQueue))
	copy(queue, t.updateQueue)
	t.mu.Unlock()

	prioritized := []*timetable.StationTimetable{}
	deprioritized := []*timetable.StationTimetable{}

	for _, station := range queue {
		removed := station.DrainRemoved()
		for _, stop := range removed {
			t.retireStop(stop)
		}
		result.Removed = append(result.Removed, removed...)
		stats.StopsRemoved.Add(float64(len(removed)))

		refresh := station.RefreshCycle(ctx)
		stats.StationRefreshes.WithLabelValues(refresh.Status.String()).Inc()
		stats.StopsUpdated.Add(float64(len(refresh.Updated)))
		result.Updated = append(result.Updated, refresh.Updated...)
		result.Errors = append(result.Errors, refresh.Errors...)

		for _, err := range refresh.Errors {
			if errors.Is(err, iris.ErrRateLimited) {
				stats.RateLimitHits.Inc()
			}
		}

		if refresh.Status == timetable.RefreshPartial || refresh.Status == timetable.RefreshFailed {
			prioritized = append(prioritized, station)
		} else {
			deprioritized = append(deprioritized, station)
		}

		switch refresh.Status {
		case timetable.RefreshOk:
			log.Debug().
				Str("station", station.StationName()).
				Int("updated", len(refresh.Updated)).
				Msg("Station refreshed")
		case timetable.RefreshOkEmpty:
			log.Trace().Str("station", station.StationName()).Msg("Station refreshed, nothing new")
		case timetable.RefreshPartial:
			log.Warn().
				Errs("errors", refresh.Errors).
				Str("station", station.StationName()).
				Msg("Station only partially refreshed")
		case timetable.RefreshFailed:
			log.Error().
				Errs("errors", refresh.Errors).
				Str("station", station.StationName()).
				Msg("Station refresh failed")
		}

		if refresh.Failed() {
			continue
		}

		for _, tracked := range station.CurrentTrackedStops() {
			t.stitchStop(station, tracked)
		}
	}

	t.mu.Lock()
	newQueue := append(prioritized, deprioritized...)
	// stations added during this cycle were not part of the snapshot
	for _, station := range t.updateQueue {
		if !containsStation(newQueue, station) {
			newQueue = append(newQueue, station)
		}
	}
	t.updateQueue = newQueue
	t.mu.Unlock()

	stats.UpdateCycles.Inc()
	return result
}

func containsStation(queue []*timetable.StationTimetable, station *timetable.StationTimetable) bool {
	for _, entry := range queue {
		if entry == station {
			return true
		}
	}
	return false
}

// retireStop records that a station evicted one of the trip's stops. The
// position keeps its last live reference, it is only refreshed again if the
// stop reappears. The whole trip is dropped once no station tracks any of
// its stops anymore.
func (t *Triptable) retireStop(stop iris.TimetableStop) {
	tripID := stop.ID.TripID()

	t.mu.RLock()
	trip, ok := t.trips[tripID]
	t.mu.RUnlock()
	if !ok {
		return
	}

	trip.mu.Lock()
	live := 0
	for i := range trip.stops {
		if trip.stops[i].stop != nil && trip.stops[i].stop.FullID() == stop.ID.FullID() {
			trip.stops[i].retired = true
		}
		if trip.stops[i].stop != nil && !trip.stops[i].retired {
			live++
		}
	}
	trip.mu.Unlock()

	if live == 0 {
		t.mu.Lock()
		delete(t.trips, tripID)
		t.mu.Unlock()
	}
}

// stitchStop merges one station's view of a trip into the stitched trip.
func (t *Triptable) stitchStop(station *timetable.StationTimetable, tracked *timetable.TrackedStop) {
	snapshot := tracked.Snapshot()
	tripID := snapshot.ID.TripID()
	updatedAt := station.LastUpdated()

	// This station's view of the whole trip: the path before it, the
	// station itself, the path after it.
	arrivalPath := snapshot.ArrivalPath()
	view := make([]iris.PathStop, 0, len(arrivalPath)+1)
	view = append(view, arrivalPath...)
	ownIndex := len(view)
	view = append(view, iris.PathStop{Name: station.StationName(), Status: snapshot.Status()})
	view = append(view, snapshot.DeparturePath()...)

	t.mu.Lock()
	trip, ok := t.trips[tripID]
	if !ok {
		trip = &internalTrip{
			id:          tripID,
			line:        snapshot.DisplayLine(),
			category:    snapshot.Category(),
			lastUpdated: updatedAt,
		}
		for i, info := range view {
			stop := internalTripStop{info: info}
			if i == ownIndex {
				stop.stop = tracked
			}
			trip.stops = append(trip.stops, stop)
		}
		t.trips[tripID] = trip
		t.mu.Unlock()
		stats.TripsStitched.Inc()
		return
	}
	t.mu.Unlock()

	trip.mu.Lock()
	defer trip.mu.Unlock()

	// A station polled before another one may carry older path state.
	// Attaching live stops is always fine, rewriting statuses or inserting
	// stations is not.
	mayPatch := updatedAt != nil &&
		(trip.lastUpdated == nil || !updatedAt.Before(*trip.lastUpdated))

	k := 0
	for i, info := range view {
		match := findStop(trip, k, info.Name, station, i == ownIndex)
		if match >= 0 {
			k = match
			// Path-derived statuses only ever apply to untracked stations;
			// a station that tracks the stop itself knows better than a
			// neighbour inferring from its own path.
			if mayPatch && (i == ownIndex || trip.stops[k].stop == nil || trip.stops[k].retired) {
				trip.stops[k].info.Status = info.Status
			}
			if i == ownIndex && (trip.stops[k].stop == nil || trip.stops[k].retired) {
				trip.stops[k].stop = tracked
				trip.stops[k].retired = false
			}
			k++
			continue
		}

		if !mayPatch {
			continue
		}

		if k > len(trip.stops) {
			// must not happen, k only ever advances past existing entries
			log.Error().
				Str("trip", tripID).
				Int("index", k).
				Msg("Stitch cursor ran past the trip, skipping view")
			return
		}

		stop := internalTripStop{info: info}
		if i == ownIndex {
			stop.stop = tracked
		}
		trip.stops = append(trip.stops[:k], append([]internalTripStop{stop}, trip.stops[k:]...)...)
		k++
	}

	if mayPatch {
		trip.lastUpdated = updatedAt
		if trip.line == "unknown" || trip.line == "" {
			trip.line = snapshot.DisplayLine()
		}
	}
}

// findStop looks for the first trip stop at or after from that refers to
// the given station name.
func findStop(trip *internalTrip, from int, name string, station *timetable.StationTimetable, own bool) int {
	key := util.MakeStationNameKey(name)
	for i := from; i < len(trip.stops); i++ {
		if own && station.IsOwnStationName(trip.stops[i].info.Name) {
			return i
		}
		if util.MakeStationNameKey(trip.stops[i].info.Name) == key {
			return i
		}
	}
	return -1
}

// GetTrip returns a copy of the trip with the given id, nil if unknown.
func (t *Triptable) GetTrip(id string) *Trip {
	t.mu.RLock()
	trip, ok := t.trips[id]
	t.mu.RUnlock()
	if !ok {
		return nil
	}

	trip.mu.RLock()
	defer trip.mu.RUnlock()

	result := &Trip{
		ID:       trip.id,
		Line:     trip.line,
		Category: trip.category,
	}
	if trip.lastUpdated != nil {
		when := *trip.lastUpdated
		result.LastUpdated = &when
	}

	for _, stop := range trip.stops {
		tripStop := TripStop{Name: stop.info.Name, Status: stop.info.Status}
		if stop.stop != nil {
			snapshot := stop.stop.Snapshot()
			tripStop.Stop = &snapshot
		}
		result.Stops = append(result.Stops, tripStop)
	}

	return result
}

// Trips returns copies of all stitched trips.
func (t *Triptable) Trips() []*Trip {
	t.mu.RLock()
	ids := make([]string, 0, len(t.trips))
	for id := range t.trips {
		ids = append(ids, id)
	}
	t.mu.RUnlock()

	trips := make([]*Trip, 0, len(ids))
	for _, id := range ids {
		if trip := t.GetTrip(id); trip != nil {
			trips = append(trips, trip)
		}
	}
	return trips
}

// GetStationTimetable returns the timetable tracked under the given display
// name, nil if the station is unknown.
func (t *Triptable) GetStationTimetable(name string) *timetable.StationTimetable {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if station, ok := t.timetables[util.MakeStationNameKey(name)]; ok {
		return station
	}
	for _, station := range t.timetables {
		if station.IsOwnStationName(name) {
			return station
		}
	}
	return nil
}

// GetCurrentTimetable returns the current stops of a station, nil if the
// station is unknown.
func (t *Triptable) GetCurrentTimetable(name string) []iris.TimetableStop {
	station := t.GetStationTimetable(name)
	if station == nil {
		return nil
	}
	return station.CurrentStops()
}

// Stations returns the canonical names of all tracked stations.
func (t *Triptable) Stations() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()

	names := make([]string, 0, len(t.timetables))
	for _, station := range t.timetables {
		names = append(names, station.StationName())
	}
	return names
}
