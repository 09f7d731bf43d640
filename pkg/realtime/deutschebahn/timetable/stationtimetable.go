package timetable

import (
	"context"
	"sync"
	"time"

	"github.com/jinzhu/copier"
	"github.com/rs/zerolog/log"
	"golang.org/x/exp/slices"

	"github.com/DerBusNachRaisdorf/OpenTransitAndMobility/pkg/realtime/deutschebahn/iris"
	"github.com/DerBusNachRaisdorf/OpenTransitAndMobility/pkg/util"
)

const (
	// planPrefetchHours is how far into the future plan slices are fetched.
	planPrefetchHours = 2

	// removeStopAfter is how long a stop stays tracked past its last
	// relevant event time. Generous because heavily delayed trains keep
	// receiving updates long after their planned times.
	removeStopAfter = 120 * time.Minute

	// snapshotStaleTolerance filters stops out of snapshot views a little
	// earlier than they are evicted from tracking.
	snapshotStaleTolerance = 2 * time.Minute

	evictionInterval = 2 * time.Hour
)

// Fetcher is the upstream the timetable polls. Implemented by iris.Client.
type Fetcher interface {
	GetPlan(ctx context.Context, eva int64, slice time.Time) (*iris.Timetable, error)
	GetKnownChanges(ctx context.Context, eva int64) (*iris.Timetable, error)
}

// TrackedStop is one stop under live tracking. All access to the contained
// stop goes through the methods here; the mutex makes a whole patch visible
// atomically to concurrent readers.
type TrackedStop struct {
	mu   sync.RWMutex
	stop iris.TimetableStop
}

func newTrackedStop(stop iris.TimetableStop) *TrackedStop {
	RecalculateStop(&stop)
	return &TrackedStop{stop: stop}
}

func (s *TrackedStop) ID() iris.StopID {
	return s.stop.ID
}

func (s *TrackedStop) FullID() string {
	return s.stop.ID.FullID()
}

// Snapshot returns a deep copy of the current stop state. The copy shares
// nothing with the tracked stop and is safe to hand out.
func (s *TrackedStop) Snapshot() iris.TimetableStop {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var snapshot iris.TimetableStop
	if err := copier.CopyWithOption(&snapshot, &s.stop, copier.Option{DeepCopy: true}); err != nil {
		log.Error().Err(err).Str("stop", s.stop.ID.FullID()).Msg("Failed to snapshot stop")
		return s.stop
	}

	return snapshot
}

func (s *TrackedStop) apply(cfg SignificanceConfig, incoming *iris.TimetableStop) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	return ApplyStopUpdate(cfg, &s.stop, incoming)
}

// RefreshStatus classifies the outcome of one refresh cycle.
type RefreshStatus int

const (
	// RefreshOk means updates were fetched and applied.
	RefreshOk RefreshStatus = iota
	// RefreshOkEmpty means the upstream answered but had nothing new.
	RefreshOkEmpty
	// RefreshPartial means some fetches failed but the cycle still made
	// progress. The failed parts are retried next cycle.
	RefreshPartial
	// RefreshFailed means nothing could be fetched at all.
	RefreshFailed
)

func (s RefreshStatus) String() string {
	switch s {
	case RefreshOk:
		return "ok"
	case RefreshOkEmpty:
		return "ok_empty"
	case RefreshPartial:
		return "partial"
	default:
		return "failed"
	}
}

// RefreshResult is the outcome of one RefreshCycle.
type RefreshResult struct {
	Status RefreshStatus

	// Updated contains the stops that received a significant update this
	// cycle, including newly inserted ones.
	Updated []*TrackedStop

	Errors []error
}

func (r RefreshResult) Failed() bool {
	return r.Status == RefreshFailed
}

// StationTimetable tracks the live timetable of a single station by polling
// the plan and changes feeds and patching the tracked stops in place.
type StationTimetable struct {
	fetcher     Fetcher
	cfg         SignificanceConfig
	eva         int64
	stationName string
	nameAliases []string

	mu    sync.RWMutex
	stops map[string]*TrackedStop

	// fetchNext is the next plan slice to fetch. Advanced one hour per
	// successful plan fetch, so a failed slice is retried next cycle.
	fetchNext       time.Time
	lastEvictionRun time.Time
	lastUpdate      *time.Time

	removedStops []iris.TimetableStop

	// unappliedChanges holds change stops that referenced a trip not yet
	// known from the plan feed. Replayed when the plan catches up, or as a
	// fallback when the changes feed is down.
	unappliedChanges []iris.TimetableStop
}

func NewStationTimetable(fetcher Fetcher, eva int64, stationName string, nameAliases []string) *StationTimetable {
	return &StationTimetable{
		fetcher:     fetcher,
		cfg:         DefaultSignificanceConfig,
		eva:         eva,
		stationName: stationName,
		nameAliases: nameAliases,
		stops:       map[string]*TrackedStop{},
		fetchNext:   time.Now().Truncate(time.Hour),
	}
}

func (t *StationTimetable) StationName() string {
	return t.stationName
}

func (t *StationTimetable) EVA() int64 {
	return t.eva
}

// IsOwnStationName reports whether name refers to this station, either
// exactly, via a configured alias, or after normalisation.
func (t *StationTimetable) IsOwnStationName(name string) bool {
	if name == t.stationName || util.ContainsString(t.nameAliases, name) {
		return true
	}

	key := util.MakeStationNameKey(name)
	if key == util.MakeStationNameKey(t.stationName) {
		return true
	}
	for _, alias := range t.nameAliases {
		if key == util.MakeStationNameKey(alias) {
			return true
		}
	}

	return false
}

// LastUpdated is the time of the last cycle that fetched anything, nil
// before the first one.
func (t *StationTimetable) LastUpdated() *time.Time {
	t.mu.RLock()
	defer t.mu.RUnlock()

	return t.lastUpdate
}

// RefreshCycle fetches pending plan slices and the current known changes and
// applies both. Call it periodically; each call retries whatever the
// previous one could not get.
func (t *StationTimetable) RefreshCycle(ctx context.Context) RefreshResult {
	result := RefreshResult{}

	planFetched, planErr := t.fetchPlan(ctx, &result)
	if planErr != nil {
		result.Errors = append(result.Errors, planErr)
	}

	changes, changesErr := t.fetcher.GetKnownChanges(ctx, t.eva)
	if changesErr != nil {
		result.Errors = append(result.Errors, changesErr)
	}

	switch {
	case changesErr == nil:
		t.applyChanges(changes.Stops, &result)
		if planErr != nil {
			result.Status = RefreshPartial
		} else if len(result.Updated) == 0 {
			result.Status = RefreshOkEmpty
		} else {
			result.Status = RefreshOk
		}
	case planFetched > 0 || planErr == nil:
		// The changes feed is down but the plan feed still works. Replay
		// buffered changes so stops that just arrived via the plan get the
		// revisions we already know about.
		t.replayUnapplied(&result)
		result.Status = RefreshPartial
	default:
		result.Status = RefreshFailed
	}

	if result.Status != RefreshFailed {
		now := time.Now()
		t.mu.Lock()
		t.lastUpdate = &now
		t.mu.Unlock()
	}

	t.evictOutdated(false)

	return result
}

// fetchPlan fetches all plan slices between the cursor and the prefetch
// horizon. Stops at the first failing slice so it gets retried next cycle.
func (t *StationTimetable) fetchPlan(ctx context.Context, result *RefreshResult) (int, error) {
	horizon := time.Now().Add(planPrefetchHours * time.Hour)
	fetched := 0

	for t.fetchNext.Before(horizon) {
		timetable, err := t.fetcher.GetPlan(ctx, t.eva, t.fetchNext)
		if err != nil {
			return fetched, err
		}

		for _, stop := range timetable.Stops {
			if stop.EVA == 0 {
				if timetable.EVA != 0 {
					stop.EVA = timetable.EVA
				} else {
					stop.EVA = t.eva
				}
			}
			t.insertOrPatch(stop, result)
		}

		t.fetchNext = t.fetchNext.Add(time.Hour)
		fetched++
	}

	return fetched, nil
}

// insertOrPatch merges a plan stop. Plan stops always get tracked, whether
// the trip is already known or not.
func (t *StationTimetable) insertOrPatch(stop iris.TimetableStop, result *RefreshResult) {
	id := stop.ID.FullID()

	t.mu.Lock()
	tracked, ok := t.stops[id]
	if !ok {
		tracked = newTrackedStop(stop)
		t.stops[id] = tracked
	}
	t.mu.Unlock()

	if !ok {
		result.Updated = append(result.Updated, tracked)
		return
	}

	if tracked.apply(t.cfg, &stop) {
		result.Updated = append(result.Updated, tracked)
	}
}

// applyChanges merges a full set of change stops. Changes for unknown trips
// are only inserted when the trip is marked as added; everything else is
// buffered until the plan feed delivers the trip.
func (t *StationTimetable) applyChanges(stops []iris.TimetableStop, result *RefreshResult) {
	unapplied := []iris.TimetableStop{}

	for _, stop := range stops {
		if stop.EVA == 0 {
			stop.EVA = t.eva
		}

		id := stop.ID.FullID()
		t.mu.RLock()
		tracked, ok := t.stops[id]
		t.mu.RUnlock()

		if ok {
			if tracked.apply(t.cfg, &stop) {
				result.Updated = append(result.Updated, tracked)
			}
			continue
		}

		if stop.IsAdded() {
			tracked = newTrackedStop(stop)
			t.mu.Lock()
			t.stops[id] = tracked
			t.mu.Unlock()
			result.Updated = append(result.Updated, tracked)
			continue
		}

		// A change for a stop the plan feed has not delivered yet, most
		// likely because the slice fetch is lagging behind.
		unapplied = append(unapplied, stop)
	}

	// The feed always carries the full current change set, so the buffer is
	// replaced rather than appended to.
	t.mu.Lock()
	t.unappliedChanges = unapplied
	t.mu.Unlock()
}

func (t *StationTimetable) replayUnapplied(result *RefreshResult) {
	t.mu.Lock()
	buffered := t.unappliedChanges
	t.mu.Unlock()

	if len(buffered) == 0 {
		return
	}

	log.Debug().
		Str("station", t.stationName).
		Int("stops", len(buffered)).
		Msg("Replaying buffered changes")

	t.applyChanges(buffered, result)
}

func relevantEventTime(event *iris.Event) *iris.Time {
	if event == nil {
		return nil
	}
	if event.ChangedTime != nil {
		return event.ChangedTime
	}
	return event.PlannedTime
}

func isEventOutdated(event *iris.Event, now time.Time, tolerance time.Duration) bool {
	when := relevantEventTime(event)
	if when == nil {
		return true
	}
	return now.Sub(when.Time) > tolerance
}

func isStopOutdated(stop *iris.TimetableStop, now time.Time, tolerance time.Duration) bool {
	if stop.Arrival == nil && stop.Departure == nil {
		return true
	}
	if stop.Arrival != nil && !isEventOutdated(stop.Arrival, now, tolerance) {
		return false
	}
	if stop.Departure != nil && !isEventOutdated(stop.Departure, now, tolerance) {
		return false
	}
	return true
}

// evictOutdated removes stops whose events are all in the past. Runs at most
// once per eviction interval unless forced.
func (t *StationTimetable) evictOutdated(force bool) {
	now := time.Now()
	t.mu.Lock()
	if !force && now.Sub(t.lastEvictionRun) < evictionInterval {
		t.mu.Unlock()
		return
	}
	t.lastEvictionRun = now
	t.mu.Unlock()

	outdated := []string{}
	t.mu.RLock()
	for id, tracked := range t.stops {
		snapshot := tracked.Snapshot()
		if isStopOutdated(&snapshot, now, removeStopAfter) {
			outdated = append(outdated, id)
		}
	}
	t.mu.RUnlock()

	if len(outdated) == 0 {
		return
	}

	t.mu.Lock()
	for _, id := range outdated {
		if tracked, ok := t.stops[id]; ok {
			t.removedStops = append(t.removedStops, tracked.Snapshot())
			delete(t.stops, id)
		}
	}
	t.mu.Unlock()

	log.Debug().
		Str("station", t.stationName).
		Int("stops", len(outdated)).
		Msg("Evicted outdated stops")
}

// DrainRemoved returns the stops evicted since the last call and clears the
// list.
func (t *StationTimetable) DrainRemoved() []iris.TimetableStop {
	t.mu.Lock()
	defer t.mu.Unlock()

	removed := t.removedStops
	t.removedStops = nil
	return removed
}

// stopSortTime is the time a stop is ordered by in timetable views.
func stopSortTime(stop *iris.TimetableStop, fallback time.Time) time.Time {
	candidates := []*iris.Time{}
	if stop.Departure != nil {
		candidates = append(candidates, stop.Departure.PlannedTime, stop.Departure.ChangedTime)
	}
	if stop.Arrival != nil {
		candidates = append(candidates, stop.Arrival.PlannedTime, stop.Arrival.ChangedTime)
	}
	for _, candidate := range candidates {
		if candidate != nil {
			return candidate.Time
		}
	}
	return fallback
}

// CurrentTrackedStops returns the live tracked stops, without any staleness
// filtering. Used for stitching, where even a just-departed stop still
// matters.
func (t *StationTimetable) CurrentTrackedStops() []*TrackedStop {
	t.mu.RLock()
	defer t.mu.RUnlock()

	stops := make([]*TrackedStop, 0, len(t.stops))
	for _, tracked := range t.stops {
		stops = append(stops, tracked)
	}
	return stops
}

// CurrentStops returns deep-copied snapshots of the currently relevant
// stops, ordered by time. Stops whose events all lie further than the
// snapshot tolerance in the past are filtered out.
func (t *StationTimetable) CurrentStops() []iris.TimetableStop {
	t.evictOutdated(true)

	now := time.Now()
	tracked := t.CurrentTrackedStops()

	stops := make([]iris.TimetableStop, 0, len(tracked))
	for _, ts := range tracked {
		snapshot := ts.Snapshot()
		if isStopOutdated(&snapshot, now, snapshotStaleTolerance) {
			continue
		}
		stops = append(stops, snapshot)
	}

	sortStopsByTime(stops, now)
	return stops
}

func sortStopsByTime(stops []iris.TimetableStop, now time.Time) {
	slices.SortStableFunc(stops, func(a, b iris.TimetableStop) int {
		return stopSortTime(&a, now).Compare(stopSortTime(&b, now))
	})
}
