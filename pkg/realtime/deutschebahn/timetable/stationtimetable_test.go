package timetable

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/DerBusNachRaisdorf/OpenTransitAndMobility/pkg/realtime/deutschebahn/iris"
)

type fakeFetcher struct {
	planStops    map[string][]iris.TimetableStop // keyed by slice hour "2006-01-02 15"
	planErr      error
	planCalls    []time.Time
	changesStops []iris.TimetableStop
	changesErr   error
	changesCalls int
}

func (f *fakeFetcher) GetPlan(ctx context.Context, eva int64, slice time.Time) (*iris.Timetable, error) {
	f.planCalls = append(f.planCalls, slice)
	if f.planErr != nil {
		return nil, f.planErr
	}
	return &iris.Timetable{
		Station: "Kiel Hbf",
		EVA:     eva,
		Stops:   f.planStops[slice.Format("2006-01-02 15")],
	}, nil
}

func (f *fakeFetcher) GetKnownChanges(ctx context.Context, eva int64) (*iris.Timetable, error) {
	f.changesCalls++
	if f.changesErr != nil {
		return nil, f.changesErr
	}
	return &iris.Timetable{Station: "Kiel Hbf", EVA: eva, Stops: f.changesStops}, nil
}

func planStop(id string, departure time.Time, path ...string) iris.TimetableStop {
	parsed, err := iris.ParseStopID(id)
	if err != nil {
		panic(err)
	}
	return iris.TimetableStop{
		ID:        parsed,
		TripLabel: &iris.TripLabel{Category: "RE", TrainNumber: "7"},
		Departure: &iris.Event{
			PlannedTime: irisTime(departure),
			PlannedPath: iris.Path(path),
		},
	}
}

func changeStop(id string, event *iris.Event) iris.TimetableStop {
	parsed, err := iris.ParseStopID(id)
	if err != nil {
		panic(err)
	}
	return iris.TimetableStop{ID: parsed, Departure: event}
}

func TestRefreshCycleFetchesAllPendingSlices(t *testing.T) {
	fetcher := &fakeFetcher{planStops: map[string][]iris.TimetableStop{}}
	timetable := NewStationTimetable(fetcher, 8000199, "Kiel Hbf", nil)

	result := timetable.RefreshCycle(context.Background())

	assert.Equal(t, RefreshOkEmpty, result.Status)
	assert.Empty(t, result.Errors)
	assert.Equal(t, 1, fetcher.changesCalls)

	// all slices between the current hour and the prefetch horizon
	require.GreaterOrEqual(t, len(fetcher.planCalls), 2)
	assert.Equal(t, time.Now().Truncate(time.Hour), fetcher.planCalls[0])
	for i := 1; i < len(fetcher.planCalls); i++ {
		assert.Equal(t, fetcher.planCalls[i-1].Add(time.Hour), fetcher.planCalls[i])
	}

	// the next cycle only fetches slices that became due since
	fetcher.planCalls = nil
	timetable.RefreshCycle(context.Background())
	assert.LessOrEqual(t, len(fetcher.planCalls), 1)
}

func TestRefreshCycleTracksPlanStops(t *testing.T) {
	departure := time.Now().Add(30 * time.Minute)
	slice := time.Now().Truncate(time.Hour)
	fetcher := &fakeFetcher{planStops: map[string][]iris.TimetableStop{
		slice.Format("2006-01-02 15"): {planStop("1234-2401311221-5", departure, "Preetz", "Plön")},
	}}
	timetable := NewStationTimetable(fetcher, 8000199, "Kiel Hbf", nil)

	result := timetable.RefreshCycle(context.Background())

	assert.Equal(t, RefreshOk, result.Status)
	require.Len(t, result.Updated, 1)
	assert.Equal(t, "1234-2401311221-5", result.Updated[0].FullID())

	stops := timetable.CurrentStops()
	require.Len(t, stops, 1)
	assert.Equal(t, int64(8000199), stops[0].EVA)
	assert.Equal(t, iris.EventStatusPlanned, stops[0].Status())
	require.NotNil(t, stops[0].Departure)
	require.Len(t, stops[0].Departure.ActualPath, 2)
}

func TestRefreshCycleAppliesChanges(t *testing.T) {
	departure := time.Now().Add(30 * time.Minute)
	slice := time.Now().Truncate(time.Hour)
	fetcher := &fakeFetcher{planStops: map[string][]iris.TimetableStop{
		slice.Format("2006-01-02 15"): {planStop("1234-2401311221-5", departure)},
	}}
	timetable := NewStationTimetable(fetcher, 8000199, "Kiel Hbf", nil)
	timetable.RefreshCycle(context.Background())

	fetcher.changesStops = []iris.TimetableStop{
		changeStop("1234-2401311221-5", &iris.Event{
			ChangedTime: irisTime(departure.Add(10 * time.Minute)),
		}),
	}
	result := timetable.RefreshCycle(context.Background())

	assert.Equal(t, RefreshOk, result.Status)
	require.Len(t, result.Updated, 1)

	stops := timetable.CurrentStops()
	require.Len(t, stops, 1)
	require.NotNil(t, stops[0].Departure.ChangedTime)
	assert.True(t, stops[0].Departure.ChangedTime.Equal(departure.Add(10*time.Minute)))

	// the identical change set again reports nothing new
	result = timetable.RefreshCycle(context.Background())
	assert.Equal(t, RefreshOkEmpty, result.Status)
	assert.Empty(t, result.Updated)
}

func TestChangesForUnknownStopsAreBuffered(t *testing.T) {
	departure := time.Now().Add(30 * time.Minute)
	fetcher := &fakeFetcher{
		planStops: map[string][]iris.TimetableStop{},
		changesStops: []iris.TimetableStop{
			changeStop("1234-2401311221-5", &iris.Event{
				ChangedTime: irisTime(departure.Add(10 * time.Minute)),
			}),
		},
	}
	timetable := NewStationTimetable(fetcher, 8000199, "Kiel Hbf", nil)

	result := timetable.RefreshCycle(context.Background())
	assert.Equal(t, RefreshOkEmpty, result.Status)
	assert.Empty(t, timetable.CurrentStops())
	require.Len(t, timetable.unappliedChanges, 1)

	// the plan now delivers the trip, but the changes feed goes down; the
	// buffered change is replayed on top of the freshly tracked stop
	slice := time.Now().Truncate(time.Hour)
	timetable.fetchNext = slice
	fetcher.planStops[slice.Format("2006-01-02 15")] = []iris.TimetableStop{
		planStop("1234-2401311221-5", departure),
	}
	fetcher.changesErr = errors.New("gateway timeout")

	result = timetable.RefreshCycle(context.Background())
	assert.Equal(t, RefreshPartial, result.Status)
	require.Len(t, result.Errors, 1)

	stops := timetable.CurrentStops()
	require.Len(t, stops, 1)
	require.NotNil(t, stops[0].Departure.ChangedTime)
	assert.True(t, stops[0].Departure.ChangedTime.Equal(departure.Add(10*time.Minute)))
}

func TestAddedStopsAreTrackedFromChanges(t *testing.T) {
	departure := time.Now().Add(30 * time.Minute)
	fetcher := &fakeFetcher{
		planStops: map[string][]iris.TimetableStop{},
		changesStops: []iris.TimetableStop{
			{
				ID: mustStopID(t, "9999-2401311300-2"),
				Departure: &iris.Event{
					PlannedTime:   irisTime(departure),
					PlannedStatus: iris.EventStatusAdded,
				},
			},
		},
	}
	timetable := NewStationTimetable(fetcher, 8000199, "Kiel Hbf", nil)

	result := timetable.RefreshCycle(context.Background())
	assert.Equal(t, RefreshOk, result.Status)
	require.Len(t, result.Updated, 1)

	stops := timetable.CurrentStops()
	require.Len(t, stops, 1)
	assert.Equal(t, iris.EventStatusAdded, stops[0].Status())
	assert.Empty(t, timetable.unappliedChanges)
}

func TestRefreshCycleOutcomes(t *testing.T) {
	fetcher := &fakeFetcher{planStops: map[string][]iris.TimetableStop{}}
	timetable := NewStationTimetable(fetcher, 8000199, "Kiel Hbf", nil)

	// both feeds down
	fetcher.planErr = errors.New("plan down")
	fetcher.changesErr = errors.New("changes down")
	result := timetable.RefreshCycle(context.Background())
	assert.True(t, result.Failed())
	assert.Len(t, result.Errors, 2)
	assert.Nil(t, timetable.LastUpdated())

	// changes up, plan still down
	fetcher.changesErr = nil
	result = timetable.RefreshCycle(context.Background())
	assert.Equal(t, RefreshPartial, result.Status)
	require.NotNil(t, timetable.LastUpdated())

	// both up again
	fetcher.planErr = nil
	result = timetable.RefreshCycle(context.Background())
	assert.Equal(t, RefreshOkEmpty, result.Status)
}

func TestFailedPlanSliceIsRetried(t *testing.T) {
	fetcher := &fakeFetcher{
		planStops: map[string][]iris.TimetableStop{},
		planErr:   errors.New("plan down"),
	}
	timetable := NewStationTimetable(fetcher, 8000199, "Kiel Hbf", nil)

	start := timetable.fetchNext
	timetable.RefreshCycle(context.Background())
	assert.Equal(t, start, timetable.fetchNext)

	fetcher.planErr = nil
	timetable.RefreshCycle(context.Background())
	assert.True(t, timetable.fetchNext.After(start))
}

func TestEvictionMovesOutdatedStopsToRemoved(t *testing.T) {
	fetcher := &fakeFetcher{planStops: map[string][]iris.TimetableStop{}}
	timetable := NewStationTimetable(fetcher, 8000199, "Kiel Hbf", nil)

	old := planStop("1111-2401311221-1", time.Now().Add(-3*time.Hour))
	current := planStop("2222-2401311221-1", time.Now().Add(30*time.Minute))
	result := RefreshResult{}
	timetable.insertOrPatch(old, &result)
	timetable.insertOrPatch(current, &result)

	timetable.evictOutdated(true)

	stops := timetable.CurrentStops()
	require.Len(t, stops, 1)
	assert.Equal(t, "2222-2401311221-1", stops[0].ID.FullID())

	removed := timetable.DrainRemoved()
	require.Len(t, removed, 1)
	assert.Equal(t, "1111-2401311221-1", removed[0].ID.FullID())
	assert.Empty(t, timetable.DrainRemoved())
}

func TestRecentlyPassedStopsStayTrackedButLeaveSnapshots(t *testing.T) {
	fetcher := &fakeFetcher{planStops: map[string][]iris.TimetableStop{}}
	timetable := NewStationTimetable(fetcher, 8000199, "Kiel Hbf", nil)

	passed := planStop("1111-2401311221-1", time.Now().Add(-10*time.Minute))
	result := RefreshResult{}
	timetable.insertOrPatch(passed, &result)

	// departed ten minutes ago: still tracked for late updates, but no
	// longer part of the current view
	assert.Empty(t, timetable.CurrentStops())
	assert.Len(t, timetable.CurrentTrackedStops(), 1)
}

func TestCurrentStopsOrderedByTime(t *testing.T) {
	fetcher := &fakeFetcher{planStops: map[string][]iris.TimetableStop{}}
	timetable := NewStationTimetable(fetcher, 8000199, "Kiel Hbf", nil)

	later := planStop("1111-2401311221-1", time.Now().Add(time.Hour))
	sooner := planStop("2222-2401311221-1", time.Now().Add(10*time.Minute))
	delayed := planStop("3333-2401311221-1", time.Now().Add(20*time.Minute))
	delayed.Departure.ChangedTime = irisTime(time.Now().Add(2 * time.Hour))

	result := RefreshResult{}
	timetable.insertOrPatch(later, &result)
	timetable.insertOrPatch(sooner, &result)
	timetable.insertOrPatch(delayed, &result)

	stops := timetable.CurrentStops()
	require.Len(t, stops, 3)
	assert.Equal(t, "2222-2401311221-1", stops[0].ID.FullID())
	assert.Equal(t, "3333-2401311221-1", stops[1].ID.FullID())
	assert.Equal(t, "1111-2401311221-1", stops[2].ID.FullID())
}

func TestSnapshotIsIndependent(t *testing.T) {
	tracked := newTrackedStop(planStop("1234-2401311221-5", time.Now(), "Preetz"))

	snapshot := tracked.Snapshot()
	snapshot.Departure.PlannedPath[0] = "changed"
	snapshot.Departure.PlannedPlatform = "9"

	fresh := tracked.Snapshot()
	assert.Equal(t, "Preetz", fresh.Departure.PlannedPath[0])
	assert.Empty(t, fresh.Departure.PlannedPlatform)
}

func TestIsOwnStationName(t *testing.T) {
	timetable := NewStationTimetable(nil, 8000199, "Kiel Hbf", []string{"Kiel Hauptbahnhof"})

	assert.True(t, timetable.IsOwnStationName("Kiel Hbf"))
	assert.True(t, timetable.IsOwnStationName("Kiel Hauptbahnhof"))
	assert.True(t, timetable.IsOwnStationName("kiel hbf"))
	assert.False(t, timetable.IsOwnStationName("Kiel-Russee"))
}

func mustStopID(t *testing.T, value string) iris.StopID {
	t.Helper()
	id, err := iris.ParseStopID(value)
	require.NoError(t, err)
	return id
}
