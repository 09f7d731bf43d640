package timetable

import (
	"github.com/DerBusNachRaisdorf/OpenTransitAndMobility/pkg/realtime/deutschebahn/iris"
)

// ReconcilePath merges the planned route of an event with its revised route
// into a single annotated path. Stations present in both keep their planned
// status, stations missing from the revision are marked cancelled and
// stations only present in the revision are marked added. Order is preserved:
// cancelled stations appear where the plan had them, added stations where the
// revision has them.
func ReconcilePath(planned []string, changed []string) []iris.PathStop {
	if changed == nil {
		result := make([]iris.PathStop, 0, len(planned))
		for _, name := range planned {
			result = append(result, iris.PathStop{Name: name, Status: iris.EventStatusPlanned})
		}
		return result
	}

	result := make([]iris.PathStop, 0, len(planned))
	j := 0
	for i := 0; i < len(changed); {
		if j < len(planned) && planned[j] == changed[i] {
			result = append(result, iris.PathStop{Name: planned[j], Status: iris.EventStatusPlanned})
			j++
			i++
			continue
		}

		// The paths diverge. Find the next realignment point: the first
		// remaining planned station that still occurs in the remaining
		// revision. Everything skipped on the planned side was cancelled,
		// everything skipped on the revised side was added.
		pk := len(planned)
		ck := len(changed)
		for p := j; p < len(planned); p++ {
			for c := i; c < len(changed); c++ {
				if planned[p] == changed[c] {
					pk = p
					ck = c
					break
				}
			}
			if pk != len(planned) {
				break
			}
		}

		for _, name := range planned[j:pk] {
			result = append(result, iris.PathStop{Name: name, Status: iris.EventStatusCancelled})
		}
		for _, name := range changed[i:ck] {
			result = append(result, iris.PathStop{Name: name, Status: iris.EventStatusAdded})
		}
		j = pk
		i = ck
	}

	// Planned stations after the end of the revision no longer get served.
	for _, name := range planned[j:] {
		result = append(result, iris.PathStop{Name: name, Status: iris.EventStatusCancelled})
	}

	return result
}

// RecalculateEvent refreshes the derived fields of an event from its planned
// and changed attributes. Must be called after either side was modified.
func RecalculateEvent(event *iris.Event) {
	if event == nil {
		return
	}

	switch {
	case event.ChangedStatus != "":
		event.ActualStatus = event.ChangedStatus
	case event.PlannedStatus != "":
		event.ActualStatus = event.PlannedStatus
	default:
		event.ActualStatus = iris.EventStatusPlanned
	}

	event.ActualPath = ReconcilePath(event.PlannedPath, event.ChangedPath)
}

// RecalculateStop refreshes the derived fields of both events of a stop.
func RecalculateStop(stop *iris.TimetableStop) {
	RecalculateEvent(stop.Arrival)
	RecalculateEvent(stop.Departure)
}
