package timetable

import (
	"time"

	"golang.org/x/exp/slices"

	"github.com/DerBusNachRaisdorf/OpenTransitAndMobility/pkg/realtime/deutschebahn/iris"
)

// SignificanceConfig tunes which updates count as significant. Significant
// updates are the ones reported to downstream consumers; insignificant ones
// are still applied but silently.
type SignificanceConfig struct {
	// TimeJitterTolerance is the largest time shift that never counts as
	// significant, regardless of the planned time.
	TimeJitterTolerance time.Duration
	// MinimumDelay is the smallest delay against the planned time that
	// counts as significant.
	MinimumDelay time.Duration
}

var DefaultSignificanceConfig = SignificanceConfig{
	TimeJitterTolerance: time.Minute,
	MinimumDelay:        5 * time.Minute,
}

// applyString copies a non-empty incoming value over the current one and
// reports whether the value actually changed. Empty incoming values mean
// "not transmitted" on the wire and never clear an earlier value.
func applyString(current *string, incoming string) bool {
	if incoming == "" || incoming == *current {
		return false
	}

	*current = incoming
	return true
}

func applyStatus(current *iris.EventStatus, incoming iris.EventStatus) bool {
	if incoming == "" || incoming == *current {
		return false
	}

	*current = incoming
	return true
}

// applyTime replaces the current time with the incoming one and reports
// whether they differ by more than the jitter tolerance. A first-time value
// always counts as changed.
func applyTime(cfg SignificanceConfig, current **iris.Time, incoming *iris.Time) bool {
	if incoming == nil {
		return false
	}
	if *current == nil {
		*current = incoming
		return true
	}

	delta := incoming.Sub((*current).Time)
	*current = incoming
	if delta < 0 {
		delta = -delta
	}

	return delta > cfg.TimeJitterTolerance
}

// applyPath treats a nil incoming path as "not transmitted". An empty
// non-nil path is a real value: it revises the route down to nothing.
func applyPath(current *iris.Path, incoming iris.Path) bool {
	if incoming == nil {
		return false
	}
	if *current != nil && slices.Equal(*current, incoming) {
		return false
	}

	*current = incoming
	return true
}

// mergeMessages unions the current messages with the incoming ones by message
// id. When both carry the same id the one with the newer timestamp wins;
// without timestamps the incoming one wins.
func mergeMessages(current []iris.Message, incoming []iris.Message) []iris.Message {
	merged := current
	for _, message := range incoming {
		index := -1
		for i, existing := range merged {
			if existing.ID == message.ID {
				index = i
				break
			}
		}
		if index == -1 {
			merged = append(merged, message)
			continue
		}

		existing := merged[index]
		if message.Timestamp == nil && existing.Timestamp != nil {
			continue
		}
		if message.Timestamp != nil && existing.Timestamp != nil &&
			message.Timestamp.Before(existing.Timestamp.Time) {
			continue
		}
		merged[index] = message
	}

	return merged
}

// applyEventUpdate merges an incoming event into the current one and reports
// whether anything significant changed. The incoming event only carries the
// attributes that were transmitted, so absent fields leave the current state
// alone.
func applyEventUpdate(cfg SignificanceConfig, current *iris.Event, incoming *iris.Event) bool {
	if incoming == nil {
		return false
	}

	significant := false

	// Planned attributes normally only arrive once, but the plan feed may
	// resend them after a restart. Never significant on their own.
	applyString(&current.PlannedPlatform, incoming.PlannedPlatform)
	applyTime(cfg, &current.PlannedTime, incoming.PlannedTime)
	applyPath(&current.PlannedPath, incoming.PlannedPath)
	applyStatus(&current.PlannedStatus, incoming.PlannedStatus)

	if applyString(&current.ChangedPlatform, incoming.ChangedPlatform) {
		// A changed platform that merely confirms the planned one is not a
		// reassignment worth reporting.
		if current.PlannedPlatform != "" && current.ChangedPlatform != current.PlannedPlatform {
			significant = true
		}
	}

	if applyTime(cfg, &current.ChangedTime, incoming.ChangedTime) {
		if current.PlannedTime == nil {
			significant = true
		} else if current.ChangedTime.Sub(current.PlannedTime.Time) >= cfg.MinimumDelay {
			significant = true
		}
	}

	pathChanged := applyPath(&current.ChangedPath, incoming.ChangedPath)
	statusChanged := applyStatus(&current.ChangedStatus, incoming.ChangedStatus)
	if pathChanged || statusChanged {
		RecalculateEvent(current)
	}
	if statusChanged {
		significant = true
	}
	if pathChanged && current.ActualStatus == iris.EventStatusCancelled {
		// A rerouting only matters here when it cancels the event itself;
		// intermediate stations are reflected in the reconciled path.
		significant = true
	}

	// Carrier fields that never warrant a report on their own.
	applyString(&current.Line, incoming.Line)
	applyString(&current.PlannedDistantEndpoint, incoming.PlannedDistantEndpoint)
	applyString(&current.ChangedDistantEndpoint, incoming.ChangedDistantEndpoint)
	applyString(&current.DistantChange, incoming.DistantChange)
	applyTime(cfg, &current.CancellationTime, incoming.CancellationTime)
	if incoming.Hidden != 0 {
		current.Hidden = incoming.Hidden
	}
	applyString(&current.Transition, incoming.Transition)
	applyString(&current.Wings, incoming.Wings)

	current.Messages = mergeMessages(current.Messages, incoming.Messages)

	return significant
}

// ApplyStopUpdate merges an incoming partial stop into the current one and
// reports whether the update was significant.
func ApplyStopUpdate(cfg SignificanceConfig, current *iris.TimetableStop, incoming *iris.TimetableStop) bool {
	significant := false

	if incoming.EVA != 0 {
		current.EVA = incoming.EVA
	}
	if current.TripLabel == nil && incoming.TripLabel != nil {
		current.TripLabel = incoming.TripLabel
	}

	if current.Arrival == nil && incoming.Arrival != nil {
		current.Arrival = incoming.Arrival
		RecalculateEvent(current.Arrival)
		significant = true
	} else if applyEventUpdate(cfg, current.Arrival, incoming.Arrival) {
		significant = true
	}

	if current.Departure == nil && incoming.Departure != nil {
		current.Departure = incoming.Departure
		RecalculateEvent(current.Departure)
		significant = true
	} else if applyEventUpdate(cfg, current.Departure, incoming.Departure) {
		significant = true
	}

	current.Messages = mergeMessages(current.Messages, incoming.Messages)

	return significant
}
