package iris

import (
	"encoding/xml"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// EventStatus is the IRIS stop/event status code.
type EventStatus string

const (
	// EventStatusPlanned marks a regular scheduled event. Also used when a
	// cancellation has been revoked.
	EventStatusPlanned EventStatus = "p"

	// EventStatusAdded marks an event added on top of the planned data
	// (an unscheduled extra stop).
	EventStatusAdded EventStatus = "a"

	// EventStatusCancelled marks a cancelled event. Can apply to both
	// planned and added stops.
	EventStatusCancelled EventStatus = "c"
)

func (s EventStatus) String() string {
	switch s {
	case EventStatusAdded:
		return "Added"
	case EventStatusCancelled:
		return "Cancelled"
	default:
		return "Planned"
	}
}

// PathStop is one entry of a reconciled neighbour path. Not part of the
// upstream API.
type PathStop struct {
	Name   string
	Status EventStatus
}

// StopID uniquely identifies one stop of one trip. Wire form is three
// dash-separated elements: a daily trip id (reused on subsequent days, may
// itself be negative), a date specifier for the trip's departure date from
// its start station, and the index of the stop within the trip. Added trips
// get indices above 100.
type StopID struct {
	DailyTripID   string
	DateSpecifier string
	StopIndex     int
}

// FullID is the canonical string form, e.g. "-7874571842864554321-140331-11".
func (id StopID) FullID() string {
	return fmt.Sprintf("%s-%s-%d", id.DailyTripID, id.DateSpecifier, id.StopIndex)
}

// TripID drops the stop index, identifying the trip across all its stops.
func (id StopID) TripID() string {
	return fmt.Sprintf("%s-%s", id.DailyTripID, id.DateSpecifier)
}

// Date is the planned departure date of the trip from its start station.
func (id StopID) Date() (time.Time, error) {
	if len(id.DateSpecifier) < 6 {
		return time.Time{}, fmt.Errorf("date specifier %q too short", id.DateSpecifier)
	}

	return time.ParseInLocation("060102", id.DateSpecifier[:6], time.Local)
}

// ParseStopID parses the wire form. The daily trip id may contain dashes
// and a leading sign, so the id is split from the right.
func ParseStopID(value string) (StopID, error) {
	lastDash := strings.LastIndex(value, "-")
	if lastDash <= 0 {
		return StopID{}, fmt.Errorf("stop id %q has no stop index", value)
	}

	index, err := strconv.Atoi(value[lastDash+1:])
	if err != nil {
		return StopID{}, fmt.Errorf("stop id %q has invalid stop index: %w", value, err)
	}

	rest := value[:lastDash]
	dateDash := strings.LastIndex(rest, "-")
	if dateDash <= 0 {
		return StopID{}, fmt.Errorf("stop id %q has no date specifier", value)
	}

	id := StopID{
		DailyTripID:   rest[:dateDash],
		DateSpecifier: rest[dateDash+1:],
		StopIndex:     index,
	}
	if id.DailyTripID == "" || id.DateSpecifier == "" {
		return StopID{}, fmt.Errorf("stop id %q is incomplete", value)
	}

	return id, nil
}

func (id *StopID) UnmarshalXMLAttr(attr xml.Attr) error {
	parsed, err := ParseStopID(attr.Value)
	if err != nil {
		return err
	}

	*id = parsed
	return nil
}

func (id StopID) MarshalXMLAttr(name xml.Name) (xml.Attr, error) {
	return xml.Attr{Name: name, Value: id.FullID()}, nil
}

// TripLabel carries the common data items characterising a trip.
type TripLabel struct {
	Category    string `xml:"c,attr"` // e.g. "ICE" or "RE"
	TrainNumber string `xml:"n,attr"` // e.g. "4523"
	Owner       string `xml:"o,attr"` // EVU short form
	FilterFlags string `xml:"f,attr"`
	TripType    string `xml:"t,attr"`
}

// Message is a free-form message attached to an event, stop or timetable.
type Message struct {
	ID        string `xml:"id,attr"`
	Type      string `xml:"t,attr"`
	Code      string `xml:"c,attr"`
	Category  string `xml:"cat,attr"`
	Priority  string `xml:"pr,attr"`
	Owner     string `xml:"o,attr"`
	Timestamp *Time  `xml:"ts,attr"`
	ValidFrom *Time  `xml:"from,attr"`
	ValidTo   *Time  `xml:"to,attr"`
}

// Event is one side (arrival or departure) of a stop.
//
// The planned attributes come from the plan feed and never change; the
// changed attributes come from the changes feed. ActualStatus and
// ActualPath are derived locally from the other fields and must be
// recomputed whenever any input field changes.
type Event struct {
	PlannedTime     *Time       `xml:"pt,attr"`
	ChangedTime     *Time       `xml:"ct,attr"`
	PlannedPlatform string      `xml:"pp,attr"`
	ChangedPlatform string      `xml:"cp,attr"`
	PlannedPath     Path        `xml:"ppth,attr"`
	ChangedPath     Path        `xml:"cpth,attr"`
	PlannedStatus   EventStatus `xml:"ps,attr"`
	ChangedStatus   EventStatus `xml:"cs,attr"`

	// Line indicator, e.g. "3" for an S-Bahn or "45S" for a bus.
	Line string `xml:"l,attr"`

	PlannedDistantEndpoint string `xml:"pde,attr"`
	ChangedDistantEndpoint string `xml:"cde,attr"`
	DistantChange          string `xml:"dc,attr"`

	// Time the cancellation of this event was created.
	CancellationTime *Time `xml:"clt,attr"`

	// 1 if travellers are not supposed to enter or exit here.
	Hidden int `xml:"hi,attr"`

	// Trip id of the previous/next trip of a shared train.
	Transition string `xml:"tra,attr"`

	// Pipe-separated trip ids of wing trips.
	Wings string `xml:"wings,attr"`

	Messages []Message `xml:"m"`

	// Derived, not part of the upstream API.
	ActualStatus EventStatus `xml:"-"`
	ActualPath   []PathStop  `xml:"-"`
}

// TimetableStop is one trip's visit to one station.
type TimetableStop struct {
	ID StopID `xml:"id,attr"`

	// EVA number of the station. The plan endpoint omits this for a subset
	// of responses; callers backfill it from the surrounding timetable.
	EVA int64 `xml:"eva,attr"`

	TripLabel *TripLabel `xml:"tl"`
	Arrival   *Event     `xml:"ar"`
	Departure *Event     `xml:"dp"`

	Messages []Message `xml:"m"`
}

// IsAdded reports whether this is a genuinely unplanned stop, i.e. one
// whose planned status on either side is Added.
func (s *TimetableStop) IsAdded() bool {
	if s.Arrival != nil && s.Arrival.PlannedStatus == EventStatusAdded {
		return true
	}

	return s.Departure != nil && s.Departure.PlannedStatus == EventStatusAdded
}

// Status derives the overall stop status from both events: Cancelled
// dominates, then Added, then Planned.
func (s *TimetableStop) Status() EventStatus {
	arrival := EventStatusPlanned
	if s.Arrival != nil && s.Arrival.ActualStatus != "" {
		arrival = s.Arrival.ActualStatus
	}
	departure := EventStatusPlanned
	if s.Departure != nil && s.Departure.ActualStatus != "" {
		departure = s.Departure.ActualStatus
	}

	switch {
	case arrival == EventStatusCancelled || departure == EventStatusCancelled:
		return EventStatusCancelled
	case arrival == EventStatusAdded || departure == EventStatusAdded:
		return EventStatusAdded
	default:
		return EventStatusPlanned
	}
}

// ArrivalPath is the reconciled path of stations before this stop.
func (s *TimetableStop) ArrivalPath() []PathStop {
	if s.Arrival == nil {
		return nil
	}

	return s.Arrival.ActualPath
}

// DeparturePath is the reconciled path of stations after this stop.
func (s *TimetableStop) DeparturePath() []PathStop {
	if s.Departure == nil {
		return nil
	}

	return s.Departure.ActualPath
}

// Line returns the best display line for this stop: the line indicator of
// either event, falling back to the train number (ICE, IC, EC and friends
// carry no line indicator).
func (s *TimetableStop) DisplayLine() string {
	if s.Arrival != nil && s.Arrival.Line != "" {
		return s.Arrival.Line
	}
	if s.Departure != nil && s.Departure.Line != "" {
		return s.Departure.Line
	}
	if s.TripLabel != nil && s.TripLabel.TrainNumber != "" {
		return s.TripLabel.TrainNumber
	}

	return "unknown"
}

// Category returns the trip category, e.g. "ICE" or "RE".
func (s *TimetableStop) Category() string {
	if s.TripLabel != nil && s.TripLabel.Category != "" {
		return s.TripLabel.Category
	}

	return "unknown"
}

// Timetable is a set of stops for one station, as returned by both the
// plan and the changes endpoints.
type Timetable struct {
	XMLName xml.Name `xml:"timetable"`

	Station string `xml:"station,attr"`
	EVA     int64  `xml:"eva,attr"`

	Stops    []TimetableStop `xml:"s"`
	Messages []Message       `xml:"m"`
}

// StationData is one entry of the station resolution endpoint.
type StationData struct {
	Name  string `xml:"name,attr"`
	EVA   int64  `xml:"eva,attr"`
	DS100 string `xml:"ds100,attr"`

	// Pipe-separated lists.
	MetaStations string `xml:"meta,attr"`
	Platforms    string `xml:"p,attr"`

	DB bool `xml:"db,attr"`
}

// Stations is the station resolution response.
type Stations struct {
	XMLName xml.Name `xml:"stations"`

	Stations []StationData `xml:"station"`
}
