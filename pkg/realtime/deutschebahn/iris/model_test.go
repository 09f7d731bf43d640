package iris_test

import (
	"encoding/xml"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/DerBusNachRaisdorf/OpenTransitAndMobility/pkg/realtime/deutschebahn/iris"
)

const planXML = `
<timetable station="Kiel Hbf" eva="8000199">
  <s id="-7874571842864554321-2401311221-11">
    <tl f="F" t="p" o="80" c="ICE" n="4523"/>
    <ar pt="2401311200" pp="5" ppth="Hamburg Hbf|Neum&#252;nster" l="3"/>
    <dp pt="2401311202" pp="5" ppth="Rendsburg|Flensburg"/>
  </s>
  <s id="5555-2401311230-1">
    <dp pt="2401311230" ppth="Preetz|Pl&#246;n"/>
  </s>
</timetable>`

const changesXML = `
<timetable station="Kiel Hbf" eva="8000199">
  <s id="-7874571842864554321-2401311221-11" eva="8000199">
    <ar ct="2401311215" cp="6" cpth="Hamburg Hbf|Elmshorn|Neum&#252;nster" cs="p"/>
    <dp cs="c" clt="2401311205">
      <m id="r1" t="d" ts="2401311204" cat="St&#246;rung"/>
    </dp>
  </s>
</timetable>`

func TestDecodePlanTimetable(t *testing.T) {
	var timetable iris.Timetable
	require.NoError(t, xml.Unmarshal([]byte(planXML), &timetable))

	assert.Equal(t, "Kiel Hbf", timetable.Station)
	assert.Equal(t, int64(8000199), timetable.EVA)
	require.Len(t, timetable.Stops, 2)

	stop := timetable.Stops[0]
	assert.Equal(t, "-7874571842864554321", stop.ID.DailyTripID)
	assert.Equal(t, "2401311221", stop.ID.DateSpecifier)
	assert.Equal(t, 11, stop.ID.StopIndex)
	assert.Equal(t, "-7874571842864554321-2401311221-11", stop.ID.FullID())
	assert.Equal(t, "-7874571842864554321-2401311221", stop.ID.TripID())

	require.NotNil(t, stop.TripLabel)
	assert.Equal(t, "ICE", stop.TripLabel.Category)
	assert.Equal(t, "4523", stop.TripLabel.TrainNumber)
	assert.Equal(t, "80", stop.TripLabel.Owner)

	require.NotNil(t, stop.Arrival)
	assert.Equal(t, iris.Path{"Hamburg Hbf", "Neumünster"}, stop.Arrival.PlannedPath)
	assert.Nil(t, stop.Arrival.ChangedPath)
	assert.Equal(t, "5", stop.Arrival.PlannedPlatform)
	assert.Equal(t, "3", stop.Arrival.Line)

	require.NotNil(t, stop.Arrival.PlannedTime)
	expected := time.Date(2024, 1, 31, 12, 0, 0, 0, time.Local)
	assert.True(t, stop.Arrival.PlannedTime.Equal(expected))

	// missing eva on the stop element must decode as zero for backfilling
	assert.Equal(t, int64(0), timetable.Stops[1].EVA)
	assert.Nil(t, timetable.Stops[1].Arrival)
}

func TestDecodeChangesTimetable(t *testing.T) {
	var timetable iris.Timetable
	require.NoError(t, xml.Unmarshal([]byte(changesXML), &timetable))

	require.Len(t, timetable.Stops, 1)
	stop := timetable.Stops[0]
	assert.Equal(t, int64(8000199), stop.EVA)

	require.NotNil(t, stop.Arrival)
	assert.Equal(t, iris.Path{"Hamburg Hbf", "Elmshorn", "Neumünster"}, stop.Arrival.ChangedPath)
	assert.Equal(t, "6", stop.Arrival.ChangedPlatform)
	assert.Equal(t, iris.EventStatusPlanned, stop.Arrival.ChangedStatus)

	require.NotNil(t, stop.Departure)
	assert.Equal(t, iris.EventStatusCancelled, stop.Departure.ChangedStatus)
	require.NotNil(t, stop.Departure.CancellationTime)
	require.Len(t, stop.Departure.Messages, 1)
	assert.Equal(t, "r1", stop.Departure.Messages[0].ID)
}

func TestParseStopID(t *testing.T) {
	id, err := iris.ParseStopID("-7874571842864554321-2403311221-11")
	require.NoError(t, err)
	assert.Equal(t, "-7874571842864554321", id.DailyTripID)
	assert.Equal(t, "2403311221", id.DateSpecifier)
	assert.Equal(t, 11, id.StopIndex)

	date, err := id.Date()
	require.NoError(t, err)
	assert.Equal(t, time.Date(2024, 3, 31, 0, 0, 0, 0, time.Local), date)

	_, err = iris.ParseStopID("not-an-id")
	assert.Error(t, err)

	_, err = iris.ParseStopID("11")
	assert.Error(t, err)
}

func TestStopStatusDerivation(t *testing.T) {
	stop := iris.TimetableStop{
		Arrival:   &iris.Event{ActualStatus: iris.EventStatusAdded},
		Departure: &iris.Event{ActualStatus: iris.EventStatusCancelled},
	}
	assert.Equal(t, iris.EventStatusCancelled, stop.Status())

	stop.Departure.ActualStatus = iris.EventStatusPlanned
	assert.Equal(t, iris.EventStatusAdded, stop.Status())

	assert.Equal(t, iris.EventStatusPlanned, (&iris.TimetableStop{}).Status())
}

func TestIsAdded(t *testing.T) {
	assert.True(t, (&iris.TimetableStop{
		Departure: &iris.Event{PlannedStatus: iris.EventStatusAdded},
	}).IsAdded())
	assert.False(t, (&iris.TimetableStop{
		Departure: &iris.Event{ChangedStatus: iris.EventStatusAdded},
	}).IsAdded())
}
