package iris

import (
	"encoding/xml"
	"fmt"
	"strings"
	"time"
)

// TimestampLayout is the ten digit YYMMddHHmm format used for every
// timestamp attribute in the IRIS timetables API. Timestamps carry no zone
// information and are local time.
const TimestampLayout = "0601021504"

// Time wraps time.Time with IRIS attribute (un)marshalling.
type Time struct {
	time.Time
}

func NewTime(t time.Time) *Time {
	return &Time{Time: t}
}

func (t *Time) UnmarshalXMLAttr(attr xml.Attr) error {
	parsed, err := time.ParseInLocation(TimestampLayout, attr.Value, time.Local)
	if err != nil {
		return fmt.Errorf("invalid timetable timestamp %q: %w", attr.Value, err)
	}

	t.Time = parsed
	return nil
}

func (t Time) MarshalXMLAttr(name xml.Name) (xml.Attr, error) {
	return xml.Attr{Name: name, Value: t.Format(TimestampLayout)}, nil
}

// Path is a sequence of station names, encoded on the wire as a single
// pipe-separated attribute ("Mainz Hbf|Rüsselsheim|Frankfurt(M) Flughafen").
// A nil Path means the attribute was absent.
type Path []string

func (p *Path) UnmarshalXMLAttr(attr xml.Attr) error {
	if attr.Value == "" {
		*p = Path{}
		return nil
	}

	*p = strings.Split(attr.Value, "|")
	return nil
}

func (p Path) MarshalXMLAttr(name xml.Name) (xml.Attr, error) {
	if p == nil {
		return xml.Attr{}, nil
	}

	return xml.Attr{Name: name, Value: strings.Join(p, "|")}, nil
}
