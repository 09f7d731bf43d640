package util

import "strings"

var stationNameReplacer = strings.NewReplacer(
	"ö", "oe",
	"ä", "ae",
	"ü", "ue",
	"ß", "ss",
	"(", "",
	")", "",
	",", "",
	".", "",
	"-", "",
	" ", "",
)

// MakeStationNameKey normalises a station name so that naming variants of
// the same station ("Plön", "Ploen", "Plön (Holst)") compare equal.
func MakeStationNameKey(stationName string) string {
	return stationNameReplacer.Replace(strings.ToLower(stationName))
}

func ContainsString(s []string, str string) bool {
	for _, v := range s {
		if v == str {
			return true
		}
	}

	return false
}

func TrimString(s string, length int) string {
	if len(s) <= length {
		return s
	}

	return s[:length]
}
