package timezone

import "time"

var Location *time.Location

func init() {
	var err error
	Location, err = time.LoadLocation("America/Fortaleza")
	if err != nil {
		panic(err)
	}
}

// the BID publishes in club-local time, so search dates and
// posted-at stamps must be computed in Fortaleza regardless of
// where the process happens to run
func Now() time.Time {
	return time.Now().In(Location)
}

// SearchDate formats a time the way the BID search endpoint
// expects it (DD/MM/YYYY).
func SearchDate(t time.Time) string {
	return t.In(Location).Format("02/01/2006")
}
