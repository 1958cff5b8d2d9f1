package listing

import (
	"strconv"
	"strings"
	"time"
)

// SchoolYear returns "YYYY-YYYY+1" for the school year containing t. The
// year rolls over on the first day of startMonth.
func SchoolYear(t time.Time, startMonth time.Month) string {
	y := t.Year()
	if t.Month() < startMonth {
		y--
	}
	return strconv.Itoa(y) + "-" + strconv.Itoa(y+1)
}

// ExpandURL fills the placeholders of a listing URL template:
// {page} (1-based), {page0} (0-based) and {school_year}.
func ExpandURL(tmpl string, page int, now time.Time, startMonth time.Month) string {
	return strings.NewReplacer(
		"{page}", strconv.Itoa(page),
		"{page0}", strconv.Itoa(page-1),
		"{school_year}", SchoolYear(now, startMonth),
	).Replace(tmpl)
}
