package score

import "time"

// MonthKey derives the YYYYMM aggregate bucket for a purchase date. A zero
// timestamp means the inbound document carried no usable date; the current
// processing time is substituted, matching the behavior of the write path
// that produced the record.
func MonthKey(purchaseDate time.Time) string {
	return MonthKeyAt(purchaseDate, time.Now())
}

// MonthKeyAt is MonthKey with an explicit fallback clock.
func MonthKeyAt(purchaseDate, now time.Time) string {
	d := purchaseDate
	if d.IsZero() {
		d = now
	}
	return d.Format("200601")
}
