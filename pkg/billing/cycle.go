package billing

import "time"

// AddMonths adds months to t, clamping to the last day of the target month.
// Jan 31 + 1 month is Feb 28 (or 29).
func AddMonths(t time.Time, months int) time.Time {
	return addMonthsWithDay(t, months, t.Day())
}

// addMonthsWithDay adds months while keeping targetDay when the result month has it,
// otherwise it uses the last day of that month.
func addMonthsWithDay(base time.Time, months, targetDay int) time.Time {
	year, month, _ := base.Date()
	first := time.Date(year, month+time.Month(months), 1, base.Hour(), base.Minute(), base.Second(),
		base.Nanosecond(), base.Location())

	// day=0 of month+1 is the last day of month.
	lastDay := time.Date(first.Year(), first.Month()+1, 0, 0, 0, 0, 0, first.Location()).Day()

	day := targetDay
	if day > lastDay {
		day = lastDay
	}
	return time.Date(first.Year(), first.Month(), day, base.Hour(), base.Minute(), base.Second(),
		base.Nanosecond(), base.Location())
}

// ExtendPeriodEnd moves a period end forward by months while keeping the
// anniversary day of start. A period Jan 31 -> Feb 28 extended by one month
// ends Mar 31, not Mar 28.
func ExtendPeriodEnd(start, end time.Time, months int) time.Time {
	if start.IsZero() || !end.After(start) {
		return AddMonths(end, months)
	}
	day := start.Day()
	for k := 1; k <= 1200; k++ {
		candidate := addMonthsWithDay(start, k, day)
		if candidate.Equal(end) {
			return addMonthsWithDay(start, k+months, day)
		}
		if candidate.After(end) {
			break
		}
	}
	// end is not on the anniversary grid (manual edits, legacy rows).
	return AddMonths(end, months)
}
