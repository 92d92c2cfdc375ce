package reporting

import (
	"fmt"
	"time"
)

// Granularity selects the bucket size for cohort counts.
type Granularity string

const (
	Day   Granularity = "day"
	Week  Granularity = "week"
	Month Granularity = "month"
)

// Bucket counts events whose time falls in [Start, Start+one period).
type Bucket struct {
	Start time.Time `json:"start"`
	Label string    `json:"label"`
	Count int       `json:"count"`
}

// bucketStart truncates t to the start of its period in loc. Weeks are ISO
// weeks starting on Monday.
func bucketStart(t time.Time, g Granularity, loc *time.Location) time.Time {
	t = t.In(loc)
	day := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, loc)
	switch g {
	case Week:
		offset := (int(day.Weekday()) + 6) % 7
		return day.AddDate(0, 0, -offset)
	case Month:
		return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, loc)
	default:
		return day
	}
}

func nextBucket(start time.Time, g Granularity) time.Time {
	switch g {
	case Week:
		return start.AddDate(0, 0, 7)
	case Month:
		return start.AddDate(0, 1, 0)
	default:
		return start.AddDate(0, 0, 1)
	}
}

func bucketLabel(start time.Time, g Granularity) string {
	switch g {
	case Week:
		year, week := start.ISOWeek()
		return fmt.Sprintf("%d-W%02d", year, week)
	case Month:
		return start.Format("2006-01")
	default:
		return start.Format("2006-01-02")
	}
}

// bucketize counts times into contiguous buckets covering the window, empty
// periods included, so series from different windows line up.
func bucketize(times []time.Time, w Window, g Granularity, loc *time.Location) []Bucket {
	var buckets []Bucket
	index := make(map[int64]int)
	for start := bucketStart(w.From, g, loc); start.Before(w.To); start = nextBucket(start, g) {
		index[start.Unix()] = len(buckets)
		buckets = append(buckets, Bucket{Start: start, Label: bucketLabel(start, g)})
	}
	for _, t := range times {
		if i, ok := index[bucketStart(t, g, loc).Unix()]; ok {
			buckets[i].Count++
		}
	}
	return buckets
}
