package billing

import (
	"testing"
	"time"
)

func TestAddMonths(t *testing.T) {
	tests := []struct {
		name   string
		in     time.Time
		months int
		want   time.Time
	}{
		{
			name:   "mid month",
			in:     time.Date(2024, 1, 10, 9, 30, 0, 0, time.UTC),
			months: 1,
			want:   time.Date(2024, 2, 10, 9, 30, 0, 0, time.UTC),
		},
		{
			name:   "Jan 31 to leap February",
			in:     time.Date(2024, 1, 31, 0, 0, 0, 0, time.UTC),
			months: 1,
			want:   time.Date(2024, 2, 29, 0, 0, 0, 0, time.UTC),
		},
		{
			name:   "Jan 31 to February",
			in:     time.Date(2023, 1, 31, 0, 0, 0, 0, time.UTC),
			months: 1,
			want:   time.Date(2023, 2, 28, 0, 0, 0, 0, time.UTC),
		},
		{
			name:   "yearly from leap day",
			in:     time.Date(2024, 2, 29, 0, 0, 0, 0, time.UTC),
			months: 12,
			want:   time.Date(2025, 2, 28, 0, 0, 0, 0, time.UTC),
		},
		{
			name:   "crosses year boundary",
			in:     time.Date(2023, 12, 15, 0, 0, 0, 0, time.UTC),
			months: 1,
			want:   time.Date(2024, 1, 15, 0, 0, 0, 0, time.UTC),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := AddMonths(tt.in, tt.months)
			if !got.Equal(tt.want) {
				t.Errorf("AddMonths(%v, %d) = %v, want %v", tt.in, tt.months, got, tt.want)
			}
		})
	}
}

func TestExtendPeriodEnd_KeepsAnniversary(t *testing.T) {
	start := time.Date(2023, 1, 31, 0, 0, 0, 0, time.UTC)
	end := AddMonths(start, 1) // Feb 28

	next := ExtendPeriodEnd(start, end, 1)
	want := time.Date(2023, 3, 31, 0, 0, 0, 0, time.UTC)
	if !next.Equal(want) {
		t.Fatalf("ExtendPeriodEnd = %v, want %v", next, want)
	}

	next = ExtendPeriodEnd(start, next, 1)
	want = time.Date(2023, 4, 30, 0, 0, 0, 0, time.UTC)
	if !next.Equal(want) {
		t.Fatalf("ExtendPeriodEnd = %v, want %v", next, want)
	}
}

func TestExtendPeriodEnd_OffGrid(t *testing.T) {
	start := time.Date(2023, 1, 10, 0, 0, 0, 0, time.UTC)
	end := time.Date(2023, 2, 20, 0, 0, 0, 0, time.UTC)

	got := ExtendPeriodEnd(start, end, 1)
	want := time.Date(2023, 3, 20, 0, 0, 0, 0, time.UTC)
	if !got.Equal(want) {
		t.Errorf("ExtendPeriodEnd = %v, want %v", got, want)
	}
}

func TestExtendPeriodEnd_Yearly(t *testing.T) {
	start := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	end := AddMonths(start, 12)

	got := ExtendPeriodEnd(start, end, 12)
	want := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	if !got.Equal(want) {
		t.Errorf("ExtendPeriodEnd = %v, want %v", got, want)
	}
}
