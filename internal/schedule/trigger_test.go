package schedule

import (
	"testing"
	"time"
)

func TestNextTrigger(t *testing.T) {
	tests := []struct {
		name      string
		scheduled string
		frequency string
		enabled   bool
		ref       string
		want      string // empty means no next trigger
	}{
		{
			name:      "once in the future",
			scheduled: "2026-03-01T12:00:00Z",
			frequency: "once",
			enabled:   true,
			ref:       "2026-02-15T10:00:00Z",
			want:      "2026-03-01T12:00:00Z",
		},
		{
			name:      "once in the past",
			scheduled: "2026-02-01T12:00:00Z",
			frequency: "once",
			enabled:   true,
			ref:       "2026-02-15T10:00:00Z",
			want:      "",
		},
		{
			name:      "once at the reference instant",
			scheduled: "2026-02-15T10:00:00Z",
			frequency: "once",
			enabled:   true,
			ref:       "2026-02-15T10:00:00Z",
			want:      "",
		},
		{
			name:      "daily before today's time",
			scheduled: "2026-02-15T09:00:00Z",
			frequency: "daily",
			enabled:   true,
			ref:       "2026-02-15T08:00:00Z",
			want:      "2026-02-15T09:00:00Z",
		},
		{
			name:      "daily after today's time rolls to tomorrow",
			scheduled: "2026-02-15T09:00:00Z",
			frequency: "daily",
			enabled:   true,
			ref:       "2026-02-15T10:00:00Z",
			want:      "2026-02-16T09:00:00Z",
		},
		{
			name:      "daily at the fire instant rolls forward",
			scheduled: "2026-02-15T09:00:00Z",
			frequency: "daily",
			enabled:   true,
			ref:       "2026-02-16T09:00:00Z",
			want:      "2026-02-17T09:00:00Z",
		},
		{
			name:      "daily ignores the scheduled date",
			scheduled: "2020-01-01T23:30:00Z",
			frequency: "daily",
			enabled:   true,
			ref:       "2026-02-15T10:00:00Z",
			want:      "2026-02-15T23:30:00Z",
		},
		{
			name:      "weekly same day already past",
			scheduled: "2026-02-15T09:00:00Z", // a Sunday
			frequency: "weekly",
			enabled:   true,
			ref:       "2026-02-15T10:00:00Z",
			want:      "2026-02-22T09:00:00Z",
		},
		{
			name:      "weekly days ahead",
			scheduled: "2026-02-15T09:00:00Z", // a Sunday
			frequency: "weekly",
			enabled:   true,
			ref:       "2026-02-18T10:00:00Z", // Wednesday
			want:      "2026-02-22T09:00:00Z",
		},
		{
			name:      "weekly at the fire instant rolls forward",
			scheduled: "2026-02-15T09:00:00Z",
			frequency: "weekly",
			enabled:   true,
			ref:       "2026-02-15T09:00:00Z",
			want:      "2026-02-22T09:00:00Z",
		},
		{
			name:      "weekdays same day before the time",
			scheduled: "2026-02-15T09:00:00Z",
			frequency: "weekdays",
			enabled:   true,
			ref:       "2026-02-17T08:00:00Z", // Tuesday
			want:      "2026-02-17T09:00:00Z",
		},
		{
			name:      "weekdays skip the weekend",
			scheduled: "2026-02-15T09:00:00Z",
			frequency: "weekdays",
			enabled:   true,
			ref:       "2026-02-20T10:00:00Z", // Friday, past the time
			want:      "2026-02-23T09:00:00Z", // Monday
		},
		{
			name:      "weekdays from a Saturday",
			scheduled: "2026-02-15T09:00:00Z",
			frequency: "weekdays",
			enabled:   true,
			ref:       "2026-02-21T08:00:00Z",
			want:      "2026-02-23T09:00:00Z",
		},
		{
			name:      "weekends from midweek",
			scheduled: "2026-02-15T09:00:00Z",
			frequency: "weekends",
			enabled:   true,
			ref:       "2026-02-18T10:00:00Z", // Wednesday
			want:      "2026-02-21T09:00:00Z", // Saturday
		},
		{
			name:      "weekends from a late Sunday",
			scheduled: "2026-02-15T09:00:00Z",
			frequency: "weekends",
			enabled:   true,
			ref:       "2026-02-22T10:00:00Z",
			want:      "2026-02-28T09:00:00Z",
		},
		{
			name:      "offset input normalized to UTC",
			scheduled: "2026-02-15T11:00:00+02:00", // 09:00Z
			frequency: "daily",
			enabled:   true,
			ref:       "2026-02-15T10:00:00Z",
			want:      "2026-02-16T09:00:00Z",
		},
		{
			name:      "disabled",
			scheduled: "2026-02-15T09:00:00Z",
			frequency: "daily",
			enabled:   false,
			ref:       "2026-02-15T08:00:00Z",
			want:      "",
		},
		{
			name:      "unparseable time",
			scheduled: "tomorrow-ish",
			frequency: "daily",
			enabled:   true,
			ref:       "2026-02-15T08:00:00Z",
			want:      "",
		},
		{
			name:      "unknown frequency",
			scheduled: "2026-02-15T09:00:00Z",
			frequency: "hourly",
			enabled:   true,
			ref:       "2026-02-15T08:00:00Z",
			want:      "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ref, err := time.Parse(time.RFC3339, tt.ref)
			if err != nil {
				t.Fatalf("bad reference time: %v", err)
			}
			got := NextTrigger(tt.scheduled, tt.frequency, tt.enabled, ref)
			if tt.want == "" {
				if got != nil {
					t.Fatalf("NextTrigger = %s, want nil", got.Format(time.RFC3339))
				}
				return
			}
			if got == nil {
				t.Fatalf("NextTrigger = nil, want %s", tt.want)
			}
			want, _ := time.Parse(time.RFC3339, tt.want)
			if !got.Equal(want) {
				t.Errorf("NextTrigger = %s, want %s", got.Format(time.RFC3339), tt.want)
			}
		})
	}
}

func TestValidFrequency(t *testing.T) {
	for _, f := range []string{"once", "daily", "weekly", "weekdays", "weekends"} {
		if !ValidFrequency(f) {
			t.Errorf("ValidFrequency(%q) = false", f)
		}
	}
	for _, f := range []string{"", "hourly", "Once", "monthly"} {
		if ValidFrequency(f) {
			t.Errorf("ValidFrequency(%q) = true", f)
		}
	}
}
