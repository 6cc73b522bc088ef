package domain

import (
	"fmt"
	"time"
)

// DailySchedule lists the bookable hours of every provider, in order.
var DailySchedule = []string{
	"08:00", "09:00", "10:00", "11:00", "12:00",
	"13:00", "14:00", "15:00", "16:00", "17:00",
	"18:00", "19:00", "20:00", "21:00", "22:00",
}

const SlotLabelLayout = "15:04"

type AvailabilitySlot struct {
	Time      string
	Value     time.Time
	Available bool
}

// SlotInstant places a schedule label such as "08:00" on the given day in loc.
func SlotInstant(day time.Time, label string, loc *time.Location) (time.Time, error) {
	t, err := time.Parse(SlotLabelLayout, label)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid slot label %q: %w", label, err)
	}
	d := day.In(loc)
	return time.Date(d.Year(), d.Month(), d.Day(), t.Hour(), t.Minute(), 0, 0, loc), nil
}

func SlotLabel(t time.Time, loc *time.Location) string {
	return SlotStart(t, loc).Format(SlotLabelLayout)
}
