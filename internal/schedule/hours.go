package schedule

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"spacewatch/internal/model"
)

var (
	ErrInvalidClock    = errors.New("schedule: time must be HH:mm")
	ErrInvalidTimeZone = errors.New("schedule: unknown time zone")
	ErrInvalidWorkDay  = errors.New("schedule: work days must be 1 (Monday) to 7 (Sunday)")
)

// Default returns the office hours applied to spaces created without any:
// 09:00 to 18:00 UTC, Monday to Friday.
func Default(spaceID string) model.OfficeHours {
	return model.OfficeHours{
		SpaceID:   spaceID,
		OpenTime:  "09:00",
		CloseTime: "18:00",
		TimeZone:  "UTC",
		WorkDays:  []int{1, 2, 3, 4, 5},
	}
}

// ParseClock converts "HH:mm" into minutes since midnight.
func ParseClock(value string) (int, error) {
	h, m, ok := strings.Cut(strings.TrimSpace(value), ":")
	if !ok || len(h) == 0 || len(h) > 2 || len(m) != 2 {
		return 0, fmt.Errorf("%w: %q", ErrInvalidClock, value)
	}
	hours, err := strconv.Atoi(h)
	if err != nil || hours < 0 || hours > 23 {
		return 0, fmt.Errorf("%w: %q", ErrInvalidClock, value)
	}
	minutes, err := strconv.Atoi(m)
	if err != nil || minutes < 0 || minutes > 59 {
		return 0, fmt.Errorf("%w: %q", ErrInvalidClock, value)
	}
	return hours*60 + minutes, nil
}

// ISOWeekday maps time.Weekday to 1=Monday..7=Sunday.
func ISOWeekday(d time.Weekday) int {
	if d == time.Sunday {
		return 7
	}
	return int(d)
}

func Validate(hours model.OfficeHours) error {
	if _, err := ParseClock(hours.OpenTime); err != nil {
		return err
	}
	if _, err := ParseClock(hours.CloseTime); err != nil {
		return err
	}
	if _, err := loadLocation(hours.TimeZone); err != nil {
		return err
	}
	for _, d := range hours.WorkDays {
		if d < 1 || d > 7 {
			return fmt.Errorf("%w: %d", ErrInvalidWorkDay, d)
		}
	}
	return nil
}

// IsWithinOfficeHours reports whether instant falls on a configured work day
// and inside [open, close) in the space's own time zone.
func IsWithinOfficeHours(hours model.OfficeHours, instant time.Time) (bool, error) {
	loc, err := loadLocation(hours.TimeZone)
	if err != nil {
		return false, err
	}
	open, err := ParseClock(hours.OpenTime)
	if err != nil {
		return false, err
	}
	closing, err := ParseClock(hours.CloseTime)
	if err != nil {
		return false, err
	}

	local := instant.In(loc)
	day := ISOWeekday(local.Weekday())
	workDay := false
	for _, d := range hours.WorkDays {
		if d == day {
			workDay = true
			break
		}
	}
	if !workDay {
		return false, nil
	}
	minute := local.Hour()*60 + local.Minute()
	return minute >= open && minute < closing, nil
}

func loadLocation(name string) (*time.Location, error) {
	if strings.TrimSpace(name) == "" {
		return time.UTC, nil
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		return nil, fmt.Errorf("%w: %q", ErrInvalidTimeZone, name)
	}
	return loc, nil
}
