package businesshours

import (
	"fmt"
	"strings"
	"time"
)

// Reason explains why a moment is outside business hours.
type Reason string

const (
	ReasonWeekend      Reason = "weekend"
	ReasonOutsideHours Reason = "outside_hours"
	ReasonHoliday      Reason = "holiday"
)

// Config is the business-hours window. It is read once at start and never mutated.
type Config struct {
	Timezone           string
	StartHour          int
	EndHour            int
	HolidayCountry     string
	HolidaySubdivision string
	ManualHolidays     []Date
}

// Date is a calendar day without a time or location.
type Date struct {
	Year  int
	Month time.Month
	Day   int
}

func DateOf(t time.Time) Date {
	y, m, d := t.Date()
	return Date{Year: y, Month: m, Day: d}
}

// ParseDate parses YYYY-MM-DD.
func ParseDate(s string) (Date, error) {
	t, err := time.Parse(time.DateOnly, strings.TrimSpace(s))
	if err != nil {
		return Date{}, fmt.Errorf("invalid date %q: %w", s, err)
	}
	return DateOf(t), nil
}

func (d Date) String() string {
	return fmt.Sprintf("%04d-%02d-%02d", d.Year, d.Month, d.Day)
}

// Classification is the outcome of classifying one instant.
type Classification struct {
	NonBusiness bool      `json:"nonBusiness"`
	Reasons     []Reason  `json:"reasons,omitempty"`
	Holiday     string    `json:"holiday,omitempty"`
	Local       time.Time `json:"local"`
	Timezone    string    `json:"timezone"`
	Warnings    []string  `json:"warnings,omitempty"`
}

// HasReason reports whether r is among the classification reasons.
func (c Classification) HasReason(r Reason) bool {
	for _, x := range c.Reasons {
		if x == r {
			return true
		}
	}
	return false
}

// Calculator classifies instants against a fixed Config.
type Calculator struct {
	Config   Config
	Calendar *Calendar
}

func NewCalculator(cfg Config) *Calculator {
	return &Calculator{Config: cfg, Calendar: NewCalendar()}
}

func (c *Calculator) Classify(now time.Time) Classification {
	cal := c.Calendar
	if cal == nil {
		cal = defaultCalendar
	}
	return classify(now, c.Config, cal)
}

var defaultCalendar = NewCalendar()

// Classify reports whether now falls outside business hours for cfg.
// A timezone that fails to resolve falls back to UTC and start >= end is
// treated as always business hours; both cases are reported as warnings.
func Classify(now time.Time, cfg Config) Classification {
	return classify(now, cfg, defaultCalendar)
}

func classify(now time.Time, cfg Config, cal *Calendar) Classification {
	out := Classification{Timezone: "UTC"}

	loc := time.UTC
	if cfg.Timezone != "" {
		l, err := time.LoadLocation(cfg.Timezone)
		if err != nil {
			out.Warnings = append(out.Warnings, fmt.Sprintf("invalid timezone %q, using UTC", cfg.Timezone))
		} else {
			loc = l
			out.Timezone = l.String()
		}
	}

	local := now.In(loc)
	out.Local = local

	if cfg.StartHour >= cfg.EndHour {
		out.Warnings = append(out.Warnings, fmt.Sprintf("start hour %d is not before end hour %d, treating every moment as business hours", cfg.StartHour, cfg.EndHour))
		return out
	}

	switch local.Weekday() {
	case time.Saturday, time.Sunday:
		out.Reasons = append(out.Reasons, ReasonWeekend)
	}

	if h := local.Hour(); h < cfg.StartHour || h >= cfg.EndHour {
		out.Reasons = append(out.Reasons, ReasonOutsideHours)
	}

	today := DateOf(local)
	for _, d := range cfg.ManualHolidays {
		if d == today {
			out.Holiday = "manual holiday"
			break
		}
	}
	if out.Holiday == "" && cfg.HolidayCountry != "" {
		days, ok := cal.Holidays(cfg.HolidayCountry, cfg.HolidaySubdivision, today.Year)
		if !ok {
			out.Warnings = append(out.Warnings, fmt.Sprintf("no holiday calendar for %q, only manual holidays apply", cfg.HolidayCountry))
		}
		if name, found := days[today]; found {
			out.Holiday = name
		}
	}
	if out.Holiday != "" {
		out.Reasons = append(out.Reasons, ReasonHoliday)
	}

	out.NonBusiness = len(out.Reasons) > 0
	return out
}
