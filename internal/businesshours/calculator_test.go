package businesshours

import (
	"testing"
	"time"

	. "github.com/onsi/gomega"
)

func officeHours() Config {
	return Config{Timezone: "UTC", StartHour: 8, EndHour: 18}
}

func TestClassifyWeekdayHours(t *testing.T) {
	cfg := officeHours()
	// Wednesday, not a holiday anywhere configured
	day := time.Date(2026, time.March, 11, 0, 0, 0, 0, time.UTC)

	for h := 0; h < 24; h++ {
		now := day.Add(time.Duration(h)*time.Hour + 30*time.Minute)
		res := Classify(now, cfg)
		expected := h < cfg.StartHour || h >= cfg.EndHour
		if res.NonBusiness != expected {
			t.Errorf("hour %d: NonBusiness = %v; want %v", h, res.NonBusiness, expected)
		}
		if expected && !res.HasReason(ReasonOutsideHours) {
			t.Errorf("hour %d: expected outside_hours reason, got %v", h, res.Reasons)
		}
	}
}

func TestClassifyWeekend(t *testing.T) {
	cfg := officeHours()
	saturday := time.Date(2026, time.March, 14, 0, 0, 0, 0, time.UTC)

	for _, day := range []time.Time{saturday, saturday.AddDate(0, 0, 1)} {
		for h := 0; h < 24; h++ {
			res := Classify(day.Add(time.Duration(h)*time.Hour), cfg)
			if !res.NonBusiness || !res.HasReason(ReasonWeekend) {
				t.Errorf("%s %02d:00: expected weekend non-business, got %+v", day.Weekday(), h, res)
			}
		}
	}
}

func TestClassifyTimezones(t *testing.T) {
	g := NewWithT(t)
	// 20:00 UTC on a Wednesday is 15:00 in Bogota and 21:00 in Madrid.
	now := time.Date(2026, time.March, 11, 20, 0, 0, 0, time.UTC)

	bogota := officeHours()
	bogota.Timezone = "America/Bogota"
	madrid := officeHours()
	madrid.Timezone = "Europe/Madrid"

	b := Classify(now, bogota)
	m := Classify(now, madrid)

	g.Expect(b.NonBusiness).To(BeFalse())
	g.Expect(b.Local.Hour()).To(Equal(15))
	g.Expect(m.NonBusiness).To(BeTrue())
	g.Expect(m.Reasons).To(ConsistOf(ReasonOutsideHours))

	// Same instant, same config, same answer.
	again := Classify(now, madrid)
	g.Expect(again.NonBusiness).To(Equal(m.NonBusiness))
	g.Expect(again.Reasons).To(Equal(m.Reasons))
	g.Expect(again.Local.Equal(m.Local)).To(BeTrue())
}

func TestClassifyInvalidTimezoneFallsBackToUTC(t *testing.T) {
	g := NewWithT(t)
	cfg := officeHours()
	cfg.Timezone = "Mars/Olympus_Mons"

	res := Classify(time.Date(2026, time.March, 11, 10, 0, 0, 0, time.UTC), cfg)
	g.Expect(res.NonBusiness).To(BeFalse())
	g.Expect(res.Timezone).To(Equal("UTC"))
	g.Expect(res.Warnings).To(HaveLen(1))
	g.Expect(res.Warnings[0]).To(ContainSubstring("invalid timezone"))
}

func TestClassifyInvertedWindowIsAlwaysBusiness(t *testing.T) {
	g := NewWithT(t)
	cfg := Config{Timezone: "UTC", StartHour: 18, EndHour: 8}

	sunday := time.Date(2026, time.March, 15, 3, 0, 0, 0, time.UTC)
	res := Classify(sunday, cfg)
	g.Expect(res.NonBusiness).To(BeFalse())
	g.Expect(res.Reasons).To(BeEmpty())
	g.Expect(res.Warnings).To(ContainElement(ContainSubstring("treating every moment as business hours")))
}

func TestClassifyManualHoliday(t *testing.T) {
	g := NewWithT(t)
	cfg := officeHours()
	d, err := ParseDate("2026-03-11")
	g.Expect(err).NotTo(HaveOccurred())
	cfg.ManualHolidays = []Date{d}

	res := Classify(time.Date(2026, time.March, 11, 10, 0, 0, 0, time.UTC), cfg)
	g.Expect(res.NonBusiness).To(BeTrue())
	g.Expect(res.Reasons).To(ConsistOf(ReasonHoliday))
	g.Expect(res.Holiday).To(Equal("manual holiday"))

	// Manual holidays are compared against the local calendar date.
	cfg.Timezone = "America/Bogota"
	res = Classify(time.Date(2026, time.March, 12, 3, 0, 0, 0, time.UTC), cfg)
	g.Expect(res.HasReason(ReasonHoliday)).To(BeTrue())
}

func TestClassifyCountryHolidays(t *testing.T) {
	tests := []struct {
		name        string
		country     string
		subdivision string
		timezone    string
		date        time.Time
		holiday     bool
	}{
		{"us independence day", "US", "", "America/New_York", time.Date(2025, time.July, 4, 15, 0, 0, 0, time.UTC), true},
		{"us thanksgiving", "us", "", "America/New_York", time.Date(2026, time.November, 26, 15, 0, 0, 0, time.UTC), true},
		{"us regular day", "US", "", "America/New_York", time.Date(2026, time.November, 24, 15, 0, 0, 0, time.UTC), false},
		{"es national labour day", "ES", "", "Europe/Madrid", time.Date(2026, time.May, 1, 10, 0, 0, 0, time.UTC), true},
		{"es holy thursday only in madrid", "ES", "", "Europe/Madrid", time.Date(2026, time.April, 2, 10, 0, 0, 0, time.UTC), false},
		{"es-md holy thursday", "ES", "MD", "Europe/Madrid", time.Date(2026, time.April, 2, 10, 0, 0, 0, time.UTC), true},
		{"co epiphany moved to monday", "CO", "", "America/Bogota", time.Date(2026, time.January, 12, 15, 0, 0, 0, time.UTC), true},
		{"co epiphany original date", "CO", "", "America/Bogota", time.Date(2026, time.January, 6, 15, 0, 0, 0, time.UTC), false},
		{"de whit monday", "DE", "", "Europe/Berlin", time.Date(2026, time.May, 25, 10, 0, 0, 0, time.UTC), true},
		{"de epiphany is regional", "DE", "", "Europe/Berlin", time.Date(2026, time.January, 6, 10, 0, 0, 0, time.UTC), false},
		{"de-by epiphany", "DE", "BY", "Europe/Berlin", time.Date(2026, time.January, 6, 10, 0, 0, 0, time.UTC), true},
		{"de unknown state falls back to national", "DE", "ZZ", "Europe/Berlin", time.Date(2026, time.May, 25, 10, 0, 0, 0, time.UTC), true},
		{"gb boxing day", "GB", "", "Europe/London", time.Date(2025, time.December, 26, 10, 0, 0, 0, time.UTC), true},
		{"fr bastille day", "FR", "", "Europe/Paris", time.Date(2026, time.July, 14, 10, 0, 0, 0, time.UTC), true},
		{"mx regular day", "MX", "", "America/Mexico_City", time.Date(2026, time.March, 11, 18, 0, 0, 0, time.UTC), false},
		{"au australia day in every state", "AU", "", "Australia/Sydney", time.Date(2026, time.January, 26, 0, 0, 0, 0, time.UTC), true},
		{"au-act canberra day", "AU", "ACT", "Australia/Sydney", time.Date(2026, time.March, 9, 0, 0, 0, 0, time.UTC), true},
		{"es-ct sant esteve", "ES", "CT", "Europe/Madrid", time.Date(2025, time.December, 26, 10, 0, 0, 0, time.UTC), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Config{Timezone: tt.timezone, StartHour: 0, EndHour: 24, HolidayCountry: tt.country, HolidaySubdivision: tt.subdivision}
			res := Classify(tt.date, cfg)
			if res.HasReason(ReasonHoliday) != tt.holiday {
				t.Errorf("holiday = %v; want %v (%+v)", res.HasReason(ReasonHoliday), tt.holiday, res)
			}
		})
	}
}

func TestCalendarKnowsLibraryCountries(t *testing.T) {
	c := NewCalendar()
	for _, country := range []string{"AR", "AT", "BR", "CA", "CH", "DE", "FR", "GB", "IT", "JP", "MX", "NL", "PL", "SE", "ZA"} {
		days, ok := c.Holidays(country, "", 2026)
		if !ok || len(days) == 0 {
			t.Errorf("expected derived holidays for %s, got ok=%v len=%d", country, ok, len(days))
		}
	}
}

func TestClassifyUnknownCountryWarns(t *testing.T) {
	g := NewWithT(t)
	cfg := officeHours()
	cfg.HolidayCountry = "XX"

	res := Classify(time.Date(2026, time.March, 11, 10, 0, 0, 0, time.UTC), cfg)
	g.Expect(res.NonBusiness).To(BeFalse())
	g.Expect(res.Warnings).To(ContainElement(ContainSubstring(`"XX"`)))
}

func TestCalendarCachesPerYear(t *testing.T) {
	g := NewWithT(t)
	c := NewCalendar()

	first, ok := c.Holidays("es", "md", 2026)
	g.Expect(ok).To(BeTrue())
	second, _ := c.Holidays("ES", "MD", 2026)
	g.Expect(second).To(HaveLen(len(first)))
	g.Expect(c.years).To(HaveLen(1))

	_, _ = c.Holidays("ES", "MD", 2027)
	g.Expect(c.years).To(HaveLen(2))
}

func TestCalculatorUsesOwnCalendar(t *testing.T) {
	g := NewWithT(t)
	calc := NewCalculator(Config{Timezone: "UTC", StartHour: 8, EndHour: 18, HolidayCountry: "US"})

	res := calc.Classify(time.Date(2025, time.December, 25, 12, 0, 0, 0, time.UTC))
	g.Expect(res.NonBusiness).To(BeTrue())
	g.Expect(res.HasReason(ReasonHoliday)).To(BeTrue())
	g.Expect(calc.Calendar.years).To(HaveLen(1))
}

func TestParseDate(t *testing.T) {
	g := NewWithT(t)
	d, err := ParseDate(" 2026-12-24 ")
	g.Expect(err).NotTo(HaveOccurred())
	g.Expect(d).To(Equal(Date{Year: 2026, Month: time.December, Day: 24}))
	g.Expect(d.String()).To(Equal("2026-12-24"))

	_, err = ParseDate("24/12/2026")
	g.Expect(err).To(HaveOccurred())
}
