package businesshours

import (
	"strings"
	"sync"
	"time"

	"github.com/rickar/cal/v2"
	"github.com/rickar/cal/v2/aa"
	"github.com/rickar/cal/v2/ar"
	"github.com/rickar/cal/v2/at"
	"github.com/rickar/cal/v2/au"
	"github.com/rickar/cal/v2/be"
	"github.com/rickar/cal/v2/bg"
	"github.com/rickar/cal/v2/br"
	"github.com/rickar/cal/v2/ca"
	"github.com/rickar/cal/v2/ch"
	"github.com/rickar/cal/v2/cz"
	"github.com/rickar/cal/v2/de"
	"github.com/rickar/cal/v2/dk"
	"github.com/rickar/cal/v2/es"
	"github.com/rickar/cal/v2/fi"
	"github.com/rickar/cal/v2/fr"
	"github.com/rickar/cal/v2/gb"
	"github.com/rickar/cal/v2/gr"
	"github.com/rickar/cal/v2/hr"
	"github.com/rickar/cal/v2/ie"
	"github.com/rickar/cal/v2/is"
	"github.com/rickar/cal/v2/it"
	"github.com/rickar/cal/v2/jp"
	"github.com/rickar/cal/v2/lt"
	"github.com/rickar/cal/v2/lu"
	"github.com/rickar/cal/v2/lv"
	"github.com/rickar/cal/v2/mw"
	"github.com/rickar/cal/v2/mx"
	"github.com/rickar/cal/v2/nc"
	"github.com/rickar/cal/v2/nl"
	"github.com/rickar/cal/v2/no"
	"github.com/rickar/cal/v2/nz"
	"github.com/rickar/cal/v2/pl"
	"github.com/rickar/cal/v2/ro"
	"github.com/rickar/cal/v2/ru"
	"github.com/rickar/cal/v2/se"
	"github.com/rickar/cal/v2/si"
	"github.com/rickar/cal/v2/sk"
	"github.com/rickar/cal/v2/th"
	"github.com/rickar/cal/v2/ua"
	"github.com/rickar/cal/v2/us"
	"github.com/rickar/cal/v2/za"
)

type yearKey struct {
	country     string
	subdivision string
	year        int
}

// Calendar derives holiday sets per (country, subdivision, year) and keeps
// them for the process lifetime.
type Calendar struct {
	mu    sync.Mutex
	years map[yearKey]map[Date]string
}

func NewCalendar() *Calendar {
	return &Calendar{years: make(map[yearKey]map[Date]string)}
}

// Holidays returns the holiday dates of year keyed to their names. ok is
// false when the country has no known calendar.
func (c *Calendar) Holidays(country, subdivision string, year int) (map[Date]string, bool) {
	key := yearKey{
		country:     strings.ToUpper(strings.TrimSpace(country)),
		subdivision: strings.ToUpper(strings.TrimSpace(subdivision)),
		year:        year,
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if days, ok := c.years[key]; ok {
		return days, true
	}

	defs, ok := holidaySets(key.country, key.subdivision)
	if !ok {
		return nil, false
	}

	days := make(map[Date]string, len(defs)*2)
	for _, h := range defs {
		actual, observed := h.Calc(year)
		if actual.IsZero() {
			continue
		}
		days[DateOf(actual)] = h.Name
		if !observed.IsZero() {
			if _, exists := days[DateOf(observed)]; !exists {
				days[DateOf(observed)] = h.Name + " (observed)"
			}
		}
	}
	c.years[key] = days
	return days, true
}

func holidaySets(country, subdivision string) ([]*cal.Holiday, bool) {
	if subdivision != "" {
		if defs, ok := regional[country][subdivision]; ok {
			return defs, true
		}
	}
	defs, ok := national[country]
	return defs, ok
}

// national maps ISO 3166-1 codes to the holidays observed countrywide.
var national = map[string][]*cal.Holiday{
	"AR": ar.Holidays,
	"AT": at.Holidays,
	"BE": be.Holidays,
	"BG": bg.Holidays,
	"BR": br.Holidays,
	"CA": ca.Holidays,
	"CH": ch.Holidays,
	"CZ": cz.Holidays,
	"DE": de.Holidays,
	"DK": dk.Holidays,
	"ES": es.Holidays,
	"FI": fi.Holidays,
	"FR": fr.Holidays,
	"GB": gb.Holidays,
	"GR": gr.Holidays,
	"HR": hr.Holidays,
	"IE": ie.Holidays,
	"IS": is.Holidays,
	"IT": it.Holidays,
	"JP": jp.Holidays,
	"LT": lt.Holidays,
	"LU": lu.Holidays,
	"LV": lv.Holidays,
	"MW": mw.Holidays,
	"MX": mx.Holidays,
	"NC": nc.Holidays,
	"NL": nl.Holidays,
	"NO": no.Holidays,
	"NZ": nz.Holidays,
	"PL": pl.Holidays,
	"RO": ro.Holidays,
	"RU": ru.Holidays,
	"SE": se.Holidays,
	"SI": si.Holidays,
	"SK": sk.Holidays,
	"TH": th.Holidays,
	"UA": ua.Holidays,
	"US": us.Holidays,
	"ZA": za.Holidays,
	"AU": common(au.HolidaysACT, au.HolidaysNSW, au.HolidaysNT, au.HolidaysQLD, au.HolidaysSA, au.HolidaysTAS, au.HolidaysVIC, au.HolidaysWA),
	"CO": coNational,
}

// regional lists replace the national one when the subdivision is known.
var regional = map[string]map[string][]*cal.Holiday{
	"AU": {
		"ACT": au.HolidaysACT, "NSW": au.HolidaysNSW, "NT": au.HolidaysNT, "QLD": au.HolidaysQLD,
		"SA": au.HolidaysSA, "TAS": au.HolidaysTAS, "VIC": au.HolidaysVIC, "WA": au.HolidaysWA,
	},
	"CH": {
		"ZH": ch.HolidaysZH, "BE": ch.HolidaysBE, "LU": ch.HolidaysLU, "UR": ch.HolidaysUR, "SZ": ch.HolidaysSZ,
		"OW": ch.HolidaysOW, "NW": ch.HolidaysNW, "GL": ch.HolidaysGL, "ZG": ch.HolidaysZG, "FR": ch.HolidaysFR,
		"SO": ch.HolidaysSO, "BS": ch.HolidaysBS, "BL": ch.HolidaysBL, "SH": ch.HolidaysSH, "AR": ch.HolidaysAR,
		"AI": ch.HolidaysAI, "SG": ch.HolidaysSG, "GR": ch.HolidaysGR, "AG": ch.HolidaysAG, "TG": ch.HolidaysTG,
		"VD": ch.HolidaysVD, "TI": ch.HolidaysTI, "VS": ch.HolidaysVS, "NE": ch.HolidaysNE, "GE": ch.HolidaysGE,
		"JU": ch.HolidaysJU,
	},
	"DE": {
		"BW": de.HolidaysBW, "BY": de.HolidaysBY, "BE": de.HolidaysBE, "BB": de.HolidaysBB, "HB": de.HolidaysHB,
		"HH": de.HolidaysHH, "HE": de.HolidaysHE, "MV": de.HolidaysMV, "NI": de.HolidaysNI, "NW": de.HolidaysNW,
		"RP": de.HolidaysRP, "SL": de.HolidaysSL, "SN": de.HolidaysSN, "ST": de.HolidaysST, "SH": de.HolidaysSH,
		"TH": de.HolidaysTH,
	},
	"ES": {
		"MD": withNational(es.Holidays, juevesSanto, fixed("Fiesta de la Comunidad de Madrid", time.May, 2)),
		"CT": withNational(es.Holidays, lunesDePascua, fixed("Diada Nacional de Catalunya", time.September, 11),
			aa.ChristmasDay2.Clone(&cal.Holiday{Name: "Sant Esteve", Type: cal.ObservancePublic})),
		"AN": withNational(es.Holidays, juevesSanto, fixed("Día de Andalucía", time.February, 28)),
		"PV": withNational(es.Holidays, juevesSanto, lunesDePascua),
		"VC": withNational(es.Holidays, fixed("San José", time.March, 19), lunesDePascua,
			fixed("Día de la Comunitat Valenciana", time.October, 9)),
	},
}

func withNational(base []*cal.Holiday, extra ...*cal.Holiday) []*cal.Holiday {
	return append(append([]*cal.Holiday{}, base...), extra...)
}

// common keeps the holidays present in every list.
func common(lists ...[]*cal.Holiday) []*cal.Holiday {
	var out []*cal.Holiday
	for _, h := range lists[0] {
		shared := true
		for _, l := range lists[1:] {
			if !contains(l, h) {
				shared = false
				break
			}
		}
		if shared {
			out = append(out, h)
		}
	}
	return out
}

func contains(l []*cal.Holiday, h *cal.Holiday) bool {
	for _, x := range l {
		if x == h {
			return true
		}
	}
	return false
}

func fixed(name string, month time.Month, day int) *cal.Holiday {
	return &cal.Holiday{Name: name, Type: cal.ObservancePublic, Month: month, Day: day, Func: cal.CalcDayOfMonth}
}

func easter(name string, offset int) *cal.Holiday {
	return &cal.Holiday{Name: name, Type: cal.ObservancePublic, Offset: offset, Func: cal.CalcEasterOffset}
}

func public(h *cal.Holiday, name string) *cal.Holiday {
	return h.Clone(&cal.Holiday{Name: name, Type: cal.ObservancePublic})
}

var (
	juevesSanto   = public(aa.MaundyThursday, "Jueves Santo")
	lunesDePascua = public(aa.EasterMonday, "Lunes de Pascua")
)

// nextMonday moves a fixed-date holiday to the following Monday unless it
// already falls on one.
func nextMonday(name string, month time.Month, day int) *cal.Holiday {
	return &cal.Holiday{
		Name:  name,
		Type:  cal.ObservancePublic,
		Month: month,
		Day:   day,
		Func: func(h *cal.Holiday, year int) time.Time {
			d := time.Date(year, h.Month, h.Day, 0, 0, 0, 0, time.UTC)
			for d.Weekday() != time.Monday {
				d = d.AddDate(0, 0, 1)
			}
			return d
		},
	}
}

// Colombia is not covered by the calendar library. Most holidays move to the
// following Monday, including the Easter-relative ones.
var coNational = []*cal.Holiday{
	public(aa.NewYear, "Año Nuevo"),
	nextMonday("Día de los Reyes Magos", time.January, 6),
	nextMonday("Día de San José", time.March, 19),
	juevesSanto,
	public(aa.GoodFriday, "Viernes Santo"),
	public(aa.WorkersDay, "Día del Trabajo"),
	easter("Ascensión del Señor", 43),
	easter("Corpus Christi", 64),
	easter("Sagrado Corazón", 71),
	nextMonday("San Pedro y San Pablo", time.June, 29),
	fixed("Día de la Independencia", time.July, 20),
	fixed("Batalla de Boyacá", time.August, 7),
	nextMonday("Asunción de la Virgen", time.August, 15),
	nextMonday("Día de la Raza", time.October, 12),
	nextMonday("Todos los Santos", time.November, 1),
	nextMonday("Independencia de Cartagena", time.November, 11),
	public(aa.ImmaculateConception, "Inmaculada Concepción"),
	public(aa.ChristmasDay, "Navidad"),
}
