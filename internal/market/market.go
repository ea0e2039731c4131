package market

import (
	"fmt"
	"strings"
	"time"
	_ "time/tzdata" // market time zones must resolve on minimal images
)

// Session is one continuous trading window, in minutes after local midnight
type Session struct {
	Open  int
	Close int
}

// Segment describes a market segment: where it trades, when, and in what
// lot size
type Segment struct {
	Code     string
	Location *time.Location
	Sessions []Session
	Weekdays []time.Weekday
	LotSize  int64
	Equity   bool
}

func hm(h, m int) int { return h*60 + m }

var weekdays = []time.Weekday{time.Monday, time.Tuesday, time.Wednesday, time.Thursday, time.Friday}

func mustLoad(name string) *time.Location {
	loc, err := time.LoadLocation(name)
	if err != nil {
		panic(fmt.Sprintf("market: load location %s: %v", name, err))
	}
	return loc
}

// DefaultSegments returns the built-in market segments
func DefaultSegments() []Segment {
	return []Segment{
		{
			Code:     "CN",
			Location: mustLoad("Asia/Shanghai"),
			Sessions: []Session{{hm(9, 30), hm(11, 30)}, {hm(13, 0), hm(15, 0)}},
			Weekdays: weekdays,
			LotSize:  100,
			Equity:   true,
		},
		{
			Code:     "HK",
			Location: mustLoad("Asia/Hong_Kong"),
			Sessions: []Session{{hm(9, 30), hm(12, 0)}, {hm(13, 0), hm(16, 0)}},
			Weekdays: weekdays,
			LotSize:  100,
			Equity:   true,
		},
		{
			Code:     "US",
			Location: mustLoad("America/New_York"),
			Sessions: []Session{{hm(9, 30), hm(16, 0)}},
			Weekdays: weekdays,
			LotSize:  1,
			Equity:   true,
		},
		{
			Code:     "CRYPTO",
			Location: time.UTC,
			Sessions: []Session{{0, hm(24, 0)}},
			Weekdays: []time.Weekday{time.Sunday, time.Monday, time.Tuesday, time.Wednesday, time.Thursday, time.Friday, time.Saturday},
			LotSize:  1,
			Equity:   false,
		},
	}
}

// Calendar answers trading-window and lot-size questions per segment
type Calendar struct {
	segments   map[string]Segment
	alwaysOpen bool
}

// NewCalendar builds a calendar over the given segments. With alwaysOpen
// the trading-window check accepts every instant.
func NewCalendar(segments []Segment, alwaysOpen bool) *Calendar {
	c := &Calendar{segments: make(map[string]Segment, len(segments)), alwaysOpen: alwaysOpen}
	for _, s := range segments {
		c.segments[strings.ToUpper(s.Code)] = s
	}
	return c
}

// Segment looks up a segment by code, case-insensitively
func (c *Calendar) Segment(code string) (Segment, bool) {
	s, ok := c.segments[strings.ToUpper(code)]
	return s, ok
}

// IsOpen reports whether the segment is inside a trading session at t
func (c *Calendar) IsOpen(code string, t time.Time) bool {
	s, ok := c.Segment(code)
	if !ok {
		return false
	}
	if c.alwaysOpen {
		return true
	}

	local := t.In(s.Location)
	open := false
	for _, d := range s.Weekdays {
		if local.Weekday() == d {
			open = true
			break
		}
	}
	if !open {
		return false
	}

	minute := local.Hour()*60 + local.Minute()
	for _, session := range s.Sessions {
		if minute >= session.Open && minute < session.Close {
			return true
		}
	}
	return false
}

// ValidLot reports whether quantity is a whole number of lots. Non-equity
// segments accept any positive quantity.
func (c *Calendar) ValidLot(code string, quantity int64) bool {
	if quantity <= 0 {
		return false
	}
	s, ok := c.Segment(code)
	if !ok || !s.Equity || s.LotSize <= 1 {
		return ok
	}
	return quantity%s.LotSize == 0
}

// LotSize returns the segment lot size, 1 when unknown
func (c *Calendar) LotSize(code string) int64 {
	if s, ok := c.Segment(code); ok && s.LotSize > 0 {
		return s.LotSize
	}
	return 1
}

// NextDay returns local midnight of the calendar day after t in the
// segment's time zone. Weekends and holidays are not skipped.
func (c *Calendar) NextDay(code string, t time.Time) time.Time {
	loc := time.UTC
	if s, ok := c.Segment(code); ok {
		loc = s.Location
	}
	local := t.In(loc)
	return time.Date(local.Year(), local.Month(), local.Day()+1, 0, 0, 0, 0, loc)
}
