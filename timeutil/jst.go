// Package timeutil centralizes JST handling. Instants are UTC internally;
// everything crossing the calendar or API boundary goes through this package.
package timeutil

import (
	"fmt"
	"time"
)

// JST is Japan Standard Time, UTC+9, with no daylight-saving transitions.
var JST = time.FixedZone("JST", 9*60*60)

// Season tags samples by astronomical quarter.
type Season string

const (
	SeasonSpring Season = "spring"
	SeasonSummer Season = "summer"
	SeasonAutumn Season = "autumn"
	SeasonWinter Season = "winter"
)

// TimeOfDay tags samples by JST hour band.
type TimeOfDay string

const (
	TimeOfDayMorning   TimeOfDay = "morning"
	TimeOfDayAfternoon TimeOfDay = "afternoon"
	TimeOfDayEvening   TimeOfDay = "evening"
	TimeOfDayNight     TimeOfDay = "night"
)

// JSTDateOf returns the JST calendar date of an instant, at midnight JST.
// This is the only way event_date may be derived from event_time.
func JSTDateOf(t time.Time) time.Time {
	j := t.In(JST)
	return time.Date(j.Year(), j.Month(), j.Day(), 0, 0, 0, 0, JST)
}

// FormatJST renders an instant as an ISO-8601 string with the +09:00 offset.
func FormatJST(t time.Time) string {
	return t.In(JST).Format("2006-01-02T15:04:05+09:00")
}

// ParseJST parses an ISO-8601 JST string produced by FormatJST.
func ParseJST(s string) (time.Time, error) {
	t, err := time.ParseInLocation("2006-01-02T15:04:05+09:00", s, JST)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse jst time %q: %w", s, err)
	}
	return t, nil
}

// ParseJSTDate parses a YYYY-MM-DD string as midnight JST.
func ParseJSTDate(s string) (time.Time, error) {
	t, err := time.ParseInLocation("2006-01-02", s, JST)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse jst date %q: %w", s, err)
	}
	return t, nil
}

// FormatDate renders the JST calendar date of an instant as YYYY-MM-DD.
func FormatDate(t time.Time) string {
	return t.In(JST).Format("2006-01-02")
}

// SeasonOf returns the astronomical quarter of a JST instant. Quarters are
// bounded by the mean equinox/solstice dates (Mar 21, Jun 21, Sep 23, Dec 22).
func SeasonOf(t time.Time) Season {
	j := t.In(JST)
	md := int(j.Month())*100 + j.Day()
	switch {
	case md >= 321 && md < 621:
		return SeasonSpring
	case md >= 621 && md < 923:
		return SeasonSummer
	case md >= 923 && md < 1222:
		return SeasonAutumn
	default:
		return SeasonWinter
	}
}

// TimeOfDayOf returns the JST hour band of an instant:
// 5-12 morning, 12-17 afternoon, 17-21 evening, else night.
func TimeOfDayOf(t time.Time) TimeOfDay {
	h := t.In(JST).Hour()
	switch {
	case h >= 5 && h < 12:
		return TimeOfDayMorning
	case h >= 12 && h < 17:
		return TimeOfDayAfternoon
	case h >= 17 && h < 21:
		return TimeOfDayEvening
	default:
		return TimeOfDayNight
	}
}

// DaysInYear returns 366 for leap years, else 365.
func DaysInYear(year int) int {
	if year%4 == 0 && (year%100 != 0 || year%400 == 0) {
		return 366
	}
	return 365
}
