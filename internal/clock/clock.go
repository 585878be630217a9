// Package clock converts between civil time in the fixed UTC+8 zone used for
// scheduling and quota bucketing, and epoch seconds.
package clock

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

const (
	// OffsetSeconds is the fixed civil offset (Asia/Shanghai, no DST).
	OffsetSeconds = 8 * 3600
	ZoneName      = "Asia/Shanghai"
)

var Zone = time.FixedZone(ZoneName, OffsetSeconds)

var ErrInvalidFormat = errors.New("invalid civil time format")

// ToEpoch parses "YYYY-MM-DDTHH:MM" (a trailing ":SS" is accepted and ignored)
// as civil time and returns epoch seconds.
func ToEpoch(civil string) (int64, error) {
	datePart, timePart, ok := strings.Cut(strings.TrimSpace(civil), "T")
	if !ok || datePart == "" || timePart == "" {
		return 0, ErrInvalidFormat
	}
	d, err := atoiAll(strings.Split(datePart, "-"), 3, 3)
	if err != nil {
		return 0, err
	}
	hm, err := atoiAll(strings.Split(timePart, ":"), 2, 3)
	if err != nil {
		return 0, err
	}
	y, mo, day, hh, mm := d[0], d[1], d[2], hm[0], hm[1]
	if mo < 1 || mo > 12 || day < 1 || hh > 23 || mm > 59 {
		return 0, ErrInvalidFormat
	}
	t := time.Date(y, time.Month(mo), day, hh, mm, 0, 0, Zone)
	// time.Date normalizes overflow such as Feb 30; treat that as malformed.
	if t.Day() != day {
		return 0, ErrInvalidFormat
	}
	return t.Unix(), nil
}

func atoiAll(parts []string, min, max int) ([]int, error) {
	if len(parts) < min || len(parts) > max {
		return nil, ErrInvalidFormat
	}
	out := make([]int, len(parts))
	for i, p := range parts {
		n, err := strconv.Atoi(p)
		if err != nil || n < 0 {
			return nil, ErrInvalidFormat
		}
		out[i] = n
	}
	return out, nil
}

func civil(epochSec int64) time.Time {
	return time.Unix(epochSec, 0).In(Zone)
}

// CivilDate returns the civil YYYY-MM-DD for epochSec.
func CivilDate(epochSec int64) string {
	return civil(epochSec).Format("2006-01-02")
}

// CivilDateTime returns the civil "YYYY-MM-DD HH:MM:SS" for epochSec.
func CivilDateTime(epochSec int64) string {
	return civil(epochSec).Format("2006-01-02 15:04:05")
}

// FormValue renders epochSec the way a datetime-local input expects it.
func FormValue(epochSec int64) string {
	return civil(epochSec).Format("2006-01-02T15:04")
}

// TenMinuteBucket returns YYYYMMDDHHMM with minutes floored to a multiple of ten.
func TenMinuteBucket(epochSec int64) string {
	t := civil(epochSec)
	return fmt.Sprintf("%s%02d", t.Format("2006010215"), t.Minute()/10*10)
}

var humanUnits = []struct {
	sec   int64
	label string
}{
	{30 * 24 * 3600, "30 days"},
	{7 * 24 * 3600, "7 days"},
	{3 * 24 * 3600, "3 days"},
	{24 * 3600, "1 day"},
	{12 * 3600, "12 hours"},
	{6 * 3600, "6 hours"},
	{3600, "1 hour"},
	{30 * 60, "30 minutes"},
	{10 * 60, "10 minutes"},
	{60, "1 minute"},
}

// Humanize labels a lead time with the largest preset unit that fits.
func Humanize(sec int64) string {
	if sec <= 0 {
		return "no minimum lead time"
	}
	for _, u := range humanUnits {
		if sec >= u.sec {
			return u.label
		}
	}
	return fmt.Sprintf("%d seconds", sec)
}
