// Copyright (C) 2020 Markus L. Noga
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU General Public License for more details.
//
// You should have received a copy of the GNU General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

package frame

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
)

// ErrCorruptDate is returned when a timestamp fails strict numeric range checks.
var ErrCorruptDate = errors.New("corrupt date")

var isoTimestampRE = regexp.MustCompile(
	`^(\d{4})-(\d{2})-(\d{2})T(\d{2}):(\d{2}):(\d{2})(?:\.\d+)?$`)

// parseISOTimestamp validates a "YYYY-MM-DDTHH:MM:SS" timestamp with strict
// numeric range checks (month 1-12, day 1-31, H 0-23, M/S 0-59), returning
// the UTC day and the normalized timestamp.
func parseISOTimestamp(raw string) (date string, timestamp string, err error) {
	m := isoTimestampRE.FindStringSubmatch(raw)
	if m == nil {
		return "", "", fmt.Errorf("%w: %q does not match YYYY-MM-DDTHH:MM:SS", ErrCorruptDate, raw)
	}
	year, _ := strconv.Atoi(m[1])
	month, _ := strconv.Atoi(m[2])
	day, _ := strconv.Atoi(m[3])
	hour, _ := strconv.Atoi(m[4])
	minute, _ := strconv.Atoi(m[5])
	second, _ := strconv.Atoi(m[6])

	if month < 1 || month > 12 {
		return "", "", fmt.Errorf("%w: month %d out of range", ErrCorruptDate, month)
	}
	if day < 1 || day > 31 {
		return "", "", fmt.Errorf("%w: day %d out of range", ErrCorruptDate, day)
	}
	if hour < 0 || hour > 23 {
		return "", "", fmt.Errorf("%w: hour %d out of range", ErrCorruptDate, hour)
	}
	if minute < 0 || minute > 59 {
		return "", "", fmt.Errorf("%w: minute %d out of range", ErrCorruptDate, minute)
	}
	if second < 0 || second > 59 {
		return "", "", fmt.Errorf("%w: second %d out of range", ErrCorruptDate, second)
	}

	date = fmt.Sprintf("%04d-%02d-%02d", year, month, day)
	timestamp = fmt.Sprintf("%04d-%02d-%02dT%02d:%02d:%02d", year, month, day, hour, minute, second)
	return date, timestamp, nil
}

var filenameDateRE = regexp.MustCompile(`(\d{4})[-_](\d{2})[-_](\d{2})`)

// parseFilenameDate extracts a YYYY[-_]MM[-_]DD token from a filename stem,
// assuming midnight UTC for the timestamp.
func parseFilenameDate(stem string) (date string, timestamp string, ok bool) {
	m := filenameDateRE.FindStringSubmatch(stem)
	if m == nil {
		return "", "", false
	}
	date = fmt.Sprintf("%s-%s-%s", m[1], m[2], m[3])
	timestamp = date + "T00:00:00"
	return date, timestamp, true
}
