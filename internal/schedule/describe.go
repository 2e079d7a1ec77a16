package schedule

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
)

var weekdayNames = []string{"Sunday", "Monday", "Tuesday", "Wednesday", "Thursday", "Friday", "Saturday"}

var weekdayAbbrev = map[string]int{
	"SUN": 0, "MON": 1, "TUE": 2, "WED": 3, "THU": 4, "FRI": 5, "SAT": 6,
}

// Describe renders common cron shapes in English: daily at a fixed time,
// weekly on given days, monthly on given days. Anything else reports false.
// The output is advisory and never feeds validation or scheduling.
func Describe(expr string) (string, bool) {
	fields := strings.Fields(expr)
	if len(fields) != cronFields {
		return "", false
	}
	minute, okMin := plainNumber(fields[0], 0, 59)
	hour, okHour := plainNumber(fields[1], 0, 23)
	if !okMin || !okHour {
		return "", false
	}
	at := fmt.Sprintf("%02d:%02d", hour, minute)
	dom, month, dow := fields[2], fields[3], fields[4]
	if month != "*" {
		return "", false
	}

	switch {
	case dom == "*" && dow == "*":
		return "Every day at " + at, true
	case dom == "*":
		days, ok := expandList(dow, 0, 6, weekdayAbbrev)
		if !ok {
			return "", false
		}
		names := make([]string, 0, len(days))
		seen := make(map[int]bool, len(days))
		for _, d := range days {
			seen[d] = true
			names = append(names, weekdayNames[d])
		}
		if len(names) == 7 {
			return "Every day at " + at, true
		}
		if isWeekdays(seen) {
			return "Every weekday at " + at, true
		}
		return "Every " + joinEnglish(names) + " at " + at, true
	case dow == "*":
		days, ok := expandList(dom, 1, 31, nil)
		if !ok {
			return "", false
		}
		labels := make([]string, 0, len(days))
		for _, d := range days {
			labels = append(labels, ordinal(d))
		}
		return "On the " + joinEnglish(labels) + " of every month at " + at, true
	default:
		return "", false
	}
}

func plainNumber(field string, lo, hi int) (int, bool) {
	n, err := strconv.Atoi(field)
	if err != nil || n < lo || n > hi {
		return 0, false
	}
	return n, true
}

// expandList handles "1,3,5", "1-5" and mixtures; steps are not described.
func expandList(field string, lo, hi int, names map[string]int) ([]int, bool) {
	set := map[int]bool{}
	for _, part := range strings.Split(field, ",") {
		if strings.Contains(part, "/") {
			return nil, false
		}
		bounds := strings.SplitN(part, "-", 2)
		start, ok := lookupValue(bounds[0], lo, hi, names)
		if !ok {
			return nil, false
		}
		end := start
		if len(bounds) == 2 {
			end, ok = lookupValue(bounds[1], lo, hi, names)
			if !ok || end < start {
				return nil, false
			}
		}
		for v := start; v <= end; v++ {
			set[v] = true
		}
	}
	values := make([]int, 0, len(set))
	for v := range set {
		values = append(values, v)
	}
	sort.Ints(values)
	return values, len(values) > 0
}

func lookupValue(raw string, lo, hi int, names map[string]int) (int, bool) {
	if names != nil {
		if v, ok := names[strings.ToUpper(raw)]; ok {
			return v, true
		}
	}
	return plainNumber(raw, lo, hi)
}

func isWeekdays(days map[int]bool) bool {
	if len(days) != 5 {
		return false
	}
	for d := 1; d <= 5; d++ {
		if !days[d] {
			return false
		}
	}
	return true
}

func ordinal(n int) string {
	suffix := "th"
	switch {
	case n%100 >= 11 && n%100 <= 13:
	case n%10 == 1:
		suffix = "st"
	case n%10 == 2:
		suffix = "nd"
	case n%10 == 3:
		suffix = "rd"
	}
	return strconv.Itoa(n) + suffix
}

func joinEnglish(items []string) string {
	switch len(items) {
	case 0:
		return ""
	case 1:
		return items[0]
	default:
		return strings.Join(items[:len(items)-1], ", ") + " and " + items[len(items)-1]
	}
}
