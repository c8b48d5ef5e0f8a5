// Package recurrence maps natural-language recurrence labels onto the fixed
// occurrence frequencies of a TriggerMachine.
package recurrence

import (
	"errors"
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/BTreeMap/ReminderPipe/internal/models"
)

// ErrUnrecognized is returned for labels that map to no known frequency.
var ErrUnrecognized = errors.New("recurrence not recognized")

// Day is the minimum period a recurring reminder may have.
const Day = 24 * time.Hour

var weekdays = []string{"monday", "tuesday", "wednesday", "thursday", "friday", "saturday", "sunday"}

var numberWords = map[string]int{
	"a": 1, "an": 1, "one": 1, "once": 1, "two": 2, "twice": 2, "other": 2, "couple of": 2, "three": 3,
	"thrice": 3, "few": 3, "four": 4, "five": 5, "six": 6, "seven": 7, "eight": 8, "nine": 9, "ten": 10,
	"eleven": 11, "twelve": 12, "fifteen": 15, "twenty": 20, "thirty": 30, "forty five": 45,
}

var units = map[string]time.Duration{
	"second": time.Second, "sec": time.Second,
	"minute": time.Minute, "min": time.Minute,
	"hour": time.Hour, "hr": time.Hour,
	"day": Day, "week": 7 * Day, "month": 30 * Day, "year": 365 * Day,
}

var unitFrequency = map[string]models.OccurrenceFrequency{
	"day": models.FrequencyDaily, "daily": models.FrequencyDaily,
	"week": models.FrequencyWeekly, "weekly": models.FrequencyWeekly,
	"month": models.FrequencyMonthly, "monthly": models.FrequencyMonthly,
	"year": models.FrequencyYearly, "yearly": models.FrequencyYearly,
}

var adverbUnit = map[string]string{"daily": "day", "weekly": "week", "monthly": "month", "yearly": "year"}

var (
	halfHourRe = regexp.MustCompile(`\bevery half (an )?hour\b`)
	everyRe    = regexp.MustCompile(`\bevery (?:(\d+|two|three|four|five|six|seven|eight|nine|ten|eleven|twelve|fifteen|twenty|thirty|forty five|other|couple of|few) ?)?(second|sec|minute|min|hour|hr|day|week|month|year)s?\b`)
	timesPerRe = regexp.MustCompile(`\b(once|twice|thrice|(?:\d+|two|three|four|five|six) times?) (?:a|per|each|every) (day|week|month|year)\b`)
	timesAdvRe = regexp.MustCompile(`\b(twice|thrice|(?:\d+|two|three|four|five|six) times?) (daily|weekly|monthly|yearly)\b`)

	hourlyRe  = regexp.MustCompile(`\bhourly\b`)
	alwaysRe  = regexp.MustCompile(`\b(always|whenever|every time|each time|every occurrence|each occurrence)\b`)
	dailyRe   = regexp.MustCompile(`\b(daily|nightly|everyday|each day|every (morning|evening|night|afternoon))\b`)
	weeklyRe  = regexp.MustCompile(`\b(weekly|each week|every (weekday|weekend)|weekdays|weekends)\b`)
	monthlyRe = regexp.MustCompile(`\b(monthly|each month)\b`)
	yearlyRe  = regexp.MustCompile(`\b(yearly|annually|annual|each year)\b`)
	onceRe    = regexp.MustCompile(`\b(once|one time|one off|just once|no|none|never|not recurring|today|tomorrow|tonight)\b`)
	dayNameRe = regexp.MustCompile(`\b(monday|tuesday|wednesday|thursday|friday|saturday|sunday)s?\b`)
)

// Spec is a parsed recurrence label.
type Spec struct {
	Label     string                     `json:"label"`
	Frequency models.OccurrenceFrequency `json:"frequency"`
	// Period is the shortest gap between firings; zero for once and always.
	Period   time.Duration `json:"period"`
	Days     []string      `json:"days,omitempty"`
	Interval int           `json:"interval,omitempty"`
}

// SubDaily reports whether the recurrence fires more often than once a day.
func (s Spec) SubDaily() bool { return s.Period > 0 && s.Period < Day }

// Repeat reports whether the frequency repeats.
func (s Spec) Repeat() bool { return s.Frequency != models.FrequencyOnce }

// Parse maps a recurrence label to a Spec. An empty label is a one-off reminder.
// Sub-daily labels parse successfully; callers decide whether they are allowed.
func Parse(label string) (Spec, error) {
	text := normalize(label)
	spec := Spec{Label: strings.TrimSpace(label)}
	if text == "" {
		spec.Frequency = models.FrequencyOnce
		return spec, nil
	}

	switch {
	case halfHourRe.MatchString(text):
		return spec.periodic(30*time.Minute), nil
	case hourlyRe.MatchString(text):
		return spec.periodic(time.Hour), nil
	}

	if m := timesPerRe.FindStringSubmatch(text); m != nil {
		return spec.timesPer(label, count(m[1]), m[2])
	}
	if m := timesAdvRe.FindStringSubmatch(text); m != nil {
		return spec.timesPer(label, count(m[1]), adverbUnit[m[2]])
	}
	if m := everyRe.FindStringSubmatch(text); m != nil {
		n := 1
		if m[1] != "" {
			n = count(m[1])
		}
		period, ok := scale(units[m[2]], n)
		if !ok {
			return Spec{}, fmt.Errorf("%w: %q", ErrUnrecognized, label)
		}
		if freq, ok := unitFrequency[m[2]]; ok {
			spec.Frequency, spec.Period = freq, period
			if n > 1 {
				spec.Interval = n
			}
			if freq == models.FrequencyWeekly {
				spec.Days = dayNames(text)
			}
			return spec, nil
		}
		return spec.periodic(period), nil
	}

	switch {
	case alwaysRe.MatchString(text):
		spec.Frequency = models.FrequencyAlways
	case dailyRe.MatchString(text):
		spec.Frequency, spec.Period = models.FrequencyDaily, Day
	case weeklyRe.MatchString(text) || dayNameRe.MatchString(text):
		spec.Frequency, spec.Period = models.FrequencyWeekly, 7*Day
		spec.Days = dayNames(text)
		if len(spec.Days) > 1 {
			spec.Period = Day
		}
	case monthlyRe.MatchString(text):
		spec.Frequency, spec.Period = models.FrequencyMonthly, 30*Day
	case yearlyRe.MatchString(text):
		spec.Frequency, spec.Period = models.FrequencyYearly, 365*Day
	case onceRe.MatchString(text):
		spec.Frequency = models.FrequencyOnce
	default:
		return Spec{}, fmt.Errorf("%w: %q", ErrUnrecognized, label)
	}
	return spec, nil
}

// timesPer handles "N times a <unit>" labels.
func (s Spec) timesPer(label string, n int, unit string) (Spec, error) {
	d, ok := units[unit]
	if n <= 0 || !ok {
		return Spec{}, fmt.Errorf("%w: %q", ErrUnrecognized, label)
	}
	if n == 1 {
		s.Frequency, s.Period = unitFrequency[unit], d
		return s, nil
	}
	period := d / time.Duration(n)
	if period <= 0 {
		return Spec{}, fmt.Errorf("%w: %q", ErrUnrecognized, label)
	}
	return s.periodic(period), nil
}

// periodic derives the frequency from a period. Sub-daily periods leave the
// frequency empty.
func (s Spec) periodic(period time.Duration) Spec {
	s.Period = period
	switch {
	case period < Day:
	case period < 7*Day:
		s.Frequency = models.FrequencyDaily
	case period < 28*Day:
		s.Frequency = models.FrequencyWeekly
	case period < 365*Day:
		s.Frequency = models.FrequencyMonthly
	default:
		s.Frequency = models.FrequencyYearly
	}
	return s
}

func dayNames(text string) []string {
	var days []string
	add := func(d string) {
		for _, have := range days {
			if have == d {
				return
			}
		}
		days = append(days, d)
	}
	if strings.Contains(text, "weekday") {
		for _, d := range weekdays[:5] {
			add(d)
		}
	}
	if strings.Contains(text, "weekend") {
		add("saturday")
		add("sunday")
	}
	for _, m := range dayNameRe.FindAllStringSubmatch(text, -1) {
		add(m[1])
	}
	return days
}

// scale multiplies a unit by a count, failing for non-positive counts and for
// products that do not fit in a time.Duration.
func scale(unit time.Duration, n int) (time.Duration, bool) {
	if n <= 0 || unit <= 0 || int64(n) > math.MaxInt64/int64(unit) {
		return 0, false
	}
	return unit * time.Duration(n), true
}

func count(word string) int {
	word = strings.TrimSpace(strings.TrimSuffix(strings.TrimSuffix(word, "times"), "time"))
	if n, err := strconv.Atoi(word); err == nil {
		return n
	}
	return numberWords[word]
}

func normalize(label string) string {
	label = strings.ToLower(label)
	label = strings.NewReplacer("-", " ", ",", " ", ".", " ", "/", " ").Replace(label)
	return strings.Join(strings.Fields(label), " ")
}
