package models

import (
	"fmt"
	"strings"
)

// Rule is the recurrence rule of a reminder. The set is closed.
type Rule string

const (
	RuleDaily      Rule = "daily"
	RuleEvery2Days Rule = "every_2_days"
	RuleWeekly     Rule = "weekly"
	RuleBiweekly   Rule = "biweekly"
	RuleMonthly    Rule = "monthly"
	RuleWeekdays   Rule = "weekdays"
	RuleWeekends   Rule = "weekends"
	RuleWedFri     Rule = "wed_fri"
	RuleOnce       Rule = "once"
)

// Rules lists every rule in menu order.
var Rules = []Rule{
	RuleDaily,
	RuleEvery2Days,
	RuleWeekly,
	RuleBiweekly,
	RuleMonthly,
	RuleWeekdays,
	RuleWeekends,
	RuleWedFri,
	RuleOnce,
}

var ruleLabels = map[Rule]string{
	RuleDaily:      "Every day",
	RuleEvery2Days: "Every 2 days",
	RuleWeekly:     "Every week",
	RuleBiweekly:   "Every 2 weeks",
	RuleMonthly:    "Every month",
	RuleWeekdays:   "Weekdays",
	RuleWeekends:   "Weekends",
	RuleWedFri:     "Wednesday and Friday",
	RuleOnce:       "Once",
}

// ParseRule accepts the canonical name in any case ("DAILY", "daily", " Daily ").
func ParseRule(s string) (Rule, error) {
	r := Rule(strings.ToLower(strings.TrimSpace(s)))
	if !r.Valid() {
		return "", fmt.Errorf("%w: %q", ErrInvalidRule, s)
	}
	return r, nil
}

func (r Rule) Valid() bool {
	_, ok := ruleLabels[r]
	return ok
}

// Label returns a short human readable description.
func (r Rule) Label() string {
	if l, ok := ruleLabels[r]; ok {
		return l
	}
	return string(r)
}

func (r Rule) IsOnce() bool {
	return r == RuleOnce
}
