package models

import "time"

// DateLayout is the ISO calendar date format used for extracted dates.
const DateLayout = "2006-01-02"

// ClassificationKind tags which decision shape a Classification carries.
type ClassificationKind string

const (
	// ClassificationYesNo carries a binary intent.
	ClassificationYesNo ClassificationKind = "yes_no"
	// ClassificationReason carries a reason category and an optional date.
	ClassificationReason ClassificationKind = "reason"
)

// Intent is the two-valued answer to "did you get the scan done?".
type Intent string

const (
	IntentYes Intent = "yes"
	IntentNo  Intent = "no"
)

// Category is the reason a patient gives for not having had the scan.
type Category string

const (
	CategoryDoesntWant   Category = "doesnt_want"
	CategoryForgot       Category = "forgot"
	CategoryCantRemember Category = "cant_remember"
	CategoryPushedBack   Category = "pushed_back"
)

// IsValid reports whether c is one of the fixed reason categories.
func (c Category) IsValid() bool {
	switch c {
	case CategoryDoesntWant, CategoryForgot, CategoryCantRemember, CategoryPushedBack:
		return true
	default:
		return false
	}
}

// Classification is the structured decision produced for one inbound message.
// Only the fields matching Kind are meaningful.
type Classification struct {
	Kind ClassificationKind `json:"kind"`

	Intent    Intent `json:"intent,omitempty"`
	Ambiguous bool   `json:"ambiguous,omitempty"` // model output was neither yes nor no; Intent defaulted to no

	Category Category `json:"category,omitempty"`
	NewDate  string   `json:"new_date,omitempty"` // YYYY-MM-DD, empty when absent
}

// YesNo builds a yes/no classification.
func YesNo(intent Intent) Classification {
	return Classification{Kind: ClassificationYesNo, Intent: intent}
}

// Reason builds a reason classification. newDate may be empty.
func Reason(category Category, newDate string) Classification {
	return Classification{Kind: ClassificationReason, Category: category, NewDate: newDate}
}

// ParseISODate reports whether s is a valid calendar date in DateLayout.
func ParseISODate(s string) (time.Time, bool) {
	t, err := time.Parse(DateLayout, s)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}
