// Package flow implements the scan follow-up dialogue: the reminder and reply wording and the
// state machine that decides what happens after each classified patient message.
package flow

import (
	"fmt"
	"strings"
)

// Default wording parameters for the reminder script.
const (
	DefaultProviderName = "Dr Hendricks"
	DefaultScanType     = "CT"
	DefaultLeadDays     = 7
)

// Script holds the parameters that shape the patient-facing wording.
// Every message the dialogue can send is produced by a method on Script so the
// complete reply set can be reviewed in one place.
type Script struct {
	ProviderName string
	ScanType     string
	LeadDays     int
}

// DefaultScript returns the script used when no overrides are configured.
func DefaultScript() Script {
	return Script{
		ProviderName: DefaultProviderName,
		ScanType:     DefaultScanType,
		LeadDays:     DefaultLeadDays,
	}
}

// withDefaults fills zero-valued fields.
func (s Script) withDefaults() Script {
	if strings.TrimSpace(s.ProviderName) == "" {
		s.ProviderName = DefaultProviderName
	}
	if strings.TrimSpace(s.ScanType) == "" {
		s.ScanType = DefaultScanType
	}
	if s.LeadDays <= 0 {
		s.LeadDays = DefaultLeadDays
	}
	return s
}

// Reminder composes the opening message. The name is optional.
func (s Script) Reminder(patientName string) string {
	s = s.withDefaults()
	greeting := "Hey"
	if name := strings.TrimSpace(patientName); name != "" {
		greeting += " " + name
	}
	return fmt.Sprintf("%s, it's %d days before your visit with %s and they ordered a %s. Did you get it done yet?",
		greeting, s.LeadDays, s.ProviderName, s.ScanType)
}

// AskScanDetails is sent when the patient confirms the scan was done.
func (s Script) AskScanDetails() string {
	s = s.withDefaults()
	return fmt.Sprintf("Great! Can you tell me where and on what date you had the %s done?", s.ScanType)
}

// AskNoReason is sent when the scan has not been done yet.
func (s Script) AskNoReason() string {
	return "No problem. May I ask why you haven't been able to get it done yet?"
}

// OfferCallback answers a patient who does not want the scan.
func (s Script) OfferCallback() string {
	return "I understand. Would it be okay if someone from the office gives you a quick call to discuss?"
}

// OfferSchedulingHelp answers a patient who forgot.
func (s Script) OfferSchedulingHelp() string {
	return "That happens! Do you need help scheduling it or finding a convenient location?"
}

// PromiseFollowUp answers a patient who cannot remember whether it was done.
func (s Script) PromiseFollowUp() string {
	return "No worries at all, we'll check with the imaging centers and get back to you today."
}

// ConfirmNewDate asks the patient to confirm a date extracted from their message.
func (s Script) ConfirmNewDate(date string) string {
	return fmt.Sprintf("Thanks! You mentioned %s. Is that the new date?", date)
}

// AskNewDate is sent when the scan was pushed back but no date was given.
func (s Script) AskNewDate() string {
	return "Got it, you had to push it back. When is the new appointment scheduled for?"
}

// FallbackReply is sent when a message could not be understood and staff will take over.
func (s Script) FallbackReply() string {
	return "Sorry, I didn't quite catch that. Someone from the office will follow up with you shortly."
}
