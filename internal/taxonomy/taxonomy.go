// Package taxonomy assembles the closed set of tags the classifier is
// allowed to emit, from a built-in default table plus per-deployment
// additions and exclusions.
package taxonomy

import "github.com/kcalvelli/axios-ai-mail-sub001/internal/config"

// Tag is one classifiable category with a human-readable description
// used in the classifier's prompt.
type Tag struct {
	Name        string
	Description string
}

// defaults is the built-in 35-entry taxonomy. Names are lowercase
// alphanumeric-with-hyphen tokens, matched against by the classifier's
// tag-normalization step.
var defaults = []Tag{
	{"urgent", "Requires action within hours; time-sensitive deadlines or escalations"},
	{"action-required", "The recipient must do something: reply, approve, sign, or complete a task"},
	{"waiting-on-response", "Sent by the user and awaiting a reply from someone else"},
	{"fyi", "Informational only, no response expected"},
	{"newsletter", "Recurring editorial content from a subscribed publication"},
	{"promotional", "Marketing or sales content from a commercial sender"},
	{"receipt", "Purchase confirmation, invoice, or payment record"},
	{"shipping", "Order shipment, tracking, or delivery notification"},
	{"travel", "Flight, hotel, or itinerary confirmation"},
	{"calendar", "Meeting invite, reschedule, or calendar-related notice"},
	{"finance", "Banking, billing, or financial statement"},
	{"security-alert", "Account security notice: login, password reset, suspicious activity"},
	{"social", "Notification from a social network or community platform"},
	{"personal", "Correspondence from a known individual, non-work"},
	{"work", "Correspondence related to the user's job or business"},
	{"job-application", "Recruiting, interview scheduling, or application status"},
	{"legal", "Contract, legal notice, or compliance-related content"},
	{"healthcare", "Appointment reminder, medical record, or insurance notice"},
	{"government", "Tax, civic, or government agency correspondence"},
	{"education", "Course, school, or learning platform content"},
	{"subscription-renewal", "Upcoming or completed recurring subscription charge"},
	{"event-invite", "Invitation to an event distinct from a calendar meeting"},
	{"survey", "Request to complete a survey or feedback form"},
	{"spam-suspected", "Likely unsolicited bulk mail not yet filtered by the provider"},
	{"phishing-suspected", "Suspicious sender or content resembling a phishing attempt"},
	{"automated-notification", "System-generated alert from an app or service, non-security"},
	{"team-update", "Status update or digest from a work team or project"},
	{"code-review", "Pull request, code review, or CI/CD notification"},
	{"billing-issue", "Failed payment, overdue invoice, or billing dispute"},
	{"account-verification", "Email/account verification or confirmation link"},
	{"community", "Forum, mailing list, or open-source community digest"},
	{"real-estate", "Property listing, rental, or real-estate correspondence"},
	{"donation", "Charitable solicitation or donation receipt"},
	{"political", "Campaign, advocacy, or political fundraising content"},
	{"low-priority", "Low-value bulk mail safe to archive without reading"},
}

// Defaults returns a copy of the built-in 35-entry taxonomy.
func Defaults() []Tag {
	out := make([]Tag, len(defaults))
	copy(out, defaults)
	return out
}

// Build assembles the effective taxonomy for an account from its AI
// configuration: defaults (if UseDefaultTags), plus Tags, minus
// ExcludeTags.
func Build(cfg config.AIConfig) []Tag {
	var tags []Tag
	if cfg.UseDefaultTags {
		tags = append(tags, defaults...)
	}
	for _, t := range cfg.Tags {
		tags = append(tags, Tag{Name: t.Name, Description: t.Description})
	}

	if len(cfg.ExcludeTags) == 0 {
		return tags
	}
	excluded := make(map[string]bool, len(cfg.ExcludeTags))
	for _, name := range cfg.ExcludeTags {
		excluded[name] = true
	}
	filtered := make([]Tag, 0, len(tags))
	for _, t := range tags {
		if !excluded[t.Name] {
			filtered = append(filtered, t)
		}
	}
	return filtered
}

// Names returns the tag names in t, for membership checks.
func Names(tags []Tag) map[string]bool {
	out := make(map[string]bool, len(tags))
	for _, t := range tags {
		out[t.Name] = true
	}
	return out
}
