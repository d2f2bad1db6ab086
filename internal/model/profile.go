package model

import "time"

// FieldSection groups profile fields by disclosure scope.
type FieldSection string

const (
	// SectionUniversal fields are disclosed under every sharing category.
	SectionUniversal FieldSection = "universal"
	SectionPersonal  FieldSection = "personal"
	SectionWork      FieldSection = "work"
)

// ContactEntry is one disclosed contact detail (phone, email, social handle).
type ContactEntry struct {
	Field   string       `json:"field"`
	Value   string       `json:"value"`
	Section FieldSection `json:"section"`
}

// Profile is the shareable contact card of a user.
type Profile struct {
	UserID       string         `json:"user_id"`
	Name         string         `json:"name"`
	ProfileImage string         `json:"profile_image,omitempty"`
	Bio          string         `json:"bio,omitempty"`
	Entries      []ContactEntry `json:"entries"`
	UpdatedAt    time.Time      `json:"updated_at"`
}

// Filter returns a copy holding only the entries disclosed under category.
func (p *Profile) Filter(category SharingCategory) *Profile {
	out := *p
	out.Entries = make([]ContactEntry, 0, len(p.Entries))
	for _, e := range p.Entries {
		if Discloses(category, e.Section) {
			out.Entries = append(out.Entries, e)
		}
	}
	return &out
}

// Discloses reports whether a section is revealed under category.
func Discloses(category SharingCategory, section FieldSection) bool {
	switch section {
	case SectionUniversal:
		return true
	case SectionPersonal:
		return category == CategoryPersonal || category == CategoryAll
	case SectionWork:
		return category == CategoryWork || category == CategoryAll
	}
	return false
}

// DisclosedSections lists the sections revealed under category, universal first.
func DisclosedSections(category SharingCategory) []FieldSection {
	sections := []FieldSection{SectionUniversal}
	for _, s := range []FieldSection{SectionPersonal, SectionWork} {
		if Discloses(category, s) {
			sections = append(sections, s)
		}
	}
	return sections
}

// ProfilePreview is the pre-authentication teaser of a counterpart.
type ProfilePreview struct {
	Name              string          `json:"name"`
	ProfileImage      string          `json:"profile_image,omitempty"`
	SharingCategory   SharingCategory `json:"sharing_category"`
	DisclosedSections []FieldSection  `json:"disclosed_sections"`
}
