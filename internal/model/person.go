package model

import "time"

type Gender string

const (
	GenderMale    Gender = "M"
	GenderFemale  Gender = "F"
	GenderUnknown Gender = ""
)

// Opposite returns the other binary gender, or GenderUnknown when g is unknown.
func (g Gender) Opposite() Gender {
	switch g {
	case GenderMale:
		return GenderFemale
	case GenderFemale:
		return GenderMale
	default:
		return GenderUnknown
	}
}

// Person is one vertex of the family graph. Edges are id lists so the
// structure stays serializable and cycle-free in memory.
type Person struct {
	ID                 string     `json:"id"`
	FirstName          string     `json:"first_name"`
	LastName           string     `json:"last_name,omitempty"`
	Gender             Gender     `json:"gender"`
	BirthDate          *time.Time `json:"birth_date,omitempty"`
	DeathDate          *time.Time `json:"death_date,omitempty"`
	WeddingAnniversary *time.Time `json:"wedding_anniversary,omitempty"`
	AvatarURL          string     `json:"avatar_url,omitempty"`
	LinkedAccountID    *int64     `json:"linked_account_id,omitempty"`
	IsAccountHolder    bool       `json:"is_account_holder"`

	Parents  []string `json:"parents"`
	Children []string `json:"children"`
	Spouses  []string `json:"spouses"`
}

// Clone returns a deep copy of p.
func (p Person) Clone() Person {
	c := p
	c.Parents = append([]string(nil), p.Parents...)
	c.Children = append([]string(nil), p.Children...)
	c.Spouses = append([]string(nil), p.Spouses...)
	c.BirthDate = cloneTime(p.BirthDate)
	c.DeathDate = cloneTime(p.DeathDate)
	c.WeddingAnniversary = cloneTime(p.WeddingAnniversary)
	if p.LinkedAccountID != nil {
		id := *p.LinkedAccountID
		c.LinkedAccountID = &id
	}
	return c
}

// DisplayName joins first and last name.
func (p Person) DisplayName() string {
	if p.LastName == "" {
		return p.FirstName
	}
	return p.FirstName + " " + p.LastName
}

// Attributes returns the editable attributes of p.
func (p Person) Attributes() PersonAttributes {
	return PersonAttributes{
		FirstName:          p.FirstName,
		LastName:           p.LastName,
		Gender:             p.Gender,
		BirthDate:          cloneTime(p.BirthDate),
		DeathDate:          cloneTime(p.DeathDate),
		WeddingAnniversary: cloneTime(p.WeddingAnniversary),
		AvatarURL:          p.AvatarURL,
	}
}

// ApplyAttributes overwrites the attribute fields of p. Edges and account
// link fields are left untouched.
func (p *Person) ApplyAttributes(a PersonAttributes) {
	p.FirstName = a.FirstName
	p.LastName = a.LastName
	p.Gender = a.Gender
	p.BirthDate = cloneTime(a.BirthDate)
	p.DeathDate = cloneTime(a.DeathDate)
	p.WeddingAnniversary = cloneTime(a.WeddingAnniversary)
	p.AvatarURL = a.AvatarURL
}

// PersonDraft is the payload of the creation form.
type PersonDraft struct {
	FirstName          string     `json:"first_name" validate:"required"`
	LastName           string     `json:"last_name,omitempty"`
	Gender             Gender     `json:"gender,omitempty" validate:"omitempty,oneof=M F"`
	BirthDate          *time.Time `json:"birth_date,omitempty"`
	DeathDate          *time.Time `json:"death_date,omitempty"`
	WeddingAnniversary *time.Time `json:"wedding_anniversary,omitempty"`
	AvatarURL          string     `json:"avatar_url,omitempty" validate:"omitempty,url"`
}

// PersonAttributes is the payload of the edit form. It never carries edges.
type PersonAttributes struct {
	FirstName          string     `json:"first_name" validate:"required"`
	LastName           string     `json:"last_name,omitempty"`
	Gender             Gender     `json:"gender" validate:"omitempty,oneof=M F"`
	BirthDate          *time.Time `json:"birth_date,omitempty"`
	DeathDate          *time.Time `json:"death_date,omitempty"`
	WeddingAnniversary *time.Time `json:"wedding_anniversary,omitempty"`
	AvatarURL          string     `json:"avatar_url,omitempty" validate:"omitempty,url"`
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
