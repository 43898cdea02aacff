// Package seed reads family trees from YAML files.
package seed

import (
	"fmt"
	"io"
	"slices"
	"strings"
	"time"

	"github.com/dukerupert/kinship/internal/model"
	"github.com/dukerupert/kinship/internal/tree"
	"github.com/dukerupert/kinship/internal/validate"
	"gopkg.in/yaml.v3"
)

const dateLayout = "2006-01-02"

// File is a seed document. Edges may be listed on either side; People
// fills in the reciprocal entry.
type File struct {
	Family string   `yaml:"family"`
	People []Person `yaml:"people"`
}

type Person struct {
	ID                 string   `yaml:"id"`
	FirstName          string   `yaml:"first_name"`
	LastName           string   `yaml:"last_name"`
	Gender             string   `yaml:"gender"`
	BirthDate          string   `yaml:"birth_date"`
	DeathDate          string   `yaml:"death_date"`
	WeddingAnniversary string   `yaml:"wedding_anniversary"`
	AvatarURL          string   `yaml:"avatar_url"`
	Parents            []string `yaml:"parents"`
	Children           []string `yaml:"children"`
	Spouses            []string `yaml:"spouses"`
}

// Parse decodes a seed document, rejecting unknown fields.
func Parse(r io.Reader) (*File, error) {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	var f File
	if err := dec.Decode(&f); err != nil {
		return nil, fmt.Errorf("decode seed: %w", err)
	}
	return &f, nil
}

// Build converts the seed into graph nodes. Entries without an id get a
// generated one; references must name ids present in the file.
func (f *File) Build() ([]model.Person, error) {
	people := make([]model.Person, 0, len(f.People))
	index := make(map[string]int, len(f.People))

	for i, sp := range f.People {
		p, err := sp.person()
		if err != nil {
			return nil, fmt.Errorf("person %d: %w", i+1, err)
		}
		if p.ID == "" {
			p.ID = tree.NewID(p.FirstName)
		}
		if _, dup := index[p.ID]; dup {
			return nil, fmt.Errorf("person %d: duplicate id %q", i+1, p.ID)
		}
		index[p.ID] = len(people)
		people = append(people, p)
	}

	link := func(from, to string, rel model.RelationType) error {
		j, ok := index[to]
		if !ok {
			return fmt.Errorf("%s lists unknown %s %q", from, rel, to)
		}
		i := index[from]
		switch rel {
		case model.RelationParents:
			people[i].Parents = appendUnique(people[i].Parents, to)
			people[j].Children = appendUnique(people[j].Children, from)
		case model.RelationChildren:
			people[i].Children = appendUnique(people[i].Children, to)
			people[j].Parents = appendUnique(people[j].Parents, from)
		case model.RelationSpouses:
			people[i].Spouses = appendUnique(people[i].Spouses, to)
			people[j].Spouses = appendUnique(people[j].Spouses, from)
		}
		return nil
	}

	for i, sp := range f.People {
		id := people[i].ID
		for _, rel := range []struct {
			ids []string
			rel model.RelationType
		}{
			{sp.Parents, model.RelationParents},
			{sp.Children, model.RelationChildren},
			{sp.Spouses, model.RelationSpouses},
		} {
			for _, other := range rel.ids {
				if err := link(id, strings.TrimSpace(other), rel.rel); err != nil {
					return nil, err
				}
			}
		}
	}
	return people, nil
}

func (sp Person) person() (model.Person, error) {
	attrs := model.PersonAttributes{
		FirstName: strings.TrimSpace(sp.FirstName),
		LastName:  strings.TrimSpace(sp.LastName),
		Gender:    model.Gender(strings.ToUpper(strings.TrimSpace(sp.Gender))),
		AvatarURL: strings.TrimSpace(sp.AvatarURL),
	}
	var err error
	if attrs.BirthDate, err = parseDate("birth_date", sp.BirthDate); err != nil {
		return model.Person{}, err
	}
	if attrs.DeathDate, err = parseDate("death_date", sp.DeathDate); err != nil {
		return model.Person{}, err
	}
	if attrs.WeddingAnniversary, err = parseDate("wedding_anniversary", sp.WeddingAnniversary); err != nil {
		return model.Person{}, err
	}
	if err := validate.Struct(attrs); err != nil {
		return model.Person{}, err
	}

	p := model.Person{ID: strings.TrimSpace(sp.ID)}
	p.ApplyAttributes(attrs)
	return p, nil
}

func parseDate(field, s string) (*time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, nil
	}
	t, err := time.Parse(dateLayout, s)
	if err != nil {
		return nil, &model.ValidationError{Field: field, Message: "must be YYYY-MM-DD"}
	}
	return &t, nil
}

func appendUnique(ids []string, id string) []string {
	if slices.Contains(ids, id) {
		return ids
	}
	return append(ids, id)
}
