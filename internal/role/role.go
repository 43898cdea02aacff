// Package role infers the relation role and default gender used to pre-fill
// the add-relative form. It never touches the graph.
package role

import (
	"errors"
	"fmt"

	"github.com/dukerupert/kinship/internal/model"
)

var ErrUnknownRelation = errors.New("unknown relation type")

// Context describes the interaction that opened the form.
type Context struct {
	Relation        model.RelationType
	ReferenceGender model.Gender
	// EmptySlot is the missing parent position when exactly one is missing.
	// SlotNone means both are empty.
	EmptySlot model.ParentSlot
	// Requested is an explicit role asked for by the caller, honoured when
	// both parent slots are empty.
	Requested model.Role
}

// Result is the pre-filled part of the creation form.
type Result struct {
	Relation      model.RelationType `json:"relation"`
	SpecificRole  model.Role         `json:"specific_role"`
	DefaultGender model.Gender       `json:"default_gender"`
}

// Infer computes form defaults for c. The user may still override every
// returned value.
func Infer(c Context) (Result, error) {
	res := Result{Relation: c.Relation}
	switch c.Relation {
	case model.RelationSpouses:
		res.SpecificRole = model.RoleSpouse
		res.DefaultGender = c.ReferenceGender.Opposite()
	case model.RelationChildren:
		res.SpecificRole = model.RoleChild
	case model.RelationParents:
		switch {
		case c.EmptySlot == model.SlotMother:
			res.SpecificRole = model.RoleMother
		case c.EmptySlot == model.SlotFather:
			res.SpecificRole = model.RoleFather
		case c.Requested == model.RoleMother:
			res.SpecificRole = model.RoleMother
		default:
			res.SpecificRole = model.RoleFather
		}
		res.DefaultGender = parentGender(res.SpecificRole)
	default:
		return Result{}, fmt.Errorf("infer role: %w: %q", ErrUnknownRelation, c.Relation)
	}
	return res, nil
}

// ForGender maps a child's chosen gender to son or daughter.
func ForGender(g model.Gender) model.Role {
	switch g {
	case model.GenderMale:
		return model.RoleSon
	case model.GenderFemale:
		return model.RoleDaughter
	}
	return model.RoleChild
}

func parentGender(r model.Role) model.Gender {
	if r == model.RoleMother {
		return model.GenderFemale
	}
	return model.GenderMale
}
