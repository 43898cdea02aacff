package model

// RelationType names one of the three edge lists on a Person.
type RelationType string

const (
	RelationParents  RelationType = "parents"
	RelationChildren RelationType = "children"
	RelationSpouses  RelationType = "spouses"
)

func (r RelationType) Valid() bool {
	switch r {
	case RelationParents, RelationChildren, RelationSpouses:
		return true
	}
	return false
}

// Role is the specific relation role shown on the creation form.
type Role string

const (
	RoleFather   Role = "father"
	RoleMother   Role = "mother"
	RoleSon      Role = "son"
	RoleDaughter Role = "daughter"
	RoleChild    Role = "child"
	RoleSpouse   Role = "spouse"
)

// ParentSlot is one of the two conventional parent positions.
type ParentSlot string

const (
	SlotFather ParentSlot = "father"
	SlotMother ParentSlot = "mother"
	SlotNone   ParentSlot = ""
)
