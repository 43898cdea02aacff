package tree

import (
	"fmt"
	"slices"

	"github.com/dukerupert/kinship/internal/model"
)

// Rule names the invariant a Violation breaks.
type Rule string

const (
	RuleSpouseSymmetry   Rule = "spouse_symmetry"
	RuleParentChild      Rule = "parent_child_duality"
	RuleSelfReference    Rule = "self_reference"
	RuleDanglingRef      Rule = "dangling_reference"
	RuleDuplicateEdge    Rule = "duplicate_edge"
	RuleParentLimit      Rule = "parent_limit"
	RuleDuplicateAccount Rule = "duplicate_account_link"
	RuleDuplicateID      Rule = "duplicate_id"
	RuleMissingID        Rule = "missing_id"
)

// Violation is one inconsistency found by an audit. Edge and OtherID locate
// the offending entry on NodeID's edge lists when the rule concerns an edge.
type Violation struct {
	Rule      Rule               `json:"rule"`
	NodeID    string             `json:"node_id"`
	Edge      model.RelationType `json:"edge,omitempty"`
	OtherID   string             `json:"other_id,omitempty"`
	AccountID int64              `json:"account_id,omitempty"`
}

func (v Violation) Error() string {
	switch {
	case v.Edge != "":
		return fmt.Sprintf("%s: %s.%s -> %s", v.Rule, v.NodeID, v.Edge, v.OtherID)
	case v.AccountID != 0:
		return fmt.Sprintf("%s: %s (account %d)", v.Rule, v.NodeID, v.AccountID)
	default:
		return fmt.Sprintf("%s: %s", v.Rule, v.NodeID)
	}
}

// Validate audits every invariant without modifying the graph.
func (g *Graph) Validate() []Violation {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.validateLocked()
}

func (g *Graph) validateLocked() []Violation {
	var out []Violation
	accounts := make(map[int64]string)

	for _, id := range g.order {
		p := g.nodes[id]
		out = append(out, g.checkEdges(p, model.RelationParents, p.Parents)...)
		out = append(out, g.checkEdges(p, model.RelationChildren, p.Children)...)
		out = append(out, g.checkEdges(p, model.RelationSpouses, p.Spouses)...)

		if p.LinkedAccountID != nil {
			aid := *p.LinkedAccountID
			if _, taken := accounts[aid]; taken {
				out = append(out, Violation{Rule: RuleDuplicateAccount, NodeID: id, AccountID: aid})
			} else {
				accounts[aid] = id
			}
		}
	}
	return out
}

func (g *Graph) checkEdges(p *model.Person, rel model.RelationType, ids []string) []Violation {
	var out []Violation
	seen := make(map[string]bool, len(ids))
	parents := 0
	for _, other := range ids {
		v := Violation{NodeID: p.ID, Edge: rel, OtherID: other}
		switch {
		case seen[other]:
			v.Rule = RuleDuplicateEdge
		case other == p.ID:
			v.Rule = RuleSelfReference
		default:
			o, ok := g.nodes[other]
			if !ok {
				v.Rule = RuleDanglingRef
				break
			}
			if rel == model.RelationParents {
				parents++
				if parents > 2 {
					v.Rule = RuleParentLimit
					break
				}
			}
			if !reciprocated(o, rel, p.ID) {
				if rel == model.RelationSpouses {
					v.Rule = RuleSpouseSymmetry
				} else {
					v.Rule = RuleParentChild
				}
			}
		}
		seen[other] = true
		if v.Rule != "" {
			out = append(out, v)
		}
	}
	return out
}

// reciprocated reports whether other lists id on the mirror edge of rel.
func reciprocated(other *model.Person, rel model.RelationType, id string) bool {
	switch rel {
	case model.RelationParents:
		return slices.Contains(other.Children, id)
	case model.RelationChildren:
		return slices.Contains(other.Parents, id)
	default:
		return slices.Contains(other.Spouses, id)
	}
}

// prune drops whatever a violation points at from the in-memory copy.
func (g *Graph) prune(v Violation) {
	p, ok := g.nodes[v.NodeID]
	if !ok {
		return
	}
	if v.Rule == RuleDuplicateAccount {
		p.LinkedAccountID = nil
		p.IsAccountHolder = false
		return
	}
	list, err := edgeList(p, v.Edge)
	if err != nil {
		return
	}
	if v.Rule == RuleDuplicateEdge || v.Rule == RuleParentLimit {
		*list = removeLastID(*list, v.OtherID)
		return
	}
	*list = removeID(*list, v.OtherID)
}
