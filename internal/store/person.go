package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/dukerupert/kinship/internal/model"
	"github.com/dukerupert/kinship/internal/tree"
)

// PersonStore persists tree nodes and their edge lists.
type PersonStore struct {
	db *sql.DB
}

func NewPersonStore(db *sql.DB) *PersonStore {
	return &PersonStore{db: db}
}

func scanPerson(scanner interface{ Scan(...any) error }) (*model.Person, error) {
	var p model.Person
	var gender string
	var birth, death, wedding sql.NullString
	var linked sql.NullInt64

	err := scanner.Scan(
		&p.ID, &p.FirstName, &p.LastName, &gender, &birth, &death, &wedding,
		&p.AvatarURL, &linked, &p.IsAccountHolder,
	)
	if err != nil {
		return nil, err
	}

	p.Gender = model.Gender(gender)
	if p.BirthDate, err = parseDate(birth); err != nil {
		return nil, err
	}
	if p.DeathDate, err = parseDate(death); err != nil {
		return nil, err
	}
	if p.WeddingAnniversary, err = parseDate(wedding); err != nil {
		return nil, err
	}
	if linked.Valid {
		p.LinkedAccountID = &linked.Int64
	}
	p.Parents, p.Children, p.Spouses = []string{}, []string{}, []string{}
	return &p, nil
}

const personCols = `id, first_name, last_name, gender, birth_date, death_date, wedding_anniversary, avatar_url, linked_account_id, is_account_holder`

// Snapshot returns every person of a family in creation order with edge
// lists in stored order.
func (s *PersonStore) Snapshot(ctx context.Context, familyID int64) ([]model.Person, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+personCols+` FROM people WHERE family_id = ? ORDER BY position, id`,
		familyID,
	)
	if err != nil {
		return nil, fmt.Errorf("list people: %w", err)
	}
	defer rows.Close()

	var people []model.Person
	index := make(map[string]int)
	for rows.Next() {
		p, err := scanPerson(rows)
		if err != nil {
			return nil, fmt.Errorf("scan person: %w", err)
		}
		index[p.ID] = len(people)
		people = append(people, *p)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	rel, err := s.db.QueryContext(ctx,
		`SELECT r.person_id, r.kind, r.related_id
		 FROM person_relations r
		 JOIN people p ON p.id = r.person_id
		 WHERE p.family_id = ?
		 ORDER BY r.person_id, r.kind, r.position`,
		familyID,
	)
	if err != nil {
		return nil, fmt.Errorf("list relations: %w", err)
	}
	defer rel.Close()

	for rel.Next() {
		var personID, kind, relatedID string
		if err := rel.Scan(&personID, &kind, &relatedID); err != nil {
			return nil, fmt.Errorf("scan relation: %w", err)
		}
		p := &people[index[personID]]
		switch model.RelationType(kind) {
		case model.RelationParents:
			p.Parents = append(p.Parents, relatedID)
		case model.RelationChildren:
			p.Children = append(p.Children, relatedID)
		case model.RelationSpouses:
			p.Spouses = append(p.Spouses, relatedID)
		}
	}
	return people, rel.Err()
}

// SaveDelta stores the new node of d and rewrites the edge lists of every
// node in d, in one transaction.
func (s *PersonStore) SaveDelta(ctx context.Context, familyID int64, d *tree.Delta) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if d.NewNode != nil {
		if err := insertPerson(ctx, tx, familyID, *d.NewNode); err != nil {
			return err
		}
	}
	for _, u := range d.Updated {
		res, err := tx.ExecContext(ctx,
			`UPDATE people SET updated_at = CURRENT_TIMESTAMP WHERE id = ? AND family_id = ?`,
			u.ID, familyID,
		)
		if err != nil {
			return fmt.Errorf("touch person: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return fmt.Errorf("update person %q: not in family %d", u.ID, familyID)
		}
	}
	for _, p := range d.Nodes() {
		if err := replaceRelations(ctx, tx, p); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// SaveAttributes updates the attribute columns of p. Edges and account link
// columns are not written.
func (s *PersonStore) SaveAttributes(ctx context.Context, familyID int64, p model.Person) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE people SET first_name = ?, last_name = ?, gender = ?, birth_date = ?, death_date = ?,
		 wedding_anniversary = ?, avatar_url = ?, updated_at = CURRENT_TIMESTAMP
		 WHERE id = ? AND family_id = ?`,
		p.FirstName, p.LastName, string(p.Gender), nullDate(p.BirthDate), nullDate(p.DeathDate),
		nullDate(p.WeddingAnniversary), p.AvatarURL, p.ID, familyID,
	)
	if err != nil {
		return fmt.Errorf("update person: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("update person %q: not in family %d", p.ID, familyID)
	}
	return nil
}

// Import inserts a batch of people with their edge lists. Edges are stored
// as given; consistency is checked when the family graph is loaded.
func (s *PersonStore) Import(ctx context.Context, familyID int64, people []model.Person) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	for _, p := range people {
		if err := insertPerson(ctx, tx, familyID, p); err != nil {
			return err
		}
	}
	for _, p := range people {
		if err := replaceRelations(ctx, tx, p); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// ForFamily binds the store to one family as a tree.Persister.
func (s *PersonStore) ForFamily(familyID int64) tree.Persister {
	return familyPersister{store: s, familyID: familyID}
}

type familyPersister struct {
	store    *PersonStore
	familyID int64
}

func (f familyPersister) SaveDelta(ctx context.Context, d *tree.Delta) error {
	return f.store.SaveDelta(ctx, f.familyID, d)
}

func (f familyPersister) SaveAttributes(ctx context.Context, p model.Person) error {
	return f.store.SaveAttributes(ctx, f.familyID, p)
}

func insertPerson(ctx context.Context, tx *sql.Tx, familyID int64, p model.Person) error {
	var linked sql.NullInt64
	if p.LinkedAccountID != nil {
		linked = sql.NullInt64{Int64: *p.LinkedAccountID, Valid: true}
	}
	_, err := tx.ExecContext(ctx,
		`INSERT INTO people (id, family_id, position, first_name, last_name, gender, birth_date, death_date,
		 wedding_anniversary, avatar_url, linked_account_id, is_account_holder)
		 VALUES (?, ?, (SELECT COALESCE(MAX(position), -1) + 1 FROM people WHERE family_id = ?), ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.ID, familyID, familyID, p.FirstName, p.LastName, string(p.Gender), nullDate(p.BirthDate),
		nullDate(p.DeathDate), nullDate(p.WeddingAnniversary), p.AvatarURL, linked, p.IsAccountHolder,
	)
	if err != nil {
		return fmt.Errorf("insert person %q: %w", p.ID, err)
	}
	return nil
}

func replaceRelations(ctx context.Context, tx *sql.Tx, p model.Person) error {
	if _, err := tx.ExecContext(ctx, `DELETE FROM person_relations WHERE person_id = ?`, p.ID); err != nil {
		return fmt.Errorf("clear relations of %q: %w", p.ID, err)
	}
	lists := []struct {
		kind model.RelationType
		ids  []string
	}{
		{model.RelationParents, p.Parents},
		{model.RelationChildren, p.Children},
		{model.RelationSpouses, p.Spouses},
	}
	for _, l := range lists {
		for i, id := range l.ids {
			_, err := tx.ExecContext(ctx,
				`INSERT OR IGNORE INTO person_relations (person_id, kind, related_id, position) VALUES (?, ?, ?, ?)`,
				p.ID, string(l.kind), id, i,
			)
			if err != nil {
				return fmt.Errorf("insert relation %s.%s: %w", p.ID, l.kind, err)
			}
		}
	}
	return nil
}
