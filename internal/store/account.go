package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/dukerupert/kinship/internal/model"
)

type AccountStore struct {
	db *sql.DB
}

func NewAccountStore(db *sql.DB) *AccountStore {
	return &AccountStore{db: db}
}

func scanAccount(scanner interface{ Scan(...any) error }) (*model.Account, error) {
	var a model.Account
	var birthday, wedding, death sql.NullString
	err := scanner.Scan(&a.ID, &a.Email, &a.Name, &birthday, &wedding, &death, &a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if a.Birthday, err = parseDate(birthday); err != nil {
		return nil, err
	}
	if a.WeddingAnniversary, err = parseDate(wedding); err != nil {
		return nil, err
	}
	if a.DeathDate, err = parseDate(death); err != nil {
		return nil, err
	}
	return &a, nil
}

const accountCols = `id, email, name, birthday, wedding_anniversary, death_date, created_at, updated_at`

func (s *AccountStore) Create(ctx context.Context, email, name string) (*model.Account, error) {
	result, err := s.db.ExecContext(ctx,
		`INSERT INTO accounts (email, name) VALUES (?, ?)`,
		strings.ToLower(strings.TrimSpace(email)), name,
	)
	if err != nil {
		return nil, fmt.Errorf("insert account: %w", err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("last insert id: %w", err)
	}
	return s.GetByID(ctx, id)
}

func (s *AccountStore) GetByID(ctx context.Context, id int64) (*model.Account, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+accountCols+` FROM accounts WHERE id = ?`, id)
	a, err := scanAccount(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get account: %w", err)
	}
	return a, nil
}

func (s *AccountStore) GetByEmail(ctx context.Context, email string) (*model.Account, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+accountCols+` FROM accounts WHERE email = ?`,
		strings.ToLower(strings.TrimSpace(email)),
	)
	a, err := scanAccount(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get account by email: %w", err)
	}
	return a, nil
}
