package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/dukerupert/kinship/internal/linkage"
	"github.com/dukerupert/kinship/internal/model"
)

type InvitationStore struct {
	db *sql.DB
}

func NewInvitationStore(db *sql.DB) *InvitationStore {
	return &InvitationStore{db: db}
}

func scanInvitation(scanner interface{ Scan(...any) error }) (*model.Invitation, error) {
	var inv model.Invitation
	var status string
	var acceptedAt sql.NullTime

	err := scanner.Scan(
		&inv.ID, &inv.FamilyID, &inv.Email, &inv.TreeNodeID, &status, &inv.InvitedBy,
		&inv.CodeHash, &inv.Attempts, &inv.ExpiresAt, &acceptedAt, &inv.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	inv.Status = model.InvitationStatus(status)
	if acceptedAt.Valid {
		inv.AcceptedAt = &acceptedAt.Time
	}
	return &inv, nil
}

const invitationCols = `id, family_id, email, tree_node_id, status, invited_by, code_hash, attempts, expires_at, accepted_at, created_at`

// Create stores a pending invitation. Earlier pending invitations for the
// same node are revoked first.
func (s *InvitationStore) Create(ctx context.Context, inv *model.Invitation) (*model.Invitation, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx,
		`UPDATE invitations SET status = 'REVOKED' WHERE tree_node_id = ? AND status = 'PENDING'`,
		inv.TreeNodeID,
	)
	if err != nil {
		return nil, fmt.Errorf("revoke previous invitations: %w", err)
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO invitations (id, family_id, email, tree_node_id, status, invited_by, code_hash, expires_at)
		 VALUES (?, ?, ?, ?, 'PENDING', ?, ?, ?)`,
		inv.ID, inv.FamilyID, inv.Email, inv.TreeNodeID, inv.InvitedBy, inv.CodeHash, inv.ExpiresAt.UTC(),
	)
	if err != nil {
		return nil, fmt.Errorf("insert invitation: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit invitation: %w", err)
	}
	return s.GetByID(ctx, inv.ID)
}

func (s *InvitationStore) GetByID(ctx context.Context, id string) (*model.Invitation, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+invitationCols+` FROM invitations WHERE id = ?`, id)
	inv, err := scanInvitation(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get invitation: %w", err)
	}
	return inv, nil
}

// RecordFailedAttempt counts a wrong code against a pending invitation and
// returns the new total.
func (s *InvitationStore) RecordFailedAttempt(ctx context.Context, id string) (int, error) {
	var attempts int
	err := s.db.QueryRowContext(ctx,
		`UPDATE invitations SET attempts = attempts + 1 WHERE id = ? AND status = 'PENDING' RETURNING attempts`,
		id,
	).Scan(&attempts)
	if err == sql.ErrNoRows {
		return 0, linkage.ErrInvitationNotPending
	}
	if err != nil {
		return 0, fmt.Errorf("record failed attempt: %w", err)
	}
	return attempts, nil
}

func (s *InvitationStore) ListByFamily(ctx context.Context, familyID int64) ([]model.Invitation, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+invitationCols+` FROM invitations WHERE family_id = ? ORDER BY created_at DESC, id`,
		familyID,
	)
	if err != nil {
		return nil, fmt.Errorf("list invitations: %w", err)
	}
	defer rows.Close()

	var out []model.Invitation
	for rows.Next() {
		inv, err := scanInvitation(rows)
		if err != nil {
			return nil, fmt.Errorf("scan invitation: %w", err)
		}
		out = append(out, *inv)
	}
	return out, rows.Err()
}

// LinkStore implements linkage.Repository on top of the invitation and
// account tables.
type LinkStore struct {
	db          *sql.DB
	invitations *InvitationStore
	accounts    *AccountStore
}

func NewLinkStore(db *sql.DB) *LinkStore {
	return &LinkStore{
		db:          db,
		invitations: NewInvitationStore(db),
		accounts:    NewAccountStore(db),
	}
}

func (s *LinkStore) Invitation(ctx context.Context, id string) (*model.Invitation, error) {
	return s.invitations.GetByID(ctx, id)
}

func (s *LinkStore) Account(ctx context.Context, id int64) (*model.Account, error) {
	return s.accounts.GetByID(ctx, id)
}

// CommitLink applies rec in one transaction and returns the linked account
// id. Each update is conditional on the row still allowing it, so a
// concurrent acceptance cannot half-apply. A registration inserts the
// account inside the same transaction.
func (s *LinkStore) CommitLink(ctx context.Context, rec linkage.Record) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	accountID := rec.AccountID
	if rec.Register != nil {
		res, err := tx.ExecContext(ctx,
			`INSERT INTO accounts (email, name) VALUES (?, ?)`,
			strings.ToLower(strings.TrimSpace(rec.Register.Email)), rec.Register.Name,
		)
		if err != nil {
			return 0, fmt.Errorf("insert account: %w", err)
		}
		if accountID, err = res.LastInsertId(); err != nil {
			return 0, fmt.Errorf("last insert id: %w", err)
		}
	}

	res, err := tx.ExecContext(ctx,
		`UPDATE people SET linked_account_id = ?, is_account_holder = 1, updated_at = CURRENT_TIMESTAMP
		 WHERE id = ? AND linked_account_id IS NULL`,
		accountID, rec.NodeID,
	)
	if err != nil {
		return 0, fmt.Errorf("link person: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return 0, linkage.ErrNodeAlreadyLinked
	}

	res, err = tx.ExecContext(ctx,
		`UPDATE accounts SET
		 birthday = COALESCE(birthday, ?),
		 wedding_anniversary = COALESCE(wedding_anniversary, ?),
		 death_date = COALESCE(death_date, ?),
		 updated_at = CURRENT_TIMESTAMP
		 WHERE id = ?`,
		nullDate(rec.Birthday), nullDate(rec.WeddingAnniversary), nullDate(rec.DeathDate), accountID,
	)
	if err != nil {
		return 0, fmt.Errorf("update account dates: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return 0, linkage.ErrAccountNotFound
	}

	acceptedAt := rec.AcceptedAt
	if acceptedAt.IsZero() {
		acceptedAt = time.Now()
	}
	res, err = tx.ExecContext(ctx,
		`UPDATE invitations SET status = 'ACCEPTED', accepted_at = ? WHERE id = ? AND status = 'PENDING'`,
		acceptedAt.UTC(), rec.InvitationID,
	)
	if err != nil {
		return 0, fmt.Errorf("accept invitation: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return 0, linkage.ErrInvitationNotPending
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit link: %w", err)
	}
	return accountID, nil
}
