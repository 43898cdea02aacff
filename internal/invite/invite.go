// Package invite creates tree invitations and accepts them into accounts.
package invite

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"time"

	"github.com/dukerupert/kinship/internal/email"
	"github.com/dukerupert/kinship/internal/linkage"
	"github.com/dukerupert/kinship/internal/metrics"
	"github.com/dukerupert/kinship/internal/model"
	"github.com/dukerupert/kinship/internal/validate"
	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"
)

const DefaultTTL = 7 * 24 * time.Hour

// MaxAttempts is the number of wrong codes an invitation tolerates.
const MaxAttempts = 5

var (
	ErrInvalidCode     = errors.New("invalid invitation code")
	ErrTooManyAttempts = errors.New("too many wrong codes; ask for a new invitation")
)

// Request asks for an invitation binding Email to a tree node.
type Request struct {
	Email      string `json:"email"`
	TreeNodeID string `json:"tree_node_id"`
	FamilyID   int64  `json:"family_id"`
	InvitedBy  int64  `json:"invited_by"`
}

// AcceptRequest is submitted by the invitee.
type AcceptRequest struct {
	InvitationID string `json:"invitation_id"`
	Code         string `json:"code"`
	Name         string `json:"name"`
}

type Sent struct {
	Invitation *model.Invitation `json:"invitation"`
	Delivered  bool              `json:"delivered"`
}

type Accepted struct {
	Account *model.Account `json:"account"`
	Person  *model.Person  `json:"person"`
}

type Store interface {
	Create(ctx context.Context, inv *model.Invitation) (*model.Invitation, error)
	GetByID(ctx context.Context, id string) (*model.Invitation, error)
	RecordFailedAttempt(ctx context.Context, id string) (int, error)
}

type Accounts interface {
	GetByEmail(ctx context.Context, email string) (*model.Account, error)
}

type Families interface {
	GetByID(ctx context.Context, id int64) (*model.Family, error)
}

type Mailer interface {
	Configured() bool
	SendInvitation(ctx context.Context, inv email.Invitation) error
}

type Option func(*Service)

func WithMailer(m Mailer) Option {
	return func(s *Service) { s.mailer = m }
}

func WithTTL(ttl time.Duration) Option {
	return func(s *Service) { s.ttl = ttl }
}

func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

func WithMetrics(m *metrics.Collector) Option {
	return func(s *Service) { s.metrics = m }
}

func WithLogger(l *slog.Logger) Option {
	return func(s *Service) { s.logger = l }
}

type Service struct {
	store    Store
	accounts Accounts
	families Families
	graphs   linkage.Graphs
	linker   *linkage.Linker
	mailer   Mailer
	ttl      time.Duration
	now      func() time.Time
	metrics  *metrics.Collector
	logger   *slog.Logger
}

func NewService(store Store, accounts Accounts, families Families, graphs linkage.Graphs, linker *linkage.Linker, opts ...Option) *Service {
	s := &Service{
		store:    store,
		accounts: accounts,
		families: families,
		graphs:   graphs,
		linker:   linker,
		ttl:      DefaultTTL,
		now:      time.Now,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Send creates a pending invitation for an unlinked node and emails its
// acceptance code.
func (s *Service) Send(ctx context.Context, req Request) (*Sent, error) {
	addr := strings.ToLower(strings.TrimSpace(req.Email))
	if err := validate.Email(addr); err != nil {
		return nil, err
	}
	if strings.TrimSpace(req.TreeNodeID) == "" {
		return nil, &model.ValidationError{Field: "tree_node_id", Message: "is required"}
	}

	g, err := s.graphs.Graph(ctx, req.FamilyID)
	if err != nil {
		return nil, fmt.Errorf("load family graph: %w", err)
	}
	node, err := g.Node(req.TreeNodeID)
	if err != nil {
		return nil, err
	}
	if node.LinkedAccountID != nil {
		return nil, linkage.ErrNodeAlreadyLinked
	}

	code, err := generateCode()
	if err != nil {
		return nil, err
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(code), bcrypt.DefaultCost)
	if err != nil {
		return nil, fmt.Errorf("hash code: %w", err)
	}

	inv, err := s.store.Create(ctx, &model.Invitation{
		ID:         uuid.NewString(),
		Email:      addr,
		TreeNodeID: node.ID,
		FamilyID:   req.FamilyID,
		Status:     model.InvitationPending,
		InvitedBy:  req.InvitedBy,
		CodeHash:   string(hash),
		ExpiresAt:  s.now().UTC().Add(s.ttl),
	})
	if err != nil {
		return nil, fmt.Errorf("create invitation: %w", err)
	}
	s.metrics.InvitationSent()

	sent := &Sent{Invitation: inv}
	if s.mailer == nil || !s.mailer.Configured() {
		s.logger.Info("email not configured, share invitation code manually",
			"invitation_id", inv.ID, "email", addr, "code", code)
		return sent, nil
	}

	msg := email.Invitation{
		To:           addr,
		PersonName:   node.DisplayName(),
		InvitationID: inv.ID,
		Code:         code,
		ExpiresAt:    inv.ExpiresAt,
	}
	if fam, err := s.families.GetByID(ctx, req.FamilyID); err == nil && fam != nil {
		msg.FamilyName = fam.Name
	}
	if err := s.mailer.SendInvitation(ctx, msg); err != nil {
		s.logger.Error("send invitation email", "invitation_id", inv.ID, "error", err)
		return sent, nil
	}
	sent.Delivered = true
	return sent, nil
}

// Accept verifies the code, registers the invitee's account if needed and
// links it to the invited node. Registration happens inside the link, so a
// rejected link leaves no account behind.
func (s *Service) Accept(ctx context.Context, req AcceptRequest) (*Accepted, error) {
	inv, err := s.store.GetByID(ctx, req.InvitationID)
	if err != nil {
		return nil, fmt.Errorf("get invitation: %w", err)
	}
	if inv == nil {
		return nil, linkage.ErrInvitationNotFound
	}
	if inv.Status != model.InvitationPending {
		return nil, fmt.Errorf("%w: status %s", linkage.ErrInvitationNotPending, inv.Status)
	}
	if inv.Expired(s.now().UTC()) {
		return nil, linkage.ErrInvitationExpired
	}
	if inv.Attempts >= MaxAttempts {
		return nil, ErrTooManyAttempts
	}
	if err := bcrypt.CompareHashAndPassword([]byte(inv.CodeHash), []byte(strings.TrimSpace(req.Code))); err != nil {
		n, err := s.store.RecordFailedAttempt(ctx, inv.ID)
		if err != nil {
			return nil, err
		}
		s.logger.Warn("wrong invitation code", "invitation_id", inv.ID, "attempts", n)
		if n >= MaxAttempts {
			return nil, ErrTooManyAttempts
		}
		return nil, ErrInvalidCode
	}

	acct, err := s.accounts.GetByEmail(ctx, inv.Email)
	if err != nil {
		return nil, fmt.Errorf("get account: %w", err)
	}
	var p *model.Person
	if acct != nil {
		p, err = s.linker.LinkInvitationToAccount(ctx, inv.ID, acct.ID)
	} else {
		name := strings.TrimSpace(req.Name)
		if name == "" {
			name = inv.Email
		}
		p, err = s.linker.LinkInvitationToNewAccount(ctx, inv.ID, linkage.Registration{Email: inv.Email, Name: name})
		if err == nil {
			s.logger.Info("account registered", "account_id", *p.LinkedAccountID, "email", inv.Email)
		}
	}
	if err != nil {
		return nil, err
	}

	acct, err = s.accounts.GetByEmail(ctx, inv.Email)
	if err != nil {
		return nil, fmt.Errorf("get account: %w", err)
	}
	return &Accepted{Account: acct, Person: p}, nil
}

// generateCode returns a 6-digit numeric code (100000–999999).
func generateCode() (string, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(900000))
	if err != nil {
		return "", fmt.Errorf("generate code: %w", err)
	}
	return fmt.Sprintf("%06d", n.Int64()+100000), nil
}
