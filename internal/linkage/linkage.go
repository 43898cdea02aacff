// Package linkage binds tree nodes to accounts when invitations are accepted.
package linkage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/dukerupert/kinship/internal/metrics"
	"github.com/dukerupert/kinship/internal/model"
	"github.com/dukerupert/kinship/internal/tree"
)

var (
	ErrInvitationNotFound   = errors.New("invitation not found")
	ErrInvitationNotPending = errors.New("invitation is not pending")
	ErrInvitationExpired    = errors.New("invitation has expired")
	ErrAccountNotFound      = errors.New("account not found")
	ErrNodeAlreadyLinked    = tree.ErrNodeAlreadyLinked
	ErrAccountAlreadyLinked = tree.ErrAccountAlreadyLinked
)

// Registration describes an account to create as part of the link.
type Registration struct {
	Email string
	Name  string
}

// Record is the change a Repository commits in one transaction: the node
// link, the account dates to fill and the invitation status. When Register
// is set the account is created in the same transaction and AccountID is
// ignored.
type Record struct {
	InvitationID string
	NodeID       string
	AccountID    int64
	Register     *Registration
	// Dates copied from the node. A nil field leaves the account unchanged,
	// and so does an account field that is already set.
	Birthday           *time.Time
	WeddingAnniversary *time.Time
	DeathDate          *time.Time
	AcceptedAt         time.Time
}

// Repository is the persistence boundary. CommitLink must apply the whole
// Record or nothing and return the linked account id. It returns
// ErrNodeAlreadyLinked or ErrInvitationNotPending when the stored rows no
// longer allow the link.
type Repository interface {
	Invitation(ctx context.Context, id string) (*model.Invitation, error)
	Account(ctx context.Context, id int64) (*model.Account, error)
	CommitLink(ctx context.Context, rec Record) (int64, error)
}

// Graphs returns the live graph of a family.
type Graphs interface {
	Graph(ctx context.Context, familyID int64) (*tree.Graph, error)
}

// Invalidator is implemented by Graphs that can drop a cached family so the
// next Graph call reloads it from storage.
type Invalidator interface {
	Invalidate(familyID int64)
}

type Option func(*Linker)

func WithClock(now func() time.Time) Option {
	return func(l *Linker) { l.now = now }
}

func WithMetrics(m *metrics.Collector) Option {
	return func(l *Linker) { l.metrics = m }
}

func WithLogger(logger *slog.Logger) Option {
	return func(l *Linker) { l.logger = logger }
}

type Linker struct {
	repo    Repository
	graphs  Graphs
	now     func() time.Time
	metrics *metrics.Collector
	logger  *slog.Logger

	mu    sync.Mutex
	locks map[int64]*sync.Mutex
}

func New(repo Repository, graphs Graphs, opts ...Option) *Linker {
	l := &Linker{
		repo:   repo,
		graphs: graphs,
		now:    time.Now,
		logger: slog.Default(),
		locks:  make(map[int64]*sync.Mutex),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// LinkInvitationToAccount links the invitation's tree node to accountID.
// Nothing is applied unless every precondition holds.
func (l *Linker) LinkInvitationToAccount(ctx context.Context, invitationID string, accountID int64) (*model.Person, error) {
	p, err := l.link(ctx, invitationID, accountID, nil)
	return l.finish(invitationID, accountID, p, err)
}

// LinkInvitationToNewAccount registers an account and links it to the
// invitation's tree node in one step. A rejected link creates no account.
func (l *Linker) LinkInvitationToNewAccount(ctx context.Context, invitationID string, reg Registration) (*model.Person, error) {
	p, err := l.link(ctx, invitationID, 0, &reg)
	var accountID int64
	if p != nil && p.LinkedAccountID != nil {
		accountID = *p.LinkedAccountID
	}
	return l.finish(invitationID, accountID, p, err)
}

func (l *Linker) finish(invitationID string, accountID int64, p *model.Person, err error) (*model.Person, error) {
	l.metrics.AccountLink(result(err))
	if err != nil {
		l.logger.Warn("account link rejected", "invitation_id", invitationID, "account_id", accountID, "error", err)
		return nil, err
	}
	l.logger.Info("account linked", "invitation_id", invitationID, "account_id", accountID, "node_id", p.ID)
	return p, nil
}

// lockFamily serializes links within one family.
func (l *Linker) lockFamily(familyID int64) func() {
	l.mu.Lock()
	m, ok := l.locks[familyID]
	if !ok {
		m = &sync.Mutex{}
		l.locks[familyID] = m
	}
	l.mu.Unlock()
	m.Lock()
	return m.Unlock
}

func (l *Linker) link(ctx context.Context, invitationID string, accountID int64, reg *Registration) (*model.Person, error) {
	inv, err := l.repo.Invitation(ctx, invitationID)
	if err != nil {
		return nil, fmt.Errorf("get invitation: %w", err)
	}
	if inv == nil {
		return nil, ErrInvitationNotFound
	}
	unlock := l.lockFamily(inv.FamilyID)
	defer unlock()

	if inv.Status != model.InvitationPending {
		return nil, fmt.Errorf("%w: status %s", ErrInvitationNotPending, inv.Status)
	}
	now := l.now().UTC()
	if inv.Expired(now) {
		return nil, ErrInvitationExpired
	}

	g, err := l.graphs.Graph(ctx, inv.FamilyID)
	if err != nil {
		return nil, fmt.Errorf("load family graph: %w", err)
	}
	node, err := g.Node(inv.TreeNodeID)
	if err != nil {
		return nil, err
	}
	if err := g.CanLink(node.ID, accountID); err != nil {
		return nil, err
	}

	rec := Record{
		InvitationID: inv.ID,
		NodeID:       node.ID,
		AccountID:    accountID,
		Register:     reg,
		AcceptedAt:   now,
	}
	// A new account has no dates yet, so every node date is copied.
	acct := &model.Account{}
	if reg == nil {
		acct, err = l.repo.Account(ctx, accountID)
		if err != nil {
			return nil, fmt.Errorf("get account: %w", err)
		}
		if acct == nil {
			return nil, ErrAccountNotFound
		}
	}
	if acct.Birthday == nil {
		rec.Birthday = node.BirthDate
	}
	if acct.WeddingAnniversary == nil {
		rec.WeddingAnniversary = node.WeddingAnniversary
	}
	if acct.DeathDate == nil {
		rec.DeathDate = node.DeathDate
	}

	linkedID, err := l.repo.CommitLink(ctx, rec)
	if err != nil {
		if errors.Is(err, ErrNodeAlreadyLinked) || errors.Is(err, ErrInvitationNotPending) || errors.Is(err, ErrAccountNotFound) {
			return nil, err
		}
		return nil, &tree.PersistenceError{Op: "link account", Err: err}
	}

	p, err := g.LinkAccount(node.ID, linkedID)
	if err == nil {
		return &p, nil
	}
	// The link is stored but the cached graph disagrees with it. Drop the
	// cache and read the node back from storage.
	l.logger.Error("link committed but graph update failed", "node_id", node.ID, "account_id", linkedID, "error", err)
	inval, ok := l.graphs.(Invalidator)
	if !ok {
		return nil, err
	}
	inval.Invalidate(inv.FamilyID)
	fresh, gerr := l.graphs.Graph(ctx, inv.FamilyID)
	if gerr != nil {
		return nil, fmt.Errorf("reload family graph: %w", gerr)
	}
	p, gerr = fresh.Node(node.ID)
	if gerr != nil {
		return nil, gerr
	}
	if p.LinkedAccountID == nil || *p.LinkedAccountID != linkedID {
		return nil, err
	}
	return &p, nil
}

func result(err error) string {
	switch {
	case err == nil:
		return "linked"
	case errors.Is(err, ErrInvitationNotPending):
		return "not_pending"
	case errors.Is(err, ErrInvitationExpired):
		return "expired"
	case errors.Is(err, ErrNodeAlreadyLinked), errors.Is(err, ErrAccountAlreadyLinked):
		return "already_linked"
	default:
		return "error"
	}
}
