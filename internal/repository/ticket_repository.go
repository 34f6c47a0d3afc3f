package repository

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/kyeliu99/PFlow/internal/domain"
	apperrors "github.com/kyeliu99/PFlow/pkg/util/errorutil"
)

// TicketFilter narrows ticket listings.
type TicketFilter struct {
	Requester *string
	Statuses  []domain.TicketStatus
	Limit     int
	Offset    int
}

// TicketUpdate is a conditional write: it only applies while the stored
// ticket still carries ExpectedVersion. Nil fields are left unchanged.
type TicketUpdate struct {
	ExpectedVersion   int64
	Title             *string
	Description       *string
	Assignee          *string
	ClearAssignee     bool
	Status            *domain.TicketStatus
	ProcessInstanceID *string
	// History, when set, is appended in the same atomic write.
	History *domain.TicketHistory
}

// TicketRepository is the ticket store. Update fails with a Conflict error
// when the ticket changed since ExpectedVersion was read, and stamps
// UpdatedAt and Version on success.
type TicketRepository interface {
	Create(ctx context.Context, ticket *domain.Ticket) (*domain.Ticket, error)
	Get(ctx context.Context, id string) (*domain.Ticket, error)
	GetByProcessInstance(ctx context.Context, processInstanceID string) (*domain.Ticket, error)
	List(ctx context.Context, filter TicketFilter) ([]domain.Ticket, error)
	Update(ctx context.Context, id string, update TicketUpdate) (*domain.Ticket, error)
	ListHistory(ctx context.Context, ticketID string) ([]domain.TicketHistory, error)
}

const ticketColumns = `id, title, description, requester, assignee, status, process_instance_id, version, created_at, updated_at`

type ticketRepository struct {
	pool    *pgxpool.Pool
	history *ticketHistoryRepository
}

// NewTicketRepository instantiates the postgres-backed store.
func NewTicketRepository(pool *pgxpool.Pool) TicketRepository {
	return &ticketRepository{pool: pool, history: &ticketHistoryRepository{}}
}

func (r *ticketRepository) Create(ctx context.Context, ticket *domain.Ticket) (*domain.Ticket, error) {
	created := ticket.Clone()
	if created.ID == "" {
		created.ID = uuid.NewString()
	}
	if created.Status == "" {
		created.Status = domain.TicketStatusDraft
	}
	created.Version = 1

	const query = `
        INSERT INTO tickets (id, title, description, requester, assignee, status, process_instance_id, version)
        VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
        RETURNING created_at, updated_at`
	if err := r.pool.QueryRow(ctx, query,
		created.ID,
		created.Title,
		created.Description,
		created.Requester,
		created.Assignee,
		created.Status,
		created.ProcessInstanceID,
		created.Version,
	).Scan(&created.CreatedAt, &created.UpdatedAt); err != nil {
		return nil, apperrors.NewInternalError(fmt.Errorf("insert ticket: %w", err))
	}
	return created, nil
}

func (r *ticketRepository) Get(ctx context.Context, id string) (*domain.Ticket, error) {
	if _, err := uuid.Parse(id); err != nil {
		return nil, apperrors.NewNotFound("ticket", map[string]any{"ticket_id": id})
	}
	query := `SELECT ` + ticketColumns + ` FROM tickets WHERE id=$1`
	ticket, err := scanTicket(r.pool.QueryRow(ctx, query, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperrors.NewNotFound("ticket", map[string]any{"ticket_id": id})
	}
	if err != nil {
		return nil, apperrors.NewInternalError(err)
	}
	return ticket, nil
}

func (r *ticketRepository) GetByProcessInstance(ctx context.Context, processInstanceID string) (*domain.Ticket, error) {
	query := `SELECT ` + ticketColumns + ` FROM tickets WHERE process_instance_id=$1`
	ticket, err := scanTicket(r.pool.QueryRow(ctx, query, processInstanceID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperrors.NewNotFound("ticket", map[string]any{"process_instance_id": processInstanceID})
	}
	if err != nil {
		return nil, apperrors.NewInternalError(err)
	}
	return ticket, nil
}

func (r *ticketRepository) List(ctx context.Context, filter TicketFilter) ([]domain.Ticket, error) {
	clauses := []string{"1=1"}
	args := []any{}

	if filter.Requester != nil {
		args = append(args, *filter.Requester)
		clauses = append(clauses, fmt.Sprintf("requester=$%d", len(args)))
	}
	if len(filter.Statuses) > 0 {
		placeholders := make([]string, len(filter.Statuses))
		for i, status := range filter.Statuses {
			args = append(args, status)
			placeholders[i] = fmt.Sprintf("$%d", len(args))
		}
		clauses = append(clauses, fmt.Sprintf("status IN (%s)", strings.Join(placeholders, ",")))
	}

	query := fmt.Sprintf(`SELECT %s FROM tickets WHERE %s ORDER BY created_at ASC, id ASC`,
		ticketColumns, strings.Join(clauses, " AND "))
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}
	if filter.Offset > 0 {
		query += fmt.Sprintf(" OFFSET %d", filter.Offset)
	}

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, apperrors.NewInternalError(err)
	}
	defer rows.Close()

	result := []domain.Ticket{}
	for rows.Next() {
		ticket, err := scanTicket(rows)
		if err != nil {
			return nil, apperrors.NewInternalError(err)
		}
		result = append(result, *ticket)
	}
	if err := rows.Err(); err != nil {
		return nil, apperrors.NewInternalError(err)
	}
	return result, nil
}

func (r *ticketRepository) Update(ctx context.Context, id string, update TicketUpdate) (*domain.Ticket, error) {
	if _, err := uuid.Parse(id); err != nil {
		return nil, apperrors.NewNotFound("ticket", map[string]any{"ticket_id": id})
	}

	sets := []string{}
	args := []any{}
	set := func(column string, value any) {
		args = append(args, value)
		sets = append(sets, fmt.Sprintf("%s=$%d", column, len(args)))
	}
	if update.Title != nil {
		set("title", *update.Title)
	}
	if update.Description != nil {
		set("description", *update.Description)
	}
	if update.ClearAssignee {
		sets = append(sets, "assignee=NULL")
	} else if update.Assignee != nil {
		set("assignee", *update.Assignee)
	}
	if update.Status != nil {
		set("status", *update.Status)
	}
	if update.ProcessInstanceID != nil {
		set("process_instance_id", *update.ProcessInstanceID)
	}
	sets = append(sets, "version=version+1", "updated_at=NOW()")

	args = append(args, id)
	idPos := len(args)
	args = append(args, update.ExpectedVersion)
	versionPos := len(args)

	query := fmt.Sprintf(`UPDATE tickets SET %s WHERE id=$%d AND version=$%d RETURNING %s`,
		strings.Join(sets, ", "), idPos, versionPos, ticketColumns)

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, apperrors.NewInternalError(err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	ticket, err := scanTicket(tx.QueryRow(ctx, query, args...))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, r.missOrConflict(ctx, tx, id, update.ExpectedVersion)
	}
	if isUniqueViolation(err) && update.ProcessInstanceID != nil {
		return nil, apperrors.NewConflict("process instance already bound to another ticket", map[string]any{
			"process_instance_id": *update.ProcessInstanceID,
		})
	}
	if err != nil {
		return nil, apperrors.NewInternalError(fmt.Errorf("update ticket: %w", err))
	}

	if update.History != nil {
		entry := *update.History
		entry.TicketID = ticket.ID
		if err := r.history.insert(ctx, tx, &entry); err != nil {
			return nil, apperrors.NewInternalError(fmt.Errorf("insert history: %w", err))
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, apperrors.NewInternalError(fmt.Errorf("commit ticket update: %w", err))
	}
	return ticket, nil
}

// isUniqueViolation reports a unique_violation (SQLSTATE 23505).
func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

func (r *ticketRepository) missOrConflict(ctx context.Context, tx pgx.Tx, id string, expected int64) error {
	var current int64
	err := tx.QueryRow(ctx, `SELECT version FROM tickets WHERE id=$1`, id).Scan(&current)
	if errors.Is(err, pgx.ErrNoRows) {
		return apperrors.NewNotFound("ticket", map[string]any{"ticket_id": id})
	}
	if err != nil {
		return apperrors.NewInternalError(err)
	}
	return apperrors.NewConflict("ticket was modified concurrently", map[string]any{
		"ticket_id":        id,
		"expected_version": expected,
		"current_version":  current,
	})
}

func (r *ticketRepository) ListHistory(ctx context.Context, ticketID string) ([]domain.TicketHistory, error) {
	if _, err := r.Get(ctx, ticketID); err != nil {
		return nil, err
	}
	entries, err := r.history.listByTicket(ctx, r.pool, ticketID)
	if err != nil {
		return nil, apperrors.NewInternalError(err)
	}
	return entries, nil
}

func scanTicket(row pgx.Row) (*domain.Ticket, error) {
	var ticket domain.Ticket
	var createdAt, updatedAt time.Time
	if err := row.Scan(
		&ticket.ID,
		&ticket.Title,
		&ticket.Description,
		&ticket.Requester,
		&ticket.Assignee,
		&ticket.Status,
		&ticket.ProcessInstanceID,
		&ticket.Version,
		&createdAt,
		&updatedAt,
	); err != nil {
		return nil, err
	}
	ticket.CreatedAt = createdAt.UTC()
	ticket.UpdatedAt = updatedAt.UTC()
	return &ticket, nil
}
