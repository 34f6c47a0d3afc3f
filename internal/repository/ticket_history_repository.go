package repository

import (
	"context"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/kyeliu99/PFlow/internal/domain"
)

type queryer interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// ticketHistoryRepository stores audit entries. It only runs inside the
// ticket repository so that entries share the status change transaction.
type ticketHistoryRepository struct{}

func (r *ticketHistoryRepository) insert(ctx context.Context, q queryer, history *domain.TicketHistory) error {
	if history.ID == "" {
		history.ID = uuid.NewString()
	}
	const query = `
        INSERT INTO ticket_history (id, ticket_id, event, from_status, to_status, source, process_instance_id, comment)
        VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
        RETURNING created_at`
	return q.QueryRow(ctx, query,
		history.ID,
		history.TicketID,
		history.Event,
		history.FromStatus,
		history.ToStatus,
		history.Source,
		history.ProcessInstanceID,
		history.Comment,
	).Scan(&history.CreatedAt)
}

func (r *ticketHistoryRepository) listByTicket(ctx context.Context, q queryer, ticketID string) ([]domain.TicketHistory, error) {
	const query = `
        SELECT id, ticket_id, event, from_status, to_status, source, process_instance_id, comment, created_at
        FROM ticket_history WHERE ticket_id=$1 ORDER BY created_at ASC, id ASC`
	rows, err := q.Query(ctx, query, ticketID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	result := []domain.TicketHistory{}
	for rows.Next() {
		var history domain.TicketHistory
		if err := rows.Scan(
			&history.ID,
			&history.TicketID,
			&history.Event,
			&history.FromStatus,
			&history.ToStatus,
			&history.Source,
			&history.ProcessInstanceID,
			&history.Comment,
			&history.CreatedAt,
		); err != nil {
			return nil, err
		}
		history.CreatedAt = history.CreatedAt.UTC()
		result = append(result, history)
	}
	return result, rows.Err()
}
