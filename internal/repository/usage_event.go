package repository

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"aigateway/internal/model"

	"github.com/google/uuid"
)

type UsageEventRepositoryInterface interface {
	Create(ctx context.Context, event *model.UsageEvent) error
	GetByID(ctx context.Context, id string) (*model.UsageEvent, error)
	GetAdjustmentFor(ctx context.Context, eventID string) (*model.UsageEvent, error)
	ListByUserID(ctx context.Context, userID string, limit, offset int) ([]*model.UsageEvent, error)
	CountByUserID(ctx context.Context, userID string) (int64, error)
}

var _ UsageEventRepositoryInterface = (*UsageEventRepository)(nil)

type UsageEventRepository struct {
	db DBTX
}

func NewUsageEventRepository(db DBTX) *UsageEventRepository {
	return &UsageEventRepository{db: db}
}

// WithTx 返回绑定到事务的仓库
func (r *UsageEventRepository) WithTx(tx *sql.Tx) *UsageEventRepository {
	return &UsageEventRepository{db: tx}
}

const usageEventColumns = `id, user_id, event_type, project_id, chat_id, message_id, request_id,
	input_tokens, output_tokens, total_tokens, input_cost_cents, output_cost_cents, total_cost_cents,
	credits_deducted, credits_delta, model, status, adjusts_event_id, created_at`

func (r *UsageEventRepository) Create(ctx context.Context, event *model.UsageEvent) error {
	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now().UTC()
	}

	var adjusts sql.NullString
	if event.AdjustsEventID != "" {
		adjusts = sql.NullString{String: event.AdjustsEventID, Valid: true}
	}

	_, err := r.db.ExecContext(ctx,
		`INSERT INTO usage_events (`+usageEventColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		event.ID, event.UserID, event.EventType, event.ProjectID, event.ChatID, event.MessageID, event.RequestID,
		event.InputTokens, event.OutputTokens, event.TotalTokens, event.InputCostCents, event.OutputCostCents, event.TotalCostCents,
		event.CreditsDeducted, event.CreditsDelta, event.Model, event.Status, adjusts, toMillis(event.CreatedAt),
	)
	if err != nil && adjusts.Valid && strings.Contains(err.Error(), "UNIQUE constraint failed") {
		return ErrAdjustmentExists
	}
	return err
}

func (r *UsageEventRepository) GetByID(ctx context.Context, id string) (*model.UsageEvent, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+usageEventColumns+` FROM usage_events WHERE id = ?`, id)
	e, err := scanUsageEvent(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return e, err
}

// GetAdjustmentFor 查询某事件是否已有对账调整
func (r *UsageEventRepository) GetAdjustmentFor(ctx context.Context, eventID string) (*model.UsageEvent, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+usageEventColumns+` FROM usage_events WHERE adjusts_event_id = ?`, eventID)
	e, err := scanUsageEvent(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return e, err
}

func (r *UsageEventRepository) ListByUserID(ctx context.Context, userID string, limit, offset int) ([]*model.UsageEvent, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+usageEventColumns+` FROM usage_events WHERE user_id = ? ORDER BY created_at DESC, id LIMIT ? OFFSET ?`,
		userID, limit, offset,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []*model.UsageEvent
	for rows.Next() {
		e, err := scanUsageEvent(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

func (r *UsageEventRepository) CountByUserID(ctx context.Context, userID string) (int64, error) {
	var n int64
	err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM usage_events WHERE user_id = ?`, userID).Scan(&n)
	return n, err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanUsageEvent(s rowScanner) (*model.UsageEvent, error) {
	e := &model.UsageEvent{}
	var adjusts sql.NullString
	var createdAt int64
	err := s.Scan(&e.ID, &e.UserID, &e.EventType, &e.ProjectID, &e.ChatID, &e.MessageID, &e.RequestID,
		&e.InputTokens, &e.OutputTokens, &e.TotalTokens, &e.InputCostCents, &e.OutputCostCents, &e.TotalCostCents,
		&e.CreditsDeducted, &e.CreditsDelta, &e.Model, &e.Status, &adjusts, &createdAt)
	if err != nil {
		return nil, err
	}
	e.AdjustsEventID = adjusts.String
	e.CreatedAt = fromMillis(createdAt)
	return e, nil
}
