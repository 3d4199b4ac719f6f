package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"aigateway/internal/model"
)

type ProjectRepositoryInterface interface {
	GetByID(ctx context.Context, id string) (*model.Project, error)
	Upsert(ctx context.Context, project *model.Project) error
	List(ctx context.Context) ([]*model.Project, error)
}

var _ ProjectRepositoryInterface = (*ProjectRepository)(nil)

type ProjectRepository struct {
	db DBTX
}

func NewProjectRepository(db DBTX) *ProjectRepository {
	return &ProjectRepository{db: db}
}

const projectColumns = `id, name, kind, base_url, api_key_encrypted, fallback_models, created_at, updated_at`

func (r *ProjectRepository) GetByID(ctx context.Context, id string) (*model.Project, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+projectColumns+` FROM projects WHERE id = ?`, id)
	p, err := scanProject(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return p, err
}

func (r *ProjectRepository) Upsert(ctx context.Context, p *model.Project) error {
	now := time.Now().UTC()
	if p.CreatedAt.IsZero() {
		p.CreatedAt = now
	}
	p.UpdatedAt = now
	if p.Kind == "" {
		p.Kind = model.ProjectKindOpenAI
	}

	fallback, err := json.Marshal(p.FallbackModels)
	if err != nil {
		return err
	}
	_, err = r.db.ExecContext(ctx,
		`INSERT INTO projects (`+projectColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
			name = excluded.name, kind = excluded.kind, base_url = excluded.base_url,
			api_key_encrypted = excluded.api_key_encrypted, fallback_models = excluded.fallback_models,
			updated_at = excluded.updated_at`,
		p.ID, p.Name, p.Kind, p.BaseURL, p.APIKeyEncrypted, string(fallback), toMillis(p.CreatedAt), toMillis(p.UpdatedAt),
	)
	return err
}

func (r *ProjectRepository) List(ctx context.Context) ([]*model.Project, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT `+projectColumns+` FROM projects ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*model.Project
	for rows.Next() {
		p, err := scanProject(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func scanProject(s rowScanner) (*model.Project, error) {
	p := &model.Project{}
	var fallback string
	var createdAt, updatedAt int64
	if err := s.Scan(&p.ID, &p.Name, &p.Kind, &p.BaseURL, &p.APIKeyEncrypted, &fallback, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	if fallback != "" {
		if err := json.Unmarshal([]byte(fallback), &p.FallbackModels); err != nil {
			return nil, err
		}
	}
	p.CreatedAt = fromMillis(createdAt)
	p.UpdatedAt = fromMillis(updatedAt)
	return p, nil
}
