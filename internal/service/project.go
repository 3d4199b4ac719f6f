package service

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"aigateway/internal/config"
	"aigateway/internal/crypto"
	"aigateway/internal/model"
	"aigateway/internal/repository"

	log "github.com/sirupsen/logrus"
)

var (
	// ErrMissingCredentials 项目与默认配置都没有可用的后端密钥
	ErrMissingCredentials = errors.New("missing backend credentials")
	ErrProjectNotFound    = errors.New("project not found")
	ErrProjectRequired    = errors.New("projectId is required")
)

// ProjectDefaults 环境变量提供的默认后端
type ProjectDefaults struct {
	ProjectID      string
	BaseURL        string
	APIKey         string
	FallbackModels []string
}

// ResolvedProject 解析完成、可直接调用的后端
type ResolvedProject struct {
	ID             string
	Kind           string
	BaseURL        string
	APIKey         string
	FallbackModels []string
}

type ProjectService struct {
	repo     *repository.ProjectRepository
	key      []byte
	defaults ProjectDefaults
}

func NewProjectService(repo *repository.ProjectRepository, key []byte, defaults ProjectDefaults) *ProjectService {
	return &ProjectService{repo: repo, key: key, defaults: defaults}
}

// DefaultProjectID 请求未指定项目时使用
func (s *ProjectService) DefaultProjectID() string {
	return s.defaults.ProjectID
}

// Resolve 项目密钥优先，其次 DEFAULT_API_KEY；都没有返回 ErrMissingCredentials
func (s *ProjectService) Resolve(ctx context.Context, projectID string) (*ResolvedProject, error) {
	if projectID == "" {
		projectID = s.defaults.ProjectID
	}
	if projectID == "" {
		return nil, ErrProjectRequired
	}

	p, err := s.repo.GetByID(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("service: load project: %w", err)
	}
	if p == nil {
		if projectID != s.defaults.ProjectID {
			return nil, ErrProjectNotFound
		}
		// 默认项目可以只由环境变量定义
		p = &model.Project{ID: projectID, Kind: model.ProjectKindOpenAI}
	}

	resolved := &ResolvedProject{
		ID:             p.ID,
		Kind:           p.Kind,
		BaseURL:        p.BaseURL,
		FallbackModels: p.FallbackModels,
	}
	if resolved.Kind == "" {
		resolved.Kind = model.ProjectKindOpenAI
	}
	if resolved.BaseURL == "" {
		resolved.BaseURL = s.defaults.BaseURL
	}
	if len(resolved.FallbackModels) == 0 {
		resolved.FallbackModels = s.defaults.FallbackModels
	}

	if p.APIKeyEncrypted != "" {
		plain, err := crypto.Decrypt(p.APIKeyEncrypted, s.key)
		if err != nil {
			log.Warnf("service: project %s api key could not be decrypted: %v", p.ID, err)
		} else {
			resolved.APIKey = string(plain)
		}
	}
	if resolved.APIKey == "" {
		resolved.APIKey = s.defaults.APIKey
	}
	if resolved.APIKey == "" || resolved.BaseURL == "" {
		return nil, fmt.Errorf("%w for project %s", ErrMissingCredentials, p.ID)
	}
	return resolved, nil
}

// Credentials 供对账的用量查询复用项目凭证
func (s *ProjectService) Credentials(ctx context.Context, projectID string) (string, string, error) {
	p, err := s.Resolve(ctx, projectID)
	if err != nil {
		return "", "", err
	}
	return p.BaseURL, p.APIKey, nil
}

// SeedFromConfig 启动时把配置文件中的项目写入数据库
func (s *ProjectService) SeedFromConfig(ctx context.Context, projects []config.ProjectConfig) error {
	for _, pc := range projects {
		p := &model.Project{
			ID:             strings.TrimSpace(pc.ID),
			Name:           pc.Name,
			Kind:           pc.Kind,
			BaseURL:        strings.TrimRight(pc.BaseURL, "/"),
			FallbackModels: pc.FallbackModels,
		}
		if p.Kind == "" {
			p.Kind = model.ProjectKindOpenAI
		}
		if p.Kind != model.ProjectKindOpenAI && p.Kind != model.ProjectKindGateway {
			return fmt.Errorf("service: project %s: unknown kind %q", p.ID, p.Kind)
		}
		if pc.APIKey != "" {
			sealed, err := crypto.Encrypt([]byte(pc.APIKey), s.key)
			if err != nil {
				return fmt.Errorf("service: project %s: encrypt api key: %w", p.ID, err)
			}
			p.APIKeyEncrypted = sealed
		}
		if err := s.repo.Upsert(ctx, p); err != nil {
			return fmt.Errorf("service: seed project %s: %w", p.ID, err)
		}
		log.Infof("service: seeded project %s (%s)", p.ID, p.Kind)
	}
	return nil
}
