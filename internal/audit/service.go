// Package audit exposes the read side of the audit trail. Writes happen
// through shared.AuditRecorder inside each module's own transaction.
package audit

import (
	"context"
	"log/slog"
	"time"

	"github.com/tresoria/backoffice/internal/shared"
)

// Filter narrows a timeline query.
type Filter struct {
	Entity   string
	EntityID int64
	ActorID  int64
	Action   string
	From     time.Time
	To       time.Time
	Page     int
	PageSize int
}

// Page is one window of the timeline. HasMore is detected by probing one
// row past the requested size.
type Page struct {
	Entries  []shared.AuditEntry `json:"entries"`
	Page     int                 `json:"page"`
	PageSize int                 `json:"pageSize"`
	HasMore  bool                `json:"hasMore"`
}

// RepositoryPort describes the persistence operations used by Service.
type RepositoryPort interface {
	List(ctx context.Context, filter Filter, limit, offset int) ([]shared.AuditEntry, error)
}

// Service answers timeline queries.
type Service struct {
	repo   RepositoryPort
	logger *slog.Logger
}

// NewService constructs the audit read service.
func NewService(repo RepositoryPort, logger *slog.Logger) *Service {
	return &Service{repo: repo, logger: logger}
}

const (
	defaultPageSize = 50
	maxPageSize     = 200
)

// Timeline returns one page of audit entries, newest first.
func (s *Service) Timeline(ctx context.Context, filter Filter) (Page, error) {
	page := filter.Page
	if page < 1 {
		page = 1
	}
	size := filter.PageSize
	if size <= 0 {
		size = defaultPageSize
	}
	if size > maxPageSize {
		size = maxPageSize
	}

	entries, err := s.repo.List(ctx, filter, size+1, (page-1)*size)
	if err != nil {
		return Page{}, err
	}
	hasMore := len(entries) > size
	if hasMore {
		entries = entries[:size]
	}
	return Page{Entries: entries, Page: page, PageSize: size, HasMore: hasMore}, nil
}
