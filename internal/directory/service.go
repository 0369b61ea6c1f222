package directory

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"parley/infrastructure"
	"parley/internal/identity"
)

// Mode selects what a search term is matched against.
type Mode string

const (
	ModeName       Mode = "name"
	ModeMobile     Mode = "mobile"
	ModeNationalID Mode = "national_id"
)

// Candidate is a directory match: just enough for the caller to pick a
// contact, never the full profile.
type Candidate struct {
	ID          uuid.UUID `json:"id"`
	DisplayName string    `json:"display_name"`
	ContactHint string    `json:"contact_hint,omitempty"`
}

type Repository interface {
	SearchByName(ctx context.Context, term string, limit int) ([]Candidate, error)
	SearchByMobile(ctx context.Context, mobile string) ([]Candidate, error)
	SearchByNationalID(ctx context.Context, nationalID string) ([]Candidate, error)
	FindByIdentity(ctx context.Context, id identity.Identity) (*Candidate, error)
	FindByID(ctx context.Context, userID uuid.UUID) (*Candidate, error)
}

const searchCacheTTL = 30 * time.Second

// Cache is the slice of the redis client the service needs. Satisfied by
// *cache.RedisCache.
type Cache interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error
}

// Service performs stateless directory lookups. Searches have no side
// effects and are safe to retry.
type Service struct {
	repo  Repository
	cache Cache
	log   *zap.SugaredLogger
}

func NewService(repo Repository, cache Cache, log *zap.SugaredLogger) *Service {
	return &Service{repo: repo, cache: cache, log: log}
}

func (s *Service) Search(ctx context.Context, term string, mode Mode) ([]Candidate, error) {
	term = strings.TrimSpace(term)
	if term == "" {
		return nil, fmt.Errorf("%w: empty search term", infrastructure.ErrValidation)
	}

	// A malformed national ID is rejected before any lookup happens.
	if mode == ModeNationalID {
		if err := identity.ValidateNationalID(term); err != nil {
			return nil, err
		}
	}

	key := fmt.Sprintf("directory:%s:%s", mode, term)
	if cached, err := s.cache.Get(ctx, key); err == nil {
		var candidates []Candidate
		if err := json.Unmarshal([]byte(cached), &candidates); err == nil {
			return candidates, nil
		}
	}

	var candidates []Candidate
	var err error
	switch mode {
	case ModeName:
		candidates, err = s.repo.SearchByName(ctx, term, 25)
	case ModeMobile:
		candidates, err = s.repo.SearchByMobile(ctx, term)
	case ModeNationalID:
		candidates, err = s.repo.SearchByNationalID(ctx, term)
	default:
		return nil, fmt.Errorf("%w: unknown search mode %q", infrastructure.ErrValidation, mode)
	}
	if err != nil {
		return nil, err
	}
	if candidates == nil {
		candidates = []Candidate{}
	}

	if encoded, err := json.Marshal(candidates); err == nil {
		if err := s.cache.Set(ctx, key, encoded, searchCacheTTL); err != nil {
			s.log.Debugw("directory cache write failed", "key", key, "error", err)
		}
	}
	return candidates, nil
}

// Resolve maps an invitee identity to an existing account, if any.
func (s *Service) Resolve(ctx context.Context, id identity.Identity) (*Candidate, error) {
	return s.repo.FindByIdentity(ctx, id)
}

const nameCacheTTL = 5 * time.Minute

// DisplayName returns the user's display name, empty when no profile exists.
func (s *Service) DisplayName(ctx context.Context, userID uuid.UUID) (string, error) {
	key := "directory:display_name:" + userID.String()
	if cached, err := s.cache.Get(ctx, key); err == nil {
		return cached, nil
	}

	candidate, err := s.repo.FindByID(ctx, userID)
	if err != nil {
		return "", err
	}
	if candidate == nil {
		return "", nil
	}
	if err := s.cache.Set(ctx, key, candidate.DisplayName, nameCacheTTL); err != nil {
		s.log.Debugw("directory cache write failed", "key", key, "error", err)
	}
	return candidate.DisplayName, nil
}
