package directory

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"parley/infrastructure"
	"parley/internal/database"
	"parley/internal/identity"
)

type GormRepository struct {
	db *database.Database
}

func NewGormRepository(db *database.Database) *GormRepository {
	return &GormRepository{db: db}
}

func (r *GormRepository) SearchByName(ctx context.Context, term string, limit int) ([]Candidate, error) {
	var profiles []database.Profile
	err := r.db.WithContext(ctx).
		Where("display_name ILIKE ?", "%"+term+"%").
		Order("display_name asc").
		Limit(limit).
		Find(&profiles).Error
	if err != nil {
		return nil, fmt.Errorf("%w: failed to search profiles: %v", infrastructure.ErrTransient, err)
	}
	return toCandidates(profiles), nil
}

func (r *GormRepository) SearchByMobile(ctx context.Context, mobile string) ([]Candidate, error) {
	var profiles []database.Profile
	err := r.db.WithContext(ctx).
		Where("mobile = ?", mobile).
		Find(&profiles).Error
	if err != nil {
		return nil, fmt.Errorf("%w: failed to search profiles: %v", infrastructure.ErrTransient, err)
	}
	return toCandidates(profiles), nil
}

func (r *GormRepository) SearchByNationalID(ctx context.Context, nationalID string) ([]Candidate, error) {
	var profiles []database.Profile
	err := r.db.WithContext(ctx).
		Where("national_id = ?", nationalID).
		Find(&profiles).Error
	if err != nil {
		return nil, fmt.Errorf("%w: failed to search profiles: %v", infrastructure.ErrTransient, err)
	}
	return toCandidates(profiles), nil
}

func (r *GormRepository) FindByIdentity(ctx context.Context, id identity.Identity) (*Candidate, error) {
	var profile database.Profile
	query := r.db.WithContext(ctx)
	switch id.Kind {
	case identity.KindEmail:
		query = query.Where("email = ?", id.Value)
	case identity.KindMobile:
		query = query.Where("mobile = ?", id.Value)
	case identity.KindNationalID:
		query = query.Where("national_id = ?", id.Value)
	default:
		return nil, fmt.Errorf("%w: unknown identity kind %q", infrastructure.ErrValidation, id.Kind)
	}
	if err := query.First(&profile).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("%w: failed to resolve identity: %v", infrastructure.ErrTransient, err)
	}
	c := toCandidate(profile)
	return &c, nil
}

func (r *GormRepository) FindByID(ctx context.Context, userID uuid.UUID) (*Candidate, error) {
	var profile database.Profile
	if err := r.db.WithContext(ctx).Where("id = ?", userID).First(&profile).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("%w: failed to load profile: %v", infrastructure.ErrTransient, err)
	}
	c := toCandidate(profile)
	return &c, nil
}

func toCandidates(profiles []database.Profile) []Candidate {
	candidates := make([]Candidate, 0, len(profiles))
	for _, p := range profiles {
		candidates = append(candidates, toCandidate(p))
	}
	return candidates
}

func toCandidate(p database.Profile) Candidate {
	hint := p.Email
	if hint == "" {
		hint = maskMobile(p.Mobile)
	}
	return Candidate{ID: p.ID, DisplayName: p.DisplayName, ContactHint: hint}
}

// maskMobile keeps only the last three digits visible in search results.
func maskMobile(mobile string) string {
	if len(mobile) <= 3 {
		return mobile
	}
	masked := make([]byte, len(mobile)-3)
	for i := range masked {
		masked[i] = '*'
	}
	return string(masked) + mobile[len(mobile)-3:]
}
