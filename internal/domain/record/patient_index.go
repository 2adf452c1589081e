package record

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/patrickmn/go-cache"
)

// PatientIndex maps a patient name to its stable id. Lookups are by exact
// string equality; hits are served from memory until the entry expires.
type PatientIndex struct {
	repo  PatientRepository
	cache *cache.Cache
}

// NewPatientIndex creates an index whose cached entries live for ttl.
func NewPatientIndex(repo PatientRepository, ttl time.Duration) *PatientIndex {
	return &PatientIndex{
		repo:  repo,
		cache: cache.New(ttl, 2*ttl),
	}
}

// Resolve returns the id for name, creating the patient on first use.
func (ix *PatientIndex) Resolve(ctx context.Context, name, typ string) (uuid.UUID, error) {
	if v, ok := ix.cache.Get(name); ok {
		return v.(uuid.UUID), nil
	}
	p, err := ix.repo.Resolve(ctx, name, typ)
	if err != nil {
		return uuid.Nil, err
	}
	ix.cache.Set(name, p.ID, cache.DefaultExpiration)
	return p.ID, nil
}
