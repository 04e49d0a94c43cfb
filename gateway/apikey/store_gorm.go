package apikey

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
)

// Record is the persisted shape of an API key. Raw key values are stored as
// SHA-256 digests; the issuance process owns writes, this store only reads.
type Record struct {
	ID        string `gorm:"primaryKey"`
	KeyHash   string `gorm:"uniqueIndex;size:64"`
	Owner     string
	Scopes    string // comma-separated
	ExpiresAt *time.Time
	Revoked   bool
	CreatedAt time.Time
}

// TableName keeps the table aligned with the issuing service's migrations.
func (Record) TableName() string { return "api_keys" }

// GormStore resolves keys out of a relational table shared with the issuance
// process.
type GormStore struct {
	db *gorm.DB
}

// OpenSQLiteStore opens (or creates) the sqlite-backed key store at path.
func OpenSQLiteStore(path string) (*GormStore, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("apikey store path required")
	}
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{})
	if err != nil {
		return nil, fmt.Errorf("open apikey store: %w", err)
	}
	if err := db.AutoMigrate(&Record{}); err != nil {
		return nil, fmt.Errorf("migrate apikey store: %w", err)
	}
	return &GormStore{db: db}, nil
}

// NewGormStore wraps an existing connection.
func NewGormStore(db *gorm.DB) *GormStore { return &GormStore{db: db} }

// Lookup implements Store by hashing the raw value and fetching its record.
// A missing row is not an error; the validator treats nil as unknown.
func (s *GormStore) Lookup(ctx context.Context, raw string) (*Key, error) {
	digest := sha256.Sum256([]byte(raw))
	var record Record
	err := s.db.WithContext(ctx).First(&record, "key_hash = ?", hex.EncodeToString(digest[:])).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("lookup api key: %w", err)
	}
	key := &Key{
		ID:      record.ID,
		Owner:   record.Owner,
		Revoked: record.Revoked,
	}
	if record.ExpiresAt != nil {
		key.ExpiresAt = *record.ExpiresAt
	}
	for _, scope := range strings.Split(record.Scopes, ",") {
		if scope = strings.TrimSpace(scope); scope != "" {
			key.Scopes = append(key.Scopes, scope)
		}
	}
	return key, nil
}
