package repos

import (
	"context"
	"errors"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/gorm"

	"github.com/docsense/docsense-backend/internal/logger"
	"github.com/docsense/docsense-backend/internal/types"
)

// ErrDuplicateHash is returned by Create when the unique index on content_hash
// rejects the insert. Two near-simultaneous uploads of identical bytes can both
// miss the hash check and race to insert; the loser re-resolves the winner's
// record via GetByContentHash.
var ErrDuplicateHash = errors.New("duplicate content hash")

type DocumentRepo interface {
	Create(ctx context.Context, tx *gorm.DB, doc *types.Document) (*types.Document, error)
	GetByID(ctx context.Context, tx *gorm.DB, id uuid.UUID) (*types.Document, error)
	GetByContentHash(ctx context.Context, tx *gorm.DB, hash string) (*types.Document, error)
	ListWithEmbeddings(ctx context.Context, tx *gorm.DB) ([]*types.Document, error)
	Count(ctx context.Context, tx *gorm.DB) (int64, error)
	AverageMatchedScore(ctx context.Context, tx *gorm.DB) (*float64, error)
}

type documentRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewDocumentRepo(db *gorm.DB, baseLog *logger.Logger) DocumentRepo {
	repoLog := baseLog.With("repo", "DocumentRepo")
	return &documentRepo{db: db, log: repoLog}
}

func (r *documentRepo) Create(ctx context.Context, tx *gorm.DB, doc *types.Document) (*types.Document, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	if doc.ID == uuid.Nil {
		doc.ID = uuid.New()
	}
	if err := transaction.WithContext(ctx).Create(doc).Error; err != nil {
		if isUniqueViolation(err) {
			return nil, ErrDuplicateHash
		}
		return nil, err
	}
	return doc, nil
}

func (r *documentRepo) GetByID(ctx context.Context, tx *gorm.DB, id uuid.UUID) (*types.Document, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	var doc types.Document
	if err := transaction.WithContext(ctx).
		Where("id = ?", id).
		First(&doc).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &doc, nil
}

// GetByContentHash returns (nil, nil) on a miss.
func (r *documentRepo) GetByContentHash(ctx context.Context, tx *gorm.DB, hash string) (*types.Document, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	var doc types.Document
	if err := transaction.WithContext(ctx).
		Where("content_hash = ?", hash).
		First(&doc).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &doc, nil
}

func (r *documentRepo) ListWithEmbeddings(ctx context.Context, tx *gorm.DB) ([]*types.Document, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	var results []*types.Document
	if err := transaction.WithContext(ctx).
		Where("embedding IS NOT NULL").
		Order("created_at DESC").
		Find(&results).Error; err != nil {
		return nil, err
	}
	return results, nil
}

func (r *documentRepo) Count(ctx context.Context, tx *gorm.DB) (int64, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	var count int64
	if err := transaction.WithContext(ctx).
		Model(&types.Document{}).
		Count(&count).Error; err != nil {
		return 0, err
	}
	return count, nil
}

// AverageMatchedScore averages the provenance scores of records created via
// similarity reuse. Nil when no such records exist.
func (r *documentRepo) AverageMatchedScore(ctx context.Context, tx *gorm.DB) (*float64, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	var avg *float64
	if err := transaction.WithContext(ctx).
		Model(&types.Document{}).
		Select("AVG(matched_score)").
		Where("matched_score IS NOT NULL").
		Scan(&avg).Error; err != nil {
		return nil, err
	}
	return avg, nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	// sqlite driver surfaces constraint failures as plain errors
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}
