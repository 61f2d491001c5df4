// Package syncqueue keeps the bookkeeping consumed by the external sync driver:
// the deferred photo download queue and per-partition sync metadata.
package syncqueue

import (
	"context"
	"errors"
	"time"

	"github.com/MarcoPoloResearchLab/fieldcare/internal/apperr"
	"github.com/MarcoPoloResearchLab/fieldcare/internal/changefeed"
	"github.com/MarcoPoloResearchLab/fieldcare/internal/store"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// MaxPhotoAttempts is the retry ceiling. Entries at the ceiling are never selected again.
const MaxPhotoAttempts = 3

var errMissingStore = errors.New("syncqueue: store is required")

// DeferredPhoto is an attachment still to be fetched from the authority.
type DeferredPhoto struct {
	UUID     string `json:"uuid"`
	Type     string `json:"type"`
	Vid      int64  `json:"vid"`
	Photo    string `json:"photo"`
	Attempts int64  `json:"attempts"`
}

// Config configures a Queue.
type Config struct {
	Store     *store.Store
	Clock     func() time.Time
	Publisher changefeed.Publisher
	Logger    *zap.Logger
}

// Queue exposes deferred photos and sync metadata.
type Queue struct {
	store     *store.Store
	clock     func() time.Time
	publisher changefeed.Publisher
	logger    *zap.Logger
}

// New constructs a Queue.
func New(cfg Config) (*Queue, error) {
	if cfg.Store == nil {
		return nil, errMissingStore
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	publisher := cfg.Publisher
	if publisher == nil {
		publisher = changefeed.Discard
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Queue{store: cfg.Store, clock: clock, publisher: publisher, logger: logger}, nil
}

// NextDeferredPhoto returns the eligible entry with the most attempts so far,
// breaking ties by uuid. Selection does not reserve the entry.
func (q *Queue) NextDeferredPhoto(ctx context.Context) (DeferredPhoto, error) {
	var row store.DeferredPhoto
	err := q.store.View(ctx).DB().
		Where("attempts < ?", MaxPhotoAttempts).
		Order("attempts DESC").
		Order("uuid ASC").
		Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return DeferredPhoto{}, apperr.NotFoundf("no deferred photo is due")
	}
	if err != nil {
		q.logger.Error("deferred photo selection failed", zap.Error(err))
		return DeferredPhoto{}, apperr.Storage("deferred_photos.next", err)
	}
	return DeferredPhoto(row), nil
}

// UpdateDeferredPhotoAttempts stores the attempt counter of an entry.
func (q *Queue) UpdateDeferredPhotoAttempts(ctx context.Context, uuid string, attempts int64) error {
	if attempts < 0 {
		return apperr.BadRequestf("attempts must not be negative")
	}
	result := q.store.View(ctx).DB().Model(&store.DeferredPhoto{}).Where("uuid = ?", uuid).Update("attempts", attempts)
	if result.Error != nil {
		return apperr.Storage("deferred_photos.update", result.Error)
	}
	if result.RowsAffected == 0 {
		return apperr.NotFoundf("could not find deferred photo %s", uuid)
	}
	return nil
}

// RemoveDeferredPhoto deletes an entry after a successful download. Removing an
// absent entry is not an error.
func (q *Queue) RemoveDeferredPhoto(ctx context.Context, uuid string) error {
	if err := q.store.View(ctx).DB().Where("uuid = ?", uuid).Delete(&store.DeferredPhoto{}).Error; err != nil {
		return apperr.Storage("deferred_photos.delete", err)
	}
	return nil
}

// InsertDeferredPhoto enqueues photo inside tx. It fails if the uuid is already queued.
func InsertDeferredPhoto(tx *store.Tx, photo DeferredPhoto) error {
	if photo.UUID == "" {
		return apperr.BadRequestf("deferred photo has no uuid")
	}
	row := store.DeferredPhoto(photo)
	if err := tx.DB().Create(&row).Error; err != nil {
		return apperr.Storage("deferred_photos.create", err)
	}
	return nil
}
