package syncqueue

import (
	"context"
	"errors"

	"github.com/MarcoPoloResearchLab/fieldcare/internal/apperr"
	"github.com/MarcoPoloResearchLab/fieldcare/internal/changefeed"
	"github.com/MarcoPoloResearchLab/fieldcare/internal/store"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// AttemptTag is the state of the current synchronization attempt of a partition.
type AttemptTag string

const (
	AttemptNotAsked   AttemptTag = "NotAsked"
	AttemptInProgress AttemptTag = "InProgress"
	AttemptSuccess    AttemptTag = "Success"
	AttemptFailure    AttemptTag = "Failure"
)

// ParseAttemptTag validates a raw tag.
func ParseAttemptTag(raw string) (AttemptTag, error) {
	switch tag := AttemptTag(raw); tag {
	case AttemptNotAsked, AttemptInProgress, AttemptSuccess, AttemptFailure:
		return tag, nil
	default:
		return "", apperr.BadRequestf("unknown attempt tag %q", raw)
	}
}

// ListMetadata returns every sync metadata record ordered by uuid.
func (q *Queue) ListMetadata(ctx context.Context) ([]store.Record, error) {
	var rows []store.SyncMetadata
	if err := q.store.View(ctx).DB().Order("uuid").Find(&rows).Error; err != nil {
		return nil, apperr.Storage("sync_metadata.list", err)
	}
	records := make([]store.Record, 0, len(rows))
	for _, row := range rows {
		record, err := store.DecodeRecord(row.Payload)
		if err != nil {
			return nil, apperr.Storage("sync_metadata.decode", err)
		}
		records = append(records, record)
	}
	return records, nil
}

// GetMetadata loads the records with the given uuids. Unknown ids are skipped.
func (q *Queue) GetMetadata(ctx context.Context, uuids []string) ([]store.Record, error) {
	records := []store.Record{}
	if len(uuids) == 0 {
		return records, nil
	}
	var rows []store.SyncMetadata
	if err := q.store.View(ctx).DB().Where("uuid IN ?", uuids).Order("uuid").Find(&rows).Error; err != nil {
		return nil, apperr.Storage("sync_metadata.get", err)
	}
	for _, row := range rows {
		record, err := store.DecodeRecord(row.Payload)
		if err != nil {
			return nil, apperr.Storage("sync_metadata.decode", err)
		}
		records = append(records, record)
	}
	return records, nil
}

// PutMetadata replaces the record stored under uuid.
func (q *Queue) PutMetadata(ctx context.Context, uuid string, record store.Record) (store.Record, error) {
	stored := record.Clone()
	stored["uuid"] = uuid
	if err := validateAttempt(stored); err != nil {
		return nil, err
	}
	err := q.store.Transaction(ctx, func(tx *store.Tx) error {
		return q.writeMetadata(tx, stored)
	})
	if err != nil {
		q.logger.Error("sync metadata write failed", zap.String("uuid", uuid), zap.Error(err))
		return nil, err
	}
	q.notifyMetadata(uuid)
	return stored, nil
}

// PatchMetadata merges partial into an existing record.
func (q *Queue) PatchMetadata(ctx context.Context, uuid string, partial store.Record) (store.Record, error) {
	var merged store.Record
	err := q.store.Transaction(ctx, func(tx *store.Tx) error {
		existing, err := loadMetadata(tx, uuid)
		if err != nil {
			return err
		}
		merged = existing.Merge(partial)
		merged["uuid"] = uuid
		if err := validateAttempt(merged); err != nil {
			return err
		}
		return q.writeMetadata(tx, merged)
	})
	if err != nil {
		return nil, err
	}
	q.notifyMetadata(uuid)
	return merged, nil
}

// SetAttempt atomically moves the attempt state machine of a partition,
// creating the record when it does not exist yet.
func (q *Queue) SetAttempt(ctx context.Context, uuid string, tag AttemptTag) (store.Record, error) {
	if _, err := ParseAttemptTag(string(tag)); err != nil {
		return nil, err
	}
	var updated store.Record
	err := q.store.Transaction(ctx, func(tx *store.Tx) error {
		existing, err := loadMetadata(tx, uuid)
		if errors.Is(err, apperr.ErrNotFound) {
			existing = store.Record{"uuid": uuid}
		} else if err != nil {
			return err
		}
		updated = existing.Merge(store.Record{
			"attempt": map[string]any{"tag": string(tag), "timestamp": q.clock().UnixMilli()},
		})
		return q.writeMetadata(tx, updated)
	})
	if err != nil {
		return nil, err
	}
	q.notifyMetadata(uuid)
	return updated, nil
}

// DeleteMetadata physically removes a record. Deleting an absent record is not an error.
func (q *Queue) DeleteMetadata(ctx context.Context, uuid string) error {
	if err := q.store.View(ctx).DB().Where("uuid = ?", uuid).Delete(&store.SyncMetadata{}).Error; err != nil {
		return apperr.Storage("sync_metadata.delete", err)
	}
	q.notifyMetadata(uuid)
	return nil
}

func (q *Queue) writeMetadata(tx *store.Tx, record store.Record) error {
	payload, err := record.Encode()
	if err != nil {
		return apperr.BadRequestf("sync metadata cannot be encoded: %v", err)
	}
	row := store.SyncMetadata{UUID: record.String("uuid"), Payload: payload, UpdatedAtMs: q.clock().UnixMilli()}
	if err := tx.DB().Clauses(clause.OnConflict{UpdateAll: true}).Create(&row).Error; err != nil {
		return apperr.Storage("sync_metadata.write", err)
	}
	return nil
}

func (q *Queue) notifyMetadata(uuid string) {
	q.publisher.Publish(changefeed.Event{
		Type:      changefeed.EventSyncMetadataChanged,
		UUIDs:     []string{uuid},
		Timestamp: q.clock().UTC(),
	})
}

func loadMetadata(tx *store.Tx, uuid string) (store.Record, error) {
	var row store.SyncMetadata
	err := tx.DB().Where("uuid = ?", uuid).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, apperr.NotFoundf("could not find sync metadata %s", uuid)
	}
	if err != nil {
		return nil, apperr.Storage("sync_metadata.get", err)
	}
	record, err := store.DecodeRecord(row.Payload)
	if err != nil {
		return nil, apperr.Storage("sync_metadata.decode", err)
	}
	return record, nil
}

// validateAttempt rejects records whose attempt is not a {tag, timestamp} object with a known tag.
func validateAttempt(record store.Record) error {
	raw, ok := record["attempt"]
	if !ok || raw == nil {
		return nil
	}
	attempt, ok := raw.(map[string]any)
	if !ok {
		return apperr.BadRequestf("attempt must be an object")
	}
	tag, _ := attempt["tag"].(string)
	_, err := ParseAttemptTag(tag)
	return err
}
