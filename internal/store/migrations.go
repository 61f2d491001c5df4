package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/MarcoPoloResearchLab/fieldcare/internal/resource"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type migrationStep struct {
	version int
	name    string
	apply   func(*gorm.DB) error
}

var migrationSteps = []migrationStep{
	{version: 1, name: "base_tables", apply: createBaseTables},
	{version: 2, name: "reset_synced_rows", apply: resetSyncedRows},
	{version: 3, name: "person_name_tokens", apply: backfillNameTokens},
	{version: 4, name: "purge_stale_types", apply: purgeStaleTypes},
	{version: 5, name: "deferred_photos", apply: createDeferredPhotos},
}

// LatestSchemaVersion is the version a freshly opened store ends up at.
var LatestSchemaVersion = migrationSteps[len(migrationSteps)-1].version

// staleTypes are dropped on upgrade so the next download fetches them again.
var staleTypes = []string{
	string(resource.KindClinic),
	string(resource.KindParticipantForm),
	string(resource.KindSession),
	string(resource.KindNurse),
}

func migrate(ctx context.Context, db *gorm.DB, logger *zap.Logger) error {
	db = db.WithContext(ctx)
	if err := db.AutoMigrate(&schemaVersion{}); err != nil {
		return fmt.Errorf("store: schema version table: %w", err)
	}
	current, err := readSchemaVersion(db)
	if err != nil {
		return err
	}

	for _, step := range migrationSteps {
		if step.version <= current {
			continue
		}
		err := db.Transaction(func(tx *gorm.DB) error {
			if err := step.apply(tx); err != nil {
				return err
			}
			record := schemaVersion{ID: 1, Version: step.version, AppliedAtSeconds: time.Now().UTC().Unix()}
			return tx.Clauses(clause.OnConflict{UpdateAll: true}).Create(&record).Error
		})
		if err != nil {
			logger.Error("schema revision failed",
				zap.Int("version", step.version),
				zap.String("revision", step.name),
				zap.Error(err),
			)
			return fmt.Errorf("store: schema revision %d (%s): %w", step.version, step.name, err)
		}
		logger.Info("schema revision applied", zap.Int("version", step.version), zap.String("revision", step.name))
	}
	return nil
}

func readSchemaVersion(db *gorm.DB) (int, error) {
	var record schemaVersion
	err := db.Where("id = ?", 1).Take(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("store: read schema version: %w", err)
	}
	return record.Version, nil
}

// SchemaVersion reports the revision the store is currently at.
func (s *Store) SchemaVersion(ctx context.Context) (int, error) {
	return readSchemaVersion(s.db.WithContext(ctx))
}

func createBaseTables(tx *gorm.DB) error {
	return tx.AutoMigrate(
		&GlobalEntity{},
		&ShardEntity{},
		&NameToken{},
		&GlobalChange{},
		&ShardChange{},
		&GeneralPhotoUpload{},
		&AuthorityPhotoUpload{},
		&SyncMetadata{},
	)
}

// resetSyncedRows clears downloaded entities and forgets sync progress so every
// partition is fetched again.
func resetSyncedRows(tx *gorm.DB) error {
	if err := tx.Session(&gorm.Session{AllowGlobalUpdate: true}).Delete(&GlobalEntity{}).Error; err != nil {
		return err
	}
	if err := tx.Session(&gorm.Session{AllowGlobalUpdate: true}).Delete(&NameToken{}).Error; err != nil {
		return err
	}
	if err := tx.Session(&gorm.Session{AllowGlobalUpdate: true}).Delete(&ShardEntity{}).Error; err != nil {
		return err
	}

	var rows []SyncMetadata
	if err := tx.Find(&rows).Error; err != nil {
		return err
	}
	nowMs := time.Now().UnixMilli()
	for _, row := range rows {
		record, err := decodeColumn(row.Payload)
		if err != nil {
			return err
		}
		delete(record, "download")
		delete(record, "upload")
		record["attempt"] = map[string]any{"tag": "NotAsked", "timestamp": nowMs}
		payload, err := record.Encode()
		if err != nil {
			return err
		}
		if err := tx.Model(&SyncMetadata{}).Where("uuid = ?", row.UUID).
			Updates(map[string]any{"payload": payload, "updated_at_ms": nowMs}).Error; err != nil {
			return err
		}
	}
	return nil
}

func backfillNameTokens(tx *gorm.DB) error {
	var people []GlobalEntity
	if err := tx.Select("uuid", "type", "label").Where("type = ?", string(resource.KindPerson)).Find(&people).Error; err != nil {
		return err
	}
	scoped := &Tx{db: tx}
	for _, person := range people {
		if err := scoped.replaceNameTokens(person); err != nil {
			return err
		}
	}
	return nil
}

func purgeStaleTypes(tx *gorm.DB) error {
	stale := tx.Model(&GlobalEntity{}).Select("uuid").Where("type IN ?", staleTypes)
	if err := tx.Where("uuid IN (?)", stale).Delete(&NameToken{}).Error; err != nil {
		return err
	}
	return tx.Where("type IN ?", staleTypes).Delete(&GlobalEntity{}).Error
}

func createDeferredPhotos(tx *gorm.DB) error {
	return tx.AutoMigrate(&DeferredPhoto{})
}
