package store

import (
	"github.com/MarcoPoloResearchLab/fieldcare/internal/apperr"
	"github.com/MarcoPoloResearchLab/fieldcare/internal/resource"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type entityRow interface {
	GlobalEntity | ShardEntity
}

// Table returns a query rooted at the entity table of scope.
func (t *Tx) Table(scope resource.Scope) (*gorm.DB, error) {
	switch scope {
	case resource.ScopeGlobal:
		return t.db.Model(&GlobalEntity{}), nil
	case resource.ScopeShard:
		return t.db.Model(&ShardEntity{}), nil
	default:
		return nil, apperr.NotFoundf("no entity table for scope %s", scope)
	}
}

// Columns returns the promoted, indexed columns of the entity table of scope.
func Columns(scope resource.Scope) map[string]string {
	if scope == resource.ScopeShard {
		return ShardColumns
	}
	return GlobalColumns
}

// Records executes query, which must be rooted at Table(scope), and decodes the payloads.
func (t *Tx) Records(scope resource.Scope, query *gorm.DB) ([]Record, error) {
	switch scope {
	case resource.ScopeGlobal:
		var rows []GlobalEntity
		if err := query.Find(&rows).Error; err != nil {
			return nil, apperr.Storage("nodes.find", err)
		}
		return decodeRows(rows)
	case resource.ScopeShard:
		var rows []ShardEntity
		if err := query.Find(&rows).Error; err != nil {
			return nil, apperr.Storage("shards.find", err)
		}
		return decodeRows(rows)
	default:
		return nil, apperr.NotFoundf("no entity table for scope %s", scope)
	}
}

// Entity loads one entity by uuid.
func (t *Tx) Entity(scope resource.Scope, uuid string) (Record, error) {
	records, err := t.Entities(scope, []string{uuid})
	if err != nil {
		return nil, err
	}
	if len(records) == 0 {
		return nil, apperr.NotFoundf("could not find entity %s", uuid)
	}
	return records[0], nil
}

// Entities loads every entity whose uuid is in uuids, ordered by uuid. Missing ids are skipped.
func (t *Tx) Entities(scope resource.Scope, uuids []string) ([]Record, error) {
	if len(uuids) == 0 {
		return []Record{}, nil
	}
	query, err := t.Table(scope)
	if err != nil {
		return nil, err
	}
	return t.Records(scope, query.Where("uuid IN ?", uuids).Order("uuid"))
}

// PutEntity inserts or fully replaces the entity carried by record.
func (t *Tx) PutEntity(scope resource.Scope, record Record) error {
	return t.writeEntity(scope, record, true)
}

// InsertEntity inserts record and fails if its uuid already exists.
func (t *Tx) InsertEntity(scope resource.Scope, record Record) error {
	return t.writeEntity(scope, record, false)
}

func (t *Tx) writeEntity(scope resource.Scope, record Record, upsert bool) error {
	uuid := record.String("uuid")
	if uuid == "" {
		return apperr.BadRequestf("entity has no uuid")
	}
	payload, err := record.Encode()
	if err != nil {
		return apperr.BadRequestf("entity %s cannot be encoded: %v", uuid, err)
	}
	db := t.db
	if upsert {
		db = db.Clauses(clause.OnConflict{UpdateAll: true})
	}

	switch scope {
	case resource.ScopeGlobal:
		row := newGlobalEntity(record, payload)
		if err := db.Create(&row).Error; err != nil {
			return apperr.Storage("nodes.write", err)
		}
		return t.replaceNameTokens(row)
	case resource.ScopeShard:
		row := newShardEntity(record, payload)
		if err := db.Create(&row).Error; err != nil {
			return apperr.Storage("shards.write", err)
		}
		return nil
	default:
		return apperr.NotFoundf("no entity table for scope %s", scope)
	}
}

func (t *Tx) replaceNameTokens(row GlobalEntity) error {
	if err := t.db.Where("uuid = ?", row.UUID).Delete(&NameToken{}).Error; err != nil {
		return apperr.Storage("name_tokens.delete", err)
	}
	if row.Type != string(resource.KindPerson) {
		return nil
	}
	words := NameTokens(row.Label)
	if len(words) == 0 {
		return nil
	}
	tokens := make([]NameToken, 0, len(words))
	for _, word := range words {
		tokens = append(tokens, NameToken{UUID: row.UUID, Token: word})
	}
	if err := t.db.Create(&tokens).Error; err != nil {
		return apperr.Storage("name_tokens.create", err)
	}
	return nil
}

func newGlobalEntity(record Record, payload datatypes.JSON) GlobalEntity {
	return GlobalEntity{
		UUID:                  record.String("uuid"),
		Type:                  record.String("type"),
		Vid:                   record.Int64("vid"),
		Status:                statusOf(record),
		PinCode:               record.String("pin_code"),
		Clinic:                record.String("clinic"),
		Person:                record.String("person"),
		RelatedTo:             record.String("related_to"),
		IndividualParticipant: record.String("individual_participant"),
		Adult:                 record.String("adult"),
		Label:                 record.String("label"),
		Payload:               payload,
	}
}

func newShardEntity(record Record, payload datatypes.JSON) ShardEntity {
	return ShardEntity{
		UUID:               record.String("uuid"),
		Type:               record.String("type"),
		Vid:                record.Int64("vid"),
		Status:             statusOf(record),
		Shard:              record.String("shard"),
		Person:             record.String("person"),
		PrenatalEncounter:  record.String("prenatal_encounter"),
		NutritionEncounter: record.String("nutrition_encounter"),
		Payload:            payload,
	}
}

func statusOf(record Record) int64 {
	if _, ok := record["status"]; !ok {
		return StatusPublished
	}
	return record.Int64("status")
}

func payloadOf[T entityRow](row T) datatypes.JSON {
	switch typed := any(row).(type) {
	case GlobalEntity:
		return typed.Payload
	case ShardEntity:
		return typed.Payload
	default:
		return nil
	}
}

func decodeRows[T entityRow](rows []T) ([]Record, error) {
	records := make([]Record, 0, len(rows))
	for _, row := range rows {
		record, err := decodeColumn(payloadOf(row))
		if err != nil {
			return nil, apperr.Storage("payload.decode", err)
		}
		records = append(records, record)
	}
	return records, nil
}
