package store

import (
	"encoding/json"

	"github.com/MarcoPoloResearchLab/fieldcare/internal/apperr"
	"github.com/MarcoPoloResearchLab/fieldcare/internal/resource"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Outbox methods.
const (
	MethodPost  = "POST"
	MethodPatch = "PATCH"
)

// Change is an outbox entry in either scope.
type Change struct {
	LocalID   int64           `json:"localId"`
	Type      string          `json:"type"`
	UUID      string          `json:"uuid"`
	Method    string          `json:"method"`
	Data      json.RawMessage `json:"data"`
	Timestamp int64           `json:"timestamp"`
	Shard     string          `json:"shard,omitempty"`
}

// PhotoUpload is an upload obligation derived from an outbox entry.
type PhotoUpload struct {
	LocalID  int64  `json:"localId"`
	UUID     string `json:"uuid"`
	Photo    string `json:"photo"`
	FileID   *int64 `json:"fileId"`
	IsSynced bool   `json:"isSynced"`
}

// AppendChange writes an outbox entry and returns its local sequence id.
func (t *Tx) AppendChange(scope resource.Scope, change Change, data Record) (int64, error) {
	payload, err := data.Encode()
	if err != nil {
		return 0, apperr.BadRequestf("change for %s cannot be encoded: %v", change.UUID, err)
	}
	switch scope {
	case resource.ScopeGlobal:
		row := GlobalChange{Type: change.Type, UUID: change.UUID, Method: change.Method, Data: payload, Timestamp: change.Timestamp}
		if err := t.db.Create(&row).Error; err != nil {
			return 0, apperr.Storage("node_changes.create", err)
		}
		return row.LocalID, nil
	case resource.ScopeShard:
		row := ShardChange{Type: change.Type, UUID: change.UUID, Method: change.Method, Data: payload, Timestamp: change.Timestamp, Shard: change.Shard}
		if err := t.db.Create(&row).Error; err != nil {
			return 0, apperr.Storage("shard_changes.create", err)
		}
		return row.LocalID, nil
	default:
		return 0, apperr.NotFoundf("no outbox for scope %s", scope)
	}
}

// Changes lists outbox entries after the given local id in creation order.
// A limit of zero lists everything; an empty shard matches every shard.
func (t *Tx) Changes(scope resource.Scope, after int64, limit int, shard string) ([]Change, error) {
	page := func(query *gorm.DB) *gorm.DB {
		query = query.Where("local_id > ?", after).Order("local_id")
		if limit > 0 {
			query = query.Limit(limit)
		}
		return query
	}
	switch scope {
	case resource.ScopeGlobal:
		var rows []GlobalChange
		if err := page(t.db.Model(&GlobalChange{})).Find(&rows).Error; err != nil {
			return nil, apperr.Storage("node_changes.list", err)
		}
		changes := make([]Change, 0, len(rows))
		for _, row := range rows {
			changes = append(changes, Change{LocalID: row.LocalID, Type: row.Type, UUID: row.UUID, Method: row.Method, Data: json.RawMessage(row.Data), Timestamp: row.Timestamp})
		}
		return changes, nil
	case resource.ScopeShard:
		query := t.db.Model(&ShardChange{})
		if shard != "" {
			query = query.Where("shard = ?", shard)
		}
		var rows []ShardChange
		if err := page(query).Find(&rows).Error; err != nil {
			return nil, apperr.Storage("shard_changes.list", err)
		}
		changes := make([]Change, 0, len(rows))
		for _, row := range rows {
			changes = append(changes, Change{LocalID: row.LocalID, Type: row.Type, UUID: row.UUID, Method: row.Method, Data: json.RawMessage(row.Data), Timestamp: row.Timestamp, Shard: row.Shard})
		}
		return changes, nil
	default:
		return nil, apperr.NotFoundf("no outbox for scope %s", scope)
	}
}

// DeleteChanges removes delivered outbox entries and reports how many existed.
func (t *Tx) DeleteChanges(scope resource.Scope, localIDs []int64) (int64, error) {
	if len(localIDs) == 0 {
		return 0, nil
	}
	var result *gorm.DB
	switch scope {
	case resource.ScopeGlobal:
		result = t.db.Where("local_id IN ?", localIDs).Delete(&GlobalChange{})
	case resource.ScopeShard:
		result = t.db.Where("local_id IN ?", localIDs).Delete(&ShardChange{})
	default:
		return 0, apperr.NotFoundf("no outbox for scope %s", scope)
	}
	if result.Error != nil {
		return 0, apperr.Storage("changes.delete", result.Error)
	}
	return result.RowsAffected, nil
}

// AddPhotoUpload records an upload obligation keyed to its outbox entry. It
// reports false when one already exists for that entry.
func (t *Tx) AddPhotoUpload(scope resource.Scope, upload PhotoUpload) (bool, error) {
	db := t.db.Clauses(clause.OnConflict{DoNothing: true})
	var result *gorm.DB
	switch scope {
	case resource.ScopeGlobal:
		row := GeneralPhotoUpload{LocalID: upload.LocalID, UUID: upload.UUID, Photo: upload.Photo}
		result = db.Create(&row)
	case resource.ScopeShard:
		row := AuthorityPhotoUpload{LocalID: upload.LocalID, UUID: upload.UUID, Photo: upload.Photo}
		result = db.Create(&row)
	default:
		return false, apperr.NotFoundf("no photo upload log for scope %s", scope)
	}
	if result.Error != nil {
		return false, apperr.Storage("photo_uploads.create", result.Error)
	}
	return result.RowsAffected == 1, nil
}

// PendingPhotoUploads lists obligations not yet marked synced, in outbox order.
func (t *Tx) PendingPhotoUploads(scope resource.Scope) ([]PhotoUpload, error) {
	uploads := []PhotoUpload{}
	switch scope {
	case resource.ScopeGlobal:
		var rows []GeneralPhotoUpload
		if err := t.db.Where("is_synced = ?", false).Order("local_id").Find(&rows).Error; err != nil {
			return nil, apperr.Storage("photo_uploads.list", err)
		}
		for _, row := range rows {
			uploads = append(uploads, PhotoUpload(row))
		}
	case resource.ScopeShard:
		var rows []AuthorityPhotoUpload
		if err := t.db.Where("is_synced = ?", false).Order("local_id").Find(&rows).Error; err != nil {
			return nil, apperr.Storage("photo_uploads.list", err)
		}
		for _, row := range rows {
			uploads = append(uploads, PhotoUpload(row))
		}
	default:
		return nil, apperr.NotFoundf("no photo upload log for scope %s", scope)
	}
	return uploads, nil
}

// PhotoUploadsFor returns every obligation keyed to the given outbox entry.
func (t *Tx) PhotoUploadsFor(scope resource.Scope, localID int64) ([]PhotoUpload, error) {
	uploads := []PhotoUpload{}
	switch scope {
	case resource.ScopeGlobal:
		var rows []GeneralPhotoUpload
		if err := t.db.Where("local_id = ?", localID).Find(&rows).Error; err != nil {
			return nil, apperr.Storage("photo_uploads.find", err)
		}
		for _, row := range rows {
			uploads = append(uploads, PhotoUpload(row))
		}
	case resource.ScopeShard:
		var rows []AuthorityPhotoUpload
		if err := t.db.Where("local_id = ?", localID).Find(&rows).Error; err != nil {
			return nil, apperr.Storage("photo_uploads.find", err)
		}
		for _, row := range rows {
			uploads = append(uploads, PhotoUpload(row))
		}
	default:
		return nil, apperr.NotFoundf("no photo upload log for scope %s", scope)
	}
	return uploads, nil
}

// MarkPhotoUploaded stores the remote file id and flags the obligation as synced.
func (t *Tx) MarkPhotoUploaded(scope resource.Scope, localID int64, fileID int64) error {
	updates := map[string]any{"file_id": fileID, "is_synced": true}
	var result *gorm.DB
	switch scope {
	case resource.ScopeGlobal:
		result = t.db.Model(&GeneralPhotoUpload{}).Where("local_id = ?", localID).Updates(updates)
	case resource.ScopeShard:
		result = t.db.Model(&AuthorityPhotoUpload{}).Where("local_id = ?", localID).Updates(updates)
	default:
		return apperr.NotFoundf("no photo upload log for scope %s", scope)
	}
	if result.Error != nil {
		return apperr.Storage("photo_uploads.mark", result.Error)
	}
	if result.RowsAffected == 0 {
		return apperr.NotFoundf("no photo upload for change %d", localID)
	}
	return nil
}
