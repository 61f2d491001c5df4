package store

import (
	"gorm.io/datatypes"
)

// Entity status values.
const (
	StatusUnpublished int64 = 0
	StatusPublished   int64 = 1
)

// GlobalEntity is a row of the globally replicated entity table. Payload is the
// authoritative record; the other columns are promoted copies for indexing.
type GlobalEntity struct {
	UUID                  string         `gorm:"column:uuid;primaryKey;size:64;not null"`
	Type                  string         `gorm:"column:type;size:64;not null;index:idx_nodes_type;index:idx_nodes_type_pin_code,priority:1;index:idx_nodes_type_clinic,priority:1;index:idx_nodes_type_person,priority:1;index:idx_nodes_type_related_to,priority:1;index:idx_nodes_type_person_related_to,priority:1;index:idx_nodes_type_individual_participant,priority:1;index:idx_nodes_type_adult,priority:1"`
	Vid                   int64          `gorm:"column:vid;not null;default:0;index:idx_nodes_vid"`
	Status                int64          `gorm:"column:status;not null;index:idx_nodes_status"`
	PinCode               string         `gorm:"column:pin_code;size:64;not null;default:'';index:idx_nodes_type_pin_code,priority:2"`
	Clinic                string         `gorm:"column:clinic;size:64;not null;default:'';index:idx_nodes_type_clinic,priority:2"`
	Person                string         `gorm:"column:person;size:64;not null;default:'';index:idx_nodes_type_person,priority:2;index:idx_nodes_type_person_related_to,priority:2"`
	RelatedTo             string         `gorm:"column:related_to;size:64;not null;default:'';index:idx_nodes_type_related_to,priority:2;index:idx_nodes_type_person_related_to,priority:3"`
	IndividualParticipant string         `gorm:"column:individual_participant;size:64;not null;default:'';index:idx_nodes_type_individual_participant,priority:2"`
	Adult                 string         `gorm:"column:adult;size:64;not null;default:'';index:idx_nodes_type_adult,priority:2"`
	Label                 string         `gorm:"column:label;not null;default:''"`
	Payload               datatypes.JSON `gorm:"column:payload;not null"`
}

// TableName provides the explicit table binding for GORM.
func (GlobalEntity) TableName() string {
	return "nodes"
}

// GlobalColumns maps queryable attributes to promoted columns of the nodes table.
var GlobalColumns = map[string]string{
	"type":                   "type",
	"pin_code":               "pin_code",
	"clinic":                 "clinic",
	"person":                 "person",
	"related_to":             "related_to",
	"individual_participant": "individual_participant",
	"adult":                  "adult",
}

// ShardEntity is a row of the per-authority entity table.
type ShardEntity struct {
	UUID               string         `gorm:"column:uuid;primaryKey;size:64;not null"`
	Type               string         `gorm:"column:type;size:64;not null;index:idx_shards_type;index:idx_shards_type_person,priority:1"`
	Vid                int64          `gorm:"column:vid;not null;default:0;index:idx_shards_shard_vid,priority:2"`
	Status             int64          `gorm:"column:status;not null;index:idx_shards_status"`
	Shard              string         `gorm:"column:shard;size:64;not null;default:'';index:idx_shards_shard_vid,priority:1"`
	Person             string         `gorm:"column:person;size:64;not null;default:'';index:idx_shards_person;index:idx_shards_type_person,priority:2"`
	PrenatalEncounter  string         `gorm:"column:prenatal_encounter;size:64;not null;default:'';index:idx_shards_prenatal_encounter"`
	NutritionEncounter string         `gorm:"column:nutrition_encounter;size:64;not null;default:'';index:idx_shards_nutrition_encounter"`
	Payload            datatypes.JSON `gorm:"column:payload;not null"`
}

// TableName provides the explicit table binding for GORM.
func (ShardEntity) TableName() string {
	return "shards"
}

// ShardColumns maps queryable attributes to promoted columns of the shards table.
var ShardColumns = map[string]string{
	"type":                "type",
	"shard":               "shard",
	"person":              "person",
	"prenatal_encounter":  "prenatal_encounter",
	"nutrition_encounter": "nutrition_encounter",
}

// NameToken is one searchable word of a person's label.
type NameToken struct {
	UUID  string `gorm:"column:uuid;primaryKey;size:64;not null"`
	Token string `gorm:"column:token;primaryKey;size:190;not null;index:idx_name_tokens_token"`
}

// TableName provides the explicit table binding for GORM.
func (NameToken) TableName() string {
	return "node_name_tokens"
}

// GlobalChange is an outbox entry for a global entity write.
type GlobalChange struct {
	LocalID   int64          `gorm:"column:local_id;primaryKey;autoIncrement"`
	Type      string         `gorm:"column:type;size:64;not null"`
	UUID      string         `gorm:"column:uuid;size:64;not null;index:idx_node_changes_uuid"`
	Method    string         `gorm:"column:method;size:16;not null"`
	Data      datatypes.JSON `gorm:"column:data;not null"`
	Timestamp int64          `gorm:"column:timestamp;not null"`
}

// TableName provides the explicit table binding for GORM.
func (GlobalChange) TableName() string {
	return "node_changes"
}

// ShardChange is an outbox entry for a shard entity write.
type ShardChange struct {
	LocalID   int64          `gorm:"column:local_id;primaryKey;autoIncrement"`
	Type      string         `gorm:"column:type;size:64;not null"`
	UUID      string         `gorm:"column:uuid;size:64;not null;index:idx_shard_changes_uuid"`
	Method    string         `gorm:"column:method;size:16;not null"`
	Data      datatypes.JSON `gorm:"column:data;not null"`
	Timestamp int64          `gorm:"column:timestamp;not null"`
	Shard     string         `gorm:"column:shard;size:64;not null;index:idx_shard_changes_shard"`
}

// TableName provides the explicit table binding for GORM.
func (ShardChange) TableName() string {
	return "shard_changes"
}

// GeneralPhotoUpload tracks a locally captured photo referenced by a global outbox entry.
type GeneralPhotoUpload struct {
	LocalID  int64  `gorm:"column:local_id;primaryKey;autoIncrement:false"`
	UUID     string `gorm:"column:uuid;size:64;not null"`
	Photo    string `gorm:"column:photo;not null"`
	FileID   *int64 `gorm:"column:file_id"`
	IsSynced bool   `gorm:"column:is_synced;not null;default:false;index:idx_general_photo_uploads_synced"`
}

// TableName provides the explicit table binding for GORM.
func (GeneralPhotoUpload) TableName() string {
	return "general_photo_upload_changes"
}

// AuthorityPhotoUpload tracks a locally captured photo referenced by a shard outbox entry.
type AuthorityPhotoUpload struct {
	LocalID  int64  `gorm:"column:local_id;primaryKey;autoIncrement:false"`
	UUID     string `gorm:"column:uuid;size:64;not null"`
	Photo    string `gorm:"column:photo;not null"`
	FileID   *int64 `gorm:"column:file_id"`
	IsSynced bool   `gorm:"column:is_synced;not null;default:false;index:idx_authority_photo_uploads_synced"`
}

// TableName provides the explicit table binding for GORM.
func (AuthorityPhotoUpload) TableName() string {
	return "authority_photo_upload_changes"
}

// SyncMetadata holds the download/upload bookkeeping of one partition.
type SyncMetadata struct {
	UUID        string         `gorm:"column:uuid;primaryKey;size:64;not null"`
	Payload     datatypes.JSON `gorm:"column:payload;not null"`
	UpdatedAtMs int64          `gorm:"column:updated_at_ms;not null;default:0"`
}

// TableName provides the explicit table binding for GORM.
func (SyncMetadata) TableName() string {
	return "sync_metadata"
}

// DeferredPhoto is an attachment still waiting to be fetched from the authority.
type DeferredPhoto struct {
	UUID     string `gorm:"column:uuid;primaryKey;size:64;not null"`
	Type     string `gorm:"column:type;size:64;not null;default:''"`
	Vid      int64  `gorm:"column:vid;not null;default:0"`
	Photo    string `gorm:"column:photo;not null;default:'';index:idx_deferred_photos_photo"`
	Attempts int64  `gorm:"column:attempts;not null;default:0;index:idx_deferred_photos_attempts"`
}

// TableName provides the explicit table binding for GORM.
func (DeferredPhoto) TableName() string {
	return "deferred_photos"
}

type schemaVersion struct {
	ID               int   `gorm:"column:id;primaryKey;autoIncrement:false"`
	Version          int   `gorm:"column:version;not null"`
	AppliedAtSeconds int64 `gorm:"column:applied_at_s;not null"`
}

func (schemaVersion) TableName() string {
	return "schema_version"
}
