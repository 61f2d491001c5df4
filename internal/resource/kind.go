// Package resource enumerates the resource kinds served by the local data layer
// and the storage scope each one lives in.
package resource

import (
	"fmt"
	"strings"
)

// Scope identifies the logical table family a kind is persisted in.
type Scope uint8

const (
	// ScopeGlobal entities are replicated to every device.
	ScopeGlobal Scope = iota + 1
	// ScopeShard entities are replicated only for authorities relevant to the device.
	ScopeShard
	// ScopeSyncMetadata holds synchronization bookkeeping.
	ScopeSyncMetadata
)

func (s Scope) String() string {
	switch s {
	case ScopeGlobal:
		return "general"
	case ScopeShard:
		return "authority"
	case ScopeSyncMetadata:
		return "syncmetadata"
	default:
		return fmt.Sprintf("scope(%d)", uint8(s))
	}
}

// ParseScope maps the outbox scope names used on the wire.
func ParseScope(raw string) (Scope, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "general":
		return ScopeGlobal, nil
	case "authority":
		return ScopeShard, nil
	default:
		return 0, fmt.Errorf("resource: unknown scope %q", raw)
	}
}

// Kind is the type discriminator of an entity.
type Kind string

const (
	KindAttendance             Kind = "attendance"
	KindBreastExam             Kind = "breast_exam"
	KindCatchmentArea          Kind = "catchment_area"
	KindChildFbf               Kind = "child_fbf"
	KindClinic                 Kind = "clinic"
	KindCounselingSchedule     Kind = "counseling_schedule"
	KindCounselingSession      Kind = "counseling_session"
	KindCounselingTopic        Kind = "counseling_topic"
	KindCorePhysicalExam       Kind = "core_physical_exam"
	KindDangerSigns            Kind = "danger_signs"
	KindFamilyPlanning         Kind = "family_planning"
	KindLactation              Kind = "lactation"
	KindHealthCenter           Kind = "health_center"
	KindHeight                 Kind = "height"
	KindLastMenstrualPeriod    Kind = "last_menstrual_period"
	KindMedicalHistory         Kind = "medical_history"
	KindMedication             Kind = "medication"
	KindMotherFbf              Kind = "mother_fbf"
	KindMuac                   Kind = "muac"
	KindNurse                  Kind = "nurse"
	KindNutrition              Kind = "nutrition"
	KindNutritionEncounter     Kind = "nutrition_encounter"
	KindNutritionHeight        Kind = "nutrition_height"
	KindNutritionMuac          Kind = "nutrition_muac"
	KindNutritionNutrition     Kind = "nutrition_nutrition"
	KindNutritionPhoto         Kind = "nutrition_photo"
	KindNutritionWeight        Kind = "nutrition_weight"
	KindObstetricHistory       Kind = "obstetric_history"
	KindObstetricHistoryStep2  Kind = "obstetric_history_step2"
	KindObstetricalExam        Kind = "obstetrical_exam"
	KindParticipantConsent     Kind = "participant_consent"
	KindParticipantForm        Kind = "participant_form"
	KindPerson                 Kind = "person"
	KindPhoto                  Kind = "photo"
	KindPrenatalPhoto          Kind = "prenatal_photo"
	KindPmtctParticipant       Kind = "pmtct_participant"
	KindPrenatalFamilyPlanning Kind = "prenatal_family_planning"
	KindPrenatalNutrition      Kind = "prenatal_nutrition"
	KindIndividualParticipant  Kind = "individual_participant"
	KindPrenatalEncounter      Kind = "prenatal_encounter"
	KindRelationship           Kind = "relationship"
	KindResource               Kind = "resource"
	KindSession                Kind = "session"
	KindSocialHistory          Kind = "social_history"
	KindSyncMetadata           Kind = "syncmetadata"
	KindVillage                Kind = "village"
	KindVitals                 Kind = "vitals"
	KindWeight                 Kind = "weight"
)

// scopes is the closed set of known kinds. Adding a kind means adding it here.
var scopes = map[Kind]Scope{
	KindAttendance:             ScopeShard,
	KindBreastExam:             ScopeShard,
	KindCatchmentArea:          ScopeGlobal,
	KindChildFbf:               ScopeShard,
	KindClinic:                 ScopeGlobal,
	KindCounselingSchedule:     ScopeGlobal,
	KindCounselingSession:      ScopeShard,
	KindCounselingTopic:        ScopeGlobal,
	KindCorePhysicalExam:       ScopeShard,
	KindDangerSigns:            ScopeShard,
	KindFamilyPlanning:         ScopeShard,
	KindLactation:              ScopeShard,
	KindHealthCenter:           ScopeGlobal,
	KindHeight:                 ScopeShard,
	KindLastMenstrualPeriod:    ScopeShard,
	KindMedicalHistory:         ScopeShard,
	KindMedication:             ScopeShard,
	KindMotherFbf:              ScopeShard,
	KindMuac:                   ScopeShard,
	KindNurse:                  ScopeGlobal,
	KindNutrition:              ScopeShard,
	KindNutritionEncounter:     ScopeGlobal,
	KindNutritionHeight:        ScopeShard,
	KindNutritionMuac:          ScopeShard,
	KindNutritionNutrition:     ScopeShard,
	KindNutritionPhoto:         ScopeShard,
	KindNutritionWeight:        ScopeShard,
	KindObstetricHistory:       ScopeShard,
	KindObstetricHistoryStep2:  ScopeShard,
	KindObstetricalExam:        ScopeShard,
	KindParticipantConsent:     ScopeShard,
	KindParticipantForm:        ScopeGlobal,
	KindPerson:                 ScopeGlobal,
	KindPhoto:                  ScopeShard,
	KindPrenatalPhoto:          ScopeShard,
	KindPmtctParticipant:       ScopeGlobal,
	KindPrenatalFamilyPlanning: ScopeShard,
	KindPrenatalNutrition:      ScopeShard,
	KindIndividualParticipant:  ScopeGlobal,
	KindPrenatalEncounter:      ScopeGlobal,
	KindRelationship:           ScopeGlobal,
	KindResource:               ScopeShard,
	KindSession:                ScopeGlobal,
	KindSocialHistory:          ScopeShard,
	KindSyncMetadata:           ScopeSyncMetadata,
	KindVillage:                ScopeGlobal,
	KindVitals:                 ScopeShard,
	KindWeight:                 ScopeShard,
}

// ParseKind validates a raw type name against the known kinds.
func ParseKind(raw string) (Kind, bool) {
	kind := Kind(strings.TrimSpace(raw))
	if _, ok := scopes[kind]; !ok {
		return "", false
	}
	return kind, true
}

// Scope returns the storage scope of the kind. Unknown kinds report zero.
func (k Kind) Scope() Scope {
	return scopes[k]
}

func (k Kind) String() string {
	return string(k)
}

// AuthorityAttribute is the entity attribute naming the owning authority.
const AuthorityAttribute = "health_center"

// SearchFields are the attributes a collection query may filter on by equality.
var SearchFields = []string{"adult", "pin_code", "clinic", "person", "related_to"}

// GeneralScopeID is the static sync metadata key for globally replicated entities.
const GeneralScopeID = "78cf21d1-b3f4-496a-b312-d8ae73041f09"
