package resource

// Grouping selects how shard measurements are grouped by parent subject.
type Grouping uint8

const (
	GroupByPerson Grouping = iota + 1
	GroupByPrenatalEncounter
	GroupByNutritionEncounter
)

var groupingRoutes = map[string]Grouping{
	"child-measurements":     GroupByPerson,
	"mother-measurements":    GroupByPerson,
	"prenatal-measurements":  GroupByPrenatalEncounter,
	"nutrition-measurements": GroupByNutritionEncounter,
}

// ParseGrouping resolves one of the reserved measurement pseudo-types.
func ParseGrouping(raw string) (Grouping, bool) {
	grouping, ok := groupingRoutes[raw]
	return grouping, ok
}

// Field is the shard attribute holding the subject id for this grouping.
func (g Grouping) Field() string {
	switch g {
	case GroupByPerson:
		return "person"
	case GroupByPrenatalEncounter:
		return "prenatal_encounter"
	case GroupByNutritionEncounter:
		return "nutrition_encounter"
	default:
		return ""
	}
}

// Includes reports whether a measurement of the given kind belongs in the projection.
// Only person grouping restricts kinds, to the group-encounter measurements.
func (g Grouping) Includes(kind string) bool {
	if g != GroupByPerson {
		return true
	}
	_, ok := groupMeasurementKinds[Kind(kind)]
	return ok
}

var groupMeasurementKinds = map[Kind]struct{}{
	KindAttendance:         {},
	KindCounselingSession:  {},
	KindChildFbf:           {},
	KindFamilyPlanning:     {},
	KindHeight:             {},
	KindLactation:          {},
	KindMotherFbf:          {},
	KindMuac:               {},
	KindNutrition:          {},
	KindParticipantConsent: {},
	KindPhoto:              {},
	KindWeight:             {},
}
