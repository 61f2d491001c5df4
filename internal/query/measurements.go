package query

import (
	"context"
	"encoding/json"

	"github.com/MarcoPoloResearchLab/fieldcare/internal/resource"
	"github.com/MarcoPoloResearchLab/fieldcare/internal/store"
	"go.uber.org/zap"
)

// Projection holds the measurements of one subject grouped by measurement type.
type Projection struct {
	Subject string
	ByType  map[string][]store.Record
}

// MarshalJSON renders the projection as an object keyed by measurement type,
// with the subject id under "uuid".
func (p Projection) MarshalJSON() ([]byte, error) {
	object := make(map[string]any, len(p.ByType)+1)
	for kind, records := range p.ByType {
		object[kind] = records
	}
	object["uuid"] = p.Subject
	return json.Marshal(object)
}

// Measurements groups shard measurements by the subject attribute of grouping.
// Every requested subject is present in the result, in request order, even
// without measurements.
func (e *Engine) Measurements(ctx context.Context, grouping resource.Grouping, subjects []string) ([]Projection, error) {
	field := grouping.Field()
	projections := make([]Projection, 0, len(subjects))
	index := make(map[string]int, len(subjects))
	for _, subject := range subjects {
		if _, ok := index[subject]; ok {
			continue
		}
		index[subject] = len(projections)
		projections = append(projections, Projection{Subject: subject, ByType: map[string][]store.Record{}})
	}
	if len(projections) == 0 {
		return projections, nil
	}

	tx := e.store.View(ctx)
	query, err := tx.Table(resource.ScopeShard)
	if err != nil {
		return nil, err
	}
	column := store.ShardColumns[field]
	records, err := tx.Records(resource.ScopeShard, query.Where(column+" IN ?", subjects).Order("uuid"))
	if err != nil {
		e.logError(opMeasurements, "select_failed", err, zap.String("field", field))
		return nil, err
	}

	for _, record := range records {
		kind := record.String("type")
		if !grouping.Includes(kind) {
			continue
		}
		position, ok := index[record.String(field)]
		if !ok {
			continue
		}
		projection := projections[position]
		projection.ByType[kind] = append(projection.ByType[kind], record)
	}
	return projections, nil
}
