package mutation

import (
	"context"
	"fmt"
	"strings"

	"github.com/MarcoPoloResearchLab/fieldcare/internal/apperr"
	"github.com/MarcoPoloResearchLab/fieldcare/internal/resource"
	"github.com/MarcoPoloResearchLab/fieldcare/internal/store"
	"github.com/MarcoPoloResearchLab/fieldcare/internal/syncqueue"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

var ingestedRowsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "fieldcare_ingested_rows_total",
	Help: "Rows received from the authority by destination table and outcome.",
}, []string{"table", "outcome"})

// Table names the destination of downloaded rows.
type Table string

const (
	TableGeneral        Table = "General"
	TableAuthority      Table = "Authority"
	TableDeferredPhotos Table = "DeferredPhotos"
)

// ParseTable validates a raw destination name.
func ParseTable(raw string) (Table, error) {
	switch table := Table(strings.TrimSpace(raw)); table {
	case TableGeneral, TableAuthority, TableDeferredPhotos:
		return table, nil
	default:
		return "", apperr.BadRequestf("unknown table %q", raw)
	}
}

// Row is one confirmed revision of an entity.
type Row struct {
	UUID   string       `json:"uuid"`
	Vid    int64        `json:"vid"`
	Entity store.Record `json:"entity"`
}

// Batch is a set of rows bound for one destination.
type Batch struct {
	Table Table  `json:"table"`
	Shard string `json:"shard,omitempty"`
	Rows  []Row  `json:"data"`
}

// RowFailure describes a row that was not stored.
type RowFailure struct {
	UUID  string `json:"uuid"`
	Error string `json:"error"`
}

// IngestResult lists the outcome of every row of a batch.
type IngestResult struct {
	Applied []string     `json:"applied"`
	Failed  []RowFailure `json:"failed"`
}

// Ingest stores already synchronized rows without touching the outbox. Every
// row commits on its own, so a failing row never takes its siblings down; the
// returned error aggregates the failures.
func (s *Service) Ingest(ctx context.Context, batch Batch) (IngestResult, error) {
	result := IngestResult{Applied: []string{}, Failed: []RowFailure{}}
	table, err := ParseTable(string(batch.Table))
	if err != nil {
		return result, newServiceError(opIngest, "invalid_table", err)
	}
	if table == TableAuthority && strings.TrimSpace(batch.Shard) == "" {
		return result, newServiceError(opIngest, "missing_shard", apperr.BadRequestf("authority rows require a shard"))
	}

	var failures error
	for _, row := range batch.Rows {
		err := s.store.Transaction(ctx, func(tx *store.Tx) error {
			return ingestRow(tx, table, batch.Shard, row)
		})
		if err != nil {
			ingestedRowsTotal.WithLabelValues(string(table), "failed").Inc()
			s.logger.Warn("row ingestion failed",
				zap.String("table", string(table)),
				zap.String("uuid", row.UUID),
				zap.Error(err))
			result.Failed = append(result.Failed, RowFailure{UUID: row.UUID, Error: err.Error()})
			failures = multierr.Append(failures, fmt.Errorf("row %s: %w", row.UUID, err))
			continue
		}
		ingestedRowsTotal.WithLabelValues(string(table), "applied").Inc()
		result.Applied = append(result.Applied, row.UUID)
	}

	if failures != nil {
		s.logError(opIngest, "partial_failure", failures,
			zap.String("table", string(table)),
			zap.Int("applied", len(result.Applied)),
			zap.Int("failed", len(result.Failed)))
		return result, newServiceError(opIngest, "partial_failure", failures)
	}
	return result, nil
}

func ingestRow(tx *store.Tx, table Table, shard string, row Row) error {
	if strings.TrimSpace(row.UUID) == "" {
		return apperr.BadRequestf("row has no uuid")
	}
	if row.Entity == nil {
		return apperr.BadRequestf("row %s has no entity", row.UUID)
	}

	if table == TableDeferredPhotos {
		photo := row.Entity.String("photo")
		if photo == "" {
			return apperr.BadRequestf("deferred photo %s has no photo url", row.UUID)
		}
		return syncqueue.InsertDeferredPhoto(tx, syncqueue.DeferredPhoto{
			UUID:  row.UUID,
			Type:  row.Entity.String("type"),
			Vid:   row.Vid,
			Photo: photo,
		})
	}

	want := resource.ScopeGlobal
	if table == TableAuthority {
		want = resource.ScopeShard
	}
	kind, ok := resource.ParseKind(row.Entity.String("type"))
	if !ok || kind.Scope() != want {
		return apperr.BadRequestf("row %s has type %q, which is not stored in %s", row.UUID, row.Entity.String("type"), table)
	}

	record := row.Entity.Clone()
	record["uuid"] = row.UUID
	record["vid"] = row.Vid
	if table == TableAuthority {
		record["shard"] = shard
	}
	return tx.InsertEntity(want, record)
}
