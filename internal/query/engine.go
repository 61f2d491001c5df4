package query

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/MarcoPoloResearchLab/fieldcare/internal/apperr"
	"github.com/MarcoPoloResearchLab/fieldcare/internal/resource"
	"github.com/MarcoPoloResearchLab/fieldcare/internal/store"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	opIndex        = "query.index"
	opView         = "query.view"
	opMeasurements = "query.measurements"

	// unboundedLimit stands in for "no limit" because SQLite rejects OFFSET without LIMIT.
	unboundedLimit = math.MaxInt32
)

var errMissingStore = errors.New("query: store is required")

// Collection is a page of a filtered result set. Count covers the whole set.
type Collection struct {
	Offset int            `json:"offset"`
	Count  int64          `json:"count"`
	Data   []store.Record `json:"data"`
}

type predicate func(store.Record) bool

// Engine evaluates read requests.
type Engine struct {
	store  *store.Store
	logger *zap.Logger
}

// NewEngine constructs an Engine over the provided store.
func NewEngine(s *store.Store, logger *zap.Logger) (*Engine, error) {
	if s == nil {
		return nil, errMissingStore
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{store: s, logger: logger}, nil
}

// Index returns the page of entities of request.Kind matching its criteria and joins.
func (e *Engine) Index(ctx context.Context, request Request) (Collection, error) {
	scope := request.Kind.Scope()
	tx := e.store.View(ctx)

	base, err := tx.Table(scope)
	if err != nil {
		return Collection{}, err
	}
	base = base.Where("type = ?", string(request.Kind))

	criteria := make(map[string]string, len(request.Criteria)+1)
	for field, value := range request.Criteria {
		criteria[field] = value
	}
	var filters []predicate
	order := "uuid"

	switch request.Kind {
	case resource.KindPmtctParticipant:
		if request.Session != "" {
			session, err := lookupSession(tx, request.Session)
			if err != nil {
				return Collection{}, err
			}
			criteria["clinic"] = session.String("clinic")
			date := session.Path("scheduled_date", "value")
			filters = append(filters, func(participation store.Record) bool {
				return ExpectedOnDate(participation, date)
			})
		}
	case resource.KindPrenatalEncounter, resource.KindNutritionEncounter:
		if request.IndividualParticipant != "" {
			criteria["individual_participant"] = request.IndividualParticipant
		}
	case resource.KindSession:
		if request.Child != "" {
			clinics, err := childClinics(tx, request.Child)
			if err != nil {
				e.logError(opIndex, "child_clinics_failed", err, zap.String("child", request.Child))
				return Collection{}, err
			}
			base = base.Where("clinic IN ?", clinics)
		}
	case resource.KindPerson:
		if request.NameContains != "" {
			prefix := escapeLike(store.NormalizeSearch(request.NameContains)) + "%"
			tokens := tx.DB().Model(&store.NameToken{}).Select("uuid").Where("token LIKE ? ESCAPE '\\'", prefix)
			base = base.Where("uuid IN (?)", tokens)
			order = "label, uuid"
		}
	}

	columns := store.Columns(scope)
	for _, field := range sortedKeys(criteria) {
		value := criteria[field]
		if column, ok := columns[field]; ok {
			base = base.Where(fmt.Sprintf("%s = ?", column), value)
			continue
		}
		filters = append(filters, func(record store.Record) bool {
			return record.String(field) == value
		})
	}

	// Each chain below starts from its own copy of the filter.
	base = base.Session(&gorm.Session{})

	if len(filters) > 0 {
		return e.indexInMemory(tx, scope, base.Order(order), filters, request)
	}

	var count int64
	if err := base.Count(&count).Error; err != nil {
		e.logError(opIndex, "count_failed", err, zap.String("type", request.Kind.String()))
		return Collection{}, apperr.Storage(opIndex, err)
	}

	page := base.Order(order).Offset(request.Offset)
	if request.Range > 0 {
		page = page.Limit(request.Range)
	} else if request.Offset > 0 {
		page = page.Limit(unboundedLimit)
	}
	records, err := tx.Records(scope, page)
	if err != nil {
		e.logError(opIndex, "select_failed", err, zap.String("type", request.Kind.String()))
		return Collection{}, err
	}
	return Collection{Offset: request.Offset, Count: count, Data: records}, nil
}

// indexInMemory applies predicates the indexes cannot express, then counts and pages.
func (e *Engine) indexInMemory(tx *store.Tx, scope resource.Scope, query *gorm.DB, filters []predicate, request Request) (Collection, error) {
	candidates, err := tx.Records(scope, query)
	if err != nil {
		e.logError(opIndex, "select_failed", err, zap.String("type", request.Kind.String()))
		return Collection{}, err
	}
	matched := make([]store.Record, 0, len(candidates))
	for _, record := range candidates {
		if matchesAll(record, filters) {
			matched = append(matched, record)
		}
	}

	start := min(request.Offset, len(matched))
	end := len(matched)
	if request.Range > 0 {
		end = min(start+request.Range, len(matched))
	}
	return Collection{Offset: request.Offset, Count: int64(len(matched)), Data: matched[start:end]}, nil
}

// View returns the entities of kind with the given ids, ordered by uuid. Unknown
// ids are skipped.
func (e *Engine) View(ctx context.Context, kind resource.Kind, ids []string) ([]store.Record, error) {
	tx := e.store.View(ctx)
	query, err := tx.Table(kind.Scope())
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return []store.Record{}, nil
	}
	records, err := tx.Records(kind.Scope(), query.Where("uuid IN ? AND type = ?", ids, string(kind)).Order("uuid"))
	if err != nil {
		e.logError(opView, "select_failed", err, zap.String("type", kind.String()))
		return nil, err
	}
	return records, nil
}

func lookupSession(tx *store.Tx, sessionID string) (store.Record, error) {
	session, err := tx.Entity(resource.ScopeGlobal, sessionID)
	if errors.Is(err, apperr.ErrNotFound) {
		return nil, apperr.NotFoundf("could not find session: %s", sessionID)
	}
	if err != nil {
		return nil, err
	}
	if session.String("type") != string(resource.KindSession) {
		return nil, apperr.NotFoundf("could not find session: %s", sessionID)
	}
	return session, nil
}

func childClinics(tx *store.Tx, child string) ([]string, error) {
	var clinics []string
	err := tx.DB().Model(&store.GlobalEntity{}).
		Where("type = ? AND person = ?", string(resource.KindPmtctParticipant), child).
		Distinct().
		Pluck("clinic", &clinics).Error
	if err != nil {
		return nil, apperr.Storage("nodes.child_clinics", err)
	}
	return clinics, nil
}

// ExpectedOnDate reports whether a group membership covers date. A membership
// whose end equals its start is a single-day membership.
func ExpectedOnDate(participation store.Record, date string) bool {
	start := participation.Path("expected", "value")
	end := participation.Path("expected", "value2")
	if start == "" || start > date {
		return false
	}
	switch {
	case end == "":
		return true
	case end == start:
		return date == start
	default:
		return end >= date
	}
}

func matchesAll(record store.Record, filters []predicate) bool {
	for _, filter := range filters {
		if !filter(record) {
			return false
		}
	}
	return true
}

func sortedKeys(values map[string]string) []string {
	keys := make([]string, 0, len(values))
	for key := range values {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

func escapeLike(value string) string {
	return likeEscaper.Replace(value)
}

func (e *Engine) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	e.logger.Error("query engine error", attrs...)
}
