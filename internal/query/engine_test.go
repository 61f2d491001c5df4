package query

import (
	"context"
	"encoding/json"
	"errors"
	"net/url"
	"path/filepath"
	"testing"

	"github.com/MarcoPoloResearchLab/fieldcare/internal/apperr"
	"github.com/MarcoPoloResearchLab/fieldcare/internal/resource"
	"github.com/MarcoPoloResearchLab/fieldcare/internal/store"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestEngine(t *testing.T, seed ...store.Record) *Engine {
	t.Helper()
	s, err := store.Open(context.Background(), filepath.Join(t.TempDir(), "query.db"), zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	err = s.Transaction(context.Background(), func(tx *store.Tx) error {
		for _, record := range seed {
			kind, ok := resource.ParseKind(record.String("type"))
			if !ok {
				return errors.New("unknown seed kind " + record.String("type"))
			}
			if err := tx.PutEntity(kind.Scope(), record); err != nil {
				return err
			}
		}
		return nil
	})
	require.NoError(t, err)

	engine, err := NewEngine(s, zap.NewNop())
	require.NoError(t, err)
	return engine
}

func uuids(records []store.Record) []string {
	ids := make([]string, 0, len(records))
	for _, record := range records {
		ids = append(ids, record.String("uuid"))
	}
	return ids
}

func mustRequest(t *testing.T, kind resource.Kind, raw string) Request {
	t.Helper()
	values, err := url.ParseQuery(raw)
	require.NoError(t, err)
	request, err := ParseRequest(kind, values)
	require.NoError(t, err)
	return request
}

func TestIndexCountIgnoresPagination(t *testing.T) {
	engine := newTestEngine(t,
		store.Record{"uuid": "v-1", "type": "village"},
		store.Record{"uuid": "v-2", "type": "village"},
		store.Record{"uuid": "v-3", "type": "village"},
		store.Record{"uuid": "v-4", "type": "village"},
		store.Record{"uuid": "v-5", "type": "village"},
		store.Record{"uuid": "c-1", "type": "catchment_area"},
	)

	testCases := []struct {
		query    string
		expected []string
	}{
		{query: "", expected: []string{"v-1", "v-2", "v-3", "v-4", "v-5"}},
		{query: "offset=3&range=5", expected: []string{"v-4", "v-5"}},
		{query: "offset=1&range=2", expected: []string{"v-2", "v-3"}},
		{query: "offset=2", expected: []string{"v-3", "v-4", "v-5"}},
		{query: "offset=10&range=2", expected: []string{}},
	}
	for _, testCase := range testCases {
		collection, err := engine.Index(context.Background(), mustRequest(t, resource.KindVillage, testCase.query))
		require.NoError(t, err, testCase.query)
		require.EqualValues(t, 5, collection.Count, testCase.query)
		require.Equal(t, testCase.expected, uuids(collection.Data), testCase.query)
	}
}

func TestIndexFiltersBySearchFields(t *testing.T) {
	engine := newTestEngine(t,
		store.Record{"uuid": "r-1", "type": "relationship", "person": "p-1", "related_to": "p-2"},
		store.Record{"uuid": "r-2", "type": "relationship", "person": "p-1", "related_to": "p-3"},
		store.Record{"uuid": "r-3", "type": "relationship", "person": "p-4", "related_to": "p-2"},
	)

	collection, err := engine.Index(context.Background(), mustRequest(t, resource.KindRelationship, "person=p-1&related_to=p-2"))
	require.NoError(t, err)
	require.EqualValues(t, 1, collection.Count)
	require.Equal(t, []string{"r-1"}, uuids(collection.Data))
}

func TestIndexFiltersShardAttributesInMemory(t *testing.T) {
	engine := newTestEngine(t,
		store.Record{"uuid": "a-1", "type": "attendance", "shard": "hc-1", "clinic": "c-1"},
		store.Record{"uuid": "a-2", "type": "attendance", "shard": "hc-1", "clinic": "c-2"},
		store.Record{"uuid": "a-3", "type": "attendance", "shard": "hc-1", "clinic": "c-1"},
		store.Record{"uuid": "a-4", "type": "attendance", "shard": "hc-1", "clinic": "c-1"},
	)

	collection, err := engine.Index(context.Background(), mustRequest(t, resource.KindAttendance, "clinic=c-1&offset=1&range=1"))
	require.NoError(t, err)
	require.EqualValues(t, 3, collection.Count)
	require.Equal(t, []string{"a-3"}, uuids(collection.Data))
}

func TestIndexNameSearchSortsByLabel(t *testing.T) {
	engine := newTestEngine(t,
		store.Record{"uuid": "p-1", "type": "person", "label": "Zawadi Uwase"},
		store.Record{"uuid": "p-2", "type": "person", "label": "Alice Uwimana"},
		store.Record{"uuid": "p-3", "type": "person", "label": "Claire Mukamana"},
		store.Record{"uuid": "p-4", "type": "person", "label": "Uwase Uwase"},
	)

	collection, err := engine.Index(context.Background(), mustRequest(t, resource.KindPerson, "name_contains=UW"))
	require.NoError(t, err)
	require.EqualValues(t, 3, collection.Count)
	require.Equal(t, []string{"p-2", "p-4", "p-1"}, uuids(collection.Data))

	collection, err = engine.Index(context.Background(), mustRequest(t, resource.KindPerson, "name_contains=uwa"))
	require.NoError(t, err)
	require.Equal(t, []string{"p-4", "p-1"}, uuids(collection.Data))

	collection, err = engine.Index(context.Background(), mustRequest(t, resource.KindPerson, "name_contains=%25"))
	require.NoError(t, err)
	require.Empty(t, collection.Data)
}

func TestIndexParticipantsExpectedAtSession(t *testing.T) {
	participant := func(id, clinic, start, end string) store.Record {
		expected := map[string]any{"value": start}
		if end != "" {
			expected["value2"] = end
		}
		return store.Record{"uuid": id, "type": "pmtct_participant", "clinic": clinic, "expected": expected}
	}
	engine := newTestEngine(t,
		store.Record{"uuid": "s-1", "type": "session", "clinic": "c-1", "scheduled_date": map[string]any{"value": "2024-03-10"}},
		participant("pp-1", "c-1", "2024-01-01", ""),
		participant("pp-2", "c-1", "2024-01-01", "2024-02-01"),
		participant("pp-3", "c-1", "2024-03-10", "2024-03-10"),
		participant("pp-4", "c-1", "2024-03-01", "2024-03-01"),
		participant("pp-5", "c-2", "2024-01-01", ""),
		participant("pp-6", "c-1", "2024-04-01", ""),
	)

	collection, err := engine.Index(context.Background(), mustRequest(t, resource.KindPmtctParticipant, "session=s-1"))
	require.NoError(t, err)
	require.EqualValues(t, 2, collection.Count)
	require.Equal(t, []string{"pp-1", "pp-3"}, uuids(collection.Data))

	_, err = engine.Index(context.Background(), mustRequest(t, resource.KindPmtctParticipant, "session=missing"))
	require.ErrorIs(t, err, apperr.ErrNotFound)
	require.Contains(t, err.Error(), "could not find session: missing")

	_, err = engine.Index(context.Background(), mustRequest(t, resource.KindPmtctParticipant, "session=pp-1"))
	require.ErrorIs(t, err, apperr.ErrNotFound)
	require.Contains(t, err.Error(), "could not find session: pp-1")
}

func TestIndexSessionsForChild(t *testing.T) {
	engine := newTestEngine(t,
		store.Record{"uuid": "pp-1", "type": "pmtct_participant", "person": "child-1", "clinic": "c-1"},
		store.Record{"uuid": "pp-2", "type": "pmtct_participant", "person": "child-2", "clinic": "c-2"},
		store.Record{"uuid": "s-1", "type": "session", "clinic": "c-1"},
		store.Record{"uuid": "s-2", "type": "session", "clinic": "c-2"},
		store.Record{"uuid": "s-3", "type": "session", "clinic": "c-1"},
	)

	collection, err := engine.Index(context.Background(), mustRequest(t, resource.KindSession, "child=child-1"))
	require.NoError(t, err)
	require.EqualValues(t, 2, collection.Count)
	require.Equal(t, []string{"s-1", "s-3"}, uuids(collection.Data))

	collection, err = engine.Index(context.Background(), mustRequest(t, resource.KindSession, "child=nobody"))
	require.NoError(t, err)
	require.EqualValues(t, 0, collection.Count)
	require.Empty(t, collection.Data)
}

func TestIndexEncountersByIndividualParticipant(t *testing.T) {
	engine := newTestEngine(t,
		store.Record{"uuid": "e-1", "type": "prenatal_encounter", "individual_participant": "ip-1"},
		store.Record{"uuid": "e-2", "type": "prenatal_encounter", "individual_participant": "ip-2"},
		store.Record{"uuid": "e-3", "type": "nutrition_encounter", "individual_participant": "ip-1"},
	)

	collection, err := engine.Index(context.Background(), mustRequest(t, resource.KindPrenatalEncounter, "individual_participant=ip-1"))
	require.NoError(t, err)
	require.Equal(t, []string{"e-1"}, uuids(collection.Data))
}

func TestViewSkipsMissingAndForeignTypes(t *testing.T) {
	engine := newTestEngine(t,
		store.Record{"uuid": "v-1", "type": "village"},
		store.Record{"uuid": "c-1", "type": "catchment_area"},
	)

	records, err := engine.View(context.Background(), resource.KindVillage, SplitIDs("v-1,c-1,missing"))
	require.NoError(t, err)
	require.Equal(t, []string{"v-1"}, uuids(records))

	records, err = engine.View(context.Background(), resource.KindVillage, SplitIDs("missing"))
	require.NoError(t, err)
	require.Empty(t, records)
}

func TestMeasurementsGroupBySubject(t *testing.T) {
	engine := newTestEngine(t,
		store.Record{"uuid": "m-1", "type": "weight", "shard": "hc-1", "person": "P1"},
		store.Record{"uuid": "m-2", "type": "height", "shard": "hc-1", "person": "P1"},
		store.Record{"uuid": "m-3", "type": "vitals", "shard": "hc-1", "person": "P1", "prenatal_encounter": "E1"},
		store.Record{"uuid": "m-4", "type": "weight", "shard": "hc-1", "person": "P3"},
	)

	projections, err := engine.Measurements(context.Background(), resource.GroupByPerson, []string{"P1", "P2"})
	require.NoError(t, err)
	require.Len(t, projections, 2)
	require.Equal(t, "P1", projections[0].Subject)
	require.Len(t, projections[0].ByType, 2)
	require.Equal(t, []string{"m-1"}, uuids(projections[0].ByType["weight"]))
	require.Equal(t, []string{"m-2"}, uuids(projections[0].ByType["height"]))
	require.Equal(t, "P2", projections[1].Subject)
	require.Empty(t, projections[1].ByType)

	encoded, err := json.Marshal(projections[1])
	require.NoError(t, err)
	require.JSONEq(t, `{"uuid":"P2"}`, string(encoded))

	prenatal, err := engine.Measurements(context.Background(), resource.GroupByPrenatalEncounter, []string{"E1"})
	require.NoError(t, err)
	require.Equal(t, []string{"m-3"}, uuids(prenatal[0].ByType["vitals"]))
}

func TestParseRequestRejectsMalformedPaging(t *testing.T) {
	for _, raw := range []string{"offset=abc", "range=-1", "offset=1.5"} {
		values, _ := url.ParseQuery(raw)
		_, err := ParseRequest(resource.KindPerson, values)
		require.ErrorIs(t, err, apperr.ErrBadRequest, raw)
	}
}

func TestExpectedOnDate(t *testing.T) {
	membership := func(start, end string) store.Record {
		expected := map[string]any{"value": start}
		if end != "" {
			expected["value2"] = end
		}
		return store.Record{"expected": expected}
	}
	testCases := []struct {
		name     string
		record   store.Record
		date     string
		expected bool
	}{
		{name: "open ended", record: membership("2024-01-01", ""), date: "2024-05-01", expected: true},
		{name: "before start", record: membership("2024-06-01", ""), date: "2024-05-01", expected: false},
		{name: "within range", record: membership("2024-01-01", "2024-12-31"), date: "2024-05-01", expected: true},
		{name: "on end date", record: membership("2024-01-01", "2024-05-01"), date: "2024-05-01", expected: true},
		{name: "after end", record: membership("2024-01-01", "2024-02-01"), date: "2024-05-01", expected: false},
		{name: "single day match", record: membership("2024-05-01", "2024-05-01"), date: "2024-05-01", expected: true},
		{name: "single day later", record: membership("2024-05-01", "2024-05-01"), date: "2024-05-02", expected: false},
		{name: "no membership", record: store.Record{}, date: "2024-05-01", expected: false},
	}
	for _, testCase := range testCases {
		require.Equal(t, testCase.expected, ExpectedOnDate(testCase.record, testCase.date), testCase.name)
	}
}
