package mutation

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/fieldcare/internal/apperr"
	"github.com/MarcoPoloResearchLab/fieldcare/internal/changefeed"
	"github.com/MarcoPoloResearchLab/fieldcare/internal/resource"
	"github.com/MarcoPoloResearchLab/fieldcare/internal/store"
	"github.com/MarcoPoloResearchLab/fieldcare/internal/syncqueue"
	"go.uber.org/zap"
)

type sequenceIDs struct {
	next int
}

func (s *sequenceIDs) NewID() (string, error) {
	s.next++
	return fmt.Sprintf("id-%03d", s.next), nil
}

type recordingPublisher struct {
	events []changefeed.Event
}

func (p *recordingPublisher) Publish(event changefeed.Event) {
	p.events = append(p.events, event)
}

func newTestService(t *testing.T) (*Service, *store.Store, *recordingPublisher) {
	t.Helper()
	s, err := store.Open(context.Background(), filepath.Join(t.TempDir(), "mutation.db"), zap.NewNop())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })

	publisher := &recordingPublisher{}
	service, err := NewService(Config{
		Store:      s,
		IDProvider: &sequenceIDs{},
		Clock:      func() time.Time { return time.UnixMilli(1700000000000) },
		Publisher:  publisher,
	})
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	return service, s, publisher
}

func mustIngest(t *testing.T, service *Service, batch Batch) {
	t.Helper()
	if _, err := service.Ingest(context.Background(), batch); err != nil {
		t.Fatalf("ingest: %v", err)
	}
}

func mustChanges(t *testing.T, service *Service, scope resource.Scope) []store.Change {
	t.Helper()
	changes, err := service.ListChanges(context.Background(), scope, 0, 0, "")
	if err != nil {
		t.Fatalf("list changes: %v", err)
	}
	return changes
}

func mustEntity(t *testing.T, s *store.Store, scope resource.Scope, uuid string) store.Record {
	t.Helper()
	record, err := s.View(context.Background()).Entity(scope, uuid)
	if err != nil {
		t.Fatalf("load %s: %v", uuid, err)
	}
	return record
}

func seedSession(t *testing.T, service *Service) {
	t.Helper()
	mustIngest(t, service, Batch{Table: TableGeneral, Rows: []Row{
		{UUID: "c-1", Vid: 1, Entity: store.Record{"type": "clinic", "health_center": "hc-1"}},
		{UUID: "s-1", Vid: 1, Entity: store.Record{"type": "session", "clinic": "c-1"}},
	}})
}

func TestNewServiceRequiresCollaborators(t *testing.T) {
	if _, err := NewService(Config{}); err == nil {
		t.Fatalf("expected missing store error")
	}
	s, err := store.Open(context.Background(), filepath.Join(t.TempDir(), "x.db"), zap.NewNop())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	defer s.Close()
	_, err = NewService(Config{Store: s})
	var serviceErr *ServiceError
	if !errors.As(err, &serviceErr) || serviceErr.Code() != "mutation.service.new.missing_id_provider" {
		t.Fatalf("expected missing id provider error, got %v", err)
	}
}

func TestCreateLogsPostAndPhotoUpload(t *testing.T) {
	service, s, publisher := newTestService(t)
	ctx := context.Background()

	created, err := service.Create(ctx, resource.KindPerson, store.Record{
		"label": "Ana Lopez",
		"photo": "/cache-upload/images/2f1c",
		"vid":   42,
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if created.String("uuid") != "id-001" || created.Int64("status") != store.StatusPublished {
		t.Fatalf("unexpected created record: %#v", created)
	}
	if created.Int64("vid") != 0 {
		t.Fatalf("expected local create to start at vid 0, got %d", created.Int64("vid"))
	}

	stored := mustEntity(t, s, resource.ScopeGlobal, "id-001")
	if stored.Int64("vid") != 0 {
		t.Fatalf("expected stored vid 0, got %d", stored.Int64("vid"))
	}
	if stored.String("label") != "Ana Lopez" || stored.String("type") != "person" {
		t.Fatalf("unexpected stored record: %#v", stored)
	}

	changes := mustChanges(t, service, resource.ScopeGlobal)
	if len(changes) != 1 {
		t.Fatalf("expected one outbox entry, got %d", len(changes))
	}
	if changes[0].Method != store.MethodPost || changes[0].UUID != "id-001" || changes[0].Timestamp != 1700000000000 {
		t.Fatalf("unexpected outbox entry: %#v", changes[0])
	}

	uploads, err := service.PendingPhotoUploads(ctx, resource.ScopeGlobal)
	if err != nil {
		t.Fatalf("pending uploads: %v", err)
	}
	if len(uploads) != 1 || uploads[0].LocalID != changes[0].LocalID || uploads[0].IsSynced {
		t.Fatalf("unexpected uploads: %#v", uploads)
	}

	if len(publisher.events) != 1 || publisher.events[0].Type != changefeed.EventOutboxChanged || publisher.events[0].Scope != "general" {
		t.Fatalf("unexpected events: %#v", publisher.events)
	}
}

func TestCreateSkipsRemotePhotos(t *testing.T) {
	service, _, _ := newTestService(t)
	if _, err := service.Create(context.Background(), resource.KindPerson, store.Record{
		"label": "Remote",
		"photo": "https://example.org/sites/default/files/a.jpg",
	}); err != nil {
		t.Fatalf("create: %v", err)
	}
	uploads, err := service.PendingPhotoUploads(context.Background(), resource.ScopeGlobal)
	if err != nil {
		t.Fatalf("pending uploads: %v", err)
	}
	if len(uploads) != 0 {
		t.Fatalf("expected no upload obligation, got %#v", uploads)
	}
}

func TestCreateResolvesShardThroughSession(t *testing.T) {
	service, _, _ := newTestService(t)
	seedSession(t, service)

	created, err := service.Create(context.Background(), resource.KindAttendance, store.Record{"session": "s-1", "person": "p-1"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if created.String("shard") != "hc-1" {
		t.Fatalf("expected shard hc-1, got %q", created.String("shard"))
	}

	changes := mustChanges(t, service, resource.ScopeShard)
	if len(changes) != 1 || changes[0].Shard != "hc-1" {
		t.Fatalf("unexpected authority outbox: %#v", changes)
	}
	other, err := service.ListChanges(context.Background(), resource.ScopeShard, 0, 0, "hc-2")
	if err != nil {
		t.Fatalf("list changes: %v", err)
	}
	if len(other) != 0 {
		t.Fatalf("expected no entries for hc-2, got %d", len(other))
	}
}

func TestCreateIgnoresShardSentByClient(t *testing.T) {
	service, s, _ := newTestService(t)

	created, err := service.Create(context.Background(), resource.KindWeight, store.Record{
		"person":        "p-1",
		"health_center": "hc-1",
		"shard":         "hc-bogus",
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if created.String("shard") != "hc-1" {
		t.Fatalf("expected shard hc-1, got %q", created.String("shard"))
	}
	if stored := mustEntity(t, s, resource.ScopeShard, created.String("uuid")); stored.String("shard") != "hc-1" {
		t.Fatalf("expected stored shard hc-1, got %q", stored.String("shard"))
	}
	changes := mustChanges(t, service, resource.ScopeShard)
	if len(changes) != 1 || changes[0].Shard != "hc-1" {
		t.Fatalf("unexpected authority outbox: %#v", changes)
	}
}

func TestCreateRollsBackWhenShardIsUnknown(t *testing.T) {
	service, s, publisher := newTestService(t)

	_, err := service.Create(context.Background(), resource.KindWeight, store.Record{"person": "p-1"})
	if !errors.Is(err, apperr.ErrBadRequest) {
		t.Fatalf("expected bad request, got %v", err)
	}
	if _, err := s.View(context.Background()).Entity(resource.ScopeShard, "id-001"); !errors.Is(err, apperr.ErrNotFound) {
		t.Fatalf("expected no entity, got %v", err)
	}
	if changes := mustChanges(t, service, resource.ScopeShard); len(changes) != 0 {
		t.Fatalf("expected empty outbox, got %d", len(changes))
	}
	if len(publisher.events) != 0 {
		t.Fatalf("expected no events")
	}
}

func TestReplaceKeepsHigherVidAndStoredShard(t *testing.T) {
	service, s, _ := newTestService(t)
	mustIngest(t, service, Batch{Table: TableAuthority, Shard: "hc-1", Rows: []Row{
		{UUID: "w-1", Vid: 5, Entity: store.Record{"type": "weight", "person": "p-1", "weight": 11}},
	}})

	replaced, err := service.Replace(context.Background(), resource.KindWeight, "w-1", store.Record{
		"vid":    2,
		"shard":  "hc-9",
		"person": "p-1",
		"weight": 12,
	})
	if err != nil {
		t.Fatalf("replace: %v", err)
	}
	if replaced.Int64("vid") != 5 || replaced.String("shard") != "hc-1" {
		t.Fatalf("unexpected replaced record: %#v", replaced)
	}

	stored := mustEntity(t, s, resource.ScopeShard, "w-1")
	if stored.Int64("vid") != 5 || stored.String("weight") != "12" {
		t.Fatalf("unexpected stored record: %#v", stored)
	}

	changes := mustChanges(t, service, resource.ScopeShard)
	if len(changes) != 1 || changes[0].Method != store.MethodPost || changes[0].Shard != "hc-1" {
		t.Fatalf("unexpected outbox: %#v", changes)
	}

	_, err = service.Replace(context.Background(), resource.KindHeight, "w-1", store.Record{"shard": "hc-1"})
	if !errors.Is(err, apperr.ErrBadRequest) {
		t.Fatalf("expected bad request for kind mismatch, got %v", err)
	}
}

func TestReplaceCreatesMissingEntity(t *testing.T) {
	service, s, _ := newTestService(t)
	if _, err := service.Replace(context.Background(), resource.KindVillage, "v-1", store.Record{"label": "Kigali"}); err != nil {
		t.Fatalf("replace: %v", err)
	}
	stored := mustEntity(t, s, resource.ScopeGlobal, "v-1")
	if stored.String("type") != "village" || stored.Int64("vid") != 0 {
		t.Fatalf("unexpected stored record: %#v", stored)
	}
}

func TestPatchMergesAndLogsPartialPayload(t *testing.T) {
	service, s, _ := newTestService(t)
	ctx := context.Background()
	mustIngest(t, service, Batch{Table: TableGeneral, Rows: []Row{
		{UUID: "p-1", Vid: 3, Entity: store.Record{"type": "person", "label": "Ana Lopez", "gender": "female"}},
	}})

	updated, err := service.Patch(ctx, resource.KindPerson, "p-1", store.Record{"label": "Ana Maria"})
	if err != nil {
		t.Fatalf("patch: %v", err)
	}
	if updated.String("label") != "Ana Maria" || updated.String("gender") != "female" || updated.Int64("vid") != 3 {
		t.Fatalf("unexpected patched record: %#v", updated)
	}
	if stored := mustEntity(t, s, resource.ScopeGlobal, "p-1"); stored.String("label") != "Ana Maria" {
		t.Fatalf("patch was not persisted: %#v", stored)
	}

	changes := mustChanges(t, service, resource.ScopeGlobal)
	if len(changes) != 1 || changes[0].Method != store.MethodPatch {
		t.Fatalf("unexpected outbox: %#v", changes)
	}
	data, err := store.DecodeRecord(changes[0].Data)
	if err != nil {
		t.Fatalf("decode change data: %v", err)
	}
	if len(data) != 1 || data.String("label") != "Ana Maria" {
		t.Fatalf("expected partial payload, got %#v", data)
	}

	if _, err := service.Patch(ctx, resource.KindPerson, "missing", store.Record{"label": "x"}); !errors.Is(err, apperr.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	if _, err := service.Patch(ctx, resource.KindVillage, "p-1", store.Record{"label": "x"}); !errors.Is(err, apperr.ErrNotFound) {
		t.Fatalf("expected not found for another kind, got %v", err)
	}
}

func TestPatchCarriesShardOfEntity(t *testing.T) {
	service, _, _ := newTestService(t)
	mustIngest(t, service, Batch{Table: TableAuthority, Shard: "hc-4", Rows: []Row{
		{UUID: "h-1", Vid: 1, Entity: store.Record{"type": "height", "person": "p-1", "height": 80}},
	}})

	if _, err := service.Patch(context.Background(), resource.KindHeight, "h-1", store.Record{"height": 81}); err != nil {
		t.Fatalf("patch: %v", err)
	}
	changes := mustChanges(t, service, resource.ScopeShard)
	if len(changes) != 1 || changes[0].Shard != "hc-4" {
		t.Fatalf("unexpected outbox: %#v", changes)
	}
}

func TestSoftDeleteIsNotLogged(t *testing.T) {
	service, s, _ := newTestService(t)
	mustIngest(t, service, Batch{Table: TableGeneral, Rows: []Row{
		{UUID: "p-1", Vid: 1, Entity: store.Record{"type": "person", "label": "Ana"}},
	}})

	if err := service.SoftDelete(context.Background(), resource.KindPerson, "p-1"); err != nil {
		t.Fatalf("soft delete: %v", err)
	}
	stored := mustEntity(t, s, resource.ScopeGlobal, "p-1")
	if stored.Int64("status") != store.StatusUnpublished {
		t.Fatalf("expected unpublished status, got %#v", stored["status"])
	}
	if changes := mustChanges(t, service, resource.ScopeGlobal); len(changes) != 0 {
		t.Fatalf("expected empty outbox, got %d", len(changes))
	}
	if err := service.SoftDelete(context.Background(), resource.KindPerson, "missing"); !errors.Is(err, apperr.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestNonEntityKindsAreRejected(t *testing.T) {
	service, _, _ := newTestService(t)
	if _, err := service.Create(context.Background(), resource.KindSyncMetadata, store.Record{}); !errors.Is(err, apperr.ErrBadRequest) {
		t.Fatalf("expected bad request, got %v", err)
	}
	if _, err := service.Create(context.Background(), resource.Kind("bogus"), store.Record{}); !errors.Is(err, apperr.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestIngestCommitsRowsIndependently(t *testing.T) {
	service, s, _ := newTestService(t)

	result, err := service.Ingest(context.Background(), Batch{Table: TableGeneral, Rows: []Row{
		{UUID: "r-1", Vid: 4, Entity: store.Record{"type": "person", "label": "First"}},
		{UUID: "r-2", Vid: 4, Entity: store.Record{"type": "weight"}},
		{UUID: "r-3", Vid: 4, Entity: store.Record{"type": "clinic", "health_center": "hc-1"}},
	}})
	if !errors.Is(err, apperr.ErrBadRequest) {
		t.Fatalf("expected aggregated bad request, got %v", err)
	}
	var serviceErr *ServiceError
	if !errors.As(err, &serviceErr) || serviceErr.Code() != "mutation.ingest.partial_failure" {
		t.Fatalf("unexpected error code: %v", err)
	}
	if len(result.Applied) != 2 || result.Applied[0] != "r-1" || result.Applied[1] != "r-3" {
		t.Fatalf("unexpected applied rows: %#v", result.Applied)
	}
	if len(result.Failed) != 1 || result.Failed[0].UUID != "r-2" {
		t.Fatalf("unexpected failed rows: %#v", result.Failed)
	}

	if stored := mustEntity(t, s, resource.ScopeGlobal, "r-1"); stored.Int64("vid") != 4 {
		t.Fatalf("unexpected stored vid: %#v", stored)
	}
	mustEntity(t, s, resource.ScopeGlobal, "r-3")
	if changes := mustChanges(t, service, resource.ScopeGlobal); len(changes) != 0 {
		t.Fatalf("ingestion must not touch the outbox, got %d entries", len(changes))
	}
}

func TestIngestRejectsDuplicateRows(t *testing.T) {
	service, _, _ := newTestService(t)
	batch := Batch{Table: TableGeneral, Rows: []Row{{UUID: "r-1", Vid: 1, Entity: store.Record{"type": "village"}}}}
	mustIngest(t, service, batch)

	result, err := service.Ingest(context.Background(), batch)
	if !errors.Is(err, apperr.ErrStorage) {
		t.Fatalf("expected storage error, got %v", err)
	}
	if len(result.Failed) != 1 {
		t.Fatalf("expected one failed row, got %#v", result)
	}
}

func TestIngestValidatesBatch(t *testing.T) {
	service, _, _ := newTestService(t)
	if _, err := service.Ingest(context.Background(), Batch{Table: "Elsewhere"}); !errors.Is(err, apperr.ErrBadRequest) {
		t.Fatalf("expected bad request for table, got %v", err)
	}
	if _, err := service.Ingest(context.Background(), Batch{Table: TableAuthority}); !errors.Is(err, apperr.ErrBadRequest) {
		t.Fatalf("expected bad request for missing shard, got %v", err)
	}
}

func TestIngestFeedsDeferredPhotoQueue(t *testing.T) {
	service, s, _ := newTestService(t)
	mustIngest(t, service, Batch{Table: TableDeferredPhotos, Rows: []Row{
		{UUID: "ph-1", Vid: 7, Entity: store.Record{"type": "photo", "photo": "https://example.org/sites/default/files/1.jpg"}},
	}})

	queue, err := syncqueue.New(syncqueue.Config{Store: s})
	if err != nil {
		t.Fatalf("new queue: %v", err)
	}
	next, err := queue.NextDeferredPhoto(context.Background())
	if err != nil {
		t.Fatalf("next deferred photo: %v", err)
	}
	if next.UUID != "ph-1" || next.Vid != 7 || next.Attempts != 0 || next.Type != "photo" {
		t.Fatalf("unexpected deferred photo: %#v", next)
	}
}

func TestConfirmChangesAndMarkUploads(t *testing.T) {
	service, _, _ := newTestService(t)
	ctx := context.Background()
	if _, err := service.Create(ctx, resource.KindPerson, store.Record{"label": "Ana", "photo": "/cache-upload/images/1"}); err != nil {
		t.Fatalf("create: %v", err)
	}
	changes := mustChanges(t, service, resource.ScopeGlobal)
	localID := changes[0].LocalID

	if err := service.MarkPhotoUploaded(ctx, resource.ScopeGlobal, localID, 77); err != nil {
		t.Fatalf("mark uploaded: %v", err)
	}
	pending, err := service.PendingPhotoUploads(ctx, resource.ScopeGlobal)
	if err != nil {
		t.Fatalf("pending uploads: %v", err)
	}
	if len(pending) != 0 {
		t.Fatalf("expected no pending uploads, got %#v", pending)
	}
	if err := service.MarkPhotoUploaded(ctx, resource.ScopeGlobal, localID+100, 1); !errors.Is(err, apperr.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}

	removed, err := service.ConfirmChanges(ctx, resource.ScopeGlobal, []int64{localID, localID + 100})
	if err != nil {
		t.Fatalf("confirm: %v", err)
	}
	if removed != 1 {
		t.Fatalf("expected one removed entry, got %d", removed)
	}
	if remaining := mustChanges(t, service, resource.ScopeGlobal); len(remaining) != 0 {
		t.Fatalf("expected empty outbox, got %d", len(remaining))
	}
}
