// Package mutation applies local writes to entities and records each of them
// in the outbox, together with any photo upload the write obliges.
package mutation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/MarcoPoloResearchLab/fieldcare/internal/apperr"
	"github.com/MarcoPoloResearchLab/fieldcare/internal/attachments"
	"github.com/MarcoPoloResearchLab/fieldcare/internal/changefeed"
	"github.com/MarcoPoloResearchLab/fieldcare/internal/resource"
	"github.com/MarcoPoloResearchLab/fieldcare/internal/sharding"
	"github.com/MarcoPoloResearchLab/fieldcare/internal/store"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
)

var (
	errMissingStore      = errors.New("store is required")
	errMissingIDProvider = errors.New("id provider is required")
	noOpLogger           = zap.NewNop()
)

var mutationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "fieldcare_mutations_total",
	Help: "Local entity writes by operation and scope.",
}, []string{"operation", "scope"})

type ServiceError struct {
	code string
	err  error
}

func (e *ServiceError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *ServiceError) Unwrap() error {
	return e.err
}

func (e *ServiceError) Code() string {
	return e.code
}

const (
	opServiceNew = "mutation.service.new"
	opCreate     = "mutation.create"
	opReplace    = "mutation.replace"
	opPatch      = "mutation.patch"
	opSoftDelete = "mutation.soft_delete"
	opIngest     = "mutation.ingest"
	opOutbox     = "mutation.outbox"
)

func newServiceError(operation, reason string, cause error) error {
	code := fmt.Sprintf("%s.%s", operation, reason)
	return &ServiceError{code: code, err: cause}
}

// IDProvider issues identifiers for new entities.
type IDProvider interface {
	NewID() (string, error)
}

type Config struct {
	Store      *store.Store
	IDProvider IDProvider
	Clock      func() time.Time
	Publisher  changefeed.Publisher
	// LocalPhoto reports whether a photo reference must be uploaded by the sync driver.
	LocalPhoto func(string) bool
	Logger     *zap.Logger
}

type Service struct {
	store      *store.Store
	idProvider IDProvider
	clock      func() time.Time
	publisher  changefeed.Publisher
	localPhoto func(string) bool
	logger     *zap.Logger
}

func NewService(cfg Config) (*Service, error) {
	if cfg.Store == nil {
		return nil, newServiceError(opServiceNew, "missing_store", errMissingStore)
	}
	if cfg.IDProvider == nil {
		return nil, newServiceError(opServiceNew, "missing_id_provider", errMissingIDProvider)
	}

	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	publisher := cfg.Publisher
	if publisher == nil {
		publisher = changefeed.Discard
	}
	localPhoto := cfg.LocalPhoto
	if localPhoto == nil {
		localPhoto = attachments.IsLocalURL
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}

	return &Service{
		store:      cfg.Store,
		idProvider: cfg.IDProvider,
		clock:      clock,
		publisher:  publisher,
		localPhoto: localPhoto,
		logger:     logger,
	}, nil
}

// Create stores a new published entity of kind and logs it as a POST.
func (s *Service) Create(ctx context.Context, kind resource.Kind, payload store.Record) (store.Record, error) {
	scope, err := entityScope(kind)
	if err != nil {
		return nil, newServiceError(opCreate, "unsupported_kind", err)
	}
	id, err := s.idProvider.NewID()
	if err != nil {
		s.logError(opCreate, "id_generation_failed", err, zap.String("type", kind.String()))
		return nil, newServiceError(opCreate, "id_generation_failed", err)
	}

	record := payload.Clone()
	record["uuid"] = id
	record["type"] = kind.String()
	record["status"] = store.StatusPublished
	// The authority assigns vid and shard; local creates start from neither.
	record["vid"] = int64(0)
	delete(record, "shard")

	err = s.store.Transaction(ctx, func(tx *store.Tx) error {
		shard, err := s.assignShard(tx, scope, record, "")
		if err != nil {
			return err
		}
		if err := tx.InsertEntity(scope, record); err != nil {
			return err
		}
		_, err = s.appendChange(tx, scope, kind, id, store.MethodPost, record, shard)
		return err
	})
	if err != nil {
		s.logError(opCreate, "transaction_failed", err, zap.String("type", kind.String()), zap.String("uuid", id))
		return nil, newServiceError(opCreate, "transaction_failed", err)
	}

	s.written(opCreate, scope, id)
	return record, nil
}

// Replace overwrites the entity uuid with payload and logs the result as a POST.
// The stored shard and a higher stored vid survive the overwrite.
func (s *Service) Replace(ctx context.Context, kind resource.Kind, uuid string, payload store.Record) (store.Record, error) {
	scope, err := entityScope(kind)
	if err != nil {
		return nil, newServiceError(opReplace, "unsupported_kind", err)
	}

	record := payload.Clone()
	record["uuid"] = uuid
	record["type"] = kind.String()

	err = s.store.Transaction(ctx, func(tx *store.Tx) error {
		existing, err := tx.Entity(scope, uuid)
		switch {
		case errors.Is(err, apperr.ErrNotFound):
			existing = nil
		case err != nil:
			return err
		case existing.String("type") != kind.String():
			return apperr.BadRequestf("entity %s is a %s, not a %s", uuid, existing.String("type"), kind)
		}

		record["vid"] = max(existing.Int64("vid"), record.Int64("vid"))
		shard, err := s.assignShard(tx, scope, record, existing.String("shard"))
		if err != nil {
			return err
		}
		if err := tx.PutEntity(scope, record); err != nil {
			return err
		}
		_, err = s.appendChange(tx, scope, kind, uuid, store.MethodPost, record, shard)
		return err
	})
	if err != nil {
		s.logError(opReplace, "transaction_failed", err, zap.String("type", kind.String()), zap.String("uuid", uuid))
		return nil, newServiceError(opReplace, "transaction_failed", err)
	}

	s.written(opReplace, scope, uuid)
	return record, nil
}

// Patch merges partial into the stored entity and logs the partial payload as a PATCH.
func (s *Service) Patch(ctx context.Context, kind resource.Kind, uuid string, partial store.Record) (store.Record, error) {
	scope, err := entityScope(kind)
	if err != nil {
		return nil, newServiceError(opPatch, "unsupported_kind", err)
	}

	var updated store.Record
	err = s.store.Transaction(ctx, func(tx *store.Tx) error {
		existing, err := s.loadOfKind(tx, scope, kind, uuid)
		if err != nil {
			return err
		}

		merged := existing.Merge(partial)
		merged["uuid"] = uuid
		merged["type"] = kind.String()
		merged["vid"] = max(existing.Int64("vid"), partial.Int64("vid"))
		if scope == resource.ScopeShard && existing.String("shard") != "" {
			merged["shard"] = existing.String("shard")
		}
		if err := tx.PutEntity(scope, merged); err != nil {
			return err
		}

		updated, err = tx.Entity(scope, uuid)
		if err != nil {
			return err
		}
		shard := ""
		if scope == resource.ScopeShard {
			shard = updated.String("shard")
		}
		_, err = s.appendChange(tx, scope, kind, uuid, store.MethodPatch, partial, shard)
		return err
	})
	if err != nil {
		s.logError(opPatch, "transaction_failed", err, zap.String("type", kind.String()), zap.String("uuid", uuid))
		return nil, newServiceError(opPatch, "transaction_failed", err)
	}

	s.written(opPatch, scope, uuid)
	return updated, nil
}

// SoftDelete marks the entity unpublished. Soft deletes are not logged to the outbox.
func (s *Service) SoftDelete(ctx context.Context, kind resource.Kind, uuid string) error {
	scope, err := entityScope(kind)
	if err != nil {
		return newServiceError(opSoftDelete, "unsupported_kind", err)
	}

	err = s.store.Transaction(ctx, func(tx *store.Tx) error {
		existing, err := s.loadOfKind(tx, scope, kind, uuid)
		if err != nil {
			return err
		}
		existing["status"] = store.StatusUnpublished
		return tx.PutEntity(scope, existing)
	})
	if err != nil {
		s.logError(opSoftDelete, "transaction_failed", err, zap.String("type", kind.String()), zap.String("uuid", uuid))
		return newServiceError(opSoftDelete, "transaction_failed", err)
	}
	mutationsTotal.WithLabelValues(opSoftDelete, scope.String()).Inc()
	return nil
}

func (s *Service) loadOfKind(tx *store.Tx, scope resource.Scope, kind resource.Kind, uuid string) (store.Record, error) {
	existing, err := tx.Entity(scope, uuid)
	if err != nil {
		return nil, err
	}
	if existing.String("type") != kind.String() {
		return nil, apperr.NotFoundf("could not find %s %s", kind, uuid)
	}
	return existing, nil
}

// assignShard sets the owning authority of shard-scoped records: the stored
// shard first, then the one carried by the payload, then the resolved one.
// Create strips the payload shard before calling it.
func (s *Service) assignShard(tx *store.Tx, scope resource.Scope, record store.Record, stored string) (string, error) {
	if scope != resource.ScopeShard {
		return "", nil
	}
	shard := stored
	if shard == "" {
		shard = record.String("shard")
	}
	if shard == "" {
		resolved, err := sharding.Resolve(tx, record)
		if err != nil {
			return "", err
		}
		shard = resolved
	}
	record["shard"] = shard
	return shard, nil
}

// appendChange logs one outbox entry and, when its payload references a
// locally captured photo, the upload obligation keyed to it.
func (s *Service) appendChange(tx *store.Tx, scope resource.Scope, kind resource.Kind, uuid, method string, data store.Record, shard string) (int64, error) {
	change := store.Change{
		Type:      kind.String(),
		UUID:      uuid,
		Method:    method,
		Timestamp: s.clock().UnixMilli(),
		Shard:     shard,
	}
	localID, err := tx.AppendChange(scope, change, data)
	if err != nil {
		return 0, err
	}

	photo := data.String("photo")
	if photo == "" || !s.localPhoto(photo) {
		return localID, nil
	}
	created, err := tx.AddPhotoUpload(scope, store.PhotoUpload{LocalID: localID, UUID: uuid, Photo: photo})
	if err != nil {
		return 0, err
	}
	if !created {
		s.logger.Debug("photo upload already recorded", zap.Int64("local_id", localID), zap.String("uuid", uuid))
	}
	return localID, nil
}

func (s *Service) written(operation string, scope resource.Scope, uuid string) {
	mutationsTotal.WithLabelValues(operation, scope.String()).Inc()
	s.publisher.Publish(changefeed.Event{
		Type:      changefeed.EventOutboxChanged,
		Scope:     scope.String(),
		UUIDs:     []string{uuid},
		Timestamp: s.clock().UTC(),
	})
}

func entityScope(kind resource.Kind) (resource.Scope, error) {
	switch scope := kind.Scope(); scope {
	case resource.ScopeGlobal, resource.ScopeShard:
		return scope, nil
	case 0:
		return 0, apperr.NotFoundf("unknown type %q", kind)
	default:
		return 0, apperr.BadRequestf("type %s is not an entity", kind)
	}
}

func (s *Service) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	s.logger.Error("mutation service error", attrs...)
}
