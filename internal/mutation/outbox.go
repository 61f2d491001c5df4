package mutation

import (
	"context"

	"github.com/MarcoPoloResearchLab/fieldcare/internal/resource"
	"github.com/MarcoPoloResearchLab/fieldcare/internal/store"
	"go.uber.org/zap"
)

// ListChanges returns outbox entries of scope in creation order.
func (s *Service) ListChanges(ctx context.Context, scope resource.Scope, after int64, limit int, shard string) ([]store.Change, error) {
	changes, err := s.store.View(ctx).Changes(scope, after, limit, shard)
	if err != nil {
		s.logError(opOutbox, "list_failed", err, zap.String("scope", scope.String()))
		return nil, newServiceError(opOutbox, "list_failed", err)
	}
	return changes, nil
}

// ConfirmChanges drops entries the uploader has delivered and reports how many were removed.
func (s *Service) ConfirmChanges(ctx context.Context, scope resource.Scope, localIDs []int64) (int64, error) {
	var removed int64
	err := s.store.Transaction(ctx, func(tx *store.Tx) error {
		var err error
		removed, err = tx.DeleteChanges(scope, localIDs)
		return err
	})
	if err != nil {
		s.logError(opOutbox, "confirm_failed", err, zap.String("scope", scope.String()))
		return 0, newServiceError(opOutbox, "confirm_failed", err)
	}
	s.logger.Debug("outbox entries confirmed", zap.String("scope", scope.String()), zap.Int64("removed", removed))
	return removed, nil
}

// PendingPhotoUploads lists upload obligations of scope that are not synced yet.
func (s *Service) PendingPhotoUploads(ctx context.Context, scope resource.Scope) ([]store.PhotoUpload, error) {
	uploads, err := s.store.View(ctx).PendingPhotoUploads(scope)
	if err != nil {
		s.logError(opOutbox, "photo_list_failed", err, zap.String("scope", scope.String()))
		return nil, newServiceError(opOutbox, "photo_list_failed", err)
	}
	return uploads, nil
}

// MarkPhotoUploaded records the remote file id of an uploaded photo.
func (s *Service) MarkPhotoUploaded(ctx context.Context, scope resource.Scope, localID, fileID int64) error {
	err := s.store.Transaction(ctx, func(tx *store.Tx) error {
		return tx.MarkPhotoUploaded(scope, localID, fileID)
	})
	if err != nil {
		return newServiceError(opOutbox, "photo_mark_failed", err)
	}
	return nil
}
