package database

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/yorukot/filevault/internal/models"
	"gorm.io/gorm"
)

// ErrNotFound is returned when no record matches
var ErrNotFound = errors.New("record not found")

// Records is the durable store of file metadata
type Records struct {
	db *gorm.DB
}

// NewRecords creates a record store on top of db
func NewRecords(db *gorm.DB) *Records {
	return &Records{db: db}
}

// MetadataUpdate carries the user-editable fields; nil means unchanged
type MetadataUpdate struct {
	DisplayName *string
	Comment     *string
}

// Create inserts a new record. This is the commit point of an upload.
func (r *Records) Create(ctx context.Context, rec *models.FileRecord) error {
	if err := r.db.WithContext(ctx).Create(rec).Error; err != nil {
		return fmt.Errorf("failed to create file record: %w", err)
	}
	return nil
}

// Get retrieves a record by ID
func (r *Records) Get(ctx context.Context, id string) (*models.FileRecord, error) {
	var rec models.FileRecord
	if err := r.db.WithContext(ctx).Where("id = ?", id).First(&rec).Error; err != nil {
		return nil, mapError(err)
	}
	return &rec, nil
}

// GetByShareToken retrieves the record a share token points at
func (r *Records) GetByShareToken(ctx context.Context, token string) (*models.FileRecord, error) {
	var rec models.FileRecord
	if err := r.db.WithContext(ctx).Where("share_token = ?", token).First(&rec).Error; err != nil {
		return nil, mapError(err)
	}
	return &rec, nil
}

// ListByOwner returns every record of ownerID, newest first
func (r *Records) ListByOwner(ctx context.Context, ownerID string) ([]models.FileRecord, error) {
	files := []models.FileRecord{}
	if err := r.db.WithContext(ctx).
		Where("owner_id = ?", ownerID).
		Order("uploaded_at DESC").
		Find(&files).Error; err != nil {
		return nil, fmt.Errorf("failed to list file records: %w", err)
	}
	return files, nil
}

// UpdateMetadata writes the non-nil fields, bumps updated_at and returns the fresh record
func (r *Records) UpdateMetadata(ctx context.Context, id string, upd MetadataUpdate) (*models.FileRecord, error) {
	updates := make(map[string]interface{})
	if upd.DisplayName != nil {
		updates["display_name"] = *upd.DisplayName
	}
	if upd.Comment != nil {
		updates["comment"] = *upd.Comment
	}

	if len(updates) > 0 {
		res := r.db.WithContext(ctx).Model(&models.FileRecord{ID: id}).Updates(updates)
		if res.Error != nil {
			return nil, fmt.Errorf("failed to update file record: %w", res.Error)
		}
		if res.RowsAffected == 0 {
			return nil, ErrNotFound
		}
	}

	return r.Get(ctx, id)
}

// TouchDownloaded records a successful download without bumping updated_at
func (r *Records) TouchDownloaded(ctx context.Context, id string, at time.Time) error {
	res := r.db.WithContext(ctx).Model(&models.FileRecord{}).
		Where("id = ?", id).
		UpdateColumn("last_downloaded_at", at)
	if res.Error != nil {
		return fmt.Errorf("failed to update download time: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// SetShareTokenIfEmpty stores token only when the record has none yet and
// returns whichever token the record holds afterwards. The conditional
// update runs in a write-locked transaction, so concurrent callers agree
// on a single token.
func (r *Records) SetShareTokenIfEmpty(ctx context.Context, id, token string) (string, error) {
	var current string
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&models.FileRecord{}).
			Where("id = ? AND share_token IS NULL", id).
			UpdateColumn("share_token", token)
		if res.Error != nil {
			return res.Error
		}

		var rec models.FileRecord
		if err := tx.Select("id", "share_token").Where("id = ?", id).First(&rec).Error; err != nil {
			return err
		}
		if rec.ShareToken == nil {
			return errors.New("share token missing after conditional update")
		}
		current = *rec.ShareToken
		return nil
	})
	if err != nil {
		return "", mapError(err)
	}
	return current, nil
}

// ReplaceShareToken overwrites the token unconditionally; nil revokes sharing
func (r *Records) ReplaceShareToken(ctx context.Context, id string, token *string) error {
	res := r.db.WithContext(ctx).Model(&models.FileRecord{}).
		Where("id = ?", id).
		UpdateColumn("share_token", token)
	if res.Error != nil {
		return fmt.Errorf("failed to replace share token: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// Delete removes a record permanently
func (r *Records) Delete(ctx context.Context, id string) error {
	res := r.db.WithContext(ctx).Where("id = ?", id).Delete(&models.FileRecord{})
	if res.Error != nil {
		return fmt.Errorf("failed to delete file record: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// StoredPaths returns the set of every stored path referenced by a record
func (r *Records) StoredPaths(ctx context.Context) (map[string]bool, error) {
	var paths []string
	if err := r.db.WithContext(ctx).Model(&models.FileRecord{}).Pluck("stored_path", &paths).Error; err != nil {
		return nil, fmt.Errorf("failed to load stored paths: %w", err)
	}

	set := make(map[string]bool, len(paths))
	for _, p := range paths {
		set[p] = true
	}
	return set, nil
}

func mapError(err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrNotFound
	}
	return err
}
