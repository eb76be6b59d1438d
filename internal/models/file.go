package models

import (
	"time"
)

// FileRecord represents a stored file owned by exactly one user
type FileRecord struct {
	ID        string    `gorm:"primaryKey;size:36" json:"id"`
	OwnerID   string    `gorm:"index;not null" json:"owner_id"`
	UpdatedAt time.Time `json:"updated_at"`

	// File metadata
	StoredPath   string `gorm:"uniqueIndex;not null" json:"-"`          // Sandbox-relative key, never exposed
	OriginalName string `gorm:"size:255;not null" json:"original_name"` // Client filename at upload time
	DisplayName  string `gorm:"size:255;not null" json:"name"`          // User-facing label
	Comment      string `gorm:"size:1024;not null" json:"comment"`      // Free text
	Size         int64  `gorm:"not null" json:"size"`                   // Bytes actually persisted
	MediaType    string `gorm:"not null" json:"content_type"`           // Detected at upload

	UploadedAt       time.Time  `gorm:"autoCreateTime;not null" json:"uploaded_at"`
	LastDownloadedAt *time.Time `json:"last_downloaded_at"`

	// Public sharing capability, minted lazily
	ShareToken *string `gorm:"uniqueIndex;size:32" json:"share_token,omitempty"`
}

// IsShared checks if a share token has been minted
func (f *FileRecord) IsShared() bool {
	return f.ShareToken != nil && *f.ShareToken != ""
}
