package models

import "time"

// Attachment is a file linked to a permit, such as a gas test record or a
// photo of the work area. Blobs live on disk; this row is the metadata.
type Attachment struct {
	ID          string    `db:"id" json:"id"`
	PermitID    string    `db:"permit_id" json:"permit_id"`
	FileName    string    `db:"file_name" json:"file_name"`
	ContentType string    `db:"content_type" json:"content_type"`
	SizeBytes   int64     `db:"size_bytes" json:"size_bytes"`
	BlobPath    string    `db:"blob_path" json:"-"`
	UploadedBy  string    `db:"uploaded_by" json:"uploaded_by"`
	CreatedAt   time.Time `db:"created_at" json:"created_at"`
}
