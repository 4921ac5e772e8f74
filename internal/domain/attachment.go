package domain

import (
	"time"
)

// Transfer metadata keys recorded when an attachment changes owner.
const (
	TransferKeyPreviousOwnerType = "previous_owner_type"
	TransferKeyPreviousOwnerID   = "previous_owner_id"
	TransferKeyPreviousKey       = "previous_storage_key"
	TransferKeyReason            = "reason"
)

// Attachment is the metadata record of a stored object. The bytes live in
// the object store under StorageKey.
type Attachment struct {
	ID               string            `bson:"_id" json:"id"`
	OwnerType        OwnerKind         `bson:"ownerType" json:"ownerType"`
	OwnerID          int64             `bson:"ownerId" json:"ownerId"`
	StorageKey       string            `bson:"storageKey" json:"storageKey"`
	Filename         string            `bson:"filename" json:"filename"`
	ContentType      string            `bson:"contentType" json:"contentType"`
	ByteSize         int64             `bson:"byteSize" json:"byteSize"`
	Checksum         string            `bson:"checksum" json:"checksum"`
	CreatedBySystem  bool              `bson:"createdBySystem" json:"createdBySystem"`
	Category         string            `bson:"category" json:"category"`
	Description      string            `bson:"description,omitempty" json:"description,omitempty"`
	CustomMetadata   map[string]string `bson:"customMetadata,omitempty" json:"customMetadata,omitempty"`
	UploadedBy       string            `bson:"uploadedBy,omitempty" json:"uploadedBy,omitempty"` // Empty for system uploads
	UploadedAt       time.Time         `bson:"uploadedAt" json:"uploadedAt"`
	ExpiresAt        *time.Time        `bson:"expiresAt,omitempty" json:"expiresAt,omitempty"`
	TransferredAt    *time.Time        `bson:"transferredAt,omitempty" json:"transferredAt,omitempty"`
	TransferredBy    string            `bson:"transferredBy,omitempty" json:"transferredBy,omitempty"`
	TransferMetadata map[string]string `bson:"transferMetadata,omitempty" json:"transferMetadata,omitempty"`
	Version          int64             `bson:"version" json:"-"`
	CreatedAt        time.Time         `bson:"createdAt" json:"createdAt"`
	UpdatedAt        time.Time         `bson:"updatedAt" json:"updatedAt"`
}

// Owner returns the typed owner reference.
func (a *Attachment) Owner() OwnerRef {
	return OwnerRef{Kind: a.OwnerType, ID: a.OwnerID}
}

// SetOwner points the record at a new owner.
func (a *Attachment) SetOwner(ref OwnerRef) {
	a.OwnerType = ref.Kind
	a.OwnerID = ref.ID
}

// Persisted reports whether the record has been stored in the metadata repository.
func (a *Attachment) Persisted() bool {
	return a.ID != ""
}

// Clone returns a deep copy, including maps and time pointers.
func (a *Attachment) Clone() *Attachment {
	if a == nil {
		return nil
	}
	c := *a
	c.CustomMetadata = cloneMap(a.CustomMetadata)
	c.TransferMetadata = cloneMap(a.TransferMetadata)
	c.ExpiresAt = cloneTime(a.ExpiresAt)
	c.TransferredAt = cloneTime(a.TransferredAt)
	return &c
}

func cloneMap(m map[string]string) map[string]string {
	if m == nil {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

// AuditEntry records a business operation performed on an attachment.
type AuditEntry struct {
	ID           string            `bson:"_id" json:"id"`
	Action       string            `bson:"action" json:"action"`
	AttachmentID string            `bson:"attachmentId" json:"attachmentId"`
	ActorID      string            `bson:"actorId" json:"actorId"`
	Details      map[string]string `bson:"details,omitempty" json:"details,omitempty"`
	CreatedAt    time.Time         `bson:"createdAt" json:"createdAt"`
}

// Audit actions.
const (
	AuditActionTransfer = "attachment.transfer"
)
