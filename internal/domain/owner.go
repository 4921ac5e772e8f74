package domain

import (
	"errors"
	"fmt"
	"strings"
)

// ErrUnsupportedOwnerKind is returned for any owner kind outside the closed set below.
var ErrUnsupportedOwnerKind = errors.New("unsupported owner kind")

// OwnerKind identifies the type of business entity an attachment belongs to.
type OwnerKind string

const (
	OwnerOffice      OwnerKind = "Office"
	OwnerUserProfile OwnerKind = "UserProfile"
	OwnerJob         OwnerKind = "Job"
	OwnerWork        OwnerKind = "Work"
	OwnerTempUpload  OwnerKind = "TempUpload" // Staging area for uploads not yet bound to a real owner
)

// AllOwnerKinds returns every supported owner kind.
func AllOwnerKinds() []OwnerKind {
	return []OwnerKind{OwnerOffice, OwnerUserProfile, OwnerJob, OwnerWork, OwnerTempUpload}
}

// Plural returns the path segment used for this kind in storage keys.
func (k OwnerKind) Plural() (string, error) {
	switch k {
	case OwnerOffice:
		return "offices", nil
	case OwnerUserProfile:
		return "user_profiles", nil
	case OwnerJob:
		return "jobs", nil
	case OwnerWork:
		return "works", nil
	case OwnerTempUpload:
		return "temp_uploads", nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnsupportedOwnerKind, string(k))
	}
}

// Valid reports whether k is one of the supported kinds.
func (k OwnerKind) Valid() bool {
	_, err := k.Plural()
	return err == nil
}

// AcceptsTransfers reports whether attachments may be reassigned to an owner of this kind.
// Temp uploads are a source for transfers, never a destination.
func (k OwnerKind) AcceptsTransfers() bool {
	switch k {
	case OwnerOffice, OwnerUserProfile, OwnerJob, OwnerWork:
		return true
	default:
		return false
	}
}

// ParseOwnerKind accepts the canonical name ("UserProfile"), snake case
// ("user_profile") or the plural path form ("user_profiles").
func ParseOwnerKind(s string) (OwnerKind, error) {
	norm := strings.ToLower(strings.TrimSpace(s))
	norm = strings.ReplaceAll(norm, "-", "_")
	for _, k := range AllOwnerKinds() {
		plural, _ := k.Plural()
		if norm == strings.ToLower(string(k)) || norm == plural || norm == strings.TrimSuffix(plural, "s") {
			return k, nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrUnsupportedOwnerKind, s)
}

// OwnerRef is a typed reference to an owning entity.
type OwnerRef struct {
	Kind OwnerKind `json:"ownerType" bson:"ownerType"`
	ID   int64     `json:"ownerId" bson:"ownerId"`
}

func (r OwnerRef) String() string {
	return fmt.Sprintf("%s#%d", r.Kind, r.ID)
}

// IsZero reports whether the reference is unset.
func (r OwnerRef) IsZero() bool {
	return r.Kind == "" && r.ID == 0
}

// Owner is a resolved owning entity together with the tenant (team) it belongs to.
// TeamID is zero when the entity has not been associated to a team yet.
type Owner struct {
	Ref    OwnerRef `json:"ref" bson:"ref"`
	TeamID int64    `json:"teamId" bson:"teamId"`
}
