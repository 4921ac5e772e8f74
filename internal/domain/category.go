package domain

import "fmt"

// File types name the storage path segment of an upload.
const (
	FileTypeLogo           = "logo"
	FileTypeAvatar         = "avatar"
	FileTypeSocialContract = "social_contract"
	FileTypeAttachment     = "attachment"
	FileTypeDocument       = "document"
)

// Categories are the persisted classification of an attachment.
const (
	CategoryLogo            = "logo"
	CategorySocialContract  = "social_contract"
	CategoryOfficeDocument  = "office_document"
	CategoryAvatar          = "avatar"
	CategoryProfileDocument = "profile_document"
	CategoryJobAttachment   = "job_attachment"
	CategoryWorkAttachment  = "work_attachment"
	CategoryTempUpload      = "temp_upload"
)

// IsSingularFileType reports whether an owner holds at most one current file
// of this type. Keys for singular types carry no random suffix.
func IsSingularFileType(fileType string) bool {
	return fileType == FileTypeLogo || fileType == FileTypeAvatar
}

// DefaultExtension is used when neither the caller nor the filename supply one.
func DefaultExtension(fileType string) string {
	switch fileType {
	case FileTypeLogo:
		return "png"
	case FileTypeAvatar:
		return "jpg"
	case FileTypeSocialContract:
		return "pdf"
	default:
		return "bin"
	}
}

// DetectCategory derives the category from the owner kind and file type.
func DetectCategory(kind OwnerKind, fileType string) (string, error) {
	switch kind {
	case OwnerOffice:
		switch fileType {
		case FileTypeLogo:
			return CategoryLogo, nil
		case FileTypeSocialContract:
			return CategorySocialContract, nil
		default:
			return CategoryOfficeDocument, nil
		}
	case OwnerUserProfile:
		if fileType == FileTypeAvatar {
			return CategoryAvatar, nil
		}
		return CategoryProfileDocument, nil
	case OwnerJob:
		return CategoryJobAttachment, nil
	case OwnerWork:
		return CategoryWorkAttachment, nil
	case OwnerTempUpload:
		return CategoryTempUpload, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnsupportedOwnerKind, string(kind))
	}
}

// reservedCategories maps categories that only make sense on one owner kind.
var reservedCategories = map[string]OwnerKind{
	CategoryLogo:           OwnerOffice,
	CategorySocialContract: OwnerOffice,
	CategoryAvatar:         OwnerUserProfile,
}

// ReservedOwnerKind returns the only kind allowed to hold category, if any.
func ReservedOwnerKind(category string) (OwnerKind, bool) {
	k, ok := reservedCategories[category]
	return k, ok
}

// CategoryAllowedOn reports whether an attachment of category may live on an owner of kind.
func CategoryAllowedOn(category string, kind OwnerKind) bool {
	if !kind.Valid() {
		return false
	}
	if reserved, ok := reservedCategories[category]; ok {
		return reserved == kind
	}
	return true
}
