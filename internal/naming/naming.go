// Package naming builds storage keys for attachments.
//
// Keys have the shape
//
//	<env>/team-<team>/<owner_plural>/<owner_id>/<file_type>/<file_type>-<ts>[-<hex>].<ext>
//
// and are scoped by tenant so that two teams can never collide.
package naming

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"
	"time"

	"lexdesk/attachments/internal/domain"
)

var (
	ErrMissingTenant      = errors.New("owner is not associated to a team")
	ErrMissingEnvironment = errors.New("storage environment is not configured")
)

const (
	timestampLayout = "20060102150405"
	suffixBytes     = 4
)

// KeyRequest describes the object a key is generated for.
type KeyRequest struct {
	Owner     domain.Owner
	FileType  string // Defaults to domain.FileTypeAttachment
	Filename  string // Optional, used for the extension
	Extension string // Optional, wins over the filename extension
}

// Generator produces storage keys. Safe for concurrent use.
type Generator struct {
	env  string
	now  func() time.Time
	rand io.Reader
}

// Option customises a Generator.
type Option func(*Generator)

// WithClock replaces the time source.
func WithClock(now func() time.Time) Option {
	return func(g *Generator) { g.now = now }
}

// WithRandom replaces the random source used for key suffixes.
func WithRandom(r io.Reader) Option {
	return func(g *Generator) { g.rand = r }
}

// NewGenerator creates a generator for the given deployment environment.
func NewGenerator(env string, opts ...Option) *Generator {
	g := &Generator{
		env:  strings.Trim(strings.TrimSpace(env), "/"),
		now:  time.Now,
		rand: rand.Reader,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Generate returns a new key for req.
func (g *Generator) Generate(req KeyRequest) (string, error) {
	if g.env == "" {
		return "", ErrMissingEnvironment
	}
	plural, err := req.Owner.Ref.Kind.Plural()
	if err != nil {
		return "", err
	}
	if req.Owner.TeamID <= 0 {
		return "", fmt.Errorf("%w: %s", ErrMissingTenant, req.Owner.Ref)
	}

	fileType := sanitizeSegment(req.FileType)
	if fileType == "" {
		fileType = domain.FileTypeAttachment
	}

	name := fileType + "-" + g.now().UTC().Format(timestampLayout)
	if !domain.IsSingularFileType(fileType) {
		suffix, err := g.suffix()
		if err != nil {
			return "", err
		}
		name += "-" + suffix
	}
	name += "." + resolveExtension(req.Extension, req.Filename, fileType)

	return path.Join(
		g.env,
		fmt.Sprintf("team-%d", req.Owner.TeamID),
		plural,
		fmt.Sprintf("%d", req.Owner.Ref.ID),
		fileType,
		name,
	), nil
}

func (g *Generator) suffix() (string, error) {
	buf := make([]byte, suffixBytes)
	if _, err := io.ReadFull(g.rand, buf); err != nil {
		return "", fmt.Errorf("read random suffix: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

func resolveExtension(explicit, filename, fileType string) string {
	if ext := sanitizeExtension(explicit); ext != "" {
		return ext
	}
	if ext := sanitizeExtension(path.Ext(filename)); ext != "" {
		return ext
	}
	return domain.DefaultExtension(fileType)
}

func sanitizeExtension(ext string) string {
	ext = strings.ToLower(strings.TrimPrefix(strings.TrimSpace(ext), "."))
	var b strings.Builder
	for _, r := range ext {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
		}
	}
	return b.String()
}

func sanitizeSegment(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	var b strings.Builder
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '_':
			b.WriteRune(r)
		case r == '-' || r == ' ':
			b.WriteRune('_')
		}
	}
	return b.String()
}

// FileTypeFromKey returns the file type segment of a generated key, or
// domain.FileTypeAttachment when the key does not follow the layout.
func FileTypeFromKey(key string) string {
	parts := strings.Split(strings.Trim(key, "/"), "/")
	if len(parts) < 2 {
		return domain.FileTypeAttachment
	}
	fileType := parts[len(parts)-2]
	if !strings.HasPrefix(parts[len(parts)-1], fileType+"-") {
		return domain.FileTypeAttachment
	}
	return fileType
}

// ExtensionFromKey returns the extension of the key's final segment without the dot.
func ExtensionFromKey(key string) string {
	return sanitizeExtension(path.Ext(key))
}

// KeyEmbedsOwner reports whether key contains the owner's "<plural>/<id>/" segment.
func KeyEmbedsOwner(key string, ref domain.OwnerRef) bool {
	plural, err := ref.Kind.Plural()
	if err != nil {
		return false
	}
	return strings.Contains("/"+key, fmt.Sprintf("/%s/%d/", plural, ref.ID))
}

// OwnerPrefix returns the directory every key generated for owner starts with,
// including the trailing slash.
func (g *Generator) OwnerPrefix(owner domain.Owner) (string, error) {
	if g.env == "" {
		return "", ErrMissingEnvironment
	}
	plural, err := owner.Ref.Kind.Plural()
	if err != nil {
		return "", err
	}
	if owner.TeamID <= 0 {
		return "", fmt.Errorf("%w: %s", ErrMissingTenant, owner.Ref)
	}
	return fmt.Sprintf("%s/team-%d/%s/%d/", g.env, owner.TeamID, plural, owner.Ref.ID), nil
}
