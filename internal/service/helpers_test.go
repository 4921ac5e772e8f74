package service

import (
	"context"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"lexdesk/attachments/internal/domain"
	"lexdesk/attachments/internal/naming"
	"lexdesk/attachments/internal/repository"
	"lexdesk/attachments/internal/repository/memory"
	"lexdesk/attachments/internal/storage"
)

var (
	job42   = domain.OwnerRef{Kind: domain.OwnerJob, ID: 42}
	job43   = domain.OwnerRef{Kind: domain.OwnerJob, ID: 43}
	work7   = domain.OwnerRef{Kind: domain.OwnerWork, ID: 7}
	office1 = domain.OwnerRef{Kind: domain.OwnerOffice, ID: 1}
	office2 = domain.OwnerRef{Kind: domain.OwnerOffice, ID: 2}
	user5   = domain.OwnerRef{Kind: domain.OwnerUserProfile, ID: 5}
	temp9   = domain.OwnerRef{Kind: domain.OwnerTempUpload, ID: 9}
	job99   = domain.OwnerRef{Kind: domain.OwnerJob, ID: 99}
)

// faultyStore counts calls and injects failures into a real store.
type faultyStore struct {
	storage.ObjectStore

	mu          sync.Mutex
	puts        int
	copies      int
	deletes     int
	failPut     error
	failCopy    error
	failPresign error
	failDelete  map[string]error // by key, "*" matches every key
}

func (f *faultyStore) PutObject(ctx context.Context, key string, body io.Reader, size int64, contentType string, metadata map[string]string) error {
	f.mu.Lock()
	f.puts++
	err := f.failPut
	f.mu.Unlock()
	if err != nil {
		return err
	}
	return f.ObjectStore.PutObject(ctx, key, body, size, contentType, metadata)
}

func (f *faultyStore) CopyObject(ctx context.Context, src, dst string) error {
	f.mu.Lock()
	f.copies++
	err := f.failCopy
	f.mu.Unlock()
	if err != nil {
		return err
	}
	return f.ObjectStore.CopyObject(ctx, src, dst)
}

func (f *faultyStore) DeleteObject(ctx context.Context, key string) error {
	f.mu.Lock()
	f.deletes++
	err := f.failDelete[key]
	if err == nil {
		err = f.failDelete["*"]
	}
	f.mu.Unlock()
	if err != nil {
		return err
	}
	return f.ObjectStore.DeleteObject(ctx, key)
}

func (f *faultyStore) PresignDownload(ctx context.Context, key string, opts storage.PresignOptions) (string, error) {
	if f.failPresign != nil {
		return "", f.failPresign
	}
	return f.ObjectStore.PresignDownload(ctx, key, opts)
}

func (f *faultyStore) set(fn func(*faultyStore)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	fn(f)
}

func (f *faultyStore) counts() (puts, copies, deletes int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.puts, f.copies, f.deletes
}

// faultyRepo injects failures into a real repository.
type faultyRepo struct {
	repository.AttachmentRepository

	failCreate       error
	failDelete       error
	failUpdateLocked error
	// hideKeys makes storage key lookups miss, as when two writers both pass
	// the lookup before either has committed.
	hideKeys bool
}

func (r *faultyRepo) GetByStorageKey(ctx context.Context, key string) (*domain.Attachment, error) {
	if r.hideKeys {
		return nil, repository.ErrNotFound
	}
	return r.AttachmentRepository.GetByStorageKey(ctx, key)
}

func (r *faultyRepo) Create(ctx context.Context, a *domain.Attachment) error {
	if r.failCreate != nil {
		return r.failCreate
	}
	return r.AttachmentRepository.Create(ctx, a)
}

func (r *faultyRepo) Delete(ctx context.Context, id string) error {
	if r.failDelete != nil {
		return r.failDelete
	}
	return r.AttachmentRepository.Delete(ctx, id)
}

func (r *faultyRepo) UpdateLocked(ctx context.Context, id string, mutate func(*domain.Attachment) error) (*domain.Attachment, error) {
	if r.failUpdateLocked != nil {
		return nil, r.failUpdateLocked
	}
	return r.AttachmentRepository.UpdateLocked(ctx, id, mutate)
}

type failingAudit struct{ err error }

func (f failingAudit) Append(context.Context, *domain.AuditEntry) error { return f.err }

// incidentLog collects incidents for assertions.
type incidentLog struct {
	mu    sync.Mutex
	items []Incident
}

func (l *incidentLog) Record(_ context.Context, in Incident) {
	l.mu.Lock()
	l.items = append(l.items, in)
	l.mu.Unlock()
}

func (l *incidentLog) kinds() []IncidentKind {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]IncidentKind, 0, len(l.items))
	for _, in := range l.items {
		out = append(out, in.Kind)
	}
	return out
}

type fixture struct {
	db        *memory.DB
	mem       *storage.MemoryStorage
	store     *faultyStore
	repo      *faultyRepo
	incidents *incidentLog
	svc       AttachmentService
	transfers TransferService
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()

	db := memory.NewDB()
	for _, o := range []domain.Owner{
		{Ref: job42, TeamID: 1},
		{Ref: job43, TeamID: 1},
		{Ref: work7, TeamID: 1},
		{Ref: office1, TeamID: 1},
		{Ref: office2, TeamID: 1},
		{Ref: user5, TeamID: 1},
		{Ref: temp9, TeamID: 1},
		{Ref: job99, TeamID: 2},
	} {
		require.NoError(t, db.Owners().Upsert(ctx, o))
	}

	mem := storage.NewMemoryStorage("attachments-test")
	f := &fixture{
		db:        db,
		mem:       mem,
		store:     &faultyStore{ObjectStore: mem},
		repo:      &faultyRepo{AttachmentRepository: db.Attachments()},
		incidents: &incidentLog{},
	}
	keys := naming.NewGenerator("test", naming.WithClock(func() time.Time {
		return time.Date(2026, 3, 14, 9, 26, 53, 0, time.UTC)
	}))
	log := zap.NewNop()
	f.svc = NewAttachmentService(f.repo, db.Owners(), f.store, keys, log,
		WithIncidentRecorder(f.incidents),
		WithPresignExpiry(5*time.Minute),
	)
	f.transfers = NewTransferService(f.svc, f.repo, db, db.Audit(), log,
		WithTransferIncidents(f.incidents),
	)
	return f
}

func (f *fixture) upload(t *testing.T, owner domain.OwnerRef, filename, content string) *domain.Attachment {
	t.Helper()
	a, err := f.svc.Upload(context.Background(), UploadRequest{
		Payload: Payload{Body: strings.NewReader(content), Filename: filename},
		Owner:   &owner,
	})
	require.NoError(t, err)
	return a
}

// logo uploads a logo for an office. The fixture clock is fixed, so every logo
// of the same office gets the same key.
func (f *fixture) logo(t *testing.T, owner domain.OwnerRef, content string) *domain.Attachment {
	t.Helper()
	a, err := f.svc.Upload(context.Background(), UploadRequest{
		Payload:  Payload{Body: strings.NewReader(content), Filename: "logo.png"},
		Owner:    &owner,
		FileType: domain.FileTypeLogo,
	})
	require.NoError(t, err)
	return a
}

func (f *fixture) read(t *testing.T, key string) string {
	t.Helper()
	b, err := storage.Download(context.Background(), f.mem, key)
	require.NoError(t, err)
	return string(b)
}
