package service

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"io"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"lexdesk/attachments/internal/apperrors"
	"lexdesk/attachments/internal/domain"
	"lexdesk/attachments/internal/repository"
	"lexdesk/attachments/internal/storage"
)

func sha(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}

func TestUploadStoresObjectThenMetadata(t *testing.T) {
	f := newFixture(t)

	a := f.upload(t, job42, "report.pdf", "%PDF-1.7 quarterly report")

	assert.NotEmpty(t, a.ID)
	assert.Equal(t, job42, a.Owner())
	assert.True(t, strings.HasPrefix(a.StorageKey, "test/team-1/jobs/42/attachment/attachment-20260314092653-"), a.StorageKey)
	assert.True(t, strings.HasSuffix(a.StorageKey, ".pdf"))
	assert.Equal(t, "report.pdf", a.Filename)
	assert.Equal(t, "application/pdf", a.ContentType)
	assert.Equal(t, domain.CategoryJobAttachment, a.Category)
	assert.Equal(t, sha("%PDF-1.7 quarterly report"), a.Checksum)
	assert.EqualValues(t, len("%PDF-1.7 quarterly report"), a.ByteSize)
	assert.False(t, a.UploadedAt.IsZero())

	assert.Equal(t, "%PDF-1.7 quarterly report", f.read(t, a.StorageKey))
	stored, err := f.svc.Get(context.Background(), a.ID)
	require.NoError(t, err)
	assert.Equal(t, a.StorageKey, stored.StorageKey)
}

func TestUploadSniffsContentTypeWithoutHints(t *testing.T) {
	f := newFixture(t)
	png := "\x89PNG\r\n\x1a\n\x00\x00\x00\rIHDR"

	a, err := f.svc.Upload(context.Background(), UploadRequest{
		Payload:  Payload{Body: strings.NewReader(png)},
		Owner:    &office1,
		FileType: domain.FileTypeLogo,
	})
	require.NoError(t, err)
	assert.Equal(t, "image/png", a.ContentType)
	assert.Equal(t, domain.CategoryLogo, a.Category)
	assert.Equal(t, "test/team-1/offices/1/logo/logo-20260314092653.png", a.StorageKey)
	assert.Equal(t, "logo-20260314092653.png", a.Filename)
}

func TestUploadDeduplicatesPerOwner(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	first := f.upload(t, job42, "a.txt", "same bytes")
	second := f.upload(t, job42, "b.txt", "same bytes")
	assert.Equal(t, first.ID, second.ID)
	puts, _, _ := f.store.counts()
	assert.Equal(t, 1, puts)

	other := f.upload(t, job43, "a.txt", "same bytes")
	assert.NotEqual(t, first.ID, other.ID)

	forced, err := f.svc.Upload(ctx, UploadRequest{
		Payload:  Payload{Body: strings.NewReader("same bytes"), Filename: "c.txt"},
		Owner:    &job42,
		ForceNew: true,
	})
	require.NoError(t, err)
	assert.NotEqual(t, first.ID, forced.ID)
	assert.NotEqual(t, first.StorageKey, forced.StorageKey)
	assert.Len(t, f.mem.Keys(), 3)
}

func TestUploadValidation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	body := func() Payload { return Payload{Body: strings.NewReader("x"), Filename: "x.txt"} }

	_, err := f.svc.Upload(ctx, UploadRequest{Payload: body()})
	assert.True(t, apperrors.Is(err, apperrors.CodeInvalidArgument))

	_, err = f.svc.Upload(ctx, UploadRequest{Payload: body(), Owner: &domain.OwnerRef{Kind: "Invoice", ID: 1}})
	assert.True(t, apperrors.Is(err, apperrors.CodeInvalidArgument))

	_, err = f.svc.Upload(ctx, UploadRequest{Payload: body(), Owner: &domain.OwnerRef{Kind: domain.OwnerWork, ID: 404}})
	assert.True(t, apperrors.Is(err, apperrors.CodeNotFound))

	_, err = f.svc.Upload(ctx, UploadRequest{Owner: &job42})
	assert.True(t, apperrors.Is(err, apperrors.CodeInvalidArgument))

	assert.Empty(t, f.mem.Keys())
}

func TestUploadExplicitKeyWithoutOwner(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	a, err := f.svc.Upload(ctx, UploadRequest{
		Payload:     Payload{Body: strings.NewReader("exported"), ContentType: "text/csv"},
		ExplicitKey: "/exports/2026/march.csv",
	})
	require.NoError(t, err)
	assert.False(t, a.Persisted())
	assert.Equal(t, "exports/2026/march.csv", a.StorageKey)
	assert.Equal(t, "march.csv", a.Filename)
	assert.Equal(t, "text/csv", a.ContentType)
	assert.True(t, f.mem.Has("exports/2026/march.csv"))

	res, err := f.svc.List(ctx, ListQuery{TeamID: 1})
	require.NoError(t, err)
	assert.Zero(t, res.Total)
}

func TestUploadExplicitKeyIsNotDeduplicated(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	first := f.upload(t, job42, "a.txt", "payload")
	explicit, err := f.svc.Upload(ctx, UploadRequest{
		Payload:     Payload{Body: strings.NewReader("payload")},
		Owner:       &job42,
		ExplicitKey: "test/team-1/jobs/42/attachment/pinned.txt",
	})
	require.NoError(t, err)
	assert.NotEqual(t, first.ID, explicit.ID)
	assert.Equal(t, "test/team-1/jobs/42/attachment/pinned.txt", explicit.StorageKey)
}

func TestUploadRejectsKeyInUse(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	existing := f.upload(t, job42, "a.txt", "one")

	_, err := f.svc.Upload(ctx, UploadRequest{
		Payload:     Payload{Body: strings.NewReader("two")},
		Owner:       &job42,
		ExplicitKey: existing.StorageKey,
	})
	assert.True(t, apperrors.Is(err, apperrors.CodeConflict))

	puts, _, _ := f.store.counts()
	assert.Equal(t, 1, puts)
	assert.Equal(t, "one", f.read(t, existing.StorageKey))
}

func TestUploadBackendFailureWritesNoMetadata(t *testing.T) {
	f := newFixture(t)
	f.store.set(func(s *faultyStore) { s.failPut = storage.ErrBackendUnavailable })

	_, err := f.svc.Upload(context.Background(), UploadRequest{
		Payload: Payload{Body: strings.NewReader("x"), Filename: "x.txt"},
		Owner:   &job42,
	})
	require.Error(t, err)
	assert.True(t, apperrors.Is(err, apperrors.CodeBackendUnavailable))

	res, err := f.svc.List(context.Background(), ListQuery{Owner: &job42})
	require.NoError(t, err)
	assert.Empty(t, res.Items)
}

func TestUploadMetadataFailureDeletesObject(t *testing.T) {
	f := newFixture(t)
	f.repo.failCreate = errors.New("connection reset")

	_, err := f.svc.Upload(context.Background(), UploadRequest{
		Payload: Payload{Body: strings.NewReader("x"), Filename: "x.txt"},
		Owner:   &job42,
	})
	assert.True(t, apperrors.Is(err, apperrors.CodeInternal))
	assert.Empty(t, f.mem.Keys())
	assert.Empty(t, f.incidents.kinds())
}

func TestUploadFailedCompensationIsReported(t *testing.T) {
	f := newFixture(t)
	f.repo.failCreate = errors.New("connection reset")
	f.store.set(func(s *faultyStore) { s.failDelete = map[string]error{"*": storage.ErrBackendUnavailable} })

	_, err := f.svc.Upload(context.Background(), UploadRequest{
		Payload: Payload{Body: strings.NewReader("x"), Filename: "x.txt"},
		Owner:   &job42,
	})
	require.Error(t, err)
	assert.Equal(t, []IncidentKind{IncidentOrphanObject}, f.incidents.kinds())
}

func TestUploadKeyCollisionAtInsertRemovesOwnObject(t *testing.T) {
	f := newFixture(t)
	f.repo.failCreate = repository.ErrDuplicateKey

	_, err := f.svc.Upload(context.Background(), UploadRequest{
		Payload: Payload{Body: strings.NewReader("x"), Filename: "x.txt"},
		Owner:   &job42,
	})
	assert.True(t, apperrors.Is(err, apperrors.CodeConflict))
	// The put was create-only, so the object was ours and must not linger.
	assert.Empty(t, f.mem.Keys())
	assert.Equal(t, []IncidentKind{IncidentKeyCollision}, f.incidents.kinds())
}

func TestConcurrentUploadsToSameKeyKeepWinnerBytes(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	winner := f.logo(t, office1, "AAAA")

	// The loser passed the key lookup before the winner committed.
	f.repo.hideKeys = true
	_, err := f.svc.Upload(ctx, UploadRequest{
		Payload:  Payload{Body: strings.NewReader("BBBB"), Filename: "logo.png"},
		Owner:    &office1,
		FileType: domain.FileTypeLogo,
		ForceNew: true,
	})
	require.Error(t, err)
	assert.True(t, apperrors.Is(err, apperrors.CodeConflict))
	f.repo.hideKeys = false

	stored, err := f.svc.Get(ctx, winner.ID)
	require.NoError(t, err)
	assert.Equal(t, winner.StorageKey, stored.StorageKey)
	assert.Equal(t, "AAAA", f.read(t, stored.StorageKey))
	assert.Equal(t, sha(f.read(t, stored.StorageKey)), stored.Checksum)
	_, _, deletes := f.store.counts()
	assert.Zero(t, deletes)
}

func TestRelocationOntoOccupiedKey(t *testing.T) {
	ctx := context.Background()

	cases := []struct {
		name     string
		hideKeys bool
		relocate func(f *fixture, a *domain.Attachment) error
	}{
		{"move", false, func(f *fixture, a *domain.Attachment) error {
			_, err := f.svc.Move(ctx, a, office1, RelocateOptions{})
			return err
		}},
		{"copy", false, func(f *fixture, a *domain.Attachment) error {
			_, err := f.svc.Copy(ctx, a, office1, RelocateOptions{})
			return err
		}},
		{"move racing the lookup", true, func(f *fixture, a *domain.Attachment) error {
			_, err := f.svc.Move(ctx, a, office1, RelocateOptions{})
			return err
		}},
		{"copy racing the lookup", true, func(f *fixture, a *domain.Attachment) error {
			_, err := f.svc.Copy(ctx, a, office1, RelocateOptions{})
			return err
		}},
		{"transfer with reorganize", false, func(f *fixture, a *domain.Attachment) error {
			res := f.transfers.Transfer(ctx, a, office1, "admin", TransferOptions{
				ReorganizeStorageKey:  true,
				ValidateCompatibility: true,
			})
			if res.Err == nil {
				return nil
			}
			return res.Err
		}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t)
			first := f.logo(t, office1, "office-one-logo")
			second := f.logo(t, office2, "office-two-logo")

			f.repo.hideKeys = tc.hideKeys
			err := tc.relocate(f, second)
			f.repo.hideKeys = false
			require.Error(t, err)
			assert.True(t, apperrors.Is(err, apperrors.CodeConflict), err.Error())

			// The occupant keeps its key and its bytes.
			stored, err := f.svc.Get(ctx, first.ID)
			require.NoError(t, err)
			assert.Equal(t, first.StorageKey, stored.StorageKey)
			body, _, err := f.svc.Download(ctx, stored)
			require.NoError(t, err)
			defer body.Close()
			got, err := io.ReadAll(body)
			require.NoError(t, err)
			assert.Equal(t, "office-one-logo", string(got))

			// The relocated record is untouched.
			src, err := f.svc.Get(ctx, second.ID)
			require.NoError(t, err)
			assert.Equal(t, office2, src.Owner())
			assert.Equal(t, "office-two-logo", f.read(t, src.StorageKey))
			assert.ElementsMatch(t, []string{first.StorageKey, second.StorageKey}, f.mem.Keys())
		})
	}
}

func TestDelete(t *testing.T) {
	ctx := context.Background()

	t.Run("removes object and metadata", func(t *testing.T) {
		f := newFixture(t)
		a := f.upload(t, job42, "a.txt", "bye")

		require.NoError(t, f.svc.Delete(ctx, a))
		assert.False(t, f.mem.Has(a.StorageKey))
		_, err := f.svc.Get(ctx, a.ID)
		assert.True(t, apperrors.Is(err, apperrors.CodeNotFound))
	})

	t.Run("object failure keeps metadata", func(t *testing.T) {
		f := newFixture(t)
		a := f.upload(t, job42, "a.txt", "bye")
		f.store.set(func(s *faultyStore) { s.failDelete = map[string]error{"*": storage.ErrBackendUnavailable} })

		err := f.svc.Delete(ctx, a)
		assert.True(t, apperrors.Is(err, apperrors.CodeBackendUnavailable))
		_, err = f.svc.Get(ctx, a.ID)
		assert.NoError(t, err)
		assert.True(t, f.mem.Has(a.StorageKey))
	})

	t.Run("metadata failure is reported", func(t *testing.T) {
		f := newFixture(t)
		a := f.upload(t, job42, "a.txt", "bye")
		f.repo.failDelete = errors.New("timeout")

		require.NoError(t, f.svc.Delete(ctx, a))
		assert.False(t, f.mem.Has(a.StorageKey))
		assert.Equal(t, []IncidentKind{IncidentDanglingMetadata}, f.incidents.kinds())
	})

	t.Run("already deleted metadata", func(t *testing.T) {
		f := newFixture(t)
		a := f.upload(t, job42, "a.txt", "bye")
		require.NoError(t, f.svc.Delete(ctx, a))
		assert.NoError(t, f.svc.Delete(ctx, a))
		assert.Empty(t, f.incidents.kinds())
	})

	t.Run("unpersisted record", func(t *testing.T) {
		f := newFixture(t)
		err := f.svc.Delete(ctx, &domain.Attachment{StorageKey: "k"})
		assert.True(t, apperrors.Is(err, apperrors.CodeInvalidArgument))
	})
}

func TestMoveRoundTrip(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := f.upload(t, job42, "report.pdf", "contract v1")
	originalKey := a.StorageKey

	moved, err := f.svc.Move(ctx, a, work7, RelocateOptions{})
	require.NoError(t, err)
	assert.Equal(t, a.ID, moved.ID)
	assert.Equal(t, work7, moved.Owner())
	assert.Equal(t, domain.CategoryWorkAttachment, moved.Category)
	assert.True(t, strings.HasPrefix(moved.StorageKey, "test/team-1/works/7/attachment/"), moved.StorageKey)
	assert.True(t, strings.HasSuffix(moved.StorageKey, ".pdf"))
	assert.False(t, f.mem.Has(originalKey))
	assert.Equal(t, "contract v1", f.read(t, moved.StorageKey))

	via, err := f.svc.Move(ctx, moved, job43, RelocateOptions{})
	require.NoError(t, err)
	assert.Equal(t, job43, via.Owner())
	assert.True(t, strings.HasPrefix(via.StorageKey, "test/team-1/jobs/43/attachment/"), via.StorageKey)
	assert.False(t, f.mem.Has(moved.StorageKey))

	back, err := f.svc.Move(ctx, via, job42, RelocateOptions{})
	require.NoError(t, err)
	assert.Equal(t, a.ID, back.ID)
	assert.Equal(t, job42, back.Owner())
	assert.Equal(t, domain.CategoryJobAttachment, back.Category)
	assert.Equal(t, a.Checksum, back.Checksum)
	assert.Equal(t, "contract v1", f.read(t, back.StorageKey))
	assert.Equal(t, sha(f.read(t, back.StorageKey)), back.Checksum)
	assert.Equal(t, []string{back.StorageKey}, f.mem.Keys())
}

func TestMoveMetadataFailureDeletesCopy(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := f.upload(t, job42, "report.pdf", "contract")
	f.repo.failUpdateLocked = errors.New("deadlock detected")

	_, err := f.svc.Move(ctx, a, work7, RelocateOptions{})
	require.Error(t, err)
	assert.Equal(t, []string{a.StorageKey}, f.mem.Keys())

	stored, err := f.svc.Get(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, job42, stored.Owner())
}

func TestMoveStaleOldObjectIsReported(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := f.upload(t, job42, "report.pdf", "contract")
	f.store.set(func(s *faultyStore) { s.failDelete = map[string]error{a.StorageKey: storage.ErrBackendUnavailable} })

	moved, err := f.svc.Move(ctx, a, work7, RelocateOptions{})
	require.NoError(t, err)
	assert.Equal(t, work7, moved.Owner())
	assert.Equal(t, []IncidentKind{IncidentStaleObject}, f.incidents.kinds())
}

func TestMoveCopyFailureChangesNothing(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := f.upload(t, job42, "report.pdf", "contract")
	f.store.set(func(s *faultyStore) { s.failCopy = storage.ErrBackendUnavailable })

	_, err := f.svc.Move(ctx, a, work7, RelocateOptions{})
	assert.True(t, apperrors.Is(err, apperrors.CodeBackendUnavailable))
	stored, err := f.svc.Get(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, a.StorageKey, stored.StorageKey)
}

func TestCopyLeavesSourceUntouched(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a, err := f.svc.Upload(ctx, UploadRequest{
		Payload:        Payload{Body: strings.NewReader("shared"), Filename: "brief.docx"},
		Owner:          &job42,
		Description:    "client brief",
		CustomMetadata: map[string]string{"lang": "pt"},
	})
	require.NoError(t, err)

	dup, err := f.svc.Copy(ctx, a, work7, RelocateOptions{})
	require.NoError(t, err)
	assert.NotEqual(t, a.ID, dup.ID)
	assert.Equal(t, work7, dup.Owner())
	assert.Equal(t, a.Checksum, dup.Checksum)
	assert.Equal(t, "client brief", dup.Description)
	assert.Equal(t, map[string]string{"lang": "pt"}, dup.CustomMetadata)
	assert.Equal(t, domain.CategoryWorkAttachment, dup.Category)

	src, err := f.svc.Get(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, a.StorageKey, src.StorageKey)
	assert.Equal(t, "shared", f.read(t, a.StorageKey))
	assert.Equal(t, "shared", f.read(t, dup.StorageKey))
}

func TestListByOwnerAndTeam(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.upload(t, job42, "a.pdf", "a")
	f.upload(t, job42, "b.pdf", "b")
	f.upload(t, work7, "c.pdf", "c")
	f.upload(t, office1, "d.pdf", "d")
	f.upload(t, job99, "e.pdf", "e")

	res, err := f.svc.List(ctx, ListQuery{Owner: &job42})
	require.NoError(t, err)
	assert.EqualValues(t, 2, res.Total)
	assert.Equal(t, repository.DefaultListLimit, res.Limit)

	res, err = f.svc.List(ctx, ListQuery{TeamID: 1})
	require.NoError(t, err)
	assert.EqualValues(t, 4, res.Total)
	for _, item := range res.Items {
		assert.NotEqual(t, job99, item.Owner())
	}

	res, err = f.svc.List(ctx, ListQuery{TeamID: 1, Limit: 1, Offset: 1, FilenameContains: "PDF"})
	require.NoError(t, err)
	assert.EqualValues(t, 4, res.Total)
	assert.Len(t, res.Items, 1)

	res, err = f.svc.List(ctx, ListQuery{TeamID: 77})
	require.NoError(t, err)
	assert.Zero(t, res.Total)
	assert.Empty(t, res.Items)

	_, err = f.svc.List(ctx, ListQuery{})
	assert.True(t, apperrors.Is(err, apperrors.CodeInvalidArgument))
}

func TestURL(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := f.upload(t, job42, "report.pdf", "pdf")

	raw, ok := f.svc.URL(ctx, a, URLOptions{Disposition: storage.DispositionDownload})
	require.True(t, ok)
	u, err := url.Parse(raw)
	require.NoError(t, err)
	assert.Equal(t, "attachment; filename=report.pdf", u.Query().Get("response-content-disposition"))
	assert.Equal(t, (5 * time.Minute).String(), u.Query().Get("expires"))

	raw, ok = f.svc.URL(ctx, a, URLOptions{ExpiresIn: time.Hour})
	require.True(t, ok)
	u, err = url.Parse(raw)
	require.NoError(t, err)
	assert.Equal(t, "inline; filename=report.pdf", u.Query().Get("response-content-disposition"))
	assert.Equal(t, time.Hour.String(), u.Query().Get("expires"))

	f.store.set(func(s *faultyStore) { s.failPresign = storage.ErrBackendUnavailable })
	raw, ok = f.svc.URL(ctx, a, URLOptions{})
	assert.False(t, ok)
	assert.Empty(t, raw)
	assert.Equal(t, []IncidentKind{IncidentURLFailed}, f.incidents.kinds())
}

func TestDownloadStreamsObject(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := f.upload(t, job42, "notes.txt", "line one")

	body, info, err := f.svc.Download(ctx, a)
	require.NoError(t, err)
	defer body.Close()
	assert.EqualValues(t, 8, info.Size)

	missing := &domain.Attachment{StorageKey: "test/none"}
	_, _, err = f.svc.Download(ctx, missing)
	assert.True(t, apperrors.Is(err, apperrors.CodeNotFound))
}

func TestUpdateDetails(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := f.upload(t, job42, "report.pdf", "pdf")

	name := "../q1-report.pdf"
	desc := "Q1"
	exp := time.Date(2027, 1, 1, 0, 0, 0, 0, time.UTC)
	updated, err := f.svc.UpdateDetails(ctx, a.ID, DetailsUpdate{
		Filename:       &name,
		Description:    &desc,
		CustomMetadata: map[string]string{"reviewed": "yes"},
		ExpiresAt:      &exp,
	})
	require.NoError(t, err)
	assert.Equal(t, "q1-report.pdf", updated.Filename)
	assert.Equal(t, "Q1", updated.Description)
	assert.Equal(t, exp, *updated.ExpiresAt)
	assert.Equal(t, a.StorageKey, updated.StorageKey)
	assert.Greater(t, updated.Version, a.Version)

	updated, err = f.svc.UpdateDetails(ctx, a.ID, DetailsUpdate{ClearExpiry: true})
	require.NoError(t, err)
	assert.Nil(t, updated.ExpiresAt)
	assert.Equal(t, "Q1", updated.Description)

	empty := " "
	_, err = f.svc.UpdateDetails(ctx, a.ID, DetailsUpdate{Filename: &empty})
	assert.True(t, apperrors.Is(err, apperrors.CodeInvalidArgument))

	_, err = f.svc.UpdateDetails(ctx, "missing", DetailsUpdate{Description: &desc})
	assert.True(t, apperrors.Is(err, apperrors.CodeNotFound))
}

func TestDirectUpload(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	resp, err := f.svc.RequestUploadURL(ctx, DirectUploadRequest{
		Owner:       job42,
		Filename:    "scan.pdf",
		ContentType: "application/pdf",
	})
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(resp.StorageKey, "test/team-1/jobs/42/attachment/"))
	assert.Contains(t, resp.UploadURL, "content-type=application%2Fpdf")
	assert.WithinDuration(t, time.Now().Add(5*time.Minute), resp.ExpiresAt, time.Minute)

	require.NoError(t, f.mem.PutObject(ctx, resp.StorageKey, strings.NewReader("scanned"), 7, "application/pdf", nil))

	a, err := f.svc.ConfirmUpload(ctx, ConfirmUploadRequest{Owner: job42, StorageKey: resp.StorageKey, Filename: "scan.pdf", UploadedBy: "u1"})
	require.NoError(t, err)
	assert.Equal(t, sha("scanned"), a.Checksum)
	assert.EqualValues(t, 7, a.ByteSize)
	assert.Equal(t, "application/pdf", a.ContentType)
	assert.Equal(t, domain.CategoryJobAttachment, a.Category)

	again, err := f.svc.ConfirmUpload(ctx, ConfirmUploadRequest{Owner: job42, StorageKey: resp.StorageKey})
	require.NoError(t, err)
	assert.Equal(t, a.ID, again.ID)

	_, err = f.svc.ConfirmUpload(ctx, ConfirmUploadRequest{Owner: work7, StorageKey: resp.StorageKey})
	assert.True(t, apperrors.Is(err, apperrors.CodeInvalidArgument))

	_, err = f.svc.ConfirmUpload(ctx, ConfirmUploadRequest{Owner: job42, StorageKey: "test/team-1/jobs/42/attachment/never.pdf"})
	assert.True(t, apperrors.Is(err, apperrors.CodeNotFound))

	_, err = f.svc.RequestUploadURL(ctx, DirectUploadRequest{Owner: job42, Filename: "x.pdf"})
	assert.True(t, apperrors.Is(err, apperrors.CodeInvalidArgument))
}

func TestRequestUploadURLRejectsOccupiedKey(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	req := DirectUploadRequest{Owner: office1, Filename: "logo.png", ContentType: "image/png", FileType: domain.FileTypeLogo}

	t.Run("recorded", func(t *testing.T) {
		existing := f.logo(t, office1, "office-one-logo")
		_, err := f.svc.RequestUploadURL(ctx, req)
		assert.True(t, apperrors.Is(err, apperrors.CodeConflict))
		assert.Equal(t, "office-one-logo", f.read(t, existing.StorageKey))
	})

	t.Run("stored without record", func(t *testing.T) {
		key := "test/team-1/offices/2/logo/logo-20260314092653.png"
		require.NoError(t, f.mem.PutObject(ctx, key, strings.NewReader("pending"), 7, "image/png", nil))
		_, err := f.svc.RequestUploadURL(ctx, DirectUploadRequest{Owner: office2, Filename: "logo.png", ContentType: "image/png", FileType: domain.FileTypeLogo})
		assert.True(t, apperrors.Is(err, apperrors.CodeConflict))
	})
}

func TestConfirmUploadDeduplicates(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	existing := f.upload(t, job42, "scan.pdf", "scanned")

	resp, err := f.svc.RequestUploadURL(ctx, DirectUploadRequest{Owner: job42, Filename: "scan.pdf", ContentType: "application/pdf"})
	require.NoError(t, err)
	require.NoError(t, f.mem.PutObject(ctx, resp.StorageKey, strings.NewReader("scanned"), 7, "application/pdf", nil))

	a, err := f.svc.ConfirmUpload(ctx, ConfirmUploadRequest{Owner: job42, StorageKey: resp.StorageKey})
	require.NoError(t, err)
	assert.Equal(t, existing.ID, a.ID)
	assert.False(t, f.mem.Has(resp.StorageKey))
}

func TestPurgeExpired(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	now := time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)
	past := now.Add(-time.Hour)
	future := now.Add(time.Hour)

	upload := func(content string, exp *time.Time) *domain.Attachment {
		a, err := f.svc.Upload(ctx, UploadRequest{
			Payload:   Payload{Body: strings.NewReader(content), Filename: content + ".txt"},
			Owner:     &temp9,
			ExpiresAt: exp,
		})
		require.NoError(t, err)
		return a
	}
	expired1 := upload("one", &past)
	expired2 := upload("two", &past)
	kept := upload("three", &future)
	forever := upload("four", nil)

	n, err := f.svc.PurgeExpired(ctx, now, 10)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.False(t, f.mem.Has(expired1.StorageKey))
	assert.False(t, f.mem.Has(expired2.StorageKey))
	assert.True(t, f.mem.Has(kept.StorageKey))
	assert.True(t, f.mem.Has(forever.StorageKey))

	n, err = f.svc.PurgeExpired(ctx, now, 10)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestPurgeExpiredReportsFailures(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	past := time.Now().Add(-time.Hour)
	_, err := f.svc.Upload(ctx, UploadRequest{
		Payload:   Payload{Body: strings.NewReader("old"), Filename: "old.txt"},
		Owner:     &temp9,
		ExpiresAt: &past,
	})
	require.NoError(t, err)
	f.store.set(func(s *faultyStore) { s.failDelete = map[string]error{"*": storage.ErrBackendUnavailable} })

	n, err := f.svc.PurgeExpired(ctx, time.Now(), 10)
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Equal(t, []IncidentKind{IncidentPurgeFailed}, f.incidents.kinds())
}
