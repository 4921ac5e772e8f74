package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"lexdesk/attachments/internal/apperrors"
	"lexdesk/attachments/internal/domain"
)

func TestTransferJobAttachmentToWork(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := f.upload(t, job42, "report.pdf", "signed report")
	oldKey := a.StorageKey

	res := f.transfers.Transfer(ctx, a, work7, "user-17", TransferOptions{
		ReorganizeStorageKey:  true,
		ValidateCompatibility: true,
		Reason:                "job closed",
	})
	require.True(t, res.Success, res.Message)
	require.Nil(t, res.Err)

	moved := res.Attachment
	assert.Equal(t, a.ID, moved.ID)
	assert.Equal(t, work7, moved.Owner())
	assert.Equal(t, domain.CategoryWorkAttachment, moved.Category)
	assert.True(t, strings.HasPrefix(moved.StorageKey, "test/team-1/works/7/attachment/"), moved.StorageKey)
	assert.Equal(t, "user-17", moved.TransferredBy)
	require.NotNil(t, moved.TransferredAt)
	assert.Equal(t, map[string]string{
		domain.TransferKeyPreviousOwnerType: "Job",
		domain.TransferKeyPreviousOwnerID:   "42",
		domain.TransferKeyReason:            "job closed",
		domain.TransferKeyPreviousKey:       oldKey,
	}, moved.TransferMetadata)
	assert.Equal(t, fmt.Sprintf("attachment %s transferred from Job#42 to Work#7", a.ID), res.Message)

	assert.False(t, f.mem.Has(oldKey))
	assert.Equal(t, "signed report", f.read(t, moved.StorageKey))

	entries := f.db.Audit().Entries()
	require.Len(t, entries, 1)
	assert.Equal(t, domain.AuditActionTransfer, entries[0].Action)
	assert.Equal(t, a.ID, entries[0].AttachmentID)
	assert.Equal(t, "user-17", entries[0].ActorID)
	assert.Equal(t, "Job#42", entries[0].Details["from"])
	assert.Equal(t, "Work#7", entries[0].Details["to"])

	listed, err := f.svc.List(ctx, ListQuery{Owner: &work7})
	require.NoError(t, err)
	require.Len(t, listed.Items, 1)
	assert.Equal(t, a.ID, listed.Items[0].ID)
}

func TestTransferKeepsKeyByDefault(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := f.upload(t, job42, "report.pdf", "report")

	res := f.transfers.Transfer(ctx, a, work7, "user-17", TransferOptions{})
	require.True(t, res.Success, res.Message)
	assert.Equal(t, a.StorageKey, res.Attachment.StorageKey)
	assert.Equal(t, domain.CategoryWorkAttachment, res.Attachment.Category)
	_, hasPrev := res.Attachment.TransferMetadata[domain.TransferKeyPreviousKey]
	assert.False(t, hasPrev)
	_, _, deletes := f.store.counts()
	assert.Zero(t, deletes)
}

func TestTransferRejections(t *testing.T) {
	ctx := context.Background()

	tests := []struct {
		name   string
		setup  func(t *testing.T, f *fixture) *domain.Attachment
		target domain.OwnerRef
		opts   TransferOptions
		code   string
	}{
		{
			name:   "unpersisted record",
			setup:  func(t *testing.T, f *fixture) *domain.Attachment { return &domain.Attachment{} },
			target: work7,
			code:   apperrors.CodeNotFound,
		},
		{
			name: "deleted record",
			setup: func(t *testing.T, f *fixture) *domain.Attachment {
				a := f.upload(t, job42, "a.pdf", "a")
				require.NoError(t, f.svc.Delete(ctx, a))
				return a
			},
			target: work7,
			code:   apperrors.CodeNotFound,
		},
		{
			name:   "unknown target kind",
			setup:  func(t *testing.T, f *fixture) *domain.Attachment { return f.upload(t, job42, "a.pdf", "a") },
			target: domain.OwnerRef{Kind: "Invoice", ID: 1},
			code:   apperrors.CodeInvalidArgument,
		},
		{
			name:   "missing target owner",
			setup:  func(t *testing.T, f *fixture) *domain.Attachment { return f.upload(t, job42, "a.pdf", "a") },
			target: domain.OwnerRef{Kind: domain.OwnerWork, ID: 404},
			code:   apperrors.CodeNotFound,
		},
		{
			name:   "same owner",
			setup:  func(t *testing.T, f *fixture) *domain.Attachment { return f.upload(t, job42, "a.pdf", "a") },
			target: job42,
			code:   apperrors.CodeInvalidArgument,
		},
		{
			name:   "temp upload target",
			setup:  func(t *testing.T, f *fixture) *domain.Attachment { return f.upload(t, job42, "a.pdf", "a") },
			target: temp9,
			code:   apperrors.CodeInvalidArgument,
		},
		{
			name: "avatar to job",
			setup: func(t *testing.T, f *fixture) *domain.Attachment {
				a, err := f.svc.Upload(ctx, UploadRequest{
					Payload:  Payload{Body: strings.NewReader("jpeg"), Filename: "me.jpg"},
					Owner:    &user5,
					FileType: domain.FileTypeAvatar,
				})
				require.NoError(t, err)
				require.Equal(t, domain.CategoryAvatar, a.Category)
				return a
			},
			target: job42,
			opts:   TransferOptions{ValidateCompatibility: true, ReorganizeStorageKey: true},
			code:   apperrors.CodeConflict,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			a := tt.setup(t, f)
			keysBefore := f.mem.Keys()

			res := f.transfers.Transfer(ctx, a, tt.target, "user-17", tt.opts)
			assert.False(t, res.Success)
			require.NotNil(t, res.Err)
			assert.Equal(t, tt.code, res.Err.Code)
			assert.NotEmpty(t, res.Message)
			assert.Nil(t, res.Attachment)

			assert.Equal(t, keysBefore, f.mem.Keys())
			assert.Empty(t, f.db.Audit().Entries())
			if a.Persisted() {
				if stored, err := f.svc.Get(ctx, a.ID); err == nil {
					assert.Equal(t, a.Owner(), stored.Owner())
					assert.Equal(t, a.StorageKey, stored.StorageKey)
				}
			}
		})
	}
}

func TestTransferMetadataFailureDeletesCopy(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := f.upload(t, job42, "report.pdf", "report")
	f.repo.failUpdateLocked = errors.New("serialization failure")

	res := f.transfers.Transfer(ctx, a, work7, "user-17", TransferOptions{ReorganizeStorageKey: true})
	assert.False(t, res.Success)
	assert.Equal(t, apperrors.CodeInternal, res.Err.Code)
	assert.Equal(t, []string{a.StorageKey}, f.mem.Keys())
	assert.Empty(t, f.db.Audit().Entries())
}

func TestTransferAuditFailureIsNotFatal(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.transfers = NewTransferService(f.svc, f.repo, f.db, failingAudit{err: errors.New("audit store down")}, zap.NewNop(),
		WithTransferIncidents(f.incidents),
	)
	a := f.upload(t, job42, "report.pdf", "report")

	res := f.transfers.Transfer(ctx, a, work7, "user-17", TransferOptions{})
	assert.True(t, res.Success)
	assert.Equal(t, []IncidentKind{IncidentAuditFailed}, f.incidents.kinds())
}

func TestConcurrentTransfersSerialize(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	targets := []domain.OwnerRef{work7, job43, office1, user5}
	a := f.upload(t, job42, "report.pdf", "report")

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		results []TransferResult
	)
	for _, target := range targets {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res := f.transfers.Transfer(ctx, a, target, "user-17", TransferOptions{ReorganizeStorageKey: true})
			mu.Lock()
			results = append(results, res)
			mu.Unlock()
		}()
	}
	wg.Wait()

	successes := 0
	for _, res := range results {
		if res.Success {
			successes++
		}
	}
	require.GreaterOrEqual(t, successes, 1)

	final, err := f.svc.Get(ctx, a.ID)
	require.NoError(t, err)
	assert.EqualValues(t, 1+successes, final.Version)
	assert.Len(t, f.db.Audit().Entries(), successes)
	assert.Equal(t, []string{final.StorageKey}, f.mem.Keys())
	assert.Equal(t, "report", f.read(t, final.StorageKey))
}
