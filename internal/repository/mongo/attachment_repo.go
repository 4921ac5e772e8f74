package mongo

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"lexdesk/attachments/internal/domain"
	"lexdesk/attachments/internal/repository"
)

// maxLockedRetries bounds the optimistic retry loop of UpdateLocked.
const maxLockedRetries = 5

// mongoAttachmentRepository implements repository.AttachmentRepository
type mongoAttachmentRepository struct {
	collection *mongo.Collection
	now        func() time.Time
}

// Attachments returns the attachment repository backed by MongoDB.
func (d *DB) Attachments() repository.AttachmentRepository {
	return &mongoAttachmentRepository{
		collection: d.db.Collection(attachmentCollectionName),
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// Create inserts new attachment metadata into the database.
func (r *mongoAttachmentRepository) Create(ctx context.Context, a *domain.Attachment) error {
	if a.StorageKey == "" || !a.OwnerType.Valid() {
		return errors.New("attachment requires a storageKey and a supported ownerType")
	}

	now := r.now()
	a.ID = uuid.NewString()
	a.Version = 1
	a.CreatedAt = now
	a.UpdatedAt = now
	if a.UploadedAt.IsZero() {
		a.UploadedAt = now
	}

	if _, err := r.collection.InsertOne(ctx, a); err != nil {
		a.ID = ""
		if mongo.IsDuplicateKeyError(err) {
			return fmt.Errorf("%w: %s", repository.ErrDuplicateKey, a.StorageKey)
		}
		return err
	}
	return nil
}

// GetByID retrieves attachment metadata by its ID.
func (r *mongoAttachmentRepository) GetByID(ctx context.Context, id string) (*domain.Attachment, error) {
	return r.findOne(ctx, bson.M{"_id": id})
}

func (r *mongoAttachmentRepository) GetByStorageKey(ctx context.Context, key string) (*domain.Attachment, error) {
	return r.findOne(ctx, bson.M{"storageKey": key})
}

func (r *mongoAttachmentRepository) FindByChecksum(ctx context.Context, owner domain.OwnerRef, checksum string) (*domain.Attachment, error) {
	filter := bson.M{"ownerType": owner.Kind, "ownerId": owner.ID, "checksum": checksum}
	opts := options.FindOne().SetSort(bson.D{{Key: "createdAt", Value: 1}})
	return r.findOne(ctx, filter, opts)
}

func (r *mongoAttachmentRepository) findOne(ctx context.Context, filter bson.M, opts ...*options.FindOneOptions) (*domain.Attachment, error) {
	var a domain.Attachment
	err := r.collection.FindOne(ctx, filter, opts...).Decode(&a)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, repository.ErrNotFound
		}
		return nil, err
	}
	return &a, nil
}

// buildFilter translates a ListFilter into a query document.
func buildFilter(f repository.ListFilter) bson.M {
	filter := bson.M{}
	if f.Owner != nil {
		filter["ownerType"] = f.Owner.Kind
		filter["ownerId"] = f.Owner.ID
	} else if f.Owners != nil {
		or := make(bson.A, 0, len(f.Owners))
		for _, ref := range f.Owners {
			or = append(or, bson.M{"ownerType": ref.Kind, "ownerId": ref.ID})
		}
		filter["$or"] = or
	}
	if f.Category != "" {
		filter["category"] = f.Category
	}
	if f.UploadedBy != "" {
		filter["uploadedBy"] = f.UploadedBy
	}
	if f.CreatedBySystem != nil {
		filter["createdBySystem"] = *f.CreatedBySystem
	}
	if f.CreatedFrom != nil || f.CreatedTo != nil {
		created := bson.M{}
		if f.CreatedFrom != nil {
			created["$gte"] = *f.CreatedFrom
		}
		if f.CreatedTo != nil {
			created["$lte"] = *f.CreatedTo
		}
		filter["createdAt"] = created
	}
	if f.FilenameContains != "" {
		filter["filename"] = primitive.Regex{Pattern: regexp.QuoteMeta(f.FilenameContains), Options: "i"}
	}
	return filter
}

func (r *mongoAttachmentRepository) List(ctx context.Context, f repository.ListFilter) ([]domain.Attachment, int64, error) {
	if f.Owner == nil && f.Owners != nil && len(f.Owners) == 0 {
		return []domain.Attachment{}, 0, nil
	}
	filter := buildFilter(f)

	total, err := r.collection.CountDocuments(ctx, filter)
	if err != nil {
		return nil, 0, err
	}

	offset := int64(f.Offset)
	if offset < 0 {
		offset = 0
	}
	findOptions := options.Find().
		SetSort(bson.D{{Key: "createdAt", Value: -1}, {Key: "_id", Value: -1}}).
		SetSkip(offset).
		SetLimit(int64(f.NormalizedLimit()))

	cursor, err := r.collection.Find(ctx, filter, findOptions)
	if err != nil {
		return nil, 0, err
	}
	defer cursor.Close(ctx)

	attachments := make([]domain.Attachment, 0)
	if err = cursor.All(ctx, &attachments); err != nil {
		return nil, 0, err
	}
	return attachments, total, nil
}

// Update replaces the stored record with a, keeping its ID and creation time.
func (r *mongoAttachmentRepository) Update(ctx context.Context, a *domain.Attachment) error {
	updated, err := r.UpdateLocked(ctx, a.ID, func(rec *domain.Attachment) error {
		*rec = *a.Clone()
		return nil
	})
	if err != nil {
		return err
	}
	*a = *updated
	return nil
}

// UpdateLocked has no row locks to rely on, so it replaces the document only
// if its version is unchanged since the read and retries otherwise. mutate may
// therefore run more than once.
func (r *mongoAttachmentRepository) UpdateLocked(ctx context.Context, id string, mutate func(a *domain.Attachment) error) (*domain.Attachment, error) {
	for attempt := 0; attempt < maxLockedRetries; attempt++ {
		cur, err := r.GetByID(ctx, id)
		if err != nil {
			return nil, err
		}
		rec := cur.Clone()
		if err := mutate(rec); err != nil {
			return nil, err
		}
		rec.ID = id
		rec.Version = cur.Version + 1
		rec.CreatedAt = cur.CreatedAt
		rec.UpdatedAt = r.now()

		res, err := r.collection.ReplaceOne(ctx, bson.M{"_id": id, "version": cur.Version}, rec)
		if err != nil {
			if mongo.IsDuplicateKeyError(err) {
				return nil, fmt.Errorf("%w: %s", repository.ErrDuplicateKey, rec.StorageKey)
			}
			return nil, err
		}
		if res.MatchedCount == 1 {
			return rec, nil
		}
	}
	return nil, repository.ErrConcurrentUpdate
}

func (r *mongoAttachmentRepository) Delete(ctx context.Context, id string) error {
	result, err := r.collection.DeleteOne(ctx, bson.M{"_id": id})
	if err != nil {
		return err
	}
	if result.DeletedCount == 0 {
		return repository.ErrNotFound
	}
	return nil
}

func (r *mongoAttachmentRepository) ListExpired(ctx context.Context, now time.Time, limit int) ([]domain.Attachment, error) {
	if limit <= 0 {
		limit = repository.DefaultListLimit
	}
	findOptions := options.Find().
		SetSort(bson.D{{Key: "expiresAt", Value: 1}}).
		SetLimit(int64(limit))

	cursor, err := r.collection.Find(ctx, bson.M{"expiresAt": bson.M{"$lt": now}}, findOptions)
	if err != nil {
		return nil, err
	}
	defer cursor.Close(ctx)

	var expired []domain.Attachment
	if err = cursor.All(ctx, &expired); err != nil {
		return nil, err
	}
	return expired, nil
}
