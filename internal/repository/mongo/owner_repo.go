package mongo

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"lexdesk/attachments/internal/domain"
	"lexdesk/attachments/internal/repository"
)

type mongoOwnerDirectory struct {
	collection *mongo.Collection
}

// Owners returns the owner directory backed by MongoDB.
func (d *DB) Owners() repository.OwnerDirectory {
	return &mongoOwnerDirectory{collection: d.db.Collection(ownerCollectionName)}
}

func refFilter(ref domain.OwnerRef) bson.M {
	return bson.M{"ref.ownerType": ref.Kind, "ref.ownerId": ref.ID}
}

func (r *mongoOwnerDirectory) Resolve(ctx context.Context, ref domain.OwnerRef) (*domain.Owner, error) {
	var owner domain.Owner
	err := r.collection.FindOne(ctx, refFilter(ref)).Decode(&owner)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, repository.ErrNotFound
		}
		return nil, err
	}
	return &owner, nil
}

func (r *mongoOwnerDirectory) OwnerIDs(ctx context.Context, teamID int64, kind domain.OwnerKind) ([]int64, error) {
	findOptions := options.Find().SetSort(bson.D{{Key: "ref.ownerId", Value: 1}})
	cursor, err := r.collection.Find(ctx, bson.M{"teamId": teamID, "ref.ownerType": kind}, findOptions)
	if err != nil {
		return nil, err
	}
	defer cursor.Close(ctx)

	var owners []domain.Owner
	if err = cursor.All(ctx, &owners); err != nil {
		return nil, err
	}
	ids := make([]int64, 0, len(owners))
	for _, o := range owners {
		ids = append(ids, o.Ref.ID)
	}
	return ids, nil
}

func (r *mongoOwnerDirectory) Upsert(ctx context.Context, owner domain.Owner) error {
	if !owner.Ref.Kind.Valid() {
		return domain.ErrUnsupportedOwnerKind
	}
	// the equality fields of the filter seed ref on insert
	update := bson.M{"$set": bson.M{"teamId": owner.TeamID}}
	_, err := r.collection.UpdateOne(ctx, refFilter(owner.Ref), update, options.Update().SetUpsert(true))
	return err
}

type mongoAuditRepository struct {
	collection *mongo.Collection
}

// Audit returns the audit log repository.
func (d *DB) Audit() repository.AuditRepository {
	return &mongoAuditRepository{collection: d.db.Collection(auditCollectionName)}
}

func (r *mongoAuditRepository) Append(ctx context.Context, e *domain.AuditEntry) error {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	_, err := r.collection.InsertOne(ctx, e)
	return err
}
