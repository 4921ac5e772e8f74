package mongo

import (
	"context"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"
	"go.uber.org/zap"
)

// Default connection timeout
const defaultTimeout = 10 * time.Second

const (
	attachmentCollectionName = "attachments"
	ownerCollectionName      = "owners"
	auditCollectionName      = "attachment_audit_log"
)

// ConnectDB establishes a connection to MongoDB using the provided URI.
// It returns the mongo.Client which can be used to access databases and collections.
func ConnectDB(uri string) (*mongo.Client, error) {
	ctx, cancel := context.WithTimeout(context.Background(), defaultTimeout)
	defer cancel()

	clientOptions := options.Client().ApplyURI(uri)

	client, err := mongo.Connect(ctx, clientOptions)
	if err != nil {
		return nil, err
	}

	// Ping the primary node to verify the connection.
	pingCtx, pingCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer pingCancel()

	err = client.Ping(pingCtx, readpref.Primary())
	if err != nil {
		disconnectCtx, disconnectCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer disconnectCancel()
		_ = client.Disconnect(disconnectCtx)
		return nil, err
	}

	return client, nil
}

// DisconnectDB gracefully disconnects the MongoDB client.
func DisconnectDB(client *mongo.Client) error {
	ctx, cancel := context.WithTimeout(context.Background(), defaultTimeout)
	defer cancel()
	return client.Disconnect(ctx)
}

// DB groups the MongoDB repositories of one database and implements
// repository.TxManager. Transactions require a replica set.
type DB struct {
	client *mongo.Client
	db     *mongo.Database
}

// New wraps the named database of client.
func New(client *mongo.Client, database string) *DB {
	return &DB{client: client, db: client.Database(database)}
}

// WithinTx runs fn inside a session transaction. The driver may re-run fn
// on transient errors, so fn must be safe to repeat. Nested calls join the
// outer transaction.
func (d *DB) WithinTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if mongo.SessionFromContext(ctx) != nil {
		return fn(ctx)
	}
	sess, err := d.client.StartSession()
	if err != nil {
		return err
	}
	defer sess.EndSession(ctx)

	_, err = sess.WithTransaction(ctx, func(sc mongo.SessionContext) (interface{}, error) {
		return nil, fn(sc)
	})
	return err
}

// EnsureIndexes creates the indexes every collection relies on. Call during startup.
func (d *DB) EnsureIndexes(ctx context.Context, log *zap.Logger) error {
	specs := map[string][]mongo.IndexModel{
		attachmentCollectionName: {
			{
				// storageKey addresses the object store and must stay unique
				Keys:    bson.D{{Key: "storageKey", Value: 1}},
				Options: options.Index().SetUnique(true),
			},
			{
				Keys: bson.D{{Key: "ownerType", Value: 1}, {Key: "ownerId", Value: 1}, {Key: "checksum", Value: 1}},
			},
			{
				Keys: bson.D{{Key: "ownerType", Value: 1}, {Key: "ownerId", Value: 1}, {Key: "createdAt", Value: -1}},
			},
			{
				Keys:    bson.D{{Key: "expiresAt", Value: 1}},
				Options: options.Index().SetSparse(true),
			},
		},
		ownerCollectionName: {
			{
				Keys:    bson.D{{Key: "ref.ownerType", Value: 1}, {Key: "ref.ownerId", Value: 1}},
				Options: options.Index().SetUnique(true),
			},
			{
				Keys: bson.D{{Key: "teamId", Value: 1}, {Key: "ref.ownerType", Value: 1}},
			},
		},
		auditCollectionName: {
			{
				Keys: bson.D{{Key: "attachmentId", Value: 1}, {Key: "createdAt", Value: 1}},
			},
		},
	}

	for name, indexes := range specs {
		if _, err := d.db.Collection(name).Indexes().CreateMany(ctx, indexes); err != nil {
			log.Error("Failed to create indexes", zap.String("collection", name), zap.Error(err))
			return err
		}
	}
	return nil
}
