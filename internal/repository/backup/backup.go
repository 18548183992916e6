package backup

import (
	"context"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

type (
	// BackupRepo stores at most one encrypted identity backup blob per
	// user. Writes are whole-blob replacements, never partial updates.
	BackupRepo struct {
		collection *mongo.Collection
	}

	record struct {
		UserID string `bson:"user_id"`
		Blob   []byte `bson:"blob"`
	}
)

func NewBackupRepo(db *mongo.Database) *BackupRepo {
	return &BackupRepo{
		collection: db.Collection("backups"),
	}
}

func (r *BackupRepo) Put(ctx context.Context, userID string, blob []byte) error {
	filter := bson.M{
		"user_id": userID,
	}

	_, err := r.collection.ReplaceOne(ctx, filter, &record{UserID: userID, Blob: blob},
		options.Replace().SetUpsert(true))
	return err
}

// Get returns nil when no backup exists for the user.
func (r *BackupRepo) Get(ctx context.Context, userID string) ([]byte, error) {
	filter := bson.M{
		"user_id": userID,
	}

	var rec record
	err := r.collection.FindOne(ctx, filter).Decode(&rec)
	if err == mongo.ErrNoDocuments {
		return nil, nil
	}

	if err != nil {
		return nil, err
	}

	return rec.Blob, nil
}
