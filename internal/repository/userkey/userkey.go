package userkey

import (
	"context"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"sealed_chat/internal/model"
)

type (
	// UserKeyRepo stores the legacy single long-term public key per user,
	// the only key pre-multi-device clients know how to fetch.
	UserKeyRepo struct {
		collection *mongo.Collection
	}
)

func NewUserKeyRepo(db *mongo.Database) *UserKeyRepo {
	return &UserKeyRepo{
		collection: db.Collection("user_keys"),
	}
}

func (r *UserKeyRepo) Put(ctx context.Context, key *model.UserKey) error {
	filter := bson.M{
		"user_id": key.UserID,
	}

	_, err := r.collection.ReplaceOne(ctx, filter, key, options.Replace().SetUpsert(true))
	return err
}

// Get returns nil when the user has never published a key.
func (r *UserKeyRepo) Get(ctx context.Context, userID string) (*model.UserKey, error) {
	filter := bson.M{
		"user_id": userID,
	}

	var key model.UserKey
	err := r.collection.FindOne(ctx, filter).Decode(&key)
	if err == mongo.ErrNoDocuments {
		return nil, nil
	}

	if err != nil {
		return nil, err
	}

	return &key, nil
}
