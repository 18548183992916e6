package device

import (
	"context"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"sealed_chat/internal/model"
)

type (
	DeviceRepo struct {
		collection *mongo.Collection
	}
)

func NewDeviceRepo(db *mongo.Database) *DeviceRepo {
	return &DeviceRepo{
		collection: db.Collection("devices"),
	}
}

// Upsert registers or refreshes one (user, device) record.
func (r *DeviceRepo) Upsert(ctx context.Context, dev *model.DeviceIdentity) error {
	filter := bson.M{
		"user_id":   dev.UserID,
		"device_id": dev.DeviceID,
	}

	_, err := r.collection.ReplaceOne(ctx, filter, dev, options.Replace().SetUpsert(true))
	return err
}

// ListByUser returns every registered device of a user in a stable order.
func (r *DeviceRepo) ListByUser(ctx context.Context, userID string) ([]model.DeviceIdentity, error) {
	filter := bson.M{
		"user_id": userID,
	}

	cursor, err := r.collection.Find(ctx, filter, options.Find().SetSort(bson.M{"device_id": 1}))
	if err != nil {
		return nil, err
	}
	defer cursor.Close(ctx)

	var devices []model.DeviceIdentity
	if err := cursor.All(ctx, &devices); err != nil {
		return nil, err
	}
	return devices, nil
}

// Delete removes one device record, used when a user unlinks an
// installation.
func (r *DeviceRepo) Delete(ctx context.Context, userID, deviceID string) error {
	filter := bson.M{
		"user_id":   userID,
		"device_id": deviceID,
	}

	_, err := r.collection.DeleteOne(ctx, filter)
	return err
}
