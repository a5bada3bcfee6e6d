package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// MongoStore implements Store on a MongoDB database with two collections,
// photos and sessions. The document shapes match the Photo and Session JSON
// field names.
type MongoStore struct {
	client   *mongo.Client
	photos   *mongo.Collection
	sessions *mongo.Collection
}

// NewMongoStore connects, pings and ensures the indexes exist.
func NewMongoStore(ctx context.Context, uri, database string) (*MongoStore, error) {
	if database == "" {
		database = "photodrop"
	}
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("connect mongo: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("ping mongo: %w", err)
	}

	db := client.Database(database)
	s := &MongoStore{
		client:   client,
		photos:   db.Collection("photos"),
		sessions: db.Collection("sessions"),
	}
	if err := s.ensureIndexes(ctx); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, err
	}
	return s, nil
}

func (s *MongoStore) ensureIndexes(ctx context.Context) error {
	_, err := s.photos.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "clientId", Value: 1}, {Key: "uploadedAt", Value: 1}},
	})
	if err != nil {
		return fmt.Errorf("create photos index: %w", err)
	}
	_, err = s.sessions.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "clientId", Value: 1}},
		Options: options.Index().SetUnique(true),
	})
	if err != nil {
		return fmt.Errorf("create sessions index: %w", err)
	}
	return nil
}

// SavePhotos uses an ordered InsertMany. MongoDB does not make the batch
// atomic: documents before a failing one stay inserted.
func (s *MongoStore) SavePhotos(ctx context.Context, photos []*Photo) error {
	docs := make([]any, len(photos))
	for i, p := range photos {
		docs[i] = p
	}
	_, err := s.photos.InsertMany(ctx, docs, options.InsertMany().SetOrdered(true))
	return err
}

func (s *MongoStore) ListPhotos(ctx context.Context, clientID string) ([]*Photo, error) {
	opts := options.Find().SetSort(bson.D{{Key: "uploadedAt", Value: 1}, {Key: "_id", Value: 1}})
	cur, err := s.photos.Find(ctx, bson.M{"clientId": clientID}, opts)
	if err != nil {
		return nil, err
	}
	photos := []*Photo{}
	if err := cur.All(ctx, &photos); err != nil {
		return nil, err
	}
	return photos, nil
}

func (s *MongoStore) GetPhoto(ctx context.Context, id string) (*Photo, error) {
	var p Photo
	err := s.photos.FindOne(ctx, bson.M{"_id": id}).Decode(&p)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func (s *MongoStore) CountPhotos(ctx context.Context, clientID string) (int, error) {
	n, err := s.photos.CountDocuments(ctx, bson.M{"clientId": clientID})
	return int(n), err
}

func (s *MongoStore) GetSession(ctx context.Context, clientID string) (*Session, error) {
	var sess Session
	err := s.sessions.FindOne(ctx, bson.M{"clientId": clientID}).Decode(&sess)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &sess, nil
}

func (s *MongoStore) MarkSessionPaid(ctx context.Context, clientID, stripeSessionID string) error {
	_, err := s.sessions.UpdateOne(ctx,
		bson.M{"clientId": clientID},
		sessionPaidUpdate(stripeSessionID, time.Now().UTC()),
		options.Update().SetUpsert(true),
	)
	return err
}

func sessionPaidUpdate(stripeSessionID string, now time.Time) bson.M {
	return bson.M{
		"$set":         bson.M{"paid": true, "stripeSessionId": stripeSessionID},
		"$setOnInsert": bson.M{"createdAt": now},
	}
}

func (s *MongoStore) GetStats(ctx context.Context) (*Stats, error) {
	stats := &Stats{}

	cur, err := s.photos.Aggregate(ctx, mongo.Pipeline{
		{{Key: "$group", Value: bson.D{
			{Key: "_id", Value: nil},
			{Key: "count", Value: bson.D{{Key: "$sum", Value: 1}}},
			{Key: "bytes", Value: bson.D{{Key: "$sum", Value: "$size"}}},
			{Key: "clients", Value: bson.D{{Key: "$addToSet", Value: "$clientId"}}},
			{Key: "oldest", Value: bson.D{{Key: "$min", Value: "$uploadedAt"}}},
			{Key: "newest", Value: bson.D{{Key: "$max", Value: "$uploadedAt"}}},
		}}},
	})
	if err != nil {
		return nil, err
	}
	var totals []struct {
		Count   int       `bson:"count"`
		Bytes   int64     `bson:"bytes"`
		Clients []string  `bson:"clients"`
		Oldest  time.Time `bson:"oldest"`
		Newest  time.Time `bson:"newest"`
	}
	if err := cur.All(ctx, &totals); err != nil {
		return nil, err
	}
	if len(totals) == 1 {
		stats.TotalPhotos = totals[0].Count
		stats.TotalBytes = totals[0].Bytes
		stats.Clients = len(totals[0].Clients)
		stats.OldestUpload = totals[0].Oldest
		stats.NewestUpload = totals[0].Newest
	}

	paid, err := s.sessions.Distinct(ctx, "clientId", bson.M{"paid": true})
	if err != nil {
		return nil, err
	}
	stats.PaidSessions = len(paid)
	if len(paid) > 0 {
		cur, err := s.photos.Aggregate(ctx, mongo.Pipeline{
			{{Key: "$match", Value: bson.M{"clientId": bson.M{"$in": paid}}}},
			{{Key: "$group", Value: bson.D{
				{Key: "_id", Value: nil},
				{Key: "bytes", Value: bson.D{{Key: "$sum", Value: "$size"}}},
			}}},
		})
		if err != nil {
			return nil, err
		}
		var paidTotals []struct {
			Bytes int64 `bson:"bytes"`
		}
		if err := cur.All(ctx, &paidTotals); err != nil {
			return nil, err
		}
		if len(paidTotals) == 1 {
			stats.PaidBytes = paidTotals[0].Bytes
		}
	}

	return stats, nil
}

func (s *MongoStore) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.client.Disconnect(ctx)
}
