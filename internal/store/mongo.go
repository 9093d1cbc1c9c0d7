package store

import (
	"context"
	"fmt"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/tsingest/bucketworker/internal/config"
	"github.com/tsingest/bucketworker/internal/model"
)

// MongoStore implements Store over a *mongo.Client, one database per data
// type (spec.md §6 Store layout).
type MongoStore struct {
	client *mongo.Client
}

// NewMongo wraps an already-connected Mongo client.
func NewMongo(client *mongo.Client) *MongoStore {
	return &MongoStore{client: client}
}

func (s *MongoStore) db(dataType string) *mongo.Database {
	return s.client.Database(dataType)
}

func (s *MongoStore) ListDatabaseNames(ctx context.Context) ([]string, error) {
	names, err := s.client.ListDatabaseNames(ctx, bson.D{})
	if err != nil {
		return nil, fmt.Errorf("list database names: %w", err)
	}
	return names, nil
}

func (s *MongoStore) FetchMetadata(ctx context.Context, dataType string) (*Metadata, error) {
	var md Metadata
	err := s.db(dataType).Collection(config.CollectionMetadata).FindOne(ctx, bson.D{}).Decode(&md)
	if err == mongo.ErrNoDocuments {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("fetch metadata for %s: %w", dataType, err)
	}
	return &md, nil
}

func (s *MongoStore) AddValueTypes(ctx context.Context, dataType string, additions map[string]model.ValueTypeDescriptor) error {
	if len(additions) == 0 {
		return nil
	}
	set := bson.M{}
	for vt, desc := range additions {
		set["values."+vt] = desc
	}
	res, err := s.db(dataType).Collection(config.CollectionMetadata).UpdateOne(ctx, bson.D{}, bson.M{"$set": set})
	if err != nil {
		return fmt.Errorf("add value types for %s: %w", dataType, err)
	}
	if res.MatchedCount == 0 {
		return fmt.Errorf("add value types for %s: metadata document missing", dataType)
	}
	return nil
}

func (s *MongoStore) FindActiveMeasurement(ctx context.Context, dataType, identifier string) (*model.Measurement, error) {
	var m model.Measurement
	filter := bson.D{{Key: "identifier", Value: identifier}, {Key: "end", Value: nil}}
	err := s.db(dataType).Collection(config.CollectionMeasurements).FindOne(ctx, filter).Decode(&m)
	if err == mongo.ErrNoDocuments {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find active measurement %s/%s: %w", dataType, identifier, err)
	}
	m.DataType = dataType
	return &m, nil
}

func (s *MongoStore) InsertMeasurement(ctx context.Context, dataType string, m model.Measurement) error {
	_, err := s.db(dataType).Collection(config.CollectionMeasurements).InsertOne(ctx, m)
	if err != nil {
		return fmt.Errorf("insert measurement %s/%s: %w", dataType, m.Identifier, err)
	}
	return nil
}

func (s *MongoStore) FindBucket(ctx context.Context, dataType, identifier string, start, end int64) (*model.DataDocument, error) {
	var d model.DataDocument
	filter := bson.D{
		{Key: "identifier", Value: identifier},
		{Key: "start", Value: start},
		{Key: "end", Value: end},
	}
	err := s.db(dataType).Collection(config.CollectionData).FindOne(ctx, filter).Decode(&d)
	if err == mongo.ErrNoDocuments {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find bucket %s/%s[%d,%d): %w", dataType, identifier, start, end, err)
	}
	d.DataType = dataType
	return &d, nil
}

func (s *MongoStore) FindOverlappingBuckets(ctx context.Context, dataType, identifier string, start, end int64) ([]model.DataDocument, error) {
	filter := bson.D{
		{Key: "identifier", Value: identifier},
		{Key: "start", Value: bson.D{{Key: "$lt", Value: end}}},
		{Key: "end", Value: bson.D{{Key: "$gt", Value: start}}},
	}
	opts := options.Find().
		SetHint(config.DataOverlapIndexHint).
		SetSort(bson.D{{Key: "start", Value: 1}, {Key: "end", Value: 1}})

	cur, err := s.db(dataType).Collection(config.CollectionData).Find(ctx, filter, opts)
	if err != nil {
		return nil, fmt.Errorf("find overlapping buckets %s/%s: %w", dataType, identifier, err)
	}
	defer cur.Close(ctx)

	var out []model.DataDocument
	for cur.Next(ctx) {
		var d model.DataDocument
		if err := cur.Decode(&d); err != nil {
			return nil, fmt.Errorf("decode overlapping bucket %s/%s: %w", dataType, identifier, err)
		}
		d.DataType = dataType
		out = append(out, d)
	}
	if err := cur.Err(); err != nil {
		return nil, fmt.Errorf("iterate overlapping buckets %s/%s: %w", dataType, identifier, err)
	}
	return out, nil
}

func (s *MongoStore) UpsertBucket(ctx context.Context, dataType string, bucket model.DataDocument) error {
	filter := bson.D{
		{Key: "identifier", Value: bucket.MeasurementIdentifier},
		{Key: "start", Value: bucket.Start},
		{Key: "end", Value: bucket.End},
	}
	opts := options.Replace().SetUpsert(true)
	_, err := s.db(dataType).Collection(config.CollectionData).ReplaceOne(ctx, filter, bucket, opts)
	if err != nil {
		return fmt.Errorf("upsert bucket %s/%s[%d,%d): %w", dataType, bucket.MeasurementIdentifier, bucket.Start, bucket.End, err)
	}
	return nil
}

func (s *MongoStore) UpdateBucketPoints(ctx context.Context, dataType string, bucketID any, newPoints []model.DataPoint, addedValueTypes map[string]bool) error {
	set := bson.M{"data_points": newPoints}
	for vt := range addedValueTypes {
		set["value_types."+vt] = true
	}
	_, err := s.db(dataType).Collection(config.CollectionData).UpdateOne(ctx,
		bson.D{{Key: "_id", Value: bucketID}},
		bson.M{"$set": set},
	)
	if err != nil {
		return fmt.Errorf("update bucket points %s/%v: %w", dataType, bucketID, err)
	}
	return nil
}

func (s *MongoStore) DeleteBuckets(ctx context.Context, dataType string, ids []any) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := s.db(dataType).Collection(config.CollectionData).DeleteMany(ctx, bson.D{
		{Key: "_id", Value: bson.D{{Key: "$in", Value: ids}}},
	})
	if err != nil {
		return fmt.Errorf("delete buckets %s: %w", dataType, err)
	}
	return nil
}

func (s *MongoStore) FindEventBucket(ctx context.Context, dataType, eventType string, start, end int64) (*model.EventDocument, error) {
	var d model.EventDocument
	filter := bson.D{
		{Key: "type", Value: eventType},
		{Key: "start", Value: start},
		{Key: "end", Value: end},
	}
	err := s.db(dataType).Collection(config.CollectionEvent).FindOne(ctx, filter).Decode(&d)
	if err == mongo.ErrNoDocuments {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find event bucket %s/%s[%d,%d): %w", dataType, eventType, start, end, err)
	}
	d.DataType = dataType
	return &d, nil
}

func (s *MongoStore) UpsertEventBucket(ctx context.Context, dataType string, bucket model.EventDocument) error {
	filter := bson.D{
		{Key: "type", Value: bucket.Type},
		{Key: "start", Value: bucket.Start},
		{Key: "end", Value: bucket.End},
	}
	opts := options.Replace().SetUpsert(true)
	_, err := s.db(dataType).Collection(config.CollectionEvent).ReplaceOne(ctx, filter, bucket, opts)
	if err != nil {
		return fmt.Errorf("upsert event bucket %s/%s[%d,%d): %w", dataType, bucket.Type, bucket.Start, bucket.End, err)
	}
	return nil
}
