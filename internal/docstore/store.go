// Package docstore is the document-store side of persistence: the raw
// webhook payloads the ingester wrote and the parsed artifacts the parser
// worker produces from them, both keyed by build_id.
package docstore

import (
	"context"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/safeops/ci-anomaly-pipeline/pkg/models"
)

// ParsedArtifact is what the parser worker writes to parsed_logs: the
// Drain tree's template-ID-to-cluster-size counts at save time (cumulative
// over every build the worker has parsed, not only this one) plus the
// extracted feature dict.
type ParsedArtifact struct {
	BuildID   string             `bson:"build_id"`
	Templates map[string]int64   `bson:"templates"`
	Features  map[string]float64 `bson:"features"`
	ParsedAt  time.Time          `bson:"parsed_at"`
}

// Store is the Mongo-backed document store. Mirrors the
// teacher's storage-interface-as-Go-interface pattern, but since there is
// exactly one backend here the interface and implementation are collapsed
// into a single concrete type.
type Store struct {
	client   *mongo.Client
	rawLogs  *mongo.Collection
	parsed   *mongo.Collection
}

// New connects to uri and selects db, returning a Store ready for use.
func New(ctx context.Context, uri, db string) (*Store, error) {
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("connecting to mongo: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		return nil, fmt.Errorf("pinging mongo: %w", err)
	}

	database := client.Database(db)
	s := &Store{
		client:  client,
		rawLogs: database.Collection("raw_logs"),
		parsed:  database.Collection("parsed_logs"),
	}

	if _, err := s.rawLogs.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "build_id", Value: 1}},
		Options: options.Index().SetUnique(true),
	}); err != nil {
		return nil, fmt.Errorf("indexing raw_logs: %w", err)
	}
	if _, err := s.parsed.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "build_id", Value: 1}},
		Options: options.Index().SetUnique(true),
	}); err != nil {
		return nil, fmt.Errorf("indexing parsed_logs: %w", err)
	}

	return s, nil
}

// Close disconnects the underlying client.
func (s *Store) Close(ctx context.Context) error {
	return s.client.Disconnect(ctx)
}

// SaveRawLog upserts the raw build payload, the first thing written for a
// build before any parsing happens.
func (s *Store) SaveRawLog(ctx context.Context, build models.RawBuild) error {
	_, err := s.rawLogs.UpdateOne(ctx,
		bson.M{"build_id": build.BuildID},
		bson.M{"$set": bson.M{
			"build_id":    build.BuildID,
			"provider":    build.Provider,
			"status":      build.Status,
			"started_at":  build.StartedAt,
			"finished_at": build.FinishedAt,
			"processed":   false,
		}},
		options.Update().SetUpsert(true),
	)
	if err != nil {
		return fmt.Errorf("saving raw log for %s: %w", build.BuildID, err)
	}
	return nil
}

// MarkProcessed flips the processed flag on a build's raw-log document,
// step 3 of the parser worker's per-message handling.
func (s *Store) MarkProcessed(ctx context.Context, buildID string) error {
	_, err := s.rawLogs.UpdateOne(ctx,
		bson.M{"build_id": buildID},
		bson.M{"$set": bson.M{"processed": true, "processed_at": time.Now().UTC()}},
	)
	if err != nil {
		return fmt.Errorf("marking %s processed: %w", buildID, err)
	}
	return nil
}

// SaveParsed upserts the parsed artifact (templates + feature dict) for a
// build.
func (s *Store) SaveParsed(ctx context.Context, artifact ParsedArtifact) error {
	_, err := s.parsed.UpdateOne(ctx,
		bson.M{"build_id": artifact.BuildID},
		bson.M{"$set": artifact},
		options.Update().SetUpsert(true),
	)
	if err != nil {
		return fmt.Errorf("saving parsed artifact for %s: %w", artifact.BuildID, err)
	}
	return nil
}

// GetParsed fetches the parsed artifact for a build, models.ErrNotFound
// if absent.
func (s *Store) GetParsed(ctx context.Context, buildID string) (ParsedArtifact, error) {
	var artifact ParsedArtifact
	err := s.parsed.FindOne(ctx, bson.M{"build_id": buildID}).Decode(&artifact)
	if err == mongo.ErrNoDocuments {
		return ParsedArtifact{}, models.ErrNotFound
	}
	if err != nil {
		return ParsedArtifact{}, fmt.Errorf("loading parsed artifact for %s: %w", buildID, err)
	}
	return artifact, nil
}
