package db

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"ccs_harvester/internal/config"
	"ccs_harvester/internal/models"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// HistoryDB is the optional Mongo-backed run history store: one record
// per terminal asset outcome plus one summary per run. It exists for
// fleet-level operational queries; the file ledger remains the durable
// resume source and the harvester works fine without this store.
type HistoryDB struct {
	client *mongo.Client
	assets *mongo.Collection
	runs   *mongo.Collection
}

func NewHistoryDB(cfg config.HistoryConfig) (*HistoryDB, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	client, err := mongo.Connect(ctx, options.Client().ApplyURI(cfg.Connection))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to MongoDB: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		return nil, fmt.Errorf("can't ping MongoDB: %w", err)
	}

	database := client.Database(cfg.Database)
	d := &HistoryDB{
		client: client,
		assets: database.Collection(cfg.Collections.Assets),
		runs:   database.Collection(cfg.Collections.Runs),
	}

	if err := d.createIndexes(); err != nil {
		return nil, fmt.Errorf("can't create indexes: %w", err)
	}
	return d, nil
}

func (d *HistoryDB) createIndexes() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	indexModel := mongo.IndexModel{
		Keys: bson.D{{Key: "model_code", Value: 1}, {Key: "asset_kind", Value: 1}},
	}
	if _, err := d.assets.Indexes().CreateOne(ctx, indexModel); err != nil {
		slog.Warn("failed to create asset history index", "err", err)
	}

	indexModel = mongo.IndexModel{
		Keys:    bson.D{{Key: "run_id", Value: 1}},
		Options: options.Index().SetUnique(true),
	}
	if _, err := d.runs.Indexes().CreateOne(ctx, indexModel); err != nil {
		slog.Warn("failed to create run index", "err", err)
	}
	return nil
}

func (d *HistoryDB) SaveAssetOutcome(ctx context.Context, outcome models.AssetOutcome) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	_, err := d.assets.InsertOne(ctx, outcome)
	return err
}

func (d *HistoryDB) SaveRunRecord(ctx context.Context, rec models.RunRecord) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	opts := options.Update().SetUpsert(true)
	filter := bson.M{"run_id": rec.RunID}
	update := bson.M{"$set": rec}

	_, err := d.runs.UpdateOne(ctx, filter, update, opts)
	return err
}

// LastOutcomes returns the most recent outcome per asset for a product,
// newest first. Used by operators to inspect flaky assets.
func (d *HistoryDB) LastOutcomes(ctx context.Context, modelCode string, limit int64) ([]models.AssetOutcome, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	opts := options.Find().
		SetSort(bson.D{{Key: "timestamp", Value: -1}}).
		SetLimit(limit)

	cursor, err := d.assets.Find(ctx, bson.M{"model_code": modelCode}, opts)
	if err != nil {
		return nil, err
	}
	defer cursor.Close(ctx)

	var outcomes []models.AssetOutcome
	if err := cursor.All(ctx, &outcomes); err != nil {
		return nil, err
	}
	return outcomes, nil
}

func (d *HistoryDB) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return d.client.Disconnect(ctx)
}
