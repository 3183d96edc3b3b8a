package tsdb

import (
	"context"
	"fmt"
	"log"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
)

// EnsureIndexes creates idempotent indexes on the candles collection.
func EnsureIndexes(ctx context.Context, db *mongo.Database) error {
	type idx struct {
		collection string
		model      mongo.IndexModel
	}

	indexes := []idx{
		{
			// One document per (symbol, timeframe, bar start); the unique
			// index doubles as the idempotency guard a replayed or
			// re-delivered bar completion relies on.
			collection: "candles",
			model: mongo.IndexModel{
				Keys: bson.D{
					{Key: "symbol", Value: 1},
					{Key: "timeframe", Value: 1},
					{Key: "start", Value: 1},
				},
				Options: options.Index().SetUnique(true),
			},
		},
		{
			// Covers RecentCandles' sort-by-start-descending-with-limit scan
			// without touching the unique index's leading (symbol,timeframe)
			// prefix differently — same prefix, reverse order is free on a
			// B-tree index, but keeping this explicit documents the access
			// pattern it serves.
			collection: "candles",
			model: mongo.IndexModel{
				Keys: bson.D{
					{Key: "symbol", Value: 1},
					{Key: "timeframe", Value: 1},
					{Key: "start", Value: -1},
				},
			},
		},
	}

	for _, i := range indexes {
		_, err := db.Collection(i.collection).Indexes().CreateOne(ctx, i.model)
		if err != nil {
			return fmt.Errorf("create index on %s: %w", i.collection, err)
		}
	}

	log.Println("tsdb: MongoDB indexes ensured")
	return nil
}
