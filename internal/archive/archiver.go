package archive

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
)

// Archiver periodically moves old candles from MongoDB to local gzipped
// NDJSON files, deleting the oldest archives when total size exceeds
// maxBytes.
type Archiver struct {
	db       *mongo.Database
	dir      string
	maxBytes int64
	interval time.Duration
	maxAge   time.Duration
}

// New creates a new Archiver.
func New(db *mongo.Database, dir string, maxGB, intervalHours, afterHours int) *Archiver {
	return &Archiver{
		db:       db,
		dir:      dir,
		maxBytes: int64(maxGB) * 1 << 30,
		interval: time.Duration(intervalHours) * time.Hour,
		maxAge:   time.Duration(afterHours) * time.Hour,
	}
}

// Run starts the periodic archive loop. Blocks until ctx is cancelled.
func (a *Archiver) Run(ctx context.Context) {
	log.Printf("candle archiver: dir=%s max=%dGB interval=%v age=%v",
		a.dir, a.maxBytes>>30, a.interval, a.maxAge)

	a.cycle(ctx)

	ticker := time.NewTicker(a.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.cycle(ctx)
		}
	}
}

func (a *Archiver) cycle(ctx context.Context) {
	cursor, err := a.loadCursor(ctx)
	if err != nil {
		log.Printf("candle archiver: load cursor: %v", err)
		return
	}

	cutoff := time.Now().Add(-a.maxAge)
	if !cursor.Before(cutoff) {
		return
	}

	candles, err := a.queryCandles(ctx, cursor, cutoff)
	if err != nil {
		log.Printf("candle archiver: query: %v", err)
		return
	}
	if len(candles) == 0 {
		a.saveCursor(ctx, cutoff)
		return
	}

	batches := groupByDay(candles)

	for day, batch := range batches {
		if err := a.writeBatch(day, batch); err != nil {
			log.Printf("candle archiver: write %s: %v", day, err)
			return
		}

		if err := a.deleteBatch(ctx, batch); err != nil {
			log.Printf("candle archiver: delete %s: %v", day, err)
			return
		}

		log.Printf("candle archiver: archived %d candles for %s", len(batch), day)
	}

	a.saveCursor(ctx, cutoff)
	a.rotate()
}

// candleDoc mirrors the candles collection's document, in string-decimal
// form so archived NDJSON carries the exact same OHLC text internal/tsdb
// wrote rather than a float64 lossy copy.
type candleDoc struct {
	Symbol    string    `bson:"symbol"    json:"symbol"`
	Timeframe string    `bson:"timeframe" json:"timeframe"`
	Start     time.Time `bson:"start"     json:"start"`
	Open      string    `bson:"open"      json:"open"`
	High      string    `bson:"high"      json:"high"`
	Low       string    `bson:"low"       json:"low"`
	Close     string    `bson:"close"     json:"close"`
	Volume    int64     `bson:"volume"    json:"volume"`
}

func (a *Archiver) loadCursor(ctx context.Context) (time.Time, error) {
	var doc struct {
		ValueTime time.Time `bson:"value_time"`
	}
	err := a.db.Collection("sim_state").FindOne(ctx, bson.M{"key": "archive_cursor"}).Decode(&doc)
	if err != nil {
		if err == mongo.ErrNoDocuments {
			return time.Time{}, nil
		}
		return time.Time{}, err
	}
	return doc.ValueTime, nil
}

func (a *Archiver) saveCursor(ctx context.Context, t time.Time) {
	_, err := a.db.Collection("sim_state").UpdateOne(ctx,
		bson.M{"key": "archive_cursor"},
		bson.M{"$set": bson.M{
			"key":        "archive_cursor",
			"value_time": t,
			"updated_at": time.Now(),
		}},
		options.UpdateOne().SetUpsert(true),
	)
	if err != nil {
		log.Printf("candle archiver: save cursor: %v", err)
	}
}

func (a *Archiver) queryCandles(ctx context.Context, from, to time.Time) ([]candleDoc, error) {
	filter := bson.M{
		"start": bson.M{"$gte": from, "$lt": to},
	}
	opts := options.Find().SetSort(bson.D{{Key: "start", Value: 1}})

	cur, err := a.db.Collection("candles").Find(ctx, filter, opts)
	if err != nil {
		return nil, fmt.Errorf("find candles: %w", err)
	}
	defer cur.Close(ctx)

	var candles []candleDoc
	if err := cur.All(ctx, &candles); err != nil {
		return nil, fmt.Errorf("decode candles: %w", err)
	}
	return candles, nil
}

func groupByDay(candles []candleDoc) map[string][]candleDoc {
	batches := make(map[string][]candleDoc)
	for _, c := range candles {
		day := c.Start.UTC().Format("2006/01/02")
		batches[day] = append(batches[day], c)
	}
	return batches
}

// writeBatch writes candles as gzipped NDJSON to dir/candles/YYYY/MM/DD.jsonl.gz.
func (a *Archiver) writeBatch(day string, candles []candleDoc) error {
	path := filepath.Join(a.dir, "candles", day+".jsonl.gz")

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("mkdir: %w", err)
	}

	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	enc := json.NewEncoder(gz)
	for _, c := range candles {
		if err := enc.Encode(c); err != nil {
			gz.Close()
			return fmt.Errorf("encode: %w", err)
		}
	}
	if err := gz.Close(); err != nil {
		return fmt.Errorf("gzip close: %w", err)
	}

	if err := os.WriteFile(path, buf.Bytes(), 0o644); err != nil {
		return fmt.Errorf("write: %w", err)
	}
	return nil
}

func (a *Archiver) deleteBatch(ctx context.Context, candles []candleDoc) error {
	keys := make([]bson.M, len(candles))
	for i, c := range candles {
		keys[i] = bson.M{"symbol": c.Symbol, "timeframe": c.Timeframe, "start": c.Start}
	}

	_, err := a.db.Collection("candles").DeleteMany(ctx, bson.M{"$or": keys})
	if err != nil {
		return fmt.Errorf("delete archived candles: %w", err)
	}
	return nil
}

// rotate deletes the oldest archive files until total size is under maxBytes.
func (a *Archiver) rotate() {
	root := filepath.Join(a.dir, "candles")

	type entry struct {
		path string
		size int64
	}

	var files []entry
	var total int64

	filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
		if err != nil || info.IsDir() {
			return nil
		}
		files = append(files, entry{path: path, size: info.Size()})
		total += info.Size()
		return nil
	})

	if total <= a.maxBytes {
		return
	}

	// Sort oldest first (path is YYYY/MM/DD so lexicographic = chronological).
	sort.Slice(files, func(i, j int) bool {
		return files[i].path < files[j].path
	})

	for _, f := range files {
		if total <= a.maxBytes {
			break
		}
		if err := os.Remove(f.path); err != nil {
			log.Printf("candle archiver: remove %s: %v", f.path, err)
			continue
		}
		total -= f.size
		log.Printf("candle archiver: rotated out %s (%d bytes)", f.path, f.size)
	}
}
