// Command order-ingest backfills historical orders from gzipped NDJSON export
// files into PostgreSQL. Each line is a single order document. Duplicate order
// IDs across files are dropped with a bloom filter so re-running the ingest
// against overlapping exports stays cheap.
package main

import (
	"bufio"
	"context"
	"encoding/json"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"time"

	"github.com/bits-and-blooms/bloom/v3"
	"github.com/go-faster/errors"
	"github.com/go-faster/jx"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	pgzip "github.com/klauspost/pgzip"
	"golang.org/x/sync/errgroup"

	"github.com/mkraev/ordergrid/internal/domain/order"
	"github.com/mkraev/ordergrid/internal/storage/postgres"
)

const (
	bloomCapacity = 10_000_000
	bloomFPR      = 0.001
	batchSize     = 1_000
	progressEvery = 100_000
)

// row is a decoded export line ready for COPY. Items stay as raw JSON since
// the column is JSONB and the export format matches the storage format.
type row struct {
	id             string
	userID         string
	items          []byte
	status         string
	idempotencyKey string
	createdAt      time.Time
	updatedAt      time.Time
}

func main() {
	var (
		dataDir     string
		databaseURL string
	)

	flag.StringVar(&dataDir, "data-dir", "data", "directory containing orders-*.ndjson.gz export files")
	flag.StringVar(&databaseURL, "database-url", "", "PostgreSQL connection URL (or DATABASE_URL env)")
	flag.Parse()

	if databaseURL == "" {
		databaseURL = os.Getenv("DATABASE_URL")
	}
	if databaseURL == "" {
		slog.Error("database URL is required: set --database-url or DATABASE_URL")
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	if err := run(ctx, dataDir, databaseURL); err != nil {
		slog.Error("order ingest failed", slog.String("error", err.Error()))
		os.Exit(1)
	}

	slog.Info("order ingest completed successfully")
}

func run(ctx context.Context, dataDir, databaseURL string) error {
	files, err := filepath.Glob(filepath.Join(dataDir, "orders-*.ndjson.gz"))
	if err != nil {
		return errors.Wrap(err, "glob export files")
	}
	if len(files) == 0 {
		return errors.Errorf("no orders-*.ndjson.gz files in %s", dataDir)
	}

	slog.Info("ingesting export files", slog.Int("files", len(files)))

	pool, err := postgres.NewPool(ctx, databaseURL)
	if err != nil {
		return errors.Wrap(err, "connect to database")
	}
	defer pool.Close()

	if err := postgres.RunMigrations(ctx, pool); err != nil {
		return errors.Wrap(err, "run migrations")
	}

	return ingest(ctx, files, func(ctx context.Context, rows <-chan row) error {
		return writeRows(ctx, pool, rows)
	})
}

// ingest fans the file readers into a single row sink. The sink runs in the
// same group as the readers so a write failure cancels the group and unblocks
// readers parked on a full channel, instead of hanging the whole run.
func ingest(ctx context.Context, files []string, write func(ctx context.Context, rows <-chan row) error) error {
	dedupe := newDeduper()
	rows := make(chan row, batchSize)

	g, gctx := errgroup.WithContext(ctx)
	readers, rctx := errgroup.WithContext(gctx)
	for _, f := range files {
		readers.Go(streamFile(rctx, f, dedupe, rows))
	}
	g.Go(func() error {
		defer close(rows)
		return readers.Wait()
	})
	g.Go(func() error {
		return write(gctx, rows)
	})
	return g.Wait()
}

// deduper tracks order IDs seen across all files.
type deduper struct {
	mu     sync.Mutex
	filter *bloom.BloomFilter
}

func newDeduper() *deduper {
	return &deduper{filter: bloom.NewWithEstimates(bloomCapacity, bloomFPR)}
}

// seen reports whether the ID was already added and records it otherwise.
func (d *deduper) seen(id string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.filter.TestAndAddString(id)
}

func streamFile(ctx context.Context, path string, dedupe *deduper, out chan<- row) func() error {
	return func() error {
		f, err := os.Open(path)
		if err != nil {
			return errors.Wrapf(err, "open %s", path)
		}
		defer func() { _ = f.Close() }()

		gz, err := pgzip.NewReader(f)
		if err != nil {
			return errors.Wrapf(err, "create gzip reader for %s", path)
		}
		defer func() { _ = gz.Close() }()

		var count, skipped uint64
		scanner := bufio.NewScanner(gz)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for scanner.Scan() {
			if err := ctx.Err(); err != nil {
				return err
			}

			r, err := decodeRow(scanner.Bytes())
			if err != nil {
				return errors.Wrapf(err, "decode line %d of %s", count+skipped+1, path)
			}

			if !order.Status(r.status).Valid() || dedupe.seen(r.id) {
				skipped++
				continue
			}

			select {
			case out <- r:
			case <-ctx.Done():
				return ctx.Err()
			}

			count++
			if count%progressEvery == 0 {
				slog.Info("ingest progress",
					slog.String("file", filepath.Base(path)),
					slog.Uint64("orders", count),
				)
			}
		}
		if err := scanner.Err(); err != nil {
			return errors.Wrapf(err, "scan %s", path)
		}

		slog.Info("file complete",
			slog.String("file", filepath.Base(path)),
			slog.Uint64("orders", count),
			slog.Uint64("skipped", skipped),
		)
		return nil
	}
}

func decodeRow(line []byte) (row, error) {
	var r row
	d := jx.DecodeBytes(line)
	if err := d.ObjBytes(func(d *jx.Decoder, key []byte) error {
		switch string(key) {
		case "id":
			v, err := d.Str()
			r.id = v
			return err
		case "user_id":
			v, err := d.Str()
			r.userID = v
			return err
		case "status":
			v, err := d.Str()
			r.status = v
			return err
		case "idempotency_key":
			v, err := d.Str()
			r.idempotencyKey = v
			return err
		case "items":
			raw, err := d.Raw()
			if err != nil {
				return err
			}
			r.items = append([]byte(nil), raw...)
			return nil
		case "created_at":
			return decodeTime(d, &r.createdAt)
		case "updated_at":
			return decodeTime(d, &r.updatedAt)
		default:
			return d.Skip()
		}
	}); err != nil {
		return row{}, err
	}

	if r.id == "" || r.userID == "" {
		return row{}, errors.New("missing id or user_id")
	}
	if len(r.items) == 0 {
		r.items = []byte("[]")
	}
	if !json.Valid(r.items) {
		return row{}, errors.New("items is not valid JSON")
	}
	if r.updatedAt.IsZero() {
		r.updatedAt = r.createdAt
	}
	return r, nil
}

func decodeTime(d *jx.Decoder, dst *time.Time) error {
	v, err := d.Str()
	if err != nil {
		return err
	}
	t, err := time.Parse(time.RFC3339, v)
	if err != nil {
		return errors.Wrap(err, "parse timestamp")
	}
	*dst = t
	return nil
}

// writeRows drains the channel in batches and bulk-loads each batch with COPY.
func writeRows(ctx context.Context, pool *pgxpool.Pool, rows <-chan row) error {
	batch := make([]row, 0, batchSize)
	var total int64

	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		n, err := copyBatch(ctx, pool, batch)
		if err != nil {
			return err
		}
		total += n
		batch = batch[:0]
		slog.Info("write progress", slog.Int64("written", total))
		return nil
	}

	for r := range rows {
		batch = append(batch, r)
		if len(batch) == batchSize {
			if err := flush(); err != nil {
				return err
			}
		}
	}
	return flush()
}

func copyBatch(ctx context.Context, pool *pgxpool.Pool, batch []row) (int64, error) {
	src := pgx.CopyFromSlice(len(batch), func(i int) ([]any, error) {
		r := batch[i]
		return []any{r.id, r.userID, r.items, r.status, r.idempotencyKey, r.createdAt, r.updatedAt}, nil
	})

	n, err := pool.CopyFrom(ctx, pgx.Identifier{"orders"},
		[]string{"id", "user_id", "items", "status", "idempotency_key", "created_at", "updated_at"},
		src,
	)
	if err != nil {
		return 0, errors.Wrap(err, "copy batch")
	}
	return n, nil
}
