// Package ingest bulk-loads rows of one data type from JSONL input.
//
// Each non-empty line is {"index": "l0n2", "data": <json>} or, for binary
// payloads, {"index": "l0n2", "data_base64": "..."}. Lines are parsed by a
// worker pool, optionally rate limited, and committed through
// types.Database.BulkWrite. Row order is not preserved across workers, so a
// file that repeats an index leaves one of its payloads, not necessarily the
// last.
package ingest

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"runtime"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"github.com/klauspost/compress/zstd"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/mesh-intelligence/deepdecipher/pkg/types"
)

// maxLineSize bounds one JSONL record.
const maxLineSize = 64 << 20

// ErrMalformedLine wraps every parse failure; the message carries the line
// number.
var ErrMalformedLine = errors.New("malformed line")

// Options tunes a Loader. The zero value uses one worker per CPU and no rate
// limit.
type Options struct {
	Workers int
	// Rate caps rows per second; zero means unlimited.
	Rate float64
	// Burst is the limiter's bucket size; it defaults to Rate rounded up.
	Burst  int
	Logger *slog.Logger
}

// Stats summarizes one load.
type Stats struct {
	RunID    uuid.UUID
	Rows     int
	Bytes    int64
	Duration time.Duration
}

// Loader feeds JSONL rows into a store.
type Loader struct {
	db      types.Database
	workers int
	limiter *rate.Limiter
	log     *slog.Logger
}

// New returns a Loader writing to db.
func New(db types.Database, opts Options) *Loader {
	l := &Loader{db: db, workers: opts.Workers, log: opts.Logger}
	if l.workers <= 0 {
		l.workers = runtime.NumCPU()
	}
	if l.log == nil {
		l.log = slog.New(slog.DiscardHandler)
	}
	if opts.Rate > 0 {
		burst := opts.Burst
		if burst <= 0 {
			burst = int(opts.Rate + 0.999)
		}
		l.limiter = rate.NewLimiter(rate.Limit(opts.Rate), burst)
	}
	return l
}

type line struct {
	num  int
	text []byte
}

type row struct {
	idx     types.Index
	payload []byte
}

// record is the wire shape of one line.
type record struct {
	Index      *types.Index    `json:"index"`
	Data       json.RawMessage `json:"data"`
	DataBase64 []byte          `json:"data_base64"`
}

// LoadFile loads path, decompressing it first when it ends in ".zst".
func (l *Loader) LoadFile(ctx context.Context, model, dataType, path string) (Stats, error) {
	f, err := os.Open(path)
	if err != nil {
		return Stats{}, fmt.Errorf("load %s: %w", path, err)
	}
	defer f.Close()

	var r io.Reader = f
	if strings.HasSuffix(path, ".zst") {
		dec, err := zstd.NewReader(f)
		if err != nil {
			return Stats{}, fmt.Errorf("load %s: %w", path, err)
		}
		defer dec.Close()
		r = dec
	}
	return l.Load(ctx, model, dataType, r)
}

// Load reads JSONL from r and writes every row. On error the rows of batches
// already committed stay; Stats.Rows counts them.
func (l *Loader) Load(ctx context.Context, model, dataType string, r io.Reader) (Stats, error) {
	runID, err := uuid.NewV7()
	if err != nil {
		return Stats{}, fmt.Errorf("new run id: %w", err)
	}
	stats := Stats{RunID: runID}
	log := l.log.With("run_id", runID.String(), "model", model, "data_type", dataType)
	log.Info("ingest started", "workers", l.workers)
	start := time.Now()

	g, gctx := errgroup.WithContext(ctx)
	lines := make(chan line, l.workers*4)
	rows := make(chan row, l.workers*4)
	var bytesIn atomic.Int64

	g.Go(func() error {
		defer close(lines)
		return scanLines(gctx, r, lines)
	})

	var wg sync.WaitGroup
	for range l.workers {
		wg.Add(1)
		g.Go(func() error {
			defer wg.Done()
			for ln := range lines {
				rw, err := parseLine(ln)
				if err != nil {
					return err
				}
				if l.limiter != nil {
					if err := l.limiter.Wait(gctx); err != nil {
						return err
					}
				}
				bytesIn.Add(int64(len(rw.payload)))
				select {
				case rows <- rw:
				case <-gctx.Done():
					return gctx.Err()
				}
			}
			return nil
		})
	}
	g.Go(func() error {
		wg.Wait()
		close(rows)
		return nil
	})

	g.Go(func() error {
		seq := func(yield func(types.Index, []byte) bool) {
			for rw := range rows {
				if !yield(rw.idx, rw.payload) {
					return
				}
			}
		}
		n, err := l.db.BulkWrite(gctx, model, dataType, seq)
		stats.Rows = n
		return err
	})

	err = g.Wait()
	stats.Bytes = bytesIn.Load()
	stats.Duration = time.Since(start)
	if err != nil {
		log.Error("ingest failed", "rows", stats.Rows, "error", err)
		return stats, fmt.Errorf("ingest %s/%s: %w", model, dataType, err)
	}

	perSec := float64(stats.Rows) / max(stats.Duration.Seconds(), 1e-9)
	log.Info("ingest finished",
		"rows", humanize.Comma(int64(stats.Rows)),
		"bytes", humanize.Bytes(uint64(stats.Bytes)),
		"duration", stats.Duration.Round(time.Millisecond),
		"rows_per_sec", humanize.Comma(int64(perSec)))
	return stats, nil
}

func scanLines(ctx context.Context, r io.Reader, out chan<- line) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), maxLineSize)
	num := 0
	for scanner.Scan() {
		num++
		text := bytes.TrimSpace(scanner.Bytes())
		if len(text) == 0 {
			continue
		}
		select {
		case out <- line{num: num, text: bytes.Clone(text)}:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("read input: %w", err)
	}
	return nil
}

func parseLine(ln line) (row, error) {
	var rec record
	if err := json.Unmarshal(ln.text, &rec); err != nil {
		return row{}, fmt.Errorf("%w %d: %v", ErrMalformedLine, ln.num, err)
	}
	if rec.Index == nil {
		return row{}, fmt.Errorf("%w %d: missing index", ErrMalformedLine, ln.num)
	}
	hasData := len(rec.Data) > 0 && !bytes.Equal(rec.Data, []byte("null"))
	switch {
	case hasData && rec.DataBase64 != nil:
		return row{}, fmt.Errorf("%w %d: both data and data_base64", ErrMalformedLine, ln.num)
	case rec.DataBase64 != nil:
		return row{idx: *rec.Index, payload: rec.DataBase64}, nil
	case hasData:
		return row{idx: *rec.Index, payload: []byte(rec.Data)}, nil
	default:
		return row{}, fmt.Errorf("%w %d: missing data", ErrMalformedLine, ln.num)
	}
}
