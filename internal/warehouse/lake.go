package warehouse

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/parquet-go/parquet-go"

	"github.com/withObsrvr/obsrvr-raw-loader/internal/source"
	"github.com/withObsrvr/obsrvr-raw-loader/internal/storage"
)

// Lake loads each file as one parquet part in a PartStore. The part key is
// derived from the load key, so reloading a file version replaces its part
// instead of duplicating it.
type Lake struct {
	store    storage.PartStore
	prefix   string
	opener   ObjectOpener
	producer storage.ProducerInfo
	logger   *slog.Logger
}

// NewLake creates a lake loader. The lake takes ownership of store.
func NewLake(store storage.PartStore, prefix string, opener ObjectOpener, producer storage.ProducerInfo) *Lake {
	return &Lake{
		store:    store,
		prefix:   prefix,
		opener:   opener,
		producer: producer,
		logger:   slog.With("component", "warehouse", "backend", "lake"),
	}
}

// LoadAppend implements Loader.
func (l *Lake) LoadAppend(ctx context.Context, ts TableSchema, file source.FileIdentity) (Result, error) {
	start := time.Now()

	rc, err := l.opener.Open(ctx, file.ObjectPath)
	if err != nil {
		return Result{}, loadFailed(file, err)
	}
	defer rc.Close()

	data, rowCount, err := encodeParquet(rc, ts)
	if err != nil {
		return Result{}, loadFailed(file, err)
	}

	key := file.Key()
	ref := storage.PartRef{
		Table:    ts.Name,
		Producer: file.Producer,
		ID:       storage.PartID(key.Bucket, key.ObjectPath, key.Generation, key.LastModified),
	}

	manifest := &storage.Manifest{
		Source: storage.SourceInfo{
			Bucket:       file.Bucket,
			ObjectPath:   file.ObjectPath,
			Generation:   file.Generation,
			LastModified: key.LastModifiedTime(),
			Table:        file.Table,
			Producer:     file.Producer,
		},
		File:      ref.Path(l.prefix),
		Checksum:  ComputeChecksum(data),
		RowCount:  rowCount,
		ByteSize:  int64(len(data)),
		Columns:   ts.ColumnNames(),
		Producer:  l.producer,
		CreatedAt: time.Now().UTC(),
	}

	if err := l.publish(ctx, ref, data, manifest); err != nil {
		return Result{}, loadFailed(file, err)
	}

	l.logger.Debug("published part",
		"object_path", file.ObjectPath,
		"part", l.store.URI(ref.Path(l.prefix)),
		"rows", rowCount,
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return Result{Rows: rowCount, Bytes: int64(len(data))}, nil
}

func (l *Lake) publish(ctx context.Context, ref storage.PartRef, data []byte, manifest *storage.Manifest) error {
	tempParquet, err := l.store.WriteParquetTemp(ctx, ref, data)
	if err != nil {
		return fmt.Errorf("write parquet: %w", err)
	}
	tempManifest, err := l.store.WriteManifestTemp(ctx, ref, manifest)
	if err != nil {
		l.store.Abort(ctx, []string{tempParquet})
		return fmt.Errorf("write manifest: %w", err)
	}
	if err := l.store.Finalize(ctx, ref, []string{tempParquet, tempManifest}); err != nil {
		return fmt.Errorf("finalize: %w", err)
	}
	return nil
}

// Close releases the part store.
func (l *Lake) Close() error {
	return l.store.Close()
}

// ParquetSchema returns the parquet schema of a table. Every column is
// optional so that empty cells stay NULL.
func ParquetSchema(ts TableSchema) *parquet.Schema {
	nodes := make(parquet.Group, len(ts.Columns))
	for _, c := range ts.Columns {
		nodes[c.Name] = parquet.Optional(parquetNode(c.Type))
	}
	return parquet.NewSchema(ts.Name, nodes)
}

func parquetNode(t ColumnType) parquet.Node {
	switch t {
	case Integer:
		return parquet.Int(64)
	case Float:
		return parquet.Leaf(parquet.DoubleType)
	case Date:
		return parquet.Date()
	case Timestamp:
		return parquet.Timestamp(parquet.Microsecond)
	default:
		return parquet.String()
	}
}

// encodeParquet coerces the CSV stream and writes it as one parquet file.
func encodeParquet(r io.Reader, ts TableSchema) ([]byte, int64, error) {
	rows, _, err := NewRowReader(r, ts)
	if err != nil {
		return nil, 0, err
	}

	schema := ParquetSchema(ts)

	// Group fields are ordered by name; map each schema column to its leaf.
	leafIndex := make(map[string]int, len(ts.Columns))
	for i, f := range schema.Fields() {
		leafIndex[f.Name()] = i
	}

	var buf bytes.Buffer
	w := parquet.NewWriter(&buf, schema, parquet.Compression(&parquet.Zstd))

	var count int64
	batch := make([]parquet.Row, 0, 512)
	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		if _, err := w.WriteRows(batch); err != nil {
			return fmt.Errorf("write rows: %w", err)
		}
		batch = batch[:0]
		return nil
	}

	for {
		values, err := rows.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, 0, err
		}

		row := make(parquet.Row, len(ts.Columns))
		for i, c := range ts.Columns {
			idx := leafIndex[c.Name]
			row[idx] = parquetValue(c.Type, values[i]).Level(0, definitionLevel(values[i]), idx)
		}
		batch = append(batch, row)
		count++

		if len(batch) == cap(batch) {
			if err := flush(); err != nil {
				return nil, 0, err
			}
		}
	}
	if err := flush(); err != nil {
		return nil, 0, err
	}
	if err := w.Close(); err != nil {
		return nil, 0, fmt.Errorf("close parquet writer: %w", err)
	}
	return buf.Bytes(), count, nil
}

func definitionLevel(v any) int {
	if v == nil {
		return 0
	}
	return 1
}

func parquetValue(t ColumnType, v any) parquet.Value {
	switch x := v.(type) {
	case nil:
		return parquet.NullValue()
	case int64:
		return parquet.Int64Value(x)
	case float64:
		return parquet.DoubleValue(x)
	case string:
		return parquet.ByteArrayValue([]byte(x))
	case time.Time:
		if t == Date {
			return parquet.Int32Value(int32(x.Unix() / 86400))
		}
		return parquet.Int64Value(x.UnixMicro())
	default:
		return parquet.ByteArrayValue([]byte(fmt.Sprint(x)))
	}
}

var _ Loader = (*Lake)(nil)
