// Package memconn provides an in-memory connector backed by named
// datasets. It is used by tests and local demos; registered under the
// kind "memory".
package memconn

import (
	"context"
	"errors"
	"io"
	"sort"
	"sync"

	"github.com/go-viper/mapstructure/v2"

	"github.com/synqx/synqx/internal/chunk"
	"github.com/synqx/synqx/internal/connector"
	"github.com/synqx/synqx/internal/errdefs"
	"github.com/synqx/synqx/internal/models"
)

func init() {
	connector.Register("memory", New)
}

// datasets is the process-wide dataset registry. Tests seed tables with
// RegisterDataset and point connector config at the dataset name.
var (
	datasetsMu sync.RWMutex
	datasets   = make(map[string]*Dataset)
)

// Dataset is a named set of in-memory tables.
type Dataset struct {
	mu     sync.RWMutex
	tables map[string][]map[string]any
}

// RegisterDataset creates or replaces a dataset with the given tables.
func RegisterDataset(name string, tables map[string][]map[string]any) {
	datasetsMu.Lock()
	defer datasetsMu.Unlock()
	if tables == nil {
		tables = make(map[string][]map[string]any)
	}
	datasets[name] = &Dataset{tables: tables}
}

// TableRows returns a copy of a table's rows, for test assertions.
func TableRows(dataset, table string) []map[string]any {
	datasetsMu.RLock()
	ds := datasets[dataset]
	datasetsMu.RUnlock()
	if ds == nil {
		return nil
	}
	ds.mu.RLock()
	defer ds.mu.RUnlock()
	return append([]map[string]any(nil), ds.tables[table]...)
}

// Config is the memory connector configuration.
type Config struct {
	Dataset   string `mapstructure:"dataset"`
	ChunkSize int    `mapstructure:"chunk_size"`
}

type memConnector struct {
	cfg Config
}

// New builds a memory connector from decoded config.
func New(raw map[string]any) (connector.Connector, error) {
	var cfg Config
	if err := mapstructure.Decode(connector.StripInternalKeys(raw), &cfg); err != nil {
		return nil, errdefs.Wrap(errdefs.KindConfiguration, err, "invalid memory connector config")
	}
	c := &memConnector{cfg: cfg}
	if err := c.ValidateConfig(); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *memConnector) Kind() string { return "memory" }

func (c *memConnector) ValidateConfig() error {
	if c.cfg.Dataset == "" {
		return errdefs.New(errdefs.KindConfiguration, "memory connector requires a dataset")
	}
	if c.cfg.ChunkSize <= 0 {
		c.cfg.ChunkSize = 1024
	}
	return nil
}

func (c *memConnector) Connect(context.Context) error { return nil }
func (c *memConnector) Close(context.Context) error   { return nil }

func (c *memConnector) TestConnection(context.Context) error {
	_, err := c.dataset()
	return err
}

func (c *memConnector) dataset() (*Dataset, error) {
	datasetsMu.RLock()
	ds := datasets[c.cfg.Dataset]
	datasetsMu.RUnlock()
	if ds == nil {
		return nil, errdefs.Newf(errdefs.KindConnectionFailed, "dataset %q not found", c.cfg.Dataset)
	}
	return ds, nil
}

// DiscoverAssets lists the dataset's tables.
func (c *memConnector) DiscoverAssets(_ context.Context, _ string, _ bool) ([]connector.AssetDescriptor, error) {
	ds, err := c.dataset()
	if err != nil {
		return nil, err
	}
	ds.mu.RLock()
	defer ds.mu.RUnlock()
	var assets []connector.AssetDescriptor
	for name := range ds.tables {
		assets = append(assets, connector.AssetDescriptor{Name: name, AssetType: models.AssetTable})
	}
	sort.Slice(assets, func(i, j int) bool { return assets[i].Name < assets[j].Name })
	return assets, nil
}

// InferSchema derives column descriptors from the first row.
func (c *memConnector) InferSchema(_ context.Context, asset string, _ int, _ connector.SchemaMode) (*connector.SchemaDescriptor, error) {
	ds, err := c.dataset()
	if err != nil {
		return nil, err
	}
	ds.mu.RLock()
	defer ds.mu.RUnlock()
	rows, ok := ds.tables[asset]
	if !ok {
		return nil, errdefs.Newf(errdefs.KindSchemaDiscovery, "table %q not found", asset)
	}
	desc := &connector.SchemaDescriptor{}
	if len(rows) > 0 {
		cols := sortedColumns(rows[0])
		for _, col := range cols {
			desc.Columns = append(desc.Columns, connector.ColumnDescriptor{
				Name: col, DataType: typeName(rows[0][col]), Nullable: true,
			})
		}
	}
	return desc, nil
}

// ReadBatch streams the table in chunks of the configured size, honoring
// limit, offset and the incremental filter.
func (c *memConnector) ReadBatch(_ context.Context, asset string, opts connector.ReadOptions) (connector.ChunkIterator, error) {
	ds, err := c.dataset()
	if err != nil {
		return nil, err
	}
	ds.mu.RLock()
	rows, ok := ds.tables[asset]
	src := append([]map[string]any(nil), rows...)
	ds.mu.RUnlock()
	if !ok {
		return nil, errdefs.Newf(errdefs.KindDataTransfer, "table %q not found", asset)
	}

	if f := opts.IncrementalFilter; f != nil {
		var filtered []map[string]any
		for _, row := range src {
			if chunk.Compare(row[f.Column], f.Above) > 0 {
				filtered = append(filtered, row)
			}
		}
		src = filtered
	}
	if opts.Offset > 0 {
		if opts.Offset >= int64(len(src)) {
			src = nil
		} else {
			src = src[opts.Offset:]
		}
	}
	if opts.Limit > 0 && opts.Limit < int64(len(src)) {
		src = src[:opts.Limit]
	}

	size := opts.ChunkSize
	if size <= 0 {
		size = c.cfg.ChunkSize
	}
	cols := columnsOf(src)
	var chunks []*chunk.Chunk
	if len(src) == 0 {
		chunks = append(chunks, chunk.New(cols...))
	}
	for start := 0; start < len(src); start += size {
		end := start + size
		if end > len(src) {
			end = len(src)
		}
		chunks = append(chunks, chunk.FromRows(cols, src[start:end]))
	}
	return connector.NewSliceIterator(chunks...), nil
}

// WriteBatch consumes the stream into the table per the write mode and
// returns the row count written.
func (c *memConnector) WriteBatch(ctx context.Context, chunks connector.ChunkIterator, asset string, mode models.WriteMode) (int64, error) {
	ds, err := c.dataset()
	if err != nil {
		return 0, err
	}

	var incoming []map[string]any
	for {
		ch, err := chunks.Next(ctx)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return 0, err
		}
		incoming = append(incoming, ch.Rows()...)
	}

	ds.mu.Lock()
	defer ds.mu.Unlock()
	switch mode {
	case models.WriteReplace, models.WriteOverwrite:
		ds.tables[asset] = incoming
	case models.WriteUpsert:
		ds.tables[asset] = upsertRows(ds.tables[asset], incoming, "id")
	default:
		ds.tables[asset] = append(ds.tables[asset], incoming...)
	}
	return int64(len(incoming)), nil
}

// ExecuteQuery treats the query as a table name; anything else is left
// to capabilities higher up the fallback chain.
func (c *memConnector) ExecuteQuery(_ context.Context, query string, limit, offset int) ([]map[string]any, error) {
	ds, err := c.dataset()
	if err != nil {
		return nil, err
	}
	ds.mu.RLock()
	rows, ok := ds.tables[query]
	ds.mu.RUnlock()
	if !ok {
		return nil, connector.ErrNotImplemented
	}
	if offset > 0 {
		if offset >= len(rows) {
			return nil, nil
		}
		rows = rows[offset:]
	}
	if limit > 0 && limit < len(rows) {
		rows = rows[:limit]
	}
	return append([]map[string]any(nil), rows...), nil
}

func (c *memConnector) TotalCount(_ context.Context, query string) (int64, error) {
	ds, err := c.dataset()
	if err != nil {
		return 0, err
	}
	ds.mu.RLock()
	defer ds.mu.RUnlock()
	if rows, ok := ds.tables[query]; ok {
		return int64(len(rows)), nil
	}
	return 0, connector.ErrNotImplemented
}

// FetchSample defers to the default ReadBatch-backed implementation.
func (c *memConnector) FetchSample(ctx context.Context, asset string, limit int) ([]map[string]any, error) {
	return connector.FetchSampleRows(ctx, c, asset, limit)
}

func upsertRows(existing, incoming []map[string]any, key string) []map[string]any {
	index := make(map[any]int, len(existing))
	out := append([]map[string]any(nil), existing...)
	for i, row := range out {
		if v, ok := row[key]; ok {
			index[v] = i
		}
	}
	for _, row := range incoming {
		if v, ok := row[key]; ok {
			if i, found := index[v]; found {
				out[i] = row
				continue
			}
			index[v] = len(out)
		}
		out = append(out, row)
	}
	return out
}

func columnsOf(rows []map[string]any) []string {
	seen := make(map[string]struct{})
	var cols []string
	for _, row := range rows {
		for col := range row {
			if _, ok := seen[col]; !ok {
				seen[col] = struct{}{}
				cols = append(cols, col)
			}
		}
	}
	sort.Strings(cols)
	return cols
}

func sortedColumns(row map[string]any) []string {
	cols := make([]string, 0, len(row))
	for col := range row {
		cols = append(cols, col)
	}
	sort.Strings(cols)
	return cols
}

func typeName(v any) string {
	switch v.(type) {
	case int, int32, int64:
		return "integer"
	case float32, float64:
		return "float"
	case bool:
		return "boolean"
	default:
		return "string"
	}
}
