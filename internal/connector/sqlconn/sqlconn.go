// Package sqlconn implements the SQL connector family over database/sql
// with a pluggable driver registry. Backend-specific behavior (DSN
// handling, discovery queries, upsert clauses) lives in driver packages
// that register themselves at load time.
package sqlconn

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/csv"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/go-viper/mapstructure/v2"
	"github.com/google/uuid"

	"github.com/synqx/synqx/internal/chunk"
	"github.com/synqx/synqx/internal/connector"
	"github.com/synqx/synqx/internal/errdefs"
	"github.com/synqx/synqx/internal/models"
)

// Driver adapts one SQL backend.
type Driver interface {
	// Name returns the database/sql driver name to open.
	Name() string
	// Placeholder returns the parameter placeholder for 1-based index i.
	Placeholder(i int) string
	// DiscoverQuery returns the asset-listing query for a schema.
	DiscoverQuery(schema string) string
	// ColumnsQuery returns the column-metadata query; it takes schema
	// and table as its two parameters.
	ColumnsQuery() string
}

// UpsertDriver is implemented by drivers whose dialect supports a native
// upsert clause.
type UpsertDriver interface {
	UpsertSuffix(keys, cols []string) string
}

// StageLoader is implemented by drivers whose dialect can bulk-load a
// staged CSV file (COPY FROM a stage, LOAD DATA, external tables).
type StageLoader interface {
	// LoadStagedQuery returns the statement that loads the staged file at
	// path into target. The file has a header row.
	LoadStagedQuery(target, path string) string
}

var (
	driversMu sync.RWMutex
	drivers   = make(map[string]Driver)
)

// RegisterDriver adds a driver under the given name.
func RegisterDriver(name string, d Driver) {
	driversMu.Lock()
	defer driversMu.Unlock()
	drivers[name] = d
}

func driverByName(name string) (Driver, error) {
	driversMu.RLock()
	defer driversMu.RUnlock()
	d, ok := drivers[name]
	if !ok {
		return nil, errdefs.Newf(errdefs.KindConfiguration, "unknown sql driver %q", name)
	}
	return d, nil
}

// Config is the SQL connector configuration.
type Config struct {
	Driver    string `mapstructure:"driver"`
	DSN       string `mapstructure:"dsn"`
	DBSchema  string `mapstructure:"db_schema"`
	ChunkSize int    `mapstructure:"chunk_size"`
}

// Connector is a SQL connector bound to one engine.
type Connector struct {
	kind   string
	cfg    Config
	driver Driver
	db     *sql.DB
}

// New builds a SQL connector of the given kind from decoded config.
func New(kind string, raw map[string]any) (connector.Connector, error) {
	var cfg Config
	if err := mapstructure.Decode(connector.StripInternalKeys(raw), &cfg); err != nil {
		return nil, errdefs.Wrap(errdefs.KindConfiguration, err, "invalid sql connector config")
	}
	c := &Connector{kind: kind, cfg: cfg}
	if err := c.ValidateConfig(); err != nil {
		return nil, err
	}
	d, err := driverByName(cfg.Driver)
	if err != nil {
		return nil, err
	}
	c.driver = d
	return c, nil
}

func (c *Connector) Kind() string { return c.kind }

func (c *Connector) ValidateConfig() error {
	if c.cfg.Driver == "" {
		return errdefs.New(errdefs.KindConfiguration, "sql connector requires a driver")
	}
	if c.cfg.DSN == "" {
		return errdefs.New(errdefs.KindConfiguration, "sql connector requires a dsn")
	}
	if c.cfg.ChunkSize <= 0 {
		c.cfg.ChunkSize = 10000
	}
	return nil
}

func (c *Connector) Connect(ctx context.Context) error {
	db, err := sql.Open(c.driver.Name(), c.cfg.DSN)
	if err != nil {
		return errdefs.Wrap(errdefs.KindConnectionFailed, err, "failed to open sql connection")
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return errdefs.Wrap(errdefs.KindConnectionFailed, err, "failed to ping database")
	}
	c.db = db
	return nil
}

func (c *Connector) Close(context.Context) error {
	if c.db == nil {
		return nil
	}
	return c.db.Close()
}

func (c *Connector) TestConnection(ctx context.Context) error {
	if c.db == nil {
		if err := c.Connect(ctx); err != nil {
			return err
		}
	}
	return c.db.PingContext(ctx)
}

// DiscoverAssets lists tables and views in the configured schema.
func (c *Connector) DiscoverAssets(ctx context.Context, pattern string, _ bool) ([]connector.AssetDescriptor, error) {
	rows, err := c.db.QueryContext(ctx, c.driver.DiscoverQuery(c.cfg.DBSchema))
	if err != nil {
		return nil, errdefs.Wrap(errdefs.KindSchemaDiscovery, err, "asset discovery failed")
	}
	defer func() { _ = rows.Close() }()

	var assets []connector.AssetDescriptor
	for rows.Next() {
		var name, kind string
		if err := rows.Scan(&name, &kind); err != nil {
			return nil, errdefs.Wrap(errdefs.KindSchemaDiscovery, err, "asset discovery failed")
		}
		if pattern != "" && !strings.Contains(name, pattern) {
			continue
		}
		assetType := models.AssetTable
		if strings.EqualFold(kind, "VIEW") {
			assetType = models.AssetView
		}
		assets = append(assets, connector.AssetDescriptor{
			Name:      name,
			FQN:       c.cfg.DBSchema + "." + name,
			AssetType: assetType,
		})
	}
	return assets, rows.Err()
}

// InferSchema reads column metadata for the asset.
func (c *Connector) InferSchema(ctx context.Context, asset string, _ int, _ connector.SchemaMode) (*connector.SchemaDescriptor, error) {
	schema, name := connector.SplitAsset(asset, c.cfg.DBSchema)
	rows, err := c.db.QueryContext(ctx, c.driver.ColumnsQuery(), schema, name)
	if err != nil {
		return nil, errdefs.Wrap(errdefs.KindSchemaDiscovery, err, "schema inference failed")
	}
	defer func() { _ = rows.Close() }()

	desc := &connector.SchemaDescriptor{}
	for rows.Next() {
		var col, dataType, nullable string
		if err := rows.Scan(&col, &dataType, &nullable); err != nil {
			return nil, errdefs.Wrap(errdefs.KindSchemaDiscovery, err, "schema inference failed")
		}
		desc.Columns = append(desc.Columns, connector.ColumnDescriptor{
			Name:     col,
			DataType: dataType,
			Nullable: strings.EqualFold(nullable, "YES"),
		})
	}
	return desc, rows.Err()
}

// ReadBatch streams the asset (or the optimizer-composed pushdown query)
// as chunks of the configured size.
func (c *Connector) ReadBatch(ctx context.Context, asset string, opts connector.ReadOptions) (connector.ChunkIterator, error) {
	query, args := c.buildReadQuery(asset, opts)
	rows, err := c.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errdefs.Wrap(errdefs.KindDataTransfer, err, "read failed")
	}
	size := opts.ChunkSize
	if size <= 0 {
		size = c.cfg.ChunkSize
	}
	return newRowsIterator(rows, size)
}

func (c *Connector) buildReadQuery(asset string, opts connector.ReadOptions) (string, []any) {
	var query string
	if opts.PushdownQuery != "" {
		query = opts.PushdownQuery
	} else {
		schema, name := connector.SplitAsset(asset, c.cfg.DBSchema)
		target := name
		if schema != "" {
			target = schema + "." + name
		}
		query = "SELECT * FROM " + target
	}

	var args []any
	if f := opts.IncrementalFilter; f != nil {
		args = append(args, f.Above)
		query = fmt.Sprintf("SELECT * FROM (%s) AS incr_subq WHERE %s > %s",
			query, f.Column, c.driver.Placeholder(len(args)))
	}
	if opts.Limit > 0 {
		query = fmt.Sprintf("%s LIMIT %d", query, opts.Limit)
	}
	if opts.Offset > 0 {
		query = fmt.Sprintf("%s OFFSET %d", query, opts.Offset)
	}
	return query, args
}

// WriteBatch inserts the stream into the asset. Replace and overwrite
// clear the target first; upsert requires driver support and the
// "primary_key" columns in the write config.
func (c *Connector) WriteBatch(ctx context.Context, chunks connector.ChunkIterator, asset string, mode models.WriteMode) (int64, error) {
	schema, name := connector.SplitAsset(asset, c.cfg.DBSchema)
	target := name
	if schema != "" {
		target = schema + "." + name
	}

	if mode == models.WriteReplace || mode == models.WriteOverwrite {
		if _, err := c.db.ExecContext(ctx, "DELETE FROM "+target); err != nil {
			return 0, errdefs.Wrap(errdefs.KindDataTransfer, err, "failed to clear target")
		}
	}

	var written int64
	for {
		ch, err := chunks.Next(ctx)
		if err == io.EOF {
			break
		}
		if err != nil {
			return written, err
		}
		if ch.IsEmpty() {
			continue
		}
		n, err := c.insertChunk(ctx, target, ch, mode)
		written += n
		if err != nil {
			return written, err
		}
	}
	return written, nil
}

func (c *Connector) insertChunk(ctx context.Context, target string, ch *chunk.Chunk, mode models.WriteMode) (int64, error) {
	cols := ch.Columns()
	placeholders := make([]string, len(cols))

	var suffix string
	if mode == models.WriteUpsert {
		ud, ok := c.driver.(UpsertDriver)
		if !ok {
			return 0, errdefs.Newf(errdefs.KindConfiguration, "driver %q does not support upsert", c.cfg.Driver)
		}
		suffix = " " + ud.UpsertSuffix([]string{"id"}, cols)
	}

	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, errdefs.Wrap(errdefs.KindDataTransfer, err, "failed to begin write transaction")
	}

	var written int64
	for i := 0; i < ch.NumRows(); i++ {
		args := make([]any, len(cols))
		for j, col := range cols {
			args[j] = ch.Value(i, col)
			placeholders[j] = c.driver.Placeholder(j + 1)
		}
		stmt := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)%s",
			target, strings.Join(cols, ", "), strings.Join(placeholders, ", "), suffix)
		if _, err := tx.ExecContext(ctx, stmt, args...); err != nil {
			_ = tx.Rollback()
			return written, errdefs.Wrap(errdefs.KindDataTransfer, err, "insert failed")
		}
		written++
	}
	if err := tx.Commit(); err != nil {
		return 0, errdefs.Wrap(errdefs.KindDataTransfer, err, "commit failed")
	}
	return written, nil
}

// SupportsStaging reports whether the driver can bulk-load staged files.
func (c *Connector) SupportsStaging() bool {
	_, ok := c.driver.(StageLoader)
	return ok
}

// WriteStaged spools the stream to the staging connector as one CSV
// object, then runs the driver's native bulk load against it. The staged
// object is removed afterwards, loaded or not.
func (c *Connector) WriteStaged(ctx context.Context, chunks connector.ChunkIterator, asset string, stage connector.Connector, mode models.WriteMode) (int64, error) {
	loader, ok := c.driver.(StageLoader)
	if !ok {
		return 0, errdefs.Newf(errdefs.KindConfiguration, "driver %q cannot load staged files", c.cfg.Driver)
	}
	files, ok := stage.(connector.FileOps)
	if !ok {
		return 0, errdefs.Newf(errdefs.KindConfiguration, "staging connector %q has no file operations", stage.Kind())
	}

	schema, name := connector.SplitAsset(asset, c.cfg.DBSchema)
	target := name
	if schema != "" {
		target = schema + "." + name
	}

	var (
		buf   bytes.Buffer
		csvw  = csv.NewWriter(&buf)
		cols  []string
		count int64
	)
	for {
		ch, err := chunks.Next(ctx)
		if err == io.EOF {
			break
		}
		if err != nil {
			return 0, err
		}
		if ch.IsEmpty() {
			continue
		}
		if cols == nil {
			cols = ch.Columns()
			if err := csvw.Write(cols); err != nil {
				return 0, errdefs.Wrap(errdefs.KindDataTransfer, err, "stage encode failed")
			}
		}
		record := make([]string, len(cols))
		for i := 0; i < ch.NumRows(); i++ {
			for j, col := range cols {
				record[j] = chunk.ToString(ch.Value(i, col))
			}
			if err := csvw.Write(record); err != nil {
				return 0, errdefs.Wrap(errdefs.KindDataTransfer, err, "stage encode failed")
			}
			count++
		}
	}
	csvw.Flush()
	if err := csvw.Error(); err != nil {
		return 0, errdefs.Wrap(errdefs.KindDataTransfer, err, "stage encode failed")
	}
	if count == 0 {
		return 0, nil
	}

	path := fmt.Sprintf("synqx/stage/%s-%s.csv", name, uuid.New().String())
	if err := files.UploadFile(ctx, path, bytes.NewReader(buf.Bytes()), int64(buf.Len())); err != nil {
		return 0, errdefs.Wrap(errdefs.KindDataTransfer, err, "stage upload failed")
	}
	defer func() { _ = files.DeleteFile(ctx, path) }()

	if mode == models.WriteReplace || mode == models.WriteOverwrite {
		if _, err := c.db.ExecContext(ctx, "DELETE FROM "+target); err != nil {
			return 0, errdefs.Wrap(errdefs.KindDataTransfer, err, "failed to clear target")
		}
	}
	if _, err := c.db.ExecContext(ctx, loader.LoadStagedQuery(target, path)); err != nil {
		return 0, errdefs.Wrap(errdefs.KindDataTransfer, err, "staged load failed")
	}
	return count, nil
}

// ExecuteQuery runs an interactive query with limit/offset applied as a
// wrapping subquery.
func (c *Connector) ExecuteQuery(ctx context.Context, query string, limit, offset int) ([]map[string]any, error) {
	wrapped := query
	if limit > 0 || offset > 0 {
		wrapped = fmt.Sprintf("SELECT * FROM (%s) AS page_subq", query)
		if limit > 0 {
			wrapped = fmt.Sprintf("%s LIMIT %d", wrapped, limit)
		}
		if offset > 0 {
			wrapped = fmt.Sprintf("%s OFFSET %d", wrapped, offset)
		}
	}
	rows, err := c.db.QueryContext(ctx, wrapped)
	if err != nil {
		return nil, errdefs.Wrap(errdefs.KindDataTransfer, err, "query failed")
	}
	it, err := newRowsIterator(rows, c.cfg.ChunkSize)
	if err != nil {
		return nil, err
	}
	defer func() { _ = it.Close() }()

	var out []map[string]any
	for {
		ch, err := it.Next(ctx)
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
		out = append(out, ch.Rows()...)
	}
	return out, nil
}

// TotalCount counts the rows the query would produce.
func (c *Connector) TotalCount(ctx context.Context, query string) (int64, error) {
	var count int64
	stmt := fmt.Sprintf("SELECT COUNT(*) FROM (%s) AS count_subq", query)
	if err := c.db.QueryRowContext(ctx, stmt).Scan(&count); err != nil {
		return 0, errdefs.Wrap(errdefs.KindDataTransfer, err, "count failed")
	}
	return count, nil
}

// FetchSample defers to the default ReadBatch-backed implementation.
func (c *Connector) FetchSample(ctx context.Context, asset string, limit int) ([]map[string]any, error) {
	return connector.FetchSampleRows(ctx, c, asset, limit)
}
