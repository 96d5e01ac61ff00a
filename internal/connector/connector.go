// Package connector defines the capability-typed plugin surface for
// external systems and the process-wide engine pool. A connector
// implements the base Connector interface plus whichever optional
// capability interfaces its backend supports; callers probe support with
// type assertions rather than reflection.
package connector

import (
	"context"
	"errors"
	"io"
	"time"

	"github.com/synqx/synqx/internal/chunk"
	"github.com/synqx/synqx/internal/models"
)

// ErrNotImplemented signals a capability the connector registered but
// cannot serve for the given input; callers may fall back to another
// capability.
var ErrNotImplemented = errors.New("not implemented")

// Connector is the required capability set every plugin implements.
type Connector interface {
	// Kind returns the registered connector kind.
	Kind() string
	// ValidateConfig checks the decoded configuration. Called at
	// construction; failure aborts version publication and job start.
	ValidateConfig() error
	// Connect opens the backend handle.
	Connect(ctx context.Context) error
	// Close releases the backend handle.
	Close(ctx context.Context) error
	// TestConnection verifies the backend is reachable with the
	// configured credentials.
	TestConnection(ctx context.Context) error
}

// ChunkIterator is a lazy, finite (unless CDC) sequence of chunks.
// Next returns io.EOF after the terminal chunk.
type ChunkIterator interface {
	Next(ctx context.Context) (*chunk.Chunk, error)
	Close() error
}

// Discoverer lists the logical assets on a connection.
type Discoverer interface {
	DiscoverAssets(ctx context.Context, pattern string, includeMetadata bool) ([]AssetDescriptor, error)
}

// SchemaMode selects how a schema is inferred.
type SchemaMode string

const (
	SchemaAuto     SchemaMode = "auto"
	SchemaMetadata SchemaMode = "metadata"
	SchemaSample   SchemaMode = "sample"
)

// SchemaInferrer infers column schemas for an asset.
type SchemaInferrer interface {
	InferSchema(ctx context.Context, asset string, sampleSize int, mode SchemaMode) (*SchemaDescriptor, error)
}

// BatchReader produces tabular chunks in connector-native order. The
// sequence is finite and not restartable in general.
type BatchReader interface {
	ReadBatch(ctx context.Context, asset string, opts ReadOptions) (ChunkIterator, error)
}

// CDCReader produces a potentially infinite change stream. Rows carry
// the _cdc_event, _cdc_ts and _cdc_token fields; consumers must
// periodically persist _cdc_token as a watermark.
type CDCReader interface {
	ReadCDC(ctx context.Context, opts CDCOptions) (ChunkIterator, error)
}

// BatchWriter writes a chunk stream into an asset.
type BatchWriter interface {
	WriteBatch(ctx context.Context, chunks ChunkIterator, asset string, mode models.WriteMode) (int64, error)
}

// StagedWriter bulk-loads via a staging connector (typically an object
// store) and a native load command.
type StagedWriter interface {
	SupportsStaging() bool
	WriteStaged(ctx context.Context, chunks ChunkIterator, asset string, stage Connector, mode models.WriteMode) (int64, error)
}

// QueryRunner executes an interactive query.
type QueryRunner interface {
	ExecuteQuery(ctx context.Context, query string, limit, offset int) ([]map[string]any, error)
	TotalCount(ctx context.Context, query string) (int64, error)
}

// Sampler fetches sample rows from an asset. FetchSampleRows provides
// the default implementation in terms of a BatchReader.
type Sampler interface {
	FetchSample(ctx context.Context, asset string, limit int) ([]map[string]any, error)
}

// FileOps is the file capability set implemented by object stores and
// filesystem-like backends.
type FileOps interface {
	ListFiles(ctx context.Context, prefix string) ([]FileInfo, error)
	DownloadFile(ctx context.Context, path string) (io.ReadCloser, error)
	UploadFile(ctx context.Context, path string, r io.Reader, size int64) error
	DeleteFile(ctx context.Context, path string) error
	CreateDirectory(ctx context.Context, path string) error
	ZipDirectory(ctx context.Context, path string) (io.ReadCloser, error)
}

// AssetDescriptor describes one discovered asset.
type AssetDescriptor struct {
	Name      string           `json:"name"`
	FQN       string           `json:"fqn,omitempty"`
	AssetType models.AssetType `json:"asset_type"`
	Metadata  map[string]any   `json:"metadata,omitempty"`
}

// SchemaDescriptor is an inferred schema snapshot.
type SchemaDescriptor struct {
	Columns []ColumnDescriptor `json:"columns"`
}

type ColumnDescriptor struct {
	Name     string `json:"name"`
	DataType string `json:"data_type"`
	Nullable bool   `json:"nullable"`
}

// FileInfo describes one object or file.
type FileInfo struct {
	Path     string    `json:"path"`
	Size     int64     `json:"size"`
	Modified time.Time `json:"modified,omitzero"`
	IsDir    bool      `json:"is_dir,omitempty"`
}

// ReadOptions bounds a batch read.
type ReadOptions struct {
	Limit             int64
	Offset            int64
	ChunkSize         int
	IncrementalFilter *IncrementalFilter
	// PushdownQuery overrides the base query with the optimizer-composed
	// SELECT when downstream operators were collapsed into the extract.
	PushdownQuery string
}

// IncrementalFilter restricts a read to rows above the last watermark.
type IncrementalFilter struct {
	Column string
	Above  any
}

// CDCOptions configures a change-data-capture read.
type CDCOptions struct {
	ResumeToken string
	BatchSize   int
	Tables      []string
}

// CDC metadata fields emitted on change rows.
const (
	FieldCDCEvent = "_cdc_event"
	FieldCDCTs    = "_cdc_ts"
	FieldCDCToken = "_cdc_token"
)

// FetchSampleRows is the default Sampler implementation: take up to
// limit rows from a BatchReader.
func FetchSampleRows(ctx context.Context, r BatchReader, asset string, limit int) ([]map[string]any, error) {
	it, err := r.ReadBatch(ctx, asset, ReadOptions{Limit: int64(limit), ChunkSize: limit})
	if err != nil {
		return nil, err
	}
	defer func() { _ = it.Close() }()

	var rows []map[string]any
	for len(rows) < limit {
		ch, err := it.Next(ctx)
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
		for _, row := range ch.Rows() {
			rows = append(rows, row)
			if len(rows) == limit {
				break
			}
		}
	}
	return rows, nil
}

// SliceIterator adapts a fixed set of chunks into a ChunkIterator.
type SliceIterator struct {
	chunks []*chunk.Chunk
	pos    int
}

func NewSliceIterator(chunks ...*chunk.Chunk) *SliceIterator {
	return &SliceIterator{chunks: chunks}
}

func (s *SliceIterator) Next(ctx context.Context) (*chunk.Chunk, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s.pos >= len(s.chunks) {
		return nil, io.EOF
	}
	ch := s.chunks[s.pos]
	s.pos++
	return ch, nil
}

func (s *SliceIterator) Close() error { return nil }
