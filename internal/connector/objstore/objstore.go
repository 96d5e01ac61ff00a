// Package objstore implements the S3-compatible object store connector.
// It serves the file capability set and acts as the staging target for
// bulk loads into warehouses.
package objstore

import (
	"archive/zip"
	"bytes"
	"context"
	"io"
	"path"
	"strings"

	"github.com/go-viper/mapstructure/v2"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/synqx/synqx/internal/connector"
	"github.com/synqx/synqx/internal/errdefs"
	"github.com/synqx/synqx/internal/models"
)

func init() {
	for _, kind := range []string{"s3", "minio"} {
		k := kind
		connector.Register(k, func(cfg map[string]any) (connector.Connector, error) {
			return New(k, cfg)
		})
	}
}

// Config is the object store connector configuration.
type Config struct {
	Endpoint  string `mapstructure:"endpoint"`
	AccessKey string `mapstructure:"access_key"`
	SecretKey string `mapstructure:"secret_key"`
	Region    string `mapstructure:"region"`
	Bucket    string `mapstructure:"bucket"`
	Prefix    string `mapstructure:"prefix"`
	UseSSL    bool   `mapstructure:"use_ssl"`
}

type objConnector struct {
	kind   string
	cfg    Config
	client *minio.Client
}

// New builds an object store connector from decoded config.
func New(kind string, raw map[string]any) (connector.Connector, error) {
	var cfg Config
	if err := mapstructure.Decode(connector.StripInternalKeys(raw), &cfg); err != nil {
		return nil, errdefs.Wrap(errdefs.KindConfiguration, err, "invalid object store config")
	}
	c := &objConnector{kind: kind, cfg: cfg}
	if err := c.ValidateConfig(); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *objConnector) Kind() string { return c.kind }

func (c *objConnector) ValidateConfig() error {
	if c.cfg.Endpoint == "" {
		return errdefs.New(errdefs.KindConfiguration, "object store connector requires an endpoint")
	}
	if c.cfg.Bucket == "" {
		return errdefs.New(errdefs.KindConfiguration, "object store connector requires a bucket")
	}
	return nil
}

func (c *objConnector) Connect(ctx context.Context) error {
	client, err := minio.New(c.cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(c.cfg.AccessKey, c.cfg.SecretKey, ""),
		Secure: c.cfg.UseSSL,
		Region: c.cfg.Region,
	})
	if err != nil {
		return errdefs.Wrap(errdefs.KindConnectionFailed, err, "failed to build object store client")
	}
	c.client = client
	return nil
}

func (c *objConnector) Close(context.Context) error { return nil }

func (c *objConnector) TestConnection(ctx context.Context) error {
	ok, err := c.client.BucketExists(ctx, c.cfg.Bucket)
	if err != nil {
		return errdefs.Wrap(errdefs.KindConnectionFailed, err, "bucket check failed")
	}
	if !ok {
		return errdefs.Newf(errdefs.KindConnectionFailed, "bucket %q not found", c.cfg.Bucket)
	}
	return nil
}

func (c *objConnector) key(p string) string {
	p = strings.TrimPrefix(p, "/")
	if c.cfg.Prefix == "" {
		return p
	}
	return path.Join(c.cfg.Prefix, p)
}

// DiscoverAssets lists objects under the configured prefix as file
// assets.
func (c *objConnector) DiscoverAssets(ctx context.Context, pattern string, _ bool) ([]connector.AssetDescriptor, error) {
	files, err := c.ListFiles(ctx, "")
	if err != nil {
		return nil, err
	}
	var assets []connector.AssetDescriptor
	for _, f := range files {
		if pattern != "" && !strings.Contains(f.Path, pattern) {
			continue
		}
		assets = append(assets, connector.AssetDescriptor{
			Name:      f.Path,
			FQN:       c.cfg.Bucket + "/" + f.Path,
			AssetType: models.AssetFile,
		})
	}
	return assets, nil
}

// ListFiles lists objects under prefix, relative to the configured
// bucket prefix.
func (c *objConnector) ListFiles(ctx context.Context, prefix string) ([]connector.FileInfo, error) {
	var files []connector.FileInfo
	opts := minio.ListObjectsOptions{Prefix: c.key(prefix), Recursive: true}
	for obj := range c.client.ListObjects(ctx, c.cfg.Bucket, opts) {
		if obj.Err != nil {
			return nil, errdefs.Wrap(errdefs.KindDataTransfer, obj.Err, "object listing failed")
		}
		rel := strings.TrimPrefix(obj.Key, c.cfg.Prefix)
		rel = strings.TrimPrefix(rel, "/")
		files = append(files, connector.FileInfo{
			Path:     rel,
			Size:     obj.Size,
			Modified: obj.LastModified,
			IsDir:    strings.HasSuffix(obj.Key, "/"),
		})
	}
	return files, nil
}

func (c *objConnector) DownloadFile(ctx context.Context, p string) (io.ReadCloser, error) {
	obj, err := c.client.GetObject(ctx, c.cfg.Bucket, c.key(p), minio.GetObjectOptions{})
	if err != nil {
		return nil, errdefs.Wrap(errdefs.KindDataTransfer, err, "download failed")
	}
	return obj, nil
}

func (c *objConnector) UploadFile(ctx context.Context, p string, r io.Reader, size int64) error {
	_, err := c.client.PutObject(ctx, c.cfg.Bucket, c.key(p), r, size, minio.PutObjectOptions{})
	if err != nil {
		return errdefs.Wrap(errdefs.KindDataTransfer, err, "upload failed")
	}
	return nil
}

func (c *objConnector) DeleteFile(ctx context.Context, p string) error {
	err := c.client.RemoveObject(ctx, c.cfg.Bucket, c.key(p), minio.RemoveObjectOptions{})
	if err != nil {
		return errdefs.Wrap(errdefs.KindDataTransfer, err, "delete failed")
	}
	return nil
}

// CreateDirectory writes a zero-byte marker object; object stores have
// no real directories.
func (c *objConnector) CreateDirectory(ctx context.Context, p string) error {
	marker := strings.TrimSuffix(c.key(p), "/") + "/"
	_, err := c.client.PutObject(ctx, c.cfg.Bucket, marker,
		bytes.NewReader(nil), 0, minio.PutObjectOptions{})
	if err != nil {
		return errdefs.Wrap(errdefs.KindDataTransfer, err, "create directory failed")
	}
	return nil
}

// ZipDirectory bundles every object under the path into an in-memory
// zip archive.
func (c *objConnector) ZipDirectory(ctx context.Context, p string) (io.ReadCloser, error) {
	files, err := c.ListFiles(ctx, p)
	if err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for _, f := range files {
		if f.IsDir {
			continue
		}
		r, err := c.DownloadFile(ctx, f.Path)
		if err != nil {
			return nil, err
		}
		w, err := zw.Create(f.Path)
		if err == nil {
			_, err = io.Copy(w, r)
		}
		_ = r.Close()
		if err != nil {
			return nil, errdefs.Wrap(errdefs.KindDataTransfer, err, "zip assembly failed")
		}
	}
	if err := zw.Close(); err != nil {
		return nil, errdefs.Wrap(errdefs.KindDataTransfer, err, "zip assembly failed")
	}
	return io.NopCloser(bytes.NewReader(buf.Bytes())), nil
}
