// Package storage wraps MinIO object storage for generated images.
package storage

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/atelierbot/atelier/internal/logger"
)

// Client provides object storage for images produced by the draw pipeline.
type Client struct {
	mc     *minio.Client
	bucket string
}

// Config holds MinIO connection settings.
type Config struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	UseSSL    bool
}

// NewClient creates a MinIO client. Call Init before first use.
func NewClient(cfg Config) (*Client, error) {
	mc, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("minio client: %w", err)
	}

	return &Client{mc: mc, bucket: cfg.Bucket}, nil
}

// Init ensures the image bucket exists.
func (c *Client) Init(ctx context.Context) error {
	exists, err := c.mc.BucketExists(ctx, c.bucket)
	if err != nil {
		return fmt.Errorf("check bucket %s: %w", c.bucket, err)
	}
	if !exists {
		if err := c.mc.MakeBucket(ctx, c.bucket, minio.MakeBucketOptions{}); err != nil {
			return fmt.Errorf("create bucket %s: %w", c.bucket, err)
		}
		logger.Info("Created storage bucket", "bucket", c.bucket)
	}
	return nil
}

// Upload stores data under the given object name.
func (c *Client) Upload(ctx context.Context, name string, data []byte, contentType string) error {
	_, err := c.mc.PutObject(ctx, c.bucket, name, bytes.NewReader(data), int64(len(data)), minio.PutObjectOptions{
		ContentType: contentType,
	})
	if err != nil {
		return fmt.Errorf("upload %s/%s: %w", c.bucket, name, err)
	}
	return nil
}

// UploadFile stores a local file under the given object name.
func (c *Client) UploadFile(ctx context.Context, name, path, contentType string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	stat, err := f.Stat()
	if err != nil {
		return fmt.Errorf("stat %s: %w", path, err)
	}

	_, err = c.mc.PutObject(ctx, c.bucket, name, f, stat.Size(), minio.PutObjectOptions{
		ContentType: contentType,
	})
	if err != nil {
		return fmt.Errorf("upload %s/%s: %w", c.bucket, name, err)
	}
	return nil
}

// Download retrieves an object's contents.
func (c *Client) Download(ctx context.Context, name string) ([]byte, error) {
	obj, err := c.mc.GetObject(ctx, c.bucket, name, minio.GetObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("get %s/%s: %w", c.bucket, name, err)
	}
	defer obj.Close()

	data, err := io.ReadAll(obj)
	if err != nil {
		return nil, fmt.Errorf("read %s/%s: %w", c.bucket, name, err)
	}
	return data, nil
}

// Delete removes an object.
func (c *Client) Delete(ctx context.Context, name string) error {
	if err := c.mc.RemoveObject(ctx, c.bucket, name, minio.RemoveObjectOptions{}); err != nil {
		return fmt.Errorf("delete %s/%s: %w", c.bucket, name, err)
	}
	return nil
}

// PresignedURL returns a time-limited download link for an object.
func (c *Client) PresignedURL(ctx context.Context, name string, expiry time.Duration) (string, error) {
	reqParams := make(url.Values)
	reqParams.Set("response-content-disposition", fmt.Sprintf("attachment; filename=%q", filepath.Base(name)))

	u, err := c.mc.PresignedGetObject(ctx, c.bucket, name, expiry, reqParams)
	if err != nil {
		return "", fmt.Errorf("presign %s/%s: %w", c.bucket, name, err)
	}
	return u.String(), nil
}

// Healthy reports whether the storage backend is reachable.
func (c *Client) Healthy(ctx context.Context) bool {
	_, err := c.mc.BucketExists(ctx, c.bucket)
	return err == nil
}
