// Package storage moves generated media into the platform bucket so results
// outlive provider URLs.
package storage

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/filmgen/backend/internal/config"
)

// ErrDisabled is returned when storage is not configured.
var ErrDisabled = errors.New("storage service not configured")

// maxDownload caps media pulled from provider URLs.
const maxDownload = 512 << 20

// Object is one piece of media to store. Exactly one of Data, DataURI and
// SourceURL is set.
type Object struct {
	ProjectID   uuid.UUID
	Category    string // "image", "video", ...
	Data        []byte
	DataURI     string
	SourceURL   string
	ContentType string
}

// putter is the part of *minio.Client the store uses.
type putter interface {
	BucketExists(ctx context.Context, bucket string) (bool, error)
	MakeBucket(ctx context.Context, bucket string, opts minio.MakeBucketOptions) error
	PutObject(ctx context.Context, bucket, key string, r io.Reader, size int64, opts minio.PutObjectOptions) (minio.UploadInfo, error)
}

type Client struct {
	mc      putter
	bucket  string
	baseURL string
	http    *http.Client
	enabled bool
}

// NewClient creates a storage client. An empty endpoint yields a disabled
// client whose operations return ErrDisabled.
func NewClient(cfg config.StorageConfig) (*Client, error) {
	if cfg.Endpoint == "" {
		return &Client{}, nil
	}
	mc, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("minio client: %w", err)
	}
	base := cfg.PublicBaseURL
	if base == "" {
		scheme := "http"
		if cfg.UseSSL {
			scheme = "https"
		}
		base = scheme + "://" + cfg.Endpoint + "/" + cfg.Bucket
	}
	return newClient(mc, cfg.Bucket, base), nil
}

func newClient(mc putter, bucket, baseURL string) *Client {
	return &Client{
		mc:      mc,
		bucket:  bucket,
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: 5 * time.Minute},
		enabled: true,
	}
}

func (c *Client) Enabled() bool { return c.enabled }

// EnsureBucket creates the bucket if it does not exist.
func (c *Client) EnsureBucket(ctx context.Context) error {
	if !c.enabled {
		return ErrDisabled
	}
	exists, err := c.mc.BucketExists(ctx, c.bucket)
	if err != nil {
		return err
	}
	if exists {
		return nil
	}
	return c.mc.MakeBucket(ctx, c.bucket, minio.MakeBucketOptions{})
}

// Store uploads obj under projects/<project>/<category>/<uuid>.<ext> and
// returns its public URL.
func (c *Client) Store(ctx context.Context, obj Object) (string, error) {
	if !c.enabled {
		return "", ErrDisabled
	}
	data, contentType, err := c.resolve(ctx, obj)
	if err != nil {
		return "", err
	}
	if len(data) == 0 {
		return "", errors.New("storage: empty object")
	}

	key := fmt.Sprintf("projects/%s/%s/%s%s", obj.ProjectID, category(obj.Category), uuid.New(), extension(contentType))
	if _, err := c.mc.PutObject(ctx, c.bucket, key, bytes.NewReader(data), int64(len(data)), minio.PutObjectOptions{ContentType: contentType}); err != nil {
		return "", fmt.Errorf("put %s: %w", key, err)
	}
	return c.baseURL + "/" + key, nil
}

func (c *Client) resolve(ctx context.Context, obj Object) ([]byte, string, error) {
	switch {
	case len(obj.Data) > 0:
		return obj.Data, contentTypeOr(obj.ContentType, obj.Data), nil
	case obj.DataURI != "":
		data, ct, err := DecodeDataURI(obj.DataURI)
		if err != nil {
			return nil, "", err
		}
		return data, contentTypeOr(ct, data), nil
	case obj.SourceURL != "":
		return c.download(ctx, obj.SourceURL, obj.ContentType)
	default:
		return nil, "", errors.New("storage: object has no content")
	}
}

func (c *Client) download(ctx context.Context, url, contentType string) ([]byte, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, "", err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, "", fmt.Errorf("download %s: %w", url, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, "", fmt.Errorf("download %s: status %d", url, resp.StatusCode)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxDownload+1))
	if err != nil {
		return nil, "", fmt.Errorf("download %s: %w", url, err)
	}
	if len(data) > maxDownload {
		return nil, "", fmt.Errorf("download %s: larger than %d bytes", url, maxDownload)
	}
	if contentType == "" {
		contentType = resp.Header.Get("Content-Type")
	}
	return data, contentTypeOr(contentType, data), nil
}

// DecodeDataURI parses a base64 data URI such as "data:image/png;base64,...".
func DecodeDataURI(uri string) ([]byte, string, error) {
	rest, ok := strings.CutPrefix(uri, "data:")
	if !ok {
		return nil, "", errors.New("not a data uri")
	}
	meta, payload, ok := strings.Cut(rest, ",")
	if !ok {
		return nil, "", errors.New("data uri has no payload")
	}
	contentType, isBase64 := strings.CutSuffix(meta, ";base64")
	if !isBase64 {
		return nil, "", errors.New("only base64 data uris are supported")
	}
	data, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return nil, "", fmt.Errorf("decode data uri: %w", err)
	}
	return data, contentType, nil
}

func contentTypeOr(ct string, data []byte) string {
	if ct != "" {
		if mt, _, err := mime.ParseMediaType(ct); err == nil {
			return mt
		}
	}
	return http.DetectContentType(data)
}

var extensions = map[string]string{
	"image/png":  ".png",
	"image/jpeg": ".jpg",
	"image/webp": ".webp",
	"image/gif":  ".gif",
	"video/mp4":  ".mp4",
	"video/webm": ".webm",
	"audio/mpeg": ".mp3",
	"audio/wav":  ".wav",
}

func extension(contentType string) string {
	if ext, ok := extensions[contentType]; ok {
		return ext
	}
	if exts, err := mime.ExtensionsByType(contentType); err == nil && len(exts) > 0 {
		return exts[0]
	}
	return ".bin"
}

func category(c string) string {
	if c == "" {
		return "media"
	}
	return c
}
