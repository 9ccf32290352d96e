// Package attachments stores comment attachment blobs in an S3-compatible
// bucket and hands back the metadata kept on the comment.
package attachments

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"abode/collab/internal/comments"
	"abode/collab/internal/errs"
	"abode/collab/internal/util"
)

// MaxSize caps a single upload.
const MaxSize = 25 << 20

type Config struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	UseSSL    bool
	LinkTTL   time.Duration
}

// objectStore is the slice of the minio client we use.
type objectStore interface {
	BucketExists(ctx context.Context, bucket string) (bool, error)
	MakeBucket(ctx context.Context, bucket string, opts minio.MakeBucketOptions) error
	PutObject(ctx context.Context, bucket, object string, reader io.Reader, size int64, opts minio.PutObjectOptions) (minio.UploadInfo, error)
	PresignedGetObject(ctx context.Context, bucket, object string, expiry time.Duration, params url.Values) (*url.URL, error)
}

type Store struct {
	client  objectStore
	bucket  string
	linkTTL time.Duration
}

// New connects to the bucket, creating it when missing.
func New(ctx context.Context, cfg Config) (*Store, error) {
	endpoint := strings.TrimSuffix(strings.TrimPrefix(strings.TrimPrefix(cfg.Endpoint, "https://"), "http://"), "/")
	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("create minio client: %w", err)
	}
	s := newWithClient(client, cfg.Bucket, cfg.LinkTTL)
	if err := s.ensureBucket(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

func newWithClient(client objectStore, bucket string, linkTTL time.Duration) *Store {
	if linkTTL <= 0 {
		linkTTL = 24 * time.Hour
	}
	return &Store{client: client, bucket: bucket, linkTTL: linkTTL}
}

func (s *Store) ensureBucket(ctx context.Context) error {
	exists, err := s.client.BucketExists(ctx, s.bucket)
	if err != nil {
		return fmt.Errorf("check bucket %s: %w", s.bucket, err)
	}
	if exists {
		return nil
	}
	if err := s.client.MakeBucket(ctx, s.bucket, minio.MakeBucketOptions{}); err != nil {
		return fmt.Errorf("create bucket %s: %w", s.bucket, err)
	}
	return nil
}

// Upload writes the blob under the project's prefix and returns attachment
// metadata with a presigned download link.
func (s *Store) Upload(ctx context.Context, projectID, name, contentType string, body io.Reader, size int64) (comments.Attachment, error) {
	const op = "attachments.Upload"
	name = cleanName(name)
	if projectID == "" || name == "" {
		return comments.Attachment{}, errs.InvalidState(op, "project and file name are required")
	}
	if size < 0 || size > MaxSize {
		return comments.Attachment{}, errs.InvalidState(op, "attachment size %d outside 0..%d", size, MaxSize)
	}
	if contentType == "" {
		contentType = "application/octet-stream"
	}

	id := util.NewID("att")
	key := ObjectKey(projectID, id, name)
	info, err := s.client.PutObject(ctx, s.bucket, key, body, size, minio.PutObjectOptions{ContentType: contentType})
	if err != nil {
		return comments.Attachment{}, fmt.Errorf("put object %s: %w", key, err)
	}

	link, err := s.client.PresignedGetObject(ctx, s.bucket, key, s.linkTTL, nil)
	if err != nil {
		return comments.Attachment{}, fmt.Errorf("presign %s: %w", key, err)
	}

	return comments.Attachment{
		ID:          id,
		Name:        name,
		ContentType: contentType,
		Size:        info.Size,
		URL:         link.String(),
	}, nil
}

func ObjectKey(projectID, attachmentID, name string) string {
	return path.Join("projects", projectID, "attachments", attachmentID, name)
}

func cleanName(name string) string {
	name = strings.TrimSpace(strings.ReplaceAll(name, "\\", "/"))
	name = path.Base(name)
	if name == "." || name == "/" || name == ".." {
		return ""
	}
	return name
}
