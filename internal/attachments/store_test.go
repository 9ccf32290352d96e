package attachments

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"abode/collab/internal/errs"
)

type fakeObjects struct {
	buckets map[string]bool
	objects map[string][]byte
	types   map[string]string
	putErr  error
}

func newFakeObjects() *fakeObjects {
	return &fakeObjects{buckets: map[string]bool{}, objects: map[string][]byte{}, types: map[string]string{}}
}

func (f *fakeObjects) BucketExists(_ context.Context, bucket string) (bool, error) {
	return f.buckets[bucket], nil
}

func (f *fakeObjects) MakeBucket(_ context.Context, bucket string, _ minio.MakeBucketOptions) error {
	f.buckets[bucket] = true
	return nil
}

func (f *fakeObjects) PutObject(_ context.Context, _ string, object string, reader io.Reader, _ int64, opts minio.PutObjectOptions) (minio.UploadInfo, error) {
	if f.putErr != nil {
		return minio.UploadInfo{}, f.putErr
	}
	data, err := io.ReadAll(reader)
	if err != nil {
		return minio.UploadInfo{}, err
	}
	f.objects[object] = data
	f.types[object] = opts.ContentType
	return minio.UploadInfo{Key: object, Size: int64(len(data))}, nil
}

func (f *fakeObjects) PresignedGetObject(_ context.Context, bucket, object string, _ time.Duration, _ url.Values) (*url.URL, error) {
	return &url.URL{Scheme: "http", Host: "minio.local", Path: "/" + bucket + "/" + object}, nil
}

func TestEnsureBucketCreatesMissing(t *testing.T) {
	fake := newFakeObjects()
	s := newWithClient(fake, "collab", 0)
	require.NoError(t, s.ensureBucket(context.Background()))
	assert.True(t, fake.buckets["collab"])
	assert.Equal(t, 24*time.Hour, s.linkTTL)
}

func TestUploadStoresUnderProjectPrefix(t *testing.T) {
	fake := newFakeObjects()
	s := newWithClient(fake, "collab", time.Hour)

	body := []byte("plan pdf")
	att, err := s.Upload(context.Background(), "p1", "../../plans/level-1.pdf", "application/pdf", bytes.NewReader(body), int64(len(body)))
	require.NoError(t, err)

	assert.Equal(t, "level-1.pdf", att.Name)
	assert.Equal(t, int64(len(body)), att.Size)
	assert.Equal(t, "application/pdf", att.ContentType)
	key := ObjectKey("p1", att.ID, "level-1.pdf")
	assert.Equal(t, body, fake.objects[key])
	assert.True(t, strings.HasSuffix(att.URL, "/collab/"+key))
	assert.True(t, strings.HasPrefix(att.ID, "att"))
}

func TestUploadDefaultsContentType(t *testing.T) {
	fake := newFakeObjects()
	s := newWithClient(fake, "collab", time.Hour)

	att, err := s.Upload(context.Background(), "p1", "notes.bin", "", strings.NewReader("x"), 1)
	require.NoError(t, err)
	assert.Equal(t, "application/octet-stream", att.ContentType)
}

func TestUploadRejectsInvalidInput(t *testing.T) {
	s := newWithClient(newFakeObjects(), "collab", time.Hour)
	ctx := context.Background()

	_, err := s.Upload(ctx, "", "a.txt", "", strings.NewReader("x"), 1)
	assert.True(t, errors.Is(err, errs.ErrInvalidState))

	_, err = s.Upload(ctx, "p1", "..", "", strings.NewReader("x"), 1)
	assert.True(t, errors.Is(err, errs.ErrInvalidState))

	_, err = s.Upload(ctx, "p1", "big.bin", "", strings.NewReader("x"), MaxSize+1)
	assert.True(t, errors.Is(err, errs.ErrInvalidState))
}

func TestUploadWrapsStorageError(t *testing.T) {
	fake := newFakeObjects()
	fake.putErr = errors.New("disk full")
	s := newWithClient(fake, "collab", time.Hour)

	_, err := s.Upload(context.Background(), "p1", "a.txt", "", strings.NewReader("x"), 1)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "disk full")
	assert.False(t, errors.Is(err, errs.ErrInvalidState))
}
