package backends

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// runBackendSuite checks the Backend contract against a fresh backend.
func runBackendSuite(t *testing.T, newBackend func(t *testing.T) Backend) {
	ctx := context.Background()

	t.Run("WriteRead", func(t *testing.T) {
		b := newBackend(t)
		id, err := b.Write(ctx, []byte("hello"))
		require.NoError(t, err)
		require.NotEmpty(t, id)

		data, err := b.Read(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, []byte("hello"), data)
	})

	t.Run("EmptyContent", func(t *testing.T) {
		b := newBackend(t)
		id, err := b.Write(ctx, nil)
		require.NoError(t, err)

		data, err := b.Read(ctx, id)
		require.NoError(t, err)
		assert.Empty(t, data)
	})

	t.Run("ReadMissing", func(t *testing.T) {
		b := newBackend(t)
		_, err := b.Read(ctx, "0190000000007000800000000000beef")
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("DeleteIdempotent", func(t *testing.T) {
		b := newBackend(t)
		id, err := b.Write(ctx, []byte("bye"))
		require.NoError(t, err)

		require.NoError(t, b.Delete(ctx, id))
		require.NoError(t, b.Delete(ctx, id))

		_, err = b.Read(ctx, id)
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("UniqueIDsUnderConcurrency", func(t *testing.T) {
		b := newBackend(t)
		const n = 200

		var (
			wg  sync.WaitGroup
			mu  sync.Mutex
			ids = make(map[string]struct{}, n)
		)
		for i := 0; i < n; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				id, err := b.Write(ctx, []byte("x"))
				assert.NoError(t, err)
				mu.Lock()
				ids[id] = struct{}{}
				mu.Unlock()
			}()
		}
		wg.Wait()
		assert.Len(t, ids, n)
	})
}

func TestFS(t *testing.T) {
	runBackendSuite(t, func(t *testing.T) Backend {
		b, err := NewFS(t.TempDir())
		require.NoError(t, err)
		return b
	})
}

func TestFSLayout(t *testing.T) {
	dir := t.TempDir()
	b, err := NewFS(dir)
	require.NoError(t, err)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Len(t, entries, 256)

	id, err := b.Write(context.Background(), []byte("data"))
	require.NoError(t, err)

	_, err = os.Stat(filepath.Join(dir, id[len(id)-2:], id))
	assert.NoError(t, err)
	_, err = os.Stat(filepath.Join(dir, id[len(id)-2:], id+".tmp"))
	assert.True(t, errors.Is(err, os.ErrNotExist))
}

func TestFSRejectsPathLikeIDs(t *testing.T) {
	b, err := NewFS(t.TempDir())
	require.NoError(t, err)

	for _, id := range []string{"", ".", "..", "../etc/passwd", `a\b`} {
		_, err := b.Read(context.Background(), id)
		assert.ErrorIs(t, err, ErrInvalidContentID, id)
		assert.ErrorIs(t, b.Delete(context.Background(), id), ErrInvalidContentID, id)
	}
}

func TestFSCancelledContext(t *testing.T) {
	b, err := NewFS(t.TempDir())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err = b.Write(ctx, []byte("x"))
	assert.ErrorIs(t, err, context.Canceled)
}

func TestMemory(t *testing.T) {
	runBackendSuite(t, func(t *testing.T) Backend {
		return NewMemory()
	})
}

func TestMemoryCopiesContent(t *testing.T) {
	m := NewMemory()
	content := []byte("abc")
	id, err := m.Write(context.Background(), content)
	require.NoError(t, err)

	content[0] = 'z'
	data, err := m.Read(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, []byte("abc"), data)
	assert.Equal(t, 1, m.Len())
}

// fakeS3 is an in-memory stand-in for the S3 client.
type fakeS3 struct {
	mu        sync.Mutex
	objects   map[string][]byte
	headErr   error
	putErr    error
	putBucket string
}

func newFakeS3() *fakeS3 {
	return &fakeS3{objects: make(map[string][]byte)}
}

func (f *fakeS3) HeadBucket(ctx context.Context, in *s3.HeadBucketInput, _ ...func(*s3.Options)) (*s3.HeadBucketOutput, error) {
	if f.headErr != nil {
		return nil, f.headErr
	}
	return &s3.HeadBucketOutput{}, nil
}

func (f *fakeS3) PutObject(ctx context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	if f.putErr != nil {
		return nil, f.putErr
	}
	data, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.putBucket = aws.ToString(in.Bucket)
	f.objects[aws.ToString(in.Key)] = data
	return &s3.PutObjectOutput{}, nil
}

func (f *fakeS3) GetObject(ctx context.Context, in *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, ok := f.objects[aws.ToString(in.Key)]
	if !ok {
		return nil, &types.NoSuchKey{}
	}
	return &s3.GetObjectOutput{Body: io.NopCloser(bytes.NewReader(data))}, nil
}

func (f *fakeS3) DeleteObject(ctx context.Context, in *s3.DeleteObjectInput, _ ...func(*s3.Options)) (*s3.DeleteObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.objects, aws.ToString(in.Key))
	return &s3.DeleteObjectOutput{}, nil
}

func TestS3(t *testing.T) {
	runBackendSuite(t, func(t *testing.T) Backend {
		b, err := NewS3(context.Background(), S3Config{
			Client: newFakeS3(),
			Bucket: "files",
		})
		require.NoError(t, err)
		return b
	})
}

func TestS3KeyPrefix(t *testing.T) {
	client := newFakeS3()
	b, err := NewS3(context.Background(), S3Config{
		Client:    client,
		Bucket:    "files",
		KeyPrefix: "filecache/",
	})
	require.NoError(t, err)

	id, err := b.Write(context.Background(), []byte("x"))
	require.NoError(t, err)
	assert.Contains(t, client.objects, "filecache/"+id)
	assert.Equal(t, "files", client.putBucket)
}

func TestNewS3Validation(t *testing.T) {
	_, err := NewS3(context.Background(), S3Config{Bucket: "files"})
	assert.Error(t, err)

	_, err = NewS3(context.Background(), S3Config{Client: newFakeS3()})
	assert.Error(t, err)

	client := newFakeS3()
	client.headErr = errors.New("forbidden")
	_, err = NewS3(context.Background(), S3Config{Client: client, Bucket: "files"})
	assert.ErrorContains(t, err, "forbidden")
}

func TestS3WriteFailure(t *testing.T) {
	client := newFakeS3()
	b, err := NewS3(context.Background(), S3Config{Client: client, Bucket: "files"})
	require.NoError(t, err)

	client.putErr = errors.New("slow down")
	_, err = b.Write(context.Background(), []byte("x"))
	assert.ErrorContains(t, err, "slow down")
}

func TestDebug(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))

	runBackendSuite(t, func(t *testing.T) Backend {
		return NewDebug(NewMemory(), logger)
	})

	out := buf.String()
	assert.True(t, strings.Contains(out, "component=backend"))
	assert.True(t, strings.Contains(out, "msg=\"write stored\""))
	assert.True(t, strings.Contains(out, "msg=\"read failed\""))
}
