package checkpoints

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"strings"
	"sync"
	"testing"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/request"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/aws/aws-sdk-go/service/s3/s3iface"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeS3 keeps objects in memory and serves the calls S3Store makes.
type fakeS3 struct {
	s3iface.S3API
	mu      sync.Mutex
	objects map[string][]byte
	puts    int
}

func newFakeS3() *fakeS3 {
	return &fakeS3{objects: map[string][]byte{}}
}

func (f *fakeS3) PutObjectWithContext(ctx aws.Context, in *s3.PutObjectInput, _ ...request.Option) (*s3.PutObjectOutput, error) {
	data, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.objects[aws.StringValue(in.Bucket)+"/"+aws.StringValue(in.Key)] = data
	f.puts++
	return &s3.PutObjectOutput{}, nil
}

func (f *fakeS3) GetObjectWithContext(ctx aws.Context, in *s3.GetObjectInput, _ ...request.Option) (*s3.GetObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, ok := f.objects[aws.StringValue(in.Bucket)+"/"+aws.StringValue(in.Key)]
	if !ok {
		return nil, awserr.New(s3.ErrCodeNoSuchKey, "The specified key does not exist.", nil)
	}
	return &s3.GetObjectOutput{Body: io.NopCloser(bytes.NewReader(data))}, nil
}

func (f *fakeS3) HeadObjectWithContext(ctx aws.Context, in *s3.HeadObjectInput, _ ...request.Option) (*s3.HeadObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.objects[aws.StringValue(in.Bucket)+"/"+aws.StringValue(in.Key)]; !ok {
		return nil, awserr.NewRequestFailure(awserr.New("NotFound", "Not Found", nil), http.StatusNotFound, "req-1")
	}
	return &s3.HeadObjectOutput{}, nil
}

func (f *fakeS3) ListObjectsV2PagesWithContext(ctx aws.Context, in *s3.ListObjectsV2Input, fn func(*s3.ListObjectsV2Output, bool) bool, _ ...request.Option) error {
	f.mu.Lock()
	var contents []*s3.Object
	bucketPrefix := aws.StringValue(in.Bucket) + "/"
	for k := range f.objects {
		key, ok := strings.CutPrefix(k, bucketPrefix)
		if ok && strings.HasPrefix(key, aws.StringValue(in.Prefix)) {
			contents = append(contents, &s3.Object{Key: aws.String(key)})
		}
	}
	f.mu.Unlock()

	// Two pages to exercise pagination.
	half := len(contents) / 2
	if !fn(&s3.ListObjectsV2Output{Contents: contents[:half]}, false) {
		return nil
	}
	fn(&s3.ListObjectsV2Output{Contents: contents[half:]}, true)
	return nil
}

func TestParseS3URI(t *testing.T) {
	bucket, prefix, err := ParseS3URI("s3://ct-runs/exp1/model_states/")
	require.NoError(t, err)
	assert.Equal(t, "ct-runs", bucket)
	assert.Equal(t, "exp1/model_states", prefix)

	_, _, err = ParseS3URI("gs://bucket")
	assert.Error(t, err)
	_, _, err = ParseS3URI("s3:///prefix")
	assert.Error(t, err)
}

func TestS3StoreRoundTrip(t *testing.T) {
	ctx := context.Background()
	client := newFakeS3()
	codec, _ := NewCodec(FormatBinary)
	store := NewS3Store(client, "ct-runs", "exp1", codec)

	_, ok, err := FindLatest(ctx, store)
	require.NoError(t, err)
	assert.False(t, ok)

	for _, e := range []int{1, 2, 3} {
		require.NoError(t, store.Save(ctx, sampleCheckpoint(e)))
	}
	client.objects["ct-runs/exp1/nested/9.ckpt"] = []byte("x")
	client.objects["ct-runs/other/12.ckpt"] = []byte("x")

	latest, ok, err := FindLatest(ctx, store)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, 3, latest)

	ck, err := store.Load(ctx, 2)
	require.NoError(t, err)
	assert.Equal(t, 2, ck.Epoch)
	assert.Equal(t, "s3://ct-runs/exp1/2.ckpt", store.Location(2))

	_, err = store.Load(ctx, 8)
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestS3StoreListRejectsCheckpointsInAnotherFormat(t *testing.T) {
	ctx := context.Background()
	client := newFakeS3()
	jsonCodec, _ := NewCodec(FormatJSON)
	require.NoError(t, NewS3Store(client, "ct-runs", "exp1", jsonCodec).Save(ctx, sampleCheckpoint(4)))

	binaryCodec, _ := NewCodec(FormatBinary)
	_, _, err := FindLatest(ctx, NewS3Store(client, "ct-runs", "exp1", binaryCodec))
	assert.True(t, errors.Is(err, ErrCorruptState), "got %v", err)
}

func TestS3StoreSaveConfigWritesOnce(t *testing.T) {
	ctx := context.Background()
	client := newFakeS3()
	codec, _ := NewCodec(FormatJSON)
	store := NewS3Store(client, "ct-runs", "", codec)

	written, err := store.SaveConfig(ctx, []byte("a: 1\n"))
	require.NoError(t, err)
	assert.True(t, written)

	written, err = store.SaveConfig(ctx, []byte("a: 2\n"))
	require.NoError(t, err)
	assert.False(t, written)
	assert.Equal(t, 1, client.puts)
	assert.Equal(t, "a: 1\n", string(client.objects["ct-runs/config.yaml"]))
}
