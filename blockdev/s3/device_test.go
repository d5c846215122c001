package s3

import (
	"bytes"
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/hupe1980/vecfs/blockdev"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type mockClient struct {
	mock.Mock
}

func (m *mockClient) GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	args := m.Called(ctx, params)
	out, _ := args.Get(0).(*s3.GetObjectOutput)
	return out, args.Error(1)
}

func (m *mockClient) PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	args := m.Called(ctx, params)
	out, _ := args.Get(0).(*s3.PutObjectOutput)
	return out, args.Error(1)
}

func (m *mockClient) ListObjectsV2(ctx context.Context, params *s3.ListObjectsV2Input, optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error) {
	args := m.Called(ctx, params)
	out, _ := args.Get(0).(*s3.ListObjectsV2Output)
	return out, args.Error(1)
}

// memClient keeps objects in a map.
type memClient struct {
	mu      sync.Mutex
	objects map[string][]byte
}

func newMemClient() *memClient {
	return &memClient{objects: make(map[string][]byte)}
}

func (c *memClient) GetObject(_ context.Context, params *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	data, ok := c.objects[*params.Key]
	if !ok {
		return nil, &types.NoSuchKey{}
	}
	return &s3.GetObjectOutput{Body: io.NopCloser(bytes.NewReader(bytes.Clone(data)))}, nil
}

func (c *memClient) PutObject(_ context.Context, params *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	data, err := io.ReadAll(params.Body)
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.objects[*params.Key] = data
	return &s3.PutObjectOutput{}, nil
}

func (c *memClient) ListObjectsV2(_ context.Context, params *s3.ListObjectsV2Input, _ ...func(*s3.Options)) (*s3.ListObjectsV2Output, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := &s3.ListObjectsV2Output{IsTruncated: aws.Bool(false)}
	for k := range c.objects {
		if strings.HasPrefix(k, *params.Prefix) {
			out.Contents = append(out.Contents, types.Object{Key: aws.String(k)})
		}
	}
	return out, nil
}

func TestStore_GetBlockNotFound(t *testing.T) {
	mc := new(mockClient)
	store := NewStore(mc, "bucket", "vol")

	mc.On("GetObject", mock.Anything, mock.MatchedBy(func(in *s3.GetObjectInput) bool {
		return *in.Bucket == "bucket" && *in.Key == "vol/blk-0000000000000003"
	})).Return(nil, &types.NoSuchKey{}).Once()

	_, err := store.GetBlock(context.Background(), 3)
	assert.ErrorIs(t, err, blockdev.ErrBlockNotFound)
	mc.AssertExpectations(t)
}

func TestStore_GetBlockError(t *testing.T) {
	mc := new(mockClient)
	store := NewStore(mc, "bucket", "vol")
	boom := errors.New("throttled")

	mc.On("GetObject", mock.Anything, mock.Anything).Return(nil, boom).Once()

	_, err := store.GetBlock(context.Background(), 0)
	assert.ErrorIs(t, err, boom)
}

func TestStore_BlocksPagination(t *testing.T) {
	mc := new(mockClient)
	store := NewStore(mc, "bucket", "vol")

	mc.On("ListObjectsV2", mock.Anything, mock.MatchedBy(func(in *s3.ListObjectsV2Input) bool {
		return in.ContinuationToken == nil && *in.Prefix == "vol/blk-"
	})).Return(&s3.ListObjectsV2Output{
		IsTruncated:           aws.Bool(true),
		NextContinuationToken: aws.String("token"),
		Contents: []types.Object{
			{Key: aws.String("vol/blk-0000000000000000")},
			{Key: aws.String("vol/blk-0000000000000007")},
		},
	}, nil).Once()

	mc.On("ListObjectsV2", mock.Anything, mock.MatchedBy(func(in *s3.ListObjectsV2Input) bool {
		return in.ContinuationToken != nil && *in.ContinuationToken == "token"
	})).Return(&s3.ListObjectsV2Output{
		IsTruncated: aws.Bool(false),
		Contents: []types.Object{
			{Key: aws.String("vol/blk-0000000000000002")},
			{Key: aws.String("vol/blk-garbage")},
		},
	}, nil).Once()

	n, err := store.Blocks(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(8), n)
	mc.AssertExpectations(t)
}

func TestDevice_ReadModifyWrite(t *testing.T) {
	ctx := context.Background()
	client := newMemClient()

	dev, err := Open(ctx, client, "bucket", "vol", 8)
	require.NoError(t, err)

	require.NoError(t, dev.WriteBlock(ctx, 0, []byte("0123456789abcdef")))
	require.NoError(t, dev.WriteBlock(ctx, 6, []byte("XYZ")))
	assert.Len(t, client.objects, 2)

	buf := make([]byte, 16)
	n, err := dev.ReadBlock(ctx, 0, buf)
	require.NoError(t, err)
	assert.Equal(t, 16, n)
	assert.Equal(t, "012345XYZ9abcdef", string(buf))

	reopened, err := Open(ctx, client, "bucket", "vol", 8)
	require.NoError(t, err)
	assert.Equal(t, int64(16), reopened.Size())
}
