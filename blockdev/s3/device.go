package s3

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"strconv"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/hupe1980/vecfs/blockdev"
)

const blockPrefix = "blk-"

// Client is the subset of *s3.Client used by the store.
type Client interface {
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	ListObjectsV2(ctx context.Context, params *s3.ListObjectsV2Input, optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
}

// Store implements blockdev.BlockStore for S3.
type Store struct {
	client Client
	bucket string
	prefix string
}

// NewStore creates a new S3 block store.
// rootPrefix is prepended to all keys (e.g. "my-volume").
func NewStore(client Client, bucket, rootPrefix string) *Store {
	return &Store{
		client: client,
		bucket: bucket,
		prefix: rootPrefix,
	}
}

// Open returns a block device over bucket/rootPrefix.
func Open(ctx context.Context, client Client, bucket, rootPrefix string, blockSize int) (*blockdev.BlockDevice, error) {
	return blockdev.NewBlockDevice(ctx, NewStore(client, bucket, rootPrefix), blockSize)
}

func (s *Store) key(idx int64) string {
	return path.Join(s.prefix, fmt.Sprintf("%s%016x", blockPrefix, idx))
}

func parseBlockKey(key string) (int64, bool) {
	name := path.Base(key)
	if !strings.HasPrefix(name, blockPrefix) {
		return 0, false
	}
	idx, err := strconv.ParseUint(strings.TrimPrefix(name, blockPrefix), 16, 63)
	if err != nil {
		return 0, false
	}
	return int64(idx), true
}

func (s *Store) GetBlock(ctx context.Context, idx int64) ([]byte, error) {
	resp, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key(idx)),
	})
	if err != nil {
		var nsk *types.NoSuchKey
		if errors.As(err, &nsk) {
			return nil, blockdev.ErrBlockNotFound
		}
		var nf *types.NotFound
		if errors.As(err, &nf) {
			return nil, blockdev.ErrBlockNotFound
		}
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	return io.ReadAll(resp.Body)
}

func (s *Store) PutBlock(ctx context.Context, idx int64, data []byte) error {
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(s.bucket),
		Key:           aws.String(s.key(idx)),
		Body:          bytes.NewReader(data),
		ContentLength: aws.Int64(int64(len(data))),
	})
	return err
}

func (s *Store) Blocks(ctx context.Context) (int64, error) {
	var n int64

	paginator := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(s.bucket),
		Prefix: aws.String(path.Join(s.prefix, blockPrefix)),
	})

	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return 0, err
		}
		for _, obj := range page.Contents {
			if obj.Key == nil {
				continue
			}
			if idx, ok := parseBlockKey(*obj.Key); ok {
				n = max(n, idx+1)
			}
		}
	}
	return n, nil
}

// Sync is a no-op: PutObject returns after the object is stored.
func (s *Store) Sync(ctx context.Context) error {
	return ctx.Err()
}

func (s *Store) Close() error {
	return nil
}
