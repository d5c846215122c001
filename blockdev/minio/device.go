package minio

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"path"
	"strconv"
	"strings"

	"github.com/hupe1980/vecfs/blockdev"
	"github.com/minio/minio-go/v7"
)

const blockPrefix = "blk-"

// Store implements blockdev.BlockStore for MinIO.
type Store struct {
	client *minio.Client
	bucket string
	prefix string
}

// NewStore creates a block store.
// rootPrefix is prepended to all keys (e.g. "volumes/a").
func NewStore(client *minio.Client, bucket, rootPrefix string) *Store {
	return &Store{
		client: client,
		bucket: bucket,
		prefix: rootPrefix,
	}
}

// Open returns a block device over bucket/rootPrefix.
func Open(ctx context.Context, client *minio.Client, bucket, rootPrefix string, blockSize int) (*blockdev.BlockDevice, error) {
	return blockdev.NewBlockDevice(ctx, NewStore(client, bucket, rootPrefix), blockSize)
}

func (s *Store) key(idx int64) string {
	return path.Join(s.prefix, blockKey(idx))
}

func blockKey(idx int64) string {
	return fmt.Sprintf("%s%016x", blockPrefix, idx)
}

func parseBlockKey(name string) (int64, bool) {
	name = path.Base(name)
	if !strings.HasPrefix(name, blockPrefix) {
		return 0, false
	}
	idx, err := strconv.ParseUint(strings.TrimPrefix(name, blockPrefix), 16, 63)
	if err != nil {
		return 0, false
	}
	return int64(idx), true
}

func isNotFound(err error) bool {
	errResp := minio.ToErrorResponse(err)
	return errResp.Code == "NoSuchKey" || errResp.Code == "NotFound"
}

func (s *Store) GetBlock(ctx context.Context, idx int64) ([]byte, error) {
	obj, err := s.client.GetObject(ctx, s.bucket, s.key(idx), minio.GetObjectOptions{})
	if err != nil {
		if isNotFound(err) {
			return nil, blockdev.ErrBlockNotFound
		}
		return nil, err
	}
	defer obj.Close()

	data, err := io.ReadAll(obj)
	if err != nil {
		if isNotFound(err) {
			return nil, blockdev.ErrBlockNotFound
		}
		return nil, err
	}
	return data, nil
}

func (s *Store) PutBlock(ctx context.Context, idx int64, data []byte) error {
	_, err := s.client.PutObject(ctx, s.bucket, s.key(idx), bytes.NewReader(data), int64(len(data)), minio.PutObjectOptions{})
	return err
}

func (s *Store) Blocks(ctx context.Context) (int64, error) {
	var n int64
	for obj := range s.client.ListObjects(ctx, s.bucket, minio.ListObjectsOptions{
		Prefix:    path.Join(s.prefix, blockPrefix),
		Recursive: true,
	}) {
		if obj.Err != nil {
			return 0, obj.Err
		}
		if idx, ok := parseBlockKey(obj.Key); ok {
			n = max(n, idx+1)
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
