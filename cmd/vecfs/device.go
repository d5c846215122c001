package main

import (
	"context"
	"fmt"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/spf13/pflag"

	"github.com/hupe1980/vecfs/blockdev"
	miniodev "github.com/hupe1980/vecfs/blockdev/minio"
	s3dev "github.com/hupe1980/vecfs/blockdev/s3"
)

type deviceFlags struct {
	kind      string
	path      string
	bucket    string
	prefix    string
	endpoint  string
	accessKey string
	secretKey string
	insecure  bool
	blockSize int
}

func (f *deviceFlags) register(fs *pflag.FlagSet) {
	fs.StringVar(&f.kind, "device", "file", "backing device: file, badger, s3 or minio")
	fs.StringVar(&f.path, "path", "vecfs.dat", "device file (file) or database directory (badger)")
	fs.StringVar(&f.bucket, "bucket", "", "bucket name (s3, minio)")
	fs.StringVar(&f.prefix, "prefix", "vecfs", "object key prefix (s3, minio)")
	fs.StringVar(&f.endpoint, "endpoint", "localhost:9000", "minio endpoint")
	fs.StringVar(&f.accessKey, "access-key", "", "minio access key")
	fs.StringVar(&f.secretKey, "secret-key", "", "minio secret key")
	fs.BoolVar(&f.insecure, "insecure", false, "connect to minio without TLS")
	fs.IntVar(&f.blockSize, "block-size", blockdev.DefaultBlockSize, "object block size (badger, s3, minio)")
}

func (f *deviceFlags) open(ctx context.Context) (blockdev.Device, error) {
	switch f.kind {
	case "file":
		return blockdev.OpenFile(f.path)
	case "badger":
		return blockdev.OpenBadger(ctx, f.path, func(o *blockdev.BadgerOptions) {
			o.BlockSize = f.blockSize
		})
	case "s3":
		if f.bucket == "" {
			return nil, fmt.Errorf("--bucket is required for s3")
		}
		cfg, err := awsconfig.LoadDefaultConfig(ctx)
		if err != nil {
			return nil, err
		}
		return s3dev.Open(ctx, s3.NewFromConfig(cfg), f.bucket, f.prefix, f.blockSize)
	case "minio":
		if f.bucket == "" {
			return nil, fmt.Errorf("--bucket is required for minio")
		}
		client, err := minio.New(f.endpoint, &minio.Options{
			Creds:  credentials.NewStaticV4(f.accessKey, f.secretKey, ""),
			Secure: !f.insecure,
		})
		if err != nil {
			return nil, err
		}
		return miniodev.Open(ctx, client, f.bucket, f.prefix, f.blockSize)
	default:
		return nil, fmt.Errorf("unknown device %q", f.kind)
	}
}
