// Package minio provides a block device for MinIO and S3-compatible storage
// using github.com/minio/minio-go/v7.
//
// Every block is one object named <prefix>/blk-<index in hex>. The device size
// is recovered at open time by listing the prefix.
//
//	client, _ := minio.New("localhost:9000", &minio.Options{
//	    Creds: credentials.NewStaticV4("minioadmin", "minioadmin", ""),
//	})
//	dev, err := vecminio.Open(ctx, client, "vectors", "volume-1", 0)
package minio
