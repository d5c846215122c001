// Package s3 provides a block device on Amazon S3 using aws-sdk-go-v2.
//
// Every block is one object named <prefix>/blk-<index in hex>. Partial block
// writes are read-modify-write, so a device must have a single writer.
package s3
