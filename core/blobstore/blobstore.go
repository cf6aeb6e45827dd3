package blobstore

import (
	"context"
	"errors"
	"io"
	"time"
)

// blobstore provides access to the photo images stored outside of the garden
// database. There are two possible backends: AWS S3 and a local file system.

// Method is the HTTP method a pre-signed URL is valid for
type Method string

const (
	// Get grants read access to a key
	Get Method = "GET"
	// Put grants write access to a key
	Put Method = "PUT"
)

// ErrNotFound is returned by Fetch when the requested key does not exist
var ErrNotFound = errors.New("no such key")

// Driver defines the interface for the blob storage service
type Driver interface {
	// Fetch returns a stream with the content stored under key. The caller
	// must close the returned reader. Returns ErrNotFound for missing keys.
	Fetch(ctx context.Context, key string) (io.ReadCloser, error)
	// GetPreSignedURL returns a pre-signed URL that can be used with the given
	// method until the expiry duration has passed
	GetPreSignedURL(method Method, key string, expireIn time.Duration) (URL string, err error)
	// Upload stores data under a new key object
	Upload(ctx context.Context, key string, body io.Reader) error
	// Delete deletes the key object
	Delete(ctx context.Context, key string) error
}

// DriverType represents the different types of blob storage drivers
type DriverType string

// DriverTypeLocal is the local filesystem implementation of the blob storage
const DriverTypeLocal DriverType = "local"

// DriverTypeAWSS3 is the AWS S3 implementation of the blob storage
const DriverTypeAWSS3 DriverType = "s3"

// S3Configuration contains the configuration for the S3 driver
type S3Configuration struct {
	AWSRegion     string
	AWSBucketName string
	AccessID      string
	AccessKey     string
	KeyPrefix     string
}
