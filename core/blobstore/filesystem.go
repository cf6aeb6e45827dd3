package blobstore

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/plantmate/garden/core/logger"
)

// LocalFilesystem is the local filesystem implementation of the Driver,
// intended for development setups and tests. URLs returned by
// GetPreSignedURL are not signed; they point at the service's own image
// proxy route.
type LocalFilesystem struct {
	baseFolder string
	publicURL  url.URL
}

// NewLocalFilesystem returns a new LocalFilesystem rooted at baseFolder
func NewLocalFilesystem(baseFolder string, publicURL url.URL) (*LocalFilesystem, error) {
	if err := os.MkdirAll(baseFolder, os.ModePerm); err != nil {
		return nil, err
	}
	logger.Default().Debugln("blobstore local filesystem enabled:", baseFolder)
	return &LocalFilesystem{baseFolder: baseFolder, publicURL: publicURL}, nil
}

func (f *LocalFilesystem) keyPath(key string) (string, error) {
	if strings.Contains(key, "..") {
		return "", fmt.Errorf(".. not authorized in keys")
	}
	return filepath.Join(f.baseFolder, filepath.FromSlash(key)), nil
}

// Fetch returns a stream with the content of the key file. Returns
// ErrNotFound when no such file exists.
func (f *LocalFilesystem) Fetch(ctx context.Context, key string) (io.ReadCloser, error) {
	p, err := f.keyPath(key)
	if err != nil {
		return nil, err
	}
	file, err := os.Open(p)
	if os.IsNotExist(err) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return file, nil
}

// GetPreSignedURL returns a URL below the configured public URL. The expiry
// is carried as a query parameter for symmetry with the S3 driver but is not
// enforced.
func (f *LocalFilesystem) GetPreSignedURL(method Method, key string, expireIn time.Duration) (string, error) {
	if method != Get && method != Put {
		return "", fmt.Errorf("%s unsupported method to presign '%s'", method, key)
	}
	u := f.publicURL
	u.Path = path.Join(u.Path, "images", key)
	v := url.Values{}
	v.Set("expiry", strconv.FormatInt(int64(expireIn.Seconds()), 10))
	u.RawQuery = v.Encode()
	return u.String(), nil
}

// Upload stores data in a new key file
func (f *LocalFilesystem) Upload(ctx context.Context, key string, body io.Reader) error {
	p, err := f.keyPath(key)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(p), os.ModePerm); err != nil {
		return err
	}
	file, err := os.Create(p)
	if err != nil {
		return err
	}
	defer file.Close()
	_, err = io.Copy(file, body)
	return err
}

// Delete deletes the key file
func (f *LocalFilesystem) Delete(ctx context.Context, key string) error {
	p, err := f.keyPath(key)
	if err != nil {
		return err
	}
	err = os.Remove(p)
	if os.IsNotExist(err) {
		return nil
	}
	return err
}
