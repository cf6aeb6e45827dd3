package blobstore_test

import (
	"bytes"
	"context"
	"io"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/plantmate/garden/core/blobstore"
)

func newLocalDriver(t *testing.T) *blobstore.LocalFilesystem {
	publicURL := url.URL{Scheme: "http", Host: "localhost:3000"}
	f, err := blobstore.NewLocalFilesystem(t.TempDir(), publicURL)
	if err != nil {
		t.Fatal(err)
	}
	return f
}

func TestLocalFilesystemUploadFetch(t *testing.T) {
	f := newLocalDriver(t)
	ctx := context.Background()

	data := []byte{0x89, 'P', 'N', 'G', 1, 2, 3}
	if err := f.Upload(ctx, "photos/42/7/test.png", bytes.NewReader(data)); err != nil {
		t.Fatal(err)
	}

	content, err := f.Fetch(ctx, "photos/42/7/test.png")
	if err != nil {
		t.Fatal(err)
	}
	defer content.Close()
	got, err := io.ReadAll(content)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(data, got) {
		t.Fatalf("expecting %v, got %v", data, got)
	}
}

func TestLocalFilesystemFetchMissing(t *testing.T) {
	f := newLocalDriver(t)

	_, err := f.Fetch(context.Background(), "missing/key.png")
	if err != blobstore.ErrNotFound {
		t.Fatalf("expecting ErrNotFound, got %v", err)
	}
}

func TestLocalFilesystemRejectsTraversal(t *testing.T) {
	f := newLocalDriver(t)

	_, err := f.Fetch(context.Background(), "../../../etc/passwd")
	if err == nil || err == blobstore.ErrNotFound {
		t.Fatalf("expecting traversal error, got %v", err)
	}
}

func TestLocalFilesystemDeleteIsIdempotent(t *testing.T) {
	f := newLocalDriver(t)
	ctx := context.Background()

	if err := f.Upload(ctx, "key.png", strings.NewReader("data")); err != nil {
		t.Fatal(err)
	}
	if err := f.Delete(ctx, "key.png"); err != nil {
		t.Fatal(err)
	}
	if err := f.Delete(ctx, "key.png"); err != nil {
		t.Fatal(err)
	}
	if _, err := f.Fetch(ctx, "key.png"); err != blobstore.ErrNotFound {
		t.Fatalf("expecting ErrNotFound after delete, got %v", err)
	}
}

func TestLocalFilesystemPreSignedURL(t *testing.T) {
	f := newLocalDriver(t)

	u, err := f.GetPreSignedURL(blobstore.Get, "common_photos/plant_01.png", 3600*time.Second)
	if err != nil {
		t.Fatal(err)
	}
	parsed, err := url.Parse(u)
	if err != nil {
		t.Fatal(err)
	}
	if parsed.Path != "/images/common_photos/plant_01.png" {
		t.Fatalf("unexpected path %q", parsed.Path)
	}
	if parsed.Query().Get("expiry") != "3600" {
		t.Fatalf("expecting expiry of 3600 seconds, got %q", parsed.Query().Get("expiry"))
	}

	if _, err := f.GetPreSignedURL("DELETE", "key", time.Hour); err == nil {
		t.Fatal("expecting unsupported method error")
	}
}
