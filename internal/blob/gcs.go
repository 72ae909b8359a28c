package blob

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"cloud.google.com/go/storage"
	"google.golang.org/api/option"
)

const gcsPublicHost = "https://storage.googleapis.com"

// GCSStore keeps blobs in a Google Cloud Storage bucket.
type GCSStore struct {
	client *storage.Client
	bucket string
}

// NewGCSStore opens a storage client. An empty credentialsFile uses application default credentials.
func NewGCSStore(ctx context.Context, bucket string, credentialsFile string) (*GCSStore, error) {
	bucket = strings.TrimSpace(bucket)
	if bucket == "" {
		return nil, fmt.Errorf("blob: gcs bucket required")
	}
	var opts []option.ClientOption
	if strings.TrimSpace(credentialsFile) != "" {
		opts = append(opts, option.WithCredentialsFile(credentialsFile))
	}
	client, err := storage.NewClient(ctx, opts...)
	if err != nil {
		return nil, err
	}
	return &GCSStore{client: client, bucket: bucket}, nil
}

// Put uploads the blob and returns its public URL.
func (s *GCSStore) Put(ctx context.Context, objectPath string, body io.Reader, contentType string) (string, error) {
	cleaned, err := cleanObjectPath(objectPath)
	if err != nil {
		return "", err
	}
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	writer := s.client.Bucket(s.bucket).Object(cleaned).NewWriter(ctx)
	writer.ContentType = contentType
	if _, err := io.Copy(writer, body); err != nil {
		_ = writer.Close()
		return "", err
	}
	if err := writer.Close(); err != nil {
		return "", err
	}
	return fmt.Sprintf("%s/%s/%s", gcsPublicHost, s.bucket, cleaned), nil
}

// Delete removes the object behind objectURL. Missing objects are not an error.
func (s *GCSStore) Delete(ctx context.Context, objectURL string) error {
	cleaned, err := objectPathFromURL(objectURL, "/"+s.bucket+"/")
	if err != nil {
		return err
	}
	err = s.client.Bucket(s.bucket).Object(cleaned).Delete(ctx)
	if err != nil && !errors.Is(err, storage.ErrObjectNotExist) {
		return err
	}
	return nil
}

// Close releases the storage client.
func (s *GCSStore) Close() error {
	return s.client.Close()
}
