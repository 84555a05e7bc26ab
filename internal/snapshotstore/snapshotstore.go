// Package snapshotstore fetches event snapshots from the NVR's built-in
// HTTP API and, when configured, archives a copy to S3-compatible storage.
package snapshotstore

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

const minBodyBytes = 1000

// Fetcher downloads an event's snapshot, falling back to its thumbnail the
// way original_source's download_snapshot does.
type Fetcher struct {
	baseURL string
	client  *http.Client
}

// NewFetcher builds a Fetcher against the NVR API base URL.
func NewFetcher(baseURL string) *Fetcher {
	return &Fetcher{
		baseURL: baseURL,
		client:  &http.Client{Timeout: 10 * time.Second},
	}
}

// Fetch retrieves the full-resolution snapshot for eventID, falling back to
// the thumbnail if the snapshot endpoint returns a too-small or failing
// response.
func (f *Fetcher) Fetch(ctx context.Context, eventID string) ([]byte, error) {
	if data, err := f.get(ctx, fmt.Sprintf("%s/api/events/%s/snapshot.jpg", f.baseURL, eventID)); err == nil && len(data) >= minBodyBytes {
		return data, nil
	}
	data, err := f.get(ctx, fmt.Sprintf("%s/api/events/%s/thumbnail.jpg", f.baseURL, eventID))
	if err != nil {
		return nil, fmt.Errorf("snapshotstore: fetching snapshot for event %s: %w", eventID, err)
	}
	if len(data) < minBodyBytes {
		return nil, fmt.Errorf("snapshotstore: snapshot for event %s too small (%d bytes)", eventID, len(data))
	}
	return data, nil
}

func (f *Fetcher) get(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := f.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status %d from %s", resp.StatusCode, url)
	}
	return io.ReadAll(resp.Body)
}

// Stage writes data to dir/eventID.jpg so the VLM client and delivery layer
// can reference it by local path (a MEDIA: reference), mirroring
// original_source's stage_snapshot_for_openclaw.
func Stage(dir, eventID string, data []byte) (string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("snapshotstore: creating dir %s: %w", dir, err)
	}
	path := filepath.Join(dir, eventID+".jpg")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", fmt.Errorf("snapshotstore: staging snapshot %s: %w", path, err)
	}
	return path, nil
}

// Archiver uploads snapshots to an S3-compatible bucket for durable
// retention, independent of the NVR's own retention policy.
type Archiver struct {
	client   *minio.Client
	bucket   string
	baseURL  string
}

// NewArchiver connects to the configured S3-compatible endpoint and ensures
// the target bucket exists.
func NewArchiver(ctx context.Context, endpoint, accessKey, secretKey, bucket string, useSSL bool, publicBaseURL string) (*Archiver, error) {
	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(accessKey, secretKey, ""),
		Secure: useSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("snapshotstore: connecting to %s: %w", endpoint, err)
	}

	exists, err := client.BucketExists(ctx, bucket)
	if err != nil {
		return nil, fmt.Errorf("snapshotstore: checking bucket %s: %w", bucket, err)
	}
	if !exists {
		if err := client.MakeBucket(ctx, bucket, minio.MakeBucketOptions{}); err != nil {
			return nil, fmt.Errorf("snapshotstore: creating bucket %s: %w", bucket, err)
		}
	}

	return &Archiver{client: client, bucket: bucket, baseURL: publicBaseURL}, nil
}

// Archive uploads data under camera/eventID.jpg and returns a reference URL
// when a public base URL is configured, otherwise the bare object key.
func (a *Archiver) Archive(ctx context.Context, camera, eventID string, data []byte) (string, error) {
	key := fmt.Sprintf("%s/%s.jpg", camera, eventID)
	_, err := a.client.PutObject(ctx, a.bucket, key, bytes.NewReader(data), int64(len(data)), minio.PutObjectOptions{
		ContentType: "image/jpeg",
	})
	if err != nil {
		return "", fmt.Errorf("snapshotstore: uploading %s: %w", key, err)
	}
	if a.baseURL != "" {
		return fmt.Sprintf("%s/%s", a.baseURL, key), nil
	}
	return key, nil
}
