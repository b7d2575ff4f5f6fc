package filestore

import (
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func newTestS3Store(t *testing.T, cfg S3Config) *S3Store {
	t.Helper()
	dir := t.TempDir()
	t.Setenv("AWS_ACCESS_KEY_ID", "test")
	t.Setenv("AWS_SECRET_ACCESS_KEY", "test")
	t.Setenv("AWS_CONFIG_FILE", filepath.Join(dir, "config"))
	t.Setenv("AWS_SHARED_CREDENTIALS_FILE", filepath.Join(dir, "credentials"))
	t.Setenv("AWS_EC2_METADATA_DISABLED", "true")

	store, err := NewS3Store(context.Background(), cfg)
	if err != nil {
		t.Fatalf("NewS3Store failed: %v", err)
	}
	return store
}

func TestS3Store_PrivateReferenceIsDurable(t *testing.T) {
	store := newTestS3Store(t, S3Config{
		Region:     "us-east-1",
		Bucket:     "attachments",
		BaseURL:    "http://localhost:8080/",
		PresignTTL: 15 * time.Minute,
	})
	ctx := context.Background()
	path := "chat/alice--bob/1-map.png"

	ref, err := store.URL(ctx, path)
	if err != nil {
		t.Fatalf("URL failed: %v", err)
	}
	if ref != "http://localhost:8080/api/files/chat/alice--bob/1-map.png" {
		t.Errorf("unexpected reference %s", ref)
	}
	if strings.Contains(ref, "X-Amz-") {
		t.Errorf("stored reference must not expire: %s", ref)
	}

	link, err := store.PresignGet(ctx, path)
	if err != nil {
		t.Fatalf("PresignGet failed: %v", err)
	}
	if !strings.Contains(link, "X-Amz-Expires=900") || !strings.Contains(link, "chat/alice--bob/1-map.png") {
		t.Errorf("unexpected presigned link %s", link)
	}
}

func TestS3Store_PublicReference(t *testing.T) {
	tests := []struct {
		name     string
		endpoint string
		want     string
	}{
		{"AWS", "", "https://attachments.s3.eu-west-1.amazonaws.com/chat/alice--bob/1-my%20map.png"},
		{"Custom endpoint", "http://minio:9000/", "http://minio:9000/attachments/chat/alice--bob/1-my%20map.png"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := newTestS3Store(t, S3Config{
				Region:     "eu-west-1",
				Bucket:     "attachments",
				Endpoint:   tt.endpoint,
				PublicRead: true,
			})
			ref, err := store.URL(context.Background(), "chat/alice--bob/1-my map.png")
			if err != nil {
				t.Fatalf("URL failed: %v", err)
			}
			if ref != tt.want {
				t.Errorf("got %s, want %s", ref, tt.want)
			}
		})
	}
}
