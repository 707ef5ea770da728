package storage

import (
	"bytes"
	"context"
	"fmt"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"boardsync/internal/config"
)

// MinioStore MinIO(자체 호스팅 S3 호환) 기반 Blob Store
type MinioStore struct {
	client     *minio.Client
	bucketName string
	folder     string
	baseURL    string
}

// NewMinioStore MinIO 클라이언트 생성 및 버킷 확인
func NewMinioStore(ctx context.Context, cfg *config.MinIOConfig, folder, publicBase string) (*MinioStore, error) {
	if cfg.Endpoint == "" || cfg.BucketName == "" {
		return nil, ErrNotConfigured
	}

	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("minio client: %w", err)
	}

	exists, err := client.BucketExists(ctx, cfg.BucketName)
	if err != nil {
		return nil, fmt.Errorf("minio bucket check: %w", err)
	}
	if !exists {
		if err := client.MakeBucket(ctx, cfg.BucketName, minio.MakeBucketOptions{}); err != nil {
			return nil, fmt.Errorf("minio make bucket: %w", err)
		}
	}

	base := strings.TrimRight(publicBase, "/")
	if base == "" {
		scheme := "http"
		if cfg.UseSSL {
			scheme = "https"
		}
		base = fmt.Sprintf("%s://%s/%s", scheme, cfg.Endpoint, cfg.BucketName)
	}

	return &MinioStore{
		client:     client,
		bucketName: cfg.BucketName,
		folder:     folder,
		baseURL:    base,
	}, nil
}

// Upload 객체 업로드
func (m *MinioStore) Upload(ctx context.Context, blob Blob) (Uploaded, error) {
	if len(blob.Data) == 0 {
		return Uploaded{}, ErrEmptyBlob
	}

	key := ObjectKey(m.folder, blob.Kind, blob.Name)
	_, err := m.client.PutObject(ctx, m.bucketName, key, bytes.NewReader(blob.Data), int64(len(blob.Data)),
		minio.PutObjectOptions{ContentType: blob.MimeType})
	if err != nil {
		return Uploaded{}, fmt.Errorf("minio put %s: %w", key, err)
	}

	return Uploaded{URL: m.baseURL + "/" + key, Address: key}, nil
}

// Delete 객체 삭제
func (m *MinioStore) Delete(ctx context.Context, address string, _ Kind) error {
	if err := m.client.RemoveObject(ctx, m.bucketName, address, minio.RemoveObjectOptions{}); err != nil {
		return fmt.Errorf("minio delete %s: %w", address, err)
	}
	return nil
}
