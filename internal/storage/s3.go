package storage

import (
	"bytes"
	"context"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"boardsync/internal/config"
)

// S3API S3Service가 사용하는 클라이언트 메서드
type S3API interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	DeleteObject(ctx context.Context, in *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
}

// S3Service AWS S3 기반 Blob Store
type S3Service struct {
	client     S3API
	bucketName string
	region     string
	folder     string
	publicBase string
}

// NewS3Service S3 서비스 생성
func NewS3Service(ctx context.Context, cfg *config.S3Config, folder, publicBase string) (*S3Service, error) {
	if cfg.BucketName == "" {
		return nil, ErrNotConfigured
	}

	opts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(cfg.Region)}
	if cfg.AccessKeyID != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(
			cfg.AccessKeyID,
			cfg.SecretAccessKey,
			"",
		)))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	})

	return NewS3ServiceWithClient(client, cfg.BucketName, cfg.Region, folder, publicBase), nil
}

// NewS3ServiceWithClient 이미 만들어진 클라이언트로 생성
func NewS3ServiceWithClient(client S3API, bucket, region, folder, publicBase string) *S3Service {
	return &S3Service{
		client:     client,
		bucketName: bucket,
		region:     region,
		folder:     folder,
		publicBase: strings.TrimRight(publicBase, "/"),
	}
}

// Upload 객체 업로드 후 공개 URL 반환
func (s *S3Service) Upload(ctx context.Context, blob Blob) (Uploaded, error) {
	if len(blob.Data) == 0 {
		return Uploaded{}, ErrEmptyBlob
	}

	key := ObjectKey(s.folder, blob.Kind, blob.Name)
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(s.bucketName),
		Key:           aws.String(key),
		Body:          bytes.NewReader(blob.Data),
		ContentType:   aws.String(blob.MimeType),
		ContentLength: aws.Int64(int64(len(blob.Data))),
	})
	if err != nil {
		return Uploaded{}, fmt.Errorf("s3 put %s: %w", key, err)
	}

	return Uploaded{URL: s.GetPublicURL(key), Address: key}, nil
}

// Delete 객체 삭제 (kind는 주소에 이미 포함되어 있어 사용하지 않음)
func (s *S3Service) Delete(ctx context.Context, address string, _ Kind) error {
	_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucketName),
		Key:    aws.String(address),
	})
	if err != nil {
		return fmt.Errorf("s3 delete %s: %w", address, err)
	}
	return nil
}

// GetPublicURL 객체 키의 공개 URL
func (s *S3Service) GetPublicURL(key string) string {
	if s.publicBase != "" {
		return s.publicBase + "/" + key
	}
	return fmt.Sprintf("https://%s.s3.%s.amazonaws.com/%s", s.bucketName, s.region, key)
}
