package historical

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// S3Archiver uploads completed backfill batches to S3 or an S3-compatible
// endpoint (R2, MinIO) as newline-delimited JSON objects keyed by account,
// instrument, and backfill timestamp.
type S3Archiver struct {
	uploader *manager.Uploader
	bucket   string
}

// NewS3Archiver loads the default AWS credential chain/region for region
// and constructs an Archiver backed by an s3/manager.Uploader, so large
// backfills are split into multipart uploads automatically.
func NewS3Archiver(ctx context.Context, bucket, region string) (*S3Archiver, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	client := s3.NewFromConfig(cfg)
	return &S3Archiver{uploader: manager.NewUploader(client), bucket: bucket}, nil
}

func (a *S3Archiver) Archive(ctx context.Context, accountID string, instrumentToken int64, bars []Bar) error {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for _, bar := range bars {
		if err := enc.Encode(bar); err != nil {
			return fmt.Errorf("encode bar: %w", err)
		}
	}

	key := fmt.Sprintf("historical/%s/%d/%s.ndjson", accountID, instrumentToken, time.Now().UTC().Format("20060102T150405"))
	_, err := a.uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket: aws.String(a.bucket),
		Key:    aws.String(key),
		Body:   &buf,
	})
	if err != nil {
		return fmt.Errorf("upload %s: %w", key, err)
	}
	return nil
}
