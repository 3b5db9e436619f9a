package replay

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"cage/internal/model"
)

// S3Archiver copies every stored execution into an S3 bucket under
// <prefix>/<execution_id>.json (or <execution_id>.json when no prefix is
// set), giving replay records a durability tier
// independent of the orchestrator's local disk.
type S3Archiver struct {
	uploader *manager.Uploader
	bucket   string
	prefix   string
}

// NewS3Archiver builds an archiver against an already-configured S3 client.
func NewS3Archiver(client *s3.Client, bucket, prefix string) *S3Archiver {
	return &S3Archiver{
		uploader: manager.NewUploader(client),
		bucket:   bucket,
		prefix:   prefix,
	}
}

// Archive uploads record as a JSON object keyed by execution id.
func (a *S3Archiver) Archive(ctx context.Context, record model.StoredExecution) error {
	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("marshal replay record: %w", err)
	}

	key := record.ExecutionID.String() + ".json"
	if a.prefix != "" {
		key = a.prefix + "/" + key
	}

	_, err = a.uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(a.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String("application/json"),
	})
	if err != nil {
		return fmt.Errorf("upload replay record to s3: %w", err)
	}
	return nil
}
