package payment

import (
	"bytes"
	"context"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3/s3manager"
)

// Archive keeps raw callback bodies for reconciliation disputes.
type Archive interface {
	Put(ctx context.Context, reference string, body []byte, at time.Time) error
}

type nopArchive struct{}

func (nopArchive) Put(context.Context, string, []byte, time.Time) error { return nil }

// NopArchive discards everything.
var NopArchive Archive = nopArchive{}

// S3Archive uploads callbacks under callbacks/<yyyy-mm-dd>/<reference>.json.
type S3Archive struct {
	bucket   string
	uploader *s3manager.Uploader
}

// NewS3Archive uses the default AWS credential chain for region.
func NewS3Archive(region, bucket string) (*S3Archive, error) {
	sess, err := session.NewSession(&aws.Config{Region: aws.String(region)})
	if err != nil {
		return nil, fmt.Errorf("aws session: %w", err)
	}
	return &S3Archive{bucket: bucket, uploader: s3manager.NewUploader(sess)}, nil
}

func ArchiveKey(reference string, at time.Time) string {
	if reference == "" {
		reference = "unknown-" + at.UTC().Format("150405.000000000")
	}
	return fmt.Sprintf("callbacks/%s/%s.json", at.UTC().Format("2006-01-02"), reference)
}

func (a *S3Archive) Put(ctx context.Context, reference string, body []byte, at time.Time) error {
	_, err := a.uploader.UploadWithContext(ctx, &s3manager.UploadInput{
		Bucket:      aws.String(a.bucket),
		Key:         aws.String(ArchiveKey(reference, at)),
		Body:        bytes.NewReader(body),
		ContentType: aws.String("application/json"),
	})
	if err != nil {
		return fmt.Errorf("upload callback %s: %w", reference, err)
	}
	return nil
}
