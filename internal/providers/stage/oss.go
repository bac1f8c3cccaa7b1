// Package stage uploads local files to an S3-API-compatible object store
// (Alibaba Cloud OSS in live mode) so the ASR provider can hand the vendor
// API a URL instead of a file. Adapted from the S3-compatible
// client shape used for media storage elsewhere in the stack.
package stage

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/aws/aws-sdk-go/service/s3/s3manager"
)

// Stager uploads a local file to staging and returns a URL the vendor API
// can fetch, then deletes it once the provider is done (success or failure).
type Stager struct {
	client   *s3.S3
	uploader *s3manager.Uploader
	bucket   string
}

// New creates an OSS-backed stager. OSS's S3-compatible endpoint is
// region-specific (https://oss-<region>.aliyuncs.com); path-style addressing
// is required since OSS buckets aren't part of the DNS name in this mode.
func New(region, bucket, accessKeyID, accessKeySecret string) (*Stager, error) {
	if bucket == "" {
		return nil, fmt.Errorf("stage: bucket is required")
	}
	endpoint := fmt.Sprintf("https://oss-%s.aliyuncs.com", region)

	sess, err := session.NewSession(&aws.Config{
		Region:           aws.String(region),
		Endpoint:         aws.String(endpoint),
		Credentials:      credentials.NewStaticCredentials(accessKeyID, accessKeySecret, ""),
		S3ForcePathStyle: aws.Bool(true),
	})
	if err != nil {
		return nil, fmt.Errorf("stage: creating session: %w", err)
	}

	return &Stager{
		client:   s3.New(sess),
		uploader: s3manager.NewUploader(sess),
		bucket:   bucket,
	}, nil
}

// PutFile uploads the file at localPath under key and returns a presigned
// GET URL valid for expiry.
func (st *Stager) PutFile(ctx context.Context, localPath, key string, expiry time.Duration) (string, error) {
	f, err := os.Open(localPath)
	if err != nil {
		return "", fmt.Errorf("stage: opening %s: %w", localPath, err)
	}
	defer f.Close()

	_, err = st.uploader.UploadWithContext(ctx, &s3manager.UploadInput{
		Bucket: aws.String(st.bucket),
		Key:    aws.String(key),
		Body:   f,
	})
	if err != nil {
		return "", fmt.Errorf("stage: uploading %s: %w", key, err)
	}

	req, _ := st.client.GetObjectRequest(&s3.GetObjectInput{
		Bucket: aws.String(st.bucket),
		Key:    aws.String(key),
	})
	url, err := req.Presign(expiry)
	if err != nil {
		return "", fmt.Errorf("stage: presigning %s: %w", key, err)
	}
	return url, nil
}

// Delete removes key from staging. Called on both provider success and
// failure so a crash mid-transcription doesn't leak staged audio forever.
func (st *Stager) Delete(ctx context.Context, key string) error {
	_, err := st.client.DeleteObjectWithContext(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(st.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return fmt.Errorf("stage: deleting %s: %w", key, err)
	}
	return nil
}
