package s3

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/supporttools/SiteVault/pkg/config"
)

// downloadURLExpiry bounds how long a signed snapshot URL stays usable.
const downloadURLExpiry = 15 * time.Minute

// GeneratePresignedURL creates a short-lived signed URL for downloading a
// snapshot without S3 credentials.
func (c *Client) GeneratePresignedURL(ctx context.Context, name string, expiry time.Duration) (string, error) {
	presignClient := s3.NewPresignClient(c.s3Client)

	presignResult, err := presignClient.PresignGetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(c.cfg.Storage.S3.Bucket),
		Key:    aws.String(c.objectKey(name)),
	}, func(opts *s3.PresignOptions) {
		opts.Expires = expiry
	})
	if err != nil {
		return "", fmt.Errorf("failed to generate presigned URL for %s: %w", name, err)
	}

	if config.CFG.Debug {
		log.Printf("S3 Debug: Generated presigned URL for snapshot %s (expires in %s)", name, expiry)
	}
	return presignResult.URL, nil
}
