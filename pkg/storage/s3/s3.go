// Package s3 stores snapshots in an S3 or S3-compatible bucket.
package s3

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/natefinch/atomic"

	"github.com/supporttools/SiteVault/pkg/apperrors"
	"github.com/supporttools/SiteVault/pkg/config"
	"github.com/supporttools/SiteVault/pkg/metrics"
	"github.com/supporttools/SiteVault/pkg/snapshot"
	"github.com/supporttools/SiteVault/pkg/storage"
)

// uploadTimeout bounds a single snapshot upload. Archives with uploads can
// run to gigabytes, so this is generous.
const uploadTimeout = 30 * time.Minute

// Client represents an S3 storage backend
type Client struct {
	s3Client *s3.Client
	cfg      *config.AppConfig
}

// NewClient creates a new S3 client
func NewClient() (*Client, error) {
	if config.CFG.Storage.S3.Bucket == "" {
		return nil, fmt.Errorf("S3 bucket is not configured")
	}

	s3Client, err := getS3Client()
	if err != nil {
		return nil, fmt.Errorf("failed to initialize S3 client: %w", err)
	}

	return &Client{
		s3Client: s3Client,
		cfg:      &config.CFG,
	}, nil
}

// getS3Client initializes and returns an S3 client based on configuration
func getS3Client() (*s3.Client, error) {
	ctx := context.Background()
	s3cfg := config.CFG.Storage.S3

	// Create custom HTTP client with TLS configuration
	httpClient := &http.Client{}

	// Configure TLS settings if needed
	if s3cfg.UseSSL {
		tlsConfig := &tls.Config{}

		// Load custom CA if specified
		if s3cfg.CustomCAPath != "" && !s3cfg.SkipCertValidation {
			rootCAs, _ := x509.SystemCertPool()
			if rootCAs == nil {
				rootCAs = x509.NewCertPool()
			}

			// Read the custom CA certificate
			caCert, err := os.ReadFile(s3cfg.CustomCAPath)
			if err != nil {
				return nil, fmt.Errorf("failed to read custom CA certificate: %w", err)
			}

			// Add the custom CA to the cert pool
			if ok := rootCAs.AppendCertsFromPEM(caCert); !ok {
				return nil, fmt.Errorf("failed to append custom CA certificate")
			}

			tlsConfig.RootCAs = rootCAs
			log.Printf("Using custom CA certificate from %s", s3cfg.CustomCAPath)
		}

		// Skip certificate validation if specified
		if s3cfg.SkipCertValidation {
			tlsConfig.InsecureSkipVerify = true
			log.Printf("Warning: TLS certificate validation is disabled for S3 connections")
		}

		// Set up the custom transport with our TLS config
		transport := &http.Transport{
			TLSClientConfig: tlsConfig,
		}
		httpClient.Transport = transport
	}

	// Set up common AWS SDK options
	sdkOptions := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(
			s3cfg.AccessKey, s3cfg.SecretKey, "",
		)),
		awsconfig.WithHTTPClient(httpClient),
	}

	if s3cfg.Endpoint != "" {
		if config.CFG.Debug {
			log.Println("S3 Debug: Using custom endpoint:")
			log.Printf("  region=%s", s3cfg.Region)
			log.Printf("  endpoint=%s", s3cfg.Endpoint)
			log.Printf("  pathStyle=%v", s3cfg.PathStyle)
		}
	} else {
		// Standard AWS S3 - add region
		sdkOptions = append(sdkOptions, awsconfig.WithRegion(s3cfg.Region))
	}

	// Create AWS config with all options
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, sdkOptions...)
	if err != nil {
		return nil, fmt.Errorf("AWS SDK config initialization error: %w", err)
	}

	// Create S3 client with custom options
	s3Options := []func(*s3.Options){
		func(o *s3.Options) {
			// Custom endpoints are almost always MinIO-style and need the
			// bucket in the path, not the hostname.
			o.UsePathStyle = s3cfg.PathStyle || s3cfg.Endpoint != ""
		},
	}

	// Add custom endpoint if configured
	if s3cfg.Endpoint != "" {
		s3Options = append(s3Options, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(s3cfg.Endpoint)
		})
	}

	s3Client := s3.NewFromConfig(awsCfg, s3Options...)

	return s3Client, nil
}

// Name returns the backend name
func (c *Client) Name() string {
	return "s3"
}

// IsRemote reports whether snapshots live off the local filesystem
func (c *Client) IsRemote() bool {
	return true
}

// objectKey returns the full S3 key for a snapshot name
func (c *Client) objectKey(name string) string {
	prefix := strings.TrimSuffix(c.cfg.Storage.S3.Prefix, "/")
	if prefix == "" {
		return name
	}
	return fmt.Sprintf("%s/%s", prefix, name)
}

// File returns metadata for the named snapshot. The returned Source is a
// signed download URL valid for a short window, so callers can hand it out
// without sharing bucket credentials.
func (c *Client) File(ctx context.Context, name string) (storage.FileInfo, error) {
	head, err := c.s3Client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(c.cfg.Storage.S3.Bucket),
		Key:    aws.String(c.objectKey(name)),
	})
	if err != nil {
		var notFound *types.NotFound
		if errors.As(err, &notFound) {
			return storage.FileInfo{}, apperrors.NotFound("snapshot %s not found in S3 storage", name)
		}
		return storage.FileInfo{}, apperrors.Transport(fmt.Sprintf("failed to stat S3 snapshot %s", name), err)
	}

	signedURL, err := c.GeneratePresignedURL(ctx, name, downloadURLExpiry)
	if err != nil {
		return storage.FileInfo{}, apperrors.Transport(fmt.Sprintf("failed to sign download URL for snapshot %s", name), err)
	}

	return storage.FileInfo{
		Name:         name,
		Size:         aws.ToInt64(head.ContentLength),
		LastModified: aws.ToTime(head.LastModified),
		Source:       signedURL,
	}, nil
}

// ListFiles returns all stored snapshots under the configured prefix,
// sorted by name for a stable order.
func (c *Client) ListFiles(ctx context.Context) ([]storage.FileInfo, error) {
	prefix := strings.TrimSuffix(c.cfg.Storage.S3.Prefix, "/")
	if prefix != "" {
		prefix += "/"
	}

	paginator := s3.NewListObjectsV2Paginator(c.s3Client, &s3.ListObjectsV2Input{
		Bucket: aws.String(c.cfg.Storage.S3.Bucket),
		Prefix: aws.String(prefix),
	})

	var files []storage.FileInfo
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, apperrors.Transport("failed to list S3 snapshots", err)
		}

		for _, obj := range page.Contents {
			name := strings.TrimPrefix(aws.ToString(obj.Key), prefix)
			if strings.Contains(name, "/") {
				continue
			}
			if _, ok := snapshot.FormatOf(name); !ok {
				continue
			}

			files = append(files, storage.FileInfo{
				Name:         name,
				Size:         aws.ToInt64(obj.Size),
				LastModified: aws.ToTime(obj.LastModified),
			})
		}
	}

	sort.Slice(files, func(i, j int) bool { return files[i].Name < files[j].Name })

	metrics.SnapshotCount.WithLabelValues("s3").Set(float64(len(files)))
	return files, nil
}

// Upload publishes a local file under the given snapshot name. S3 makes the
// object visible only once the PUT completes, so a partial upload is never
// observable under the final key.
func (c *Client) Upload(ctx context.Context, localPath, name string) error {
	startTime := time.Now()
	objectKey := c.objectKey(name)

	if config.CFG.Debug {
		log.Printf("S3 Debug: Starting upload of file %s to key %s", localPath, objectKey)
	}

	// Open file for reading
	file, err := os.Open(localPath)
	if err != nil {
		metrics.UploadCount.WithLabelValues("s3", "error").Inc()
		return apperrors.Transport(fmt.Sprintf("failed to open %s for S3 upload", localPath), err)
	}
	defer file.Close()

	// Get file size for logging
	fileInfo, err := os.Stat(localPath)
	if err == nil && config.CFG.Debug {
		log.Printf("S3 Debug: Uploading file of size %.2f MB", float64(fileInfo.Size())/(1024*1024))
	}

	uploadCtx, cancel := context.WithTimeout(ctx, uploadTimeout)
	defer cancel()

	_, err = c.s3Client.PutObject(uploadCtx, &s3.PutObjectInput{
		Bucket: aws.String(c.cfg.Storage.S3.Bucket),
		Key:    aws.String(objectKey),
		Body:   file,
	})
	if err != nil {
		metrics.UploadCount.WithLabelValues("s3", "error").Inc()

		// Detailed error logging
		log.Printf("S3 Debug: Error during upload: %v", err)

		// Try to unwrap AWS errors for more details
		var urlErr *url.Error
		if errors.As(err, &urlErr) {
			log.Printf("S3 Debug: URL error: %v, URL: %v, Op: %v",
				urlErr.Err, urlErr.URL, urlErr.Op)
		}

		return apperrors.Transport(fmt.Sprintf("failed to upload snapshot %s to S3", name), err)
	}

	// Record metrics
	metrics.UploadCount.WithLabelValues("s3", "success").Inc()
	metrics.UploadDuration.WithLabelValues("s3").Observe(time.Since(startTime).Seconds())
	if fileInfo != nil {
		metrics.BackupSize.WithLabelValues("s3").Set(float64(fileInfo.Size()))
	}

	log.Printf("Successfully uploaded snapshot to S3: s3://%s/%s", c.cfg.Storage.S3.Bucket, objectKey)
	return nil
}

// Download fetches the named snapshot to a local path. The file lands via a
// temp-and-rename write so an interrupted download leaves nothing behind at
// the destination.
func (c *Client) Download(ctx context.Context, name, destPath string) error {
	resp, err := c.s3Client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(c.cfg.Storage.S3.Bucket),
		Key:    aws.String(c.objectKey(name)),
	})
	if err != nil {
		var noSuchKey *types.NoSuchKey
		if errors.As(err, &noSuchKey) {
			return apperrors.NotFound("snapshot %s not found in S3 storage", name)
		}
		return apperrors.Transport(fmt.Sprintf("failed to download snapshot %s from S3", name), err)
	}
	defer resp.Body.Close()

	if err := atomic.WriteFile(destPath, resp.Body); err != nil {
		return apperrors.Transport(fmt.Sprintf("failed to write downloaded snapshot %s", name), err)
	}

	log.Printf("Downloaded snapshot from S3: s3://%s/%s", c.cfg.Storage.S3.Bucket, c.objectKey(name))
	return nil
}

// Delete removes the named snapshot
func (c *Client) Delete(ctx context.Context, name string) error {
	// S3 deletes are idempotent, so check existence first to give callers
	// the same not-found behavior as local storage.
	if _, err := c.File(ctx, name); err != nil {
		return err
	}

	_, err := c.s3Client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(c.cfg.Storage.S3.Bucket),
		Key:    aws.String(c.objectKey(name)),
	})
	if err != nil {
		return apperrors.Transport(fmt.Sprintf("failed to delete S3 snapshot %s", name), err)
	}
	return nil
}

// EnforceRetention deletes snapshots outside the S3 retention policy
func (c *Client) EnforceRetention(ctx context.Context) (int, error) {
	files, err := c.ListFiles(ctx)
	if err != nil {
		return 0, err
	}

	deleted := 0
	for _, f := range storage.Expired(files, c.cfg.Storage.S3.Retention, time.Now()) {
		_, err := c.s3Client.DeleteObject(ctx, &s3.DeleteObjectInput{
			Bucket: aws.String(c.cfg.Storage.S3.Bucket),
			Key:    aws.String(c.objectKey(f.Name)),
		})
		if err != nil {
			log.Printf("Failed to delete expired S3 snapshot %s: %v", f.Name, err)
			continue
		}
		log.Printf("Removed expired S3 snapshot: %s", f.Name)
		metrics.RetentionDeletes.WithLabelValues("s3").Inc()
		deleted++
	}

	return deleted, nil
}

// Factory creates S3 storage clients
type Factory struct{}

// Create returns a new S3 storage client
func (f *Factory) Create() (storage.Backend, error) {
	return NewClient()
}

func init() {
	storage.RegisterBackend("s3", &Factory{})
}
