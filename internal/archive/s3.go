package archive

import (
	"context"
	"fmt"
	"io"
	"path"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"tm-go/internal/tm"
)

// S3Options configures an S3Archive.
type S3Options struct {
	Bucket string
	Prefix string
	Region string

	// Endpoint overrides the service endpoint, for S3-compatible stores.
	// Setting it also switches to path-style addressing.
	Endpoint string

	// AccessKeyID and SecretAccessKey, when both set, replace the default
	// credential chain.
	AccessKeyID     string
	SecretAccessKey string
}

// S3Archive uploads archived files to an S3 bucket under an optional prefix.
type S3Archive struct {
	name     string
	bucket   string
	prefix   string
	client   *s3.Client
	uploader *manager.Uploader
}

// NewS3Archive creates an archive backed by the given bucket.
func NewS3Archive(ctx context.Context, name string, opts S3Options) (*S3Archive, error) {
	if opts.Bucket == "" {
		return nil, fmt.Errorf("s3 archive requires a bucket")
	}

	var loadOpts []func(*awsconfig.LoadOptions) error
	if opts.Region != "" {
		loadOpts = append(loadOpts, awsconfig.WithRegion(opts.Region))
	}
	if opts.AccessKeyID != "" && opts.SecretAccessKey != "" {
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(opts.AccessKeyID, opts.SecretAccessKey, "")))
	}

	cfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("loading aws config: %w", err)
	}

	client := s3.NewFromConfig(cfg, func(o *s3.Options) {
		if opts.Endpoint != "" {
			o.BaseEndpoint = aws.String(opts.Endpoint)
			o.UsePathStyle = true
		}
	})

	return &S3Archive{
		name:     name,
		bucket:   opts.Bucket,
		prefix:   opts.Prefix,
		client:   client,
		uploader: manager.NewUploader(client),
	}, nil
}

// Key returns the object key used for an archive key.
func (a *S3Archive) Key(key string) string {
	if a.prefix == "" {
		return key
	}
	return path.Join(a.prefix, key)
}

func (a *S3Archive) Put(ctx context.Context, key string, r io.Reader, size int64) error {
	_, err := a.uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(a.bucket),
		Key:           aws.String(a.Key(key)),
		Body:          r,
		ContentLength: aws.Int64(size),
		ContentType:   aws.String("application/x-ndjson"),
	})
	if err != nil {
		return fmt.Errorf("uploading s3://%s/%s: %w", a.bucket, a.Key(key), err)
	}
	return nil
}

// ValidateSetup checks that the bucket exists and is reachable.
func (a *S3Archive) ValidateSetup() error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if _, err := a.client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(a.bucket)}); err != nil {
		return fmt.Errorf("s3 bucket %s not accessible: %w", a.bucket, err)
	}
	return nil
}

var _ tm.Archive = (*S3Archive)(nil)
