package source

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/sirupsen/logrus"

	"weave.evalgo.org/entity"
)

// S3Source syncs an S3-compatible bucket (AWS, MinIO, Hetzner) as file
// entities. Object keys are entity ids; the ETag is carried in the payload
// as the content witness so unchanged objects are kept without a GetObject.
//
// Settings: "bucket" (required), "prefix", "max_object_size" (bytes,
// objects above it are skipped). Auth: URL (empty for AWS), AccessKey,
// SecretKey, Region.
type S3Source struct {
	client  *s3.Client
	log     *logrus.Logger
	name    string
	bucket  string
	prefix  string
	maxSize int64
	page    int32
}

const defaultMaxObjectSize = 32 << 20 // 32 MiB

// NewS3Source builds the connector and its S3 client. Custom endpoints use
// path-style addressing, which MinIO requires.
func NewS3Source(cfg Config, auth Auth, log *logrus.Logger) (*S3Source, error) {
	bucket, _ := cfg.Settings["bucket"].(string)
	if bucket == "" {
		return nil, fmt.Errorf("%w: s3 source requires settings.bucket", entity.ErrInvalidConfig)
	}
	prefix, _ := cfg.Settings["prefix"].(string)

	region := auth.Region
	if region == "" {
		region = "us-east-1"
	}

	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(region),
		awsconfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(auth.AccessKey, auth.SecretKey, "")),
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(context.Background(), opts...)
	if err != nil {
		return nil, entity.Wrap(entity.ErrInvalidConfig, err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if auth.URL != "" {
			o.BaseEndpoint = aws.String(auth.URL)
			o.UsePathStyle = true // required for MinIO
		}
	})

	maxSize := int64(defaultMaxObjectSize)
	if v, ok := cfg.Settings["max_object_size"].(int); ok && v > 0 {
		maxSize = int64(v)
	}

	page := int32(cfg.BatchSize)
	if page <= 0 {
		page = 500
	}

	return &S3Source{
		client:  client,
		log:     log,
		name:    cfg.Name,
		bucket:  bucket,
		prefix:  prefix,
		maxSize: maxSize,
		page:    page,
	}, nil
}

func (s *S3Source) Name() string             { return "s3" }
func (s *S3Source) SupportsContinuous() bool { return true }

func (s *S3Source) Kinds() []entity.KindSpec {
	// ETag and size are content-relevant; last-seen timestamps are not.
	return []entity.KindSpec{
		{Name: entity.KindFile, ContentFields: []string{"key", "etag", "size"}},
	}
}

// Validate checks bucket reachability with the configured credential.
func (s *S3Source) Validate(ctx context.Context) error {
	_, err := s.client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(s.bucket)})
	if err != nil {
		return classifyS3Error(err)
	}
	return nil
}

// Produce lists the bucket page by page and emits one file entity per
// object. The cursor is the last fully processed key (ListObjectsV2
// StartAfter), so a cancelled job resumes where it stopped.
func (s *S3Source) Produce(ctx context.Context, cursor string, emit Emit) (string, error) {
	input := &s3.ListObjectsV2Input{
		Bucket:  aws.String(s.bucket),
		MaxKeys: aws.Int32(s.page),
	}
	if s.prefix != "" {
		input.Prefix = aws.String(s.prefix)
	}
	if cursor != "" {
		input.StartAfter = aws.String(cursor)
	}

	lastKey := cursor
	paginator := s3.NewListObjectsV2Paginator(s.client, input)
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return lastKey, ctx.Err()
			}
			return lastKey, classifyS3Error(err)
		}
		for _, obj := range page.Contents {
			key := aws.ToString(obj.Key)
			if strings.HasSuffix(key, "/") {
				continue // directory marker
			}
			size := aws.ToInt64(obj.Size)
			if size > s.maxSize {
				s.log.WithFields(logrus.Fields{"key": key, "size": size}).
					Warn("skipping oversized object")
				continue
			}
			e, err := s.objectEntity(ctx, obj)
			if err != nil {
				if ctx.Err() != nil {
					return lastKey, ctx.Err()
				}
				return lastKey, err
			}
			if err := emit(ctx, e); err != nil {
				return lastKey, err
			}
			lastKey = key
		}
	}
	// Exhausted: next run starts from the top again.
	return "", nil
}

func (s *S3Source) objectEntity(ctx context.Context, obj s3types.Object) (entity.Entity, error) {
	key := aws.ToString(obj.Key)
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return entity.Entity{}, classifyS3Error(err)
	}
	defer out.Body.Close()
	body, err := io.ReadAll(io.LimitReader(out.Body, s.maxSize+1))
	if err != nil {
		return entity.Entity{}, entity.Wrap(entity.ErrSourceTransient, err)
	}

	e := entity.Entity{
		EntityID: key,
		Kind:     entity.KindFile,
		Payload: map[string]interface{}{
			"key":     key,
			"etag":    strings.Trim(aws.ToString(obj.ETag), `"`),
			"size":    aws.ToInt64(obj.Size),
			"content": string(body),
		},
		EmbeddableText: string(body),
		Breadcrumbs: []entity.Breadcrumb{
			{ID: s.bucket, Name: s.bucket, Kind: "bucket"},
			{ID: key, Name: path.Base(key), Kind: entity.KindFile},
		},
	}
	if obj.LastModified != nil {
		e.Payload["last_modified"] = obj.LastModified.UTC().Format(time.RFC3339)
	}
	stamp(&e, s.name)
	return e, nil
}

func classifyS3Error(err error) error {
	var noBucket *s3types.NoSuchBucket
	if errors.As(err, &noBucket) {
		return entity.Wrap(entity.ErrSourceFatal, err)
	}
	msg := err.Error()
	if strings.Contains(msg, "403") || strings.Contains(msg, "AccessDenied") ||
		strings.Contains(msg, "InvalidAccessKeyId") || strings.Contains(msg, "SignatureDoesNotMatch") {
		return entity.Wrap(entity.ErrSourceAuth, err)
	}
	return entity.Wrap(entity.ErrSourceTransient, err)
}
