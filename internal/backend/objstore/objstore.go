// Package objstore implements a backend on an S3-compatible object store.
// Objects use the same key layout as the posix backend, below an optional
// prefix inside one bucket.
package objstore

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"path"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"

	"github.com/luufmg/esdm/internal/backend"
	"github.com/luufmg/esdm/internal/model"
)

// Type is the configuration type name of this backend.
const Type = "s3"

const version = "1.0"

const contentTypeJSON = "application/json"

// Client is the subset of the S3 API the backend uses.
type Client interface {
	HeadBucket(ctx context.Context, in *s3.HeadBucketInput, optFns ...func(*s3.Options)) (*s3.HeadBucketOutput, error)
	CreateBucket(ctx context.Context, in *s3.CreateBucketInput, optFns ...func(*s3.Options)) (*s3.CreateBucketOutput, error)
	HeadObject(ctx context.Context, in *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
	GetObject(ctx context.Context, in *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	DeleteObject(ctx context.Context, in *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
	ListObjectsV2(ctx context.Context, in *s3.ListObjectsV2Input, optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
}

// Options are the variant-specific settings accepted in backend.Config.
type Options struct {
	Prefix       string `mapstructure:"prefix"`
	Region       string `mapstructure:"region"`
	Endpoint     string `mapstructure:"endpoint"`
	UsePathStyle bool   `mapstructure:"use_path_style"`
	CreateBucket bool   `mapstructure:"create_bucket"`
}

// Backend stores entities as objects in one bucket.
type Backend struct {
	name     string
	category model.Category
	bucket   string
	opts     Options
	client   Client
}

var _ backend.Backend = (*Backend)(nil)

// New creates a backend using client.
func New(name string, category model.Category, client Client, bucket string, opts Options) *Backend {
	return &Backend{
		name:     name,
		category: category,
		bucket:   bucket,
		opts:     opts,
		client:   client,
	}
}

// NewFromConfig creates a backend from configuration. Target names the
// bucket; credentials come from the default AWS credential chain.
func NewFromConfig(ctx context.Context, cfg backend.Config) (*Backend, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.Target == "" {
		return nil, fmt.Errorf("%w: s3 backend %q requires a bucket", model.ErrConfig, cfg.Name)
	}
	var o Options
	if err := cfg.DecodeOptions(&o); err != nil {
		return nil, err
	}

	var loadOpts []func(*awsconfig.LoadOptions) error
	if o.Region != "" {
		loadOpts = append(loadOpts, awsconfig.WithRegion(o.Region))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("%w: s3 backend %q: load aws config: %v", model.ErrConfig, cfg.Name, err)
	}
	client := s3.NewFromConfig(awsCfg, func(so *s3.Options) {
		if o.Endpoint != "" {
			so.BaseEndpoint = aws.String(o.Endpoint)
		}
		so.UsePathStyle = o.UsePathStyle
	})
	return New(cfg.Name, cfg.Category, client, cfg.Target, o), nil
}

// Init verifies the bucket is reachable, creating it if configured to.
func (b *Backend) Init(ctx context.Context) error {
	_, err := b.client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(b.bucket)})
	if err == nil {
		return nil
	}
	var nf *types.NotFound
	if !errors.As(err, &nf) || !b.opts.CreateBucket {
		return fmt.Errorf("%w: bucket %q: %v", model.ErrBackendUnavailable, b.bucket, err)
	}
	if _, err := b.client.CreateBucket(ctx, &s3.CreateBucketInput{Bucket: aws.String(b.bucket)}); err != nil {
		var owned *types.BucketAlreadyOwnedByYou
		if errors.As(err, &owned) {
			return nil
		}
		return fmt.Errorf("%w: create bucket %q: %v", model.ErrBackendUnavailable, b.bucket, err)
	}
	return nil
}

func (b *Backend) Finalize(_ context.Context) error { return nil }

func (b *Backend) Capabilities() backend.Capabilities {
	return backend.Capabilities{
		Name:       b.name,
		Type:       Type,
		Version:    version,
		Category:   b.category,
		ThreadSafe: true,
	}
}

func (b *Backend) PerformanceEstimate(_ int64) time.Duration { return 0 }

func (b *Backend) key(parts ...string) string {
	return path.Join(append([]string{b.opts.Prefix, "containers"}, parts...)...)
}

func (b *Backend) containerKey(name string) string { return b.key(name + ".md") }

func (b *Backend) datasetKey(container, name string) string {
	return b.key(container, name+".md")
}

func (b *Backend) fragmentKey(f *model.Fragment) string {
	return b.key(f.Container, f.Dataset, f.ID)
}

func (b *Backend) ContainerCreate(ctx context.Context, c *model.Container) error {
	if err := b.putJSON(ctx, b.containerKey(c.Name), c, true); err != nil {
		return fmt.Errorf("container %q: %w", c.Name, err)
	}
	return nil
}

func (b *Backend) ContainerRetrieve(ctx context.Context, name string) (*model.Container, error) {
	var c model.Container
	if err := b.getJSON(ctx, b.containerKey(name), &c); err != nil {
		return nil, fmt.Errorf("container %q: %w", name, err)
	}
	return &c, nil
}

func (b *Backend) ContainerUpdate(ctx context.Context, c *model.Container) error {
	if err := b.exists(ctx, b.containerKey(c.Name)); err != nil {
		return fmt.Errorf("container %q: %w", c.Name, err)
	}
	if err := b.putJSON(ctx, b.containerKey(c.Name), c, false); err != nil {
		return fmt.Errorf("container %q: %w", c.Name, err)
	}
	return nil
}

func (b *Backend) ContainerDestroy(ctx context.Context, name string) error {
	if err := b.delete(ctx, b.containerKey(name)); err != nil {
		return fmt.Errorf("container %q: %w", name, err)
	}
	if err := b.deletePrefix(ctx, b.key(name)+"/"); err != nil {
		return fmt.Errorf("container %q: %w", name, err)
	}
	return nil
}

func (b *Backend) DatasetCreate(ctx context.Context, d *model.Dataset) error {
	if err := b.putJSON(ctx, b.datasetKey(d.Container, d.Name), d, true); err != nil {
		return fmt.Errorf("dataset %q: %w", d.Path(), err)
	}
	return nil
}

func (b *Backend) DatasetRetrieve(ctx context.Context, container, name string) (*model.Dataset, error) {
	var d model.Dataset
	if err := b.getJSON(ctx, b.datasetKey(container, name), &d); err != nil {
		return nil, fmt.Errorf("dataset %q: %w", container+"/"+name, err)
	}
	return &d, nil
}

func (b *Backend) DatasetUpdate(ctx context.Context, d *model.Dataset) error {
	key := b.datasetKey(d.Container, d.Name)
	if err := b.exists(ctx, key); err != nil {
		return fmt.Errorf("dataset %q: %w", d.Path(), err)
	}
	if err := b.putJSON(ctx, key, d, false); err != nil {
		return fmt.Errorf("dataset %q: %w", d.Path(), err)
	}
	return nil
}

func (b *Backend) DatasetDestroy(ctx context.Context, container, name string) error {
	if err := b.delete(ctx, b.datasetKey(container, name)); err != nil {
		return fmt.Errorf("dataset %q: %w", container+"/"+name, err)
	}
	if err := b.deletePrefix(ctx, b.key(container, name)+"/"); err != nil {
		return fmt.Errorf("dataset %q: %w", container+"/"+name, err)
	}
	return nil
}

func (b *Backend) FragmentCreate(ctx context.Context, f *model.Fragment) error {
	if err := b.put(ctx, b.fragmentKey(f), f.Data, "", true); err != nil {
		return fmt.Errorf("fragment %s: %w", f.ID, err)
	}
	return nil
}

func (b *Backend) FragmentRetrieve(ctx context.Context, f *model.Fragment) ([]byte, error) {
	data, err := b.get(ctx, b.fragmentKey(f))
	if err != nil {
		return nil, fmt.Errorf("fragment %s: %w", f.ID, err)
	}
	return data, nil
}

func (b *Backend) FragmentUpdate(ctx context.Context, f *model.Fragment) error {
	key := b.fragmentKey(f)
	if err := b.exists(ctx, key); err != nil {
		return fmt.Errorf("fragment %s: %w", f.ID, err)
	}
	if err := b.put(ctx, key, f.Data, "", false); err != nil {
		return fmt.Errorf("fragment %s: %w", f.ID, err)
	}
	return nil
}

func (b *Backend) FragmentDestroy(ctx context.Context, f *model.Fragment) error {
	if err := b.delete(ctx, b.fragmentKey(f)); err != nil {
		return fmt.Errorf("fragment %s: %w", f.ID, err)
	}
	return nil
}

func (b *Backend) putJSON(ctx context.Context, key string, v any, exclusive bool) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", key, err)
	}
	return b.put(ctx, key, data, contentTypeJSON, exclusive)
}

func (b *Backend) getJSON(ctx context.Context, key string, v any) error {
	data, err := b.get(ctx, key)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("%w: decode %s: %v", model.ErrIOFailure, key, err)
	}
	return nil
}

// put uploads data. An exclusive put fails with ErrAlreadyExists when the
// key is taken.
func (b *Backend) put(ctx context.Context, key string, data []byte, contentType string, exclusive bool) error {
	in := &s3.PutObjectInput{
		Bucket:        aws.String(b.bucket),
		Key:           aws.String(key),
		Body:          bytes.NewReader(data),
		ContentLength: aws.Int64(int64(len(data))),
	}
	if contentType != "" {
		in.ContentType = aws.String(contentType)
	}
	if exclusive {
		in.IfNoneMatch = aws.String("*")
	}
	if _, err := b.client.PutObject(ctx, in); err != nil {
		return mapErr(err)
	}
	return nil
}

func (b *Backend) get(ctx context.Context, key string) ([]byte, error) {
	out, err := b.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, mapErr(err)
	}
	defer out.Body.Close()

	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: read %s: %v", model.ErrIOFailure, key, err)
	}
	return data, nil
}

// exists works around S3 accepting overwrites and deletes of missing keys.
func (b *Backend) exists(ctx context.Context, key string) error {
	_, err := b.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return mapErr(err)
	}
	return nil
}

func (b *Backend) delete(ctx context.Context, key string) error {
	if err := b.exists(ctx, key); err != nil {
		return err
	}
	_, err := b.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return mapErr(err)
	}
	return nil
}

func (b *Backend) deletePrefix(ctx context.Context, prefix string) error {
	p := s3.NewListObjectsV2Paginator(b.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(b.bucket),
		Prefix: aws.String(prefix),
	})
	for p.HasMorePages() {
		page, err := p.NextPage(ctx)
		if err != nil {
			return mapErr(err)
		}
		for _, obj := range page.Contents {
			_, err := b.client.DeleteObject(ctx, &s3.DeleteObjectInput{
				Bucket: aws.String(b.bucket),
				Key:    obj.Key,
			})
			if err != nil {
				return mapErr(err)
			}
		}
	}
	return nil
}

func mapErr(err error) error {
	var nk *types.NoSuchKey
	if errors.As(err, &nk) {
		return model.ErrNotFound
	}
	var nf *types.NotFound
	if errors.As(err, &nf) {
		return model.ErrNotFound
	}
	var nb *types.NoSuchBucket
	if errors.As(err, &nb) {
		return fmt.Errorf("%w: %v", model.ErrBackendUnavailable, err)
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) && apiErr.ErrorCode() == "PreconditionFailed" {
		return model.ErrAlreadyExists
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return fmt.Errorf("%w: %v", model.ErrIOFailure, err)
}
