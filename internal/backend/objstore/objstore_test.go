package objstore_test

import (
	"bytes"
	"context"
	"errors"
	"io"
	"slices"
	"strings"
	"sync"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"

	"github.com/luufmg/esdm/internal/backend"
	"github.com/luufmg/esdm/internal/backend/backendtest"
	"github.com/luufmg/esdm/internal/backend/objstore"
	"github.com/luufmg/esdm/internal/model"
)

// fakeS3 is an in-memory stand-in for the subset of S3 the backend uses.
type fakeS3 struct {
	mu      sync.Mutex
	buckets map[string]bool
	objects map[string][]byte
}

func newFakeS3(buckets ...string) *fakeS3 {
	f := &fakeS3{buckets: make(map[string]bool), objects: make(map[string][]byte)}
	for _, b := range buckets {
		f.buckets[b] = true
	}
	return f
}

func (f *fakeS3) HeadBucket(_ context.Context, in *s3.HeadBucketInput, _ ...func(*s3.Options)) (*s3.HeadBucketOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.buckets[aws.ToString(in.Bucket)] {
		return nil, &types.NotFound{}
	}
	return &s3.HeadBucketOutput{}, nil
}

func (f *fakeS3) CreateBucket(_ context.Context, in *s3.CreateBucketInput, _ ...func(*s3.Options)) (*s3.CreateBucketOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.buckets[aws.ToString(in.Bucket)] = true
	return &s3.CreateBucketOutput{}, nil
}

func (f *fakeS3) HeadObject(_ context.Context, in *s3.HeadObjectInput, _ ...func(*s3.Options)) (*s3.HeadObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, ok := f.objects[aws.ToString(in.Bucket)+"/"+aws.ToString(in.Key)]
	if !ok {
		return nil, &types.NotFound{}
	}
	return &s3.HeadObjectOutput{ContentLength: aws.Int64(int64(len(data)))}, nil
}

func (f *fakeS3) GetObject(_ context.Context, in *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, ok := f.objects[aws.ToString(in.Bucket)+"/"+aws.ToString(in.Key)]
	if !ok {
		return nil, &types.NoSuchKey{}
	}
	return &s3.GetObjectOutput{Body: io.NopCloser(bytes.NewReader(slices.Clone(data)))}, nil
}

func (f *fakeS3) PutObject(_ context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	data, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	bucket := aws.ToString(in.Bucket)
	if !f.buckets[bucket] {
		return nil, &types.NoSuchBucket{}
	}
	key := bucket + "/" + aws.ToString(in.Key)
	if _, ok := f.objects[key]; ok && aws.ToString(in.IfNoneMatch) == "*" {
		return nil, &smithy.GenericAPIError{Code: "PreconditionFailed", Message: "At least one of the pre-conditions you specified did not hold"}
	}
	f.objects[key] = data
	return &s3.PutObjectOutput{}, nil
}

func (f *fakeS3) DeleteObject(_ context.Context, in *s3.DeleteObjectInput, _ ...func(*s3.Options)) (*s3.DeleteObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.objects, aws.ToString(in.Bucket)+"/"+aws.ToString(in.Key))
	return &s3.DeleteObjectOutput{}, nil
}

func (f *fakeS3) ListObjectsV2(_ context.Context, in *s3.ListObjectsV2Input, _ ...func(*s3.Options)) (*s3.ListObjectsV2Output, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	bucketPrefix := aws.ToString(in.Bucket) + "/"
	var keys []string
	for k := range f.objects {
		if !strings.HasPrefix(k, bucketPrefix) {
			continue
		}
		key := strings.TrimPrefix(k, bucketPrefix)
		if strings.HasPrefix(key, aws.ToString(in.Prefix)) {
			keys = append(keys, key)
		}
	}
	slices.Sort(keys)
	out := &s3.ListObjectsV2Output{IsTruncated: aws.Bool(false)}
	for _, k := range keys {
		out.Contents = append(out.Contents, types.Object{Key: aws.String(k)})
	}
	return out, nil
}

func (f *fakeS3) keys() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for k := range f.objects {
		out = append(out, k)
	}
	slices.Sort(out)
	return out
}

func TestConformance(t *testing.T) {
	backendtest.Run(t, func(t *testing.T) backend.Backend {
		return objstore.New("bucket", model.CategoryData, newFakeS3("esdm"), "esdm", objstore.Options{})
	})
}

func TestKeyLayout(t *testing.T) {
	client := newFakeS3("esdm")
	b := objstore.New("bucket", model.CategoryMetadata, client, "esdm", objstore.Options{Prefix: "run-1"})
	ctx := context.Background()
	if err := b.Init(ctx); err != nil {
		t.Fatal(err)
	}

	if err := b.ContainerCreate(ctx, &model.Container{Name: "sim"}); err != nil {
		t.Fatal(err)
	}
	if err := b.DatasetCreate(ctx, &model.Dataset{Container: "sim", Name: "grid"}); err != nil {
		t.Fatal(err)
	}
	if err := b.FragmentCreate(ctx, &model.Fragment{Container: "sim", Dataset: "grid", ID: model.FragmentID(1), Data: []byte("x")}); err != nil {
		t.Fatal(err)
	}

	want := []string{
		"esdm/run-1/containers/sim.md",
		"esdm/run-1/containers/sim/grid.md",
		"esdm/run-1/containers/sim/grid/00000000000000000001",
	}
	if got := client.keys(); !slices.Equal(got, want) {
		t.Errorf("keys = %v, want %v", got, want)
	}

	if err := b.ContainerDestroy(ctx, "sim"); err != nil {
		t.Fatal(err)
	}
	if got := client.keys(); len(got) != 0 {
		t.Errorf("ContainerDestroy left %v", got)
	}
}

func TestInitMissingBucket(t *testing.T) {
	b := objstore.New("bucket", model.CategoryData, newFakeS3(), "absent", objstore.Options{})
	if err := b.Init(context.Background()); !errors.Is(err, model.ErrBackendUnavailable) {
		t.Fatalf("expected ErrBackendUnavailable, got %v", err)
	}
}

func TestInitCreatesBucket(t *testing.T) {
	client := newFakeS3()
	b := objstore.New("bucket", model.CategoryData, client, "fresh", objstore.Options{CreateBucket: true})
	if err := b.Init(context.Background()); err != nil {
		t.Fatalf("Init() error: %v", err)
	}
	if _, err := client.HeadBucket(context.Background(), &s3.HeadBucketInput{Bucket: aws.String("fresh")}); err != nil {
		t.Errorf("bucket was not created: %v", err)
	}
}

func TestNewFromConfigValidation(t *testing.T) {
	ctx := context.Background()
	if _, err := objstore.NewFromConfig(ctx, backend.Config{Name: "s3", Category: model.CategoryData}); !errors.Is(err, model.ErrConfig) {
		t.Errorf("missing bucket: expected ErrConfig, got %v", err)
	}
	_, err := objstore.NewFromConfig(ctx, backend.Config{
		Name:     "s3",
		Target:   "esdm",
		Category: model.CategoryData,
		Options:  map[string]any{"bucket_region": "eu-west-1"},
	})
	if !errors.Is(err, model.ErrConfig) {
		t.Errorf("unknown option: expected ErrConfig, got %v", err)
	}
}
