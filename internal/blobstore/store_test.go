package blobstore

import (
	"bytes"
	"context"
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/smithy-go"
)

func TestNewValidation(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		cfg     Config
		wantErr bool
	}{
		{name: "memory", cfg: Config{Driver: DriverMemory}},
		{name: "unsupported driver", cfg: Config{Driver: "gcs"}, wantErr: true},
		{name: "s3 missing bucket", cfg: Config{Driver: DriverS3, S3Client: &fakeS3Client{}}, wantErr: true},
		{name: "s3 missing client", cfg: Config{Driver: DriverS3, Bucket: "withdraw-archive"}, wantErr: true},
		{name: "default driver is s3", cfg: Config{Bucket: "withdraw-archive", S3Client: &fakeS3Client{}}},
	}

	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			store, err := New(tc.cfg)
			if tc.wantErr {
				if !errors.Is(err, ErrInvalidConfig) {
					t.Fatalf("expected ErrInvalidConfig, got %v", err)
				}
				if store != nil {
					t.Fatalf("expected nil store on error")
				}
				return
			}
			if err != nil {
				t.Fatalf("New: %v", err)
			}
			if store == nil {
				t.Fatalf("New returned nil store")
			}
		})
	}
}

func TestMemoryStoreWriteOnce(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store, err := New(Config{Driver: DriverMemory, Prefix: "/archive/"})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	key := "instructions/test_job/0xabc.json"
	payload := []byte(`{"version":"withdraw.instruction.v1"}`)
	if err := store.PutIfAbsent(ctx, "/"+key, payload, PutOptions{
		ContentType: "application/json",
		Metadata:    map[string]string{"job-id": "test_job", " ": "dropped"},
	}); err != nil {
		t.Fatalf("PutIfAbsent: %v", err)
	}

	if err := store.PutIfAbsent(ctx, key, []byte("other"), PutOptions{}); !errors.Is(err, ErrExists) {
		t.Fatalf("second PutIfAbsent: expected ErrExists, got %v", err)
	}

	ok, err := store.Exists(ctx, key)
	if err != nil || !ok {
		t.Fatalf("Exists: ok=%v err=%v", ok, err)
	}

	obj, err := store.Get(ctx, key)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if obj.Key != key || !bytes.Equal(obj.Data, payload) || obj.ContentType != "application/json" {
		t.Fatalf("object: %+v", obj)
	}
	if len(obj.Metadata) != 1 || obj.Metadata["job-id"] != "test_job" {
		t.Fatalf("metadata: %#v", obj.Metadata)
	}
	if obj.ETag == "" || obj.LastModified.IsZero() {
		t.Fatalf("missing etag or timestamp: %+v", obj)
	}

	obj.Data[0] = 'X'
	obj.Metadata["job-id"] = "changed"
	reload, err := store.Get(ctx, key)
	if err != nil {
		t.Fatalf("Get reload: %v", err)
	}
	if reload.Data[0] != '{' || reload.Metadata["job-id"] != "test_job" {
		t.Fatalf("stored object aliased by caller")
	}

	if _, err := store.Get(ctx, "instructions/test_job/missing.json"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestStoreRejectsInvalidKeys(t *testing.T) {
	t.Parallel()

	store, err := New(Config{Driver: DriverMemory})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	for _, key := range []string{"", "   ", "\x00bad", "\nnewline", "a//b", "a/../b", "./a", "a/"} {
		key := key
		t.Run(strings.ReplaceAll(key, "\x00", "nul"), func(t *testing.T) {
			t.Parallel()
			if err := store.PutIfAbsent(context.Background(), key, []byte("x"), PutOptions{}); !errors.Is(err, ErrInvalidKey) {
				t.Fatalf("PutIfAbsent(%q): expected ErrInvalidKey, got %v", key, err)
			}
			if _, err := store.Get(context.Background(), key); !errors.Is(err, ErrInvalidKey) {
				t.Fatalf("Get(%q): expected ErrInvalidKey, got %v", key, err)
			}
		})
	}
}

func TestS3StorePutGetExists(t *testing.T) {
	t.Parallel()

	const fullKey = "agent-1/instructions/test_job/0xabc.json"
	client := &fakeS3Client{
		putFn: func(_ context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
			if got := aws.ToString(in.Bucket); got != "withdraw-archive" {
				return nil, errors.New("bucket mismatch: " + got)
			}
			if got := aws.ToString(in.Key); got != fullKey {
				return nil, errors.New("key mismatch: " + got)
			}
			if got := aws.ToString(in.IfNoneMatch); got != "*" {
				return nil, errors.New("missing conditional put: " + got)
			}
			if got := aws.ToString(in.ContentType); got != "application/json" {
				return nil, errors.New("content type mismatch: " + got)
			}
			return &s3.PutObjectOutput{}, nil
		},
		getFn: func(_ context.Context, in *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
			if got := aws.ToString(in.Key); got != fullKey {
				return nil, errors.New("get key mismatch: " + got)
			}
			return &s3.GetObjectOutput{
				Body:        io.NopCloser(strings.NewReader("{}")),
				ContentType: aws.String("application/json"),
				Metadata:    map[string]string{"job-id": "test_job"},
				ETag:        aws.String(`"abc123"`),
			}, nil
		},
	}
	store, err := New(Config{Driver: DriverS3, Bucket: "withdraw-archive", Prefix: "agent-1", MaxGetSize: 4 << 10, S3Client: client})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ctx := context.Background()
	if err := store.PutIfAbsent(ctx, "instructions/test_job/0xabc.json", []byte("{}"), PutOptions{ContentType: "application/json"}); err != nil {
		t.Fatalf("PutIfAbsent: %v", err)
	}
	obj, err := store.Get(ctx, "instructions/test_job/0xabc.json")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if string(obj.Data) != "{}" || obj.ETag != "abc123" || obj.Metadata["job-id"] != "test_job" {
		t.Fatalf("object: %+v", obj)
	}
	ok, err := store.Exists(ctx, "instructions/test_job/0xabc.json")
	if err != nil || !ok {
		t.Fatalf("Exists: ok=%v err=%v", ok, err)
	}
}

func TestS3StoreMapsErrors(t *testing.T) {
	t.Parallel()

	client := &fakeS3Client{
		putFn: func(context.Context, *s3.PutObjectInput, ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
			return nil, fakeAPIError{code: "PreconditionFailed", msg: "exists"}
		},
		getFn: func(context.Context, *s3.GetObjectInput, ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
			return nil, fakeAPIError{code: "NoSuchKey", msg: "missing"}
		},
		headFn: func(context.Context, *s3.HeadObjectInput, ...func(*s3.Options)) (*s3.HeadObjectOutput, error) {
			return nil, fakeAPIError{code: "NotFound", msg: "missing"}
		},
	}
	store, err := New(Config{Driver: DriverS3, Bucket: "withdraw-archive", S3Client: client})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ctx := context.Background()
	if err := store.PutIfAbsent(ctx, "k.json", []byte("x"), PutOptions{}); !errors.Is(err, ErrExists) {
		t.Fatalf("expected ErrExists, got %v", err)
	}
	if _, err := store.Get(ctx, "k.json"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	ok, err := store.Exists(ctx, "k.json")
	if err != nil || ok {
		t.Fatalf("Exists: ok=%v err=%v", ok, err)
	}
}

func TestS3StorePassesThroughOtherErrors(t *testing.T) {
	t.Parallel()

	client := &fakeS3Client{
		putFn: func(context.Context, *s3.PutObjectInput, ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
			return nil, fakeAPIError{code: "AccessDenied", msg: "nope"}
		},
	}
	store, err := New(Config{Driver: DriverS3, Bucket: "withdraw-archive", S3Client: client})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	err = store.PutIfAbsent(context.Background(), "k.json", []byte("x"), PutOptions{})
	if err == nil || errors.Is(err, ErrExists) {
		t.Fatalf("expected raw error, got %v", err)
	}
	var apiErr smithy.APIError
	if !errors.As(err, &apiErr) || apiErr.ErrorCode() != "AccessDenied" {
		t.Fatalf("api error not wrapped: %v", err)
	}
}

func TestS3StoreMaxGetSize(t *testing.T) {
	t.Parallel()

	client := &fakeS3Client{
		getFn: func(context.Context, *s3.GetObjectInput, ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
			return &s3.GetObjectOutput{Body: io.NopCloser(strings.NewReader("this payload is too large"))}, nil
		},
	}
	store, err := New(Config{Driver: DriverS3, Bucket: "withdraw-archive", S3Client: client, MaxGetSize: 8})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if _, err := store.Get(context.Background(), "k.json"); !errors.Is(err, ErrTooLarge) {
		t.Fatalf("expected ErrTooLarge, got %v", err)
	}
}

type fakeS3Client struct {
	putFn  func(context.Context, *s3.PutObjectInput, ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	getFn  func(context.Context, *s3.GetObjectInput, ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	headFn func(context.Context, *s3.HeadObjectInput, ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
}

func (f *fakeS3Client) PutObject(ctx context.Context, in *s3.PutObjectInput, opts ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	if f.putFn == nil {
		return &s3.PutObjectOutput{}, nil
	}
	return f.putFn(ctx, in, opts...)
}

func (f *fakeS3Client) GetObject(ctx context.Context, in *s3.GetObjectInput, opts ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	if f.getFn == nil {
		return nil, errors.New("unexpected GetObject call")
	}
	return f.getFn(ctx, in, opts...)
}

func (f *fakeS3Client) HeadObject(ctx context.Context, in *s3.HeadObjectInput, opts ...func(*s3.Options)) (*s3.HeadObjectOutput, error) {
	if f.headFn == nil {
		return &s3.HeadObjectOutput{}, nil
	}
	return f.headFn(ctx, in, opts...)
}

type fakeAPIError struct {
	code string
	msg  string
}

func (f fakeAPIError) ErrorCode() string             { return f.code }
func (f fakeAPIError) ErrorMessage() string          { return f.msg }
func (f fakeAPIError) ErrorFault() smithy.ErrorFault { return smithy.FaultClient }
func (f fakeAPIError) Error() string                 { return f.code + ": " + f.msg }
