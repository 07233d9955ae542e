package s3fs_test

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"

	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	smithy "github.com/aws/smithy-go"
)

// fakeObject is one stored object in fakeS3's in-memory state.
type fakeObject struct {
	body        []byte
	contentType string
	etag        string
}

// fakeS3 is a minimal in-memory stand-in for s3fs.S3API, enough to drive
// the facade, input, output, and listing engine through their real code
// paths without a network dependency. It intentionally does not model
// every S3 behavior — just enough for this package's test suite.
type fakeS3 struct {
	mu       sync.Mutex
	buckets  map[string]struct{}
	objects  map[string]map[string]*fakeObject // bucket -> key -> object
	uploads  map[string]*fakeUpload             // uploadID -> state
	uploadSeq int
	failCompleteOnce bool
	deleteBatches []int // key count of each DeleteObjects call, in order
}

type fakeUpload struct {
	bucket string
	key    string
	parts  map[int32][]byte
}

func newFakeS3() *fakeS3 {
	return &fakeS3{
		buckets: map[string]struct{}{},
		objects: map[string]map[string]*fakeObject{},
		uploads: map[string]*fakeUpload{},
	}
}

func apiErr(code, msg string) error {
	return &smithy.GenericAPIError{Code: code, Message: msg}
}

func (f *fakeS3) HeadBucket(_ context.Context, in *s3.HeadBucketInput, _ ...func(*s3.Options)) (*s3.HeadBucketOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.buckets[*in.Bucket]; !ok {
		return nil, apiErr("NotFound", "no such bucket")
	}
	return &s3.HeadBucketOutput{}, nil
}

func (f *fakeS3) HeadObject(_ context.Context, in *s3.HeadObjectInput, _ ...func(*s3.Options)) (*s3.HeadObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	obj := f.lookup(*in.Bucket, *in.Key)
	if obj == nil {
		return nil, apiErr("NoSuchKey", "no such key")
	}
	size := int64(len(obj.body))
	ct := obj.contentType
	etag := obj.etag
	return &s3.HeadObjectOutput{ContentLength: &size, ContentType: &ct, ETag: &etag}, nil
}

func (f *fakeS3) lookup(bucket, key string) *fakeObject {
	m, ok := f.objects[bucket]
	if !ok {
		return nil
	}
	return m[key]
}

func (f *fakeS3) GetObject(_ context.Context, in *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	f.mu.Lock()
	obj := f.lookup(*in.Bucket, *in.Key)
	f.mu.Unlock()
	if obj == nil {
		return nil, apiErr("NoSuchKey", "no such key")
	}
	body := obj.body
	if in.Range != nil {
		var start, end int64
		if _, err := fmt.Sscanf(*in.Range, "bytes=%d-%d", &start, &end); err == nil {
			if end >= int64(len(body)) {
				end = int64(len(body)) - 1
			}
			if start <= end {
				body = body[start : end+1]
			} else {
				body = nil
			}
		}
	}
	size := int64(len(obj.body))
	return &s3.GetObjectOutput{Body: io.NopCloser(bytes.NewReader(body)), ContentLength: &size}, nil
}

func (f *fakeS3) PutObject(_ context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	var body []byte
	if in.Body != nil {
		body, _ = io.ReadAll(in.Body)
	}
	ct := ""
	if in.ContentType != nil {
		ct = *in.ContentType
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ensureBucketLocked(*in.Bucket)
	etag := fmt.Sprintf("%x", len(body))
	f.objects[*in.Bucket][*in.Key] = &fakeObject{body: body, contentType: ct, etag: etag}
	return &s3.PutObjectOutput{ETag: &etag}, nil
}

func (f *fakeS3) ensureBucketLocked(bucket string) {
	f.buckets[bucket] = struct{}{}
	if _, ok := f.objects[bucket]; !ok {
		f.objects[bucket] = map[string]*fakeObject{}
	}
}

func (f *fakeS3) CreateMultipartUpload(_ context.Context, in *s3.CreateMultipartUploadInput, _ ...func(*s3.Options)) (*s3.CreateMultipartUploadOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.uploadSeq++
	id := fmt.Sprintf("upload-%d", f.uploadSeq)
	f.uploads[id] = &fakeUpload{bucket: *in.Bucket, key: *in.Key, parts: map[int32][]byte{}}
	return &s3.CreateMultipartUploadOutput{UploadId: &id}, nil
}

func (f *fakeS3) UploadPart(_ context.Context, in *s3.UploadPartInput, _ ...func(*s3.Options)) (*s3.UploadPartOutput, error) {
	var body []byte
	if in.Body != nil {
		body, _ = io.ReadAll(in.Body)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	up, ok := f.uploads[*in.UploadId]
	if !ok {
		return nil, apiErr("NoSuchUpload", "no such upload")
	}
	up.parts[*in.PartNumber] = body
	etag := fmt.Sprintf("%x", len(body))
	return &s3.UploadPartOutput{ETag: &etag}, nil
}

func (f *fakeS3) CompleteMultipartUpload(_ context.Context, in *s3.CompleteMultipartUploadInput, _ ...func(*s3.Options)) (*s3.CompleteMultipartUploadOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.failCompleteOnce {
		f.failCompleteOnce = false
		etag := ""
		return &s3.CompleteMultipartUploadOutput{ETag: &etag}, nil
	}

	up, ok := f.uploads[*in.UploadId]
	if !ok {
		return nil, apiErr("NoSuchUpload", "no such upload")
	}
	nums := make([]int32, 0, len(in.MultipartUpload.Parts))
	for _, p := range in.MultipartUpload.Parts {
		nums = append(nums, *p.PartNumber)
	}
	sort.Slice(nums, func(i, j int) bool { return nums[i] < nums[j] })

	var full bytes.Buffer
	for _, n := range nums {
		full.Write(up.parts[n])
	}
	f.ensureBucketLocked(up.bucket)
	etag := fmt.Sprintf("%x", full.Len())
	f.objects[up.bucket][up.key] = &fakeObject{body: full.Bytes(), etag: etag}
	delete(f.uploads, *in.UploadId)
	loc := "https://example.invalid/" + up.bucket + "/" + up.key
	return &s3.CompleteMultipartUploadOutput{ETag: &etag, Location: &loc}, nil
}

func (f *fakeS3) AbortMultipartUpload(_ context.Context, in *s3.AbortMultipartUploadInput, _ ...func(*s3.Options)) (*s3.AbortMultipartUploadOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.uploads, *in.UploadId)
	return &s3.AbortMultipartUploadOutput{}, nil
}

func (f *fakeS3) CopyObject(_ context.Context, in *s3.CopyObjectInput, _ ...func(*s3.Options)) (*s3.CopyObjectOutput, error) {
	src := strings.TrimPrefix(*in.CopySource, "/")
	bucket, key, _ := strings.Cut(src, "/")
	f.mu.Lock()
	defer f.mu.Unlock()
	obj := f.lookup(bucket, key)
	if obj == nil {
		return nil, apiErr("NoSuchKey", "no such key")
	}
	f.ensureBucketLocked(*in.Bucket)
	cp := *obj
	f.objects[*in.Bucket][*in.Key] = &cp
	return &s3.CopyObjectOutput{}, nil
}

func (f *fakeS3) DeleteObject(_ context.Context, in *s3.DeleteObjectInput, _ ...func(*s3.Options)) (*s3.DeleteObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if m, ok := f.objects[*in.Bucket]; ok {
		delete(m, *in.Key)
	}
	return &s3.DeleteObjectOutput{}, nil
}

func (f *fakeS3) DeleteObjects(_ context.Context, in *s3.DeleteObjectsInput, _ ...func(*s3.Options)) (*s3.DeleteObjectsOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	m := f.objects[*in.Bucket]
	f.deleteBatches = append(f.deleteBatches, len(in.Delete.Objects))
	var deleted []types.DeletedObject
	for _, o := range in.Delete.Objects {
		if m != nil {
			delete(m, *o.Key)
		}
		k := *o.Key
		deleted = append(deleted, types.DeletedObject{Key: &k})
	}
	return &s3.DeleteObjectsOutput{Deleted: deleted}, nil
}

// ListObjectsV2 honors MaxKeys/ContinuationToken so tests can exercise
// real multi-page pagination rather than always getting everything back
// in a single page.
func (f *fakeS3) ListObjectsV2(_ context.Context, in *s3.ListObjectsV2Input, _ ...func(*s3.Options)) (*s3.ListObjectsV2Output, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	prefix := ""
	if in.Prefix != nil {
		prefix = *in.Prefix
	}
	delim := ""
	if in.Delimiter != nil {
		delim = *in.Delimiter
	}

	var keys []string
	for k := range f.objects[*in.Bucket] {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)

	start := 0
	if in.ContinuationToken != nil {
		for i, k := range keys {
			if k > *in.ContinuationToken {
				start = i
				break
			}
			start = i + 1
		}
	}

	pageSize := len(keys)
	if in.MaxKeys != nil && *in.MaxKeys > 0 {
		pageSize = int(*in.MaxKeys)
	}

	seenPrefixes := map[string]struct{}{}
	var contents []types.Object
	var commonPrefixes []types.CommonPrefix
	var lastKey string
	emitted := 0

	for i := start; i < len(keys) && emitted < pageSize; i++ {
		k := keys[i]
		lastKey = k
		emitted++
		rest := strings.TrimPrefix(k, prefix)
		if delim != "" {
			if idx := strings.Index(rest, delim); idx >= 0 {
				cp := prefix + rest[:idx+1]
				if _, ok := seenPrefixes[cp]; !ok {
					seenPrefixes[cp] = struct{}{}
					cpCopy := cp
					commonPrefixes = append(commonPrefixes, types.CommonPrefix{Prefix: &cpCopy})
				}
				continue
			}
		}
		obj := f.objects[*in.Bucket][k]
		size := int64(len(obj.body))
		kk := k
		contents = append(contents, types.Object{Key: &kk, Size: &size})
	}

	truncated := start+emitted < len(keys)
	out := &s3.ListObjectsV2Output{Contents: contents, CommonPrefixes: commonPrefixes, IsTruncated: &truncated}
	if truncated {
		tok := lastKey
		out.NextContinuationToken = &tok
	}
	return out, nil
}

func (f *fakeS3) ListBuckets(_ context.Context, _ *s3.ListBucketsInput, _ ...func(*s3.Options)) (*s3.ListBucketsOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []types.Bucket
	for b := range f.buckets {
		b := b
		out = append(out, types.Bucket{Name: &b})
	}
	return &s3.ListBucketsOutput{Buckets: out}, nil
}

func (f *fakeS3) CreateBucket(_ context.Context, in *s3.CreateBucketInput, _ ...func(*s3.Options)) (*s3.CreateBucketOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ensureBucketLocked(*in.Bucket)
	return &s3.CreateBucketOutput{}, nil
}

func (f *fakeS3) DeleteBucket(_ context.Context, in *s3.DeleteBucketInput, _ ...func(*s3.Options)) (*s3.DeleteBucketOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.buckets, *in.Bucket)
	delete(f.objects, *in.Bucket)
	return &s3.DeleteBucketOutput{}, nil
}
