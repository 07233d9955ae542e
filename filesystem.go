package s3fs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	smithy "github.com/aws/smithy-go"
	smithymiddleware "github.com/aws/smithy-go/middleware"
	smithyhttp "github.com/aws/smithy-go/transport/http"
)

// Filesystem is the facade (§4.I): it accepts user requests, parses
// paths, obtains a client lock, and issues S3 calls through the
// configured client. One Filesystem owns one client holder and one
// finalizer; Close runs the finalizer. Nothing runs it automatically at
// process exit.
type Filesystem struct {
	opts     Options
	holder   *ClientHolder
	fin      *finalizer
	log      *opLogger
	regions  *bucketRegionCache
	executor Executor
}

// NewFilesystem validates o (§4.K) and builds a Filesystem backed by a
// freshly configured S3 client.
func NewFilesystem(ctx context.Context, o Options) (*Filesystem, error) {
	if err := o.Validate(); err != nil {
		return nil, err
	}
	if o.Executor == nil {
		o.Executor = NewExecutor(DefaultExecutorCapacity)
	}

	log := newOpLogger(o.Logger)
	fin := newFinalizer()
	holder, err := buildClient(ctx, o, fin, log)
	if err != nil {
		return nil, err
	}

	return &Filesystem{
		opts:     o,
		holder:   holder,
		fin:      fin,
		log:      log,
		regions:  newBucketRegionCache(),
		executor: o.Executor,
	}, nil
}

// NewFilesystemFromClient builds a Filesystem around an already-
// constructed S3API, bypassing client/endpoint construction. Intended
// for tests and for callers who need to supply their own client (e.g. a
// preconfigured *s3.Client wired to a non-default credential chain).
func NewFilesystemFromClient(client S3API, o Options) (*Filesystem, error) {
	if err := o.Validate(); err != nil {
		return nil, err
	}
	if o.Executor == nil {
		o.Executor = NewExecutor(DefaultExecutorCapacity)
	}
	log := newOpLogger(o.Logger)
	fin := newFinalizer()
	holder := newClientHolder(fin, client)
	return &Filesystem{
		opts:     o,
		holder:   holder,
		fin:      fin,
		log:      log,
		regions:  newBucketRegionCache(),
		executor: o.Executor,
	}, nil
}

// Close runs this Filesystem's finalizer, clearing its client holder.
// Safe to call more than once.
func (fs *Filesystem) Close() error {
	fs.fin.finalize()
	return nil
}

func (fs *Filesystem) ctx() context.Context { return context.Background() }

// Stat implements §4.I's stat(path).
func (fs *Filesystem) Stat(ctx context.Context, p Path) (FileInfo, error) {
	if p.IsRoot() {
		return FileInfo{Path: p, Type: TypeDirectory}, nil
	}

	client, lh, err := fs.holder.Lock()
	if err != nil {
		return FileInfo{}, err
	}

	if p.IsBucket() {
		defer moveOut(lh).Release()
		var region string
		err := fs.log.call("HeadBucket", p, func() error {
			_, herr := client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: &p.Bucket}, func(o *s3.Options) {
				o.APIOptions = append(o.APIOptions, func(stack *smithymiddleware.Stack) error {
					return stack.Deserialize.Add(captureBucketRegionMiddleware(&region), smithymiddleware.After)
				})
			})
			return herr
		})
		if err != nil {
			if isNotFound(err) {
				return FileInfo{Path: p, Type: TypeNotFound}, newErr("HeadBucket", NotFound, p, ErrNotFound)
			}
			return FileInfo{}, newErr("HeadBucket", IO, p, err)
		}
		if region != "" && isKnownAWSRegion(region) {
			fs.regions.set(p.Bucket, region)
		}
		return FileInfo{Path: p, Type: TypeDirectory}, nil
	}

	out, err := callValue(fs.log, "HeadObject", p, func() (*s3.HeadObjectOutput, error) {
		return client.HeadObject(ctx, &s3.HeadObjectInput{Bucket: &p.Bucket, Key: &p.Key})
	})
	lh.Release()
	if err == nil {
		size := int64(0)
		if out.ContentLength != nil {
			size = *out.ContentLength
		}
		ct := ""
		if out.ContentType != nil {
			ct = *out.ContentType
		}
		typ := TypeFile
		if size == 0 && (IsDirKey(p.Key) || IsDirectoryContentType(ct)) {
			typ = TypeDirectory
		}
		var mtime time.Time
		if out.LastModified != nil {
			mtime = *out.LastModified
		}
		return FileInfo{Path: p, Type: typ, Size: size, ModTime: mtime}, nil
	}
	if !isNotFound(err) {
		return FileInfo{}, newErr("HeadObject", IO, p, err)
	}

	// Probe empty-directory (backend-dependent trailing-slash HEAD), then
	// non-empty via a 1-key ListObjectsV2.
	if ok, perr := fs.probeEmptyDirectory(ctx, p); perr == nil && ok {
		return FileInfo{Path: p, Type: TypeDirectory}, nil
	}
	if ok, perr := fs.probeNonEmptyDirectory(ctx, p); perr == nil && ok {
		return FileInfo{Path: p, Type: TypeDirectory}, nil
	}
	return FileInfo{Path: p, Type: TypeNotFound}, newErr("HeadObject", NotFound, p, ErrNotFound)
}

func (fs *Filesystem) probeEmptyDirectory(ctx context.Context, p Path) (bool, error) {
	client, lh, err := fs.holder.Lock()
	if err != nil {
		return false, err
	}
	defer moveOut(lh).Release()
	key := dirMarkerKey(p.Key)
	_, err = callValue(fs.log, "HeadObject", Path{Bucket: p.Bucket, Key: key}, func() (*s3.HeadObjectOutput, error) {
		return client.HeadObject(ctx, &s3.HeadObjectInput{Bucket: &p.Bucket, Key: &key})
	})
	if err != nil {
		if isNotFound(err) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

func (fs *Filesystem) probeNonEmptyDirectory(ctx context.Context, p Path) (bool, error) {
	client, lh, err := fs.holder.Lock()
	if err != nil {
		return false, err
	}
	defer moveOut(lh).Release()
	prefix := dirMarkerKey(p.Key)
	out, err := callValue(fs.log, "ListObjectsV2", Path{Bucket: p.Bucket, Key: prefix}, func() (*s3.ListObjectsV2Output, error) {
		return client.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
			Bucket:  &p.Bucket,
			Prefix:  &prefix,
			MaxKeys: aws.Int32(1),
		})
	})
	if err != nil {
		return false, err
	}
	return len(out.Contents) > 0 || len(out.CommonPrefixes) > 0, nil
}

// CreateDir implements §4.I's create_dir(path, recursive).
func (fs *Filesystem) CreateDir(ctx context.Context, p Path, recursive bool) error {
	if p.IsRoot() {
		return newErr("CreateBucket", InvalidInput, p, fmt.Errorf("cannot create the root"))
	}
	if p.IsBucket() {
		return fs.createBucket(ctx, p)
	}

	if fs.opts.CheckDirectoryExistenceBeforeCreation || fs.opts.Backend == BackendMinio {
		info, err := fs.Stat(ctx, p)
		if err == nil && info.Type == TypeFile {
			return newErr("CreateDir", AlreadyExists, p, fmt.Errorf("a file already occupies this path"))
		}
	}

	if recursive {
		if err := fs.createBucket(ctx, Path{Bucket: p.Bucket}); err != nil && !errors.Is(err, ErrAlreadyExists) {
			return err
		}
		return fs.createMissingAncestors(ctx, p)
	}

	if p.HasParent() && p.Parent().HasParent() {
		parentInfo, err := fs.Stat(ctx, p.Parent())
		if err != nil {
			return err
		}
		if !parentInfo.IsDir() {
			return newErr("CreateDir", InvalidInput, p, fmt.Errorf("parent is not a directory"))
		}
	}
	return fs.putDirMarker(ctx, p)
}

func (fs *Filesystem) createBucket(ctx context.Context, p Path) error {
	if !fs.opts.AllowBucketCreation {
		return newErr("CreateBucket", InvalidInput, p, fmt.Errorf("bucket creation is disabled"))
	}
	client, lh, err := fs.holder.Lock()
	if err != nil {
		return err
	}

	region := fs.opts.Region
	if region == "" {
		region = defaultAWSRegion
	}
	// A bucket this Filesystem already owns may genuinely exist in a
	// different region than the configured default (e.g. a prior session
	// created it elsewhere); prefer that known region over the default to
	// avoid CreateBucket's IllegalLocationConstraintException on an
	// otherwise-idempotent re-create.
	if probed := fs.probeBucketRegion(ctx, client, p.Bucket); probed != "" {
		region = probed
	}
	// Release between the probe and CreateBucket (LockHandle rule).
	moveOut(lh).Release()

	client, lh, err = fs.holder.Lock()
	if err != nil {
		return err
	}
	defer moveOut(lh).Release()
	in := &s3.CreateBucketInput{Bucket: &p.Bucket}
	if fs.opts.Backend == BackendAWS && needsLocationConstraint(region) {
		in.CreateBucketConfiguration = &types.CreateBucketConfiguration{
			LocationConstraint: types.BucketLocationConstraint(region),
		}
	}
	err = fs.log.call("CreateBucket", p, func() error {
		_, cerr := client.CreateBucket(ctx, in)
		return cerr
	})
	if err != nil {
		if isAlreadyOwned(err) {
			return nil
		}
		return newErr("CreateBucket", IO, p, err)
	}
	return nil
}

// createMissingAncestors puts a directory marker for every level of p's
// key, top-down from the first segment to p itself. It does not check
// which markers already exist; each one is put unconditionally.
func (fs *Filesystem) createMissingAncestors(ctx context.Context, p Path) error {
	segs := strings.Split(p.Key, "/")
	cur := Path{Bucket: p.Bucket}
	for _, seg := range segs {
		cur = cur.Join(seg)
		if err := fs.putDirMarker(ctx, cur); err != nil {
			return err
		}
	}
	return nil
}

func (fs *Filesystem) putDirMarker(ctx context.Context, p Path) error {
	client, lh, err := fs.holder.Lock()
	if err != nil {
		return err
	}
	defer moveOut(lh).Release()

	key := dirMarkerKey(p.Key)
	ct := DirectoryContentType
	err = fs.log.call("PutObject", p, func() error {
		_, perr := client.PutObject(ctx, &s3.PutObjectInput{
			Bucket:      &p.Bucket,
			Key:         &key,
			ContentType: &ct,
			Body:        emptyReader{},
		})
		return perr
	})
	if err != nil {
		return newErr("PutObject", IO, p, err)
	}
	return nil
}

// DeleteDir implements §4.I's delete_dir(path).
func (fs *Filesystem) DeleteDir(ctx context.Context, p Path) error {
	if p.IsRoot() {
		return newErr("DeleteDir", NotImplemented, p, ErrNotImplemented)
	}
	if p.IsBucket() {
		if !fs.opts.AllowBucketDeletion {
			return newErr("DeleteBucket", InvalidInput, p, fmt.Errorf("bucket deletion is disabled"))
		}
		if err := fs.DeleteDirContents(ctx, p, true); err != nil {
			return err
		}
		client, lh, err := fs.holder.Lock()
		if err != nil {
			return err
		}
		defer moveOut(lh).Release()
		err = fs.log.call("DeleteBucket", p, func() error {
			_, derr := client.DeleteBucket(ctx, &s3.DeleteBucketInput{Bucket: &p.Bucket})
			return derr
		})
		if err != nil {
			return newErr("DeleteBucket", IO, p, err)
		}
		return nil
	}

	if err := fs.deleteAllUnder(ctx, p, false, false); err != nil {
		return err
	}
	if p.HasParent() {
		_ = fs.putDirMarker(ctx, p.Parent())
	}
	return nil
}

// DeleteDirContents implements §4.I's delete_dir_contents(path,
// missing_dir_ok).
func (fs *Filesystem) DeleteDirContents(ctx context.Context, p Path, missingDirOK bool) error {
	return fs.deleteAllUnder(ctx, p, missingDirOK, true)
}

// deleteAllUnder removes every object under p's prefix. keepMarker
// controls what happens to p's own directory marker: DeleteDirContents
// (true) recreates it so p stays an empty directory, while DeleteDir
// (false) deletes it along with the contents and only recreates its
// parent's marker.
func (fs *Filesystem) deleteAllUnder(ctx context.Context, p Path, missingDirOK bool, keepMarker bool) error {
	sel := Selector{BaseDir: p, Recursive: true, AllowNotFound: missingDirOK}
	var keys []string
	err := fs.list(ctx, sel, func(batch []FileInfo) error {
		for _, fi := range batch {
			key := fi.Path.Key
			if fi.IsDir() {
				key = dirMarkerKey(key)
			}
			keys = append(keys, key)
		}
		return nil
	})
	if err != nil {
		if missingDirOK && errors.Is(err, ErrNotFound) {
			return nil
		}
		return err
	}
	// The listing skips the exact-prefix marker key, so add it here when
	// p itself is being removed.
	if !keepMarker && p.HasParent() {
		keys = append(keys, dirMarkerKey(p.Key))
	}

	var errs []error
	for chunk := range chunkStrings(keys, 1000) {
		if derr := fs.deleteObjects(ctx, p.Bucket, chunk); derr != nil {
			errs = append(errs, derr)
		}
	}
	if agg := aggregateErrors("DeleteObjects", p, errs); agg != nil {
		return agg
	}

	if keepMarker && p.HasParent() {
		_ = fs.putDirMarker(ctx, p)
	}
	return nil
}

func (fs *Filesystem) deleteObjects(ctx context.Context, bucket string, keys []string) error {
	client, lh, err := fs.holder.Lock()
	if err != nil {
		return err
	}
	defer moveOut(lh).Release()

	objs := make([]types.ObjectIdentifier, len(keys))
	for i, k := range keys {
		k := k
		objs[i] = types.ObjectIdentifier{Key: &k}
	}
	out, err := callValue(fs.log, "DeleteObjects", Path{Bucket: bucket}, func() (*s3.DeleteObjectsOutput, error) {
		return client.DeleteObjects(ctx, &s3.DeleteObjectsInput{
			Bucket: &bucket,
			Delete: &types.Delete{Objects: objs},
		})
	})
	if err != nil {
		return err
	}
	var errs []error
	for _, e := range out.Errors {
		k := ""
		if e.Key != nil {
			k = *e.Key
		}
		msg := ""
		if e.Message != nil {
			msg = *e.Message
		}
		errs = append(errs, fmt.Errorf("%s: %s", k, msg))
	}
	if len(errs) > 0 {
		return aggregateErrors("DeleteObjects", Path{Bucket: bucket}, errs)
	}
	return nil
}

// DeleteFile implements §4.I's delete_file.
func (fs *Filesystem) DeleteFile(ctx context.Context, p Path) error {
	info, err := fs.Stat(ctx, p)
	if err != nil {
		return err
	}
	if info.IsDir() {
		return newErr("DeleteFile", InvalidInput, p, fmt.Errorf("path is a directory"))
	}

	client, lh, err := fs.holder.Lock()
	if err != nil {
		return err
	}
	err = fs.log.call("DeleteObject", p, func() error {
		_, derr := client.DeleteObject(ctx, &s3.DeleteObjectInput{Bucket: &p.Bucket, Key: &p.Key})
		return derr
	})
	lh.Release()
	if err != nil {
		return newErr("DeleteObject", IO, p, err)
	}
	if p.HasParent() {
		_ = fs.ensureParentMarker(ctx, p)
	}
	return nil
}

func (fs *Filesystem) ensureParentMarker(ctx context.Context, p Path) error {
	parent := p.Parent()
	if ok, _ := fs.probeNonEmptyDirectory(ctx, parent); ok {
		return nil
	}
	return fs.putDirMarker(ctx, parent)
}

// Move implements §4.I's move: copy then delete source. A no-op if src
// equals dest. Moving directories is not implemented.
func (fs *Filesystem) Move(ctx context.Context, src, dst Path) error {
	if src.Equal(dst) {
		return nil
	}
	info, err := fs.Stat(ctx, src)
	if err != nil {
		return err
	}
	if info.IsDir() {
		return newErr("Move", NotImplemented, src, ErrNotImplemented)
	}
	if err := fs.CopyFile(ctx, src, dst); err != nil {
		return err
	}
	return fs.DeleteFile(ctx, src)
}

// CopyFile implements §4.I's copy_file.
func (fs *Filesystem) CopyFile(ctx context.Context, src, dst Path) error {
	client, lh, err := fs.holder.Lock()
	if err != nil {
		return err
	}
	defer moveOut(lh).Release()

	copySrc := src.ToURLEncoded()
	in := &s3.CopyObjectInput{
		Bucket:     &dst.Bucket,
		Key:        &dst.Key,
		CopySource: &copySrc,
	}
	applySSECCopy(in, fs.opts.SSECustomerKey)
	err = fs.log.call("CopyObject", src, func() error {
		_, cerr := client.CopyObject(ctx, in)
		return cerr
	})
	if err != nil {
		if isNotFound(err) {
			return newErr("CopyObject", NotFound, src, ErrNotFound)
		}
		return newErr("CopyObject", IO, src, err)
	}
	return nil
}

// OpenInputStream opens p for random-access reads. If info is non-nil
// and carries a known size, the HEAD probe is elided.
func (fs *Filesystem) OpenInputStream(ctx context.Context, p Path, info *FileInfo) (*InputStream, error) {
	return fs.openInput(ctx, p, info)
}

// OpenOutputStream opens p for a fresh multipart-or-single-PUT write.
func (fs *Filesystem) OpenOutputStream(ctx context.Context, p Path, metadata Metadata) (*OutputStream, error) {
	return fs.openOutput(ctx, p, metadata)
}

// OpenAppendStream always fails: S3 objects cannot be appended to.
func (fs *Filesystem) OpenAppendStream(_ context.Context, p Path, _ Metadata) (*OutputStream, error) {
	return nil, newErr("OpenAppendStream", NotImplemented, p, ErrNotImplemented)
}

// --- shared small helpers ---

type emptyReader struct{}

func (emptyReader) Read(_ []byte) (int, error) { return 0, io.EOF }

// isNotFound reports whether err is an S3 404-class error (NoSuchKey,
// NoSuchBucket, NotFound).
func isNotFound(err error) bool {
	var apiErr smithy.APIError
	if errorsAs(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NoSuchKey", "NoSuchBucket", "NotFound", "404":
			return true
		}
	}
	var re *smithyhttp.ResponseError
	if errorsAs(err, &re) && re.HTTPStatusCode() == 404 {
		return true
	}
	return false
}

func isAlreadyOwned(err error) bool {
	var apiErr smithy.APIError
	if errorsAs(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "BucketAlreadyOwnedByYou":
			return true
		}
	}
	return false
}

func errorsAs(err error, target any) bool {
	return errors.As(err, target)
}

func applySSECRead(in *s3.GetObjectInput, key string) {
	if key == "" {
		return
	}
	in.SSECustomerKey = &key
	algo := "AES256"
	in.SSECustomerAlgorithm = &algo
}

func applySSECWrite(in *s3.PutObjectInput, key string) {
	if key == "" {
		return
	}
	in.SSECustomerKey = &key
	algo := "AES256"
	in.SSECustomerAlgorithm = &algo
}

func applySSECCopy(in *s3.CopyObjectInput, key string) {
	if key == "" {
		return
	}
	in.SSECustomerKey = &key
	in.CopySourceSSECustomerKey = &key
	algo := "AES256"
	in.SSECustomerAlgorithm = &algo
	in.CopySourceSSECustomerAlgorithm = &algo
}

func chunkStrings(items []string, size int) <-chan []string {
	out := make(chan []string)
	go func() {
		defer close(out)
		for i := 0; i < len(items); i += size {
			end := i + size
			if end > len(items) {
				end = len(items)
			}
			out <- items[i:end]
		}
	}()
	return out
}
