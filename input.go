package s3fs

import (
	"context"
	"fmt"
	"io"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// InputStream is a random-access reader over one S3 object. It is safe
// for sequential use from one goroutine; concurrent Read/ReadAt/Seek/
// Close calls are not synchronized.
type InputStream struct {
	fs       *Filesystem
	path     Path
	size     int64
	metadata Metadata
	pos      int64
	closed   bool
}

// openInput implements §4.F's open policy: if info carries a
// non-negative size and a Type other than TypeUnknown, HEAD is skipped
// and metadata comes back empty;
// otherwise a HEAD fetches both size and metadata. A missing object
// surfaces as NotFound.
func (fs *Filesystem) openInput(ctx context.Context, p Path, info *FileInfo) (*InputStream, error) {
	if info != nil && info.Size >= 0 && info.Type != TypeUnknown {
		return &InputStream{fs: fs, path: p, size: info.Size}, nil
	}

	client, lh, err := fs.holder.Lock()
	if err != nil {
		return nil, err
	}
	defer moveOut(lh).Release()

	out, err := callValue(fs.log, "HeadObject", p, func() (*s3.HeadObjectOutput, error) {
		return client.HeadObject(ctx, &s3.HeadObjectInput{Bucket: &p.Bucket, Key: &p.Key})
	})
	if err != nil {
		if isNotFound(err) {
			return nil, newErr("HeadObject", NotFound, p, ErrNotFound)
		}
		return nil, newErr("HeadObject", IO, p, err)
	}

	md := headOutputMetadata(out)
	size := int64(0)
	if out.ContentLength != nil {
		size = *out.ContentLength
	}
	return &InputStream{fs: fs, path: p, size: size, metadata: md}, nil
}

func headOutputMetadata(out *s3.HeadObjectOutput) Metadata {
	md := Metadata{}
	if out.ContentLength != nil {
		md[MetaContentLength] = fmt.Sprintf("%d", *out.ContentLength)
	}
	if out.CacheControl != nil {
		md[MetaCacheControl] = *out.CacheControl
	}
	if out.ContentType != nil {
		md[MetaContentType] = *out.ContentType
	}
	if out.ContentLanguage != nil {
		md[MetaContentLanguage] = *out.ContentLanguage
	}
	if out.ETag != nil {
		md[MetaETag] = *out.ETag
	}
	if out.VersionId != nil {
		md[MetaVersionID] = *out.VersionId
	}
	if out.LastModified != nil {
		md[MetaLastModified] = out.LastModified.UTC().Format("2006-01-02T15:04:05Z07:00")
	}
	if out.ExpiresString != nil {
		md[MetaExpires] = *out.ExpiresString
	}
	return md
}

// Size returns the object's content length, resolved at open time.
func (s *InputStream) Size() int64 { return s.size }

// Metadata returns the metadata resolved at open time (empty if the
// caller supplied a size up front and HEAD was elided).
func (s *InputStream) Metadata() Metadata { return s.metadata }

// Seek repositions the stream. Negative resulting offsets are rejected.
func (s *InputStream) Seek(offset int64, whence int) (int64, error) {
	if s.closed {
		return 0, newErr("Seek", InvalidInput, s.path, fmt.Errorf("stream closed"))
	}
	var next int64
	switch whence {
	case io.SeekStart:
		next = offset
	case io.SeekCurrent:
		next = s.pos + offset
	case io.SeekEnd:
		next = s.size + offset
	default:
		return 0, newErr("Seek", InvalidInput, s.path, fmt.Errorf("invalid whence %d", whence))
	}
	if next < 0 {
		return 0, newErr("Seek", InvalidInput, s.path, fmt.Errorf("negative position %d", next))
	}
	s.pos = next
	return s.pos, nil
}

// Read fills buf starting at the stream's current position, issuing one
// ranged GET, and advances the position by the number of bytes read.
func (s *InputStream) Read(buf []byte) (int, error) {
	n, err := s.ReadAt(buf, s.pos)
	s.pos += int64(n)
	return n, err
}

// ReadAt issues a single ranged GET covering exactly
// min(len(buf), size-offset) bytes. Reads past EOF are truncated to 0
// bytes with io.EOF; negative offsets are rejected; reads on a closed
// stream fail with InvalidInput.
func (s *InputStream) ReadAt(buf []byte, offset int64) (int, error) {
	if s.closed {
		return 0, newErr("ReadAt", InvalidInput, s.path, fmt.Errorf("stream closed"))
	}
	if offset < 0 {
		return 0, newErr("ReadAt", InvalidInput, s.path, fmt.Errorf("negative offset %d", offset))
	}
	if offset >= s.size {
		return 0, io.EOF
	}

	want := int64(len(buf))
	if offset+want > s.size {
		want = s.size - offset
	}
	if want <= 0 {
		return 0, io.EOF
	}

	client, lh, err := s.fs.holder.Lock()
	if err != nil {
		return 0, err
	}
	defer moveOut(lh).Release()

	in := &s3.GetObjectInput{
		Bucket: &s.path.Bucket,
		Key:    &s.path.Key,
		Range:  aws.String(fmt.Sprintf("bytes=%d-%d", offset, offset+want-1)),
	}
	applySSECRead(in, s.fs.opts.SSECustomerKey)

	out, err := callValue(s.fs.log, "GetObject", s.path, func() (*s3.GetObjectOutput, error) {
		return client.GetObject(s.fs.ctx(), in)
	})
	if err != nil {
		if isNotFound(err) {
			return 0, newErr("GetObject", NotFound, s.path, ErrNotFound)
		}
		return 0, newErr("GetObject", IO, s.path, err)
	}
	defer out.Body.Close()

	n, err := io.ReadFull(out.Body, buf[:want])
	if err != nil && err != io.ErrUnexpectedEOF {
		return n, newErr("GetObject", IO, s.path, err)
	}
	var retErr error
	if offset+int64(n) >= s.size {
		retErr = io.EOF
	}
	return n, retErr
}

// Close marks the stream closed; subsequent reads fail.
func (s *InputStream) Close() error {
	s.closed = true
	return nil
}
