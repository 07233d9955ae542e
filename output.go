package s3fs

import (
	"bytes"
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
)

// PartSize is the fixed size of each buffered part (§4.G constants).
const PartSize = 10 << 20 // 10 MiB

// MultipartThreshold is PartSize - 1: writes that never exceed this many
// total bytes may be flushed as a single PUT when allow_delayed_open is
// set.
const MultipartThreshold = PartSize - 1

// MaxParts is the S3 server-side limit on parts per multipart upload.
const MaxParts = 10000

type streamState int

const (
	stateOpen streamState = iota
	stateWriting
	stateClosing
	stateClosed
	stateFailed
)

// OutputStream is the write-side multipart upload state machine (§4.G).
// External writers are assumed single-threaded per stream; the internal
// mutex protects only the background-completion rendezvous, per §5.
type OutputStream struct {
	fs   *Filesystem
	path Path

	backgroundWrites bool
	allowDelayedOpen bool
	sseKey           string
	metadata         Metadata

	state       streamState
	uploadID    string
	hasUpload   bool
	partNumber  int
	current     bytes.Buffer
	totalBytes  int64

	mu                sync.Mutex
	parts             []types.CompletedPart // dense, part_number-1 indexed
	uploadsInProgress  int
	pendingCompletion  chan struct{}
	firstErr           error
}

// openOutput constructs a fresh OutputStream per §4.G's parameters. If
// !allow_delayed_open, a multipart upload is created immediately to
// validate write permission early.
func (fs *Filesystem) openOutput(ctx context.Context, p Path, metadata Metadata) (*OutputStream, error) {
	merged := Metadata{}
	for k, v := range fs.opts.DefaultMetadata {
		merged[k] = v
	}
	for k, v := range metadata {
		merged[k] = v
	}

	s := &OutputStream{
		fs:               fs,
		path:             p,
		backgroundWrites: fs.opts.BackgroundWrites,
		allowDelayedOpen: fs.opts.AllowDelayedOpen,
		sseKey:           fs.opts.SSECustomerKey,
		metadata:         merged,
		state:            stateOpen,
	}

	if !s.allowDelayedOpen {
		if err := s.createMultipart(ctx); err != nil {
			s.state = stateFailed
			return nil, err
		}
	}
	s.state = stateWriting
	return s, nil
}

func (s *OutputStream) createMultipart(ctx context.Context) error {
	client, lh, err := s.fs.holder.Lock()
	if err != nil {
		return err
	}
	defer moveOut(lh).Release()

	in := &s3.CreateMultipartUploadInput{
		Bucket: &s.path.Bucket,
		Key:    &s.path.Key,
	}
	applyWriteMetadata(in, s.metadata)
	applySSECMultipartCreate(in, s.sseKey)

	out, err := callValue(s.fs.log, "CreateMultipartUpload", s.path, func() (*s3.CreateMultipartUploadOutput, error) {
		return client.CreateMultipartUpload(ctx, in)
	})
	if err != nil {
		return newErr("CreateMultipartUpload", IO, s.path, err)
	}
	s.uploadID = *out.UploadId
	s.hasUpload = true
	return nil
}

// Write implements io.Writer, coalescing writes into the current 10 MiB
// part and dispatching whenever it fills.
func (s *OutputStream) Write(p []byte) (int, error) {
	ctx := s.fs.ctx()
	if s.state != stateWriting {
		return 0, newErr("Write", InvalidInput, s.path, fmt.Errorf("stream not writable in state %d", s.state))
	}

	written := 0
	for len(p) > 0 {
		// Large chunks that arrive with no partial current part go straight
		// to dispatch without a buffer copy, matching §4.G's "dispatched
		// directly" rule for inputs ≥ part size.
		if s.current.Len() == 0 && len(p) >= PartSize {
			if !s.hasUpload {
				if err := s.createMultipart(ctx); err != nil {
					s.fail(err)
					return written, err
				}
			}
			chunk := p[:PartSize]
			if s.backgroundWrites {
				// The executor goroutine may still be reading chunk after
				// Write returns and the caller reuses/overwrites p; copy
				// before handing it off, same as the buffered path below.
				chunk = append([]byte(nil), chunk...)
			}
			if err := s.dispatchPart(ctx, chunk); err != nil {
				s.fail(err)
				return written, err
			}
			s.totalBytes += PartSize
			written += PartSize
			p = p[PartSize:]
			continue
		}

		room := PartSize - s.current.Len()
		n := len(p)
		if n > room {
			n = room
		}
		s.current.Write(p[:n])
		written += n
		p = p[n:]
		s.totalBytes += int64(n)

		if s.current.Len() == PartSize {
			buf := append([]byte(nil), s.current.Bytes()...)
			s.current.Reset()
			// A part just filled. If allow_delayed_open deferred multipart
			// creation until now, this is the first overflow past the
			// single-PUT threshold, so create it.
			if !s.hasUpload {
				if err := s.createMultipart(ctx); err != nil {
					s.fail(err)
					return written, err
				}
			}
			if err := s.dispatchPart(ctx, buf); err != nil {
				s.fail(err)
				return written, err
			}
		}
	}
	return written, nil
}

// dispatchPart assigns the next part number to data and uploads it,
// synchronously or via the Executor depending on backgroundWrites.
func (s *OutputStream) dispatchPart(ctx context.Context, data []byte) error {
	s.partNumber++
	n := s.partNumber
	if n > MaxParts {
		return newErr("UploadPart", InvalidInput, s.path, fmt.Errorf("exceeded max parts (%d)", MaxParts))
	}

	upload := func() error {
		etag, err := s.uploadOnePart(ctx, n, data)
		s.mu.Lock()
		defer s.mu.Unlock()
		if err != nil {
			if s.firstErr == nil {
				s.firstErr = err
			}
			return err
		}
		s.setPart(n, etag)
		return nil
	}

	if !s.backgroundWrites || s.fs.executor == nil {
		return upload()
	}

	s.mu.Lock()
	if s.uploadsInProgress == 0 {
		s.pendingCompletion = make(chan struct{})
	}
	s.uploadsInProgress++
	fut := s.pendingCompletion
	s.mu.Unlock()

	s.fs.executor.Submit(func() {
		_ = upload()
		s.mu.Lock()
		s.uploadsInProgress--
		done := s.uploadsInProgress == 0
		s.mu.Unlock()
		// Signaled outside the mutex: closing this channel may re-enter
		// the stream via a waiting Close call, so the lock must already
		// be released (§4.G background-writes rule).
		if done {
			close(fut)
		}
	})
	return nil
}

func (s *OutputStream) setPart(n int, etag string) {
	for len(s.parts) < n {
		s.parts = append(s.parts, types.CompletedPart{})
	}
	pn := int32(n)
	e := etag
	s.parts[n-1] = types.CompletedPart{PartNumber: &pn, ETag: &e}
}

func (s *OutputStream) uploadOnePart(ctx context.Context, n int, data []byte) (string, error) {
	client, lh, err := s.fs.holder.Lock()
	if err != nil {
		return "", err
	}
	defer moveOut(lh).Release()

	pn := int32(n)
	in := &s3.UploadPartInput{
		Bucket:     &s.path.Bucket,
		Key:        &s.path.Key,
		UploadId:   &s.uploadID,
		PartNumber: &pn,
		Body:       bytes.NewReader(data),
	}
	applySSECUploadPart(in, s.sseKey)

	out, err := callValue(s.fs.log, "UploadPart", s.path, func() (*s3.UploadPartOutput, error) {
		return client.UploadPart(ctx, in)
	})
	if err != nil {
		return "", newErr("UploadPart", IO, s.path, err)
	}
	etag := ""
	if out.ETag != nil {
		etag = *out.ETag
	}
	return etag, nil
}

// awaitBackgroundUploads blocks until every in-flight background part
// upload has completed, per the close sequence's step 3.
func (s *OutputStream) awaitBackgroundUploads() error {
	s.mu.Lock()
	fut := s.pendingCompletion
	inFlight := s.uploadsInProgress > 0
	s.mu.Unlock()
	if inFlight && fut != nil {
		<-fut
	}
	s.mu.Lock()
	err := s.firstErr
	s.mu.Unlock()
	return err
}

func (s *OutputStream) fail(err error) {
	s.mu.Lock()
	if s.firstErr == nil {
		s.firstErr = err
	}
	s.mu.Unlock()
	s.state = stateFailed
}

// Close implements §4.G's close sequence: flush current part, upload an
// empty final part if nothing was ever uploaded, await background
// uploads, CompleteMultipartUpload (with the 200-with-embedded-error
// workaround), clear the client handle. Any failure transitions to
// Failed and aborts.
func (s *OutputStream) Close() error {
	if s.state == stateClosed {
		return nil
	}
	if s.state == stateFailed {
		_ = s.Abort()
		return newErr("Close", IO, s.path, fmt.Errorf("stream previously failed: %w", s.firstErrOrNil()))
	}
	s.state = stateClosing
	ctx := s.fs.ctx()

	if s.current.Len() > 0 {
		buf := append([]byte(nil), s.current.Bytes()...)
		s.current.Reset()
		if !s.hasUpload {
			if s.totalBytes > MultipartThreshold || !s.allowDelayedOpen {
				if err := s.createMultipart(ctx); err != nil {
					s.fail(err)
					_ = s.Abort()
					return err
				}
			}
		}
		if s.hasUpload {
			if err := s.dispatchPart(ctx, buf); err != nil {
				s.fail(err)
				_ = s.Abort()
				return err
			}
		} else {
			// Small write with allow_delayed_open: flush as a single PUT.
			if err := s.putSingle(ctx, buf); err != nil {
				s.fail(err)
				return err
			}
			s.state = stateClosed
			return nil
		}
	}

	if !s.hasUpload {
		if s.totalBytes == 0 {
			if err := s.putSingle(ctx, nil); err != nil {
				s.fail(err)
				return err
			}
			s.state = stateClosed
			return nil
		}
		s.state = stateClosed
		return nil
	}

	if s.partNumber == 0 {
		if err := s.dispatchPart(ctx, nil); err != nil {
			s.fail(err)
			_ = s.Abort()
			return err
		}
	}

	if err := s.awaitBackgroundUploads(); err != nil {
		s.fail(err)
		_ = s.Abort()
		return err
	}

	if err := s.completeMultipart(ctx); err != nil {
		s.fail(err)
		_ = s.Abort()
		return err
	}

	s.state = stateClosed
	return nil
}

func (s *OutputStream) firstErrOrNil() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.firstErr
}

func (s *OutputStream) putSingle(ctx context.Context, data []byte) error {
	client, lh, err := s.fs.holder.Lock()
	if err != nil {
		return err
	}
	defer moveOut(lh).Release()

	in := &s3.PutObjectInput{
		Bucket: &s.path.Bucket,
		Key:    &s.path.Key,
		Body:   bytes.NewReader(data),
	}
	applyWriteMetadataPut(in, s.metadata)
	applySSECWrite(in, s.sseKey)

	err = s.fs.log.call("PutObject", s.path, func() error {
		_, perr := client.PutObject(ctx, in)
		return perr
	})
	if err != nil {
		return newErr("PutObject", IO, s.path, err)
	}
	return nil
}

// completeMultipart sends CompleteMultipartUpload with the accumulated
// parts in order, consulting the 200-with-embedded-error workaround.
func (s *OutputStream) completeMultipart(ctx context.Context) error {
	ordered := make([]types.CompletedPart, len(s.parts))
	copy(ordered, s.parts)

	attempt := 0
	for {
		client, lh, err := s.fs.holder.Lock()
		if err != nil {
			return err
		}
		out, rawErr := callValue(s.fs.log, "CompleteMultipartUpload", s.path, func() (*s3.CompleteMultipartUploadOutput, error) {
			return client.CompleteMultipartUpload(ctx, &s3.CompleteMultipartUploadInput{
				Bucket:          &s.path.Bucket,
				Key:             &s.path.Key,
				UploadId:        &s.uploadID,
				MultipartUpload: &types.CompletedMultipartUpload{Parts: ordered},
			})
		})
		lh.Release()

		if rawErr != nil {
			return newErr("CompleteMultipartUpload", IO, s.path, rawErr)
		}

		if synthErr := checkEmbeddedError(out); synthErr != nil {
			strategy := s.fs.opts.RetryStrategy
			if strategy == nil {
				strategy = NewDefaultRetryStrategy()
			}
			detail := ErrorDetail{ErrorCode: synthErr.code, Message: synthErr.message, TransientHint: true}
			s.fs.log.warn("CompleteMultipartUpload", s.path, "embeddedError", synthErr.code)
			if strategy.ShouldRetry(detail, attempt) {
				delay := strategy.Delay(detail, attempt)
				time.Sleep(delay)
				attempt++
				continue
			}
			return newErr("CompleteMultipartUpload", IO, s.path, fmt.Errorf("%s: %s", synthErr.code, synthErr.message))
		}
		return nil
	}
}

type embeddedXMLError struct {
	code    string
	message string
}

// checkEmbeddedError implements §4.G's 200-OK-with-embedded-XML-error
// workaround. A genuine CompleteMultipartUploadResult body always
// carries at least one of ETag/Location once successfully unmarshaled;
// a response whose body was actually an embedded <Error> element fails
// to populate either, which is the signal this checks for rather than
// re-parsing the raw XML body a second time.
func checkEmbeddedError(out *s3.CompleteMultipartUploadOutput) *embeddedXMLError {
	if out == nil {
		return &embeddedXMLError{code: "InternalError", message: "empty CompleteMultipartUpload response"}
	}
	if out.ETag == nil && out.Location == nil {
		return &embeddedXMLError{code: "InternalError", message: "CompleteMultipartUpload response missing ETag/Location"}
	}
	return nil
}

// Abort implements §4.G's abort: if a multipart upload was created, send
// AbortMultipartUpload; drop the current part buffer; clear the client
// handle. Safe to call repeatedly.
func (s *OutputStream) Abort() error {
	if s.state == stateClosed {
		return nil
	}
	s.current.Reset()
	if !s.hasUpload {
		s.state = stateFailed
		return nil
	}
	ctx := s.fs.ctx()
	client, lh, err := s.fs.holder.Lock()
	if err != nil {
		s.state = stateFailed
		return nil
	}
	defer moveOut(lh).Release()
	_ = s.fs.log.call("AbortMultipartUpload", s.path, func() error {
		_, aerr := client.AbortMultipartUpload(ctx, &s3.AbortMultipartUploadInput{
			Bucket:   &s.path.Bucket,
			Key:      &s.path.Key,
			UploadId: &s.uploadID,
		})
		return aerr
	})
	s.hasUpload = false
	s.state = stateFailed
	return nil
}

func applyWriteMetadata(in *s3.CreateMultipartUploadInput, md Metadata) {
	if v, ok := md[MetaACL]; ok {
		in.ACL = types.ObjectCannedACL(v)
	}
	ct := DefaultContentType
	if v, ok := md[MetaContentType]; ok && v != "" {
		ct = v
	}
	in.ContentType = &ct
	if v, ok := md[MetaCacheControl]; ok {
		in.CacheControl = &v
	}
	if v, ok := md[MetaContentLanguage]; ok {
		in.ContentLanguage = &v
	}
	if v, ok := md[MetaExpires]; ok {
		if t, err := time.Parse(time.RFC3339, v); err == nil {
			in.Expires = &t
		}
	}
}

func applyWriteMetadataPut(in *s3.PutObjectInput, md Metadata) {
	if v, ok := md[MetaACL]; ok {
		in.ACL = types.ObjectCannedACL(v)
	}
	ct := DefaultContentType
	if v, ok := md[MetaContentType]; ok && v != "" {
		ct = v
	}
	in.ContentType = &ct
	if v, ok := md[MetaCacheControl]; ok {
		in.CacheControl = &v
	}
	if v, ok := md[MetaContentLanguage]; ok {
		in.ContentLanguage = &v
	}
	if v, ok := md[MetaExpires]; ok {
		if t, err := time.Parse(time.RFC3339, v); err == nil {
			in.Expires = &t
		}
	}
}

func applySSECMultipartCreate(in *s3.CreateMultipartUploadInput, key string) {
	if key == "" {
		return
	}
	k := key
	algo := "AES256"
	in.SSECustomerKey = &k
	in.SSECustomerAlgorithm = &algo
}

func applySSECUploadPart(in *s3.UploadPartInput, key string) {
	if key == "" {
		return
	}
	k := key
	algo := "AES256"
	in.SSECustomerKey = &k
	in.SSECustomerAlgorithm = &algo
}

