package s3fs

import (
	"errors"
	"fmt"

	"github.com/hashicorp/go-multierror"
)

// Kind classifies an Error for programmatic handling, mirroring the
// taxonomy every surfaced error is expected to fall into.
type Kind int

const (
	// Other is the zero Kind, used only for errors that genuinely don't
	// fit the taxonomy below (should be rare).
	Other Kind = iota
	InvalidInput
	NotFound
	AlreadyExists
	IO
	NotImplemented
	Finalized
	Cancelled
)

func (k Kind) String() string {
	switch k {
	case InvalidInput:
		return "InvalidInput"
	case NotFound:
		return "NotFound"
	case AlreadyExists:
		return "AlreadyExists"
	case IO:
		return "IO"
	case NotImplemented:
		return "NotImplemented"
	case Finalized:
		return "Finalized"
	case Cancelled:
		return "Cancelled"
	default:
		return "Other"
	}
}

// Error is the error type returned by every exported operation in this
// package. It names the S3 operation and the (bucket, key) context, per
// the user-visible rule that every surfaced IO error names both.
type Error struct {
	Op     string // S3 operation name, e.g. "HeadBucket", "CompleteMultipartUpload"
	Kind   Kind
	Bucket string
	Key    string
	Err    error
}

func (e *Error) Error() string {
	ctx := e.Bucket
	if e.Key != "" {
		ctx += "/" + e.Key
	}
	if ctx == "" {
		return fmt.Sprintf("s3fs: %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("s3fs: %s %s: %v", e.Op, ctx, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is allows errors.Is(err, s3fs.ErrNotFound) style sentinel checks without
// callers needing to unwrap to an *Error and compare Kind by hand.
func (e *Error) Is(target error) bool {
	k, ok := kindSentinel(target)
	return ok && e.Kind == k
}

// sentinel errors usable with errors.Is; they carry no context and are
// never returned directly — only *Error values wrapping one of these
// Kinds are.
var (
	ErrInvalidInput   = kindErr{InvalidInput}
	ErrNotFound       = kindErr{NotFound}
	ErrAlreadyExists  = kindErr{AlreadyExists}
	ErrIO             = kindErr{IO}
	ErrNotImplemented = kindErr{NotImplemented}
	ErrFinalized      = kindErr{Finalized}
	ErrCancelled      = kindErr{Cancelled}
)

type kindErr struct{ k Kind }

func (e kindErr) Error() string { return "s3fs: " + e.k.String() }

func kindSentinel(target error) (Kind, bool) {
	if ke, ok := target.(kindErr); ok {
		return ke.k, true
	}
	return 0, false
}

func errInvalidf(format string, a ...any) error {
	return fmt.Errorf(format, a...)
}

// newErr builds an *Error, defaulting Bucket/Key from p.
func newErr(op string, kind Kind, p Path, err error) *Error {
	return &Error{Op: op, Kind: kind, Bucket: p.Bucket, Key: p.Key, Err: err}
}

// aggregateErrors folds multiple per-key failures into a single IO Error,
// per the rule that multi-delete aggregates per-key errors into one IO
// error listing each. Returns nil if errs is empty after filtering nils.
func aggregateErrors(op string, p Path, errs []error) error {
	var merr *multierror.Error
	for _, e := range errs {
		if e != nil {
			merr = multierror.Append(merr, e)
		}
	}
	if merr == nil || merr.Len() == 0 {
		return nil
	}
	merr.ErrorFormat = func(es []error) string {
		points := make([]string, len(es))
		for i, e := range es {
			points[i] = e.Error()
		}
		return fmt.Sprintf("%d error(s) occurred: %s", len(es), joinSemicolon(points))
	}
	return newErr(op, IO, p, merr)
}

func joinSemicolon(ss []string) string {
	out := ""
	for i, s := range ss {
		if i > 0 {
			out += "; "
		}
		out += s
	}
	return out
}

// IsCancelled reports whether err is, or wraps, a Cancelled error or a
// context cancellation.
func IsCancelled(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrCancelled) {
		return true
	}
	var e *Error
	if errors.As(err, &e) && e.Kind == Cancelled {
		return true
	}
	return false
}
