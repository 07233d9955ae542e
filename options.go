package s3fs

import (
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/sirupsen/logrus"
)

// Backend identifies the concrete S3 implementation behind the endpoint.
// A few code paths branch on this to paper over backend-specific quirks
// (see CreateDir's existence check for Minio and createBucket's
// LocationConstraint for AWS).
type Backend int

const (
	BackendAWS Backend = iota
	BackendMinio
	BackendOther
)

func (b Backend) String() string {
	switch b {
	case BackendMinio:
		return "minio"
	case BackendOther:
		return "other"
	default:
		return "aws"
	}
}

// Options configures a Filesystem. Fields map directly onto spec §4.D /
// §6's configuration surface.
type Options struct {
	Region   string `validate:"omitempty,printascii"`
	Scheme   string `validate:"omitempty,oneof=http https"`
	Endpoint string `validate:"omitempty,hostname_port|hostname|fqdn"`
	Backend  Backend

	RequestTimeout time.Duration `validate:"omitempty,min=0"`
	ConnectTimeout time.Duration `validate:"omitempty,min=0"`

	RetryStrategy RetryStrategy

	TLSCAFile string
	TLSCADir  string
	ProxyURL  string `validate:"omitempty,url"`
	NetworkInterface string

	AllowBucketCreation                  bool
	AllowBucketDeletion                  bool
	BackgroundWrites                     bool
	AllowDelayedOpen                     bool
	DefaultMetadata                      Metadata
	SSECustomerKey                       string
	ForceVirtualAddressing               *bool
	CheckDirectoryExistenceBeforeCreation bool

	// Executor drives background part uploads; its Capacity also caps the
	// full-account listing fan-out. If
	// nil, NewFilesystem installs a default backed by a bounded
	// semaphore.Weighted with capacity 8.
	Executor Executor

	// Logger receives one structured entry per S3 call. If nil,
	// NewFilesystem installs a logger with output discarded.
	Logger *logrus.Logger
}

var validate = validator.New()

// Validate runs struct-tag validation over o and returns an InvalidInput
// Error naming the offending field, or nil.
func (o Options) Validate() error {
	if err := validate.Struct(o); err != nil {
		if verrs, ok := err.(validator.ValidationErrors); ok && len(verrs) > 0 {
			fe := verrs[0]
			return &Error{
				Op:   "Validate",
				Kind: InvalidInput,
				Err:  errInvalidf("option %q fails constraint %q", fe.StructNamespace(), fe.ActualTag()),
			}
		}
		return &Error{Op: "Validate", Kind: InvalidInput, Err: err}
	}
	return nil
}

// virtualAddressing reports whether virtual-host-style bucket addressing
// should be used: enabled unless an endpoint override is set, unless the
// user forced a value either way.
func (o Options) virtualAddressing() bool {
	if o.ForceVirtualAddressing != nil {
		return *o.ForceVirtualAddressing
	}
	return o.Endpoint == ""
}

// BoolPtr returns a pointer to b, for populating Options.ForceVirtualAddressing
// (a *bool distinguishes "unset" from "explicitly false") without a local
// variable at every call site, matching the aws.Bool/aws.String convenience
// helpers the SDK itself provides for its own pointer-typed fields.
func BoolPtr(b bool) *bool { return &b }
