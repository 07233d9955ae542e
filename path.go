package s3fs

import (
	"net/url"
	"regexp"
	"strings"
)

// scheme is the only URI scheme accepted by Parse.
const scheme = "s3"

var schemeRe = regexp.MustCompile(`^[A-Za-z][A-Za-z0-9+.-]*://`)

// Path is the canonical representation of a bucket/key pair. Equality is
// by (Bucket, Key) only; the zero Path is the filesystem root.
type Path struct {
	Bucket string
	Key    string
}

// Parse splits s into a Path. Accepted forms are "bucket", "bucket/key",
// and "s3://bucket/key"; a leading slash, any other URI scheme, or a "."/
// ".." or empty intermediate segment is rejected.
func Parse(s string) (Path, error) {
	s = strings.TrimPrefix(s, "s3://")
	if schemeRe.MatchString(s) {
		return Path{}, &Error{Op: "Parse", Kind: InvalidInput, Err: errInvalidf("path %q looks like a URI with a non-s3 scheme", s)}
	}
	if strings.HasPrefix(s, "/") {
		return Path{}, &Error{Op: "Parse", Kind: InvalidInput, Err: errInvalidf("path %q must not start with '/'", s)}
	}

	s = strings.TrimSuffix(s, "/")
	if s == "" {
		return Path{}, nil
	}

	bucket, key, _ := strings.Cut(s, "/")
	p := Path{Bucket: bucket, Key: key}
	if err := p.validate(); err != nil {
		return Path{}, err
	}
	return p, nil
}

// MustParse is like Parse but panics on error. Intended for tests and
// static paths known to be valid.
func MustParse(s string) Path {
	p, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return p
}

func (p Path) validate() error {
	if p.Bucket == "" {
		return &Error{Op: "Parse", Kind: InvalidInput, Err: errInvalidf("path has no bucket")}
	}
	if p.Key == "" {
		return nil
	}
	for _, seg := range strings.Split(p.Key, "/") {
		switch seg {
		case "":
			return &Error{Op: "Parse", Kind: InvalidInput, Bucket: p.Bucket, Key: p.Key, Err: errInvalidf("empty path segment")}
		case ".", "..":
			return &Error{Op: "Parse", Kind: InvalidInput, Bucket: p.Bucket, Key: p.Key, Err: errInvalidf("%q is not a valid path segment", seg)}
		}
	}
	return nil
}

// IsRoot reports whether p is the filesystem root (no bucket).
func (p Path) IsRoot() bool {
	return p.Bucket == ""
}

// IsBucket reports whether p names a bucket with no key.
func (p Path) IsBucket() bool {
	return p.Bucket != "" && p.Key == ""
}

// HasParent reports whether p has a non-empty key, and therefore a parent
// path (the bucket itself, or a shorter key prefix).
func (p Path) HasParent() bool {
	return p.Key != ""
}

// Parent returns the path one level up. It panics if p has no parent;
// callers should check HasParent first.
func (p Path) Parent() Path {
	if !p.HasParent() {
		panic("s3fs: Parent called on a path with no parent")
	}
	idx := strings.LastIndexByte(p.Key, '/')
	if idx < 0 {
		return Path{Bucket: p.Bucket}
	}
	return Path{Bucket: p.Bucket, Key: p.Key[:idx]}
}

// Join returns a new Path with elem appended to the key with a "/"
// separator. elem must not itself contain a leading slash.
func (p Path) Join(elem string) Path {
	elem = strings.TrimPrefix(elem, "/")
	if p.Key == "" {
		return Path{Bucket: p.Bucket, Key: elem}
	}
	return Path{Bucket: p.Bucket, Key: p.Key + "/" + elem}
}

// Base returns the last key segment, or "" for a bucket-only or root path.
func (p Path) Base() string {
	if p.Key == "" {
		return ""
	}
	if idx := strings.LastIndexByte(p.Key, '/'); idx >= 0 {
		return p.Key[idx+1:]
	}
	return p.Key
}

// ToWire returns the "bucket/key" form used as the internal representation.
// Directory-marker keys are built from the key alone (see dirMarkerKey).
func (p Path) ToWire() string {
	if p.Key == "" {
		return p.Bucket
	}
	return p.Bucket + "/" + p.Key
}

// ToURLEncoded percent-encodes each "/"-delimited segment of the key
// individually, preserving the separators, and joins it back onto the
// bucket. This is the form required for x-amz-copy-source headers, which
// must be escaped but must not have their path separators encoded.
func (p Path) ToURLEncoded() string {
	if p.Key == "" {
		return url.PathEscape(p.Bucket)
	}
	segs := strings.Split(p.Key, "/")
	for i, s := range segs {
		segs[i] = url.PathEscape(s)
	}
	return url.PathEscape(p.Bucket) + "/" + strings.Join(segs, "/")
}

// String implements fmt.Stringer as the s3:// URI form.
func (p Path) String() string {
	if p.IsRoot() {
		return "s3://"
	}
	return "s3://" + p.ToWire()
}

// Equal reports whether p and other name the same bucket/key.
func (p Path) Equal(other Path) bool {
	return p.Bucket == other.Bucket && p.Key == other.Key
}

// IsDirKey reports whether key looks like a directory marker key (ends in
// "/"), independent of whether the object actually exists.
func IsDirKey(key string) bool {
	return strings.HasSuffix(key, "/")
}

// dirMarkerKey returns the key used for a directory marker object: the
// key with exactly one trailing slash.
func dirMarkerKey(key string) string {
	if key == "" || strings.HasSuffix(key, "/") {
		return key
	}
	return key + "/"
}
