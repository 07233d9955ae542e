// Package s3fs presents an S3 bucket as a hierarchical filesystem.
//
// S3 itself is flat: a bucket holds keys, not directories. This package
// synthesizes directories from key prefixes, emulates mkdir/rmdir with
// zero-byte marker objects, and translates stat/list/open/move/copy into
// the small set of S3 REST calls that back them. The hard parts are the
// multipart upload write path (see OutputStream) and the paginated,
// recursion-bounded listing engine (see Selector/Filesystem.List), both of which
// have to cope with a backend that has no native append and no native
// directory.
//
// Append is not supported: S3 objects cannot be appended to, and
// OpenAppendStream always returns ErrNotImplemented. Renaming a directory
// is not supported either; Move only works on individual objects.
package s3fs
