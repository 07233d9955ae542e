package s3fs

import (
	"context"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"golang.org/x/sync/errgroup"
)

// Selector configures one listing run (§4.H).
type Selector struct {
	BaseDir       Path
	Recursive     bool
	MaxRecursion  int // 0 means unbounded
	AllowNotFound bool
}

const listPageSize = 1000

// ListBatch is one page of the lazy sequence Filesystem.List produces.
type ListBatch struct {
	Entries []FileInfo
	Err     error
}

// List returns a channel streaming pages of FileInfo per §4.H. The
// channel is closed once the listing completes or fails; a failure is
// delivered as the final batch's Err.
func (fs *Filesystem) List(ctx context.Context, sel Selector) <-chan ListBatch {
	out := make(chan ListBatch)
	go func() {
		defer close(out)
		if sel.BaseDir.IsRoot() {
			fs.listFullAccount(ctx, sel, out)
			return
		}
		fs.listOnePrefix(ctx, sel.BaseDir, sel, out)
	}()
	return out
}

// list is a convenience wrapper for internal callers (e.g.
// deleteAllUnder) that want every entry without managing the channel by
// hand.
func (fs *Filesystem) list(ctx context.Context, sel Selector, fn func([]FileInfo) error) error {
	for batch := range fs.List(ctx, sel) {
		if batch.Err != nil {
			return batch.Err
		}
		if err := fn(batch.Entries); err != nil {
			return err
		}
	}
	return nil
}

// listFullAccount implements §4.H's full-bucket mode: list buckets,
// emit each as a Directory, and — when recursive — fan out a per-bucket
// recursive list in parallel through an errgroup, all writing into the
// same sink. Grounded in the pack's MultiDelete worker-pool-over-channel
// idiom, generalized from delete chunks to list pages.
func (fs *Filesystem) listFullAccount(ctx context.Context, sel Selector, sink chan<- ListBatch) {
	client, lh, err := fs.holder.Lock()
	if err != nil {
		sink <- ListBatch{Err: err}
		return
	}
	out, err := callValue(fs.log, "ListBuckets", Path{}, func() (*s3.ListBucketsOutput, error) {
		return client.ListBuckets(ctx, &s3.ListBucketsInput{})
	})
	lh.Release()
	if err != nil {
		sink <- ListBatch{Err: newErr("ListBuckets", IO, Path{}, err)}
		return
	}

	var names []string
	entries := make([]FileInfo, 0, len(out.Buckets))
	for _, b := range out.Buckets {
		if b.Name == nil {
			continue
		}
		names = append(names, *b.Name)
		entries = append(entries, FileInfo{Path: Path{Bucket: *b.Name}, Type: TypeDirectory})
	}
	sink <- ListBatch{Entries: entries}

	if !sel.Recursive {
		return
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(fs.executor.Capacity())
	for _, name := range names {
		name := name
		g.Go(func() error {
			sub := sel
			sub.BaseDir = Path{Bucket: name}
			sub.AllowNotFound = true
			for batch := range fs.List(gctx, sub) {
				sink <- batch
				if batch.Err != nil {
					return batch.Err
				}
			}
			return nil
		})
	}
	_ = g.Wait()
}

// listOnePrefix implements §4.H's per-prefix pagination for one bucket.
func (fs *Filesystem) listOnePrefix(ctx context.Context, base Path, sel Selector, sink chan<- ListBatch) {
	prefix := ""
	if base.Key != "" {
		prefix = base.Key + "/"
	}

	seenDirs := map[string]struct{}{}
	produced := false
	var cont *string

	for {
		client, lh, err := fs.holder.Lock()
		if err != nil {
			sink <- ListBatch{Err: err}
			return
		}
		in := &s3.ListObjectsV2Input{
			Bucket:  &base.Bucket,
			Prefix:  &prefix,
			MaxKeys: aws.Int32(listPageSize),
		}
		if !sel.Recursive {
			delim := "/"
			in.Delimiter = &delim
		}
		if cont != nil {
			in.ContinuationToken = cont
		}
		out, err := callValue(fs.log, "ListObjectsV2", base, func() (*s3.ListObjectsV2Output, error) {
			return client.ListObjectsV2(ctx, in)
		})
		lh.Release()
		if err != nil {
			sink <- ListBatch{Err: newErr("ListObjectsV2", IO, base, err)}
			return
		}

		entries, nonEmpty := classifyPage(out, prefix, base, sel, seenDirs)
		if nonEmpty {
			produced = true
		}
		if len(entries) > 0 {
			sink <- ListBatch{Entries: entries}
		}

		if out.IsTruncated == nil || !*out.IsTruncated {
			break
		}
		cont = out.NextContinuationToken
	}

	if prefix != "" && !produced && !sel.AllowNotFound {
		sink <- ListBatch{Err: newErr("ListObjectsV2", NotFound, base, ErrNotFound)}
	}
}

// classifyPage implements §4.H's per-page entry classification and
// implicit-directory synthesis.
func classifyPage(out *s3.ListObjectsV2Output, prefix string, base Path, sel Selector, seenDirs map[string]struct{}) ([]FileInfo, bool) {
	var entries []FileInfo
	nonEmpty := false

	for _, cp := range out.CommonPrefixes {
		if cp.Prefix == nil {
			continue
		}
		nonEmpty = true
		key := strings.TrimSuffix(*cp.Prefix, "/")
		if _, ok := seenDirs[key]; ok {
			continue
		}
		seenDirs[key] = struct{}{}
		entries = append(entries, FileInfo{Path: Path{Bucket: base.Bucket, Key: key}, Type: TypeDirectory})
	}

	for _, obj := range out.Contents {
		if obj.Key == nil {
			continue
		}
		key := *obj.Key
		if key == prefix {
			nonEmpty = true
			continue
		}
		nonEmpty = true

		depth := keyDepth(key, prefix)
		size := int64(0)
		if obj.Size != nil {
			size = *obj.Size
		}

		if sel.MaxRecursion > 0 && depth > sel.MaxRecursion {
			// Per the truncation ambiguity noted in the design notes, the
			// truncated ancestor is always emitted as a directory, along
			// with its own ancestors back to the prefix base.
			ancestor := truncatedAncestor(key, prefix, sel.MaxRecursion)
			if _, ok := seenDirs[ancestor]; !ok && ancestor != "" {
				seenDirs[ancestor] = struct{}{}
				entries = append(entries, FileInfo{Path: Path{Bucket: base.Bucket, Key: ancestor}, Type: TypeDirectory})
			}
			emitImplicitAncestors(base, ancestor, prefix, seenDirs, &entries)
			continue
		}

		if size == 0 && IsDirKey(key) {
			dirKey := strings.TrimSuffix(key, "/")
			if _, ok := seenDirs[dirKey]; !ok {
				seenDirs[dirKey] = struct{}{}
				entries = append(entries, FileInfo{Path: Path{Bucket: base.Bucket, Key: dirKey}, Type: TypeDirectory})
			}
		} else {
			fi := FileInfo{Path: Path{Bucket: base.Bucket, Key: key}, Type: TypeFile, Size: size}
			if obj.LastModified != nil {
				fi.ModTime = *obj.LastModified
			}
			entries = append(entries, fi)
			emitImplicitAncestors(base, key, prefix, seenDirs, &entries)
		}
	}

	return entries, nonEmpty
}

// keyDepth computes depth(child_key) - depth(prefix) - 1: a file
// directly inside the prefix has depth 0.
func keyDepth(key, prefix string) int {
	rest := strings.TrimPrefix(key, prefix)
	if rest == "" {
		return 0
	}
	return strings.Count(rest, "/")
}

// truncatedAncestor returns the key prefix of key truncated to
// maxRecursion levels below prefix, per the ambiguity noted in spec §9:
// the truncated ancestor is always emitted as a directory.
func truncatedAncestor(key, prefix string, maxRecursion int) string {
	rest := strings.TrimPrefix(key, prefix)
	segs := strings.Split(rest, "/")
	if len(segs) <= maxRecursion+1 {
		return strings.TrimSuffix(key, "/")
	}
	truncated := strings.Join(segs[:maxRecursion+1], "/")
	return strings.TrimSuffix(prefix+truncated, "/")
}

// emitImplicitAncestors walks parent-wards from key until prefix's base
// is reached, emitting a Directory entry for each new parent not yet in
// seenDirs (§3's "implicit directory").
func emitImplicitAncestors(base Path, key, prefix string, seenDirs map[string]struct{}, entries *[]FileInfo) {
	rest := strings.TrimPrefix(strings.TrimSuffix(key, "/"), prefix)
	segs := strings.Split(rest, "/")
	for i := 1; i < len(segs); i++ {
		ancestorRest := strings.Join(segs[:i], "/")
		ancestorKey := strings.TrimSuffix(prefix+ancestorRest, "/")
		if ancestorKey == "" {
			continue
		}
		if _, ok := seenDirs[ancestorKey]; ok {
			continue
		}
		seenDirs[ancestorKey] = struct{}{}
		*entries = append(*entries, FileInfo{Path: Path{Bucket: base.Bucket, Key: ancestorKey}, Type: TypeDirectory})
	}
}
