package s3fs_test

import (
	"bytes"
	"context"
	"io"
	"strconv"

	"github.com/nabbar/s3fs"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

func newTestFilesystem(opts s3fs.Options) (*s3fs.Filesystem, *fakeS3) {
	fake := newFakeS3()
	fs, err := s3fs.NewFilesystemFromClient(fake, opts)
	Expect(err).NotTo(HaveOccurred())
	return fs, fake
}

var _ = Describe("Filesystem", func() {
	var ctx context.Context

	BeforeEach(func() {
		ctx = context.Background()
	})

	Context("CreateDir and Stat", func() {
		It("creates a bucket and reports it as a directory", func() {
			fs, _ := newTestFilesystem(s3fs.Options{AllowBucketCreation: true})
			bucket := s3fs.MustParse("bucket")
			Expect(fs.CreateDir(ctx, bucket, false)).To(Succeed())

			info, err := fs.Stat(ctx, bucket)
			Expect(err).NotTo(HaveOccurred())
			Expect(info.IsDir()).To(BeTrue())
		})

		It("creates recursive directory markers and is idempotent", func() {
			fs, _ := newTestFilesystem(s3fs.Options{AllowBucketCreation: true})
			dir := s3fs.MustParse("bucket/a/b/c")

			Expect(fs.CreateDir(ctx, dir, true)).To(Succeed())
			Expect(fs.CreateDir(ctx, dir, true)).To(Succeed())

			info, err := fs.Stat(ctx, dir)
			Expect(err).NotTo(HaveOccurred())
			Expect(info.IsDir()).To(BeTrue())
		})

		It("detects an implicit directory from a prefix with no marker", func() {
			fs, fake := newTestFilesystem(s3fs.Options{AllowBucketCreation: true})
			fake.ensureBucketLocked("bucket")
			fake.objects["bucket"]["dir/obj"] = &fakeObject{body: []byte("x")}

			info, err := fs.Stat(ctx, s3fs.MustParse("bucket/dir"))
			Expect(err).NotTo(HaveOccurred())
			Expect(info.Type).To(Equal(s3fs.TypeDirectory))
		})
	})

	Context("output stream — single PUT", func() {
		It("uploads small writes as one PutObject", func() {
			fs, fake := newTestFilesystem(s3fs.Options{AllowBucketCreation: true, AllowDelayedOpen: true})
			fake.ensureBucketLocked("bucket")

			out, err := fs.OpenOutputStream(ctx, s3fs.MustParse("bucket/a/b.dat"), nil)
			Expect(err).NotTo(HaveOccurred())

			payload := bytes.Repeat([]byte{0xAA}, 5*1024*1024)
			n, err := out.Write(payload)
			Expect(err).NotTo(HaveOccurred())
			Expect(n).To(Equal(len(payload)))
			Expect(out.Close()).To(Succeed())

			obj := fake.lookup("bucket", "a/b.dat")
			Expect(obj).NotTo(BeNil())
			Expect(len(obj.body)).To(Equal(5 * 1024 * 1024))
		})
	})

	Context("output stream — multipart", func() {
		It("splits a 25 MiB write with allow_delayed_open=false into three parts", func() {
			fs, fake := newTestFilesystem(s3fs.Options{AllowBucketCreation: true, AllowDelayedOpen: false})
			fake.ensureBucketLocked("bucket")

			out, err := fs.OpenOutputStream(ctx, s3fs.MustParse("bucket/c.bin"), nil)
			Expect(err).NotTo(HaveOccurred())

			chunk := bytes.Repeat([]byte{0x01}, 1024*1024)
			total := 0
			for total < 25*1024*1024 {
				n, err := out.Write(chunk)
				Expect(err).NotTo(HaveOccurred())
				total += n
			}
			Expect(out.Close()).To(Succeed())

			obj := fake.lookup("bucket", "c.bin")
			Expect(obj).NotTo(BeNil())
			Expect(len(obj.body)).To(Equal(25 * 1024 * 1024))
		})
	})

	Context("delete_dir_contents", func() {
		It("deletes in batches of 1000 and recreates the directory marker", func() {
			fs, fake := newTestFilesystem(s3fs.Options{AllowBucketCreation: true})
			fake.ensureBucketLocked("bucket")
			for i := 0; i < 2500; i++ {
				key := s3fs.MustParse("bucket/d").Join(strconv.Itoa(i)).Key
				fake.objects["bucket"][key] = &fakeObject{body: []byte("x")}
			}

			Expect(fs.DeleteDirContents(ctx, s3fs.MustParse("bucket/d"), false)).To(Succeed())

			remaining := 0
			for k := range fake.objects["bucket"] {
				if len(k) > 2 && k[:2] == "d/" {
					remaining++
				}
			}
			Expect(remaining).To(Equal(0))
			Expect(fake.deleteBatches).To(Equal([]int{1000, 1000, 500}))
			Expect(fake.lookup("bucket", "d/")).NotTo(BeNil())
		})
	})

	Context("delete_dir", func() {
		It("removes the directory itself, not just its contents", func() {
			fs, fake := newTestFilesystem(s3fs.Options{AllowBucketCreation: true})
			fake.ensureBucketLocked("bucket")
			dir := s3fs.MustParse("bucket/d")
			Expect(fs.CreateDir(ctx, dir, true)).To(Succeed())
			fake.objects["bucket"][dir.Join("f").Key] = &fakeObject{body: []byte("x")}

			Expect(fs.DeleteDir(ctx, dir)).To(Succeed())

			info, err := fs.Stat(ctx, dir)
			Expect(err).To(HaveOccurred())
			Expect(info.Type).To(Equal(s3fs.TypeNotFound))
		})
	})

	Context("Move", func() {
		It("is a no-op when source equals destination", func() {
			fs, fake := newTestFilesystem(s3fs.Options{AllowBucketCreation: true})
			fake.ensureBucketLocked("bucket")
			fake.objects["bucket"]["a"] = &fakeObject{body: []byte("x")}

			p := s3fs.MustParse("bucket/a")
			Expect(fs.Move(ctx, p, p)).To(Succeed())
			Expect(fake.lookup("bucket", "a")).NotTo(BeNil())
		})

		It("copies then deletes the source", func() {
			fs, fake := newTestFilesystem(s3fs.Options{AllowBucketCreation: true})
			fake.ensureBucketLocked("bucket")
			fake.objects["bucket"]["src"] = &fakeObject{body: []byte("payload")}

			Expect(fs.Move(ctx, s3fs.MustParse("bucket/src"), s3fs.MustParse("bucket/dst"))).To(Succeed())

			_, err := fs.Stat(ctx, s3fs.MustParse("bucket/src"))
			Expect(err).To(HaveOccurred())
			info, err := fs.Stat(ctx, s3fs.MustParse("bucket/dst"))
			Expect(err).NotTo(HaveOccurred())
			Expect(info.Type).To(Equal(s3fs.TypeFile))
		})
	})

	Context("OpenAppendStream", func() {
		It("always returns NotImplemented", func() {
			fs, _ := newTestFilesystem(s3fs.Options{})
			_, err := fs.OpenAppendStream(ctx, s3fs.MustParse("bucket/a"), nil)
			Expect(err).To(HaveOccurred())
			Expect(err).To(MatchError(s3fs.ErrNotImplemented))
		})
	})

	Context("round-trip write/read (P1)", func() {
		It("reads back exactly what was written, with matching size and metadata", func() {
			fs, fake := newTestFilesystem(s3fs.Options{AllowBucketCreation: true, AllowDelayedOpen: true})
			fake.ensureBucketLocked("bucket")

			payload := bytes.Repeat([]byte{0x5A}, 37)
			out, err := fs.OpenOutputStream(ctx, s3fs.MustParse("bucket/roundtrip.dat"), nil)
			Expect(err).NotTo(HaveOccurred())
			_, err = out.Write(payload)
			Expect(err).NotTo(HaveOccurred())
			Expect(out.Close()).To(Succeed())

			info, err := fs.Stat(ctx, s3fs.MustParse("bucket/roundtrip.dat"))
			Expect(err).NotTo(HaveOccurred())
			Expect(info.Size).To(Equal(int64(len(payload))))

			in, err := fs.OpenInputStream(ctx, s3fs.MustParse("bucket/roundtrip.dat"), nil)
			Expect(err).NotTo(HaveOccurred())
			Expect(in.Metadata()).To(HaveKeyWithValue(s3fs.MetaContentLength, "37"))
			Expect(in.Metadata()).To(HaveKeyWithValue(s3fs.MetaContentType, s3fs.DefaultContentType))
			got := make([]byte, len(payload))
			n, err := in.Read(got)
			// A read that exactly reaches the object's end is allowed to
			// report io.EOF alongside the final bytes, per the io.Reader
			// contract.
			if err != nil {
				Expect(err).To(MatchError(io.EOF))
			}
			Expect(n).To(Equal(len(payload)))
			Expect(got).To(Equal(payload))
			Expect(in.Close()).To(Succeed())
		})
	})

	Context("listing consistency across pages (P3)", func() {
		It("produces every key exactly once across a multi-page continuation-token walk", func() {
			fs, fake := newTestFilesystem(s3fs.Options{AllowBucketCreation: true})
			fake.ensureBucketLocked("bucket")
			const total = 2500 // spans 3 pages at the 1000-key page size (§4.H)
			for i := 0; i < total; i++ {
				key := s3fs.MustParse("bucket/p").Join(strconv.Itoa(i)).Key
				fake.objects["bucket"][key] = &fakeObject{body: []byte("x")}
			}

			sel := s3fs.Selector{BaseDir: s3fs.MustParse("bucket/p"), Recursive: true}
			seen := map[string]int{}
			batches := 0
			for batch := range fs.List(ctx, sel) {
				Expect(batch.Err).NotTo(HaveOccurred())
				batches++
				for _, fi := range batch.Entries {
					seen[fi.Path.Key]++
				}
			}
			Expect(batches).To(BeNumerically(">", 1))
			Expect(seen).To(HaveLen(total))
			for k, count := range seen {
				Expect(count).To(Equal(1), "key %q should be emitted exactly once", k)
			}
		})
	})

	Context("finalizer safety (P5)", func() {
		It("rejects further operations once Close has run", func() {
			fs, fake := newTestFilesystem(s3fs.Options{AllowBucketCreation: true})
			fake.ensureBucketLocked("bucket")

			Expect(fs.Close()).To(Succeed())
			Expect(fs.Close()).To(Succeed()) // idempotent

			_, err := fs.Stat(ctx, s3fs.MustParse("bucket/a"))
			Expect(err).To(HaveOccurred())
		})
	})

	Context("idempotent directory creation (P6)", func() {
		It("creating the same directory concurrently settles on one directory entry", func() {
			fs, _ := newTestFilesystem(s3fs.Options{AllowBucketCreation: true})
			dir := s3fs.MustParse("bucket/x/y")

			done := make(chan error, 4)
			for i := 0; i < 4; i++ {
				go func() { done <- fs.CreateDir(ctx, dir, true) }()
			}
			for i := 0; i < 4; i++ {
				Expect(<-done).To(Succeed())
			}

			info, err := fs.Stat(ctx, dir)
			Expect(err).NotTo(HaveOccurred())
			Expect(info.IsDir()).To(BeTrue())
		})
	})

	Context("move symmetry (P7)", func() {
		It("leaves the destination identical in content to the original source", func() {
			fs, fake := newTestFilesystem(s3fs.Options{AllowBucketCreation: true})
			fake.ensureBucketLocked("bucket")
			fake.objects["bucket"]["src2"] = &fakeObject{body: []byte("move-me")}

			srcInfo, err := fs.Stat(ctx, s3fs.MustParse("bucket/src2"))
			Expect(err).NotTo(HaveOccurred())

			Expect(fs.Move(ctx, s3fs.MustParse("bucket/src2"), s3fs.MustParse("bucket/dst2"))).To(Succeed())

			dstInfo, err := fs.Stat(ctx, s3fs.MustParse("bucket/dst2"))
			Expect(err).NotTo(HaveOccurred())
			Expect(dstInfo.Size).To(Equal(srcInfo.Size))

			obj := fake.lookup("bucket", "dst2")
			Expect(obj).NotTo(BeNil())
			Expect(string(obj.body)).To(Equal("move-me"))
		})
	})
})
