package s3fs_test

import (
	"github.com/nabbar/s3fs"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var _ = Describe("Path", func() {
	Context("Parse", func() {
		It("accepts bucket-only paths", func() {
			p, err := s3fs.Parse("my-bucket")
			Expect(err).NotTo(HaveOccurred())
			Expect(p.Bucket).To(Equal("my-bucket"))
			Expect(p.Key).To(Equal(""))
			Expect(p.IsBucket()).To(BeTrue())
		})

		It("accepts bucket/key paths with an s3:// prefix", func() {
			p, err := s3fs.Parse("s3://my-bucket/a/b.dat")
			Expect(err).NotTo(HaveOccurred())
			Expect(p.Bucket).To(Equal("my-bucket"))
			Expect(p.Key).To(Equal("a/b.dat"))
		})

		It("strips a trailing slash before parsing", func() {
			p, err := s3fs.Parse("my-bucket/dir/")
			Expect(err).NotTo(HaveOccurred())
			Expect(p.Key).To(Equal("dir"))
		})

		It("rejects a leading slash", func() {
			_, err := s3fs.Parse("/my-bucket/key")
			Expect(err).To(HaveOccurred())
		})

		It("rejects a non-s3 URI scheme", func() {
			_, err := s3fs.Parse("gs://my-bucket/key")
			Expect(err).To(HaveOccurred())
		})

		It("rejects '.' and '..' segments", func() {
			_, err := s3fs.Parse("my-bucket/a/../b")
			Expect(err).To(HaveOccurred())
			_, err = s3fs.Parse("my-bucket/a/./b")
			Expect(err).To(HaveOccurred())
		})

		It("rejects empty intermediate segments", func() {
			_, err := s3fs.Parse("my-bucket/a//b")
			Expect(err).To(HaveOccurred())
		})

		It("treats the empty string as the root path", func() {
			p, err := s3fs.Parse("")
			Expect(err).NotTo(HaveOccurred())
			Expect(p.IsRoot()).To(BeTrue())
		})
	})

	Context("Parent", func() {
		It("returns the bucket for a single-segment key", func() {
			p := s3fs.MustParse("bucket/key")
			Expect(p.HasParent()).To(BeTrue())
			Expect(p.Parent()).To(Equal(s3fs.MustParse("bucket")))
		})

		It("returns the shorter key prefix for a multi-segment key", func() {
			p := s3fs.MustParse("bucket/a/b/c")
			Expect(p.Parent()).To(Equal(s3fs.MustParse("bucket/a/b")))
		})

		It("panics when called on a path with no parent", func() {
			p := s3fs.MustParse("bucket")
			Expect(func() { p.Parent() }).To(Panic())
		})
	})

	Context("equality", func() {
		It("compares by bucket and key only", func() {
			a := s3fs.MustParse("bucket/a/b")
			b := s3fs.MustParse("bucket/a/b")
			Expect(a.Equal(b)).To(BeTrue())
		})
	})

	Context("ToURLEncoded", func() {
		It("escapes each segment but preserves slashes", func() {
			p := s3fs.MustParse("my bucket/a b/c d")
			Expect(p.ToURLEncoded()).To(Equal("my%20bucket/a%20b/c%20d"))
		})
	})
})
