package s3fs

import (
	"context"
	"strings"
	"sync"

	"github.com/aws/aws-sdk-go-v2/service/s3"
	smithymiddleware "github.com/aws/smithy-go/middleware"
	smithyhttp "github.com/aws/smithy-go/transport/http"
)

// awsRegions is a static table of known AWS region names. It is consulted
// only through isKnownAWSRegion, to decide whether a region read from a
// HeadBucket response is accepted into the per-bucket cache; the
// LocationConstraint decision and the fallback default do not use it.
// Modeled on the nabbar-golib
// configCustom RegisterRegionAws table, trimmed to the regions that
// matter for location-constraint selection rather than full DNS-suffix
// per-partition detail.
var awsRegions = map[string]struct{}{
	"us-east-1": {}, "us-east-2": {}, "us-west-1": {}, "us-west-2": {},
	"af-south-1": {}, "ap-east-1": {}, "ap-south-1": {}, "ap-south-2": {},
	"ap-northeast-1": {}, "ap-northeast-2": {}, "ap-northeast-3": {},
	"ap-southeast-1": {}, "ap-southeast-2": {}, "ap-southeast-3": {},
	"ap-southeast-4": {}, "ca-central-1": {}, "eu-central-1": {},
	"eu-central-2": {}, "eu-west-1": {}, "eu-west-2": {}, "eu-west-3": {},
	"eu-south-1": {}, "eu-south-2": {}, "eu-north-1": {}, "me-south-1": {},
	"me-central-1": {}, "sa-east-1": {},
}

// defaultAWSRegion is used when Options.Region is empty, Backend is
// BackendAWS, and the bucket's region has not (yet) been resolved.
const defaultAWSRegion = "us-east-1"

// needsLocationConstraint reports whether CreateBucket must carry an
// explicit LocationConstraint for region. AWS treats us-east-1 as the
// default with no constraint accepted; every other known region, and any
// unrecognized region (custom partitions, GovCloud, China), requires one.
func needsLocationConstraint(region string) bool {
	return region != "" && region != defaultAWSRegion
}

// isKnownAWSRegion reports whether region appears in the static partition
// table; used only after a HeadBucket call, to decide whether the region
// it returned is cached (and, in probeBucketRegion, used) or discarded.
func isKnownAWSRegion(region string) bool {
	_, ok := awsRegions[strings.ToLower(region)]
	return ok
}

// bucketRegionCache memoizes the result of a HeadBucket region probe
// per bucket name for the life of a Filesystem, avoiding a second probe
// on every subsequent call against the same bucket.
type bucketRegionCache struct {
	mu     sync.Mutex
	byName map[string]string
}

func newBucketRegionCache() *bucketRegionCache {
	return &bucketRegionCache{byName: make(map[string]string)}
}

func (c *bucketRegionCache) get(bucket string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	r, ok := c.byName[bucket]
	return r, ok
}

func (c *bucketRegionCache) set(bucket, region string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.byName[bucket] = region
}

const bucketRegionHeader = "x-amz-bucket-region"

// captureBucketRegionMiddleware reads the x-amz-bucket-region response
// header S3 returns on HeadBucket and stores it into *out. Read through a
// deserialize middleware rather than a typed output field, since older
// SDK releases never promoted this header onto HeadBucketOutput.
func captureBucketRegionMiddleware(out *string) smithymiddleware.DeserializeMiddleware {
	return smithymiddleware.DeserializeMiddlewareFunc("CaptureBucketRegion",
		func(ctx context.Context, in smithymiddleware.DeserializeInput, next smithymiddleware.DeserializeHandler) (
			smithymiddleware.DeserializeOutput, smithymiddleware.Metadata, error,
		) {
			dOut, metadata, err := next.HandleDeserialize(ctx, in)
			if resp, ok := dOut.RawResponse.(*smithyhttp.Response); ok {
				*out = resp.Header.Get(bucketRegionHeader)
			}
			return dOut, metadata, err
		})
}

// probeBucketRegion issues a HeadBucket against bucket solely to read its
// x-amz-bucket-region header, caching a known-good result. Returns "" if
// the bucket doesn't exist, the call fails, or the header comes back
// unrecognized — any of which just falls through to the caller's own
// region default instead of poisoning the cache with garbage.
func (fs *Filesystem) probeBucketRegion(ctx context.Context, client S3API, bucket string) string {
	if region, ok := fs.regions.get(bucket); ok {
		return region
	}

	var region string
	err := fs.log.call("HeadBucket", Path{Bucket: bucket}, func() error {
		_, herr := client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: &bucket}, func(o *s3.Options) {
			o.APIOptions = append(o.APIOptions, func(stack *smithymiddleware.Stack) error {
				return stack.Deserialize.Add(captureBucketRegionMiddleware(&region), smithymiddleware.After)
			})
		})
		return herr
	})
	if err != nil || region == "" || !isKnownAWSRegion(region) {
		return ""
	}
	fs.regions.set(bucket, region)
	return region
}
