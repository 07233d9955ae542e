package s3fs

import (
	"context"
	"net/url"
	"sync"

	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/smithy-go/endpoints"
)

// endpointCacheKey identifies one distinct endpoint configuration.
// Backend is folded in because Minio and AWS resolve the same override
// differently: AWS defaults to virtual-host addressing with a custom
// endpoint only for special partitions, while Minio (and most
// S3-compatible backends) expect path-style addressing against a custom
// endpoint almost always. Grounded in the per-backend endpoint
// special-casing the retrieval pack's S3 adapters perform for
// Google/Tencent/Accelerate-style endpoint overrides.
type endpointCacheKey struct {
	region           string
	scheme           string
	endpointOverride string
	virtualAddr      bool
	backend          Backend
}

var (
	endpointCacheMu sync.Mutex
	endpointCache   = map[endpointCacheKey]s3.EndpointResolverV2{}
)

// resolveEndpointProvider returns the cached EndpointResolverV2 for key,
// constructing and caching one if this is the first request for that
// exact configuration. Constructing a resolver is cheap but not free;
// the cache exists so N clients against the same endpoint share one
// instance rather than paying that cost per client, and so the resolver
// itself is never mutated after first construction.
//
// Returns nil when o.Endpoint is unset: real AWS needs the SDK's own
// default resolver (region/partition/dualstack/FIPS/accelerate logic),
// which a static override would otherwise silently replace with an
// empty host. Callers must leave s3.Options.EndpointResolverV2 unset in
// that case rather than assign this nil value over it.
func resolveEndpointProvider(o Options) s3.EndpointResolverV2 {
	if o.Endpoint == "" {
		return nil
	}
	key := endpointCacheKey{
		region:           o.Region,
		scheme:           o.Scheme,
		endpointOverride: o.Endpoint,
		virtualAddr:      o.virtualAddressing(),
		backend:          o.Backend,
	}

	endpointCacheMu.Lock()
	defer endpointCacheMu.Unlock()
	if r, ok := endpointCache[key]; ok {
		return r
	}
	r := newStaticEndpointResolver(key)
	endpointCache[key] = r
	return r
}

// staticEndpointResolver is a no-op-for-reconfiguration EndpointResolverV2:
// all the state it needs is captured at construction time in key, and
// ResolveEndpoint never mutates it, satisfying the "must not be mutated
// after init" rule for a cached, shared resolver.
type staticEndpointResolver struct {
	key endpointCacheKey
}

func newStaticEndpointResolver(key endpointCacheKey) s3.EndpointResolverV2 {
	return &staticEndpointResolver{key: key}
}

func (r *staticEndpointResolver) ResolveEndpoint(_ context.Context, _ s3.EndpointParameters) (endpoints.Endpoint, error) {
	// Only installed when o.Endpoint is set (see resolveEndpointProvider);
	// the default, no-override path leaves the SDK's own endpoint
	// resolver in place instead of going through here.
	scheme := r.key.scheme
	if scheme == "" {
		scheme = "https"
	}
	base := scheme + "://" + r.key.endpointOverride
	u, err := url.Parse(base)
	if err != nil {
		return endpoints.Endpoint{}, err
	}
	return endpoints.Endpoint{URI: *u}, nil
}
