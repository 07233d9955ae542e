package s3fs

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"net"
	"net/http"
	"net/url"
	"os"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// buildClient assembles an S3API client plus its ClientHolder from o,
// per §4.D: an http.Client carrying the TLS/proxy/timeout knobs, a
// cached endpoint provider (§4.C), a retry adapter (§4.E) wrapping
// o.RetryStrategy, and max_connections floored at the executor's
// capacity.
func buildClient(ctx context.Context, o Options, fin *finalizer, log *opLogger) (*ClientHolder, error) {
	execCap := DefaultExecutorCapacity
	if o.Executor != nil {
		execCap = o.Executor.Capacity()
	}
	maxConns := execCap
	if maxConns < 25 {
		maxConns = 25
	}

	httpClient, err := buildHTTPClient(o, maxConns)
	if err != nil {
		return nil, &Error{Op: "buildClient", Kind: InvalidInput, Err: err}
	}

	region := o.Region
	if region == "" && o.Backend == BackendAWS {
		region = defaultAWSRegion
	}

	cfg, err := awsconfig.LoadDefaultConfig(ctx,
		awsconfig.WithRegion(region),
		awsconfig.WithHTTPClient(httpClient),
		awsconfig.WithRetryer(func() aws.Retryer { return newRetryerAdapter(o.RetryStrategy) }),
	)
	if err != nil {
		return nil, &Error{Op: "buildClient", Kind: IO, Err: err}
	}

	endpointResolver := resolveEndpointProvider(o)

	client := s3.NewFromConfig(cfg, func(opts *s3.Options) {
		// A nil endpointResolver means no endpoint override was
		// configured; leave the SDK's own default resolver (already
		// assigned by NewFromConfig before this option function runs) in
		// place rather than overwrite it with nil.
		if endpointResolver != nil {
			opts.EndpointResolverV2 = endpointResolver
		}
		opts.UsePathStyle = !o.virtualAddressing()
		if o.RequestTimeout > 0 {
			opts.HTTPClient = &http.Client{Timeout: o.RequestTimeout, Transport: httpClient.Transport}
		}
	})

	holder := newClientHolder(fin, client)
	log.debug("buildClient", Path{}, "region", region, "virtualAddressing", o.virtualAddressing())
	return holder, nil
}

// buildHTTPClient applies the TLS CA, proxy, network interface, and
// connect-timeout options onto a fresh http.Client/http.Transport pair.
func buildHTTPClient(o Options, maxConns int) (*http.Client, error) {
	transport := &http.Transport{
		MaxIdleConns:        maxConns,
		MaxIdleConnsPerHost: maxConns,
	}

	if o.TLSCAFile != "" || o.TLSCADir != "" {
		pool, err := loadCAPool(o.TLSCAFile, o.TLSCADir)
		if err != nil {
			return nil, err
		}
		transport.TLSClientConfig = &tls.Config{RootCAs: pool}
	}

	if o.ProxyURL != "" {
		pu, err := url.Parse(o.ProxyURL)
		if err != nil {
			return nil, err
		}
		transport.Proxy = http.ProxyURL(pu)
	}

	dialer := &net.Dialer{Timeout: connectTimeoutOrDefault(o.ConnectTimeout)}
	if o.NetworkInterface != "" {
		bindNetworkInterface(dialer, o.NetworkInterface)
	}
	transport.DialContext = dialer.DialContext

	return &http.Client{Transport: transport}, nil
}

func connectTimeoutOrDefault(d time.Duration) time.Duration {
	if d > 0 {
		return d
	}
	return 10 * time.Second
}

func loadCAPool(file, dir string) (*x509.CertPool, error) {
	pool, err := x509.SystemCertPool()
	if err != nil || pool == nil {
		pool = x509.NewCertPool()
	}
	if file != "" {
		b, err := os.ReadFile(file)
		if err != nil {
			return nil, err
		}
		pool.AppendCertsFromPEM(b)
	}
	if dir != "" {
		entries, err := os.ReadDir(dir)
		if err != nil {
			return nil, err
		}
		for _, e := range entries {
			if e.IsDir() {
				continue
			}
			b, err := os.ReadFile(dir + "/" + e.Name())
			if err != nil {
				continue
			}
			pool.AppendCertsFromPEM(b)
		}
	}
	return pool, nil
}

// bindNetworkInterface attempts to source outbound connections from the
// named local interface, using its first address. If the interface cannot
// be found, has no addresses, or its first address is not an IP network,
// the dialer's default behavior is left in place; nothing is logged.
func bindNetworkInterface(dialer *net.Dialer, iface string) {
	ifi, err := net.InterfaceByName(iface)
	if err != nil {
		return
	}
	addrs, err := ifi.Addrs()
	if err != nil || len(addrs) == 0 {
		return
	}
	if ipNet, ok := addrs[0].(*net.IPNet); ok {
		dialer.LocalAddr = &net.TCPAddr{IP: ipNet.IP}
	}
}
