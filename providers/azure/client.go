// Package azure reads the Azure Activity Log, lists subscriptions and
// snapshots subscription inventory through Azure Resource Manager.
package azure

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/arm"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/cloud"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/runtime"
	"github.com/Azure/azure-sdk-for-go/sdk/azidentity"

	"github.com/yairfalse/churn/changelog"
)

const (
	moduleName    = "churn/azure"
	moduleVersion = "v0.1.0"
)

// Options configures the ARM clients
type Options struct {
	// Endpoint overrides the public-cloud Resource Manager endpoint
	Endpoint string
	// Transport replaces the HTTP client; tests use it to serve canned responses
	Transport policy.Transporter
}

func (o Options) clientOptions() *arm.ClientOptions {
	opts := &arm.ClientOptions{}
	// The Fetcher owns retries and backoff
	opts.Retry.MaxRetries = -1
	if o.Transport != nil {
		opts.Transport = o.Transport
	}
	if o.Endpoint != "" {
		public := cloud.AzurePublic.Services[cloud.ResourceManager]
		opts.Cloud = cloud.Configuration{
			ActiveDirectoryAuthorityHost: cloud.AzurePublic.ActiveDirectoryAuthorityHost,
			Services: map[cloud.ServiceName]cloud.ServiceConfiguration{
				cloud.ResourceManager: {Audience: public.Audience, Endpoint: o.Endpoint},
			},
		}
	}
	return opts
}

// clientCache keeps one ARM client per credential
type clientCache struct {
	opts    Options
	mu      sync.Mutex
	clients map[azcore.TokenCredential]*arm.Client
}

func newClientCache(opts Options) *clientCache {
	return &clientCache{opts: opts, clients: make(map[azcore.TokenCredential]*arm.Client)}
}

func (c *clientCache) get(cred changelog.Credential) (*arm.Client, error) {
	tokenCred, ok := cred.(azcore.TokenCredential)
	if !ok {
		return nil, fmt.Errorf("%w: expected azcore.TokenCredential, got %T", changelog.ErrAuthentication, cred)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if client, ok := c.clients[tokenCred]; ok {
		return client, nil
	}
	client, err := arm.NewClient(moduleName, moduleVersion, tokenCred, c.opts.clientOptions())
	if err != nil {
		return nil, fmt.Errorf("failed to create ARM client: %w", err)
	}
	c.clients[tokenCred] = client
	return client, nil
}

// getJSON issues a GET and decodes a 200 response into v
func getJSON(ctx context.Context, client *arm.Client, url string, query map[string]string, v any) error {
	req, err := runtime.NewRequest(ctx, http.MethodGet, url)
	if err != nil {
		return fmt.Errorf("%w: %w", changelog.ErrRejected, err)
	}
	if len(query) > 0 {
		reqQP := req.Raw().URL.Query()
		for k, val := range query {
			reqQP.Set(k, val)
		}
		req.Raw().URL.RawQuery = reqQP.Encode()
	}
	req.Raw().Header["Accept"] = []string{"application/json"}

	resp, err := client.Pipeline().Do(req)
	if err != nil {
		return classifyError(err)
	}
	if !runtime.HasStatusCode(resp, http.StatusOK) {
		return classifyError(runtime.NewResponseError(resp))
	}
	if err := runtime.UnmarshalAsJSON(resp, v); err != nil {
		return fmt.Errorf("%w: decode response: %w", changelog.ErrTransient, err)
	}
	return nil
}

// classifyError maps ARM and identity errors onto the changelog sentinels
func classifyError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}

	var authErr *azidentity.AuthenticationFailedError
	if errors.As(err, &authErr) {
		return fmt.Errorf("%w: %w", changelog.ErrAuthentication, err)
	}

	var respErr *azcore.ResponseError
	if !errors.As(err, &respErr) {
		return fmt.Errorf("%w: %w", changelog.ErrTransient, err)
	}

	switch code := respErr.StatusCode; {
	case code == http.StatusUnauthorized, code == http.StatusForbidden:
		return fmt.Errorf("%w: %w", changelog.ErrAuthentication, err)
	case code == http.StatusNotFound:
		return fmt.Errorf("%w: %w", changelog.ErrScopeNotFound, err)
	case code == http.StatusTooManyRequests:
		return fmt.Errorf("%w: %w", changelog.ErrThrottled, err)
	case code == http.StatusRequestTimeout, code >= http.StatusInternalServerError:
		return fmt.Errorf("%w: %w", changelog.ErrTransient, err)
	default:
		return fmt.Errorf("%w: %w", changelog.ErrRejected, err)
	}
}
