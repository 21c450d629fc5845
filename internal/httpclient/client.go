// Package httpclient is the HTTP-transport Dispatchable: a Dataverse
// Web API client wrapped so internal/pool can clone, dispatch through,
// and classify faults from it without knowing about net/http at all.
package httpclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/joshsmithxrm/ppds-sdk/internal/auth"
	"github.com/joshsmithxrm/ppds-sdk/internal/clientsource"
	"github.com/joshsmithxrm/ppds-sdk/internal/detector"
	"github.com/joshsmithxrm/ppds-sdk/internal/extractor"
)

// faultExtractors pulls the OData error message out of a Dataverse
// fault envelope when the typed odataError struct fails to decode it
// (alternate envelope shapes, partial JSON from a proxy, etc).
var faultExtractors = []extractor.Extractor{
	{JSONPath: "error.message", Variable: "message"},
}

// Request is the opaque unit internal/pool.Pool.Execute dispatches
// through an HTTP-backed handle.
type Request struct {
	Method  string
	Path    string
	Query   url.Values
	Body    any
	Headers http.Header
}

// Response is what a successful Request yields.
type Response struct {
	StatusCode int
	Body       []byte
	Header     http.Header
}

// Config describes one Dataverse environment's HTTP endpoint.
type Config struct {
	BaseURL        string
	Timeout        time.Duration
	UserAgent      string
	RecommendedDOP int

	// DisableAffinityCookie strips the load-balancer stickiness cookie
	// Dataverse sets on each response instead of letting the client jar
	// carry it forward onto the next request. Sticky routing defeats the
	// pool's own source/connection selection, so the default is true;
	// set it false to let a handle pin to whichever backend node first
	// served it.
	DisableAffinityCookie bool
}

// NewClient builds a transport tuned for many short-lived concurrent
// Dataverse Web API calls: generous idle-connection reuse, HTTP/2
// preferred, conservative dial/handshake timeouts. jar is nil when
// affinity cookies are disabled, which keeps net/http from storing or
// replaying any Set-Cookie the server sends back.
func NewClient(timeout time.Duration, jar http.CookieJar) *http.Client {
	if timeout < 0 {
		timeout = 0
	}

	dialer := &net.Dialer{
		Timeout:   30 * time.Second,
		KeepAlive: 30 * time.Second,
	}

	transport := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           dialer.DialContext,
		ForceAttemptHTTP2:     true,
		MaxIdleConns:          256,
		MaxIdleConnsPerHost:   32,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}

	return &http.Client{Timeout: timeout, Transport: transport, Jar: jar}
}

// Handle is the clientsource.Handle + pool.Dispatchable implementation
// backed by net/http. A seed Handle and every clone checked out from it
// share the same underlying *http.Client (already safe for concurrent
// use); Clone exists to give the pool a distinct identity per
// connection, not a distinct transport.
type Handle struct {
	cfg      Config
	http     *http.Client
	provider auth.Provider
}

// NewSeed constructs the seed Handle a clientsource.Source factory
// returns.
func NewSeed(cfg Config, provider auth.Provider) *Handle {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 100 * time.Second
	}
	if cfg.RecommendedDOP <= 0 {
		cfg.RecommendedDOP = 2
	}

	var jar http.CookieJar
	if !cfg.DisableAffinityCookie {
		// cookiejar.New(nil) only fails on a bad PublicSuffixList, and we
		// pass none.
		jar, _ = cookiejar.New(nil)
	}

	return &Handle{cfg: cfg, http: NewClient(cfg.Timeout, jar), provider: provider}
}

// Ready verifies the handle can currently mint a token; it does not
// round-trip to Dataverse.
func (h *Handle) Ready(ctx context.Context) bool {
	_, err := h.provider.Token(ctx)
	return err == nil
}

// Clone returns a new Handle sharing this seed's transport and token
// provider, per the pool's "clone the seed per checkout" contract.
func (h *Handle) Clone(ctx context.Context) (clientsource.Handle, error) {
	return &Handle{cfg: h.cfg, http: h.http, provider: h.provider}, nil
}

// RecommendedDOP is this environment's server-advertised per-connection
// degree of parallelism hint, fed into the Rate Controller's floor.
func (h *Handle) RecommendedDOP() int { return h.cfg.RecommendedDOP }

// Close releases no transport resources: the underlying *http.Client is
// shared with the seed and every sibling clone.
func (h *Handle) Close() error { return nil }

// Execute performs one Dataverse Web API call. req must be *Request. A
// response with status 400 or above is classified into a *detector.Fault (never returned
// as a bare error), leaving fault classification entirely to
// internal/detector.
func (h *Handle) Execute(ctx context.Context, request any) (any, error) {
	req, ok := request.(*Request)
	if !ok {
		return nil, fmt.Errorf("httpclient: Execute expects *Request, got %T", request)
	}

	httpReq, err := h.build(ctx, req)
	if err != nil {
		return nil, err
	}

	if err := h.provider.InjectHeader(ctx, httpReq); err != nil {
		return nil, &detector.Fault{HTTPStatus: 401, Message: "token injection failed: " + err.Error()}
	}

	resp, err := h.http.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("httpclient: request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("httpclient: read response body: %w", err)
	}

	if resp.StatusCode >= 400 {
		return nil, faultFromResponse(resp.StatusCode, resp.Header, body)
	}

	return &Response{StatusCode: resp.StatusCode, Body: body, Header: resp.Header}, nil
}

func (h *Handle) build(ctx context.Context, req *Request) (*http.Request, error) {
	target := strings.TrimRight(h.cfg.BaseURL, "/") + "/" + strings.TrimLeft(req.Path, "/")
	if len(req.Query) > 0 {
		target += "?" + req.Query.Encode()
	}

	var body io.Reader
	if req.Body != nil {
		encoded, err := json.Marshal(req.Body)
		if err != nil {
			return nil, fmt.Errorf("httpclient: encode request body: %w", err)
		}
		body = bytes.NewReader(encoded)
	}

	method := req.Method
	if method == "" {
		method = http.MethodGet
	}

	httpReq, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return nil, err
	}

	httpReq.Header.Set("Accept", "application/json")
	httpReq.Header.Set("OData-MaxVersion", "4.0")
	httpReq.Header.Set("OData-Version", "4.0")
	if body != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	if h.cfg.UserAgent != "" {
		httpReq.Header.Set("User-Agent", h.cfg.UserAgent)
	}
	for k, vals := range req.Headers {
		for _, v := range vals {
			httpReq.Header.Add(k, v)
		}
	}

	return httpReq, nil
}

// odataError is the standard Dataverse Web API error envelope.
type odataError struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func faultFromResponse(status int, header http.Header, body []byte) *detector.Fault {
	var env odataError
	_ = json.Unmarshal(body, &env)

	message := env.Error.Message
	if message == "" {
		message = extractor.ExtractAll(body, faultExtractors, nil)["message"]
	}
	if message == "" {
		message = http.StatusText(status)
	}

	code := 0
	if env.Error.Code != "" {
		if n, err := strconv.ParseInt(strings.TrimPrefix(env.Error.Code, "0x"), 16, 64); err == nil {
			code = int(n)
		}
	}

	var retryAfter any
	if ra := header.Get("Retry-After"); ra != "" {
		retryAfter = ra
	}

	return &detector.Fault{
		Code:       code,
		HTTPStatus: status,
		Message:    message,
		RetryAfter: retryAfter,
	}
}
