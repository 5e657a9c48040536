package client

import (
	"context"
	"net/http"
	"strings"

	"github.com/dmitrijs2005/famsync/internal/common"
	"github.com/dmitrijs2005/famsync/internal/netx"
)

// Endpoint locates the backend.
type Endpoint struct {
	BaseURL string
	APIKey  string
}

// Validate reports ErrConfigMissing when the URL or key is absent.
func (e Endpoint) Validate() error {
	if strings.TrimSpace(e.BaseURL) == "" || strings.TrimSpace(e.APIKey) == "" {
		return common.Validation("endpoint", common.ErrConfigMissing)
	}
	return nil
}

func (e Endpoint) url(path string) string {
	return strings.TrimRight(e.BaseURL, "/") + path
}

func (e Endpoint) header(ctx context.Context, tokens TokenSource) (http.Header, error) {
	h := http.Header{}
	h.Set(common.APIKeyHeaderName, e.APIKey)

	token := ""
	if tokens != nil {
		t, err := tokens.AccessToken(ctx)
		if err != nil {
			return nil, err
		}
		token = t
	}
	if token == "" {
		token = e.APIKey
	}
	h.Set(common.AuthorizationHeaderName, common.BearerPrefix+token)
	return h, nil
}

// REST is a Transport speaking the PostgREST dialect.
type REST struct {
	name   string
	ep     Endpoint
	hc     *http.Client
	tokens TokenSource
}

// NewREST returns the primary data client. A nil hc uses a shared client.
func NewREST(ep Endpoint, hc *http.Client, tokens TokenSource) (*REST, error) {
	if err := ep.Validate(); err != nil {
		return nil, err
	}
	if hc == nil {
		hc = &http.Client{}
	}
	return &REST{name: "rest", ep: ep, hc: hc, tokens: tokens}, nil
}

// NewRaw returns a REST transport without connection reuse whose tokens are
// expected to come from the persisted credential rather than memory.
func NewRaw(ep Endpoint, tokens TokenSource) (*REST, error) {
	if err := ep.Validate(); err != nil {
		return nil, err
	}
	hc := &http.Client{Transport: &http.Transport{
		Proxy:             http.ProxyFromEnvironment,
		DisableKeepAlives: true,
	}}
	return &REST{name: "raw", ep: ep, hc: hc, tokens: tokens}, nil
}

func (r *REST) Name() string { return r.name }

func (r *REST) do(ctx context.Context, op, method string, q Query, body any) ([]byte, error) {
	h, err := r.ep.header(ctx, r.tokens)
	if err != nil {
		return nil, err
	}
	if method != http.MethodGet {
		h.Set("Prefer", "return=representation")
	}

	u := r.ep.url("/rest/v1/"+q.Table) + "?" + q.Values().Encode()
	b, err := netx.Do(ctx, r.hc, netx.Request{Method: method, URL: u, Header: h, Body: body})
	if err != nil {
		return nil, mapHTTPError(r.name+"."+op, err)
	}
	return b, nil
}

func (r *REST) Select(ctx context.Context, q Query) ([]byte, error) {
	return r.do(ctx, "select", http.MethodGet, q, nil)
}

func (r *REST) Insert(ctx context.Context, table string, row Row) ([]byte, error) {
	return r.do(ctx, "insert", http.MethodPost, From(table), row)
}

func (r *REST) Update(ctx context.Context, q Query, row Row) ([]byte, error) {
	return r.do(ctx, "update", http.MethodPatch, q, row)
}

func (r *REST) Delete(ctx context.Context, q Query) ([]byte, error) {
	return r.do(ctx, "delete", http.MethodDelete, q, nil)
}

// Fresh builds a new REST client with its own connection pool for every
// call, which gets around connections wedged in the primary client.
type Fresh struct {
	ep      Endpoint
	tokens  TokenSource
	newHTTP func() *http.Client
}

func NewFresh(ep Endpoint, tokens TokenSource) (*Fresh, error) {
	if err := ep.Validate(); err != nil {
		return nil, err
	}
	return &Fresh{
		ep:     ep,
		tokens: tokens,
		newHTTP: func() *http.Client {
			return &http.Client{Transport: &http.Transport{Proxy: http.ProxyFromEnvironment}}
		},
	}, nil
}

func (f *Fresh) Name() string { return "fresh" }

func (f *Fresh) with(fn func(r *REST) ([]byte, error)) ([]byte, error) {
	hc := f.newHTTP()
	defer hc.CloseIdleConnections()
	return fn(&REST{name: "fresh", ep: f.ep, hc: hc, tokens: f.tokens})
}

func (f *Fresh) Select(ctx context.Context, q Query) ([]byte, error) {
	return f.with(func(r *REST) ([]byte, error) { return r.Select(ctx, q) })
}

func (f *Fresh) Insert(ctx context.Context, table string, row Row) ([]byte, error) {
	return f.with(func(r *REST) ([]byte, error) { return r.Insert(ctx, table, row) })
}

func (f *Fresh) Update(ctx context.Context, q Query, row Row) ([]byte, error) {
	return f.with(func(r *REST) ([]byte, error) { return r.Update(ctx, q, row) })
}

func (f *Fresh) Delete(ctx context.Context, q Query) ([]byte, error) {
	return f.with(func(r *REST) ([]byte, error) { return r.Delete(ctx, q) })
}
