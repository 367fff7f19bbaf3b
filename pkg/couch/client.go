// Package couch talks to the local CouchDB node's administrative and
// clustered HTTP interfaces.
package couch

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const (
	DefaultAdminURL   = "http://127.0.0.1:5986"
	DefaultAPIURL     = "http://127.0.0.1:5984"
	DefaultNodePrefix = "couchdb"
)

// ErrTransportUnavailable wraps every failure to reach an endpoint at all.
var ErrTransportUnavailable = errors.New("couchdb endpoint unreachable")

// maxBody caps how much of a response is read.
const maxBody = 1 << 20

type Client struct {
	HTTP *http.Client

	adminURL   *url.URL
	apiURL     *url.URL
	nodePrefix string
	creds      Credentials
}

type Option func(*Client)

func WithCredentials(c Credentials) Option { return func(cl *Client) { cl.creds = c } }

func WithNodePrefix(prefix string) Option { return func(cl *Client) { cl.nodePrefix = prefix } }

func WithHTTPClient(h *http.Client) Option { return func(cl *Client) { cl.HTTP = h } }

// NewClient builds a client for the node-local admin port (joins) and the
// clustered API port (membership).
func NewClient(adminURL, apiURL string, opts ...Option) (*Client, error) {
	admin, err := parseBase(adminURL)
	if err != nil {
		return nil, fmt.Errorf("admin url: %w", err)
	}
	api, err := parseBase(apiURL)
	if err != nil {
		return nil, fmt.Errorf("api url: %w", err)
	}
	c := &Client{
		HTTP:       &http.Client{Timeout: 10 * time.Second},
		adminURL:   admin,
		apiURL:     api,
		nodePrefix: DefaultNodePrefix,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

func parseBase(raw string) (*url.URL, error) {
	u, err := url.Parse(strings.TrimSuffix(raw, "/"))
	if err != nil {
		return nil, err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("missing host in %q", raw)
	}
	return u, nil
}

// NodeName is the Erlang node name CouchDB uses for a peer host.
func (c *Client) NodeName(peer string) string {
	return c.nodePrefix + "@" + peer
}

func (c *Client) do(ctx context.Context, method string, u *url.URL, body []byte) (int, []byte, error) {
	var r io.Reader
	if body != nil {
		r = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, u.String(), r)
	if err != nil {
		return 0, nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	c.creds.apply(req)

	resp, err := c.HTTP.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return 0, nil, ctx.Err()
		}
		return 0, nil, fmt.Errorf("%w: %w", ErrTransportUnavailable, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxBody))
	if err != nil {
		return resp.StatusCode, nil, fmt.Errorf("%w: reading body: %w", ErrTransportUnavailable, err)
	}
	return resp.StatusCode, data, nil
}

// AddNode registers peer in the node-local _nodes database. The body is an
// empty document; CouchDB treats the PUT itself as the instruction. The HTTP
// status is returned as-is so the caller decides what it means.
func (c *Client) AddNode(ctx context.Context, peer string) (int, error) {
	u := c.adminURL.JoinPath("_nodes", c.NodeName(peer))
	status, _, err := c.do(ctx, http.MethodPut, u, []byte("{}"))
	return status, err
}

// Membership fetches the raw /_membership response.
func (c *Client) Membership(ctx context.Context) (int, []byte, error) {
	return c.do(ctx, http.MethodGet, c.apiURL.JoinPath("_membership"), nil)
}
