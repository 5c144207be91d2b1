// Package transport wraps the go-coap UDP client behind the small surface
// the gateway and coordinator need: URI parsing, GET, POST, reconnect.
package transport

import (
	"bytes"
	"context"
	"fmt"
	"net/url"
	"sync"

	"github.com/plgd-dev/go-coap/v3/message"
	"github.com/plgd-dev/go-coap/v3/message/codes"
	"github.com/plgd-dev/go-coap/v3/udp"
	udpclient "github.com/plgd-dev/go-coap/v3/udp/client"
)

// ErrNotFound marks a 4.04 response, which clients treat as "no data for
// this tick" rather than a transport failure with a payload.
var ErrNotFound = fmt.Errorf("coap: not found")

// ParseURI splits a coap:// URI into a dialable host:port and a resource
// path. The default CoAP port is filled in when absent.
func ParseURI(raw string) (addr, path string, err error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", "", fmt.Errorf("invalid device URI %q: %w", raw, err)
	}
	if u.Scheme != "coap" {
		return "", "", fmt.Errorf("invalid device URI %q: scheme must be coap", raw)
	}
	if u.Host == "" {
		return "", "", fmt.Errorf("invalid device URI %q: missing host", raw)
	}
	addr = u.Host
	if u.Port() == "" {
		addr = u.Host + ":5683"
	}
	path = u.Path
	if path == "" {
		path = "/"
	}
	return addr, path, nil
}

// Client is a CoAP client pinned to one device URI. The UDP session is
// dialed lazily and redialed after a transport error, so a poller survives
// its device restarting.
type Client struct {
	addr string
	path string

	mu   sync.Mutex
	conn *udpclient.Conn
}

// NewClient parses the URI; no traffic happens until the first request.
func NewClient(uri string) (*Client, error) {
	addr, path, err := ParseURI(uri)
	if err != nil {
		return nil, err
	}
	return &Client{addr: addr, path: path}, nil
}

// Get requests the device resource and returns the reply payload.
func (c *Client) Get(ctx context.Context) ([]byte, error) {
	conn, err := c.ensure()
	if err != nil {
		return nil, err
	}

	resp, err := conn.Get(ctx, c.path)
	if err != nil {
		c.reset()
		return nil, fmt.Errorf("coap get %s%s: %w", c.addr, c.path, err)
	}

	switch resp.Code() {
	case codes.Content:
		body, err := resp.ReadBody()
		if err != nil {
			return nil, fmt.Errorf("coap get %s%s: read body: %w", c.addr, c.path, err)
		}
		return body, nil
	case codes.NotFound:
		return nil, ErrNotFound
	default:
		return nil, fmt.Errorf("coap get %s%s: unexpected code %v", c.addr, c.path, resp.Code())
	}
}

// Post sends a JSON payload to the device resource and returns the response
// code.
func (c *Client) Post(ctx context.Context, payload []byte) (codes.Code, error) {
	conn, err := c.ensure()
	if err != nil {
		return 0, err
	}

	resp, err := conn.Post(ctx, c.path, message.AppJSON, bytes.NewReader(payload))
	if err != nil {
		c.reset()
		return 0, fmt.Errorf("coap post %s%s: %w", c.addr, c.path, err)
	}
	return resp.Code(), nil
}

// Close tears down the UDP session.
func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != nil {
		_ = c.conn.Close()
		c.conn = nil
	}
}

func (c *Client) ensure() (*udpclient.Conn, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != nil {
		return c.conn, nil
	}
	conn, err := udp.Dial(c.addr)
	if err != nil {
		return nil, fmt.Errorf("coap dial %s: %w", c.addr, err)
	}
	c.conn = conn
	return conn, nil
}

func (c *Client) reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != nil {
		_ = c.conn.Close()
		c.conn = nil
	}
}
