package rooter

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/cert-ee/cuckoo3/pkg/errs"
	"github.com/cert-ee/cuckoo3/pkg/metrics"
	"github.com/google/uuid"
)

// Client talks the rooter's newline-delimited JSON protocol over a
// Unix socket. One Client serializes requests on its connection;
// callers needing concurrency should use one Client per goroutine or
// share a pool.
type Client struct {
	socketPath string
	dialTO     time.Duration

	mu   sync.Mutex
	conn net.Conn
	enc  *json.Encoder
	dec  *bufio.Scanner
}

// NewClient returns a Client bound to socketPath. The connection is
// established lazily on first use.
func NewClient(socketPath string) *Client {
	return &Client{socketPath: socketPath, dialTO: 5 * time.Second}
}

func (c *Client) ensureConn() error {
	if c.conn != nil {
		return nil
	}
	conn, err := net.DialTimeout("unix", c.socketPath, c.dialTO)
	if err != nil {
		return errs.New(errs.KindRouteError, fmt.Errorf("dial rooter socket %s: %w", c.socketPath, err))
	}
	c.conn = conn
	c.enc = json.NewEncoder(conn)
	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	c.dec = scanner
	return nil
}

// call sends req and waits for its matching response. The rooter
// socket is request/response in lockstep per connection, so a mutex is
// enough to keep concurrent callers from interleaving frames.
func (c *Client) call(ctx context.Context, op string, args any) (*Response, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.ensureConn(); err != nil {
		return nil, err
	}

	raw, err := json.Marshal(args)
	if err != nil {
		return nil, fmt.Errorf("marshal %s args: %w", op, err)
	}
	req := Request{ID: uuid.NewString(), Op: op, Args: raw}

	if dl, ok := ctx.Deadline(); ok {
		_ = c.conn.SetDeadline(dl)
	}

	if err := c.enc.Encode(req); err != nil {
		c.closeLocked()
		return nil, errs.New(errs.KindRouteError, fmt.Errorf("send %s request: %w", op, err))
	}

	if !c.dec.Scan() {
		err := c.dec.Err()
		c.closeLocked()
		if err == nil {
			err = fmt.Errorf("rooter closed connection")
		}
		return nil, errs.New(errs.KindRouteError, fmt.Errorf("read %s response: %w", op, err))
	}

	var resp Response
	if err := json.Unmarshal(c.dec.Bytes(), &resp); err != nil {
		return nil, errs.New(errs.KindRouteError, fmt.Errorf("parse %s response: %w", op, err))
	}
	if resp.ID != req.ID {
		return nil, errs.New(errs.KindRouteError, fmt.Errorf("%s response id mismatch: sent %s got %s", op, req.ID, resp.ID))
	}
	return &resp, nil
}

func (c *Client) closeLocked() {
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
}

// Close releases the underlying connection.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closeLocked()
	return nil
}

// Ping checks reachability.
func (c *Client) Ping(ctx context.Context) error {
	resp, err := c.call(ctx, OpPing, struct{}{})
	if err != nil {
		return err
	}
	if !resp.OK {
		return errs.New(errs.KindRouteError, fmt.Errorf("ping: %s", resp.Error))
	}
	return nil
}

// ListRoutes returns the runtime-advertised route set, used to
// validate a Route before apply.
func (c *Client) ListRoutes(ctx context.Context) (*ListRoutesResult, error) {
	resp, err := c.call(ctx, OpListRoutes, struct{}{})
	if err != nil {
		return nil, err
	}
	if !resp.OK {
		return nil, errs.New(errs.KindRouteError, fmt.Errorf("list_routes: %s", resp.Error))
	}
	var out ListRoutesResult
	if err := json.Unmarshal(resp.Data, &out); err != nil {
		return nil, fmt.Errorf("parse list_routes data: %w", err)
	}
	return &out, nil
}

// Apply requests a route be applied, returning the opaque handle the
// caller must quote on Remove. Fails closed: a non-OK response never
// leaves a partially-applied route on the server side.
func (c *Client) Apply(ctx context.Context, args ApplyArgs) (string, error) {
	timer := metrics.NewTimer()
	resp, err := c.call(ctx, OpApply, args)
	if err != nil {
		metrics.RooterErrorsTotal.WithLabelValues("apply").Inc()
		return "", err
	}
	if !resp.OK {
		metrics.RooterErrorsTotal.WithLabelValues("apply").Inc()
		return "", errs.New(errs.KindRouteError, fmt.Errorf("apply: %s", resp.Error))
	}
	var out ApplyResult
	if err := json.Unmarshal(resp.Data, &out); err != nil {
		return "", fmt.Errorf("parse apply data: %w", err)
	}
	timer.ObserveDuration(metrics.RooterApplyDuration)
	return out.Handle, nil
}

// Remove reverses a previously applied route. Idempotent: removing an
// unknown or already-removed handle succeeds.
func (c *Client) Remove(ctx context.Context, handle string) error {
	resp, err := c.call(ctx, OpRemove, RemoveArgs{Handle: handle})
	if err != nil {
		metrics.RooterErrorsTotal.WithLabelValues("remove").Inc()
		return err
	}
	if !resp.OK {
		metrics.RooterErrorsTotal.WithLabelValues("remove").Inc()
		return errs.New(errs.KindRouteError, fmt.Errorf("remove: %s", resp.Error))
	}
	return nil
}
