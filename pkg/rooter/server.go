package rooter

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"os"
	"sync"

	"github.com/cert-ee/cuckoo3/pkg/log"
	"github.com/google/uuid"
)

// Binaries locates the subprocess executables the rooter shells out
// to, configured from the cuckoorooter CLI surface (--iptables, --ip,
// --openvpn).
type Binaries struct {
	Iptables string
	IP       string
	OpenVPN  string
}

// appliedRoute records the undo sequence for one outstanding apply, so
// remove (and a crash-recovery sweep) can reverse it exactly.
type appliedRoute struct {
	taskID   string
	undo     []func(context.Context) error
	ovpnProc *openvpnHandle
}

// Server is the rooter's Unix socket listener. State mutations are
// serialized: the rooter is single-writer, so a
// single mutex guards every apply/remove regardless of which
// connection issued it.
type Server struct {
	socketPath  string
	groupPerm   bool
	bin         Binaries
	routeTypes  []string

	mu      sync.Mutex
	handles map[string]*appliedRoute

	listener net.Listener
}

// NewServer returns a Server that will listen on socketPath once
// Serve is called.
func NewServer(socketPath string, bin Binaries) *Server {
	return &Server{
		socketPath: socketPath,
		bin:        bin,
		routeTypes: []string{"none", "drop", "internet", "vpn"},
		handles:    make(map[string]*appliedRoute),
	}
}

// Serve listens on the Unix socket and handles connections until ctx
// is cancelled. Socket permissions are owner+group read/write.
func (s *Server) Serve(ctx context.Context) error {
	_ = os.Remove(s.socketPath)
	ln, err := net.Listen("unix", s.socketPath)
	if err != nil {
		return fmt.Errorf("listen on rooter socket %s: %w", s.socketPath, err)
	}
	if err := os.Chmod(s.socketPath, 0660); err != nil {
		ln.Close()
		return fmt.Errorf("chmod rooter socket: %w", err)
	}
	s.listener = ln

	logger := log.WithComponent("rooter-server")
	logger.Info().Str("socket", s.socketPath).Msg("rooter listening")

	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
				logger.Warn().Err(err).Msg("accept failed")
				continue
			}
		}
		go s.handleConn(ctx, conn)
	}
}

func (s *Server) handleConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()
	logger := log.WithComponent("rooter-server")

	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	enc := json.NewEncoder(conn)

	for scanner.Scan() {
		var req Request
		if err := json.Unmarshal(scanner.Bytes(), &req); err != nil {
			logger.Warn().Err(err).Msg("malformed rooter request")
			continue
		}
		resp := s.dispatch(ctx, req)
		if err := enc.Encode(resp); err != nil {
			logger.Warn().Err(err).Msg("write rooter response failed")
			return
		}
	}
}

func (s *Server) dispatch(ctx context.Context, req Request) Response {
	switch req.Op {
	case OpPing:
		return Response{ID: req.ID, OK: true}
	case OpListRoutes:
		data, _ := json.Marshal(ListRoutesResult{RouteTypes: s.routeTypes})
		return Response{ID: req.ID, OK: true, Data: data}
	case OpApply:
		return s.handleApply(ctx, req)
	case OpRemove:
		return s.handleRemove(ctx, req)
	default:
		return Response{ID: req.ID, OK: false, Error: fmt.Sprintf("unknown op %q", req.Op)}
	}
}

func (s *Server) handleApply(ctx context.Context, req Request) Response {
	var args ApplyArgs
	if err := json.Unmarshal(req.Args, &args); err != nil {
		return Response{ID: req.ID, OK: false, Error: "invalid apply args: " + err.Error()}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	route, err := s.apply(ctx, args)
	if err != nil {
		return Response{ID: req.ID, OK: false, Error: err.Error()}
	}

	handle := uuid.NewString()
	s.handles[handle] = route

	data, _ := json.Marshal(ApplyResult{Handle: handle})
	return Response{ID: req.ID, OK: true, Data: data}
}

func (s *Server) handleRemove(ctx context.Context, req Request) Response {
	var args RemoveArgs
	if err := json.Unmarshal(req.Args, &args); err != nil {
		return Response{ID: req.ID, OK: false, Error: "invalid remove args: " + err.Error()}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	route, ok := s.handles[args.Handle]
	if !ok {
		// Removal is idempotent: an unknown or already-removed handle
		// is success, not an error.
		return Response{ID: req.ID, OK: true}
	}

	if err := runUndo(ctx, route); err != nil {
		return Response{ID: req.ID, OK: false, Error: err.Error()}
	}
	delete(s.handles, args.Handle)
	return Response{ID: req.ID, OK: true}
}

// apply runs the shell sequence for a route type, recording an undo
// step after each successful sub-step. If any sub-step fails, apply is
// fail-closed: every undo recorded so far runs immediately and the
// caller sees no partial route.
func (s *Server) apply(ctx context.Context, args ApplyArgs) (*appliedRoute, error) {
	route := &appliedRoute{taskID: args.TaskID}

	rollback := func(cause error) (*appliedRoute, error) {
		if undoErr := runUndo(ctx, route); undoErr != nil {
			log.WithComponent("rooter-server").Error().Err(undoErr).
				Str("task_id", args.TaskID).Msg("rollback after failed apply also failed")
		}
		return nil, cause
	}

	switch args.RouteType {
	case "none":
		// No network changes; the handle exists purely for symmetry
		// with remove.
		return route, nil

	case "drop":
		if err := run(ctx, s.bin.Iptables, "-I", "OUTPUT", "-s", args.SourceIP, "-j", "DROP"); err != nil {
			return rollback(fmt.Errorf("apply drop route: %w", err))
		}
		route.undo = append(route.undo, func(ctx context.Context) error {
			return run(ctx, s.bin.Iptables, "-D", "OUTPUT", "-s", args.SourceIP, "-j", "DROP")
		})
		return route, nil

	case "internet":
		if err := run(ctx, s.bin.Iptables, "-t", "nat", "-A", "POSTROUTING", "-s", args.SourceIP, "-j", "MASQUERADE"); err != nil {
			return rollback(fmt.Errorf("apply internet nat: %w", err))
		}
		route.undo = append(route.undo, func(ctx context.Context) error {
			return run(ctx, s.bin.Iptables, "-t", "nat", "-D", "POSTROUTING", "-s", args.SourceIP, "-j", "MASQUERADE")
		})

		if err := run(ctx, s.bin.Iptables, "-A", "FORWARD", "-s", args.SourceIP, "-j", "ACCEPT"); err != nil {
			return rollback(fmt.Errorf("apply internet forward: %w", err))
		}
		route.undo = append(route.undo, func(ctx context.Context) error {
			return run(ctx, s.bin.Iptables, "-D", "FORWARD", "-s", args.SourceIP, "-j", "ACCEPT")
		})
		return route, nil

	case "vpn":
		h, err := startOpenVPN(ctx, s.bin.OpenVPN, args.Country)
		if err != nil {
			return rollback(fmt.Errorf("start openvpn: %w", err))
		}
		route.ovpnProc = h
		route.undo = append(route.undo, func(ctx context.Context) error {
			return h.stop()
		})

		if err := run(ctx, s.bin.IP, "route", "add", "default", "dev", h.tunDevice, "table", routeTable(args.SourceIP)); err != nil {
			return rollback(fmt.Errorf("add vpn route: %w", err))
		}
		route.undo = append(route.undo, func(ctx context.Context) error {
			return run(ctx, s.bin.IP, "route", "del", "default", "dev", h.tunDevice, "table", routeTable(args.SourceIP))
		})
		return route, nil

	default:
		return nil, fmt.Errorf("unsupported route type %q", args.RouteType)
	}
}

// runUndo reverses a route's sub-steps in last-applied-first order,
// continuing past individual failures so a partially-broken undo
// doesn't leave earlier steps in place.
func runUndo(ctx context.Context, route *appliedRoute) error {
	var firstErr error
	for i := len(route.undo) - 1; i >= 0; i-- {
		if err := route.undo[i](ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func routeTable(sourceIP string) string {
	return "rt_" + sourceIP
}
