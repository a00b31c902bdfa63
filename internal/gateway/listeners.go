// ABOUTME: Opens the HTTP and gRPC listeners on TCP or on a tsnet node
// ABOUTME: Serves both protocols and runs the gateway until its context ends

package gateway

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strconv"

	"tailscale.com/ipn/ipnstate"
	"tailscale.com/tsnet"
)

// listeners holds what Run serves on. grpc is nil when gRPC is off.
type listeners struct {
	http net.Listener
	grpc net.Listener
}

func (l listeners) close() {
	if l.http != nil {
		_ = l.http.Close()
	}
	if l.grpc != nil {
		_ = l.grpc.Close()
	}
}

// listen opens the listeners the configuration asks for
func (g *Gateway) listen(ctx context.Context) (listeners, error) {
	if g.config.Tailscale.Enabled {
		if g.config.Server.GRPCAddr != "" || g.config.Server.HTTPAddr != "" {
			g.logger.Warn("server.grpc_addr and server.http_addr are ignored when tailscale is enabled")
		}
		return g.listenTailnet(ctx)
	}
	return g.listenTCP()
}

func (g *Gateway) listenTCP() (listeners, error) {
	var ls listeners
	addrs := g.config.Server

	ln, err := net.Listen("tcp", addrs.HTTPAddr)
	if err != nil {
		return ls, fmt.Errorf("listening for HTTP on %s: %w", addrs.HTTPAddr, err)
	}
	ls.http = ln

	if addrs.GRPCAddr != "" {
		ln, err := net.Listen("tcp", addrs.GRPCAddr)
		if err != nil {
			ls.close()
			return listeners{}, fmt.Errorf("listening for gRPC on %s: %w", addrs.GRPCAddr, err)
		}
		ls.grpc = ln
	}
	return ls, nil
}

// tailnetStateDir defaults to ~/.local/share/hearth/tailscale
func tailnetStateDir(configured string) (string, error) {
	if configured != "" {
		return configured, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("no home directory for tailscale state, set tailscale.state_dir: %w", err)
	}
	return filepath.Join(home, ".local", "share", "hearth", "tailscale"), nil
}

// listenTailnet joins the tailnet as its own node and listens there
func (g *Gateway) listenTailnet(ctx context.Context) (listeners, error) {
	ts := g.config.Tailscale

	dir, err := tailnetStateDir(ts.StateDir)
	if err != nil {
		return listeners{}, err
	}
	if err := os.MkdirAll(dir, 0700); err != nil {
		return listeners{}, fmt.Errorf("creating tailscale state dir: %w", err)
	}
	authKey := ts.AuthKey
	if authKey == "" {
		authKey = os.Getenv("TS_AUTHKEY")
	}
	if authKey == "" {
		return listeners{}, errors.New("tailscale needs an auth key: set tailscale.auth_key or TS_AUTHKEY")
	}

	node := &tsnet.Server{
		Hostname:  ts.Hostname,
		Dir:       dir,
		Ephemeral: ts.Ephemeral,
		AuthKey:   authKey,
		Logf:      func(string, ...any) {},
	}
	g.logger.Info("joining tailnet", "hostname", ts.Hostname, "state_dir", dir, "ephemeral", ts.Ephemeral)

	st, err := node.Up(ctx)
	if err != nil {
		_ = node.Close()
		return listeners{}, fmt.Errorf("starting tailscale: %w", err)
	}
	g.logTailnetNode(st)

	var ls listeners
	ls.http, err = node.Listen("tcp", ":"+strconv.Itoa(ts.HTTPPort))
	if err == nil {
		ls.grpc, err = node.Listen("tcp", ":"+strconv.Itoa(ts.GRPCPort))
	}
	if err != nil {
		ls.close()
		_ = node.Close()
		return listeners{}, fmt.Errorf("listening on tailnet: %w", err)
	}
	g.tsnetServer = node
	return ls, nil
}

func (g *Gateway) logTailnetNode(st *ipnstate.Status) {
	attrs := []any{"hostname", g.config.Tailscale.Hostname}
	if len(st.TailscaleIPs) > 0 {
		attrs = append(attrs, "ip", st.TailscaleIPs[0].String())
	} else {
		g.logger.Warn("tailnet node has no addresses yet")
	}
	if st.Self != nil {
		attrs = append(attrs, "dns_name", st.Self.DNSName)
	}
	g.logger.Info("tailnet node up", attrs...)
}

// serve starts one goroutine per listener. Failures arrive on the channel.
func (g *Gateway) serve(ls listeners) <-chan error {
	errCh := make(chan error, 2)

	go func() {
		g.logger.Info("serving HTTP", "addr", ls.http.Addr().String())
		if err := g.httpServer.Serve(ls.http); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("HTTP server: %w", err)
		}
	}()

	if ls.grpc != nil {
		go func() {
			g.logger.Info("serving gRPC", "addr", ls.grpc.Addr().String())
			if err := g.grpcServer.Serve(ls.grpc); err != nil {
				errCh <- fmt.Errorf("gRPC server: %w", err)
			}
		}()
	}
	return errCh
}

// Run serves until ctx ends or a server fails, then shuts down within
// server.shutdown_timeout. A cancelled ctx is a clean exit.
func (g *Gateway) Run(ctx context.Context) error {
	ls, err := g.listen(ctx)
	if err != nil {
		return err
	}
	errCh := g.serve(ls)

	var serveErr error
	select {
	case <-ctx.Done():
		g.logger.Info("stopping")
	case serveErr = <-errCh:
		g.logger.Error("server failed", "error", serveErr)
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), g.config.Server.ShutdownTimeout)
	defer cancel()
	if err := g.Shutdown(shutdownCtx); err != nil {
		return errors.Join(serveErr, err)
	}
	return serveErr
}
