// Package latency implements the Latency Engine (SPEC_FULL §5.4): one
// TCP+TLS handshake probe per unique Group endpoint, plus the
// informational WebSocket/gRPC/H2 supplementary checks a config's
// declared transport calls for.
package latency

import (
	"context"
	"crypto/tls"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/net/http2"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"

	"cdnscout/internal/shared/logger"
	"cdnscout/internal/shared/model"
)

// Options bounds concurrency and per-probe timeout.
type Options struct {
	Workers int
	Timeout time.Duration
}

// Probe measures one Group's endpoint: a TCP+TLS handshake for
// liveness and timing, then a transport-specific supplementary check
// when the group's configs ask for one. Any config on the same
// endpoint sharing a transport is enough to trigger that transport's
// check once.
func Probe(ctx context.Context, g *model.Group, opts Options) *model.LatencyResult {
	res := &model.LatencyResult{Endpoint: g.Endpoint}

	tcpMillis, tlsMillis, conn, err := handshake(ctx, g.Endpoint, sniFor(g), opts.Timeout)
	if err != nil {
		res.ErrorKind = classify(err)
		return res
	}
	defer conn.Close()

	res.Alive = true
	res.TCPMillis = tcpMillis
	res.TLSMillis = tlsMillis

	wantsWS, wantsGRPC, wantsH2 := transportsWanted(g)
	if wantsWS {
		res.WSVerified = checkWebSocket(ctx, g, opts.Timeout)
	}
	if wantsGRPC {
		res.GRPCVerified = checkGRPC(ctx, g, opts.Timeout)
	}
	if wantsH2 {
		res.H2Verified = checkH2(ctx, g, opts.Timeout)
	}
	return res
}

// RunAll probes every group's endpoint through a bounded worker pool,
// following the same buffered-channel semaphore idiom used by the
// sweep engine, and attaches each result to its group.
func RunAll(ctx context.Context, groups []*model.Group, opts Options) {
	l := logger.WithComponent("latency")
	sem := make(chan struct{}, opts.Workers)
	var wg sync.WaitGroup

	for _, g := range groups {
		g := g
		sem <- struct{}{}
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer func() { <-sem }()
			g.Latency = Probe(ctx, g, opts)
		}()
	}
	wg.Wait()

	alive := 0
	for _, g := range groups {
		if g.Latency != nil && g.Latency.Alive {
			alive++
		}
	}
	l.Info().Int("groups", len(groups)).Int("alive", alive).Msg("latency probing finished")
}

func sniFor(g *model.Group) string {
	for _, c := range g.Configs {
		if c.SNI != "" {
			return c.SNI
		}
	}
	return g.Endpoint.IP.String()
}

func transportsWanted(g *model.Group) (ws, grpcWanted, h2 bool) {
	for _, c := range g.Configs {
		switch c.Transport {
		case model.TransportWS:
			ws = true
		case model.TransportGRPC:
			grpcWanted = true
		case model.TransportH2:
			h2 = true
		}
	}
	return
}

// handshake times a raw TCP connect and the subsequent TLS handshake
// separately, using httptrace-style manual timestamps rather than
// http.Transport, since this probe has no HTTP request to make yet.
func handshake(ctx context.Context, ep model.Endpoint, sni string, timeout time.Duration) (tcpMs, tlsMs float64, conn net.Conn, err error) {
	dialer := &net.Dialer{Timeout: timeout}
	t0 := time.Now()
	raw, dialErr := dialer.DialContext(ctx, "tcp", ep.String())
	if dialErr != nil {
		return 0, 0, nil, dialErr
	}
	tcpMs = float64(time.Since(t0).Microseconds()) / 1000.0

	_ = raw.SetDeadline(time.Now().Add(timeout))
	t1 := time.Now()
	tlsConn := tls.Client(raw, &tls.Config{ServerName: sni, InsecureSkipVerify: true})
	if hsErr := tlsConn.HandshakeContext(ctx); hsErr != nil {
		raw.Close()
		return tcpMs, 0, nil, hsErr
	}
	tlsMs = float64(time.Since(t1).Microseconds()) / 1000.0
	_ = tlsConn.SetDeadline(time.Time{})
	return tcpMs, tlsMs, tlsConn, nil
}

func classify(err error) model.ErrorKind {
	if err == nil {
		return model.ErrKindNone
	}
	if ne, ok := err.(net.Error); ok && ne.Timeout() {
		return model.ErrKindTimeout
	}
	if _, ok := err.(*net.OpError); ok {
		return model.ErrKindRefused
	}
	return model.ErrKindTLS
}

// checkWebSocket dials the group's WS path over TLS and looks for a
// successful upgrade; a failed upgrade is informational, it never
// marks the group dead (SPEC_FULL §5.4).
func checkWebSocket(ctx context.Context, g *model.Group, timeout time.Duration) bool {
	cfg := firstConfigWithTransport(g, model.TransportWS)
	if cfg == nil {
		return false
	}
	dialer := websocket.Dialer{
		TLSClientConfig:  &tls.Config{ServerName: sniFor(g), InsecureSkipVerify: true},
		HandshakeTimeout: timeout,
	}
	url := "wss://" + g.Endpoint.String() + cfg.Path
	header := http.Header{}
	if cfg.HTTPHostHeader != "" {
		header.Set("Host", cfg.HTTPHostHeader)
	}
	c, resp, err := dialer.DialContext(ctx, url, header)
	if err != nil {
		return false
	}
	defer c.Close()
	if resp != nil {
		defer resp.Body.Close()
	}
	return true
}

// checkGRPC dials the group's gRPC service name and waits for the
// connection to reach a ready state within timeout.
func checkGRPC(ctx context.Context, g *model.Group, timeout time.Duration) bool {
	cfg := firstConfigWithTransport(g, model.TransportGRPC)
	if cfg == nil {
		return false
	}
	creds := credentials.NewTLS(&tls.Config{ServerName: sniFor(g), InsecureSkipVerify: true})

	cc, err := grpc.NewClient(g.Endpoint.String(), grpc.WithTransportCredentials(creds))
	if err != nil {
		return false
	}
	defer cc.Close()

	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	cc.Connect()
	for {
		state := cc.GetState()
		if state.String() == "READY" {
			return true
		}
		if !cc.WaitForStateChange(waitCtx, state) {
			return false
		}
	}
}

// checkH2 dials a fresh TLS connection advertising ALPN "h2" and
// verifies the server actually negotiated it rather than falling back
// to HTTP/1.1; a plain TCP+TLS liveness handshake never sets
// NextProtos, so this needs its own connection.
func checkH2(ctx context.Context, g *model.Group, timeout time.Duration) bool {
	cfg := firstConfigWithTransport(g, model.TransportH2)
	if cfg == nil {
		return false
	}
	dialer := &net.Dialer{Timeout: timeout}
	raw, err := dialer.DialContext(ctx, "tcp", g.Endpoint.String())
	if err != nil {
		return false
	}
	defer raw.Close()
	_ = raw.SetDeadline(time.Now().Add(timeout))

	tlsConn := tls.Client(raw, &tls.Config{
		ServerName:         sniFor(g),
		InsecureSkipVerify: true,
		NextProtos:         []string{http2.NextProtoTLS, "http/1.1"},
	})
	if err := tlsConn.HandshakeContext(ctx); err != nil {
		return false
	}
	return tlsConn.ConnectionState().NegotiatedProtocol == http2.NextProtoTLS
}

func firstConfigWithTransport(g *model.Group, t model.Transport) *model.Config {
	for _, c := range g.Configs {
		if c.Transport == t {
			return c
		}
	}
	return nil
}
