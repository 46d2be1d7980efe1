package sweep

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	utls "github.com/refraction-networking/utls"

	"cdnscout/internal/shared/model"
	"cdnscout/internal/shared/settings"
)

// ProbeResult is one endpoint's sweep outcome.
type ProbeResult struct {
	Endpoint  model.Endpoint
	Alive     bool
	TLSMillis float64
	Verified  bool
	ErrorKind model.ErrorKind
}

// dialUTLS performs a raw TCP dial followed by a uTLS ClientHello
// using Chrome's fingerprint, mirroring the teacher pack's GetUConn
// idiom (SPEC_FULL §5.3): a plain net.Dial handed to utls.UClient
// rather than crypto/tls, so the handshake looks like a browser's to
// TLS fingerprinting middleboxes.
func dialUTLS(ctx context.Context, ep model.Endpoint, sni string, timeout time.Duration) (net.Conn, float64, error) {
	dialer := &net.Dialer{Timeout: timeout}
	raw, err := dialer.DialContext(ctx, "tcp", ep.String())
	if err != nil {
		return nil, 0, fmt.Errorf("dial: %w", err)
	}

	start := time.Now()
	_ = raw.SetDeadline(start.Add(timeout))

	cfg := &utls.Config{
		ServerName:         sni,
		InsecureSkipVerify: true,
		NextProtos:         []string{"h2", "http/1.1"},
	}
	uconn := utls.UClient(raw, cfg, utls.HelloChrome_Auto)
	if err := uconn.HandshakeContext(ctx); err != nil {
		raw.Close()
		return nil, 0, fmt.Errorf("tls handshake: %w", err)
	}
	elapsed := time.Since(start)
	_ = uconn.SetDeadline(time.Time{})
	return uconn, float64(elapsed.Microseconds()) / 1000.0, nil
}

// verifyCDN sends a bare HTTP/1.1 HEAD over an already-established TLS
// connection and checks the response headers against the active
// signature table (SPEC_FULL §5.3): a "server" prefix match or the
// presence of any trace header counts as verified.
func verifyCDN(conn net.Conn, host string, timeout time.Duration) bool {
	_ = conn.SetDeadline(time.Now().Add(timeout))
	req, err := http.NewRequest(http.MethodHead, "https://"+host+"/", nil)
	if err != nil {
		return false
	}
	req.Header.Set("User-Agent", "cdnscout/1.0")
	req.Close = true
	if err := req.Write(conn); err != nil {
		return false
	}

	resp, err := http.ReadResponse(bufio.NewReader(conn), req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	drain(resp.Body)

	snap := settings.Current()
	for _, sig := range snap.Signatures {
		if strings.HasPrefix(strings.ToLower(resp.Header.Get(sig.Header)), strings.ToLower(sig.Prefix)) {
			return true
		}
	}
	for _, th := range snap.TraceHeaders {
		if resp.Header.Get(string(th)) != "" {
			return true
		}
	}
	return false
}

// Probe dials one endpoint, times the uTLS handshake, and optionally
// verifies the CDN signature. sni should be a neutral, stable identity
// such as the CDN's own trust anchor domain (spec §4.3); it only falls
// back to the endpoint's dotted IP when the caller supplies none.
func Probe(ctx context.Context, ep model.Endpoint, sni string, verify bool, timeout time.Duration) ProbeResult {
	res := ProbeResult{Endpoint: ep}
	if sni == "" {
		sni = ep.IP.String()
	}

	conn, ms, err := dialUTLS(ctx, ep, sni, timeout)
	if err != nil {
		res.ErrorKind = classifyDialError(err)
		return res
	}
	defer conn.Close()

	res.Alive = true
	res.TLSMillis = ms

	if verify {
		res.Verified = verifyCDN(conn, sni, timeout)
	}
	return res
}

func classifyDialError(err error) model.ErrorKind {
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "refused"):
		return model.ErrKindRefused
	case strings.Contains(msg, "tls handshake"):
		return model.ErrKindTLS
	case strings.Contains(msg, "timeout"):
		return model.ErrKindTimeout
	default:
		return model.ErrKindTimeout
	}
}

// drain discards a response body so the connection can be reused if a
// caller later upgrades this probe to a GET.
func drain(r io.Reader) {
	_, _ = io.Copy(io.Discard, io.LimitReader(r, 1<<16))
}
