// Package model holds the data types shared by every engine: the
// parsed proxy config, the endpoint it resolves to, the group formed
// by joining configs on resolved IP, and the per-phase measurement
// results that feed the composite score.
package model

import (
	"fmt"
	"net"
	"time"
)

// Protocol identifies which URI codec produced a Config.
type Protocol string

const (
	ProtocolVLESS Protocol = "vless"
	ProtocolVMess Protocol = "vmess"
)

// Transport is the wire transport a Config rides on.
type Transport string

const (
	TransportTCP   Transport = "tcp"
	TransportWS    Transport = "ws"
	TransportGRPC  Transport = "grpc"
	TransportH2    Transport = "h2"
	TransportXHTTP Transport = "xhttp"
)

// Security is the TLS posture a Config declares.
type Security string

const (
	SecurityNone    Security = "none"
	SecurityTLS     Security = "tls"
	SecurityReality Security = "reality"
)

// Config is a parsed VLESS or VMess proxy URI. RawURI is preserved
// verbatim so re-emission can be diffed against the original for the
// round-trip property.
type Config struct {
	Protocol        Protocol
	UUID            string
	Host            string // literal IP or DNS name
	Port            uint16
	Transport       Transport
	Security        Security
	SNI             string
	Path            string
	HTTPHostHeader  string
	Remark          string
	RawURI          string

	// VLESS extras preserved verbatim across parse/emit; VMess also
	// fills HeaderType, ALPN and Fingerprint.
	Flow            string
	Fingerprint     string
	ALPN            string
	PublicKey       string
	ShortID         string
	SpiderX         string
	HeaderType      string
	ServiceName     string
	GRPCMode        string

	// VMess-only extras preserved verbatim across parse/emit.
	AlterID int
	Cipher  string // VMess "scy" field, e.g. "auto"
	Version string // VMess "v" field, e.g. "2"
}

// Endpoint is a bare IPv4 address plus a port a probe was made against.
type Endpoint struct {
	IP   net.IP
	Port uint16
}

func (e Endpoint) String() string {
	if e.Port == 443 {
		return e.IP.String()
	}
	return fmt.Sprintf("%s:%d", e.IP.String(), e.Port)
}

// Key is a comparable representation of Endpoint fit for map keys.
func (e Endpoint) Key() string {
	return fmt.Sprintf("%s:%d", e.IP.String(), e.Port)
}

// Group is the join of ProxyConfig.Host -> resolved IP: every config
// and domain that resolved to this endpoint.
type Group struct {
	Endpoint Endpoint
	Configs  []*Config
	Domains  map[string]struct{}

	Latency *LatencyResult
	Speed   *SpeedSample
	Score   float64
}

func NewGroup(ep Endpoint) *Group {
	return &Group{Endpoint: ep, Domains: make(map[string]struct{})}
}

func (g *Group) AddConfig(c *Config, domain string) {
	g.Configs = append(g.Configs, c)
	g.Domains[domain] = struct{}{}
}

// ErrorKind is a coarse classification of why a probe failed, used for
// export metadata; it is not itself an error type.
type ErrorKind string

const (
	ErrKindNone      ErrorKind = ""
	ErrKindTimeout   ErrorKind = "timeout"
	ErrKindRefused   ErrorKind = "refused"
	ErrKindTLS       ErrorKind = "tls_handshake"
	ErrKindDNS       ErrorKind = "dns"
	ErrKindRateLimit ErrorKind = "rate_limited"
	ErrKindBlocked   ErrorKind = "blocked_size"
)

// LatencyResult is the outcome of one TCP+TLS handshake probe against
// an Endpoint.
type LatencyResult struct {
	Endpoint  Endpoint
	Alive     bool
	TCPMillis float64
	TLSMillis float64
	ErrorKind ErrorKind

	// Informational, non-gating supplementary checks (SPEC_FULL §5.4).
	WSVerified   bool
	GRPCVerified bool
	H2Verified   bool
}

// Via identifies which CDN host a SpeedSample was measured against.
type Via string

const (
	ViaDirect Via = "direct"
	ViaMirror Via = "mirror"
)

// SpeedSample is one progressive-round download measurement.
type SpeedSample struct {
	Endpoint        Endpoint
	RoundID         int
	BytesRequested  int64
	BytesReceived   int64
	TTFBMillis      float64
	ElapsedMillis   float64
	ThroughputMbps  float64
	HTTPStatus      int
	Via             Via
	ErrorKind       ErrorKind
}

// RateBudget is the fixed-window request budget mutated only by the
// Rate-Limit Accountant.
type RateBudget struct {
	WindowStart time.Time
	WindowLen   time.Duration
	Capacity    int
	Used        int
	PausedUntil time.Time
}
