package codec

import (
	"fmt"
	"net"
	"net/url"
	"strconv"

	"cdnscout/internal/shared/model"
	"cdnscout/internal/shared/scouterr"
)

// vlessParams is the ordered set of VLESS query parameters that
// parseVLESS and emitVLESS preserve verbatim across a round trip.
var vlessParams = []string{
	"type", "security", "sni", "host", "path", "fp", "alpn",
	"pbk", "sid", "spx", "flow", "headerType", "serviceName", "mode",
}

func parseVLESS(raw string) (*model.Config, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, scouterr.Malformed(raw, err)
	}
	if u.Scheme != "vless" {
		return nil, scouterr.Malformed(raw, fmt.Errorf("not a vless uri"))
	}
	if u.User == nil || u.User.Username() == "" {
		return nil, scouterr.Malformed(raw, fmt.Errorf("missing uuid"))
	}
	if u.Hostname() == "" {
		return nil, scouterr.Malformed(raw, fmt.Errorf("missing host"))
	}

	port := uint16(443)
	if p := u.Port(); p != "" {
		n, err := strconv.ParseUint(p, 10, 16)
		if err != nil {
			return nil, scouterr.Malformed(raw, fmt.Errorf("bad port %q", p))
		}
		port = uint16(n)
	}

	q := u.Query()
	cfg := &model.Config{
		Protocol:       model.ProtocolVLESS,
		UUID:           u.User.Username(),
		Host:           u.Hostname(),
		Port:           port,
		Transport:      model.Transport(orDefault(q.Get("type"), string(model.TransportTCP))),
		Security:       model.Security(orDefault(q.Get("security"), string(model.SecurityNone))),
		SNI:            q.Get("sni"),
		Path:           q.Get("path"),
		HTTPHostHeader: q.Get("host"),
		Remark:         u.Fragment,
		RawURI:         raw,
		Flow:           q.Get("flow"),
		Fingerprint:    q.Get("fp"),
		ALPN:           q.Get("alpn"),
		PublicKey:      q.Get("pbk"),
		ShortID:        q.Get("sid"),
		SpiderX:        q.Get("spx"),
		HeaderType:     q.Get("headerType"),
		ServiceName:    q.Get("serviceName"),
		GRPCMode:       q.Get("mode"),
	}
	return cfg, nil
}

func emitVLESS(c *model.Config) (string, error) {
	if c.UUID == "" || c.Host == "" {
		return "", scouterr.Malformed(c.RawURI, fmt.Errorf("incomplete vless config"))
	}

	q := url.Values{}
	set := func(key, val string) {
		if val != "" {
			q.Set(key, val)
		}
	}
	set("type", string(c.Transport))
	set("security", string(c.Security))
	set("sni", c.SNI)
	set("host", c.HTTPHostHeader)
	set("path", c.Path)
	set("fp", c.Fingerprint)
	set("alpn", c.ALPN)
	set("pbk", c.PublicKey)
	set("sid", c.ShortID)
	set("spx", c.SpiderX)
	set("flow", c.Flow)
	set("headerType", c.HeaderType)
	set("serviceName", c.ServiceName)
	set("mode", c.GRPCMode)

	u := &url.URL{
		Scheme:   "vless",
		User:     url.User(c.UUID),
		Host:     net.JoinHostPort(c.Host, strconv.Itoa(int(c.Port))),
		RawQuery: q.Encode(),
		Fragment: c.Remark,
	}
	return u.String(), nil
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}
