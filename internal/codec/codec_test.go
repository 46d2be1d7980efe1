package codec

import (
	"encoding/base64"
	"encoding/json"
	"testing"

	"cdnscout/internal/shared/model"
)

func TestParseVLESSRoundTrip(t *testing.T) {
	raw := "vless://11111111-2222-3333-4444-555555555555@edge.example.com:443?type=ws&security=tls&sni=cover.example.com&host=cover.example.com&path=%2Fws&fp=chrome#My%20Node"

	cfg, err := Parse(raw)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if cfg.Protocol != model.ProtocolVLESS {
		t.Fatalf("protocol = %v, want vless", cfg.Protocol)
	}
	if cfg.SNI != "cover.example.com" || cfg.Path != "/ws" || cfg.Fingerprint != "chrome" {
		t.Fatalf("unexpected fields: %+v", cfg)
	}

	emitted, err := Emit(cfg)
	if err != nil {
		t.Fatalf("Emit: %v", err)
	}

	cfg2, err := Parse(emitted)
	if err != nil {
		t.Fatalf("re-parse emitted uri: %v", err)
	}

	if *cfg != *cfg2 {
		if cfg.RawURI == cfg2.RawURI {
			t.Fatalf("re-parsed config differs even with equal RawURI")
		}
		cfg2.RawURI = cfg.RawURI
		if *cfg != *cfg2 {
			t.Fatalf("round trip mismatch:\n got=%+v\nwant=%+v", cfg2, cfg)
		}
	}
}

func TestParseVMessRoundTrip(t *testing.T) {
	payload := map[string]string{
		"v": "2", "ps": "t", "add": "1.2.3.4", "port": "443", "id": "uuid-1",
		"aid": "0", "net": "ws", "type": "none", "host": "s.io", "path": "/",
		"tls": "tls", "sni": "s.io",
	}
	data, _ := json.Marshal(payload)
	raw := "vmess://" + base64.StdEncoding.EncodeToString(data)

	cfg, err := Parse(raw)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if cfg.Transport != model.TransportWS || cfg.Security != model.SecurityTLS || cfg.Host != "1.2.3.4" {
		t.Fatalf("unexpected fields: %+v", cfg)
	}

	emitted, err := Emit(cfg)
	if err != nil {
		t.Fatalf("Emit: %v", err)
	}
	cfg2, err := Parse(emitted)
	if err != nil {
		t.Fatalf("re-parse: %v", err)
	}
	cfg2.RawURI = cfg.RawURI
	if *cfg != *cfg2 {
		t.Fatalf("round trip mismatch:\n got=%+v\nwant=%+v", cfg2, cfg)
	}
}

func TestParseVMessTolerantPadding(t *testing.T) {
	payload := map[string]string{"add": "1.1.1.1", "id": "u", "port": "443"}
	data, _ := json.Marshal(payload)
	unpadded := base64.RawStdEncoding.EncodeToString(data)

	cfg, err := Parse("vmess://" + unpadded)
	if err != nil {
		t.Fatalf("Parse with unpadded base64: %v", err)
	}
	if cfg.Host != "1.1.1.1" {
		t.Fatalf("host = %q", cfg.Host)
	}
}

func TestSubstitutionInvariance(t *testing.T) {
	template := "vless://uuid-1@old.example.com:443?type=ws&security=tls&sni=cover.example.com&path=%2Fws#remark"
	tcfg, err := Parse(template)
	if err != nil {
		t.Fatalf("parse template: %v", err)
	}

	out, err := Substitute(tcfg, "1.1.1.1", 8443)
	if err != nil {
		t.Fatalf("Substitute: %v", err)
	}

	got, err := Parse(out)
	if err != nil {
		t.Fatalf("parse substituted: %v", err)
	}

	if got.Host != "1.1.1.1" || got.Port != 8443 {
		t.Fatalf("host/port not substituted: %+v", got)
	}
	if got.SNI != tcfg.SNI || got.Path != tcfg.Path || got.UUID != tcfg.UUID ||
		got.Security != tcfg.Security || got.Transport != tcfg.Transport || got.Remark != tcfg.Remark {
		t.Fatalf("substitution changed a field it should preserve:\n got=%+v\nwant=%+v", got, tcfg)
	}
}

func TestParseMalformed(t *testing.T) {
	cases := []string{
		"http://not-a-proxy-uri",
		"vless://@missing-uuid.example.com:443",
		"vmess://not-base64!!!",
	}
	for _, raw := range cases {
		if _, err := Parse(raw); err == nil {
			t.Errorf("Parse(%q) succeeded, want ErrMalformedURI", raw)
		}
	}
}
