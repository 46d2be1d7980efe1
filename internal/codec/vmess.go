package codec

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"cdnscout/internal/shared/model"
	"cdnscout/internal/shared/scouterr"
)

// vmessJSON is the JSON payload base64-encoded inside a vmess:// URI.
// Port is a string in the wild despite being numeric, so it decodes
// via a custom UnmarshalJSON-free strconv pass below.
type vmessJSON struct {
	V     string `json:"v"`
	PS    string `json:"ps"`
	Add   string `json:"add"`
	Port  string `json:"port"`
	ID    string `json:"id"`
	Aid   string `json:"aid"`
	Net   string `json:"net"`
	Type  string `json:"type"`
	Host  string `json:"host"`
	Path  string `json:"path"`
	TLS   string `json:"tls"`
	SNI   string `json:"sni"`
	ALPN  string `json:"alpn"`
	FP    string `json:"fp"`
	Scy   string `json:"scy"`
}

func parseVMess(raw string) (*model.Config, error) {
	payload := strings.TrimPrefix(raw, "vmess://")
	data, err := decodeBase64Tolerant(payload)
	if err != nil {
		return nil, scouterr.Malformed(raw, fmt.Errorf("bad base64: %w", err))
	}

	var vj vmessJSON
	if err := unmarshalVMessJSON(data, &vj); err != nil {
		return nil, scouterr.Malformed(raw, fmt.Errorf("bad json: %w", err))
	}
	if vj.Add == "" || vj.ID == "" {
		return nil, scouterr.Malformed(raw, fmt.Errorf("missing add/id"))
	}

	port, err := strconv.ParseUint(orDefault(vj.Port, "443"), 10, 16)
	if err != nil {
		return nil, scouterr.Malformed(raw, fmt.Errorf("bad port %q", vj.Port))
	}

	aid, _ := strconv.Atoi(vj.Aid)

	security := model.SecurityNone
	if vj.TLS == "tls" || vj.TLS == "reality" {
		security = model.Security(vj.TLS)
	}

	cfg := &model.Config{
		Protocol:       model.ProtocolVMess,
		UUID:           vj.ID,
		Host:           vj.Add,
		Port:           uint16(port),
		Transport:      model.Transport(orDefault(vj.Net, string(model.TransportTCP))),
		Security:       security,
		SNI:            orDefault(vj.SNI, vj.Host),
		Path:           vj.Path,
		HTTPHostHeader: vj.Host,
		Remark:         vj.PS,
		RawURI:         raw,
		HeaderType:     vj.Type,
		ALPN:           vj.ALPN,
		Fingerprint:    vj.FP,
		AlterID:        aid,
		Cipher:         orDefault(vj.Scy, "auto"),
		Version:        orDefault(vj.V, "2"),
	}
	return cfg, nil
}

func emitVMess(c *model.Config) (string, error) {
	if c.UUID == "" || c.Host == "" {
		return "", scouterr.Malformed(c.RawURI, fmt.Errorf("incomplete vmess config"))
	}

	tls := ""
	if c.Security == model.SecurityTLS || c.Security == model.SecurityReality {
		tls = string(c.Security)
	}

	vj := vmessJSON{
		V:    orDefault(c.Version, "2"),
		PS:   c.Remark,
		Add:  c.Host,
		Port: strconv.Itoa(int(c.Port)),
		ID:   c.UUID,
		Aid:  strconv.Itoa(c.AlterID),
		Net:  string(c.Transport),
		Type: c.HeaderType,
		Host: c.HTTPHostHeader,
		Path: c.Path,
		TLS:  tls,
		SNI:  c.SNI,
		ALPN: c.ALPN,
		FP:   c.Fingerprint,
		Scy:  orDefault(c.Cipher, "auto"),
	}

	data, err := json.Marshal(vj)
	if err != nil {
		return "", fmt.Errorf("marshal vmess json: %w", err)
	}

	return "vmess://" + base64.StdEncoding.EncodeToString(data), nil
}

// decodeBase64Tolerant accepts standard or URL-safe alphabets with
// optional padding, per SPEC_FULL §5.2 subscription-detection rule.
func decodeBase64Tolerant(s string) ([]byte, error) {
	s = strings.TrimSpace(s)
	candidates := []*base64.Encoding{
		base64.StdEncoding,
		base64.RawStdEncoding,
		base64.URLEncoding,
		base64.RawURLEncoding,
	}
	var lastErr error
	for _, enc := range candidates {
		if data, err := enc.DecodeString(s); err == nil {
			return data, nil
		} else {
			lastErr = err
		}
	}
	return nil, lastErr
}

func unmarshalVMessJSON(data []byte, vj *vmessJSON) error {
	// Some producers emit numeric port/aid instead of strings; fall
	// back to a generic map decode to tolerate that.
	if err := json.Unmarshal(data, vj); err == nil {
		return nil
	}
	var generic map[string]interface{}
	if err := json.Unmarshal(data, &generic); err != nil {
		return err
	}
	getStr := func(key string) string {
		switch v := generic[key].(type) {
		case string:
			return v
		case float64:
			return strconv.FormatFloat(v, 'f', -1, 64)
		default:
			return ""
		}
	}
	*vj = vmessJSON{
		V: getStr("v"), PS: getStr("ps"), Add: getStr("add"), Port: getStr("port"),
		ID: getStr("id"), Aid: getStr("aid"), Net: getStr("net"), Type: getStr("type"),
		Host: getStr("host"), Path: getStr("path"), TLS: getStr("tls"), SNI: getStr("sni"),
		ALPN: getStr("alpn"), FP: getStr("fp"), Scy: getStr("scy"),
	}
	return nil
}
