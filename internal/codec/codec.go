// Package codec implements the URI Codec (SPEC_FULL §5.1): parsing
// and emitting VLESS and VMess proxy URIs, and substituting a
// candidate endpoint's IP:port into a template URI while preserving
// every other field byte-for-byte.
//
// VLESS and VMess are modeled as a single tagged variant
// (model.Config with a Protocol discriminator) behind one operation
// set, per SPEC_FULL §9's dynamic-dispatch design note, rather than as
// two unrelated types with duplicated call sites.
package codec

import (
	"strconv"
	"strings"

	"cdnscout/internal/shared/model"
	"cdnscout/internal/shared/scouterr"
)

// Parse dispatches on URI scheme to the VLESS or VMess parser.
func Parse(raw string) (*model.Config, error) {
	raw = strings.TrimSpace(raw)
	switch {
	case strings.HasPrefix(raw, "vless://"):
		return parseVLESS(raw)
	case strings.HasPrefix(raw, "vmess://"):
		return parseVMess(raw)
	default:
		return nil, scouterr.Malformed(raw, errUnrecognizedScheme(raw))
	}
}

// Emit dispatches on Config.Protocol to the VLESS or VMess emitter.
func Emit(c *model.Config) (string, error) {
	switch c.Protocol {
	case model.ProtocolVLESS:
		return emitVLESS(c)
	case model.ProtocolVMess:
		return emitVMess(c)
	default:
		return "", scouterr.Malformed(c.RawURI, errUnrecognizedScheme(string(c.Protocol)))
	}
}

// Substitute returns a new URI identical to template in every field
// except Host and Port, which are replaced by ep. SNI and the HTTP
// Host header are preserved verbatim -- that is the whole point: the
// edge IP changes, the camouflage SNI does not (SPEC_FULL §5.1).
func Substitute(template *model.Config, ip string, port uint16) (string, error) {
	sub := *template
	sub.Host = ip
	sub.Port = port
	return Emit(&sub)
}

func errUnrecognizedScheme(raw string) error {
	return &unrecognizedSchemeError{raw: raw}
}

type unrecognizedSchemeError struct{ raw string }

func (e *unrecognizedSchemeError) Error() string {
	return "unrecognized scheme in " + strconv.Quote(e.raw)
}
