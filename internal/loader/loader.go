// Package loader implements the Input Loader (SPEC_FULL §5.2): the
// five input shapes are detected in priority order and normalized
// into a Result the rest of the pipeline consumes uniformly.
package loader

import (
	"bufio"
	"encoding/json"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"

	"cdnscout/internal/codec"
	"cdnscout/internal/shared/logger"
	"cdnscout/internal/shared/model"
)

// Options selects which of the five input shapes to load.
type Options struct {
	InputFile string // text file of URIs, or a domain-JSON file
	SubURL    string // subscription URL
	Template  string // template URI; combined with InputFile as an address list
	Addresses []string // pre-split address list (bare "ip" or "ip:port"), used when
	// Template is set and InputFile is empty; a set InputFile's lines replace it
}

// Result is the loader's normalized output. CleanOnly is set when no
// ProxyConfig could be produced and downstream engines should operate
// on bare Endpoints instead (input shape 5).
type Result struct {
	Configs        []*model.Config
	Endpoints      []model.Endpoint
	Template       *model.Config
	MalformedCount int
	SkippedCount   int // recognized-but-unsupported scheme, e.g. trojan://
	CleanOnly      bool
}

// domainJSON mirrors {"data":[{"domain":...,"ipv4":...}]}.
type domainJSON struct {
	Data []struct {
		Domain string `json:"domain"`
		IPv4   string `json:"ipv4"`
	} `json:"data"`
}

// Load runs the five-shape detection in priority order.
func Load(opts Options) (*Result, error) {
	l := logger.WithComponent("loader")

	// Shape 1: explicit template + address list. A domain-JSON input
	// file is left to shape 3.
	if opts.Template != "" && (opts.InputFile != "" || len(opts.Addresses) > 0) && !isDomainJSONFile(opts.InputFile) {
		template, err := codec.Parse(opts.Template)
		if err != nil {
			return nil, fmt.Errorf("parse --template: %w", err)
		}
		addrs := opts.Addresses
		if opts.InputFile != "" {
			lines, err := readNonEmptyLines(opts.InputFile)
			if err != nil {
				return nil, err
			}
			addrs = lines
		}
		return loadTemplateAddresses(template, addrs)
	}

	// Shape 2: subscription URL.
	if opts.SubURL != "" {
		body, err := fetchSubscription(opts.SubURL)
		if err != nil {
			return nil, err
		}
		text, err := decodeSubscriptionBody(body)
		if err != nil {
			return nil, err
		}
		return loadURILines(splitLines(text))
	}

	if opts.InputFile == "" {
		// Shape 5: clean-IP only, no input at all.
		return &Result{CleanOnly: true}, nil
	}

	data, err := os.ReadFile(opts.InputFile)
	if err != nil {
		return nil, fmt.Errorf("read input file: %w", err)
	}

	// Shape 3: domain-JSON file.
	if dj, ok := tryParseDomainJSON(data); ok {
		l.Info().Int("entries", len(dj.Data)).Msg("loaded domain-json input")
		if opts.Template != "" {
			template, err := codec.Parse(opts.Template)
			if err != nil {
				return nil, fmt.Errorf("parse --template: %w", err)
			}
			addrs := make([]string, 0, len(dj.Data))
			for _, e := range dj.Data {
				addrs = append(addrs, e.IPv4)
			}
			return loadTemplateAddresses(template, addrs)
		}
		res := &Result{CleanOnly: true}
		for _, e := range dj.Data {
			if ip := parseIPv4(e.IPv4); ip != nil {
				res.Endpoints = append(res.Endpoints, model.Endpoint{IP: ip, Port: 443})
			}
		}
		return res, nil
	}

	// Shape 4: text file of URIs.
	return loadURILines(splitLines(string(data)))
}

func loadTemplateAddresses(template *model.Config, addrs []string) (*Result, error) {
	res := &Result{Template: template}
	for _, addr := range addrs {
		addr = strings.TrimSpace(addr)
		if addr == "" || strings.HasPrefix(addr, "#") {
			continue
		}
		ip, port := splitAddr(addr, template.Port)
		if ip == nil {
			res.MalformedCount++
			continue
		}
		uri, err := codec.Substitute(template, ip.String(), port)
		if err != nil {
			res.MalformedCount++
			continue
		}
		cfg, err := codec.Parse(uri)
		if err != nil {
			res.MalformedCount++
			continue
		}
		res.Configs = append(res.Configs, cfg)
	}
	return dedupeByRawURI(res), nil
}

func loadURILines(lines []string) (*Result, error) {
	res := &Result{}
	seen := make(map[string]bool)
	for _, line := range lines {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if seen[line] {
			continue
		}
		seen[line] = true

		if strings.HasPrefix(line, "trojan://") || strings.HasPrefix(line, "ss://") {
			res.SkippedCount++
			continue
		}

		cfg, err := codec.Parse(line)
		if err != nil {
			res.MalformedCount++
			continue
		}
		res.Configs = append(res.Configs, cfg)
	}
	if len(res.Configs) == 0 && res.MalformedCount == 0 && res.SkippedCount == 0 {
		res.CleanOnly = true
	}
	return res, nil
}

// dedupeByRawURI collapses duplicate configs by full raw_uri
// (SPEC_FULL §5.2), preserving first-seen order.
func dedupeByRawURI(res *Result) *Result {
	seen := make(map[string]bool, len(res.Configs))
	out := res.Configs[:0]
	for _, c := range res.Configs {
		if seen[c.RawURI] {
			continue
		}
		seen[c.RawURI] = true
		out = append(out, c)
	}
	res.Configs = out
	return res
}

func tryParseDomainJSON(data []byte) (*domainJSON, bool) {
	trimmed := strings.TrimSpace(string(data))
	if !strings.HasPrefix(trimmed, "{") {
		return nil, false
	}
	var dj domainJSON
	if err := json.Unmarshal(data, &dj); err != nil {
		return nil, false
	}
	if dj.Data == nil {
		return nil, false
	}
	return &dj, true
}

// isDomainJSONFile reports whether path names a readable domain-JSON file.
func isDomainJSONFile(path string) bool {
	if path == "" {
		return false
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return false
	}
	_, ok := tryParseDomainJSON(data)
	return ok
}

func splitLines(text string) []string {
	var lines []string
	sc := bufio.NewScanner(strings.NewReader(text))
	sc.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for sc.Scan() {
		lines = append(lines, sc.Text())
	}
	return lines
}

func readNonEmptyLines(path string) ([]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	return splitLines(string(data)), nil
}

// splitAddr accepts "ip" or "ip:port"; defaultPort is used when no
// port suffix is present.
func splitAddr(addr string, defaultPort uint16) (ip net.IP, port uint16) {
	host, portStr, hasPort := cutLast(addr, ":")
	if !hasPort {
		host = addr
	}
	ip = parseIPv4(host)
	if ip == nil {
		return nil, 0
	}
	port = defaultPort
	if hasPort {
		n, err := strconv.ParseUint(portStr, 10, 16)
		if err != nil {
			return nil, 0
		}
		port = uint16(n)
	}
	return ip, port
}

func parseIPv4(s string) net.IP {
	ip := net.ParseIP(strings.TrimSpace(s))
	if ip == nil {
		return nil
	}
	return ip.To4()
}

func cutLast(s, sep string) (before, after string, found bool) {
	i := strings.LastIndex(s, sep)
	if i < 0 {
		return s, "", false
	}
	return s[:i], s[i+len(sep):], true
}
