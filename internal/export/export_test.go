package export

import (
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"cdnscout/internal/shared/model"
	"cdnscout/internal/speed"
)

func newCandidate(ip string, uri string) *speed.Candidate {
	g := model.NewGroup(model.Endpoint{IP: net.ParseIP(ip), Port: 443})
	g.Latency = &model.LatencyResult{Alive: true, TLSMillis: 20, TCPMillis: 10}
	g.Score = 0.8
	g.AddConfig(&model.Config{RawURI: uri}, "example.com")
	return &speed.Candidate{
		Group:    g,
		LastGood: &model.SpeedSample{ThroughputMbps: 50, TTFBMillis: 15, Via: model.ViaDirect, HTTPStatus: 200},
	}
}

func TestWriteProducesFourArtifacts(t *testing.T) {
	dir := t.TempDir()
	ranked := []*speed.Candidate{newCandidate("1.1.1.1", "vless://u@1.1.1.1:443#x")}
	endpoints := []model.Endpoint{{IP: net.ParseIP("1.0.0.1"), Port: 443}}

	if err := Write(dir, "20260101T000000Z", ranked, endpoints); err != nil {
		t.Fatalf("Write: %v", err)
	}

	for _, name := range []string{
		"20260101T000000Z_results.csv",
		"20260101T000000Z_top50.txt",
		"20260101T000000Z_full_sorted.txt",
		"clean_ips.txt",
	} {
		if _, err := os.Stat(filepath.Join(dir, name)); err != nil {
			t.Fatalf("missing artifact %s: %v", name, err)
		}
	}
}

func TestResultsCSVIncludesVerificationColumns(t *testing.T) {
	dir := t.TempDir()
	c := newCandidate("1.1.1.1", "vless://u@1.1.1.1:443#x")
	c.Group.Latency.WSVerified = true

	if err := Write(dir, "stamp", []*speed.Candidate{c}, nil); err != nil {
		t.Fatalf("Write: %v", err)
	}
	data, err := os.ReadFile(filepath.Join(dir, "stamp_results.csv"))
	if err != nil {
		t.Fatalf("read csv: %v", err)
	}
	text := string(data)
	if !strings.Contains(text, "ws_verified,grpc_verified,h2_verified") {
		t.Fatalf("csv header missing verification columns:\n%s", text)
	}
	lines := strings.Split(strings.TrimRight(text, "\n"), "\n")
	header := strings.Split(lines[0], ",")
	row := strings.Split(lines[1], ",")
	wsVerified := ""
	for i, name := range header {
		if name == "ws_verified" {
			wsVerified = row[i]
		}
	}
	if wsVerified != "true" {
		t.Fatalf("csv row missing ws_verified=true:\n%s", text)
	}
}

func TestResultsCSVKeepsSpecMandatedColumns(t *testing.T) {
	dir := t.TempDir()
	c := newCandidate("1.1.1.1", "vless://u@1.1.1.1:443#x")

	if err := Write(dir, "stamp", []*speed.Candidate{c}, nil); err != nil {
		t.Fatalf("Write: %v", err)
	}
	data, err := os.ReadFile(filepath.Join(dir, "stamp_results.csv"))
	if err != nil {
		t.Fatalf("read csv: %v", err)
	}

	lines := strings.Split(strings.TrimRight(string(data), "\n"), "\n")
	header := strings.Split(lines[0], ",")
	wantOrder := []string{"ip", "port", "score", "throughput_mbps", "latency_ms", "ttfb_ms", "alive", "n_domains", "n_configs", "via"}
	for i, want := range wantOrder {
		if header[i] != want {
			t.Fatalf("header[%d] = %q, want %q (spec.md §4.7 column order): %v", i, header[i], want, header)
		}
	}

	row := strings.Split(lines[1], ",")
	fields := map[string]string{}
	for i, name := range header {
		fields[name] = row[i]
	}
	if fields["alive"] != "true" {
		t.Fatalf("alive = %q, want true", fields["alive"])
	}
	if fields["n_domains"] != "1" {
		t.Fatalf("n_domains = %q, want 1", fields["n_domains"])
	}
	if fields["n_configs"] != "1" {
		t.Fatalf("n_configs = %q, want 1", fields["n_configs"])
	}
}

func TestWriteCleanIPsKeepsPortSuffixAndInputOrder(t *testing.T) {
	dir := t.TempDir()
	endpoints := []model.Endpoint{
		{IP: net.ParseIP("198.51.100.9"), Port: 8443}, // non-443: port suffix required
		{IP: net.ParseIP("1.1.1.1"), Port: 443},        // 443: no suffix
		{IP: net.ParseIP("1.0.0.1"), Port: 443},
	}

	if err := Write(dir, "stamp", nil, endpoints); err != nil {
		t.Fatalf("Write: %v", err)
	}
	data, err := os.ReadFile(filepath.Join(dir, "clean_ips.txt"))
	if err != nil {
		t.Fatalf("read clean_ips.txt: %v", err)
	}

	lines := strings.Split(strings.TrimRight(string(data), "\n"), "\n")
	want := []string{"198.51.100.9:8443", "1.1.1.1", "1.0.0.1"}
	if len(lines) != len(want) {
		t.Fatalf("got %d lines, want %d:\n%v", len(lines), len(want), lines)
	}
	for i, w := range want {
		if lines[i] != w {
			t.Fatalf("line %d = %q, want %q (order/port suffix must be preserved from input)", i, lines[i], w)
		}
	}
}

func TestFullSortedContainsAllConfigsTop50Truncates(t *testing.T) {
	dir := t.TempDir()
	ranked := make([]*speed.Candidate, 60)
	for i := range ranked {
		ranked[i] = newCandidate("1.1.1.1", "vless://u@1.1.1.1:443#x")
	}
	if err := Write(dir, "stamp", ranked, nil); err != nil {
		t.Fatalf("Write: %v", err)
	}

	full, _ := os.ReadFile(filepath.Join(dir, "stamp_full_sorted.txt"))
	top, _ := os.ReadFile(filepath.Join(dir, "stamp_top50.txt"))

	fullLines := strings.Count(strings.TrimRight(string(full), "\n"), "\n") + 1
	topLines := strings.Count(strings.TrimRight(string(top), "\n"), "\n") + 1
	if fullLines != 60 {
		t.Fatalf("full_sorted has %d lines, want 60", fullLines)
	}
	if topLines != 50 {
		t.Fatalf("top50 has %d lines, want 50", topLines)
	}
}
