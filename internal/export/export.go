// Package export implements the Exporter (SPEC_FULL §5.7): the four
// output artifacts a run produces, following the teacher's file_storage
// idiom of a single os.WriteFile per artifact behind structured
// logging. The results CSV and the two URI lists carry the caller's
// stamp as a filename prefix; clean_ips.txt has a fixed name. An
// existing file of the same name is overwritten.
package export

import (
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"cdnscout/internal/shared/logger"
	"cdnscout/internal/shared/model"
	"cdnscout/internal/speed"
)

// csvHeader keeps spec.md §4.7's mandated columns in their original
// order (ip through via) and appends informational extras afterward —
// additive, per SPEC_FULL §5.7, never replacing a named column.
var csvHeader = []string{
	"ip", "port", "score", "throughput_mbps", "latency_ms", "ttfb_ms",
	"alive", "n_domains", "n_configs", "via",
	"http_status", "tcp_ms", "ws_verified", "grpc_verified", "h2_verified",
}

// Write emits the four artifacts into dir. The results CSV and the two
// URI lists are prefixed with stamp (an RFC3339-ish timestamp the
// caller supplies so tests stay deterministic); clean_ips.txt is
// written under its fixed name on every call, empty when
// cleanEndpoints is empty.
func Write(dir, stamp string, ranked []*speed.Candidate, cleanEndpoints []model.Endpoint) error {
	l := logger.WithComponent("export")
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create output dir: %w", err)
	}

	if err := writeResultsCSV(filepath.Join(dir, stamp+"_results.csv"), ranked); err != nil {
		return err
	}
	if err := writeRankedText(filepath.Join(dir, stamp+"_top50.txt"), ranked, 50); err != nil {
		return err
	}
	if err := writeRankedText(filepath.Join(dir, stamp+"_full_sorted.txt"), ranked, 0); err != nil {
		return err
	}
	if err := writeCleanIPs(filepath.Join(dir, "clean_ips.txt"), cleanEndpoints); err != nil {
		return err
	}

	l.Info().Str("dir", dir).Int("ranked", len(ranked)).Int("clean", len(cleanEndpoints)).Msg("export finished")
	return nil
}

func writeResultsCSV(path string, ranked []*speed.Candidate) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create %s: %w", path, err)
	}
	defer f.Close()

	w := csv.NewWriter(f)
	if err := w.Write(csvHeader); err != nil {
		return err
	}
	for _, c := range ranked {
		if err := w.Write(resultRow(c)); err != nil {
			return err
		}
	}
	w.Flush()
	return w.Error()
}

func resultRow(c *speed.Candidate) []string {
	g := c.Group
	sample := c.LastGood

	row := []string{
		g.Endpoint.IP.String(),
		strconv.Itoa(int(g.Endpoint.Port)),
		strconv.FormatFloat(g.Score, 'f', 4, 64),
	}
	if sample != nil {
		row = append(row, strconv.FormatFloat(sample.ThroughputMbps, 'f', 2, 64))
	} else {
		row = append(row, "")
	}
	row = append(row,
		strconv.FormatFloat(g.Latency.TLSMillis, 'f', 2, 64),
	)
	if sample != nil {
		row = append(row, strconv.FormatFloat(sample.TTFBMillis, 'f', 2, 64))
	} else {
		row = append(row, "")
	}
	row = append(row,
		boolField(g.Latency.Alive),
		strconv.Itoa(len(g.Domains)),
		strconv.Itoa(len(g.Configs)),
	)
	if sample != nil {
		row = append(row, string(sample.Via), strconv.Itoa(sample.HTTPStatus))
	} else {
		row = append(row, "", "")
	}
	row = append(row,
		strconv.FormatFloat(g.Latency.TCPMillis, 'f', 2, 64),
		boolField(g.Latency.WSVerified), boolField(g.Latency.GRPCVerified), boolField(g.Latency.H2Verified),
	)
	return row
}

func boolField(b bool) string {
	if b {
		return "true"
	}
	return ""
}

// writeRankedText emits proxy URIs, one per line, best-first; limit=0
// means no truncation (the "full_sorted" artifact).
func writeRankedText(path string, ranked []*speed.Candidate, limit int) error {
	var sb strings.Builder
	n := len(ranked)
	if limit > 0 && limit < n {
		n = limit
	}
	for _, c := range ranked[:n] {
		for _, cfg := range c.Group.Configs {
			sb.WriteString(cfg.RawURI)
			sb.WriteString("\n")
		}
	}
	if err := os.WriteFile(path, []byte(sb.String()), 0644); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	return nil
}

// writeCleanIPs emits one ip or ip:port per line (port suffix shown
// whenever it isn't 443), in the order given -- ascending TLS
// handshake time, per sweep.CleanEndpoints (SPEC_FULL §4.3/§4.7).
func writeCleanIPs(path string, endpoints []model.Endpoint) error {
	var sb strings.Builder
	for _, ep := range endpoints {
		sb.WriteString(ep.String())
		sb.WriteString("\n")
	}
	if err := os.WriteFile(path, []byte(sb.String()), 0644); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	return nil
}
