package orchestrator

import (
	"context"
	"net"
	"time"

	"golang.org/x/net/idna"

	"cdnscout/internal/shared/logger"
	"cdnscout/internal/shared/model"
)

// resolveGroups implements the Config-Grouping join (spec §3
// "Group"): each config's host resolves to one or more IPs, and every
// (config, resolved IP) pair becomes a membership in that IP's group.
// A config whose host is already a literal IP resolves to itself.
func resolveGroups(ctx context.Context, configs []*model.Config, dnsTimeout time.Duration) []*model.Group {
	l := logger.WithComponent("orchestrator")
	resolver := &net.Resolver{}
	groups := make(map[string]*model.Group)
	dnsFailures := 0

	for _, c := range configs {
		ips := resolveHost(ctx, resolver, c.Host, dnsTimeout)
		if len(ips) == 0 {
			dnsFailures++
			continue
		}
		for _, ip := range ips {
			ep := model.Endpoint{IP: ip, Port: c.Port}
			g, ok := groups[ep.Key()]
			if !ok {
				g = model.NewGroup(ep)
				groups[ep.Key()] = g
			}
			g.AddConfig(c, c.Host)
		}
	}

	if dnsFailures > 0 {
		l.Warn().Int("count", dnsFailures).Msg("configs dropped for dns resolution failure")
	}

	out := make([]*model.Group, 0, len(groups))
	for _, g := range groups {
		out = append(out, g)
	}
	l.Info().Int("configs", len(configs)).Int("groups", len(out)).Msg("grouping finished")
	return out
}

func resolveHost(ctx context.Context, resolver *net.Resolver, host string, timeout time.Duration) []net.IP {
	if ip := net.ParseIP(host); ip != nil {
		return []net.IP{ip.To4()}
	}
	ascii, err := idna.Lookup.ToASCII(host)
	if err != nil {
		return nil
	}
	dctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	addrs, err := resolver.LookupHost(dctx, ascii)
	if err != nil {
		return nil
	}
	out := make([]net.IP, 0, len(addrs))
	for _, a := range addrs {
		if ip := net.ParseIP(a); ip != nil && ip.To4() != nil {
			out = append(out, ip.To4())
		}
	}
	return out
}

// groupsFromEndpoints wraps bare Endpoints (input shape 5, no
// ProxyConfig attached) as single-endpoint groups with an empty
// config list, so the Latency Engine can treat both input shapes
// uniformly.
func groupsFromEndpoints(endpoints []model.Endpoint) []*model.Group {
	out := make([]*model.Group, 0, len(endpoints))
	for _, ep := range endpoints {
		out = append(out, model.NewGroup(ep))
	}
	return out
}
