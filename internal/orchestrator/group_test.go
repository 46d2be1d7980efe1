package orchestrator

import (
	"context"
	"net"
	"testing"
	"time"

	"cdnscout/internal/shared/model"
)

func TestResolveGroupsJoinsLiteralIPConfigsByEndpoint(t *testing.T) {
	configs := []*model.Config{
		{Host: "1.1.1.1", Port: 443, RawURI: "a"},
		{Host: "1.1.1.1", Port: 443, RawURI: "b"},
		{Host: "1.0.0.1", Port: 443, RawURI: "c"},
	}

	groups := resolveGroups(context.Background(), configs, time.Second)
	if len(groups) != 2 {
		t.Fatalf("expected 2 groups, got %d", len(groups))
	}

	byKey := map[string]*model.Group{}
	for _, g := range groups {
		byKey[g.Endpoint.Key()] = g
	}
	if len(byKey["1.1.1.1:443"].Configs) != 2 {
		t.Fatalf("expected 2 configs joined on 1.1.1.1:443, got %d", len(byKey["1.1.1.1:443"].Configs))
	}
}

func TestResolveGroupsDropsUnresolvableHost(t *testing.T) {
	configs := []*model.Config{
		{Host: "this-host-does-not-resolve.invalid", Port: 443, RawURI: "a"},
		{Host: "1.1.1.1", Port: 443, RawURI: "b"},
	}

	groups := resolveGroups(context.Background(), configs, 500*time.Millisecond)
	if len(groups) != 1 {
		t.Fatalf("expected the unresolvable host dropped, got %d groups", len(groups))
	}
}

func TestResolveHostNormalizesUnicodeHostToASCIIBeforeLookup(t *testing.T) {
	resolver := &net.Resolver{}
	// A Unicode hostname under the reserved .invalid TLD always fails
	// DNS resolution; this only verifies idna normalization runs
	// without panicking or short-circuiting before the lookup attempt.
	ips := resolveHost(context.Background(), resolver, "münchen.invalid", 500*time.Millisecond)
	if len(ips) != 0 {
		t.Fatalf("expected no addresses for a .invalid host, got %v", ips)
	}
}

func TestResolveHostRejectsInvalidIDNAWithoutPanicking(t *testing.T) {
	resolver := &net.Resolver{}
	ips := resolveHost(context.Background(), resolver, "xn--invalid-punycode-\x00", 500*time.Millisecond)
	if len(ips) != 0 {
		t.Fatalf("expected nil addresses for malformed idna input, got %v", ips)
	}
}

func TestGroupsFromEndpointsWrapsBareEndpoints(t *testing.T) {
	endpoints := []model.Endpoint{
		{IP: net.ParseIP("1.1.1.1"), Port: 443},
		{IP: net.ParseIP("1.0.0.1"), Port: 443},
	}
	groups := groupsFromEndpoints(endpoints)
	if len(groups) != 2 {
		t.Fatalf("expected 2 groups, got %d", len(groups))
	}
	for _, g := range groups {
		if len(g.Configs) != 0 {
			t.Fatalf("bare endpoint group should have no configs, got %d", len(g.Configs))
		}
	}
}
