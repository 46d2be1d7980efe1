package latency

import (
	"context"
	"net"
	"testing"
	"time"

	"cdnscout/internal/shared/model"
)

func TestSniForPrefersConfigSNI(t *testing.T) {
	g := model.NewGroup(model.Endpoint{IP: net.ParseIP("1.1.1.1"), Port: 443})
	g.AddConfig(&model.Config{SNI: "cover.example.com"}, "cover.example.com")
	if got := sniFor(g); got != "cover.example.com" {
		t.Fatalf("sniFor = %q, want cover.example.com", got)
	}
}

func TestSniForFallsBackToEndpointIP(t *testing.T) {
	g := model.NewGroup(model.Endpoint{IP: net.ParseIP("1.1.1.1"), Port: 443})
	g.AddConfig(&model.Config{}, "")
	if got := sniFor(g); got != "1.1.1.1" {
		t.Fatalf("sniFor = %q, want 1.1.1.1", got)
	}
}

func TestTransportsWantedDetectsWSAndGRPCAndH2(t *testing.T) {
	g := model.NewGroup(model.Endpoint{IP: net.ParseIP("1.1.1.1"), Port: 443})
	g.AddConfig(&model.Config{Transport: model.TransportWS}, "a")
	g.AddConfig(&model.Config{Transport: model.TransportGRPC}, "b")
	g.AddConfig(&model.Config{Transport: model.TransportH2}, "c")
	ws, grpcWanted, h2 := transportsWanted(g)
	if !ws || !grpcWanted || !h2 {
		t.Fatalf("transportsWanted = (%v, %v, %v), want (true, true, true)", ws, grpcWanted, h2)
	}
}

func TestTransportsWantedFalseWhenAbsent(t *testing.T) {
	g := model.NewGroup(model.Endpoint{IP: net.ParseIP("1.1.1.1"), Port: 443})
	g.AddConfig(&model.Config{Transport: model.TransportTCP}, "a")
	ws, grpcWanted, h2 := transportsWanted(g)
	if ws || grpcWanted || h2 {
		t.Fatalf("transportsWanted = (%v, %v, %v), want all false", ws, grpcWanted, h2)
	}
}

func TestCheckH2ReturnsFalseWithoutH2Config(t *testing.T) {
	g := model.NewGroup(model.Endpoint{IP: net.ParseIP("1.1.1.1"), Port: 443})
	g.AddConfig(&model.Config{Transport: model.TransportTCP}, "a")
	if checkH2(context.Background(), g, time.Second) {
		t.Fatalf("expected checkH2 to return false when no config declares h2")
	}
}

func TestCheckH2ReturnsFalseOnUnreachableEndpoint(t *testing.T) {
	g := model.NewGroup(model.Endpoint{IP: net.ParseIP("203.0.113.1"), Port: 1})
	g.AddConfig(&model.Config{Transport: model.TransportH2}, "a")
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	if checkH2(ctx, g, 20*time.Millisecond) {
		t.Fatalf("expected checkH2 to return false against an unreachable endpoint")
	}
}

func TestClassifyNilIsNone(t *testing.T) {
	if got := classify(nil); got != model.ErrKindNone {
		t.Fatalf("classify(nil) = %v, want none", got)
	}
}

func TestFirstConfigWithTransportReturnsNilWhenAbsent(t *testing.T) {
	g := model.NewGroup(model.Endpoint{IP: net.ParseIP("1.1.1.1"), Port: 443})
	g.AddConfig(&model.Config{Transport: model.TransportTCP}, "a")
	if firstConfigWithTransport(g, model.TransportGRPC) != nil {
		t.Fatalf("expected nil for absent transport")
	}
}
