package otelsupport

import (
	"context"
	"testing"
)

func TestInitDisabledLeavesNoopTracer(t *testing.T) {
	p, err := Init(context.Background(), Config{Enabled: false})
	if err != nil {
		t.Fatalf("init disabled: %v", err)
	}
	defer p.Shutdown(context.Background())

	if Tracer() == nil {
		t.Fatal("expected a non-nil no-op tracer when disabled")
	}
	if err := p.Shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown on disabled provider should be a no-op, got %v", err)
	}
}

func TestInitNoneExporterBuildsRealProvider(t *testing.T) {
	p, err := Init(context.Background(), Config{Enabled: true, Exporter: "none", ServiceName: "fleetd-test"})
	if err != nil {
		t.Fatalf("init with none exporter: %v", err)
	}
	defer p.Shutdown(context.Background())

	if Tracer() == nil {
		t.Fatal("expected a non-nil tracer once enabled")
	}
}

func TestInitUnknownExporterErrors(t *testing.T) {
	if _, err := Init(context.Background(), Config{Enabled: true, Exporter: "magic-pixie-dust"}); err == nil {
		t.Fatal("expected an error for an unrecognized exporter name")
	}
}

func TestShutdownOnNilProviderIsNoop(t *testing.T) {
	var p *Provider
	if err := p.Shutdown(context.Background()); err != nil {
		t.Fatalf("expected nil-receiver shutdown to be a no-op, got %v", err)
	}
}
