package tracing

import (
	"context"
	"strings"
	"testing"
	"time"
)

func TestNewProvider_Disabled(t *testing.T) {
	p, err := NewProvider(Config{Enabled: false, ExporterType: "bogus"})
	if err != nil {
		t.Fatalf("disabled provider should ignore the rest of the config, got %v", err)
	}
	if p.tp != nil {
		t.Error("disabled provider must not own an SDK provider")
	}
	if err := p.Shutdown(context.Background()); err != nil {
		t.Errorf("Shutdown on disabled provider = %v", err)
	}
}

func TestNewProvider_RejectsBadConfig(t *testing.T) {
	base := Config{ServiceName: "slotcast", Enabled: true, SamplingRate: 1}
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"no service name", func(c *Config) { c.ServiceName = "" }, "service name"},
		{"negative sampling", func(c *Config) { c.SamplingRate = -0.1 }, "sampling rate"},
		{"sampling above one", func(c *Config) { c.SamplingRate = 1.5 }, "sampling rate"},
		{"unknown exporter", func(c *Config) { c.ExporterType = "jaeger" }, "unsupported exporter"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := base
			tt.mutate(&cfg)
			_, err := NewProvider(cfg)
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("NewProvider error = %v, want it to mention %q", err, tt.wantErr)
			}
		})
	}
}

func TestNewProvider_Exporters(t *testing.T) {
	tests := []struct {
		exporter string
		endpoint string
	}{
		{"", "localhost:4318"},
		{ExporterOTLPHTTP, "localhost:4318"},
		{ExporterOTLPGRPC, "localhost:4317"},
	}
	for _, tt := range tests {
		t.Run(exporterName(tt.exporter), func(t *testing.T) {
			p, err := NewProvider(Config{
				ServiceName:  "slotcast",
				Enabled:      true,
				Environment:  "test",
				ExporterType: tt.exporter,
				OTLPEndpoint: tt.endpoint,
				SamplingRate: 0.25,
				InsecureMode: true,
			})
			if err != nil {
				t.Fatalf("NewProvider failed: %v", err)
			}
			if p.tp == nil {
				t.Fatal("enabled provider has no SDK provider")
			}

			// Nothing listens on the endpoint; only check that shutdown returns.
			ctx, cancel := context.WithTimeout(context.Background(), time.Second)
			defer cancel()
			_ = p.Shutdown(ctx)
		})
	}
}
