package observability

import (
	"context"
	"testing"
	"time"
)

func TestDisabledProviderIsInert(t *testing.T) {
	p, err := New(context.Background(), &Config{Enabled: false})
	if err != nil {
		t.Fatal(err)
	}

	// No providers are constructed; record paths must be safe no-ops.
	p.JobProcessed(10*time.Millisecond, true)
	p.JobProcessed(10*time.Millisecond, false)
	p.BatchAnchored(context.Background(), 5)
	p.DAQueueDelta(context.Background(), 1)

	if err := p.Shutdown(context.Background()); err != nil {
		t.Fatal(err)
	}
}

func TestDisabledProviderStillTraces(t *testing.T) {
	p, err := New(context.Background(), nil)
	if err != nil {
		t.Fatal(err)
	}
	ctx, span := p.StartSpan(context.Background(), "seal-batch")
	if ctx == nil || span == nil {
		t.Fatal("span helpers must work without providers")
	}
	span.End()
}

func TestSamplerSelection(t *testing.T) {
	cfg := DefaultConfig()
	if cfg.SampleRate != 1.0 || cfg.Enabled {
		t.Fatalf("defaults changed: %+v", cfg)
	}
}
