package agentworld

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestRateLimitPassthroughWhenUnlimited(t *testing.T) {
	inner := &mockProvider{name: "inner", responses: []GenerateResponse{{Content: "ok"}}}
	p := WithRateLimit(inner)

	if p.Name() != "inner" {
		t.Errorf("Name() = %q, want inner", p.Name())
	}
	resp, err := p.Generate(context.Background(), GenerateRequest{Model: "m"})
	if err != nil {
		t.Fatal(err)
	}
	if resp.Content != "ok" {
		t.Errorf("Content = %q, want ok", resp.Content)
	}
}

func TestRateLimitRPMBlocksOverBudget(t *testing.T) {
	inner := &mockProvider{}
	p := WithRateLimit(inner, RPM(2))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	for i := 0; i < 2; i++ {
		if _, err := p.Generate(ctx, GenerateRequest{}); err != nil {
			t.Fatal(err)
		}
	}

	// Third request must wait for the window; cancel instead of waiting it out.
	done := make(chan error, 1)
	go func() {
		_, err := p.Generate(ctx, GenerateRequest{})
		done <- err
	}()
	select {
	case err := <-done:
		t.Fatalf("third request completed inside the window: %v", err)
	case <-time.After(50 * time.Millisecond):
	}
	cancel()
	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("err = %v, want context.Canceled", err)
		}
	case <-time.After(time.Second):
		t.Fatal("blocked request did not observe cancellation")
	}
	if inner.calls() != 2 {
		t.Errorf("inner calls = %d, want 2", inner.calls())
	}
}

func TestRateLimitTPMIsSoft(t *testing.T) {
	// The request that blows the budget completes; the next one blocks.
	inner := &mockProvider{responses: []GenerateResponse{
		{Content: "big", Usage: &TokenUsage{InputTokens: 900, OutputTokens: 200}},
		{Content: "small"},
	}}
	p := WithRateLimit(inner, TPM(1000))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	resp, err := p.Generate(ctx, GenerateRequest{})
	if err != nil {
		t.Fatal(err)
	}
	if resp.Content != "big" {
		t.Fatalf("Content = %q, want big", resp.Content)
	}

	done := make(chan error, 1)
	go func() {
		_, err := p.Generate(ctx, GenerateRequest{})
		done <- err
	}()
	select {
	case err := <-done:
		t.Fatalf("second request completed while over token budget: %v", err)
	case <-time.After(50 * time.Millisecond):
	}
	cancel()
	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v, want context.Canceled", err)
	}
}

func TestRateLimitStreamCountsAgainstRPM(t *testing.T) {
	inner := &mockProvider{responses: []GenerateResponse{{Content: "streamed"}}}
	p := WithRateLimit(inner, RPM(1))

	ch := make(chan string, 8)
	resp, err := p.Stream(context.Background(), GenerateRequest{}, ch)
	if err != nil {
		t.Fatal(err)
	}
	if resp.Content != "streamed" {
		t.Errorf("Content = %q, want streamed", resp.Content)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := p.Generate(ctx, GenerateRequest{}); !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v, want context.Canceled for an exhausted budget", err)
	}
}

func TestRateLimitRecordUsageFallbacks(t *testing.T) {
	r := &rateLimitProvider{tpm: 100}

	r.recordUsage(nil)
	if len(r.tpmWindow) != 0 {
		t.Error("nil usage must not be recorded")
	}
	r.recordUsage(&TokenUsage{TotalTokens: 42})
	if len(r.tpmWindow) != 1 || r.tpmWindow[0].tokens != 42 {
		t.Errorf("tpmWindow = %+v, want one 42-token entry", r.tpmWindow)
	}
	r.recordUsage(&TokenUsage{InputTokens: 10, OutputTokens: 5, TotalTokens: 99})
	if r.tpmWindow[1].tokens != 15 {
		t.Errorf("tokens = %d, want input+output to win over total", r.tpmWindow[1].tokens)
	}
}

func TestPruneWindows(t *testing.T) {
	now := time.Now()
	cutoff := now.Add(-time.Minute)

	times := []time.Time{now.Add(-2 * time.Minute), now.Add(-90 * time.Second), now.Add(-time.Second), now}
	if got := pruneTime(times, cutoff); len(got) != 2 {
		t.Errorf("pruneTime kept %d entries, want 2", len(got))
	}

	entries := []tpmEntry{
		{at: now.Add(-2 * time.Minute), tokens: 1},
		{at: now, tokens: 2},
	}
	got := pruneTpm(entries, cutoff)
	if len(got) != 1 || got[0].tokens != 2 {
		t.Errorf("pruneTpm = %+v, want only the fresh entry", got)
	}
}
