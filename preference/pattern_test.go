package preference

import "testing"

func TestExtractPattern(t *testing.T) {
	ctx := map[string]any{
		"agent_type":      "discord_followup",
		"checkpoint_name": "send_message",
		"recipient":       "ops@example.com",
		"irrelevant":      "ignored",
		"payload_size":    1024,
	}
	p := ExtractPattern(ctx)

	if len(p.Fields) != 3 {
		t.Errorf("fields = %v, want 3 weighted fields", p.Fields)
	}
	if _, ok := p.Fields["irrelevant"]; ok {
		t.Error("unweighted field leaked into pattern")
	}
	if p.Signature == "" {
		t.Fatal("empty signature")
	}

	// Same subset, same signature, regardless of extra context noise.
	p2 := ExtractPattern(map[string]any{
		"agent_type":      "discord_followup",
		"checkpoint_name": "send_message",
		"recipient":       "ops@example.com",
		"other_noise":     true,
	})
	if p2.Signature != p.Signature {
		t.Errorf("signatures differ for identical subsets: %s vs %s", p.Signature, p2.Signature)
	}

	// Any weighted field changing changes the signature.
	p3 := ExtractPattern(map[string]any{
		"agent_type":      "discord_followup",
		"checkpoint_name": "send_message",
		"recipient":       "eng@example.com",
	})
	if p3.Signature == p.Signature {
		t.Error("signature unchanged after recipient changed")
	}
}

func TestSimilarity_ExactAndPartial(t *testing.T) {
	a := ExtractPattern(map[string]any{
		"agent_type":      "discord_followup",
		"checkpoint_name": "send_message",
	})
	if sim := Similarity(a, a); sim != 1.0 {
		t.Errorf("self similarity = %v, want 1.0", sim)
	}

	b := ExtractPattern(map[string]any{
		"agent_type":      "discord_followup",
		"checkpoint_name": "delete_message",
	})
	// agent_type (1.0) matches out of 1.8 total weight.
	want := 1.0 / 1.8
	if sim := Similarity(a, b); sim < want-1e-9 || sim > want+1e-9 {
		t.Errorf("partial similarity = %v, want %v", sim, want)
	}

	c := ExtractPattern(map[string]any{"agent_type": "email_sender"})
	if sim := Similarity(a, c); sim != 0 {
		t.Errorf("disjoint similarity = %v, want 0", sim)
	}
}

func TestSimilarity_DomainHeuristic(t *testing.T) {
	a := ExtractPattern(map[string]any{"url": "https://api.example.com/v1/send"})
	b := ExtractPattern(map[string]any{"url": "https://api.example.com/v2/retract"})
	// Same host: 70% of the url weight over the url weight.
	if sim := Similarity(a, b); sim < heuristicWeight-1e-9 || sim > heuristicWeight+1e-9 {
		t.Errorf("same-host similarity = %v, want %v", sim, heuristicWeight)
	}

	c := ExtractPattern(map[string]any{"url": "https://other.example.net/v1/send"})
	if sim := Similarity(a, c); sim != 0 {
		t.Errorf("cross-host similarity = %v, want 0", sim)
	}

	d := ExtractPattern(map[string]any{"recipient": "ops@example.com"})
	e := ExtractPattern(map[string]any{"recipient": "alerts@example.com"})
	if sim := Similarity(d, e); sim < heuristicWeight-1e-9 || sim > heuristicWeight+1e-9 {
		t.Errorf("same-email-domain similarity = %v, want %v", sim, heuristicWeight)
	}
}
