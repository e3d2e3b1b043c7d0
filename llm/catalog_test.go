package llm

import (
	"math"
	"testing"
)

func TestGetModelInfoByID(t *testing.T) {
	info := GetModelInfo("claude-opus-4-6")
	if info == nil {
		t.Fatal("expected catalog entry")
	}
	if info.Provider != "anthropic" {
		t.Errorf("expected anthropic, got %s", info.Provider)
	}
}

func TestGetModelInfoByAlias(t *testing.T) {
	info := GetModelInfo("sonnet")
	if info == nil {
		t.Fatal("expected catalog entry for alias")
	}
	if info.ID != "claude-sonnet-4-5" {
		t.Errorf("alias resolved to %s", info.ID)
	}
}

func TestGetModelInfoUnknown(t *testing.T) {
	if info := GetModelInfo("no-such-model"); info != nil {
		t.Errorf("expected nil, got %+v", info)
	}
}

func TestListModelsFiltered(t *testing.T) {
	all := ListModels("")
	if len(all) == 0 {
		t.Fatal("catalog is empty")
	}
	openai := ListModels("openai")
	for _, m := range openai {
		if m.Provider != "openai" {
			t.Errorf("filter leaked provider %s", m.Provider)
		}
	}
	if len(openai) >= len(all) {
		t.Error("filtered list should be smaller than the full catalog")
	}
}

func TestCostOf(t *testing.T) {
	usage := Usage{InputTokens: 1_000_000, OutputTokens: 1_000_000}
	got := CostOf("claude-sonnet-4-5", usage)
	want := 3.0 + 15.0
	if math.Abs(got-want) > 1e-9 {
		t.Errorf("CostOf = %v, want %v", got, want)
	}
}

func TestCostOfUnknownModel(t *testing.T) {
	if got := CostOf("mystery", Usage{InputTokens: 1000}); got != 0 {
		t.Errorf("unknown model should cost 0, got %v", got)
	}
}
