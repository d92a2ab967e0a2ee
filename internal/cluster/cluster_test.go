package cluster

import (
	"context"
	"strings"
	"testing"

	"github.com/raysh454/uatu/internal/llm"
	"github.com/raysh454/uatu/internal/model"
	"github.com/raysh454/uatu/internal/testutil"
)

func vault() *model.Contract {
	return &model.Contract{
		Name: "Vault",
		Functions: []model.Function{
			{Name: "deposit", Inputs: []model.Param{{Name: "amount", Type: "uint256"}}},
			{Name: "withdraw", Inputs: []model.Param{{Name: "amount", Type: "uint256"}}, Modifiers: []string{"nonReentrant"}},
			{Name: "pause", Modifiers: []string{"onlyOwner"}},
		},
		Events: []model.Event{{Name: "Deposited"}},
	}
}

func newGateway(t *testing.T, p llm.Provider, caps llm.Caps) *llm.Gateway {
	t.Helper()
	gw, err := llm.NewGateway(context.Background(), llm.NewMemoryCache(), p, llm.Options{Enabled: true, Caps: caps}, &testutil.DummyLogger{})
	if err != nil {
		t.Fatalf("NewGateway: %v", err)
	}
	return gw
}

const reply = "```json\n" + `{"features":[
 {"name":"Funds flow","fns":["deposit","Vault.withdraw(uint256)","ghost"],"preconds":["balance > 0"],"fixture":["mint tokens"],"effects":["Deposited"]},
 {"name":"Admin","fns":["pause","unknown"]},
 {"name":"","fns":["deposit","withdraw"]}
]}` + "\n```"

func TestClusterKeepsKnownMultiFunctionFeatures(t *testing.T) {
	t.Parallel()
	p := &testutil.FakeProvider{Responses: []string{reply}}
	cl := New(newGateway(t, p, nil), &testutil.DummyLogger{})

	feats, reason := cl.Cluster(context.Background(), vault(), "rev1")
	if reason != "ok" {
		t.Fatalf("reason = %s", reason)
	}
	if len(feats) != 1 {
		t.Fatalf("features = %+v", feats)
	}
	f := feats[0]
	if f.Name != "Funds flow" || len(f.Fns) != 2 || f.Fns[0] != "deposit" || f.Fns[1] != "withdraw" {
		t.Fatalf("feature = %+v", f)
	}
	if len(f.Preconds) != 1 || f.Fixture[0] != "mint tokens" {
		t.Fatalf("hints lost: %+v", f)
	}
	if p.Calls() != 1 {
		t.Fatalf("provider calls = %d", p.Calls())
	}
	if got := p.Prompts[0]; !strings.Contains(got, "withdraw(uint256)") || !strings.Contains(got, "onlyOwner") || !strings.Contains(got, "Deposited") {
		t.Fatalf("prompt missing inputs: %s", got)
	}

	// second call for the same contract and revision is served from cache
	if _, reason := cl.Cluster(context.Background(), vault(), "rev1"); reason != "ok" || p.Calls() != 1 {
		t.Fatalf("expected cache hit, reason=%s calls=%d", reason, p.Calls())
	}
}

func TestClusterFailuresReturnNothing(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	cl := New(newGateway(t, &testutil.FakeProvider{Responses: []string{"no json here"}}, nil), nil)
	if feats, reason := cl.Cluster(ctx, vault(), "r"); feats != nil || reason != "invalid_output" {
		t.Fatalf("got %v %s", feats, reason)
	}

	p := &testutil.FakeProvider{Responses: []string{reply}}
	cl = New(newGateway(t, p, llm.Caps{llm.Mini: 0}), nil)
	if feats, reason := cl.Cluster(ctx, vault(), "r"); feats != nil || reason != llm.ReasonBudgetExceeded {
		t.Fatalf("got %v %s", feats, reason)
	}
	if p.Calls() != 0 {
		t.Fatalf("provider reached past budget")
	}

	cl = New(newGateway(t, nil, nil), nil)
	if _, reason := cl.Cluster(ctx, vault(), "r"); reason != llm.ReasonNoProvider {
		t.Fatalf("reason = %s", reason)
	}

	single := &model.Contract{Name: "One", Functions: []model.Function{{Name: "a"}}}
	if feats, _ := cl.Cluster(ctx, single, "r"); feats != nil {
		t.Fatalf("single-function contract clustered")
	}
}

func TestAll(t *testing.T) {
	t.Parallel()
	p := &testutil.FakeProvider{Responses: []string{reply}}
	cl := New(newGateway(t, p, nil), nil)
	sm := &model.SourceModel{Contracts: []model.Contract{*vault(), {Name: "Empty"}}}
	got := cl.All(context.Background(), sm, "r")
	if len(got) != 1 || got[0].Contract != "Vault" {
		t.Fatalf("clusters = %+v", got)
	}
}

func TestBareName(t *testing.T) {
	t.Parallel()
	for in, want := range map[string]string{
		"withdraw":                "withdraw",
		" withdraw(uint256) ":     "withdraw",
		"Vault.withdraw":          "withdraw",
		"Vault.withdraw(uint256)": "withdraw",
	} {
		if got := bareName(in); got != want {
			t.Errorf("bareName(%q) = %q", in, got)
		}
	}
}
