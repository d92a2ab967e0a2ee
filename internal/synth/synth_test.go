package synth

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/raysh454/uatu/internal/llm"
	"github.com/raysh454/uatu/internal/model"
	"github.com/raysh454/uatu/internal/store"
	"github.com/raysh454/uatu/internal/testutil"
)

const vaultSol = `// SPDX-License-Identifier: MIT
pragma solidity ^0.8.20;

contract Vault {
    mapping(address => uint256) public balances;
    function deposit() external payable { balances[msg.sender] += msg.value; }
    function withdraw(uint256 amount) external {
        balances[msg.sender] -= amount;
        payable(msg.sender).transfer(amount);
    }
}
`

const (
	goodSnippet = "```solidity\nfunction test_llm_withdraw() public {\n    Vault s = new Vault();\n    s.deposit();\n}\n```"
	badSnippet  = "function test_llm_withdraw() public {\n    BROKEN s;\n}"
)

func vaultModel() *model.SourceModel {
	return &model.SourceModel{Contracts: []model.Contract{{
		Name: "Vault",
		Functions: []model.Function{
			{Name: "deposit", Visibility: "external", Mutability: "payable"},
			{Name: "withdraw", Visibility: "external", Inputs: []model.Param{{Name: "amount", Type: "uint256"}}},
		},
		Events: []model.Event{{Name: "Withdrawn"}},
	}}}
}

func journey(id string, fns ...string) model.Journey {
	j := model.Journey{ID: id, Chain: "evm"}
	for _, fn := range fns {
		j.Steps = append(j.Steps, model.Step{Contract: "Vault", Function: fn, Actor: model.ActorUser})
	}
	return j
}

func newRequest(t *testing.T, journeys ...model.Journey) Request {
	t.Helper()
	src := t.TempDir()
	if err := os.WriteFile(filepath.Join(src, "Vault.sol"), []byte(vaultSol), 0o644); err != nil {
		t.Fatal(err)
	}
	return Request{
		Model:     vaultModel(),
		Journeys:  journeys,
		Threats:   &model.Threats{ByFunction: map[string]*model.Bucket{}},
		Ecosystem: "evm",
		SourceDir: src,
		Layout:    store.Layout{Root: t.TempDir()},
		Revision:  "rev",
	}
}

func newGateway(t *testing.T, p llm.Provider, caps llm.Caps) *llm.Gateway {
	t.Helper()
	gw, err := llm.NewGateway(context.Background(), llm.NewMemoryCache(), p, llm.Options{Enabled: true, Caps: caps}, nil)
	if err != nil {
		t.Fatalf("NewGateway: %v", err)
	}
	return gw
}

func testFile(req Request, jid string) string {
	return filepath.Join(req.Layout.TestsDir(), "evm", jid, "test", TestContractName(jid)+".t.sol")
}

func readFile(t *testing.T, path string) []byte {
	t.Helper()
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read %s: %v", path, err)
	}
	return data
}

func TestHeuristicModeEmitsEoPBlockForWithdraw(t *testing.T) {
	t.Parallel()
	cfg := DefaultConfig()
	cfg.EoPMode = EoPHeuristic
	req := newRequest(t, journey("happy_Vault_withdraw", "withdraw"))

	arts, err := NewEngine(cfg, nil, nil, &testutil.DummyLogger{}).Synthesize(context.Background(), req)
	if err != nil {
		t.Fatalf("Synthesize: %v", err)
	}
	if len(arts) != 1 || arts[0].Skipped || arts[0].Tool != ToolFoundry || arts[0].ID != "happy_Vault_withdraw_generated" {
		t.Fatalf("artifacts = %+v", arts)
	}
	code := string(readFile(t, testFile(req, "happy_Vault_withdraw")))
	for _, want := range []string{
		`import "@shared/Vault.sol";`,
		"contract Attacker {",
		"contract TestHappyVaultWithdraw {",
		"s.withdraw(1);",
		"function test_negative_withdraw() public {",
		`abi.encodeWithSignature("withdraw(uint256)", type(uint256).max)`,
		"function test_stress_withdraw() public {",
		"for (uint i = 0; i < 3; i++) {",
		"function test_eop_block_withdraw() public {",
		`bool ok = a.attack(abi.encodeWithSignature("withdraw(uint256)", 1));`,
		"assert(!ok);",
	} {
		if !strings.Contains(code, want) {
			t.Errorf("test file missing %q", want)
		}
	}
	if _, err := os.Stat(filepath.Join(req.Layout.TestsDir(), "evm", "happy_Vault_withdraw", "foundry.toml")); err != nil {
		t.Fatalf("foundry.toml missing: %v", err)
	}
	if _, err := os.Stat(filepath.Join(req.Layout.TestsDir(), "evm", sharedSourceDir, "Vault.sol")); err != nil {
		t.Fatalf("shared source missing: %v", err)
	}
}

func TestEoPOffAndStrideModes(t *testing.T) {
	t.Parallel()
	for _, tc := range []struct {
		mode   string
		threat bool
		want   bool
	}{
		{EoPOff, true, false},
		{EoPStride, false, false},
		{EoPStride, true, true},
	} {
		cfg := DefaultConfig()
		cfg.EoPMode = tc.mode
		req := newRequest(t, journey("happy_Vault_deposit", "deposit"))
		if tc.threat {
			b := model.NewBucket()
			b.Add(model.ElevationOfPrivilege, "high: arbitrary-send")
			req.Threats.ByFunction["Vault.deposit"] = b
		}
		if _, err := NewEngine(cfg, nil, nil, nil).Synthesize(context.Background(), req); err != nil {
			t.Fatalf("Synthesize: %v", err)
		}
		code := string(readFile(t, testFile(req, "happy_Vault_deposit")))
		if got := strings.Contains(code, "test_eop_block_deposit"); got != tc.want {
			t.Errorf("mode %s threat=%v: eop emitted = %v", tc.mode, tc.threat, got)
		}
	}
}

func TestMissingContractFileIsSkipped(t *testing.T) {
	t.Parallel()
	j := model.Journey{ID: "happy_Ghost_run", Steps: []model.Step{{Contract: "Ghost", Function: "run"}}}
	req := newRequest(t, j, model.Journey{ID: "empty"})
	arts, err := NewEngine(DefaultConfig(), nil, nil, nil).Synthesize(context.Background(), req)
	if err != nil {
		t.Fatalf("Synthesize: %v", err)
	}
	if len(arts) != 1 || !arts[0].Skipped {
		t.Fatalf("artifacts = %+v", arts)
	}
	if _, err := os.Stat(filepath.Join(req.Layout.TestsDir(), "evm", "happy_Ghost_run", "SKIPPED.txt")); err != nil {
		t.Fatalf("SKIPPED.txt missing: %v", err)
	}
}

func TestAugmentationCommittedWhenBuildPasses(t *testing.T) {
	t.Parallel()
	p := &testutil.FakeProvider{Responses: []string{goodSnippet}}
	b := &testutil.FakeBuilder{FailMarker: "BROKEN"}
	req := newRequest(t, journey("happy_Vault_withdraw", "withdraw"))

	arts, err := NewEngine(DefaultConfig(), newGateway(t, p, nil), b, nil).Synthesize(context.Background(), req)
	if err != nil {
		t.Fatalf("Synthesize: %v", err)
	}
	if len(arts[0].Augments) != 1 {
		t.Fatalf("augments = %+v", arts[0].Augments)
	}
	am := arts[0].Augments[0]
	if !am.Added || am.Reason != model.AugmentOK || am.Provider != "fake" || am.Patch == "" || am.Cached == nil || *am.Cached {
		t.Fatalf("meta = %+v", am)
	}
	code := string(readFile(t, testFile(req, "happy_Vault_withdraw")))
	begin, end := AugmentMarkers("happy_Vault_withdraw", "withdraw")
	if !strings.Contains(code, begin) || !strings.Contains(code, end) || !strings.Contains(code, "function test_llm_withdraw()") {
		t.Fatalf("snippet not committed:\n%s", code)
	}
	if strings.Index(code, end) > strings.LastIndex(code, "}") {
		t.Fatalf("snippet placed outside the test contract")
	}
	var onDisk model.AugmentMeta
	if err := store.ReadJSON(req.Layout.AugmentMeta("happy_Vault_withdraw", "withdraw"), &onDisk); err != nil {
		t.Fatalf("meta file: %v", err)
	}
	if !onDisk.Added || onDisk.Reason != model.AugmentOK {
		t.Fatalf("meta on disk = %+v", onDisk)
	}
	if b.BuildCount() != 1 {
		t.Fatalf("builds = %d", b.BuildCount())
	}
}

func TestCompileFailureRestoresExactBytes(t *testing.T) {
	t.Parallel()
	jid := "happy_Vault_withdraw"

	plain := newRequest(t, journey(jid, "withdraw"))
	if _, err := NewEngine(DefaultConfig(), nil, nil, nil).Synthesize(context.Background(), plain); err != nil {
		t.Fatalf("Synthesize: %v", err)
	}
	before := readFile(t, testFile(plain, jid))

	p := &testutil.FakeProvider{Responses: []string{badSnippet}}
	b := &testutil.FakeBuilder{FailMarker: "BROKEN"}
	cfg := DefaultConfig()
	cfg.LargeRecovery = false
	req := newRequest(t, journey(jid, "withdraw"))
	arts, err := NewEngine(cfg, newGateway(t, p, nil), b, nil).Synthesize(context.Background(), req)
	if err != nil {
		t.Fatalf("Synthesize: %v", err)
	}
	after := readFile(t, testFile(req, jid))
	if !bytes.Equal(before, after) {
		t.Fatalf("test file not restored:\n%s", after)
	}
	am := arts[0].Augments[0]
	if am.Added || am.Reason != model.AugmentCompileError || am.Patch == "" {
		t.Fatalf("meta = %+v", am)
	}
}

func TestInvalidSnippetAndBudget(t *testing.T) {
	t.Parallel()
	jid := "happy_Vault_withdraw"

	p := &testutil.FakeProvider{Responses: []string{"function nope() {"}}
	b := &testutil.FakeBuilder{}
	req := newRequest(t, journey(jid, "withdraw"))
	arts, err := NewEngine(DefaultConfig(), newGateway(t, p, nil), b, nil).Synthesize(context.Background(), req)
	if err != nil {
		t.Fatalf("Synthesize: %v", err)
	}
	if r := arts[0].Augments[0].Reason; r != model.AugmentInvalidSnippet {
		t.Fatalf("reason = %s", r)
	}
	if b.BuildCount() != 0 {
		t.Fatalf("invalid snippet reached the builder")
	}

	p = &testutil.FakeProvider{Responses: []string{goodSnippet}}
	req = newRequest(t, journey(jid, "withdraw"))
	arts, err = NewEngine(DefaultConfig(), newGateway(t, p, llm.Caps{llm.Mini: 0}), b, nil).Synthesize(context.Background(), req)
	if err != nil {
		t.Fatalf("Synthesize: %v", err)
	}
	if r := arts[0].Augments[0].Reason; r != model.AugmentBudgetExceeded {
		t.Fatalf("reason = %s", r)
	}
	if p.Calls() != 0 {
		t.Fatalf("provider called past the cap")
	}
}

func TestLargeTierRecoveryAfterTwoCompileErrors(t *testing.T) {
	t.Parallel()
	p := &testutil.FakeProvider{Responses: []string{badSnippet, badSnippet, goodSnippet}}
	b := &testutil.FakeBuilder{FailMarker: "BROKEN"}
	cfg := DefaultConfig()
	cfg.Workers = 1
	req := newRequest(t, journey("happy_Vault_withdraw", "withdraw"), journey("stress_Vault_withdraw", "withdraw"))

	gw := newGateway(t, p, llm.Caps{llm.Large: 1})
	arts, err := NewEngine(cfg, gw, b, nil).Synthesize(context.Background(), req)
	if err != nil {
		t.Fatalf("Synthesize: %v", err)
	}
	first, second := arts[0].Augments[0], arts[1].Augments[0]
	if first.Reason != model.AugmentCompileError {
		t.Fatalf("first = %+v", first)
	}
	if !second.Added || second.Tier != string(llm.Large) {
		t.Fatalf("second = %+v", second)
	}
	if p.Calls() != 3 || gw.Usage()[llm.Large] != 1 {
		t.Fatalf("calls = %d usage = %v", p.Calls(), gw.Usage())
	}
}

func TestSorobanProject(t *testing.T) {
	t.Parallel()
	src := t.TempDir()
	if err := os.WriteFile(filepath.Join(src, "lib.rs"), []byte("#[contract]\npub struct Counter;\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	sm := &model.SourceModel{Contracts: []model.Contract{{
		Name: "Counter",
		Functions: []model.Function{
			{Name: "increment", Inputs: []model.Param{{Name: "by", Type: "u32"}, {Name: "who", Type: "Address"}}},
		},
	}}}
	req := Request{
		Model:     sm,
		Journeys:  []model.Journey{{ID: "happy_Counter_increment", Steps: []model.Step{{Contract: "Counter", Function: "increment"}}}},
		Ecosystem: "stellar",
		SourceDir: src,
		Layout:    store.Layout{Root: t.TempDir()},
	}
	arts, err := NewEngine(DefaultConfig(), nil, nil, nil).Synthesize(context.Background(), req)
	if err != nil {
		t.Fatalf("Synthesize: %v", err)
	}
	if len(arts) != 1 || arts[0].Tool != ToolCargo {
		t.Fatalf("artifacts = %+v", arts)
	}
	proj := filepath.Join(req.Layout.TestsDir(), "soroban", "happy_Counter_increment")
	gen := string(readFile(t, filepath.Join(proj, "tests", "generated.rs")))
	if !strings.Contains(gen, "use lib_happy_Counter_increment::Counter;") || !strings.Contains(gen, "let _ = Counter::increment(1, Default::default());") {
		t.Fatalf("generated.rs:\n%s", gen)
	}
	if !strings.Contains(gen, "fn test_stress_increment() {\n    for _ in 0..3 {\n        let _ = Counter::increment(1, Default::default());") {
		t.Fatalf("stress test missing:\n%s", gen)
	}
	if !strings.Contains(string(readFile(t, filepath.Join(proj, "Cargo.toml"))), `name = "soro_happy_Counter_increment"`) {
		t.Fatalf("Cargo.toml name wrong")
	}
	if _, err := os.Stat(filepath.Join(proj, "src", "lib.rs")); err != nil {
		t.Fatalf("sources not copied: %v", err)
	}
}

func TestStagerValidate(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "T.t.sol")
	orig := []byte("contract T {\n}\n")
	if err := os.WriteFile(path, orig, 0o600); err != nil {
		t.Fatal(err)
	}
	edit := func(b []byte) ([]byte, error) { return insertSnippet(b, "j", "f", "function test_llm_f() public {}") }

	st, err := Stage(path, edit)
	if err != nil {
		t.Fatalf("Stage: %v", err)
	}
	if !bytes.Equal(readFile(t, path), orig) {
		t.Fatalf("Stage touched the file")
	}
	buildErr := errors.New("boom")
	kept, checkErr, err := st.Validate(context.Background(), func(context.Context) error { return buildErr })
	if kept || !errors.Is(checkErr, buildErr) || err != nil {
		t.Fatalf("kept=%v checkErr=%v err=%v", kept, checkErr, err)
	}
	if !bytes.Equal(readFile(t, path), orig) {
		t.Fatalf("file not restored")
	}
	if info, _ := os.Stat(path); info.Mode().Perm() != 0o600 {
		t.Fatalf("mode not preserved: %v", info.Mode())
	}

	st, _ = Stage(path, edit)
	kept, _, err = st.Validate(context.Background(), func(context.Context) error { return nil })
	if !kept || err != nil || !strings.Contains(string(readFile(t, path)), "test_llm_f") {
		t.Fatalf("candidate not kept")
	}
	if !strings.Contains(st.Patch(), "test_llm_f") {
		t.Fatalf("patch = %q", st.Patch())
	}

	st, _ = Stage(path, func(b []byte) ([]byte, error) { return append(b, "// panic\n"...), nil })
	before := readFile(t, path)
	func() {
		defer func() { _ = recover() }()
		_, _, _ = st.Validate(context.Background(), func(context.Context) error { panic("builder crashed") })
	}()
	if !bytes.Equal(readFile(t, path), before) {
		t.Fatalf("file not restored after panic")
	}
}

func TestArgTables(t *testing.T) {
	t.Parallel()
	cases := []struct{ typ, def, neg string }{
		{"uint256", "1", "type(uint256).max"},
		{"uint", "1", "type(uint256).max"},
		{"int8", "1", "type(int8).min"},
		{"address", "address(this)", "address(0)"},
		{"address payable", "payable(address(this))", "address(0)"},
		{"bool", "true", "false"},
		{"uint256[]", "new uint256[](0)", "new uint256[](0)"},
		{"bytes32", "bytes32(0)", "bytes32(0)"},
		{"bytes", `bytes("")`, `bytes("")`},
		{"string", `""`, `""`},
		{"MyStruct", "0", "0"},
	}
	for _, tc := range cases {
		if got := DefaultArg(tc.typ); got != tc.def {
			t.Errorf("DefaultArg(%q) = %q, want %q", tc.typ, got, tc.def)
		}
		if got := NegativeArg(tc.typ); got != tc.neg {
			t.Errorf("NegativeArg(%q) = %q, want %q", tc.typ, got, tc.neg)
		}
	}
	for typ, want := range map[string]string{"u64": "1", "&Address": "Default::default()", "Option<u32>": "None", "Vec<u8>": "Vec::new()", "String": `String::from("")`, "bool": "true"} {
		if got := RustDefaultArg(typ); got != want {
			t.Errorf("RustDefaultArg(%q) = %q, want %q", typ, got, want)
		}
	}
	if got := selector("f", []string{"uint", "address payable", "int[]"}); got != "f(uint256,address,int256[])" {
		t.Errorf("selector = %s", got)
	}
}

func TestGate(t *testing.T) {
	t.Parallel()
	eop := model.NewBucket()
	eop.Add(model.ElevationOfPrivilege, "x")
	cases := []struct {
		mode   string
		fn     string
		bucket *model.Bucket
		want   bool
		signal string
	}{
		{EoPHeuristic, "withdrawAll", nil, true, EoPHeuristic},
		{EoPHeuristic, "deposit", eop, false, EoPHeuristic},
		{EoPStride, "deposit", eop, true, EoPStride},
		{EoPBoth, "withdraw", eop, true, "stride+heuristic"},
		{EoPBoth, "deposit", nil, false, "none"},
		{EoPAuto, "deposit", eop, true, EoPStride},
		{EoPAuto, "SETOWNER", nil, true, EoPHeuristic},
		{EoPAuto, "deposit", nil, false, "none"},
		{EoPOff, "withdraw", eop, false, EoPOff},
		{"bogus", "pause", nil, true, EoPHeuristic},
	}
	for _, tc := range cases {
		ok, signal := NewGate(tc.mode, nil).Allow(tc.fn, tc.bucket)
		if ok != tc.want || signal != tc.signal {
			t.Errorf("%s/%s: got %v %s, want %v %s", tc.mode, tc.fn, ok, signal, tc.want, tc.signal)
		}
	}
	if !NewGate(EoPHeuristic, []string{"Drain"}).Sensitive("drainPool") {
		t.Errorf("custom prefixes ignored")
	}
}

func TestTestContractName(t *testing.T) {
	t.Parallel()
	for in, want := range map[string]string{
		"happy_Vault_withdraw":           "TestHappyVaultWithdraw",
		"negative_unauth_Vault_setOwner": "TestNegativeUnauthVaultSetowner",
		"feature_Token_erc20-flow":       "TestFeatureTokenErc20Flow",
	} {
		if got := TestContractName(in); got != want {
			t.Errorf("TestContractName(%q) = %q, want %q", in, got, want)
		}
	}
}
