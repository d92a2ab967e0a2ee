package extractor

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/raysh454/uatu/internal/model"
	"github.com/raysh454/uatu/internal/testutil"
)

const vaultSol = `// SPDX-License-Identifier: MIT
pragma solidity ^0.8.20;

import "./Ownable.sol";

/* block comment with function fake() public {} */
contract Vault is Ownable, ReentrancyGuard {
    mapping(address => uint256) public balances;
    address public owner;
    uint256 private constant FEE = 10;

    event Deposited(address indexed who, uint256 amount);
    event Withdrawn(address indexed who, uint256 amount);
    error Unauthorized(address caller);

    struct Position {
        uint256 size;
    }

    function deposit() external payable {
        balances[msg.sender] += msg.value;
        emit Deposited(msg.sender, msg.value);
    }

    function withdraw(uint256 _amount) external nonReentrant {
        balances[msg.sender] -= _amount;
        emit Withdrawn(msg.sender, _amount);
    }

    function setOwner(address newOwner) public onlyOwner {
        owner = newOwner;
    }

    function balanceOf(address who) public view returns (uint256 bal) {
        return balances[who];
    }

    function _internalHelper(bytes memory data) internal pure returns (bytes32) {
        return keccak256(data);
    }
}

interface IVault {
    function deposit() external payable;
}
`

const counterRs = `#![no_std]
use soroban_sdk::{contract, contractimpl, Address, Env, Symbol};

#[contract]
pub struct Counter;

#[contractimpl]
impl Counter {
    pub fn inc(env: Env, who: Address, by: i32) -> i32 {
        let key = (Symbol::new(&env, "count"), who.clone());
        if by > 0 { env.storage().persistent().set(&key, &by); }
        by
    }

    pub fn get(env: Env, who: Address) -> i32 {
        0
    }
}
`

func writeFile(t *testing.T, dir, name, content string) {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
}

func TestEVMExtract(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	writeFile(t, dir, "src/Vault.sol", vaultSol)
	writeFile(t, dir, "node_modules/dep/Ignored.sol", "contract Ignored { function x() public {} }")

	ex := For(model.EcosystemEVM, &testutil.DummyLogger{})
	if ex.Ecosystem() != model.EcosystemEVM {
		t.Fatalf("ecosystem = %q", ex.Ecosystem())
	}
	sm, err := ex.Extract(context.Background(), dir)
	if err != nil {
		t.Fatalf("Extract: %v", err)
	}
	if len(sm.Contracts) != 2 {
		t.Fatalf("expected 2 contracts, got %d", len(sm.Contracts))
	}
	vault := sm.Contract("Vault")
	if vault == nil {
		t.Fatalf("Vault not extracted")
	}
	if len(vault.Inherits) != 2 || vault.Inherits[0] != "Ownable" || vault.Inherits[1] != "ReentrancyGuard" {
		t.Fatalf("inherits = %v", vault.Inherits)
	}
	if len(vault.Functions) != 5 {
		t.Fatalf("expected 5 functions, got %d: %+v", len(vault.Functions), vault.Functions)
	}
	if vault.Function("fake") != nil {
		t.Fatalf("function inside a comment was extracted")
	}

	w := vault.Function("withdraw")
	if w.Visibility != model.VisibilityExternal || w.Mutability != model.MutabilityUnspecified {
		t.Fatalf("withdraw visibility/mutability = %s/%s", w.Visibility, w.Mutability)
	}
	if len(w.Inputs) != 1 || w.Inputs[0].Name != "amount" || w.Inputs[0].Type != "uint256" {
		t.Fatalf("withdraw inputs = %+v", w.Inputs)
	}
	if len(w.Modifiers) != 1 || w.Modifiers[0] != "nonReentrant" {
		t.Fatalf("withdraw modifiers = %v", w.Modifiers)
	}
	if len(w.EventsEmitted) != 1 || w.EventsEmitted[0] != "Withdrawn" {
		t.Fatalf("withdraw events = %v", w.EventsEmitted)
	}

	d := vault.Function("deposit")
	if d.Mutability != model.MutabilityPayable {
		t.Fatalf("deposit mutability = %s", d.Mutability)
	}

	b := vault.Function("balanceOf")
	if b.Mutability != model.MutabilityView || len(b.Outputs) != 1 || b.Outputs[0].Type != "uint256" {
		t.Fatalf("balanceOf = %+v", b)
	}
	if len(b.Modifiers) != 0 {
		t.Fatalf("balanceOf modifiers = %v", b.Modifiers)
	}

	h := vault.Function("_internalHelper")
	if h.Inputs[0].Type != "bytes" || h.Inputs[0].Name != "data" {
		t.Fatalf("storage keyword not removed: %+v", h.Inputs)
	}

	if len(vault.Events) != 2 || vault.Events[0].Name != "Deposited" {
		t.Fatalf("events = %+v", vault.Events)
	}
	if len(vault.Errors) != 1 || vault.Errors[0] != "Unauthorized" {
		t.Fatalf("errors = %v", vault.Errors)
	}

	names := map[string]string{}
	for _, sv := range vault.StateVars {
		names[sv.Name] = sv.Type
	}
	if names["balances"] != "mapping(address => uint256)" || names["owner"] != "address" || names["FEE"] != "uint256" {
		t.Fatalf("state vars = %+v", vault.StateVars)
	}
	if _, ok := names["size"]; ok {
		t.Fatalf("struct field leaked into state vars")
	}

	iface := sm.Contract("IVault")
	if iface == nil || len(iface.Functions) != 1 {
		t.Fatalf("IVault = %+v", iface)
	}
}

func TestEVMExtractMalformedFileDegrades(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	writeFile(t, dir, "Broken.sol", "contract Broken { function oops(uint256 a public {")
	writeFile(t, dir, "Ok.sol", "contract Ok { function ping() external {} }")

	sm, err := For("evm", nil).Extract(context.Background(), dir)
	if err != nil {
		t.Fatalf("Extract: %v", err)
	}
	if sm.Contract("Ok") == nil || len(sm.Contract("Ok").Functions) != 1 {
		t.Fatalf("well-formed file lost: %+v", sm.Contracts)
	}
}

func TestEVMExtractMissingDir(t *testing.T) {
	t.Parallel()
	if _, err := For("evm", nil).Extract(context.Background(), filepath.Join(t.TempDir(), "nope")); err == nil {
		t.Fatalf("expected error for missing directory")
	}
}

func TestSorobanExtract(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	writeFile(t, dir, "src/lib.rs", counterRs)

	ex := For("soroban", nil)
	if ex.Ecosystem() != model.EcosystemStellar {
		t.Fatalf("ecosystem = %q", ex.Ecosystem())
	}
	sm, err := ex.Extract(context.Background(), dir)
	if err != nil {
		t.Fatalf("Extract: %v", err)
	}
	c := sm.Contract("Counter")
	if c == nil || len(c.Functions) != 2 {
		t.Fatalf("Counter = %+v", sm.Contracts)
	}
	inc := c.Function("inc")
	if len(inc.Inputs) != 2 || inc.Inputs[0].Name != "who" || inc.Inputs[1].Type != "i32" {
		t.Fatalf("env param not dropped: %+v", inc.Inputs)
	}
	if len(inc.Outputs) != 0 || len(inc.Modifiers) != 0 {
		t.Fatalf("outputs/modifiers must not be inferred: %+v", inc)
	}
}

func TestSorobanFallsBackToRustModules(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	writeFile(t, dir, "src/token.rs", `
mod ledger {
    pub fn credit(env: Env, to: Address, amount: u64) {}
    fn private_helper() {}
}
`)
	writeFile(t, dir, "src/util.rs", "pub fn helper(x: u32) -> u32 { x }\n")

	sm, err := For(model.EcosystemStellar, nil).Extract(context.Background(), dir)
	if err != nil {
		t.Fatalf("Extract: %v", err)
	}
	ledger := sm.Contract("ledger")
	if ledger == nil || len(ledger.Functions) != 1 {
		t.Fatalf("ledger = %+v", sm.Contracts)
	}
	// the generic fallback keeps the env parameter
	if len(ledger.Functions[0].Inputs) != 3 {
		t.Fatalf("credit inputs = %+v", ledger.Functions[0].Inputs)
	}
	if sm.Contract("util") == nil {
		t.Fatalf("file stem contract missing: %+v", sm.Contracts)
	}
}

func TestParseSolidityParams(t *testing.T) {
	t.Parallel()
	cases := []struct {
		in   string
		want []model.Param
	}{
		{"", nil},
		{"uint256 _amount", []model.Param{{Name: "amount", Type: "uint256"}}},
		{"address payable to, bytes calldata data", []model.Param{{Name: "to", Type: "address payable"}, {Name: "data", Type: "bytes"}}},
		{"uint256[] memory ids", []model.Param{{Name: "ids", Type: "uint256[]"}}},
		{"bool", []model.Param{{Type: "bool"}}},
	}
	for _, tc := range cases {
		got := ParseSolidityParams(tc.in)
		if len(got) != len(tc.want) {
			t.Fatalf("%q: got %+v want %+v", tc.in, got, tc.want)
		}
		for i := range got {
			if got[i] != tc.want[i] {
				t.Fatalf("%q: param %d = %+v want %+v", tc.in, i, got[i], tc.want[i])
			}
		}
	}
}
