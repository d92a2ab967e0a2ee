package synth

import (
	"fmt"
	"strings"
)

func crateIdent(journeyID string) string {
	return strings.ReplaceAll(journeyID, "-", "_")
}

func renderCargoToml(journeyID string) string {
	id := crateIdent(journeyID)
	return fmt.Sprintf(`[package]
name = "soro_%s"
version = "0.1.0"
edition = "2021"

[lib]
name = "lib_%s"
path = "src/lib.rs"

[dev-dependencies]
`, id, id)
}

// renderSorobanTest calls every step as module::fn(args) with positional
// Rust defaults, then adds a repeated-call stress test per unique function.
func renderSorobanTest(journeyID, module string, steps, unique []fnShape) string {
	var calls []string
	for _, st := range steps {
		calls = append(calls, "    "+sorobanCall(module, st))
	}
	body := "    // no-op"
	if len(calls) > 0 {
		body = strings.Join(calls, "\n")
	}
	var b strings.Builder
	fmt.Fprintf(&b, `use lib_%s::%s;

#[test]
fn journey_compiles_and_runs() {
%s
}
`, crateIdent(journeyID), module, body)
	for _, fn := range unique {
		fmt.Fprintf(&b, `
#[test]
fn test_stress_%s() {
    for _ in 0..3 {
        %s
    }
}
`, fn.Name, sorobanCall(module, fn))
	}
	return b.String()
}

func sorobanCall(module string, fn fnShape) string {
	return fmt.Sprintf("let _ = %s::%s(%s);", module, fn.Name, strings.Join(mapTypes(fn.Types, RustDefaultArg), ", "))
}
