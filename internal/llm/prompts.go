package llm

import (
	"fmt"
	"regexp"
	"strings"
)

// Template ids, part of every cache key.
const (
	TemplateRepoSynopsis      = "repo_synopsis"
	TemplateClustering        = "function_clustering"
	TemplateAssertionAugment  = "assertion_augment"
	TemplateAssertionRecovery = "assertion_recovery"
)

const assertionHeader = `You generate Solidity Foundry tests (pragma ^0.8.20) that assert behavior of a specific function call.
Constraints:
- Output ONLY a single Solidity test function inside a contract (no imports, no pragma, no comments outside the function).
- Use built-in ` + "`assert`" + ` or ` + "`require`" + ` or ` + "`vm.expectRevert`" + ` if needed (forge-std may be available).
- The test contract has no state variables and no setUp. Start the function body by deploying the contract under test: ` + "`%[1]s s = new %[1]s();`" + `.
- Name the function exactly: test_llm_%[2]s.
- The function should execute the call ` + "`%[3]s`" + ` and assert postconditions true.
- Prefer simple, deterministic checks: state diffs, event counts (if available), revert on invalid input, invariants (e.g., non-decreasing), bounds, ownership checks.
- Do NOT write external helper contracts or imports.
`

// AssertionInput is the scoped context of one augmentation prompt.
type AssertionInput struct {
	Contract string
	Function string
	Types    []string
	Args     []string
	Events   []string
	Errors   []string
	// Threats maps category name to messages; only non-empty slots are listed.
	Threats map[string][]string
	// Previous, when set, is a snippet that failed to compile.
	Previous string
}

// AssertionPrompt renders the augmentation prompt for one function.
func AssertionPrompt(in AssertionInput) string {
	call := fmt.Sprintf("s.%s(%s)", in.Function, strings.Join(in.Args, ", "))
	var threatLines []string
	for _, cat := range []string{"spoofing", "tampering", "repudiation", "information_disclosure", "denial_of_service", "elevation_of_privilege"} {
		msgs := in.Threats[cat]
		if len(msgs) == 0 {
			continue
		}
		if len(msgs) > 4 {
			msgs = msgs[:4]
		}
		threatLines = append(threatLines, fmt.Sprintf("- %s: %s", cat, strings.Join(msgs, ", ")))
	}
	threats := "none"
	if len(threatLines) > 0 {
		threats = strings.Join(threatLines, "\n")
	}

	var b strings.Builder
	fmt.Fprintf(&b, assertionHeader, in.Contract, in.Function, call)
	fmt.Fprintf(&b, "\nContract: %s\nFunction: %s(%s)\nLikely call in test: %s;\n\n", in.Contract, in.Function, strings.Join(in.Types, ", "), call)
	fmt.Fprintf(&b, "Known events for this contract: %s\n", listOrNone(in.Events))
	fmt.Fprintf(&b, "Custom errors (if any): %s\n", listOrNone(in.Errors))
	fmt.Fprintf(&b, "STRIDE threats (if any):\n%s\n\n", threats)
	b.WriteString("Constraints for using events & reverts:\n")
	b.WriteString("- Prefer state assertions; if you assert reverts, use generic `vm.expectRevert()` (no selector) to stay robust.\n")
	b.WriteString("- If you assert events, you MAY use `vm.recordLogs()` and `vm.getRecordedLogs()`, or simply assert state diffs if unsure.\n")
	b.WriteString("- Do not import new files; the test must compile inside existing harness.\n")
	if in.Previous != "" {
		b.WriteString("\nThe following attempt failed to compile. Return a corrected version:\n")
		b.WriteString(in.Previous)
		b.WriteString("\n")
	}
	return b.String()
}

// ClusteringPrompt asks for 3-6 feature groups over the signatures.
func ClusteringPrompt(contract string, signatures, modifiers, events []string) string {
	return fmt.Sprintf(`Task: Group these function signatures into 3-6 features. For each feature, list implied preconditions, minimal fixture setup, and important side effects (events/vars). Avoid speculation; use names/modifiers.

Input: contract %s { signatures[], modifiers[], events[] }

Signatures: [%s]
Modifiers: %s
Events: %s

Output JSON: {"features":[{"name":"...","fns":[...],"preconds":[...],"fixture":[...],"effects":[...]}]}`,
		contract, strings.Join(signatures, ", "), listOrNone(modifiers), listOrNone(events))
}

// SynopsisPrompt asks for a short repository overview.
func SynopsisPrompt(tree []string, readme string) string {
	return fmt.Sprintf(`Task: Given the file tree and READMEs below, list the system's goals, key components, and any explicit invariants or roles. Return 5-10 bullets, no prose, no code.

Input:
* TREE: %s
* README SNIPPETS: %s

Output JSON: {"goals":[...], "roles":[...], "invariants":[...], "components":[...]}`, strings.Join(tree, ", "), readme)
}

func listOrNone(xs []string) string {
	if len(xs) == 0 {
		return "none"
	}
	return strings.Join(xs, ", ")
}

var testFnRe = regexp.MustCompile(`function\s+(test_llm_\w+)\s*\(`)

// SnippetValid is the structural check on a returned test function: one
// test_llm_ function and balanced braces.
func SnippetValid(snippet string) bool {
	if len(testFnRe.FindAllString(snippet, -1)) != 1 {
		return false
	}
	depth := 0
	opened := false
	for _, r := range snippet {
		switch r {
		case '{':
			depth++
			opened = true
		case '}':
			depth--
			if depth < 0 {
				return false
			}
		}
	}
	return opened && depth == 0
}

// SnippetFunctionName returns the test function name declared in snippet.
func SnippetFunctionName(snippet string) string {
	if m := testFnRe.FindStringSubmatch(snippet); m != nil {
		return m[1]
	}
	return ""
}

// StripFences removes a surrounding markdown code fence, if any.
func StripFences(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[i+1:]
	}
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}

// JSONObject returns the text from the first '{' to the last '}'.
func JSONObject(s string) (string, bool) {
	start := strings.IndexByte(s, '{')
	end := strings.LastIndexByte(s, '}')
	if start < 0 || end < start {
		return "", false
	}
	return s[start : end+1], true
}
