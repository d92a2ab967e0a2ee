package synth

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"unicode"

	"github.com/raysh454/uatu/internal/model"
)

const (
	sharedSourceDir = "shared_source"
	augmentAnchor   = "    // model-assisted assertions"
)

const attackerContract = `// Attacker calls the target through a low-level call and reports success.
contract Attacker {
    address public target;
    constructor(address t) { target = t; }
    function attack(bytes memory data) public returns (bool) {
        (bool ok,) = target.call(data);
        return ok;
    }
}
`

const foundryToml = `[profile.default]
test = 'test'
libs = ['lib']
remappings = [
    '@openzeppelin/=lib/openzeppelin-contracts/',
    '@openzeppelin/contracts/=lib/openzeppelin-contracts/contracts/',
    '@openzeppelin/contracts-upgradeable/=lib/openzeppelin-contracts-upgradeable/contracts/',
    '@shared/=../shared_source/'
]
`

// standardImports resolve well-known library contracts without the source copy.
var standardImports = map[string]string{
	"Ownable":       "@openzeppelin/contracts/access/Ownable.sol",
	"AccessControl": "@openzeppelin/contracts/access/AccessControl.sol",
	"ERC20":         "@openzeppelin/contracts/token/ERC20/ERC20.sol",
	"ERC721":        "@openzeppelin/contracts/token/ERC721/ERC721.sol",
	"ERC1155":       "@openzeppelin/contracts/token/ERC1155/ERC1155.sol",
}

var contractDeclRe = regexp.MustCompile(`\bcontract\s+([A-Za-z_]\w*)\b`)

// contractIndex maps contract names to the first .sol file (relative to
// root, slash separated) that declares them. Files are visited in lexical
// order.
func contractIndex(ctx context.Context, root string) (map[string]string, error) {
	idx := make(map[string]string)
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if d.IsDir() || !strings.HasSuffix(path, ".sol") {
			return nil
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return nil
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return nil
		}
		for _, m := range contractDeclRe.FindAllStringSubmatch(string(data), -1) {
			if _, seen := idx[m[1]]; !seen {
				idx[m[1]] = filepath.ToSlash(rel)
			}
		}
		return nil
	})
	return idx, err
}

// importPath is the import for contract, or "" when its file is unknown.
func importPath(idx map[string]string, contract string) string {
	if p, ok := standardImports[contract]; ok {
		return p
	}
	if rel, ok := idx[contract]; ok {
		return "@shared/" + rel
	}
	return ""
}

// TestContractName is "Test" plus the journey id in CamelCase.
func TestContractName(journeyID string) string {
	var b strings.Builder
	b.WriteString("Test")
	upper := true
	for _, r := range journeyID {
		switch {
		case !unicode.IsLetter(r) && !unicode.IsDigit(r):
			upper = true
		case unicode.IsDigit(r):
			b.WriteRune(r)
			upper = true
		case upper:
			b.WriteRune(unicode.ToUpper(r))
			upper = false
		default:
			b.WriteRune(unicode.ToLower(r))
		}
	}
	return b.String()
}

// fnShape is what the emitters need to know about one function.
type fnShape struct {
	Name   string
	Types  []string
	Repeat int
}

func shapeOf(c *model.Contract, fn string) fnShape {
	s := fnShape{Name: fn}
	if f := c.Function(fn); f != nil {
		s.Types = f.InputTypes()
	}
	return s
}

func (s fnShape) defaultArgs() []string  { return mapTypes(s.Types, DefaultArg) }
func (s fnShape) negativeArgs() []string { return mapTypes(s.Types, NegativeArg) }

// encodeCall renders abi.encodeWithSignature for s with args.
func (s fnShape) encodeCall(args []string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "abi.encodeWithSignature(%q", selector(s.Name, s.Types))
	for _, a := range args {
		b.WriteString(", ")
		b.WriteString(a)
	}
	b.WriteString(")")
	return b.String()
}

// foundryTest is the input of one rendered test file.
type foundryTest struct {
	Import   string
	Contract string
	Name     string
	Steps    []fnShape
	Unique   []fnShape
	EoP      []fnShape
}

func renderFoundry(t foundryTest) string {
	var b strings.Builder
	b.WriteString("// SPDX-License-Identifier: MIT\npragma solidity ^0.8.20;\n")
	fmt.Fprintf(&b, "import %q;\n\n", t.Import)
	b.WriteString(attackerContract)
	fmt.Fprintf(&b, "\ncontract %s {\n", t.Name)

	fmt.Fprintf(&b, "\n    function test_journey() public {\n        %s s = new %s();\n", t.Contract, t.Contract)
	if len(t.Steps) == 0 {
		b.WriteString("        // no-op\n")
	}
	for _, st := range t.Steps {
		call := fmt.Sprintf("s.%s(%s);", st.Name, strings.Join(st.defaultArgs(), ", "))
		if st.Repeat > 1 {
			fmt.Fprintf(&b, "        for (uint i = 0; i < %d; i++) {\n            %s\n        }\n", st.Repeat, call)
			continue
		}
		b.WriteString("        " + call + "\n")
	}
	b.WriteString("    }\n")

	for _, fn := range t.Unique {
		fmt.Fprintf(&b, `
    function test_negative_%s() public {
        %s s = new %s();
        // low-level call keeps a revert from failing the test
        (bool ok, ) = address(s).call(%s);
        (ok);
    }
`, fn.Name, t.Contract, t.Contract, fn.encodeCall(fn.negativeArgs()))
	}

	for _, fn := range t.Unique {
		fmt.Fprintf(&b, `
    function test_stress_%s() public {
        %s s = new %s();
        for (uint i = 0; i < 3; i++) {
            s.%s(%s);
        }
    }
`, fn.Name, t.Contract, t.Contract, fn.Name, strings.Join(fn.defaultArgs(), ", "))
	}

	for _, fn := range t.EoP {
		fmt.Fprintf(&b, `
    function test_eop_block_%s() public {
        %s s = new %s();
        Attacker a = new Attacker(address(s));
        bool ok = a.attack(%s);
        assert(!ok);
    }
`, fn.Name, t.Contract, t.Contract, fn.encodeCall(fn.defaultArgs()))
	}

	b.WriteString("\n" + augmentAnchor + "\n}\n")
	return b.String()
}

// AugmentMarkers are the delimiters around one inserted snippet.
func AugmentMarkers(journeyID, fn string) (begin, end string) {
	name := journeyID + "__" + fn
	return "// >>> LLM:" + name + " BEGIN", "// <<< LLM:" + name + " END"
}

// insertSnippet places snippet between markers just before the closing
// brace of the test contract, i.e. the last '}' in the file.
func insertSnippet(src []byte, journeyID, fn, snippet string) ([]byte, error) {
	s := string(src)
	i := strings.LastIndexByte(s, '}')
	if i < 0 {
		return nil, fmt.Errorf("no contract body in test file")
	}
	begin, end := AugmentMarkers(journeyID, fn)
	block := "\n    " + begin + "\n" + indent(strings.TrimSpace(snippet), "    ") + "\n    " + end + "\n"
	return []byte(s[:i] + block + s[i:]), nil
}

func indent(s, pad string) string {
	lines := strings.Split(s, "\n")
	for i, l := range lines {
		if strings.TrimSpace(l) != "" {
			lines[i] = pad + l
		}
	}
	return strings.Join(lines, "\n")
}

// uniqueShapes returns one shape per distinct step function, in step order.
func uniqueShapes(c *model.Contract, j *model.Journey) (steps, unique []fnShape) {
	for _, st := range j.Steps {
		sh := shapeOf(c, st.Function)
		sh.Repeat = st.Repeat
		steps = append(steps, sh)
	}
	for _, fn := range j.UniqueFunctions() {
		unique = append(unique, shapeOf(c, fn))
	}
	return steps, unique
}

// sortedKeys is used for deterministic logging of index contents.
func sortedKeys(m map[string]string) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
