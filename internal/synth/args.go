package synth

import (
	"regexp"
	"strings"
)

var fixedBytesRe = regexp.MustCompile(`^bytes([1-9]|[12][0-9]|3[0-2])$`)

// CanonicalType is the ABI spelling of a declared Solidity type, as used
// in function selectors.
func CanonicalType(t string) string {
	t = strings.TrimSpace(t)
	switch {
	case t == "uint":
		return "uint256"
	case t == "int":
		return "int256"
	case strings.HasPrefix(t, "address"):
		return "address"
	case strings.HasSuffix(t, "[]"):
		return CanonicalType(t[:len(t)-2]) + "[]"
	}
	return t
}

func arrayBase(t string) string {
	base := strings.TrimSpace(strings.TrimSuffix(t, "[]"))
	if base == "" {
		return "uint256"
	}
	return base
}

// DefaultArg is the happy-path literal for a Solidity parameter type.
func DefaultArg(t string) string {
	t = strings.TrimSpace(t)
	switch {
	case strings.HasSuffix(t, "[]"):
		return "new " + arrayBase(t) + "[](0)"
	case strings.HasPrefix(t, "uint"), strings.HasPrefix(t, "int"):
		return "1"
	case t == "address":
		return "address(this)"
	case t == "address payable":
		return "payable(address(this))"
	case t == "bool":
		return "true"
	case fixedBytesRe.MatchString(t):
		return t + "(0)"
	case t == "bytes":
		return `bytes("")`
	case t == "string":
		return `""`
	}
	return "0"
}

// NegativeArg is the extreme-value literal for a Solidity parameter type.
func NegativeArg(t string) string {
	t = strings.TrimSpace(t)
	switch {
	case strings.HasSuffix(t, "[]"):
		return "new " + arrayBase(t) + "[](0)"
	case strings.HasPrefix(t, "uint"):
		return "type(" + CanonicalType(t) + ").max"
	case strings.HasPrefix(t, "int"):
		return "type(" + CanonicalType(t) + ").min"
	case strings.HasPrefix(t, "address"):
		return "address(0)"
	case t == "bool":
		return "false"
	case fixedBytesRe.MatchString(t):
		return t + "(0)"
	case t == "bytes":
		return `bytes("")`
	case t == "string":
		return `""`
	}
	return "0"
}

var rustIntTypes = map[string]struct{}{
	"u8": {}, "u16": {}, "u32": {}, "u64": {}, "u128": {}, "usize": {},
	"i8": {}, "i16": {}, "i32": {}, "i64": {}, "i128": {}, "isize": {},
}

// RustDefaultArg is the positional default for a Rust parameter type.
func RustDefaultArg(t string) string {
	t = strings.TrimSpace(strings.ReplaceAll(t, "&", ""))
	if _, ok := rustIntTypes[t]; ok {
		return "1"
	}
	switch {
	case strings.HasPrefix(t, "Option<"):
		return "None"
	case t == "bool":
		return "true"
	case strings.HasPrefix(t, "Vec<"):
		return "Vec::new()"
	case t == "String", t == "str":
		return `String::from("")`
	}
	return "Default::default()"
}

func mapTypes(types []string, f func(string) string) []string {
	out := make([]string, len(types))
	for i, t := range types {
		out[i] = f(t)
	}
	return out
}

// selector renders "fn(t1,t2)" with canonical types.
func selector(fn string, types []string) string {
	return fn + "(" + strings.Join(mapTypes(types, CanonicalType), ",") + ")"
}
