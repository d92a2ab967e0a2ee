// Package model holds the data shared between pipeline phases and persisted
// as JSON artifacts under a run directory.
package model

import "strings"

const (
	VisibilityPublic      = "public"
	VisibilityExternal    = "external"
	VisibilityInternal    = "internal"
	VisibilityPrivate     = "private"
	VisibilityUnspecified = "unspecified"

	MutabilityPayable     = "payable"
	MutabilityView        = "view"
	MutabilityPure        = "pure"
	MutabilityNonpayable  = "nonpayable"
	MutabilityUnspecified = "unspecified"
)

const (
	EcosystemEVM     = "evm"
	EcosystemStellar = "stellar"
)

// Param is one (name, type) entry of a function signature.
type Param struct {
	Name string `json:"name"`
	Type string `json:"type"`
}

type Event struct {
	Name   string   `json:"name"`
	Params []string `json:"params"`
}

type StateVar struct {
	Name       string `json:"name"`
	Type       string `json:"type"`
	Visibility string `json:"visibility,omitempty"`
}

type Function struct {
	Name          string   `json:"name"`
	Visibility    string   `json:"visibility"`
	Mutability    string   `json:"mutability"`
	Inputs        []Param  `json:"inputs"`
	Outputs       []Param  `json:"outputs"`
	Modifiers     []string `json:"modifiers"`
	EventsEmitted []string `json:"events_emitted"`
}

// Callable reports whether the function is reachable from outside the
// contract (public or external).
func (f *Function) Callable() bool {
	switch strings.ToLower(f.Visibility) {
	case VisibilityPublic, VisibilityExternal:
		return true
	}
	return false
}

// InputTypes returns the declared parameter types in order.
func (f *Function) InputTypes() []string {
	out := make([]string, 0, len(f.Inputs))
	for _, p := range f.Inputs {
		out = append(out, p.Type)
	}
	return out
}

type Contract struct {
	Name       string     `json:"name"`
	Visibility string     `json:"visibility"`
	Inherits   []string   `json:"inherits"`
	StateVars  []StateVar `json:"state_vars"`
	Functions  []Function `json:"functions"`
	Events     []Event    `json:"events"`
	Errors     []string   `json:"errors,omitempty"`
}

// Function returns the first function called name, or nil.
func (c *Contract) Function(name string) *Function {
	if c == nil {
		return nil
	}
	for i := range c.Functions {
		if c.Functions[i].Name == name {
			return &c.Functions[i]
		}
	}
	return nil
}

// EventNames lists the declared event names of the contract.
func (c *Contract) EventNames() []string {
	out := make([]string, 0, len(c.Events))
	for _, e := range c.Events {
		out = append(out, e.Name)
	}
	return out
}

// SourceModel is the "flows" artifact: the structural view of a source tree.
type SourceModel struct {
	Contracts []Contract `json:"contracts"`
}

// Contract returns the first contract called name, or nil.
func (m *SourceModel) Contract(name string) *Contract {
	if m == nil {
		return nil
	}
	for i := range m.Contracts {
		if m.Contracts[i].Name == name {
			return &m.Contracts[i]
		}
	}
	return nil
}

// Lookup resolves a contract/function pair.
func (m *SourceModel) Lookup(contract, fn string) *Function {
	return m.Contract(contract).Function(fn)
}

// FunctionKeys returns every "Contract.function" key in model order.
// Overloads collapse into one key.
func (m *SourceModel) FunctionKeys() []string {
	if m == nil {
		return nil
	}
	seen := make(map[string]struct{})
	var keys []string
	for _, c := range m.Contracts {
		for _, f := range c.Functions {
			k := FunctionKey(c.Name, f.Name)
			if _, ok := seen[k]; ok {
				continue
			}
			seen[k] = struct{}{}
			keys = append(keys, k)
		}
	}
	return keys
}

// FunctionKey builds the "Contract.function" key used by threats and risk.
func FunctionKey(contract, fn string) string {
	return contract + "." + fn
}

// SplitFunctionKey is the inverse of FunctionKey. Keys without a dot are
// returned as contract-less function names.
func SplitFunctionKey(key string) (contract, fn string) {
	i := strings.LastIndex(key, ".")
	if i < 0 {
		return "", key
	}
	return key[:i], key[i+1:]
}
