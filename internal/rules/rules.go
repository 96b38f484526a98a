// Package rules interprets the declarative graph-construction rule set of
// spec §4.2: a static asset (csharp.rules.hcl, shipped with the binary, not
// hand-written Go) that binds tree-sitter query patterns to graph
// construction templates.
package rules

import (
	_ "embed"
	"fmt"

	"github.com/hashicorp/hcl/v2/gohcl"
	"github.com/hashicorp/hcl/v2/hclparse"
)

//go:embed csharp.rules.hcl
var embeddedRuleSet string

// Kind selects how the evaluator materializes a rule's matches into graph
// nodes/edges.
type Kind string

const (
	// KindDefinition emits a Definition node. When FQDNEligible, other
	// nodes may treat it as an enclosing naming context (spec §4.2's
	// "class → namespace; method_name → class" backbone).
	KindDefinition Kind = "definition"
	// KindReference emits a plain Reference node, FQDN-chained to the
	// nearest enclosing FQDNEligible definition.
	KindReference Kind = "reference"
	// KindQualifiedName decomposes a dotted/member-access chain into one
	// "name" Reference node per segment, FQDN-chained to each other
	// (self-contained — never chained to an enclosing scope, since the
	// chain is already fully qualified by construction).
	KindQualifiedName Kind = "qualified_name"
	// KindImport is like KindQualifiedName but marks the using-directive
	// alias ambiguity noted in spec §9: aliases do not participate in
	// FQDN reconstruction beyond their own segment chain.
	KindImport Kind = "import"
)

// Rule is one `rule "<syntax_type>" { ... }` HCL block.
type Rule struct {
	SyntaxType   string `hcl:"syntax_type,label"`
	Kind         Kind   `hcl:"kind"`
	Query        string `hcl:"query"`
	FQDNEligible bool   `hcl:"fqdn_eligible,optional"`
}

type ruleFile struct {
	Rules []hclRule `hcl:"rule,block"`
}

type hclRule struct {
	SyntaxType   string `hcl:"syntax_type,label"`
	Kind         string `hcl:"kind"`
	Query        string `hcl:"query"`
	FQDNEligible bool   `hcl:"fqdn_eligible,optional"`
}

// Default parses the rule set embedded in the binary.
func Default() ([]Rule, error) {
	return Parse("csharp.rules.hcl", []byte(embeddedRuleSet))
}

// Parse parses an HCL rule document (filename is used only for diagnostics,
// letting callers load an override file from disk for experimentation).
func Parse(filename string, src []byte) ([]Rule, error) {
	parser := hclparse.NewParser()
	f, diags := parser.ParseHCL(src, filename)
	if diags.HasErrors() {
		return nil, fmt.Errorf("rules: parse %s: %w", filename, diags)
	}

	var rf ruleFile
	diags = gohcl.DecodeBody(f.Body, nil, &rf)
	if diags.HasErrors() {
		return nil, fmt.Errorf("rules: decode %s: %w", filename, diags)
	}

	rules := make([]Rule, 0, len(rf.Rules))
	seen := make(map[string]bool, len(rf.Rules))
	for _, r := range rf.Rules {
		k := Kind(r.Kind)
		switch k {
		case KindDefinition, KindReference, KindQualifiedName, KindImport:
		default:
			return nil, fmt.Errorf("rules: rule %q: unknown kind %q", r.SyntaxType, r.Kind)
		}
		if seen[r.SyntaxType] {
			return nil, fmt.Errorf("rules: duplicate rule for syntax_type %q", r.SyntaxType)
		}
		seen[r.SyntaxType] = true
		rules = append(rules, Rule{
			SyntaxType:   r.SyntaxType,
			Kind:         k,
			Query:        r.Query,
			FQDNEligible: r.FQDNEligible,
		})
	}
	return rules, nil
}
