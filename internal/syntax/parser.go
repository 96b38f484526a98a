// Package syntax wraps the incremental C# parser (spec §4.1). It produces a
// concrete syntax tree per file with byte spans; the graph-rule evaluator
// walks that tree in internal/rules.
package syntax

import (
	"context"
	"unicode/utf8"

	sitter "github.com/smacker/go-tree-sitter"
	"github.com/smacker/go-tree-sitter/csharp"

	"github.com/csharpref/provider/internal/apperr"
)

// Tree is a parsed translation unit: the tree-sitter root node plus the
// source bytes it was parsed from (captures reference back into Source by
// byte offset, never by copy).
type Tree struct {
	Root   *sitter.Node
	Source []byte
	Lang   *sitter.Language
}

// Parse parses a single C# file's bytes into a Tree. A syntactically invalid
// file still returns a tree with ERROR nodes and nil error — only parser
// aborts (invalid UTF-8, internal tree-sitter limits, context cancellation)
// produce a ParseFailed error.
func Parse(ctx context.Context, file string, src []byte) (*Tree, error) {
	if !utf8.Valid(src) {
		return nil, &apperr.ParseFailed{File: file, Offset: invalidUTF8Offset(src)}
	}

	lang := csharp.GetLanguage()
	parser := sitter.NewParser()
	parser.SetLanguage(lang)

	tree, err := parser.ParseCtx(ctx, nil, src)
	if err != nil {
		return nil, &apperr.ParseFailed{File: file, Offset: 0}
	}

	return &Tree{Root: tree.RootNode(), Source: src, Lang: lang}, nil
}

func invalidUTF8Offset(src []byte) int {
	for i := 0; i < len(src); {
		r, size := utf8.DecodeRune(src[i:])
		if r == utf8.RuneError && size == 1 {
			return i
		}
		i += size
	}
	return len(src)
}
