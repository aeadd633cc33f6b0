// Package treesitter maintains a project-wide map from top-level symbol
// names to the lines they are defined on, built with tree-sitter grammars.
// The reply loop's ACP shim queries it to resolve a bare identifier
// mentioned in a tool's textual output to a concrete file location when the
// tool arguments carried no explicit anchor.
package treesitter

import (
	"context"
	"os"
	"path/filepath"
	"strings"

	sitter "github.com/smacker/go-tree-sitter"
	"github.com/smacker/go-tree-sitter/golang"
)

// Definition is one named top-level declaration.
type Definition struct {
	Name string
	Kind string // "func", "method", "type", "const", "var", "package"
	Line int    // 1-indexed start line
}

func langForExt(ext string) *sitter.Language {
	switch ext {
	case ".go":
		return golang.GetLanguage()
	default:
		return nil
	}
}

// Supported reports whether a grammar exists for the file's extension.
func Supported(path string) bool {
	return langForExt(strings.ToLower(filepath.Ext(path))) != nil
}

// ParseFile parses path and returns its top-level definitions.
func ParseFile(path string) ([]Definition, error) {
	src, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return ParseSource(path, src)
}

// ParseSource parses src and returns its top-level definitions. Unsupported
// extensions yield a nil slice and no error.
func ParseSource(path string, src []byte) ([]Definition, error) {
	lang := langForExt(strings.ToLower(filepath.Ext(path)))
	if lang == nil {
		return nil, nil
	}

	parser := sitter.NewParser()
	defer parser.Close()
	parser.SetLanguage(lang)

	tree, err := parser.ParseCtx(context.Background(), nil, src)
	if err != nil {
		return nil, err
	}
	defer tree.Close()

	return collectGoDefs(tree.RootNode(), src), nil
}

// collectGoDefs walks the top level of a Go file, flattening grouped type/
// const/var declarations into one Definition per name.
func collectGoDefs(root *sitter.Node, src []byte) []Definition {
	var defs []Definition
	for i := 0; i < int(root.ChildCount()); i++ {
		node := root.Child(i)
		switch node.Type() {
		case "package_clause":
			if nc := node.NamedChild(0); nc != nil && nc.Type() == "package_identifier" {
				defs = append(defs, def(nc, src, "package", node))
			}
		case "function_declaration":
			if name := node.ChildByFieldName("name"); name != nil {
				defs = append(defs, def(name, src, "func", node))
			}
		case "method_declaration":
			if name := node.ChildByFieldName("name"); name != nil {
				defs = append(defs, def(name, src, "method", node))
			}
		case "type_declaration":
			defs = append(defs, collectSpecs(node, src, "type", "type_spec", "type_alias")...)
		case "const_declaration":
			defs = append(defs, collectSpecs(node, src, "const", "const_spec")...)
		case "var_declaration":
			defs = append(defs, collectSpecs(node, src, "var", "var_spec")...)
		}
	}
	return defs
}

// collectSpecs pulls the named specs out of a (possibly grouped) declaration
// block.
func collectSpecs(node *sitter.Node, src []byte, kind string, specTypes ...string) []Definition {
	var defs []Definition
	for i := 0; i < int(node.ChildCount()); i++ {
		spec := node.Child(i)
		for _, st := range specTypes {
			if spec.Type() != st {
				continue
			}
			if name := spec.ChildByFieldName("name"); name != nil {
				defs = append(defs, def(name, src, kind, spec))
			}
			break
		}
	}
	return defs
}

func def(nameNode *sitter.Node, src []byte, kind string, at *sitter.Node) Definition {
	return Definition{
		Name: nameNode.Content(src),
		Kind: kind,
		Line: int(at.StartPoint().Row) + 1,
	}
}
