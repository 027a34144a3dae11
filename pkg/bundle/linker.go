package bundle

import (
	"fmt"
	"path"
	"text/template/parse"
)

// builtinFuncs are the evaluator's always-available pure functions. They are
// not host capabilities and pass the allow-list unconditionally.
var builtinFuncs = map[string]bool{
	"and": true, "call": true, "html": true, "index": true, "slice": true,
	"js": true, "len": true, "not": true, "or": true, "print": true,
	"printf": true, "println": true, "urlquery": true,
	"eq": true, "ge": true, "gt": true, "le": true, "lt": true, "ne": true,
}

// linker walks module parse trees breadth-first from the generated wrapper,
// resolving every reference through the allow-list and rewriting relative
// references to canonical root-relative paths.
type linker struct {
	resolver *Resolver
	read     func(rel string) ([]byte, error)
	modules  map[string]string
}

func newLinker(resolver *Resolver, read func(rel string) ([]byte, error)) *linker {
	return &linker{
		resolver: resolver,
		read:     read,
		modules:  map[string]string{},
	}
}

// run links the wrapper and everything reachable from it, returning the
// canonical module set.
func (l *linker) run(wrapper string) (map[string]string, error) {
	refs, err := l.analyzeWrapper(wrapper)
	if err != nil {
		return nil, err
	}
	l.modules[WrapperName] = wrapper

	pending := refs
	for len(pending) > 0 {
		rel := pending[0]
		pending = pending[1:]
		if _, done := l.modules[rel]; done {
			continue
		}
		src, err := l.read(rel)
		if err != nil {
			return nil, fmt.Errorf("%w: module %q: %v", ErrCompileFailed, rel, err)
		}
		more, err := l.analyzeModule(rel, string(src))
		if err != nil {
			return nil, err
		}
		pending = append(pending, more...)
	}
	return l.modules, nil
}

// analyzeWrapper checks the generated wrapper's defines. Wrapper references
// are already canonical, so no rewriting happens.
func (l *linker) analyzeWrapper(src string) ([]string, error) {
	trees, err := parseTrees(WrapperName, src)
	if err != nil {
		return nil, err
	}
	var refs []string
	for _, tree := range trees {
		r, err := l.checkTree(".", tree)
		if err != nil {
			return nil, err
		}
		refs = append(refs, r...)
	}
	return refs, nil
}

// analyzeModule parses one author module, enforces the allow-list, rewrites
// its references to canonical paths, and records the rewritten source.
func (l *linker) analyzeModule(rel, src string) ([]string, error) {
	trees, err := parseTrees(rel, src)
	if err != nil {
		return nil, err
	}
	main, ok := trees[rel]
	if !ok {
		return nil, fmt.Errorf("%w: module %q is empty", ErrCompileFailed, rel)
	}
	if len(trees) > 1 {
		return nil, fmt.Errorf("%w: module %q declares nested templates", ErrCompileFailed, rel)
	}
	refs, err := l.checkTree(path.Dir(rel), main)
	if err != nil {
		return nil, err
	}
	l.modules[rel] = main.Root.String()
	return refs, nil
}

// checkTree walks one parse tree: template references go through the
// resolver (and are rewritten in place to canonical paths), function
// identifiers must be builtins or allow-listed host capabilities.
func (l *linker) checkTree(fromDir string, tree *parse.Tree) ([]string, error) {
	var refs []string
	err := walk(tree.Root,
		func(n *parse.TemplateNode) error {
			ref, err := l.resolver.Resolve(fromDir, n.Name)
			if err != nil {
				return err
			}
			if ref.Kind == RefExternal {
				return nil
			}
			n.Name = ref.Path
			refs = append(refs, ref.Path)
			return nil
		},
		func(n *parse.IdentifierNode) error {
			if builtinFuncs[n.Ident] || l.resolver.functions[n.Ident] {
				return nil
			}
			return fmt.Errorf("%w: function %q is not a host capability", ErrDisallowedImport, n.Ident)
		})
	if err != nil {
		return nil, err
	}
	return refs, nil
}

// VerifyModule parses a compiled module and re-enforces the allow-list over
// its trees. The runtime loader runs every artifact module through it before
// installation into an execution namespace, so a tampered artifact cannot
// reach references the compiler would have rejected.
func VerifyModule(r *Resolver, name, src string) (map[string]*parse.Tree, error) {
	trees, err := parseTrees(name, src)
	if err != nil {
		return nil, err
	}
	l := &linker{resolver: r}
	for _, tree := range trees {
		if _, err := l.checkTree(".", tree); err != nil {
			return nil, err
		}
	}
	return trees, nil
}

// parseTrees parses template source without function checking; the linker
// enforces its own allow-list over the resulting trees.
func parseTrees(name, src string) (map[string]*parse.Tree, error) {
	t := parse.New(name)
	t.Mode = parse.SkipFuncCheck
	trees := map[string]*parse.Tree{}
	if _, err := t.Parse(src, "", "", trees); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCompileFailed, err)
	}
	return trees, nil
}

// walk visits every node reachable from n, invoking the callbacks on
// template references and function identifiers.
func walk(n parse.Node, onTemplate func(*parse.TemplateNode) error, onIdent func(*parse.IdentifierNode) error) error {
	if n == nil {
		return nil
	}
	switch node := n.(type) {
	case *parse.ListNode:
		if node == nil {
			return nil
		}
		for _, child := range node.Nodes {
			if err := walk(child, onTemplate, onIdent); err != nil {
				return err
			}
		}
	case *parse.ActionNode:
		return walk(node.Pipe, onTemplate, onIdent)
	case *parse.PipeNode:
		if node == nil {
			return nil
		}
		for _, cmd := range node.Cmds {
			if err := walk(cmd, onTemplate, onIdent); err != nil {
				return err
			}
		}
	case *parse.CommandNode:
		for _, arg := range node.Args {
			if err := walk(arg, onTemplate, onIdent); err != nil {
				return err
			}
		}
	case *parse.ChainNode:
		return walk(node.Node, onTemplate, onIdent)
	case *parse.IdentifierNode:
		return onIdent(node)
	case *parse.TemplateNode:
		if err := onTemplate(node); err != nil {
			return err
		}
		return walk(node.Pipe, onTemplate, onIdent)
	case *parse.IfNode:
		return walkBranch(node.BranchNode, onTemplate, onIdent)
	case *parse.RangeNode:
		return walkBranch(node.BranchNode, onTemplate, onIdent)
	case *parse.WithNode:
		return walkBranch(node.BranchNode, onTemplate, onIdent)
	}
	return nil
}

func walkBranch(b parse.BranchNode, onTemplate func(*parse.TemplateNode) error, onIdent func(*parse.IdentifierNode) error) error {
	if err := walk(b.Pipe, onTemplate, onIdent); err != nil {
		return err
	}
	if err := walk(b.List, onTemplate, onIdent); err != nil {
		return err
	}
	return walk(b.ElseList, onTemplate, onIdent)
}
