// Copyright 2018-present the CoreDHCP Authors. All rights reserved
// This source code is licensed under the MIT license found in the
// LICENSE file in the root directory of this source tree.

package classify

import "fmt"

// Dependencies walks expr and returns the names of every class referenced
// via member(), in first-seen order. A class with no member() calls returns
// nil.
func Dependencies(expr *Expr) []string {
	var out []string
	seen := make(map[string]bool)
	var walk func(e *Expr)
	walk = func(e *Expr) {
		if e == nil {
			return
		}
		if e.Kind == ExprMember && !seen[e.Str] {
			seen[e.Str] = true
			out = append(out, e.Str)
		}
		walk(e.A)
		walk(e.B)
		walk(e.C)
	}
	walk(expr)
	return out
}

// ErrCycle is returned by TopoSort when the member() references among the
// given classes contain a cycle and no evaluation order exists.
type ErrCycle struct {
	Remaining []string
}

func (e *ErrCycle) Error() string {
	return fmt.Sprintf("classify: member() dependency cycle among %v", e.Remaining)
}

// classNode tracks one class's remaining unresolved member() dependencies.
type classNode struct {
	name       string
	numParents int
	children   []string
}

// TopoSort orders the names in declNames (the declaration order read from
// config) so that every class appears after every class it references via
// member(), so a class may only reference classes evaluated earlier in
// the same pass. Ready classes are taken from a LIFO stack seeded in
// declaration order (so independent classes come out last-declared first),
// and resolving the same classes twice always yields the same order. exprOf maps a class
// name to its parsed expression (used to discover member() edges).
func TopoSort(declNames []string, exprOf map[string]*Expr) ([]string, error) {
	nodes := make(map[string]*classNode, len(declNames))
	for _, name := range declNames {
		nodes[name] = &classNode{name: name}
	}
	for _, name := range declNames {
		for _, dep := range Dependencies(exprOf[name]) {
			d, ok := nodes[dep]
			if !ok {
				// Reference to an undeclared class: treated as always-false
				// by Eval, not a structural dependency.
				continue
			}
			d.children = append(d.children, name)
			nodes[name].numParents++
		}
	}

	var stack []string
	for _, name := range declNames {
		if nodes[name].numParents == 0 {
			stack = append(stack, name)
		}
	}

	var out []string
	visited := make(map[string]bool, len(nodes))
	for len(stack) > 0 {
		name := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if visited[name] {
			continue
		}
		visited[name] = true
		out = append(out, name)
		for _, child := range nodes[name].children {
			cn := nodes[child]
			cn.numParents--
			if cn.numParents == 0 {
				stack = append(stack, child)
			}
		}
	}

	if len(out) != len(nodes) {
		var left []string
		for name := range nodes {
			if !visited[name] {
				left = append(left, name)
			}
		}
		return nil, &ErrCycle{Remaining: left}
	}
	return out, nil
}
