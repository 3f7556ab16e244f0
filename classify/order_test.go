// Copyright 2018-present the CoreDHCP Authors. All rights reserved
// This source code is licensed under the MIT license found in the
// LICENSE file in the root directory of this source tree.

package classify

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func parseAll(t *testing.T, exprs map[string]string) map[string]*Expr {
	t.Helper()
	out := make(map[string]*Expr, len(exprs))
	for name, src := range exprs {
		e, err := Parse(src)
		require.NoError(t, err)
		out[name] = e
	}
	return out
}

func TestDependenciesFindsMemberReferences(t *testing.T) {
	exprOf := parseAll(t, map[string]string{
		"combined": "member('voip') and member('wired')",
	})
	require.ElementsMatch(t, []string{"voip", "wired"}, Dependencies(exprOf["combined"]))
}

func TestDependenciesNoMemberCalls(t *testing.T) {
	exprOf := parseAll(t, map[string]string{"plain": "option[60] == 'PXEClient'"})
	require.Empty(t, Dependencies(exprOf["plain"]))
}

func TestTopoSortOrdersDependenciesFirst(t *testing.T) {
	declNames := []string{"combined", "wired", "voip"}
	exprOf := parseAll(t, map[string]string{
		"voip":     "option[60] == 'voip'",
		"wired":    "option[60] == 'wired'",
		"combined": "member('voip') and member('wired')",
	})

	order, err := TopoSort(declNames, exprOf)
	require.NoError(t, err)
	require.Equal(t, "combined", order[len(order)-1])
	require.Contains(t, order, "voip")
	require.Contains(t, order, "wired")
}

func TestTopoSortStableAcrossRuns(t *testing.T) {
	declNames := []string{"a", "b", "c"}
	exprOf := parseAll(t, map[string]string{
		"a": "true",
		"b": "true",
		"c": "member('a') and member('b')",
	})

	o1, err := TopoSort(declNames, exprOf)
	require.NoError(t, err)
	o2, err := TopoSort(declNames, exprOf)
	require.NoError(t, err)
	require.Equal(t, o1, o2)
}

func TestTopoSortCycleError(t *testing.T) {
	declNames := []string{"a", "b"}
	exprOf := parseAll(t, map[string]string{
		"a": "member('b')",
		"b": "member('a')",
	})

	_, err := TopoSort(declNames, exprOf)
	require.Error(t, err)
	var cycleErr *ErrCycle
	require.ErrorAs(t, err, &cycleErr)
	require.ElementsMatch(t, []string{"a", "b"}, cycleErr.Remaining)
}

func TestTopoSortUndeclaredReferenceIsNotAnEdge(t *testing.T) {
	declNames := []string{"a"}
	exprOf := parseAll(t, map[string]string{
		"a": "member('ghost')",
	})

	order, err := TopoSort(declNames, exprOf)
	require.NoError(t, err)
	require.Equal(t, []string{"a"}, order)
}
