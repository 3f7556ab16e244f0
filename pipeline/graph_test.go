// Copyright 2018-present the CoreDHCP Authors. All rights reserved
// This source code is licensed under the MIT license found in the
// LICENSE file in the root directory of this source tree.

package pipeline

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDependencyGraphLinearChain(t *testing.T) {
	g := NewDependencyGraph()
	g.Add("c", []string{"b"})
	g.Add("b", []string{"a"})
	g.Add("a", nil)

	order, err := g.Resolve()
	require.NoError(t, err)
	require.Equal(t, []string{"a", "b", "c"}, order)
}

func TestDependencyGraphStableTieBreak(t *testing.T) {
	g1 := NewDependencyGraph()
	g1.Add("a", nil)
	g1.Add("b", nil)
	g1.Add("c", []string{"a", "b"})

	g2 := NewDependencyGraph()
	g2.Add("a", nil)
	g2.Add("b", nil)
	g2.Add("c", []string{"a", "b"})

	o1, err := g1.Resolve()
	require.NoError(t, err)
	o2, err := g2.Resolve()
	require.NoError(t, err)
	require.Equal(t, o1, o2)
	require.Equal(t, "c", o1[len(o1)-1])
}

func TestDependencyGraphCycle(t *testing.T) {
	g := NewDependencyGraph()
	g.Add("a", []string{"b"})
	g.Add("b", []string{"a"})

	_, err := g.Resolve()
	require.Error(t, err)
	var cycleErr *ErrCycle
	require.ErrorAs(t, err, &cycleErr)
	require.ElementsMatch(t, []string{"a", "b"}, cycleErr.Remaining)
}
