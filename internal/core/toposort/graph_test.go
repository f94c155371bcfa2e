// Copyright 2024 The capa Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package toposort

import (
	"testing"

	"github.com/go-quicktest/qt"
)

func indexOf(order []string, name string) int {
	for i, n := range order {
		if n == name {
			return i
		}
	}
	return -1
}

func TestSortOrdersDependenciesFirst(t *testing.T) {
	b := NewGraphBuilder()
	b.AddEdge("c", "b")
	b.AddEdge("b", "a")
	g := b.Build()

	order, err := g.Sort()
	qt.Assert(t, qt.IsNil(err))
	qt.Assert(t, qt.IsTrue(indexOf(order, "a") < indexOf(order, "b")))
	qt.Assert(t, qt.IsTrue(indexOf(order, "b") < indexOf(order, "c")))
}

func TestSortIsDeterministicAcrossTies(t *testing.T) {
	b := NewGraphBuilder()
	b.EnsureNode("z")
	b.EnsureNode("y")
	b.EnsureNode("x")
	g := b.Build()

	order, err := g.Sort()
	qt.Assert(t, qt.IsNil(err))
	qt.Assert(t, qt.DeepEquals(order, []string{"x", "y", "z"}))
}

func TestSortDetectsCycle(t *testing.T) {
	b := NewGraphBuilder()
	b.AddEdge("a", "b")
	b.AddEdge("b", "c")
	b.AddEdge("c", "a")
	g := b.Build()

	_, err := g.Sort()
	qt.Assert(t, qt.IsNotNil(err))
	_, ok := err.(*CycleError)
	qt.Assert(t, qt.IsTrue(ok))
}

func TestSortEnsureNodeWithoutEdges(t *testing.T) {
	b := NewGraphBuilder()
	b.EnsureNode("lonely")
	g := b.Build()

	order, err := g.Sort()
	qt.Assert(t, qt.IsNil(err))
	qt.Assert(t, qt.DeepEquals(order, []string{"lonely"}))
}
