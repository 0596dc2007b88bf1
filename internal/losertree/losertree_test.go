// Copyright (C) 2026 The shreparts Authors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <http://www.gnu.org/licenses/>.

package losertree

import (
	"math/rand"
	"testing"
)

func less(a, b int) bool { return a < b }

func TestNewSingleLeaf(t *testing.T) {
	tr := New([]int{7}, less)
	if tr.Winner() != 7 {
		t.Fatalf("Winner() = %d, want 7", tr.Winner())
	}
}

func TestWinnerIsMinimum(t *testing.T) {
	cases := [][]int{
		{5, 3, 8},
		{1, 2, 3, 4, 5},
		{9, 8, 7, 6, 5, 4, 3, 2, 1},
		{1},
		{2, 1},
	}
	for _, leaves := range cases {
		cp := append([]int(nil), leaves...)
		tr := New(cp, less)
		want := min(leaves)
		if got := tr.Winner(); got != want {
			t.Errorf("leaves=%v: Winner() = %d, want %d", leaves, got, want)
		}
	}
}

func min(xs []int) int {
	m := xs[0]
	for _, x := range xs[1:] {
		if x < m {
			m = x
		}
	}
	return m
}

// TestMergeProducesSortedOutput drains the tree via repeated Replace calls
// with a large sentinel once a leaf is exhausted, exactly the access pattern
// a k-way merge uses, and checks the resulting sequence is sorted and is a
// permutation of the inputs.
func TestMergeProducesSortedOutput(t *testing.T) {
	const sentinel = 1 << 30
	runs := [][]int{
		{1, 4, 9, 20},
		{2, 2, 2},
		{},
		{5},
		{3, 6, 7, 8, 100},
	}
	leaves := make([]int, len(runs))
	pos := make([]int, len(runs))
	var want []int
	for i, r := range runs {
		want = append(want, r...)
		if len(r) == 0 {
			leaves[i] = sentinel
			pos[i] = -1
		} else {
			leaves[i] = r[0]
			pos[i] = 0
		}
	}

	tr := New(leaves, less)
	var got []int
	for {
		wi := tr.WinnerIndex()
		v := tr.Winner()
		if v == sentinel {
			break
		}
		got = append(got, v)
		pos[wi]++
		if pos[wi] < len(runs[wi]) {
			tr.Replace(runs[wi][pos[wi]])
		} else {
			tr.Replace(sentinel)
		}
	}

	if len(got) != len(want) {
		t.Fatalf("got %d values, want %d: got=%v want=%v", len(got), len(want), got, want)
	}
	for i := 1; i < len(got); i++ {
		if got[i] < got[i-1] {
			t.Fatalf("output not sorted at %d: %v", i, got)
		}
	}
	counts := map[int]int{}
	for _, v := range want {
		counts[v]++
	}
	for _, v := range got {
		counts[v]--
	}
	for v, c := range counts {
		if c != 0 {
			t.Fatalf("value %d count mismatch (diff %d): got=%v want=%v", v, c, got, want)
		}
	}
}

func TestMergeRandomStress(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	const sentinel = 1 << 30
	for trial := 0; trial < 50; trial++ {
		k := 1 + rng.Intn(10)
		runs := make([][]int, k)
		var want []int
		cur := 0
		for i := range runs {
			n := rng.Intn(6)
			run := make([]int, n)
			for j := range run {
				cur += 1 + rng.Intn(5)
				run[j] = cur
			}
			runs[i] = run
			want = append(want, run...)
		}

		leaves := make([]int, k)
		pos := make([]int, k)
		for i, r := range runs {
			if len(r) == 0 {
				leaves[i] = sentinel
				pos[i] = -1
			} else {
				leaves[i] = r[0]
			}
		}
		tr := New(leaves, less)
		var got []int
		for {
			wi := tr.WinnerIndex()
			v := tr.Winner()
			if v == sentinel {
				break
			}
			got = append(got, v)
			pos[wi]++
			if pos[wi] < len(runs[wi]) {
				tr.Replace(runs[wi][pos[wi]])
			} else {
				tr.Replace(sentinel)
			}
		}
		if len(got) != len(want) {
			t.Fatalf("trial %d: got %d values, want %d", trial, len(got), len(want))
		}
		for i := 1; i < len(got); i++ {
			if got[i] < got[i-1] {
				t.Fatalf("trial %d: output not sorted at %d: %v", trial, i, got)
			}
		}
	}
}
