package observe

import (
	"fmt"
	"sort"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
)

// TxInfo is the per-transaction input to BuildPackages, mirroring the
// (txid, transaction, position, fee) tuple from processing.rs::build_packages.
type TxInfo struct {
	Txid        chainhash.Hash
	Transaction *wire.MsgTx
	Position    int
	Fee         int64
}

// PackageResult is a maximal ancestor/descendant cluster within one BuildPackages
// call, together with its member indices (into the input slice, in input
// order) and aggregate stats.
type PackageResult struct {
	Members []int // indices into the input slice, in original input order
	Weight  int64
	Feerate float64 // sat/vByte, floating point
}

// unionFind is a small disjoint-set structure over slice indices.
type unionFind struct {
	parent []int
}

func newUnionFind(n int) *unionFind {
	p := make([]int, n)
	for i := range p {
		p[i] = i
	}
	return &unionFind{parent: p}
}

func (u *unionFind) find(x int) int {
	for u.parent[x] != x {
		u.parent[x] = u.parent[u.parent[x]]
		x = u.parent[x]
	}
	return x
}

func (u *unionFind) union(a, b int) {
	ra, rb := u.find(a), u.find(b)
	if ra != rb {
		u.parent[ra] = rb
	}
}

// BuildPackages groups txs into ancestor/descendant packages. A transaction
// joins another's package when one spends an output of the other ("is a
// parent of"), or when two transactions spend different outputs of the same
// earlier transaction ("shares a parent with"). Grounded on
// processing.rs::build_packages and its test_build_packages fixture;
// reimplemented as a union-find over input-slice indices per SPEC_FULL.md
// section 9, rather than the original's RefCell-swapping merge.
func BuildPackages(txs []TxInfo) ([]PackageResult, error) {
	n := len(txs)
	if n == 0 {
		return nil, nil
	}

	byTxid := make(map[chainhash.Hash]int, n)
	for i, t := range txs {
		byTxid[t.Txid] = i
	}

	uf := newUnionFind(n)

	// parentsOfIdx[i] = set of earlier-or-later indices i spends from, restricted
	// to parents present in this same input slice.
	parentsOfIdx := make([][]int, n)
	for i, t := range txs {
		for _, in := range t.Transaction.TxIn {
			if pIdx, ok := byTxid[in.PreviousOutPoint.Hash]; ok {
				parentsOfIdx[i] = append(parentsOfIdx[i], pIdx)
				uf.union(i, pIdx)
			}
		}
	}

	// Two transactions that share a parent (spend from the same upstream
	// transaction, even different vouts) belong to the same package.
	childrenByParent := make(map[int][]int, n)
	for i, parents := range parentsOfIdx {
		for _, p := range parents {
			childrenByParent[p] = append(childrenByParent[p], i)
		}
	}
	for _, siblings := range childrenByParent {
		for k := 1; k < len(siblings); k++ {
			uf.union(siblings[0], siblings[k])
		}
	}

	groups := make(map[int][]int)
	for i := 0; i < n; i++ {
		root := uf.find(i)
		groups[root] = append(groups[root], i)
	}

	packages := make([]PackageResult, 0, len(groups))
	total := 0
	for _, members := range groups {
		sort.Ints(members)
		var weight, fee int64
		for _, idx := range members {
			tx := txs[idx].Transaction
			weight += int64(tx.SerializeSizeStripped()*3 + tx.SerializeSize())
			fee += txs[idx].Fee
		}
		vsize := mempoolVsizeSum(txs, members)
		feerate := 0.0
		if vsize > 0 {
			feerate = float64(fee) / float64(vsize)
		}
		packages = append(packages, PackageResult{Members: members, Weight: weight, Feerate: feerate})
		total += len(members)
	}
	if total != n {
		return nil, fmt.Errorf("observe: package builder invariant violated: %d grouped, %d input", total, n)
	}

	sort.Slice(packages, func(i, j int) bool { return packages[i].Members[0] < packages[j].Members[0] })
	return packages, nil
}

func mempoolVsizeSum(txs []TxInfo, members []int) int64 {
	var sum int64
	for _, idx := range members {
		tx := txs[idx].Transaction
		weight := tx.SerializeSizeStripped()*3 + tx.SerializeSize()
		sum += int64((weight + 3) / 4)
	}
	return sum
}
