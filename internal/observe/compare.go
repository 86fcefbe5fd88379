package observe

import (
	"bytes"
	"encoding/hex"
	"fmt"
	"sort"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
)

// TxidFee is the (txid, fee) pair returned by getblocktxidfee.
type TxidFee struct {
	Txid chainhash.Hash
	Fee  int64
}

// SideTx is one transaction on either the block or the template side,
// decoded and annotated with its position and fee.
type SideTx struct {
	Txid     chainhash.Hash
	Tx       *wire.MsgTx
	Position int
	Fee      int64
}

// BlockInput is the decoded block being compared, plus its per-tx fees.
type BlockInput struct {
	Hash         chainhash.Hash
	PrevHash     chainhash.Hash
	Height       int32
	VersionBit2  bool // Taproot signaling bit
	Time         time.Time
	SeenTime     time.Time
	Txs          []SideTx
}

// TemplateInput is a candidate template's decoded transactions.
type TemplateInput struct {
	GeneratedAt time.Time
	Txs         []SideTx
}

// PrevOutIndex resolves an outpoint to the output it spends, built from
// whichever side's own transactions plus (for inputs reaching further back)
// is best-effort: unresolved prevouts are simply omitted from tag
// classification, matching the "only classify what's observable" stance of
// the original source, which uses the UTXO set for the same inputs.
type PrevOutIndex map[wire.OutPoint]*wire.TxOut

// BuildPrevOutIndex indexes every output of every tx in txs, allowing
// sibling transactions within the same side to resolve each other's inputs.
func BuildPrevOutIndex(txs []SideTx) PrevOutIndex {
	idx := make(PrevOutIndex)
	for _, t := range txs {
		for vout, out := range t.Tx.TxOut {
			idx[wire.OutPoint{Hash: t.Txid, Index: uint32(vout)}] = out
		}
	}
	return idx
}

// TxRecord is the per-transaction comparison output (models.Transaction
// plus the tags computed for this comparison).
type TxRecord struct {
	Txid       chainhash.Hash
	Vsize      int32
	Fee        int64
	OutputSum  int64
	Sigops     int64
	Tags       []Tag
	InputCount int
	Inputs     []string
	OutputCount int
	Outputs    []string
	Sanctioned bool
	SanctionedAddresses []string
}

// Conflict is one clustered set of transactions sharing spent outpoints
// across the template/block boundary.
type Conflict struct {
	TemplateTxids []chainhash.Hash
	BlockTxids    []chainhash.Hash
	Outpoints     []wire.OutPoint
}

// SanctionedInfo records a sanctioned transaction's presence on either side.
type SanctionedInfo struct {
	Txid       chainhash.Hash
	InBlock    bool
	InTemplate bool
	Addresses  []string
}

// SelectionDiagnostic is one per-candidate-template row for
// debug_template_selection.
type SelectionDiagnostic struct {
	TemplateTime time.Time
	CountMissing int
	CountShared  int
	CountExtra   int
	Selected     bool
}

// ComparisonResult is everything the Observation Loop persists for one
// observed block, grounded on processing.rs::build_block plus the
// collected per-transaction/conflict/sanctioned records it assembles
// alongside it.
type ComparisonResult struct {
	MissingTx           int
	ExtraTx             int
	SharedTx            int
	SanctionedMissingTx int
	BlockTags           []Tag

	BlockTxCount      int
	BlockSanctioned   int
	BlockCbValue      int64
	BlockCbFees       int64
	BlockWeight       int64
	BlockSigops       int64
	BlockPkgWeights   []int64
	BlockPkgFeerates  []float32

	TemplateTxCount     int
	TemplateSanctioned  int
	TemplateCbValue     int64
	TemplateCbFees      int64
	TemplateWeight      int64
	TemplateSigops      int64
	TemplatePkgWeights  []int64
	TemplatePkgFeerates []float32

	Transactions      map[chainhash.Hash]TxRecord
	OnlyInBlock       []SideTx
	OnlyInTemplate    []SideTx
	Conflicts         []Conflict
	SanctionedInfos   []SanctionedInfo
	SelectionDiagnostics []SelectionDiagnostic
}

// ScriptToAddressFunc resolves a scriptPubKey to its address string, when
// one exists; grounded on the txscript.ExtractPkScriptAddrs wiring in
// internal/poolid.
type ScriptToAddressFunc func(script []byte) (string, bool)

// MempoolAgeFunc returns a transaction's mempool age in seconds, or -1 if
// unknown (getmempoolentry failures, section 4.7).
type MempoolAgeFunc func(txid chainhash.Hash) int64

// SigopsFunc computes a transaction's sigop count; injected so
// tests can stub it without a full Bitcoin Core-equivalent sigop counter.
type SigopsFunc func(tx *wire.MsgTx, prevOuts PrevOutIndex) int64

// Compare implements the Comparator (C6): builds the shared/missing/extra
// sets, packages, conflict clusters, per-transaction tag records, and block
// record for one (block, selected template) pair. Grounded on
// processing.rs::build_block and build_conflicting_transactions.
// templateCoinbaseValue is taken from getblocktemplate's own coinbasevalue
// field (not derived from template.Txs): unlike a mined block, a template's
// Transactions list never includes a coinbase transaction (model.rs/
// processing.rs build_template_tx_data iterates template.transactions only).
func Compare(
	block BlockInput,
	template TemplateInput,
	templateCoinbaseValue int64,
	allCandidates []TemplateEntry,
	selectedGeneratedAt time.Time,
	sanctionedAddrs map[string]bool,
	sanctionedUTXOs map[wire.OutPoint]bool,
	scriptToAddr ScriptToAddressFunc,
	mempoolAge MempoolAgeFunc,
	sigops SigopsFunc,
) (ComparisonResult, error) {
	blockByTxid := make(map[chainhash.Hash]SideTx, len(block.Txs))
	for _, t := range block.Txs {
		blockByTxid[t.Txid] = t
	}
	templateByTxid := make(map[chainhash.Hash]SideTx, len(template.Txs))
	for _, t := range template.Txs {
		templateByTxid[t.Txid] = t
	}

	var shared, onlyBlock, onlyTemplate []SideTx
	for txid, t := range blockByTxid {
		if _, ok := templateByTxid[txid]; ok {
			shared = append(shared, t)
		} else {
			onlyBlock = append(onlyBlock, t)
		}
	}
	for txid, t := range templateByTxid {
		if _, ok := blockByTxid[txid]; !ok {
			onlyTemplate = append(onlyTemplate, t)
		}
	}
	sort.Slice(onlyBlock, func(i, j int) bool { return onlyBlock[i].Position < onlyBlock[j].Position })
	sort.Slice(onlyTemplate, func(i, j int) bool { return onlyTemplate[i].Position < onlyTemplate[j].Position })

	blockPrevOuts := BuildPrevOutIndex(block.Txs)
	templatePrevOuts := BuildPrevOutIndex(template.Txs)

	// The coinbase is left out of the block-side packages.
	blockPkgs, err := BuildPackages(toTxInfo(block.Txs[1:]))
	if err != nil {
		return ComparisonResult{}, fmt.Errorf("observe: compare: block packages: %w", err)
	}
	templatePkgs, err := BuildPackages(toTxInfo(template.Txs))
	if err != nil {
		return ComparisonResult{}, fmt.Errorf("observe: compare: template packages: %w", err)
	}

	conflicts := buildConflicts(onlyTemplate, onlyBlock, templatePrevOuts, blockPrevOuts)

	conflictedTemplate := make(map[chainhash.Hash]bool)
	conflictedBlock := make(map[chainhash.Hash]bool)
	for _, c := range conflicts {
		for _, t := range c.TemplateTxids {
			conflictedTemplate[t] = true
		}
		for _, t := range c.BlockTxids {
			conflictedBlock[t] = true
		}
	}

	records := make(map[chainhash.Hash]TxRecord)
	sanctionedInfos := make(map[chainhash.Hash]*SanctionedInfo)

	addRecord := func(t SideTx, isCoinbase, inBlock, inTemplate bool, conflicting bool, prevOuts PrevOutIndex) {
		age := int64(-1)
		if inTemplate {
			age = mempoolAge(t.Txid)
		}
		aux := TxAux{
			Fee:               t.Fee,
			IsCoinbase:        isCoinbase,
			IsConflicting:     conflicting,
			MempoolAgeSeconds: age,
			Sigops:            sigops(t.Tx, prevOuts),
			PrevOuts:          prevOuts,
		}
		tags := Tags(t.Tx, aux, sanctionedUTXOs, sanctionedAddrs, scriptToAddr)

		var addrs []string
		seen := make(map[string]bool)
		for _, out := range t.Tx.TxOut {
			if addr, ok := scriptToAddr(out.PkScript); ok && sanctionedAddrs[addr] && !seen[addr] {
				seen[addr] = true
				addrs = append(addrs, addr)
			}
		}
		for _, in := range t.Tx.TxIn {
			if sanctionedUTXOs[in.PreviousOutPoint] {
				if prev, ok := prevOuts[in.PreviousOutPoint]; ok {
					if addr, ok := scriptToAddr(prev.PkScript); ok && !seen[addr] {
						seen[addr] = true
						addrs = append(addrs, addr)
					}
				}
			}
		}
		sort.Strings(addrs)

		var outputSum int64
		outDescs := make([]string, 0, len(t.Tx.TxOut))
		for _, out := range t.Tx.TxOut {
			outputSum += out.Value
			outDescs = append(outDescs, describeScript(out.PkScript))
		}
		inDescs := make([]string, 0, len(t.Tx.TxIn))
		for _, in := range t.Tx.TxIn {
			inDescs = append(inDescs, in.PreviousOutPoint.String())
		}

		rec := TxRecord{
			Txid:                t.Txid,
			Vsize:               int32(mempoolVsize(t.Tx)),
			Fee:                 t.Fee,
			OutputSum:           outputSum,
			Sigops:              aux.Sigops,
			Tags:                tags,
			InputCount:          len(t.Tx.TxIn),
			Inputs:              inDescs,
			OutputCount:         len(t.Tx.TxOut),
			Outputs:             outDescs,
			Sanctioned:          len(addrs) > 0,
			SanctionedAddresses: addrs,
		}
		records[t.Txid] = rec

		if len(addrs) > 0 {
			si, ok := sanctionedInfos[t.Txid]
			if !ok {
				si = &SanctionedInfo{Txid: t.Txid}
				sanctionedInfos[t.Txid] = si
			}
			if inBlock {
				si.InBlock = true
			}
			if inTemplate {
				si.InTemplate = true
			}
			si.Addresses = mergeSortedUnique(si.Addresses, addrs)
		}
	}

	for i, t := range block.Txs {
		_, alsoInTemplate := templateByTxid[t.Txid]
		addRecord(t, i == 0, true, alsoInTemplate, conflictedBlock[t.Txid], blockPrevOuts)
	}
	for _, t := range template.Txs {
		if _, alreadyInBlock := blockByTxid[t.Txid]; alreadyInBlock {
			continue
		}
		addRecord(t, false, false, true, conflictedTemplate[t.Txid], templatePrevOuts)
	}

	sanctionedMissing := 0
	for _, t := range onlyTemplate {
		if r, ok := records[t.Txid]; ok && r.Sanctioned {
			sanctionedMissing++
		}
	}

	blockSanctioned := 0
	for _, t := range block.Txs {
		if r, ok := records[t.Txid]; ok && r.Sanctioned {
			blockSanctioned++
		}
	}
	templateSanctioned := 0
	for _, t := range template.Txs {
		if r, ok := records[t.Txid]; ok && r.Sanctioned {
			templateSanctioned++
		}
	}

	var blockTags []Tag
	if block.VersionBit2 {
		blockTags = append(blockTags, TagBlockTaprootSignaling)
	}
	blockSigopsTotal := sumSigops(block.Txs, blockPrevOuts, sigops)
	if blockSigopsTotal >= int64(float64(LegacySigopLimit)*ThresholdSigopsLimitCloseFraction) {
		blockTags = append(blockTags, TagBlockSigopsLimitClose)
	}

	blockCb := block.Txs[0]
	var blockCbValue int64
	for _, out := range blockCb.Tx.TxOut {
		blockCbValue += out.Value
	}

	blockTxidSet := make(map[chainhash.Hash]bool, len(block.Txs))
	for _, t := range block.Txs {
		blockTxidSet[t.Txid] = true
	}
	var diagnostics []SelectionDiagnostic
	for _, cand := range allCandidates {
		missing, shared2, extra := countDiff(cand.Txids, blockTxidSet)
		diagnostics = append(diagnostics, SelectionDiagnostic{
			TemplateTime: cand.GeneratedAt,
			CountMissing: missing,
			CountShared:  shared2,
			CountExtra:   extra,
			Selected:     cand.GeneratedAt.Equal(selectedGeneratedAt),
		})
	}

	return ComparisonResult{
		MissingTx:           len(onlyTemplate),
		ExtraTx:             len(onlyBlock),
		SharedTx:            len(shared),
		SanctionedMissingTx: sanctionedMissing,
		BlockTags:           blockTags,

		BlockTxCount:     len(block.Txs),
		BlockSanctioned:  blockSanctioned,
		BlockCbValue:     blockCbValue,
		BlockCbFees:      sumFeesSkipCoinbase(block.Txs),
		BlockWeight:      sumWeight(block.Txs),
		BlockSigops:      blockSigopsTotal,
		BlockPkgWeights:  pkgWeights(blockPkgs),
		BlockPkgFeerates: pkgFeerates(blockPkgs),

		TemplateTxCount:     len(template.Txs),
		TemplateSanctioned:  templateSanctioned,
		TemplateCbValue:     templateCoinbaseValue,
		TemplateCbFees:      sumFees(template.Txs),
		TemplateWeight:      sumWeight(template.Txs),
		TemplateSigops:      sumSigops(template.Txs, templatePrevOuts, sigops),
		TemplatePkgWeights:  pkgWeights(templatePkgs),
		TemplatePkgFeerates: pkgFeerates(templatePkgs),

		Transactions:          records,
		OnlyInBlock:           onlyBlock,
		OnlyInTemplate:        onlyTemplate,
		Conflicts:             conflicts,
		SanctionedInfos:       sanctionedInfoSlice(sanctionedInfos),
		SelectionDiagnostics:  diagnostics,
	}, nil
}

// Block-level tag codes, grounded on original_source/shared/src/tags.rs's
// BlockTag enum. TaprootSignaling is carried verbatim (3100); SigopsLimitClose
// has no block-tag counterpart in the retrieved source and uses the code
// allocated to TagSigopsLimitClose (DESIGN.md Open Question 5).
const (
	TagBlockTaprootSignaling Tag = 3100
	TagBlockSigopsLimitClose Tag = TagSigopsLimitClose
)

func toTxInfo(txs []SideTx) []TxInfo {
	out := make([]TxInfo, len(txs))
	for i, t := range txs {
		out[i] = TxInfo{Txid: t.Txid, Transaction: t.Tx, Position: t.Position, Fee: t.Fee}
	}
	return out
}

// buildConflicts clusters template/block transactions that spend a common
// outpoint, via union-find over a bipartite graph whose nodes are
// ("T", txid) and ("B", txid), joined by shared outpoints. The
// dedup/compaction of members and outpoints happens exactly once after
// every outpoint is processed — fixing the original's triple-retain bug
// (DESIGN.md Open Question 2).
func buildConflicts(onlyTemplate, onlyBlock []SideTx, templatePrevOuts, blockPrevOuts PrevOutIndex) []Conflict {
	type node struct {
		side byte // 'T' or 'B'
		txid chainhash.Hash
	}
	nodeIndex := make(map[node]int)
	var nodes []node
	indexOf := func(n node) int {
		if i, ok := nodeIndex[n]; ok {
			return i
		}
		i := len(nodes)
		nodes = append(nodes, n)
		nodeIndex[n] = i
		return i
	}

	outpointSpenders := make(map[wire.OutPoint][]node)
	for _, t := range onlyTemplate {
		for _, in := range t.Tx.TxIn {
			n := node{'T', t.Txid}
			outpointSpenders[in.PreviousOutPoint] = append(outpointSpenders[in.PreviousOutPoint], n)
		}
	}
	for _, t := range onlyBlock {
		for _, in := range t.Tx.TxIn {
			n := node{'B', t.Txid}
			outpointSpenders[in.PreviousOutPoint] = append(outpointSpenders[in.PreviousOutPoint], n)
		}
	}

	var conflictingOutpoints []wire.OutPoint
	for op, spenders := range outpointSpenders {
		hasT, hasB := false, false
		for _, n := range spenders {
			if n.side == 'T' {
				hasT = true
			} else {
				hasB = true
			}
		}
		if !hasT || !hasB {
			continue
		}
		conflictingOutpoints = append(conflictingOutpoints, op)
		for _, n := range spenders {
			indexOf(n)
		}
	}
	if len(nodes) == 0 {
		return nil
	}

	uf := newUnionFind(len(nodes))
	for _, op := range conflictingOutpoints {
		spenders := outpointSpenders[op]
		first := indexOf(spenders[0])
		for _, n := range spenders[1:] {
			uf.union(first, indexOf(n))
		}
	}

	clusterMembers := make(map[int]map[node]bool)
	clusterOutpoints := make(map[int]map[wire.OutPoint]bool)
	for _, op := range conflictingOutpoints {
		spenders := outpointSpenders[op]
		root := uf.find(indexOf(spenders[0]))
		if clusterMembers[root] == nil {
			clusterMembers[root] = make(map[node]bool)
			clusterOutpoints[root] = make(map[wire.OutPoint]bool)
		}
		for _, n := range spenders {
			clusterMembers[root][n] = true
		}
		clusterOutpoints[root][op] = true
	}

	conflicts := make([]Conflict, 0, len(clusterMembers))
	for root, members := range clusterMembers {
		var c Conflict
		for n := range members {
			if n.side == 'T' {
				c.TemplateTxids = append(c.TemplateTxids, n.txid)
			} else {
				c.BlockTxids = append(c.BlockTxids, n.txid)
			}
		}
		for op := range clusterOutpoints[root] {
			c.Outpoints = append(c.Outpoints, op)
		}
		sort.Slice(c.TemplateTxids, func(i, j int) bool { return c.TemplateTxids[i].String() < c.TemplateTxids[j].String() })
		sort.Slice(c.BlockTxids, func(i, j int) bool { return c.BlockTxids[i].String() < c.BlockTxids[j].String() })
		sort.Slice(c.Outpoints, func(i, j int) bool { return c.Outpoints[i].String() < c.Outpoints[j].String() })
		conflicts = append(conflicts, c)
	}
	sort.Slice(conflicts, func(i, j int) bool {
		if len(conflicts[i].TemplateTxids) == 0 || len(conflicts[j].TemplateTxids) == 0 {
			return len(conflicts[i].TemplateTxids) > len(conflicts[j].TemplateTxids)
		}
		return conflicts[i].TemplateTxids[0].String() < conflicts[j].TemplateTxids[0].String()
	})
	return conflicts
}

func sumWeight(txs []SideTx) int64 {
	var total int64
	for _, t := range txs {
		total += int64(t.Tx.SerializeSizeStripped()*3 + t.Tx.SerializeSize())
	}
	return total
}

func sumSigops(txs []SideTx, prevOuts PrevOutIndex, sigops SigopsFunc) int64 {
	var total int64
	for _, t := range txs {
		total += sigops(t.Tx, prevOuts)
	}
	return total
}

// sumFeesSkipCoinbase totals every tx's fee except the first (the block's
// own coinbase transaction, whose Fee is always zero anyway).
func sumFeesSkipCoinbase(txs []SideTx) int64 {
	var total int64
	for i, t := range txs {
		if i == 0 {
			continue
		}
		total += t.Fee
	}
	return total
}

// sumFees totals every tx's fee. Used for the template side, whose
// Transactions list never contains a coinbase entry.
func sumFees(txs []SideTx) int64 {
	var total int64
	for _, t := range txs {
		total += t.Fee
	}
	return total
}

func pkgWeights(pkgs []PackageResult) []int64 {
	out := make([]int64, len(pkgs))
	for i, p := range pkgs {
		out[i] = p.Weight
	}
	return out
}

func pkgFeerates(pkgs []PackageResult) []float32 {
	out := make([]float32, len(pkgs))
	for i, p := range pkgs {
		out[i] = float32(p.Feerate)
	}
	return out
}

func countDiff(a, b map[chainhash.Hash]bool) (missing, shared, extra int) {
	for k := range a {
		if b[k] {
			shared++
		} else {
			missing++
		}
	}
	for k := range b {
		if !a[k] {
			extra++
		}
	}
	return
}

func mergeSortedUnique(existing, fresh []string) []string {
	seen := make(map[string]bool, len(existing)+len(fresh))
	out := make([]string, 0, len(existing)+len(fresh))
	for _, s := range append(existing, fresh...) {
		if !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	sort.Strings(out)
	return out
}

func sanctionedInfoSlice(m map[chainhash.Hash]*SanctionedInfo) []SanctionedInfo {
	out := make([]SanctionedInfo, 0, len(m))
	for _, v := range m {
		out = append(out, *v)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Txid.String() < out[j].Txid.String() })
	return out
}

// describeScript renders a short human-readable summary of a scriptPubKey's
// type, used for the Transaction.outputs display column (e.g. "P2WPKH").
func describeScript(script []byte) string {
	return txscript.GetScriptClass(script).String()
}

// DecodeTxHex parses a raw transaction hex string (as returned by getblock's
// verbose tx list or a template's transactions[].data) into a wire.MsgTx.
func DecodeTxHex(h string) (*wire.MsgTx, error) {
	raw, err := hex.DecodeString(h)
	if err != nil {
		return nil, fmt.Errorf("observe: decode tx hex: %w", err)
	}
	tx := wire.NewMsgTx(wire.TxVersion)
	if err := tx.Deserialize(bytes.NewReader(raw)); err != nil {
		return nil, fmt.Errorf("observe: deserialize tx: %w", err)
	}
	return tx, nil
}
