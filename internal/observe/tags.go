// Package observe implements the core template/block comparison engine:
// the Tagger (C4), Package Builder (C5), Comparator (C6), Template History
// (C7), and the Observation Loop (C9). Grounded on
// original_source/daemon/src/processing.rs and
// original_source/shared/src/tags.rs.
package observe

import (
	"sort"

	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
)

// Tag codes, carried verbatim from original_source/shared/src/tags.rs so
// that values already written to a database remain meaningful (see
// DESIGN.md Open Question 5 for the handful of codes that had no
// authoritative value in the retrieved source).
const (
	TagFromSanctioned Tag = 1099
	TagToSanctioned   Tag = 1100
	TagConflicting    Tag = 1110

	TagLarge       Tag = 2100
	TagZeroFee     Tag = 2110
	TagHighFeerate Tag = 2120
	TagHighValue   Tag = 2130
	// TagManySigops has no authoritative value in the retrieved tags.rs
	// snapshot; allocated in the "warning" (2000s) band, above HighValue.
	TagManySigops Tag = 2140

	TagYoung Tag = 3110
	// TagSigopsLimitClose has no authoritative value in the retrieved
	// source; allocated in the "informational" (3000s) band.
	TagSigopsLimitClose Tag = 3120

	TagCoinbase        Tag = 4099
	TagCoinjoin        Tag = 4100
	TagSegWit          Tag = 4110
	TagTaproot         Tag = 4111
	TagMultisig        Tag = 4120
	TagRbfSignaling    Tag = 4130
	TagOpReturn        Tag = 4140
	TagCounterParty    Tag = 4141
	TagLockByHeight    Tag = 4150
	TagLockByTimestamp Tag = 4160
	TagConsolidation   Tag = 4170
	TagDustOutput      Tag = 4180
	// TagRareScriptType and TagInscription have no authoritative value in
	// the retrieved source; allocated at the top of the "secondary" band.
	TagRareScriptType Tag = 4190
	TagInscription    Tag = 4200
)

// Tag is a stable integer severity code, matching original_source's TxTag.
type Tag int32

// tagPushOrder is the exact order original_source/shared/src/processing.rs's
// get_transaction_tags pushes tags in, which defines output ordering. Young
// (supplemental feature, SPEC_FULL.md 2.3) sits directly below RbfSignaling.
var tagPushOrder = []Tag{
	TagConflicting,
	TagToSanctioned,
	TagFromSanctioned,
	TagCoinbase,
	TagZeroFee,
	TagHighFeerate,
	TagLarge,
	TagDustOutput,
	TagHighValue,
	TagManySigops,
	TagSegWit,
	TagTaproot,
	TagMultisig,
	TagOpReturn,
	TagCounterParty,
	TagInscription,
	TagRareScriptType,
	TagRbfSignaling,
	TagYoung,
	TagCoinjoin,
	TagConsolidation,
	TagLockByHeight,
	TagLockByTimestamp,
}

// Thresholds, carried verbatim from tags.rs.
const (
	ThresholdTransactionConsideredLarge = 2500             // vByte
	ThresholdFeerateConsideredHigh      = 1000.0            // sat/vByte
	ThresholdOutputConsideredDust       = 1000              // sat
	ThresholdValueConsideredHigh        = 100 * 100_000_000 // sat (100 BTC)
	ThresholdTransactionConsideredYoung = 90                // seconds

	// ThresholdSigopsMany has no authoritative value in the retrieved
	// source (DESIGN.md Open Question 4): a transaction this heavy in
	// sigops is unusual enough to flag regardless of its size.
	ThresholdSigopsMany = 80
	// ThresholdSigopsLimitCloseFraction: a block is flagged
	// SigopsLimitClose when its sigops are within this fraction of the
	// legacy (vbyte-normalized) consensus sigop limit.
	ThresholdSigopsLimitCloseFraction = 0.95
	// LegacySigopLimit is blockchain.MaxBlockSigOpsCost / 4, the
	// vbyte-normalized historical sigop limit.
	LegacySigopLimit = 80000 / 4
)

// TxAux carries the per-transaction facts the Tagger needs beyond the raw
// wire.MsgTx, mirroring the auxiliary fields processing.rs threads through
// build_transaction/get_transaction_tags.
type TxAux struct {
	Fee              int64
	IsCoinbase       bool
	IsConflicting    bool
	MempoolAgeSeconds int64 // -1 if unknown
	Sigops           int64
	// PrevOuts maps an input's previous outpoint to the script it spends,
	// needed to classify SegWit/Taproot/Multisig/RareScriptType spends.
	PrevOuts map[wire.OutPoint]*wire.TxOut
}

// Tags computes the severity-ordered tag list for tx, given aux data, the
// sanctioned-UTXO index (by outpoint) and the sanctioned-address set.
// Grounded on processing.rs::get_transaction_tags.
func Tags(tx *wire.MsgTx, aux TxAux, sanctionedUTXOs map[wire.OutPoint]bool, sanctionedAddrs map[string]bool, scriptToAddr func([]byte) (string, bool)) []Tag {
	present := make(map[Tag]bool, 8)

	if aux.IsConflicting {
		present[TagConflicting] = true
	}

	toSanctioned := false
	for _, out := range tx.TxOut {
		if addr, ok := scriptToAddr(out.PkScript); ok && sanctionedAddrs[addr] {
			toSanctioned = true
			break
		}
	}
	if toSanctioned {
		present[TagToSanctioned] = true
	}

	fromSanctioned := false
	for _, in := range tx.TxIn {
		if sanctionedUTXOs[in.PreviousOutPoint] {
			fromSanctioned = true
			break
		}
	}
	if fromSanctioned {
		present[TagFromSanctioned] = true
	}

	if aux.IsCoinbase {
		present[TagCoinbase] = true
	}

	vsize := mempoolVsize(tx)

	if !aux.IsCoinbase && aux.Fee == 0 {
		present[TagZeroFee] = true
	}
	if vsize > 0 && float64(aux.Fee)/float64(vsize) >= ThresholdFeerateConsideredHigh {
		present[TagHighFeerate] = true
	}
	if vsize >= ThresholdTransactionConsideredLarge {
		present[TagLarge] = true
	}

	var outputSum int64
	dust := false
	opReturn := false
	for _, out := range tx.TxOut {
		outputSum += out.Value
		class := txscript.GetScriptClass(out.PkScript)
		if class == txscript.NullDataTy {
			opReturn = true
			continue
		}
		if out.Value < ThresholdOutputConsideredDust {
			dust = true
		}
	}
	if dust {
		present[TagDustOutput] = true
	}
	if outputSum > ThresholdValueConsideredHigh {
		present[TagHighValue] = true
	}
	if aux.Sigops >= ThresholdSigopsMany {
		present[TagManySigops] = true
	}

	segwit, taproot, multisig, rare := classifyInputs(tx, aux.PrevOuts)
	if segwit {
		present[TagSegWit] = true
	}
	if taproot {
		present[TagTaproot] = true
	}
	if multisig {
		present[TagMultisig] = true
	}
	if rare {
		present[TagRareScriptType] = true
	}

	if opReturn {
		present[TagOpReturn] = true
	}
	if isCounterParty(tx) {
		present[TagCounterParty] = true
	}
	if hasInscriptionEnvelope(tx) {
		present[TagInscription] = true
	}
	if signalsRBF(tx) {
		present[TagRbfSignaling] = true
	}
	if aux.MempoolAgeSeconds >= 0 && aux.MempoolAgeSeconds < ThresholdTransactionConsideredYoung {
		present[TagYoung] = true
	}
	if looksLikeCoinjoin(tx) {
		present[TagCoinjoin] = true
	}
	if looksLikeConsolidation(tx) {
		present[TagConsolidation] = true
	}
	if tx.LockTime > 0 && signalsLocktime(tx) {
		if tx.LockTime < 500_000_000 {
			present[TagLockByHeight] = true
		} else {
			present[TagLockByTimestamp] = true
		}
	}

	out := make([]Tag, 0, len(present))
	for _, t := range tagPushOrder {
		if present[t] {
			out = append(out, t)
		}
	}
	return out
}

// mempoolVsize computes vsize as ceil(weight/4), with weight = stripped
// size*3 + full serialized size (BIP 141). It is the vsize source for both
// the Comparator's transaction records and the Tagger, including retag.
func mempoolVsize(tx *wire.MsgTx) int64 {
	weight := tx.SerializeSizeStripped()*3 + tx.SerializeSize()
	return int64((weight + 3) / 4)
}

// classifyInputs walks each input's spent output and, for P2SH/P2WSH
// wrappers, reaches through to the actual redeem/witness script — the same
// technique DefaultSigops already applies via
// txscript.GetPreciseSigOpCount(sigScript, pkScript, true) — so that
// P2SH-multisig and P2WSH-multisig (the common legitimate multisig pattern)
// are tagged Multisig instead of silently falling through as the wrapper
// class.
func classifyInputs(tx *wire.MsgTx, prevOuts map[wire.OutPoint]*wire.TxOut) (segwit, taproot, multisig, rare bool) {
	for _, in := range tx.TxIn {
		if len(in.Witness) > 0 {
			segwit = true
		}
		prev, ok := prevOuts[in.PreviousOutPoint]
		if !ok || prev == nil {
			continue
		}
		class := txscript.GetScriptClass(prev.PkScript)
		switch class {
		case txscript.WitnessV1TaprootTy:
			taproot = true
			segwit = true
		case txscript.WitnessV0PubKeyHashTy:
			segwit = true
		case txscript.WitnessV0ScriptHashTy:
			segwit = true
			if witnessScript, ok := lastWitnessItem(in.Witness); ok {
				classifyRedeemScript(witnessScript, &multisig, &rare)
			}
		case txscript.ScriptHashTy:
			if redeemScript, ok := lastPush(in.SignatureScript); ok {
				classifyRedeemScript(redeemScript, &multisig, &rare)
			}
		case txscript.MultiSigTy:
			multisig = true
		case txscript.PubKeyTy:
			rare = true
		}
	}
	return
}

// classifyRedeemScript classifies an extracted P2SH redeem script or P2WSH
// witness script, the same way a direct (unwrapped) prevout script would be.
func classifyRedeemScript(script []byte, multisig, rare *bool) {
	switch txscript.GetScriptClass(script) {
	case txscript.MultiSigTy:
		*multisig = true
	case txscript.PubKeyTy:
		*rare = true
	}
}

// lastPush returns the final data push of a scriptSig — for a standard
// P2SH spend this is the serialized redeem script.
func lastPush(sigScript []byte) ([]byte, bool) {
	pushes, err := txscript.PushedData(sigScript)
	if err != nil || len(pushes) == 0 {
		return nil, false
	}
	return pushes[len(pushes)-1], true
}

// lastWitnessItem returns the final witness stack element — for a standard
// P2WSH spend this is the serialized witness script.
func lastWitnessItem(w wire.TxWitness) ([]byte, bool) {
	if len(w) == 0 {
		return nil, false
	}
	return w[len(w)-1], true
}

// isCounterParty matches an OP_RETURN or bare-multisig (P2MS) output whose
// script contains the plain "CNTRPRTY" marker. P2SH-encoded CounterParty
// data is not detected.
func isCounterParty(tx *wire.MsgTx) bool {
	const marker = "CNTRPRTY"
	for _, out := range tx.TxOut {
		class := txscript.GetScriptClass(out.PkScript)
		if class != txscript.NullDataTy && class != txscript.MultiSigTy {
			continue
		}
		if containsASCII(out.PkScript, marker) {
			return true
		}
	}
	return false
}

func containsASCII(haystack []byte, needle string) bool {
	n := []byte(needle)
	if len(n) == 0 || len(haystack) < len(n) {
		return false
	}
	for i := 0; i+len(n) <= len(haystack); i++ {
		match := true
		for j := range n {
			if haystack[i+j] != n[j] {
				match = false
				break
			}
		}
		if match {
			return true
		}
	}
	return false
}

// hasInscriptionEnvelope looks for the start of the ordinals-style witness
// envelope in any witness item: OP_FALSE OP_IF followed by a push of "ord".
func hasInscriptionEnvelope(tx *wire.MsgTx) bool {
	for _, in := range tx.TxIn {
		for _, w := range in.Witness {
			if containsASCII(w, "\x00\x63\x03ord") {
				return true
			}
		}
	}
	return false
}

func signalsRBF(tx *wire.MsgTx) bool {
	for _, in := range tx.TxIn {
		if in.Sequence < wire.MaxTxInSequenceNum-1 {
			return true
		}
	}
	return false
}

// looksLikeCoinjoin flags the simple equal-value-output heuristic
// described in SPEC_FULL.md section 4.4.
func looksLikeCoinjoin(tx *wire.MsgTx) bool {
	if len(tx.TxIn) < 2 || len(tx.TxOut) < 3 {
		return false
	}
	counts := make(map[int64]int)
	for _, out := range tx.TxOut {
		counts[out.Value]++
	}
	for _, c := range counts {
		if c >= 3 {
			return true
		}
	}
	return false
}

// looksLikeConsolidation flags many-inputs-to-few-outputs transactions.
func looksLikeConsolidation(tx *wire.MsgTx) bool {
	return len(tx.TxIn) >= 10 && len(tx.TxOut) <= 2
}

func signalsLocktime(tx *wire.MsgTx) bool {
	for _, in := range tx.TxIn {
		if in.Sequence != wire.MaxTxInSequenceNum {
			return true
		}
	}
	return false
}

// SortTags returns a sorted, deduplicated copy of tags — used by the
// persistence layer's tag-union merge (section 4.8).
func SortTags(tags []Tag) []Tag {
	seen := make(map[Tag]bool, len(tags))
	out := make([]Tag, 0, len(tags))
	for _, t := range tags {
		if !seen[t] {
			seen[t] = true
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// UnionTags merges two tag sets, sorted and deduplicated.
func UnionTags(a, b []Tag) []Tag {
	return SortTags(append(append([]Tag{}, a...), b...))
}
