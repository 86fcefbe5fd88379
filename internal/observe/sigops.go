package observe

import (
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
)

// DefaultSigops sums Bitcoin Core-style legacy sigop counts across a
// transaction's inputs (and its own output scripts), using txscript's
// script-class-aware counter. It does not apply the witness discount
// Bitcoin Core's consensus "sigop cost" uses — acceptable here since sigops
// are only ever used as a diagnostic tag threshold (ManySigops,
// SigopsLimitClose), never a consensus check (section 1 Non-goals).
func DefaultSigops(tx *wire.MsgTx, prevOuts PrevOutIndex) int64 {
	var total int64
	for _, in := range tx.TxIn {
		prev, ok := prevOuts[in.PreviousOutPoint]
		if !ok || prev == nil {
			continue
		}
		total += int64(txscript.GetPreciseSigOpCount(in.SignatureScript, prev.PkScript, true))
	}
	for _, out := range tx.TxOut {
		total += int64(txscript.GetSigOpCount(out.PkScript))
	}
	return total
}
