package observe

import (
	"crypto/sha256"
	"testing"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
)

// dummyMultisigScript builds a bare 2-of-3 CHECKMULTISIG script using
// fixed-length placeholder pubkeys, just enough for
// txscript.GetScriptClass to recognize it as MultiSigTy.
func dummyMultisigScript(t *testing.T) []byte {
	t.Helper()
	builder := txscript.NewScriptBuilder().AddOp(txscript.OP_2)
	for i := byte(0); i < 3; i++ {
		pub := make([]byte, 33)
		pub[0] = 0x02
		pub[1] = i + 1
		builder.AddData(pub)
	}
	builder.AddOp(txscript.OP_3).AddOp(txscript.OP_CHECKMULTISIG)
	script, err := builder.Script()
	if err != nil {
		t.Fatalf("build multisig script: %v", err)
	}
	return script
}

func noAddr([]byte) (string, bool) { return "", false }

func simpleTx(outValue int64) *wire.MsgTx {
	tx := wire.NewMsgTx(wire.TxVersion)
	tx.AddTxIn(&wire.TxIn{PreviousOutPoint: wire.OutPoint{Index: 0}})
	tx.AddTxOut(wire.NewTxOut(outValue, []byte{0x51}))
	return tx
}

func TestTags_ZeroFeeNonCoinbase(t *testing.T) {
	tx := simpleTx(1000)
	aux := TxAux{Fee: 0, MempoolAgeSeconds: -1}
	tags := Tags(tx, aux, nil, nil, noAddr)

	found := false
	for _, tg := range tags {
		if tg == TagZeroFee {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected TagZeroFee for a zero-fee non-coinbase tx, got %v", tags)
	}
}

func TestTags_CoinbaseSuppressesZeroFee(t *testing.T) {
	tx := simpleTx(5_000_000_000)
	aux := TxAux{Fee: 0, IsCoinbase: true, MempoolAgeSeconds: -1}
	tags := Tags(tx, aux, nil, nil, noAddr)

	for _, tg := range tags {
		if tg == TagZeroFee {
			t.Fatalf("coinbase must never carry TagZeroFee, got %v", tags)
		}
	}
}

func TestTags_DustOutputThreshold(t *testing.T) {
	below := simpleTx(ThresholdOutputConsideredDust - 1)
	aux := TxAux{Fee: 1, MempoolAgeSeconds: -1}
	tags := Tags(below, aux, nil, nil, noAddr)
	if !hasTag(tags, TagDustOutput) {
		t.Fatalf("expected TagDustOutput just below the dust threshold, got %v", tags)
	}

	atThreshold := simpleTx(ThresholdOutputConsideredDust)
	tags = Tags(atThreshold, aux, nil, nil, noAddr)
	if hasTag(tags, TagDustOutput) {
		t.Fatalf("did not expect TagDustOutput exactly at the dust threshold, got %v", tags)
	}
}

func TestTags_HighValueThreshold(t *testing.T) {
	tx := simpleTx(ThresholdValueConsideredHigh + 1)
	aux := TxAux{Fee: 1, MempoolAgeSeconds: -1}
	tags := Tags(tx, aux, nil, nil, noAddr)
	if !hasTag(tags, TagHighValue) {
		t.Fatalf("expected TagHighValue above the high-value threshold, got %v", tags)
	}
}

func TestTags_ManySigopsThreshold(t *testing.T) {
	tx := simpleTx(1000)
	aux := TxAux{Fee: 1, MempoolAgeSeconds: -1, Sigops: ThresholdSigopsMany}
	tags := Tags(tx, aux, nil, nil, noAddr)
	if !hasTag(tags, TagManySigops) {
		t.Fatalf("expected TagManySigops at the sigops threshold, got %v", tags)
	}
}

func TestTags_YoungWindow(t *testing.T) {
	tx := simpleTx(1000)
	young := TxAux{Fee: 1, MempoolAgeSeconds: ThresholdTransactionConsideredYoung - 1}
	if !hasTag(Tags(tx, young, nil, nil, noAddr), TagYoung) {
		t.Fatalf("expected TagYoung just inside the young window")
	}
	old := TxAux{Fee: 1, MempoolAgeSeconds: ThresholdTransactionConsideredYoung}
	if hasTag(Tags(tx, old, nil, nil, noAddr), TagYoung) {
		t.Fatalf("did not expect TagYoung exactly at the young window boundary")
	}
}

func TestTags_ToSanctionedOutput(t *testing.T) {
	tx := simpleTx(1000)
	scriptToAddr := func(script []byte) (string, bool) { return "sanctioned-addr", true }
	aux := TxAux{Fee: 1, MempoolAgeSeconds: -1}
	tags := Tags(tx, aux, nil, map[string]bool{"sanctioned-addr": true}, scriptToAddr)
	if !hasTag(tags, TagToSanctioned) {
		t.Fatalf("expected TagToSanctioned when an output pays a sanctioned address, got %v", tags)
	}
}

func TestTags_FromSanctionedInput(t *testing.T) {
	tx := simpleTx(1000)
	spent := tx.TxIn[0].PreviousOutPoint
	aux := TxAux{Fee: 1, MempoolAgeSeconds: -1}
	tags := Tags(tx, aux, map[wire.OutPoint]bool{spent: true}, nil, noAddr)
	if !hasTag(tags, TagFromSanctioned) {
		t.Fatalf("expected TagFromSanctioned when an input spends a sanctioned UTXO, got %v", tags)
	}
}

func TestTags_P2SHMultisigSpend(t *testing.T) {
	redeemScript := dummyMultisigScript(t)
	scriptHash := btcutil.Hash160(redeemScript)
	pkScript, err := txscript.NewScriptBuilder().
		AddOp(txscript.OP_HASH160).AddData(scriptHash).AddOp(txscript.OP_EQUAL).Script()
	if err != nil {
		t.Fatalf("build P2SH pkScript: %v", err)
	}

	sigScript, err := txscript.NewScriptBuilder().
		AddOp(txscript.OP_FALSE).AddData([]byte{0x01, 0x02}).AddData(redeemScript).Script()
	if err != nil {
		t.Fatalf("build P2SH sigScript: %v", err)
	}

	spent := wire.OutPoint{Index: 0}
	tx := wire.NewMsgTx(wire.TxVersion)
	tx.AddTxIn(&wire.TxIn{PreviousOutPoint: spent, SignatureScript: sigScript})
	tx.AddTxOut(wire.NewTxOut(1000, []byte{0x51}))

	aux := TxAux{
		Fee:               1,
		MempoolAgeSeconds: -1,
		PrevOuts:          map[wire.OutPoint]*wire.TxOut{spent: wire.NewTxOut(5000, pkScript)},
	}
	tags := Tags(tx, aux, nil, nil, noAddr)
	if !hasTag(tags, TagMultisig) {
		t.Fatalf("expected TagMultisig for a P2SH-wrapped multisig spend, got %v", tags)
	}
	if hasTag(tags, TagRareScriptType) {
		t.Fatalf("did not expect TagRareScriptType for a P2SH-wrapped multisig spend, got %v", tags)
	}
}

func TestTags_P2WSHMultisigSpend(t *testing.T) {
	witnessScript := dummyMultisigScript(t)
	scriptHash := sha256.Sum256(witnessScript)
	pkScript, err := txscript.NewScriptBuilder().
		AddOp(txscript.OP_0).AddData(scriptHash[:]).Script()
	if err != nil {
		t.Fatalf("build P2WSH pkScript: %v", err)
	}

	spent := wire.OutPoint{Index: 0}
	tx := wire.NewMsgTx(wire.TxVersion)
	tx.AddTxIn(&wire.TxIn{PreviousOutPoint: spent, Witness: wire.TxWitness{{0x01, 0x02}, witnessScript}})
	tx.AddTxOut(wire.NewTxOut(1000, []byte{0x51}))

	aux := TxAux{
		Fee:               1,
		MempoolAgeSeconds: -1,
		PrevOuts:          map[wire.OutPoint]*wire.TxOut{spent: wire.NewTxOut(5000, pkScript)},
	}
	tags := Tags(tx, aux, nil, nil, noAddr)
	if !hasTag(tags, TagMultisig) {
		t.Fatalf("expected TagMultisig for a P2WSH multisig spend, got %v", tags)
	}
	if !hasTag(tags, TagSegWit) {
		t.Fatalf("expected TagSegWit for a P2WSH multisig spend, got %v", tags)
	}
	if hasTag(tags, TagRareScriptType) {
		t.Fatalf("did not expect TagRareScriptType for a P2WSH multisig spend, got %v", tags)
	}
}

func TestTags_BareMultisigSpend(t *testing.T) {
	pkScript := dummyMultisigScript(t)
	spent := wire.OutPoint{Index: 0}
	tx := wire.NewMsgTx(wire.TxVersion)
	tx.AddTxIn(&wire.TxIn{PreviousOutPoint: spent, SignatureScript: []byte{0x01, 0x02}})
	tx.AddTxOut(wire.NewTxOut(1000, []byte{0x51}))

	aux := TxAux{
		Fee:               1,
		MempoolAgeSeconds: -1,
		PrevOuts:          map[wire.OutPoint]*wire.TxOut{spent: wire.NewTxOut(5000, pkScript)},
	}
	tags := Tags(tx, aux, nil, nil, noAddr)
	if !hasTag(tags, TagMultisig) {
		t.Fatalf("expected TagMultisig for a bare multisig spend, got %v", tags)
	}
	if hasTag(tags, TagRareScriptType) {
		t.Fatalf("bare multisig must not also carry TagRareScriptType, got %v", tags)
	}
}

func hasTag(tags []Tag, want Tag) bool {
	for _, t := range tags {
		if t == want {
			return true
		}
	}
	return false
}
