package observe

import (
	"testing"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
)

func noSigops(*wire.MsgTx, PrevOutIndex) int64 { return 0 }
func noMempoolAge(chainhash.Hash) int64        { return -1 }

func TestCompare_SharedMissingExtra(t *testing.T) {
	coinbase := txSpending(wire.OutPoint{Index: 0})
	shared := txSpending(wire.OutPoint{Index: 1})
	onlyInBlock := txSpending(wire.OutPoint{Index: 2})
	onlyInTemplate := txSpending(wire.OutPoint{Index: 3})

	block := BlockInput{
		Hash: hashN(0xAA),
		Txs: []SideTx{
			{Txid: coinbase.TxHash(), Tx: coinbase, Position: 0},
			{Txid: shared.TxHash(), Tx: shared, Position: 1, Fee: 100},
			{Txid: onlyInBlock.TxHash(), Tx: onlyInBlock, Position: 2, Fee: 200},
		},
	}
	template := TemplateInput{
		GeneratedAt: time.Unix(10, 0),
		Txs: []SideTx{
			{Txid: shared.TxHash(), Tx: shared, Position: 0, Fee: 100},
			{Txid: onlyInTemplate.TxHash(), Tx: onlyInTemplate, Position: 1, Fee: 300},
		},
	}
	entries := []TemplateEntry{{GeneratedAt: template.GeneratedAt, Txids: map[chainhash.Hash]bool{
		shared.TxHash(): true, onlyInTemplate.TxHash(): true,
	}}}

	result, err := Compare(block, template, 5_000_000_000, entries, template.GeneratedAt,
		nil, nil, noAddr, noMempoolAge, noSigops)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if result.SharedTx != 1 {
		t.Errorf("expected SharedTx=1, got %d", result.SharedTx)
	}
	if result.ExtraTx != 2 {
		t.Errorf("expected ExtraTx=2 (the block's own coinbase is never in a template, plus onlyInBlock), got %d", result.ExtraTx)
	}
	if result.MissingTx != 1 {
		t.Errorf("expected MissingTx=1, got %d", result.MissingTx)
	}
	if result.TemplateCbValue != 5_000_000_000 {
		t.Errorf("expected TemplateCbValue to come from the explicit parameter, got %d", result.TemplateCbValue)
	}
	if result.TemplateCbFees != 400 {
		t.Errorf("expected TemplateCbFees to sum every template tx's fee (no coinbase to skip), got %d", result.TemplateCbFees)
	}
	if result.BlockCbFees != 300 {
		t.Errorf("expected BlockCbFees to skip the block's own coinbase entry, got %d", result.BlockCbFees)
	}
}

func scriptToAddrFor(target []byte, addr string) ScriptToAddressFunc {
	return func(script []byte) (string, bool) {
		if bytesEqual(script, target) {
			return addr, true
		}
		return "", false
	}
}

func bytesEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func TestCompare_SharedSanctionedTxSetsBothFlags(t *testing.T) {
	coinbase := txSpending(wire.OutPoint{Index: 0})

	sanctionedScript := []byte{0x51, 0x01}
	shared := wire.NewMsgTx(wire.TxVersion)
	shared.AddTxIn(&wire.TxIn{PreviousOutPoint: wire.OutPoint{Index: 9}})
	shared.AddTxOut(wire.NewTxOut(1000, sanctionedScript))

	block := BlockInput{
		Hash: hashN(0xAA),
		Txs: []SideTx{
			{Txid: coinbase.TxHash(), Tx: coinbase, Position: 0},
			{Txid: shared.TxHash(), Tx: shared, Position: 1, Fee: 50},
		},
	}
	template := TemplateInput{
		GeneratedAt: time.Unix(10, 0),
		Txs: []SideTx{
			{Txid: shared.TxHash(), Tx: shared, Position: 0, Fee: 50},
		},
	}

	sanctionedAddrs := map[string]bool{"SanctionedAddr1": true}
	toAddr := scriptToAddrFor(sanctionedScript, "SanctionedAddr1")

	result, err := Compare(block, template, 0, nil, template.GeneratedAt,
		sanctionedAddrs, nil, toAddr, noMempoolAge, noSigops)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var info *SanctionedInfo
	for i := range result.SanctionedInfos {
		if result.SanctionedInfos[i].Txid == shared.TxHash() {
			info = &result.SanctionedInfos[i]
		}
	}
	if info == nil {
		t.Fatalf("expected a sanctioned-info record for the shared transaction")
	}
	if !info.InBlock {
		t.Errorf("expected InBlock=true for a sanctioned transaction present in the block")
	}
	if !info.InTemplate {
		t.Errorf("expected InTemplate=true for a sanctioned transaction also present in the template")
	}
}

func TestCompare_ConflictingOutpointClustered(t *testing.T) {
	coinbase := txSpending(wire.OutPoint{Index: 0})
	contested := wire.OutPoint{Hash: hashN(0x01), Index: 0}
	templateTx := txSpending(contested)
	blockTx := txSpending(contested)
	blockTx.TxOut[0].Value = 2000 // differ from templateTx so the txids differ

	block := BlockInput{
		Txs: []SideTx{
			{Txid: coinbase.TxHash(), Tx: coinbase, Position: 0},
			{Txid: blockTx.TxHash(), Tx: blockTx, Position: 1},
		},
	}
	template := TemplateInput{
		Txs: []SideTx{
			{Txid: templateTx.TxHash(), Tx: templateTx, Position: 0},
		},
	}

	result, err := Compare(block, template, 0, nil, time.Time{}, nil, nil, noAddr, noMempoolAge, noSigops)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(result.Conflicts) != 1 {
		t.Fatalf("expected exactly one conflict cluster, got %d: %+v", len(result.Conflicts), result.Conflicts)
	}
	c := result.Conflicts[0]
	if len(c.TemplateTxids) != 1 || c.TemplateTxids[0] != templateTx.TxHash() {
		t.Errorf("expected the template tx in the conflict, got %v", c.TemplateTxids)
	}
	if len(c.BlockTxids) != 1 || c.BlockTxids[0] != blockTx.TxHash() {
		t.Errorf("expected the block tx in the conflict, got %v", c.BlockTxids)
	}
}
