package observe

import (
	"testing"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
)

func txSpending(outpoints ...wire.OutPoint) *wire.MsgTx {
	tx := wire.NewMsgTx(wire.TxVersion)
	for _, op := range outpoints {
		tx.AddTxIn(&wire.TxIn{PreviousOutPoint: op})
	}
	tx.AddTxOut(wire.NewTxOut(1000, []byte{0x51}))
	return tx
}

func TestBuildPackages_ParentChildJoinsOnePackage(t *testing.T) {
	parent := txSpending(wire.OutPoint{Index: 0})
	parentID := parent.TxHash()
	child := txSpending(wire.OutPoint{Hash: parentID, Index: 0})

	txs := []TxInfo{
		{Txid: parentID, Transaction: parent, Position: 0, Fee: 1000},
		{Txid: child.TxHash(), Transaction: child, Position: 1, Fee: 2000},
	}

	pkgs, err := BuildPackages(txs)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(pkgs) != 1 {
		t.Fatalf("expected a single package for a parent/child pair, got %d", len(pkgs))
	}
	if len(pkgs[0].Members) != 2 {
		t.Fatalf("expected both transactions in the package, got members %v", pkgs[0].Members)
	}
}

func TestBuildPackages_SharedParentJoinsPackage(t *testing.T) {
	parent := txSpending(wire.OutPoint{Index: 0})
	parentID := parent.TxHash()
	childA := txSpending(wire.OutPoint{Hash: parentID, Index: 0})
	childB := txSpending(wire.OutPoint{Hash: parentID, Index: 1})

	txs := []TxInfo{
		{Txid: parentID, Transaction: parent, Position: 0, Fee: 500},
		{Txid: childA.TxHash(), Transaction: childA, Position: 1, Fee: 500},
		{Txid: childB.TxHash(), Transaction: childB, Position: 2, Fee: 500},
	}

	pkgs, err := BuildPackages(txs)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(pkgs) != 1 || len(pkgs[0].Members) != 3 {
		t.Fatalf("expected one package of 3 siblings sharing a parent, got %+v", pkgs)
	}
}

func TestBuildPackages_UnrelatedTransactionsStaySeparate(t *testing.T) {
	a := txSpending(wire.OutPoint{Hash: chainhash.Hash{0x01}, Index: 0})
	b := txSpending(wire.OutPoint{Hash: chainhash.Hash{0x02}, Index: 0})

	txs := []TxInfo{
		{Txid: a.TxHash(), Transaction: a, Position: 0, Fee: 1000},
		{Txid: b.TxHash(), Transaction: b, Position: 1, Fee: 1000},
	}

	pkgs, err := BuildPackages(txs)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(pkgs) != 2 {
		t.Fatalf("expected two independent packages, got %d", len(pkgs))
	}
}

func TestBuildPackages_Empty(t *testing.T) {
	pkgs, err := BuildPackages(nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if pkgs != nil {
		t.Fatalf("expected nil packages for no input, got %v", pkgs)
	}
}
