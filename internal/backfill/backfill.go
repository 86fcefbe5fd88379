// Package backfill implements the optional Tag Backfill pass (C4 offline
// mode), grounded on original_source/daemon/src/main.rs's
// start_retag_transactions_thread and processing.rs's retag.
package backfill

import (
	"context"
	"fmt"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"go.uber.org/zap"

	"github.com/rawblock/btcobserver/internal/models"
	"github.com/rawblock/btcobserver/internal/observe"
	"github.com/rawblock/btcobserver/internal/rpc"
)

// ProgressEvery controls how often a progress line is logged, per
// SPEC_FULL.md section 4.9 ("Log progress every 100 transactions").
const ProgressEvery = 100

// Store is the narrow persistence interface the backfill pass needs.
type Store interface {
	AllTransactions(ctx context.Context) ([]models.Transaction, error)
	UpdateTransactionTags(ctx context.Context, txid [32]byte, tags []int32) error
}

// Sanctions is the narrow sanctioned-address source the backfill pass
// needs.
type Sanctions interface {
	CurrentAddresses() map[string]bool
}

// Run recomputes tags for every stored transaction, assuming an empty
// sanctioned-UTXO index and no conflict marker (neither is recoverable
// offline), and merges the result into the stored tag set by union. A
// single transaction's RPC failure is logged and the pass continues
// (mirrors the Pool Re-identifier's per-item resilience).
func Run(ctx context.Context, client *rpc.Client, store Store, sanctions Sanctions, scriptToAddr observe.ScriptToAddressFunc, logger *zap.Logger) error {
	txs, err := store.AllTransactions(ctx)
	if err != nil {
		return fmt.Errorf("backfill: list transactions: %w", err)
	}

	sanctionedAddrs := sanctions.CurrentAddresses()
	prevTxCache := make(map[chainhash.Hash]*wire.MsgTx)

	for i, stored := range txs {
		txid := chainhash.Hash(stored.Txid)
		raw, err := client.GetRawTransaction(&txid)
		if err != nil {
			logger.Warn("backfill: fetch transaction failed, skipping", zap.String("txid", txid.String()), zap.Error(err))
			continue
		}
		tx, err := observe.DecodeTxHex(raw.Hex)
		if err != nil {
			logger.Warn("backfill: decode transaction failed, skipping", zap.String("txid", txid.String()), zap.Error(err))
			continue
		}

		prevOuts := make(map[wire.OutPoint]*wire.TxOut, len(tx.TxIn))
		for _, in := range tx.TxIn {
			prevTx, ok := prevTxCache[in.PreviousOutPoint.Hash]
			if !ok {
				fetched, err := client.GetRawTransaction(&in.PreviousOutPoint.Hash)
				if err != nil {
					continue
				}
				prevTx, err = observe.DecodeTxHex(fetched.Hex)
				if err != nil {
					continue
				}
				prevTxCache[in.PreviousOutPoint.Hash] = prevTx
			}
			if int(in.PreviousOutPoint.Index) < len(prevTx.TxOut) {
				prevOuts[in.PreviousOutPoint] = prevTx.TxOut[in.PreviousOutPoint.Index]
			}
		}

		isCoinbase := len(tx.TxIn) == 1 &&
			tx.TxIn[0].PreviousOutPoint.Index == wire.MaxPrevOutIndex &&
			tx.TxIn[0].PreviousOutPoint.Hash == (chainhash.Hash{})
		aux := observe.TxAux{
			Fee:               stored.Fee,
			IsCoinbase:        isCoinbase,
			IsConflicting:     false,
			MempoolAgeSeconds: -1,
			Sigops:            int64(stored.Sigops),
			PrevOuts:          prevOuts,
		}
		recomputed := observe.Tags(tx, aux, nil, sanctionedAddrs, scriptToAddr)

		merged := observe.UnionTags(toTags(stored.Tags), recomputed)
		mergedInt32 := toInt32s(merged)
		if !sameTags(stored.Tags, mergedInt32) {
			if err := store.UpdateTransactionTags(ctx, stored.Txid, mergedInt32); err != nil {
				logger.Warn("backfill: update tags failed, skipping", zap.String("txid", txid.String()), zap.Error(err))
				continue
			}
		}

		if (i+1)%ProgressEvery == 0 {
			logger.Info("backfill progress", zap.Int("processed", i+1), zap.Int("total", len(txs)))
		}
	}

	logger.Info("backfill complete", zap.Int("total", len(txs)))
	return nil
}

func toTags(in []int32) []observe.Tag {
	out := make([]observe.Tag, len(in))
	for i, v := range in {
		out[i] = observe.Tag(v)
	}
	return out
}

func toInt32s(in []observe.Tag) []int32 {
	out := make([]int32, len(in))
	for i, t := range in {
		out[i] = int32(t)
	}
	return out
}

func sameTags(a, b []int32) bool {
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
