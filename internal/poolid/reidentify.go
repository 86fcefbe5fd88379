package poolid

import (
	"context"
	"fmt"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"go.uber.org/zap"

	"github.com/rawblock/btcobserver/internal/observe"
	"github.com/rawblock/btcobserver/internal/rpc"
)

// Store is the narrow persistence interface the re-identifier needs.
type Store interface {
	UnknownPoolBlocks(ctx context.Context) (map[int32][32]byte, error)
	UpdatePoolNameWithBlockID(ctx context.Context, blockID int32, name, link, method string) error
}

// Reidentify retries pool identification for every block currently labeled
// Unknown. A single block's RPC failure is logged and the pass continues to
// the next block (SPEC_FULL.md section 4.9/9 — corrected from the
// original's literal break).
func Reidentify(ctx context.Context, client *rpc.Client, store Store, dataset *Dataset, params *chaincfg.Params, logger *zap.Logger) error {
	blocks, err := store.UnknownPoolBlocks(ctx)
	if err != nil {
		return fmt.Errorf("poolid: reidentify: list unknown-pool blocks: %w", err)
	}

	for blockID, hashBytes := range blocks {
		hash := chainhash.Hash(hashBytes)
		verbose, err := client.GetBlockVerboseTx(&hash)
		if err != nil {
			logger.Warn("reidentify: fetch block failed, skipping", zap.String("hash", hash.String()), zap.Error(err))
			continue
		}
		if len(verbose.Tx) == 0 {
			continue
		}
		coinbase, err := observe.DecodeTxHex(verbose.Tx[0].Hex)
		if err != nil {
			logger.Warn("reidentify: decode coinbase failed, skipping", zap.String("hash", hash.String()), zap.Error(err))
			continue
		}

		identity := dataset.Identify(coinbase, params)
		if identity.Name == Unknown.Name {
			continue
		}
		if err := store.UpdatePoolNameWithBlockID(ctx, blockID, identity.Name, identity.Link, identity.Method); err != nil {
			logger.Warn("reidentify: update pool name failed, skipping", zap.Int32("block_id", blockID), zap.Error(err))
			continue
		}
	}
	return nil
}
