package sanctions

import (
	"context"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"go.uber.org/zap"

	"github.com/rawblock/btcobserver/internal/models"
	"github.com/rawblock/btcobserver/internal/rpc"
)

// Cadence constants, carried verbatim from original_source/daemon/src/main.rs.
const (
	WaitBetweenUTXOScans       = 3 * time.Hour
	WaitBetweenFailedUTXOScans = 5 * time.Minute
)

// ScanResult is the outcome of one UTXO-set scan.
type ScanResult struct {
	UTXOs    []models.SanctionedUTXO
	ScanInfo models.SanctionedUTXOScanInfo
}

// ScanOnce runs a single blocking scantxoutset over the given addresses.
// Grounded on the teacher's ScanTxOutset (internal/bitcoin/client.go),
// extended to the 8-minute timeout SPEC_FULL.md section 4.2 requires.
func ScanOnce(client *rpc.Client, addresses []string) (ScanResult, error) {
	start := time.Now()

	descriptors := make([]string, len(addresses))
	for i, a := range addresses {
		descriptors[i] = fmt.Sprintf("addr(%s)", a)
	}

	res, err := client.ScanTxOutset("start", descriptors)
	if err != nil {
		return ScanResult{}, fmt.Errorf("sanctions: scantxoutset: %w", err)
	}

	utxos := make([]models.SanctionedUTXO, 0, len(res.Unspents))
	var totalAmount int64
	for _, u := range res.Unspents {
		// The RPC returns txids as display-order hex; NewHashFromStr
		// decodes that into chainhash.Hash's native wire order (Open
		// Question 1). The store turns it back into display order once,
		// at its write boundary in internal/store.
		h, err := chainhash.NewHashFromStr(u.TxID)
		if err != nil {
			continue
		}
		script, err := hex.DecodeString(u.ScriptPubKey)
		if err != nil {
			continue
		}
		amountSat := int64(u.Amount * 100_000_000)
		totalAmount += amountSat
		utxos = append(utxos, models.SanctionedUTXO{
			Txid:         *h,
			Vout:         int32(u.Vout),
			ScriptPubkey: script,
			Amount:       amountSat,
			Height:       int32(u.Height),
			Sanctioneer:  models.SanctioneerOFAC,
		})
	}

	info := models.SanctionedUTXOScanInfo{
		EndTime:         time.Now(),
		EndHeight:       int32(res.Height),
		DurationSeconds: int32(time.Since(start).Seconds()),
		UTXOAmount:      totalAmount,
		UTXOCount:       int32(len(utxos)),
	}
	return ScanResult{UTXOs: utxos, ScanInfo: info}, nil
}

// Store is the narrow persistence interface the UTXO scanner needs.
type Store interface {
	GetSanctionedAddresses(ctx context.Context) ([]string, error)
	CleanAndInsertSanctionedUTXOs(ctx context.Context, utxos []models.SanctionedUTXO) error
	InsertSanctionedUTXOScanInfo(ctx context.Context, info models.SanctionedUTXOScanInfo) error
}

// Run drives the scan loop until stop is closed, per the cadence in
// SPEC_FULL.md section 4.2/5.
func Run(ctx context.Context, client *rpc.Client, store Store, logger *zap.Logger, stop <-chan struct{}) {
	wait := time.Duration(0)
	for {
		select {
		case <-stop:
			return
		case <-time.After(wait):
		}

		addrs, err := store.GetSanctionedAddresses(ctx)
		if err != nil {
			logger.Warn("utxo scan: load sanctioned addresses failed", zap.Error(err))
			wait = WaitBetweenFailedUTXOScans
			continue
		}

		result, err := ScanOnce(client, addrs)
		if err != nil {
			logger.Warn("utxo scan failed", zap.Error(err))
			wait = WaitBetweenFailedUTXOScans
			continue
		}

		if err := store.CleanAndInsertSanctionedUTXOs(ctx, result.UTXOs); err != nil {
			logger.Error("utxo scan: persist utxos failed", zap.Error(err))
			wait = WaitBetweenFailedUTXOScans
			continue
		}
		if err := store.InsertSanctionedUTXOScanInfo(ctx, result.ScanInfo); err != nil {
			logger.Warn("utxo scan: persist scan info failed", zap.Error(err))
		}

		wait = WaitBetweenUTXOScans
	}
}
