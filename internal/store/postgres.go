// Package store implements the Persistence Port (C10), grounded on the
// teacher's internal/db/postgres.go (pgxpool, explicit transactions,
// ON CONFLICT clauses), generalized to this engine's idempotent,
// tag-union-on-conflict data model (section 4.8).
package store

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/rawblock/btcobserver/internal/models"
	"github.com/rawblock/btcobserver/internal/observe"
)

//go:embed schema.sql
var schemaSQL string

// RetryWait and the retry-once-then-abandon policy are grounded on
// original_source/daemon/src/main.rs's WAIT_TIME_BETWEEN_CONNPOOL_GETCONNECTION.
const RetryWait = 1 * time.Second

type Store struct {
	pool *pgxpool.Pool
}

func Connect(ctx context.Context, connStr string) (*Store, error) {
	pool, err := pgxpool.New(ctx, connStr)
	if err != nil {
		return nil, fmt.Errorf("store: connect: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("store: ping: %w", err)
	}
	return &Store{pool: pool}, nil
}

func (s *Store) Close() { s.pool.Close() }

// InitSchema applies the embedded schema exactly once; there is no
// migration mechanism (section 1 Non-goals).
func (s *Store) InitSchema(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("store: init schema: %w", err)
	}
	return nil
}

// withRetry runs fn with a retry-once-then-abandon policy: on any failure
// (most commonly connection acquisition under pool exhaustion) it waits
// RetryWait and tries exactly once more before giving up (section 4.8).
func (s *Store) withRetry(ctx context.Context, fn func(ctx context.Context) error) error {
	err := fn(ctx)
	if err == nil {
		return nil
	}
	time.Sleep(RetryWait)
	return fn(ctx)
}

// InsertBlock inserts a new block row and returns its assigned id.
func (s *Store) InsertBlock(ctx context.Context, b models.Block) (int32, error) {
	const q = `
		INSERT INTO block (
			hash, prev_hash, height, tags, missing_tx, extra_tx, shared_tx,
			sanctioned_missing_tx, equality, block_time, block_seen_time,
			block_tx, block_sanctioned, block_cb_value, block_cb_fees,
			block_weight, block_sigops, block_pkg_weights, block_pkg_feerates,
			pool_name, pool_link, pool_id_method,
			template_tx, template_time, template_sanctioned, template_cb_value,
			template_cb_fees, template_weight, template_sigops,
			template_pkg_weights, template_pkg_feerates
		) VALUES (
			$1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,
			$20,$21,$22,$23,$24,$25,$26,$27,$28,$29,$30,$31
		)
		ON CONFLICT (hash) DO NOTHING
		RETURNING id
	`
	var id int32
	err := s.withRetry(ctx, func(ctx context.Context) error {
		return s.pool.QueryRow(ctx, q,
			toDBHash(b.Hash), toDBHash(b.PrevHash), b.Height, toInt32Slice(b.Tags),
			b.MissingTx, b.ExtraTx, b.SharedTx, b.SanctionedMissingTx, b.Similarity,
			b.BlockTime, b.BlockSeenTime, b.BlockTx, b.BlockSanctioned, b.BlockCbValue,
			b.BlockCbFees, b.BlockWeight, b.BlockSigops, b.BlockPkgWeights, b.BlockPkgFeerates,
			b.PoolName, b.PoolLink, b.PoolIDMethod,
			b.TemplateTx, b.TemplateTime, b.TemplateSanctioned, b.TemplateCbValue,
			b.TemplateCbFees, b.TemplateWeight, b.TemplateSigops,
			b.TemplatePkgWeights, b.TemplatePkgFeerates,
		).Scan(&id)
	})
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, s.pool.QueryRow(ctx, `SELECT id FROM block WHERE hash = $1`, toDBHash(b.Hash)).Scan(&id)
		}
		return 0, fmt.Errorf("store: insert block: %w", err)
	}
	return id, nil
}

// InsertTransactions inserts each transaction; on a txid conflict, the
// stored tags are unioned with the incoming tags and written back if
// different. Returns how many rows were updated (vs freshly inserted).
func (s *Store) InsertTransactions(ctx context.Context, txs []models.Transaction) (updated int, err error) {
	err = s.withRetry(ctx, func(ctx context.Context) error {
		tx, err := s.pool.Begin(ctx)
		if err != nil {
			return err
		}
		defer func() { _ = tx.Rollback(ctx) }()

		for _, t := range txs {
			var existingTags []int32
			scanErr := tx.QueryRow(ctx, `SELECT tags FROM transaction WHERE txid = $1`, toDBHash(t.Txid)).Scan(&existingTags)
			if scanErr == nil {
				merged := unionInt32Tags(existingTags, t.Tags)
				if !sameInt32s(merged, existingTags) {
					if _, err := tx.Exec(ctx, `UPDATE transaction SET tags = $1 WHERE txid = $2`, merged, toDBHash(t.Txid)); err != nil {
						return err
					}
					updated++
				}
				continue
			}
			if !errors.Is(scanErr, pgx.ErrNoRows) {
				return scanErr
			}

			const ins = `
				INSERT INTO transaction (
					txid, sanctioned, vsize, fee, output_sum, sigops, tags,
					input_count, inputs, output_count, outputs
				) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
				ON CONFLICT (txid) DO NOTHING
			`
			if _, err := tx.Exec(ctx, ins,
				toDBHash(t.Txid), t.Sanctioned, t.Vsize, t.Fee, t.OutputSum, t.Sigops, unionInt32Tags(nil, t.Tags),
				t.InputCount, t.Inputs, t.OutputCount, t.Outputs,
			); err != nil {
				return err
			}
		}
		return tx.Commit(ctx)
	})
	return updated, err
}

func (s *Store) InsertTransactionsOnlyInBlock(ctx context.Context, rows []models.TransactionOnlyInBlock) error {
	return s.withRetry(ctx, func(ctx context.Context) error {
		for _, r := range rows {
			if _, err := s.pool.Exec(ctx, `
				INSERT INTO transaction_only_in_block (block_id, position, transaction_txid)
				VALUES ($1,$2,$3) ON CONFLICT DO NOTHING
			`, r.BlockID, r.Position, toDBHash(r.TransactionTxid)); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *Store) InsertTransactionsOnlyInTemplate(ctx context.Context, rows []models.TransactionOnlyInTemplate) error {
	return s.withRetry(ctx, func(ctx context.Context) error {
		for _, r := range rows {
			if _, err := s.pool.Exec(ctx, `
				INSERT INTO transaction_only_in_template (block_id, position, mempool_age_seconds, transaction_txid)
				VALUES ($1,$2,$3,$4) ON CONFLICT DO NOTHING
			`, r.BlockID, r.Position, r.MempoolAgeSeconds, toDBHash(r.TransactionTxid)); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *Store) InsertSanctionedTransactionInfos(ctx context.Context, rows []models.SanctionedTransactionInfo) error {
	return s.withRetry(ctx, func(ctx context.Context) error {
		for _, r := range rows {
			if _, err := s.pool.Exec(ctx, `
				INSERT INTO sanctioned_transaction_info (block_id, transaction_txid, in_block, in_template, addresses, sanctioneer)
				VALUES ($1,$2,$3,$4,$5,$6) ON CONFLICT DO NOTHING
			`, r.BlockID, toDBHash(r.TransactionTxid), r.InBlock, r.InTemplate, r.Addresses, int16(r.Sanctioneer)); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *Store) InsertConflictingTransactions(ctx context.Context, rows []models.ConflictingTransactions) error {
	return s.withRetry(ctx, func(ctx context.Context) error {
		for _, r := range rows {
			if _, err := s.pool.Exec(ctx, `
				INSERT INTO conflicting_transactions (
					block_id, template_txids, block_txids,
					conflicting_outpoints_txids, conflicting_outpoints_vouts
				) VALUES ($1,$2,$3,$4,$5) ON CONFLICT DO NOTHING
			`, r.BlockID, toDBHashes(r.TemplateTxids), toDBHashes(r.BlockTxids),
				toDBHashes(r.ConflictingOutpointsTxids), r.ConflictingOutpointsVouts); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *Store) InsertSanctionedUTXOs(ctx context.Context, utxos []models.SanctionedUTXO) error {
	return s.withRetry(ctx, func(ctx context.Context) error {
		for _, u := range utxos {
			if _, err := s.pool.Exec(ctx, `
				INSERT INTO sanctioned_utxo (txid, vout, script_pubkey, amount, height, sanctioneer)
				VALUES ($1,$2,$3,$4,$5,$6) ON CONFLICT (txid, vout) DO NOTHING
			`, toDBHash(u.Txid), u.Vout, u.ScriptPubkey, u.Amount, u.Height, int16(u.Sanctioneer)); err != nil {
				return err
			}
		}
		return nil
	})
}

// CleanAndInsertSanctionedUTXOs replaces the sanctioned-UTXO set atomically:
// if the insert half fails, the pre-scan set remains exactly intact
// (section 8 property 6).
func (s *Store) CleanAndInsertSanctionedUTXOs(ctx context.Context, utxos []models.SanctionedUTXO) error {
	return s.withRetry(ctx, func(ctx context.Context) error {
		tx, err := s.pool.Begin(ctx)
		if err != nil {
			return err
		}
		defer func() { _ = tx.Rollback(ctx) }()

		if _, err := tx.Exec(ctx, `DELETE FROM sanctioned_utxo`); err != nil {
			return err
		}
		for _, u := range utxos {
			if _, err := tx.Exec(ctx, `
				INSERT INTO sanctioned_utxo (txid, vout, script_pubkey, amount, height, sanctioneer)
				VALUES ($1,$2,$3,$4,$5,$6)
			`, toDBHash(u.Txid), u.Vout, u.ScriptPubkey, u.Amount, u.Height, int16(u.Sanctioneer)); err != nil {
				return err
			}
		}
		return tx.Commit(ctx)
	})
}

func (s *Store) InsertSanctionedUTXOScanInfo(ctx context.Context, info models.SanctionedUTXOScanInfo) error {
	return s.withRetry(ctx, func(ctx context.Context) error {
		_, err := s.pool.Exec(ctx, `
			INSERT INTO sanctioned_utxo_scan_info (end_time, end_height, duration_seconds, utxo_amount, utxo_count)
			VALUES ($1,$2,$3,$4,$5) ON CONFLICT (end_time) DO NOTHING
		`, info.EndTime, info.EndHeight, info.DurationSeconds, info.UTXOAmount, info.UTXOCount)
		return err
	})
}

// InsertDebugTemplateSelectionInfos is idempotent; failure is non-fatal
// (section 4.8) so callers should log rather than abandon block processing.
func (s *Store) InsertDebugTemplateSelectionInfos(ctx context.Context, rows []models.DebugTemplateSelectionInfo) error {
	return s.withRetry(ctx, func(ctx context.Context) error {
		for _, r := range rows {
			if _, err := s.pool.Exec(ctx, `
				INSERT INTO debug_template_selection (block_id, template_time, count_missing, count_shared, count_extra, selected)
				VALUES ($1,$2,$3,$4,$5,$6) ON CONFLICT (block_id, template_time) DO NOTHING
			`, r.BlockID, r.TemplateTime, r.CountMissing, r.CountShared, r.CountExtra, r.Selected); err != nil {
				return err
			}
		}
		return nil
	})
}

// ReplaceSanctionedAddresses atomically swaps the stored address set.
func (s *Store) ReplaceSanctionedAddresses(ctx context.Context, addresses []string) error {
	return s.withRetry(ctx, func(ctx context.Context) error {
		tx, err := s.pool.Begin(ctx)
		if err != nil {
			return err
		}
		defer func() { _ = tx.Rollback(ctx) }()

		if _, err := tx.Exec(ctx, `DELETE FROM sanctioned_addresses`); err != nil {
			return err
		}
		for _, a := range addresses {
			if _, err := tx.Exec(ctx, `
				INSERT INTO sanctioned_addresses (address, sanctioneer) VALUES ($1, $2)
				ON CONFLICT (address) DO NOTHING
			`, a, int16(models.SanctioneerOFAC)); err != nil {
				return err
			}
		}
		return tx.Commit(ctx)
	})
}

func (s *Store) GetSanctionedAddresses(ctx context.Context) ([]string, error) {
	rows, err := s.pool.Query(ctx, `SELECT address FROM sanctioned_addresses`)
	if err != nil {
		return nil, fmt.Errorf("store: get sanctioned addresses: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var a string
		if err := rows.Scan(&a); err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (s *Store) GetSanctionedUTXOs(ctx context.Context) ([]models.SanctionedUTXO, error) {
	rows, err := s.pool.Query(ctx, `SELECT txid, vout, script_pubkey, amount, height, sanctioneer FROM sanctioned_utxo`)
	if err != nil {
		return nil, fmt.Errorf("store: get sanctioned utxos: %w", err)
	}
	defer rows.Close()

	var out []models.SanctionedUTXO
	for rows.Next() {
		var txidBytes, script []byte
		var vout, height int32
		var amount int64
		var sanctioneer int16
		if err := rows.Scan(&txidBytes, &vout, &script, &amount, &height, &sanctioneer); err != nil {
			return nil, err
		}
		out = append(out, models.SanctionedUTXO{
			Txid:         fromDBHash(txidBytes),
			Vout:         vout,
			ScriptPubkey: script,
			Amount:       amount,
			Height:       height,
			Sanctioneer:  models.Sanctioneer(sanctioneer),
		})
	}
	return out, rows.Err()
}

// UnknownPoolBlocks returns every block id currently labeled "Unknown",
// mapped to its hash, for the re-identification pass (C8).
func (s *Store) UnknownPoolBlocks(ctx context.Context) (map[int32][32]byte, error) {
	rows, err := s.pool.Query(ctx, `SELECT id, hash FROM block WHERE pool_name = 'Unknown'`)
	if err != nil {
		return nil, fmt.Errorf("store: unknown pool blocks: %w", err)
	}
	defer rows.Close()

	out := make(map[int32][32]byte)
	for rows.Next() {
		var id int32
		var hashBytes []byte
		if err := rows.Scan(&id, &hashBytes); err != nil {
			return nil, err
		}
		out[id] = fromDBHash(hashBytes)
	}
	return out, rows.Err()
}

func (s *Store) UpdatePoolNameWithBlockID(ctx context.Context, blockID int32, name, link, method string) error {
	return s.withRetry(ctx, func(ctx context.Context) error {
		_, err := s.pool.Exec(ctx, `UPDATE block SET pool_name=$1, pool_link=$2, pool_id_method=$3 WHERE id=$4`, name, link, method, blockID)
		return err
	})
}

func (s *Store) AllTransactions(ctx context.Context) ([]models.Transaction, error) {
	rows, err := s.pool.Query(ctx, `SELECT txid, sanctioned, vsize, fee, output_sum, sigops, tags, input_count, inputs, output_count, outputs FROM transaction`)
	if err != nil {
		return nil, fmt.Errorf("store: all transactions: %w", err)
	}
	defer rows.Close()

	var out []models.Transaction
	for rows.Next() {
		var t models.Transaction
		var txidBytes []byte
		if err := rows.Scan(&txidBytes, &t.Sanctioned, &t.Vsize, &t.Fee, &t.OutputSum, &t.Sigops, &t.Tags, &t.InputCount, &t.Inputs, &t.OutputCount, &t.Outputs); err != nil {
			return nil, err
		}
		t.Txid = fromDBHash(txidBytes)
		out = append(out, t)
	}
	return out, rows.Err()
}

// UpdateTransactionTags overwrites the stored tag set for one transaction —
// used by the backfill pass after it has already computed the merged union.
func (s *Store) UpdateTransactionTags(ctx context.Context, txid [32]byte, tags []int32) error {
	return s.withRetry(ctx, func(ctx context.Context) error {
		_, err := s.pool.Exec(ctx, `UPDATE transaction SET tags = $1 WHERE txid = $2`, tags, toDBHash(txid))
		return err
	})
}

func (s *Store) UpdateNodeInfo(ctx context.Context, version string) error {
	return s.withRetry(ctx, func(ctx context.Context) error {
		_, err := s.pool.Exec(ctx, `INSERT INTO node_info (version) VALUES ($1)`, version)
		return err
	})
}

func unionInt32Tags(a, b []int32) []int32 {
	tagsA := make([]observe.Tag, len(a))
	for i, v := range a {
		tagsA[i] = observe.Tag(v)
	}
	tagsB := make([]observe.Tag, len(b))
	for i, v := range b {
		tagsB[i] = observe.Tag(v)
	}
	merged := observe.UnionTags(tagsA, tagsB)
	out := make([]int32, len(merged))
	for i, t := range merged {
		out[i] = int32(t)
	}
	return out
}

func sameInt32s(a, b []int32) bool {
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
