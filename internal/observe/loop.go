package observe

import (
	"context"
	"fmt"
	"time"

	"github.com/btcsuite/btcd/btcjson"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"go.uber.org/zap"

	"github.com/rawblock/btcobserver/internal/models"
	"github.com/rawblock/btcobserver/internal/rpc"
)

// WaitBetweenTemplateQueries is the poll cadence, carried verbatim from
// original_source/daemon/src/main.rs's WAIT_TIME_BETWEEN_TEMPLATE_QUERIES.
const WaitBetweenTemplateQueries = 10 * time.Second

// PoolIdentity is the narrow pool-identification result the loop needs,
// decoupled from internal/poolid to avoid an import cycle (poolid imports
// this package for DecodeTxHex).
type PoolIdentity struct {
	Name   string
	Link   string
	Method string
}

// IdentifyFunc resolves a coinbase transaction to a pool identity.
type IdentifyFunc func(coinbase *wire.MsgTx) PoolIdentity

// Store is the narrow persistence interface the Observation Loop needs.
type Store interface {
	InsertBlock(ctx context.Context, b models.Block) (int32, error)
	InsertTransactions(ctx context.Context, txs []models.Transaction) (int, error)
	InsertTransactionsOnlyInBlock(ctx context.Context, rows []models.TransactionOnlyInBlock) error
	InsertTransactionsOnlyInTemplate(ctx context.Context, rows []models.TransactionOnlyInTemplate) error
	InsertSanctionedTransactionInfos(ctx context.Context, rows []models.SanctionedTransactionInfo) error
	InsertConflictingTransactions(ctx context.Context, rows []models.ConflictingTransactions) error
	InsertDebugTemplateSelectionInfos(ctx context.Context, rows []models.DebugTemplateSelectionInfo) error
	GetSanctionedUTXOs(ctx context.Context) ([]models.SanctionedUTXO, error)
}

// Sanctions is the narrow sanctioned-address source the loop needs.
type Sanctions interface {
	CurrentAddresses() map[string]bool
}

// Loop is the Observation Loop (C9): the only goroutine that polls
// templates, detects chain tip changes, and writes comparison results.
// Grounded on original_source/daemon/src/main.rs's main_loop/process.
type Loop struct {
	Client       *rpc.Client
	Store        Store
	Sanctions    Sanctions
	ScriptToAddr ScriptToAddressFunc
	Sigops       SigopsFunc
	IdentifyPool IdentifyFunc
	Metrics      Metrics
	Logger       *zap.Logger
	Rules        []string
}

// Metrics is the narrow metrics sink the loop updates, decoupled from
// internal/metrics's concrete Prometheus types so this package stays
// dependency-light; internal/metrics's *Metrics implements this interface
// and cmd/observerd passes it in directly.
type Metrics interface {
	SetTemplatesInMemory(n int)
	IncRequestedTemplates()
	IncRequestedBlocks()
	IncSkippedBlockEvents()
	IncErrorRPC()
	IncErrorProcessing()
	SetCurrentTemplateStats(txCount int, cbValue, sigops int64)
	SetConflictingTransactionSets(n int)
	SetSanctionedTransactions(n int)
}

// Run drives the state machine until stop is closed. Closing stop ends the
// wait between polls early; a poll or comparison already in flight always
// runs to completion.
func (l *Loop) Run(stop <-chan struct{}) {
	ctx := context.Background()
	history := &History{}

	for {
		select {
		case <-stop:
			return
		default:
		}

		l.Metrics.SetTemplatesInMemory(history.Len())

		tmpl, err := l.Client.GetBlockTemplate(l.Rules)
		if err != nil {
			l.Logger.Error("poll template failed", zap.Error(err))
			l.Metrics.IncErrorRPC()
			if sleepOrStop(stop, WaitBetweenTemplateQueries) {
				return
			}
			continue
		}
		l.Metrics.IncRequestedTemplates()

		entry, err := toTemplateEntry(tmpl)
		if err != nil {
			l.Logger.Error("decode template failed", zap.Error(err))
			l.Metrics.IncErrorProcessing()
			if sleepOrStop(stop, WaitBetweenTemplateQueries) {
				return
			}
			continue
		}
		l.Metrics.SetCurrentTemplateStats(len(entry.Template.Transactions), entry.CoinbaseValue, templateSigopsSum(entry.Template))

		prev, hasPrev := history.Latest()
		history.Push(entry)

		if !hasPrev || prev.PreviousHash == entry.PreviousHash {
			// Seeded / no tip change.
			if sleepOrStop(stop, WaitBetweenTemplateQueries) {
				return
			}
			continue
		}

		// TipChanged: the chain moved. Fetch the block at current's
		// previous-block-hash — in the common case, the block just mined.
		block, err := l.fetchBlock(&entry.PreviousHash)
		if err != nil {
			l.Logger.Error("fetch tip block failed", zap.Error(err), zap.String("hash", entry.PreviousHash.String()))
			l.Metrics.IncErrorRPC()
			if sleepOrStop(stop, WaitBetweenTemplateQueries) {
				return
			}
			continue
		}
		l.Metrics.IncRequestedBlocks()

		if block.PrevHash != prev.PreviousHash {
			// Skipped: we likely missed an intervening block. Recover the
			// block belonging to the previous history entry by height, and
			// compare it against history instead of the block we just
			// fetched (which belongs to a later, unobserved template).
			l.Metrics.IncSkippedBlockEvents()
			l.Logger.Warn("possible missed block or reorg, falling back to height lookup", zap.Int64("height", prev.Height))

			missedHash, err := l.Client.GetBlockHash(prev.Height)
			if err != nil {
				l.Logger.Error("get block hash for missed block failed", zap.Error(err))
				l.Metrics.IncErrorRPC()
				if sleepOrStop(stop, WaitBetweenTemplateQueries) {
					return
				}
				continue
			}
			missedBlock, err := l.fetchBlock(missedHash)
			if err != nil {
				l.Logger.Error("fetch missed block failed", zap.Error(err))
				l.Metrics.IncErrorRPC()
				if sleepOrStop(stop, WaitBetweenTemplateQueries) {
					return
				}
				continue
			}
			l.Metrics.IncRequestedBlocks()

			if err := l.processBlock(ctx, missedBlock, history); err != nil {
				l.Logger.Error("process missed block failed", zap.Error(err))
				l.Metrics.IncErrorProcessing()
			}
			// The current template stays in history; it has not yet been
			// compared against a block of its own.
			if sleepOrStop(stop, WaitBetweenTemplateQueries) {
				return
			}
			continue
		}

		// Normal: compare the fetched block against the template history,
		// then start fresh from the current template.
		if err := l.processBlock(ctx, block, history); err != nil {
			l.Logger.Error("process block failed", zap.Error(err))
			l.Metrics.IncErrorProcessing()
		} else {
			history.Reset(entry)
		}

		if sleepOrStop(stop, WaitBetweenTemplateQueries) {
			return
		}
	}
}

// sleepOrStop waits for d or until stop is closed, reporting which happened.
func sleepOrStop(stop <-chan struct{}, d time.Duration) bool {
	select {
	case <-stop:
		return true
	case <-time.After(d):
		return false
	}
}

func (l *Loop) fetchBlock(hash *chainhash.Hash) (BlockInput, error) {
	verbose, err := l.Client.GetBlockVerboseTx(hash)
	if err != nil {
		return BlockInput{}, fmt.Errorf("observe: fetch block: %w", err)
	}
	fees, err := l.Client.GetBlockTxidFee(hash)
	if err != nil {
		return BlockInput{}, fmt.Errorf("observe: fetch block fees: %w", err)
	}
	feeByTxid := make(map[string]int64, len(fees))
	for _, f := range fees {
		feeByTxid[f.Txid] = f.Fee
	}

	blockHash, err := chainhash.NewHashFromStr(verbose.Hash)
	if err != nil {
		return BlockInput{}, fmt.Errorf("observe: fetch block: parse hash: %w", err)
	}
	prevHash, err := chainhash.NewHashFromStr(verbose.PreviousHash)
	if err != nil {
		return BlockInput{}, fmt.Errorf("observe: fetch block: parse prev hash: %w", err)
	}

	txs := make([]SideTx, 0, len(verbose.Tx))
	for i, rawTx := range verbose.Tx {
		tx, err := DecodeTxHex(rawTx.Hex)
		if err != nil {
			return BlockInput{}, fmt.Errorf("observe: fetch block: decode tx %d: %w", i, err)
		}
		txid := tx.TxHash()
		txs = append(txs, SideTx{
			Txid:     txid,
			Tx:       tx,
			Position: i,
			Fee:      feeByTxid[txid.String()],
		})
	}

	return BlockInput{
		Hash:        *blockHash,
		PrevHash:    *prevHash,
		Height:      int32(verbose.Height),
		VersionBit2: isTaprootSignaling(verbose.Version),
		Time:        time.Unix(verbose.Time, 0).UTC(),
		SeenTime:    time.Now().UTC(),
		Txs:         txs,
	}, nil
}

func toTemplateEntry(tmpl *btcjson.GetBlockTemplateResult) (TemplateEntry, error) {
	prevHash, err := chainhash.NewHashFromStr(tmpl.PreviousHash)
	if err != nil {
		return TemplateEntry{}, fmt.Errorf("observe: decode template: parse prev hash: %w", err)
	}

	var cbValue int64
	if tmpl.CoinbaseValue != nil {
		cbValue = *tmpl.CoinbaseValue
	}

	txids := make(map[chainhash.Hash]bool, len(tmpl.Transactions))
	for _, t := range tmpl.Transactions {
		tx, err := DecodeTxHex(t.Data)
		if err != nil {
			continue
		}
		txids[tx.TxHash()] = true
	}

	return TemplateEntry{
		Template:      tmpl,
		GeneratedAt:   time.Unix(tmpl.CurTime, 0).UTC(),
		PreviousHash:  *prevHash,
		Height:        tmpl.Height,
		CoinbaseValue: cbValue,
		Txids:         txids,
	}, nil
}

// toTemplateInput decodes a template's transactions; one that fails to
// decode is logged and skipped, the rest are still compared.
func toTemplateInput(tmpl *btcjson.GetBlockTemplateResult, logger *zap.Logger) (TemplateInput, error) {
	txs := make([]SideTx, 0, len(tmpl.Transactions))
	for i, t := range tmpl.Transactions {
		tx, err := DecodeTxHex(t.Data)
		if err != nil {
			logger.Error("skipping undecodable template transaction", zap.Int("index", i), zap.Error(err))
			continue
		}
		txs = append(txs, SideTx{
			Txid:     tx.TxHash(),
			Tx:       tx,
			Position: i,
			Fee:      t.Fee,
		})
	}
	return TemplateInput{
		GeneratedAt: time.Unix(tmpl.CurTime, 0).UTC(),
		Txs:         txs,
	}, nil
}

func templateSigopsSum(tmpl *btcjson.GetBlockTemplateResult) int64 {
	var total int64
	for _, t := range tmpl.Transactions {
		total += t.SigOps
	}
	return total
}

// isTaprootSignaling checks BIP9 version-bits signaling for the taproot
// deployment (bit 2), grounded on processing.rs's
// header.version.is_signalling_soft_fork(VERSION_BIT_TAPROOT).
func isTaprootSignaling(version int32) bool {
	const (
		topMask = 0xE0000000
		topBits = 0x20000000
		bit     = 2
	)
	if uint32(version)&topMask != topBits {
		return false
	}
	return version&(1<<bit) != 0
}

// processBlock runs the Comparator against the best-matching template in
// history and persists the result.
func (l *Loop) processBlock(ctx context.Context, block BlockInput, history *History) error {
	best, err := SelectBestTemplate(history, blockTxidSet(block))
	if err != nil {
		return fmt.Errorf("observe: select best template: %w", err)
	}

	templateInput, err := toTemplateInput(best.Template, l.Logger)
	if err != nil {
		return fmt.Errorf("observe: decode selected template: %w", err)
	}

	sanctionedAddrs := l.Sanctions.CurrentAddresses()
	sanctionedUTXOList, err := l.Store.GetSanctionedUTXOs(ctx)
	if err != nil {
		return fmt.Errorf("observe: load sanctioned utxos: %w", err)
	}
	sanctionedUTXOs := make(map[wire.OutPoint]bool, len(sanctionedUTXOList))
	for _, u := range sanctionedUTXOList {
		sanctionedUTXOs[wire.OutPoint{Hash: u.Txid, Index: uint32(u.Vout)}] = true
	}

	mempoolAge := func(txid chainhash.Hash) int64 {
		entry, err := l.Client.GetMempoolEntry(txid.String())
		if err != nil {
			return -1
		}
		age := time.Now().Unix() - entry.Time
		if age < 0 {
			return 0
		}
		return age
	}

	result, err := Compare(block, templateInput, best.CoinbaseValue, history.Entries(), best.GeneratedAt,
		sanctionedAddrs, sanctionedUTXOs, l.ScriptToAddr, mempoolAge, l.Sigops)
	if err != nil {
		return fmt.Errorf("observe: compare: %w", err)
	}

	identity := l.IdentifyPool(block.Txs[0].Tx)
	l.Logger.Info("processed block",
		zap.String("hash", block.Hash.String()),
		zap.Int32("height", block.Height),
		zap.String("pool", identity.Name),
		zap.Int("missing", result.MissingTx),
		zap.Int("extra", result.ExtraTx),
	)

	blockModel := models.Block{
		Hash:                block.Hash,
		PrevHash:             block.PrevHash,
		Height:               block.Height,
		Tags:                 tagsToInt32(result.BlockTags),
		MissingTx:            int32(result.MissingTx),
		ExtraTx:              int32(result.ExtraTx),
		SharedTx:             int32(result.SharedTx),
		SanctionedMissingTx:  int32(result.SanctionedMissingTx),
		BlockTime:            block.Time,
		BlockSeenTime:        block.SeenTime,
		BlockTx:              int32(result.BlockTxCount),
		BlockSanctioned:      int32(result.BlockSanctioned),
		BlockCbValue:         result.BlockCbValue,
		BlockCbFees:          result.BlockCbFees,
		BlockWeight:          int32(result.BlockWeight),
		BlockSigops:          int32(result.BlockSigops),
		BlockPkgWeights:      result.BlockPkgWeights,
		BlockPkgFeerates:     result.BlockPkgFeerates,
		PoolName:             identity.Name,
		PoolLink:             identity.Link,
		PoolIDMethod:         identity.Method,
		TemplateTx:           int32(result.TemplateTxCount),
		TemplateTime:         best.GeneratedAt,
		TemplateSanctioned:   int32(result.TemplateSanctioned),
		TemplateCbValue:      result.TemplateCbValue,
		TemplateCbFees:       result.TemplateCbFees,
		TemplateWeight:       int32(result.TemplateWeight),
		TemplateSigops:       int32(result.TemplateSigops),
		TemplatePkgWeights:   result.TemplatePkgWeights,
		TemplatePkgFeerates:  result.TemplatePkgFeerates,
	}

	blockID, err := l.Store.InsertBlock(ctx, blockModel)
	if err != nil {
		return fmt.Errorf("observe: insert block: %w", err)
	}

	var allTxs []models.Transaction
	for _, rec := range result.Transactions {
		allTxs = append(allTxs, models.Transaction{
			Txid:        rec.Txid,
			Sanctioned:  rec.Sanctioned,
			Vsize:       rec.Vsize,
			Fee:         rec.Fee,
			OutputSum:   rec.OutputSum,
			Sigops:      int32(rec.Sigops),
			Tags:        tagsToInt32(rec.Tags),
			InputCount:  int32(rec.InputCount),
			Inputs:      rec.Inputs,
			OutputCount: int32(rec.OutputCount),
			Outputs:     rec.Outputs,
		})
	}
	if _, err := l.Store.InsertTransactions(ctx, allTxs); err != nil {
		return fmt.Errorf("observe: insert transactions: %w", err)
	}

	var onlyBlock []models.TransactionOnlyInBlock
	for _, t := range result.OnlyInBlock {
		onlyBlock = append(onlyBlock, models.TransactionOnlyInBlock{
			BlockID:         blockID,
			Position:        int32(t.Position),
			TransactionTxid: t.Txid,
		})
	}
	if err := l.Store.InsertTransactionsOnlyInBlock(ctx, onlyBlock); err != nil {
		return fmt.Errorf("observe: insert only-in-block: %w", err)
	}

	var onlyTemplate []models.TransactionOnlyInTemplate
	for _, t := range result.OnlyInTemplate {
		age := mempoolAge(t.Txid)
		onlyTemplate = append(onlyTemplate, models.TransactionOnlyInTemplate{
			BlockID:           blockID,
			Position:          int32(t.Position),
			MempoolAgeSeconds: int32(age),
			TransactionTxid:   t.Txid,
		})
	}
	if err := l.Store.InsertTransactionsOnlyInTemplate(ctx, onlyTemplate); err != nil {
		return fmt.Errorf("observe: insert only-in-template: %w", err)
	}

	var sanctionedInfos []models.SanctionedTransactionInfo
	for _, si := range result.SanctionedInfos {
		sanctionedInfos = append(sanctionedInfos, models.SanctionedTransactionInfo{
			BlockID:         blockID,
			TransactionTxid: si.Txid,
			InBlock:         si.InBlock,
			InTemplate:      si.InTemplate,
			Addresses:       si.Addresses,
			Sanctioneer:     models.SanctioneerOFAC,
		})
	}
	if err := l.Store.InsertSanctionedTransactionInfos(ctx, sanctionedInfos); err != nil {
		return fmt.Errorf("observe: insert sanctioned transaction infos: %w", err)
	}
	l.Metrics.SetSanctionedTransactions(len(sanctionedInfos))

	var conflicts []models.ConflictingTransactions
	for _, c := range result.Conflicts {
		var opTxids [][32]byte
		var opVouts []int32
		for _, op := range c.Outpoints {
			opTxids = append(opTxids, op.Hash)
			opVouts = append(opVouts, int32(op.Index))
		}
		conflicts = append(conflicts, models.ConflictingTransactions{
			BlockID:                   blockID,
			TemplateTxids:             chainHashesTo32(c.TemplateTxids),
			BlockTxids:                chainHashesTo32(c.BlockTxids),
			ConflictingOutpointsTxids: opTxids,
			ConflictingOutpointsVouts: opVouts,
		})
	}
	if err := l.Store.InsertConflictingTransactions(ctx, conflicts); err != nil {
		return fmt.Errorf("observe: insert conflicting transactions: %w", err)
	}
	l.Metrics.SetConflictingTransactionSets(len(conflicts))

	var diagnostics []models.DebugTemplateSelectionInfo
	for _, d := range result.SelectionDiagnostics {
		diagnostics = append(diagnostics, models.DebugTemplateSelectionInfo{
			BlockID:      blockID,
			TemplateTime: d.TemplateTime,
			CountMissing: int32(d.CountMissing),
			CountShared:  int32(d.CountShared),
			CountExtra:   int32(d.CountExtra),
			Selected:     d.Selected,
		})
	}
	if err := l.Store.InsertDebugTemplateSelectionInfos(ctx, diagnostics); err != nil {
		l.Logger.Warn("insert debug template selection infos failed", zap.Error(err))
	}

	return nil
}

func blockTxidSet(block BlockInput) map[chainhash.Hash]bool {
	out := make(map[chainhash.Hash]bool, len(block.Txs))
	for _, t := range block.Txs {
		out[t.Txid] = true
	}
	return out
}

func tagsToInt32(tags []Tag) []int32 {
	out := make([]int32, len(tags))
	for i, t := range tags {
		out[i] = int32(t)
	}
	return out
}

func chainHashesTo32(hs []chainhash.Hash) [][32]byte {
	out := make([][32]byte, len(hs))
	for i, h := range hs {
		out[i] = h
	}
	return out
}
