// Package models holds the persisted data shapes of the observation engine,
// grounded on the original_source/shared/src/model.rs Diesel structs.
package models

import "time"

// Sanctioneer records which sanction list flagged an address or UTXO.
// Grounded on original_source/shared/src/sanctioneer.rs.
type Sanctioneer int16

const (
	SanctioneerUnspecified Sanctioneer = 0
	SanctioneerOFAC        Sanctioneer = 1
)

func (s Sanctioneer) Name() string {
	switch s {
	case SanctioneerOFAC:
		return "OFAC"
	default:
		return "unspecified"
	}
}

// Transaction is the deduplicated, tag-unioned record of a single observed
// transaction. Identity is Txid; Tags is maintained as a sorted, deduplicated
// set by every writer (see internal/store).
type Transaction struct {
	Txid        [32]byte
	Sanctioned  bool
	Vsize       int32
	Fee         int64
	OutputSum   int64
	Sigops      int32
	Tags        []int32
	InputCount  int32
	Inputs      []string
	OutputCount int32
	Outputs     []string
}

// Package is a connected cluster of ancestor/descendant transactions, as
// built by internal/observe.BuildPackages.
type Package struct {
	Weight  int64
	Feerate float64
}

// Block is the full comparison result for one observed chain-tip block.
type Block struct {
	ID                  int32
	Hash                [32]byte
	PrevHash            [32]byte
	Height              int32
	Tags                []int32
	MissingTx           int32
	ExtraTx             int32
	SharedTx            int32
	SanctionedMissingTx int32
	// Similarity is reserved and never computed (Open Question #3).
	Similarity        float32
	BlockTime         time.Time
	BlockSeenTime     time.Time
	BlockTx           int32
	BlockSanctioned   int32
	BlockCbValue      int64
	BlockCbFees       int64
	BlockWeight       int32
	BlockSigops       int32
	BlockPkgWeights   []int64
	BlockPkgFeerates  []float32
	PoolName          string
	PoolLink          string
	PoolIDMethod      string
	TemplateTx        int32
	TemplateTime      time.Time
	TemplateSanctioned int32
	TemplateCbValue   int64
	TemplateCbFees    int64
	TemplateWeight    int32
	TemplateSigops    int32
	TemplatePkgWeights  []int64
	TemplatePkgFeerates []float32
}

type TransactionOnlyInBlock struct {
	BlockID         int32
	Position        int32
	TransactionTxid [32]byte
}

type TransactionOnlyInTemplate struct {
	BlockID           int32
	Position          int32
	MempoolAgeSeconds int32
	TransactionTxid   [32]byte
}

type SanctionedTransactionInfo struct {
	BlockID         int32
	TransactionTxid [32]byte
	InBlock         bool
	InTemplate      bool
	Addresses       []string
	Sanctioneer     Sanctioneer
}

type ConflictingTransactions struct {
	BlockID                   int32
	TemplateTxids             [][32]byte
	BlockTxids                [][32]byte
	ConflictingOutpointsTxids [][32]byte
	ConflictingOutpointsVouts []int32
}

type SanctionedUTXO struct {
	Txid         [32]byte
	Vout         int32
	ScriptPubkey []byte
	Amount       int64
	Height       int32
	Sanctioneer  Sanctioneer
}

type SanctionedUTXOScanInfo struct {
	EndTime          time.Time
	EndHeight        int32
	DurationSeconds  int32
	UTXOAmount       int64
	UTXOCount        int32
}

type DebugTemplateSelectionInfo struct {
	BlockID       int32
	TemplateTime  time.Time
	CountMissing  int32
	CountShared   int32
	CountExtra    int32
	Selected      bool
}
