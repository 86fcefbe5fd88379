package observe

import (
	"fmt"
	"time"

	"github.com/btcsuite/btcd/btcjson"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
)

// MaxOldTemplates is the bounded deque capacity, carried verbatim from
// original_source/daemon/src/main.rs's MAX_OLD_TEMPLATES constant.
const MaxOldTemplates = 15

// TemplateEntry is one entry in the template history.
type TemplateEntry struct {
	Template       *btcjson.GetBlockTemplateResult
	GeneratedAt    time.Time
	PreviousHash   chainhash.Hash
	Height         int64
	CoinbaseValue  int64
	Txids          map[chainhash.Hash]bool
}

// History holds the N most recent templates, oldest first.
type History struct {
	entries []TemplateEntry
}

// Push appends a new template, dropping the oldest entry once capacity is
// exceeded.
func (h *History) Push(e TemplateEntry) {
	h.entries = append(h.entries, e)
	if len(h.entries) > MaxOldTemplates {
		h.entries = h.entries[len(h.entries)-MaxOldTemplates:]
	}
}

// Len reports how many templates are currently held.
func (h *History) Len() int { return len(h.entries) }

// Reset clears the history, keeping only the given entry (used after a
// Normal-path comparison: the current template becomes the fresh base).
func (h *History) Reset(e TemplateEntry) {
	h.entries = []TemplateEntry{e}
}

// Entries returns the held templates, oldest first.
func (h *History) Entries() []TemplateEntry {
	return h.entries
}

// Latest returns the most recently pushed template.
func (h *History) Latest() (TemplateEntry, bool) {
	if len(h.entries) == 0 {
		return TemplateEntry{}, false
	}
	return h.entries[len(h.entries)-1], true
}

// SelectBestTemplate picks the history entry minimizing the symmetric
// difference between its txid set and blockTxids. Ties are broken by
// keeping the first (earliest/oldest-in-history) minimum, matching Rust's
// Iterator::min_by_key semantics (original_source's select_best_template_for_block).
// Precondition: history is non-empty.
func SelectBestTemplate(h *History, blockTxids map[chainhash.Hash]bool) (TemplateEntry, error) {
	if len(h.entries) == 0 {
		return TemplateEntry{}, fmt.Errorf("observe: select best template: history is empty")
	}

	bestIdx := -1
	bestDiff := -1
	for i, e := range h.entries {
		diff := symmetricDifferenceSize(e.Txids, blockTxids)
		if bestIdx == -1 || diff < bestDiff {
			bestIdx = i
			bestDiff = diff
		}
	}
	return h.entries[bestIdx], nil
}

func symmetricDifferenceSize(a, b map[chainhash.Hash]bool) int {
	count := 0
	for k := range a {
		if !b[k] {
			count++
		}
	}
	for k := range b {
		if !a[k] {
			count++
		}
	}
	return count
}
