// Package poolid implements the Pool Identifier (C3) and Pool Re-identifier
// (C8), grounded on original_source/daemon/src/main.rs's startup dataset
// load and start_retry_unknown_pool_identification_thread.
package poolid

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
)

// Identity is the (name, link, method) result of pool identification.
// method is one of "coinbase tag", "coinbase output address", or "" for
// Unknown, per SPEC_FULL.md section 4.3.
type Identity struct {
	Name   string
	Link   string
	Method string
}

// Unknown is the sentinel identity used when neither matcher succeeds.
var Unknown = Identity{Name: "Unknown"}

type poolEntry struct {
	Name string `json:"name"`
	Link string `json:"link"`
}

// Dataset is the shared, rarely-mutated pool-fingerprint data: coinbase-tag
// substrings and payout addresses, in the shape of the
// bitcoin_pool_identification pool-list.json format referenced by
// original_source/daemon/src/main.rs.
type Dataset struct {
	mu              sync.RWMutex
	coinbaseTags    map[string]poolEntry
	payoutAddresses map[string]poolEntry
}

type datasetJSON struct {
	CoinbaseTags    map[string]poolEntry `json:"coinbase_tags"`
	PayoutAddresses map[string]poolEntry `json:"payout_addresses"`
}

// LoadDataset fetches and parses the pool-identification dataset from url.
func LoadDataset(url string) (*Dataset, error) {
	client := &http.Client{Timeout: 30 * time.Second}
	resp, err := client.Get(url)
	if err != nil {
		return nil, fmt.Errorf("poolid: fetch dataset: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("poolid: fetch dataset: status %d", resp.StatusCode)
	}

	var parsed datasetJSON
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("poolid: decode dataset: %w", err)
	}

	return &Dataset{coinbaseTags: parsed.CoinbaseTags, payoutAddresses: parsed.PayoutAddresses}, nil
}

// Replace atomically swaps the dataset contents, for periodic refresh.
func (d *Dataset) Replace(other *Dataset) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.coinbaseTags = other.coinbaseTags
	d.payoutAddresses = other.payoutAddresses
}

// Identify runs coinbase-tag matching first, then coinbase-output-address
// matching, against the coinbase transaction of a block.
func (d *Dataset) Identify(coinbase *wire.MsgTx, params *chaincfg.Params) Identity {
	d.mu.RLock()
	defer d.mu.RUnlock()

	if len(coinbase.TxIn) > 0 {
		script := string(coinbase.TxIn[0].SignatureScript)
		for tag, entry := range d.coinbaseTags {
			if strings.Contains(script, tag) {
				return Identity{Name: entry.Name, Link: entry.Link, Method: "coinbase tag"}
			}
		}
	}

	for _, out := range coinbase.TxOut {
		_, addrs, _, err := extractAddresses(out.PkScript, params)
		if err != nil {
			continue
		}
		for _, addr := range addrs {
			if entry, ok := d.payoutAddresses[addr]; ok {
				return Identity{Name: entry.Name, Link: entry.Link, Method: "coinbase output address"}
			}
		}
	}

	return Unknown
}

func extractAddresses(script []byte, params *chaincfg.Params) (int, []string, int, error) {
	_, addrs, reqSigs, err := txscript.ExtractPkScriptAddrs(script, params)
	if err != nil {
		return 0, nil, 0, err
	}
	out := make([]string, len(addrs))
	for i, a := range addrs {
		out[i] = a.EncodeAddress()
	}
	return len(addrs), out, reqSigs, nil
}
