// Package sanctions implements the Sanction Registry (C1) and UTXO Scanner
// (C2), grounded on original_source/shared/src/sanctioneer.rs (provenance)
// and the teacher's net/http + RawRequest handling idioms in
// internal/bitcoin/client.go.
package sanctions

import (
	"bufio"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"go.uber.org/zap"
)

// RefreshInterval and RefreshTimeout are named constants, not user-tunable,
// per SPEC_FULL.md section 4.1.
const (
	RefreshInterval = 24 * time.Hour
	RefreshTimeout  = 10 * time.Second
)

// Registry holds the current sanctioned-address set in memory and can
// refresh it from an HTTP text source.
type Registry struct {
	url    string
	params *chaincfg.Params
	logger *zap.Logger

	mu        sync.RWMutex
	addresses map[string]bool
}

func NewRegistry(url string, params *chaincfg.Params, logger *zap.Logger) *Registry {
	return &Registry{url: url, params: params, logger: logger, addresses: make(map[string]bool)}
}

// CurrentAddresses returns a snapshot of the sanctioned-address set.
func (r *Registry) CurrentAddresses() map[string]bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]bool, len(r.addresses))
	for a := range r.addresses {
		out[a] = true
	}
	return out
}

// Refresh fetches the source document and atomically replaces the set.
// An empty document is not an error (section 4.1).
func (r *Registry) Refresh() error {
	client := &http.Client{Timeout: RefreshTimeout}
	resp, err := client.Get(r.url)
	if err != nil {
		return fmt.Errorf("sanctions: fetch %s: %w", r.url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return fmt.Errorf("sanctions: fetch %s: status %d", r.url, resp.StatusCode)
	}

	next := make(map[string]bool)
	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if _, err := btcutil.DecodeAddress(line, r.params); err != nil {
			r.logger.Warn("dropping unparseable sanctioned address", zap.String("line", line), zap.Error(err))
			continue
		}
		next[line] = true
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("sanctions: read %s: %w", r.url, err)
	}

	r.mu.Lock()
	r.addresses = next
	r.mu.Unlock()
	return nil
}

// Run refreshes on RefreshInterval until stop is closed. The first refresh must
// be performed by the caller via Refresh before Run is started (section 7:
// only the initial refresh is fatal). Each periodic refresh replaces the
// in-memory set only; the stored sanctioned-address set is not rewritten.
func (r *Registry) Run(stop <-chan struct{}) {
	ticker := time.NewTicker(RefreshInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if err := r.Refresh(); err != nil {
				r.logger.Warn("sanctioned address refresh failed, retaining previous set", zap.Error(err))
			}
		}
	}
}
