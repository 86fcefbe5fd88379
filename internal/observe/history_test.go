package observe

import (
	"testing"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
)

func hashN(n byte) chainhash.Hash {
	var h chainhash.Hash
	h[0] = n
	return h
}

func TestSelectBestTemplate_MinimizesSymmetricDifference(t *testing.T) {
	h := &History{}
	h.Push(TemplateEntry{
		GeneratedAt: time.Unix(1, 0),
		Txids:       map[chainhash.Hash]bool{hashN(1): true, hashN(2): true},
	})
	h.Push(TemplateEntry{
		GeneratedAt: time.Unix(2, 0),
		Txids:       map[chainhash.Hash]bool{hashN(1): true, hashN(2): true, hashN(3): true},
	})

	block := map[chainhash.Hash]bool{hashN(1): true, hashN(2): true, hashN(3): true}

	best, err := SelectBestTemplate(h, block)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !best.GeneratedAt.Equal(time.Unix(2, 0)) {
		t.Fatalf("expected the exact-match template to win, got %v", best.GeneratedAt)
	}
}

func TestSelectBestTemplate_TiesKeepFirstMinimum(t *testing.T) {
	h := &History{}
	h.Push(TemplateEntry{
		GeneratedAt: time.Unix(1, 0),
		Txids:       map[chainhash.Hash]bool{hashN(1): true},
	})
	h.Push(TemplateEntry{
		GeneratedAt: time.Unix(2, 0),
		Txids:       map[chainhash.Hash]bool{hashN(2): true},
	})

	block := map[chainhash.Hash]bool{hashN(9): true}

	best, err := SelectBestTemplate(h, block)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !best.GeneratedAt.Equal(time.Unix(1, 0)) {
		t.Fatalf("expected the first (oldest) template to win an exact tie, got %v", best.GeneratedAt)
	}
}

func TestSelectBestTemplate_EmptyHistoryErrors(t *testing.T) {
	h := &History{}
	if _, err := SelectBestTemplate(h, map[chainhash.Hash]bool{}); err == nil {
		t.Fatalf("expected an error selecting from an empty history")
	}
}

func TestHistory_PushEvictsOldest(t *testing.T) {
	h := &History{}
	for i := 0; i < MaxOldTemplates+5; i++ {
		h.Push(TemplateEntry{GeneratedAt: time.Unix(int64(i), 0)})
	}
	if h.Len() != MaxOldTemplates {
		t.Fatalf("expected history capped at %d entries, got %d", MaxOldTemplates, h.Len())
	}
	latest, ok := h.Latest()
	if !ok || latest.GeneratedAt.Unix() != int64(MaxOldTemplates+4) {
		t.Fatalf("expected the most recently pushed entry to remain, got %+v", latest)
	}
}

func TestHistory_ResetKeepsOnlyGivenEntry(t *testing.T) {
	h := &History{}
	h.Push(TemplateEntry{GeneratedAt: time.Unix(1, 0)})
	h.Push(TemplateEntry{GeneratedAt: time.Unix(2, 0)})
	h.Reset(TemplateEntry{GeneratedAt: time.Unix(3, 0)})

	if h.Len() != 1 {
		t.Fatalf("expected Reset to leave exactly one entry, got %d", h.Len())
	}
	latest, _ := h.Latest()
	if !latest.GeneratedAt.Equal(time.Unix(3, 0)) {
		t.Fatalf("expected the reset entry to be retained, got %v", latest.GeneratedAt)
	}
}
