package observe

import (
	"testing"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/txscript"
)

func TestNewScriptToAddress_ResolvesKnownScript(t *testing.T) {
	params := &chaincfg.MainNetParams
	addr, err := btcutil.NewAddressPubKeyHash(make([]byte, 20), params)
	if err != nil {
		t.Fatalf("build test address: %v", err)
	}
	script, err := txscript.PayToAddrScript(addr)
	if err != nil {
		t.Fatalf("build script: %v", err)
	}

	toAddr := NewScriptToAddress(params)
	got, ok := toAddr(script)
	if !ok || got != addr.EncodeAddress() {
		t.Fatalf("expected %s, got %s (ok=%v)", addr.EncodeAddress(), got, ok)
	}
}

func TestNewScriptToAddress_UnparseableScript(t *testing.T) {
	toAddr := NewScriptToAddress(&chaincfg.MainNetParams)
	if _, ok := toAddr([]byte{0x6a, 0x02, 0xde, 0xad}); ok {
		t.Fatalf("expected an OP_RETURN script to resolve to no address")
	}
}
