package poolid

import (
	"testing"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
)

func datasetFor(tags map[string]poolEntry, addrs map[string]poolEntry) *Dataset {
	return &Dataset{coinbaseTags: tags, payoutAddresses: addrs}
}

func TestIdentify_CoinbaseTagMatch(t *testing.T) {
	ds := datasetFor(map[string]poolEntry{
		"/MyPool/": {Name: "MyPool", Link: "https://mypool.example"},
	}, nil)

	coinbase := wire.NewMsgTx(wire.TxVersion)
	coinbase.AddTxIn(&wire.TxIn{SignatureScript: []byte("height 800000 /MyPool/ extranonce")})
	coinbase.AddTxOut(wire.NewTxOut(5_000_000_000, []byte{0x51}))

	identity := ds.Identify(coinbase, &chaincfg.MainNetParams)
	if identity.Name != "MyPool" || identity.Method != "coinbase tag" {
		t.Fatalf("expected a coinbase-tag match, got %+v", identity)
	}
}

func TestIdentify_PayoutAddressMatch(t *testing.T) {
	params := &chaincfg.MainNetParams
	addr, err := btcutil.NewAddressPubKeyHash(make([]byte, 20), params)
	if err != nil {
		t.Fatalf("build test address: %v", err)
	}
	script, err := txscript.PayToAddrScript(addr)
	if err != nil {
		t.Fatalf("build pay-to-addr script: %v", err)
	}

	ds := datasetFor(nil, map[string]poolEntry{
		addr.EncodeAddress(): {Name: "AddressPool", Link: "https://addresspool.example"},
	})

	coinbase := wire.NewMsgTx(wire.TxVersion)
	coinbase.AddTxIn(&wire.TxIn{SignatureScript: []byte("no tag here")})
	coinbase.AddTxOut(wire.NewTxOut(5_000_000_000, script))

	identity := ds.Identify(coinbase, params)
	if identity.Name != "AddressPool" || identity.Method != "coinbase output address" {
		t.Fatalf("expected a payout-address match, got %+v", identity)
	}
}

func TestIdentify_Unknown(t *testing.T) {
	ds := datasetFor(nil, nil)

	coinbase := wire.NewMsgTx(wire.TxVersion)
	coinbase.AddTxIn(&wire.TxIn{SignatureScript: []byte("unrecognized")})
	coinbase.AddTxOut(wire.NewTxOut(5_000_000_000, []byte{0x51}))

	identity := ds.Identify(coinbase, &chaincfg.MainNetParams)
	if identity.Name != Unknown.Name {
		t.Fatalf("expected Unknown for an unmatched coinbase, got %+v", identity)
	}
}
