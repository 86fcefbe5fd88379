package observe

import (
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/txscript"
)

// NewScriptToAddress builds a ScriptToAddressFunc bound to a network's
// parameters, the way the teacher's ListUnspent decodes addresses via
// btcutil.DecodeAddress(addr, &chaincfg.MainNetParams).
func NewScriptToAddress(params *chaincfg.Params) ScriptToAddressFunc {
	return func(script []byte) (string, bool) {
		_, addrs, _, err := txscript.ExtractPkScriptAddrs(script, params)
		if err != nil || len(addrs) == 0 {
			return "", false
		}
		return addrs[0].EncodeAddress(), true
	}
}
