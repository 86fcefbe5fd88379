// Package rpc wraps the Bitcoin Core JSON-RPC client, grounded on the
// teacher's internal/bitcoin/client.go: typed rpcclient calls where
// available, RawRequest + encoding/json for calls the wrapper lacks, and a
// direct net/http POST with an extended timeout for scantxoutset.
package rpc

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/btcsuite/btcd/btcjson"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/rpcclient"
)

type Config struct {
	Host string
	User string
	Pass string
}

type Client struct {
	RPC    *rpcclient.Client
	Config Config
}

func NewClient(cfg Config) (*Client, error) {
	connCfg := &rpcclient.ConnConfig{
		Host:         cfg.Host,
		User:         cfg.User,
		Pass:         cfg.Pass,
		HTTPPostMode: true,
		DisableTLS:   true,
	}

	client, err := rpcclient.New(connCfg, nil)
	if err != nil {
		return nil, fmt.Errorf("rpc: connect: %w", err)
	}

	if _, err := client.GetBlockCount(); err != nil {
		client.Shutdown()
		return nil, fmt.Errorf("rpc: verify connection: %w", err)
	}

	return &Client{RPC: client, Config: cfg}, nil
}

func (c *Client) Shutdown() { c.RPC.Shutdown() }

// GetBlockTemplate requests a template for the given consensus rules.
// Grounded on the teacher's Client.GetBlockTemplate.
func (c *Client) GetBlockTemplate(rules []string) (*btcjson.GetBlockTemplateResult, error) {
	return c.RPC.GetBlockTemplate(&btcjson.TemplateRequest{Mode: "template", Rules: rules})
}

func (c *Client) GetBlockVerboseTx(hash *chainhash.Hash) (*btcjson.GetBlockVerboseTxResult, error) {
	return c.RPC.GetBlockVerboseTx(hash)
}

func (c *Client) GetBlockHash(height int64) (*chainhash.Hash, error) {
	return c.RPC.GetBlockHash(height)
}

func (c *Client) GetBlockChainInfo() (*btcjson.GetBlockChainInfoResult, error) {
	return c.RPC.GetBlockChainInfo()
}

func (c *Client) GetNetworkInfo() (*btcjson.GetNetworkInfoResult, error) {
	return c.RPC.GetNetworkInfo()
}

func (c *Client) GetRawTransaction(hash *chainhash.Hash) (*btcjson.TxRawResult, error) {
	return c.RPC.GetRawTransactionVerbose(hash)
}

// GetMempoolInfo is not exposed by rpcclient's typed wrapper in every
// version; RawRequest mirrors the teacher's GetMempoolInfo.
func (c *Client) GetMempoolInfo() (*btcjson.GetMempoolInfoResult, error) {
	raw, err := c.RPC.RawRequest("getmempoolinfo", nil)
	if err != nil {
		return nil, fmt.Errorf("rpc: getmempoolinfo: %w", err)
	}
	var res btcjson.GetMempoolInfoResult
	if err := json.Unmarshal(raw, &res); err != nil {
		return nil, fmt.Errorf("rpc: getmempoolinfo: decode: %w", err)
	}
	return &res, nil
}

// MempoolEntry is the subset of getmempoolentry's result this engine needs.
type MempoolEntry struct {
	Time int64 `json:"time"`
}

func (c *Client) GetMempoolEntry(txid string) (*MempoolEntry, error) {
	param, _ := json.Marshal(txid)
	raw, err := c.RPC.RawRequest("getmempoolentry", []json.RawMessage{param})
	if err != nil {
		return nil, fmt.Errorf("rpc: getmempoolentry: %w", err)
	}
	var e MempoolEntry
	if err := json.Unmarshal(raw, &e); err != nil {
		return nil, fmt.Errorf("rpc: getmempoolentry: decode: %w", err)
	}
	return &e, nil
}

// TxidFeeEntry is one entry of getblocktxidfee's result.
type TxidFeeEntry struct {
	Txid string `json:"txid"`
	Fee  int64  `json:"fee"`
}

// GetBlockTxidFee is not part of rpcclient's typed wrapper; RawRequest
// mirrors the teacher's GetMempoolInfo/ListWallets idiom.
func (c *Client) GetBlockTxidFee(hash *chainhash.Hash) ([]TxidFeeEntry, error) {
	param, _ := json.Marshal(hash.String())
	raw, err := c.RPC.RawRequest("getblocktxidfee", []json.RawMessage{param})
	if err != nil {
		return nil, fmt.Errorf("rpc: getblocktxidfee: %w", err)
	}
	var entries []TxidFeeEntry
	if err := json.Unmarshal(raw, &entries); err != nil {
		return nil, fmt.Errorf("rpc: getblocktxidfee: decode: %w", err)
	}
	return entries, nil
}

type jsonRPCRequest struct {
	JSONRPC string            `json:"jsonrpc"`
	ID      int               `json:"id"`
	Method  string            `json:"method"`
	Params  []json.RawMessage `json:"params"`
}

type jsonRPCResponse struct {
	Result json.RawMessage `json:"result"`
	Error  *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func (c *Client) rawHTTPCall(method string, params []json.RawMessage, timeout time.Duration) (json.RawMessage, error) {
	reqBody, err := json.Marshal(jsonRPCRequest{JSONRPC: "1.0", ID: 1, Method: method, Params: params})
	if err != nil {
		return nil, fmt.Errorf("rpc: %s: marshal request: %w", method, err)
	}

	url := fmt.Sprintf("http://%s", c.Config.Host)
	httpReq, err := http.NewRequest("POST", url, bytes.NewReader(reqBody))
	if err != nil {
		return nil, fmt.Errorf("rpc: %s: create request: %w", method, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.SetBasicAuth(c.Config.User, c.Config.Pass)

	httpClient := &http.Client{Timeout: timeout}
	httpResp, err := httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("rpc: %s: http request: %w", method, err)
	}
	defer httpResp.Body.Close()

	body, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return nil, fmt.Errorf("rpc: %s: read body: %w", method, err)
	}

	var rpcResp jsonRPCResponse
	if err := json.Unmarshal(body, &rpcResp); err != nil {
		return nil, fmt.Errorf("rpc: %s: unmarshal response: %w", method, err)
	}
	if rpcResp.Error != nil {
		return nil, fmt.Errorf("rpc: %s: %d: %s", method, rpcResp.Error.Code, rpcResp.Error.Message)
	}
	return rpcResp.Result, nil
}

type ScanTxOutResult struct {
	Success     bool        `json:"success"`
	TxOuts      int64       `json:"txouts"`
	Height      int64       `json:"height"`
	BestBlock   string      `json:"bestblock"`
	Unspents    []ScanTxOut `json:"unspents"`
	TotalAmount float64     `json:"total_amount"`
}

type ScanTxOut struct {
	TxID         string  `json:"txid"`
	Vout         uint32  `json:"vout"`
	ScriptPubKey string  `json:"scriptPubKey"`
	Amount       float64 `json:"amount"`
	Height       int64   `json:"height"`
}

// ScanTxOutset mirrors the teacher's Client.ScanTxOutset, with the 8-minute
// timeout SPEC_FULL.md section 6 requires (the teacher uses 5 minutes for
// its own, shorter-lived watch-only scans).
func (c *Client) ScanTxOutset(action string, descriptors []string) (*ScanTxOutResult, error) {
	param1, _ := json.Marshal(action)
	params := []json.RawMessage{param1}
	if len(descriptors) > 0 {
		descObjects := make([]map[string]string, len(descriptors))
		for i, d := range descriptors {
			descObjects[i] = map[string]string{"desc": d}
		}
		param2, _ := json.Marshal(descObjects)
		params = append(params, param2)
	}

	raw, err := c.rawHTTPCall("scantxoutset", params, 8*time.Minute)
	if err != nil {
		return nil, err
	}
	var res ScanTxOutResult
	if err := json.Unmarshal(raw, &res); err != nil {
		return nil, fmt.Errorf("rpc: scantxoutset: unmarshal result: %w", err)
	}
	return &res, nil
}
