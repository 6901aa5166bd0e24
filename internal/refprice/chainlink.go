// chainlink.go reads the BTC/USD Chainlink aggregator on Polygon — the exact
// oracle Polymarket settles Up/Down markets against — so the candle's open
// price matches Polymarket's own "price to beat" rather than drifting from
// whatever Binance happened to print at window-open.
//
// Grounded on original_source's chainlink.py (same contract address, same
// minimal latestRoundData ABI), ported from web3.py's HTTPProvider/contract
// call onto go-ethereum's ethclient + abi/bind, matching the EIP-712 signer
// in internal/exchange/auth.go as this module's other go-ethereum usage.
package refprice

import (
	"context"
	"encoding/json"
	"fmt"
	"math/big"
	"net/http"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/shopspring/decimal"
)

// ChainlinkBTCUSDPolygon is the BTC/USD aggregator address on Polygon
// mainnet — heartbeat 27s, deviation trigger 0.1%.
const ChainlinkBTCUSDPolygon = "0xc907E116054Ad103354f2D350FD2514433D57F6f"

const chainlinkDecimals = 8

const aggregatorABIJSON = `[{
	"inputs": [],
	"name": "latestRoundData",
	"outputs": [
		{"name": "roundId", "type": "uint80"},
		{"name": "answer", "type": "int256"},
		{"name": "startedAt", "type": "uint256"},
		{"name": "updatedAt", "type": "uint256"},
		{"name": "answeredInRound", "type": "uint80"}
	],
	"stateMutability": "view",
	"type": "function"
}]`

// OracleReader reads the latest Chainlink BTC/USD price over a Polygon RPC
// connection.
type OracleReader struct {
	client  *ethclient.Client
	address common.Address
	abi     abi.ABI
}

// NewOracleReader dials rpcURL and prepares the aggregator contract binding.
func NewOracleReader(rpcURL string) (*OracleReader, error) {
	client, err := ethclient.Dial(rpcURL)
	if err != nil {
		return nil, fmt.Errorf("dial polygon rpc: %w", err)
	}
	parsedABI, err := abi.JSON(strings.NewReader(aggregatorABIJSON))
	if err != nil {
		return nil, fmt.Errorf("parse aggregator abi: %w", err)
	}
	return &OracleReader{
		client:  client,
		address: common.HexToAddress(ChainlinkBTCUSDPolygon),
		abi:     parsedABI,
	}, nil
}

// LatestPrice returns the most recent BTC/USD price Chainlink has reported,
// scaled from the feed's 8-decimal answer into a human-readable decimal.
func (r *OracleReader) LatestPrice(ctx context.Context) (decimal.Decimal, error) {
	caller := bind.NewBoundContract(r.address, r.abi, r.client, nil, nil)

	var out []interface{}
	if err := caller.Call(&bind.CallOpts{Context: ctx}, &out, "latestRoundData"); err != nil {
		return decimal.Zero, fmt.Errorf("latestRoundData: %w", err)
	}
	if len(out) < 2 {
		return decimal.Zero, fmt.Errorf("latestRoundData: unexpected output shape")
	}
	answer, ok := out[1].(*big.Int)
	if !ok {
		return decimal.Zero, fmt.Errorf("latestRoundData: answer not *big.Int")
	}

	scale := decimal.New(1, chainlinkDecimals)
	return decimal.NewFromBigInt(answer, 0).Div(scale), nil
}

// Close releases the underlying RPC connection.
func (r *OracleReader) Close() {
	r.client.Close()
}

// RESTFallbackPrice fetches the current BTC/USDT price from Binance's REST
// ticker endpoint, used when the Chainlink RPC is unreachable or a fresh
// market window needs an open price and no oracle client is configured.
// Grounded on binance_ws.py's _fetch_btc_price.
func RESTFallbackPrice(ctx context.Context) (decimal.Decimal, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		"https://api.binance.com/api/v3/ticker/price?symbol=BTCUSDT", nil)
	if err != nil {
		return decimal.Zero, fmt.Errorf("binance rest fallback: %w", err)
	}
	resp, err := restFallbackClient.Do(req)
	if err != nil {
		return decimal.Zero, fmt.Errorf("binance rest fallback: %w", err)
	}
	defer resp.Body.Close()

	var parsed struct {
		Price string `json:"price"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return decimal.Zero, fmt.Errorf("binance rest fallback: decode: %w", err)
	}
	return decimal.NewFromString(parsed.Price)
}

var restFallbackClient = &http.Client{Timeout: 5 * time.Second}
