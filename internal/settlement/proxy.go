package settlement

import (
	"context"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	gethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
)

// priorityFeeGwei is the fixed EIP-1559 tip offered on every settlement
// transaction, matching redeem.py's flat 30 gwei priority fee.
const priorityFeeGwei = 30

// gasFeeMultiplier scales the chain's current suggested gas price into the
// maxFeePerGas ceiling, matching redeem.py's 2x headroom.
const gasFeeMultiplier = 2

// buildTransactOpts prepares TransactOpts with an EIP-1559 fee cap derived
// from the network's current suggested price, capped at maxGasPriceGwei so a
// fee spike can never silently overpay.
func buildTransactOpts(ctx context.Context, client *ethclient.Client, base *bind.TransactOpts, maxGasPriceGwei float64) (*bind.TransactOpts, error) {
	opts := *base
	opts.Context = ctx

	suggested, err := client.SuggestGasPrice(ctx)
	if err != nil {
		return nil, fmt.Errorf("suggest gas price: %w", err)
	}

	feeCap := new(big.Int).Mul(suggested, big.NewInt(gasFeeMultiplier))
	if maxGasPriceGwei > 0 {
		cap := gweiToWei(maxGasPriceGwei)
		if feeCap.Cmp(cap) > 0 {
			feeCap = cap
		}
	}

	tip := gweiToWei(priorityFeeGwei)
	if tip.Cmp(feeCap) > 0 {
		tip = feeCap
	}

	opts.GasFeeCap = feeCap
	opts.GasTipCap = tip
	return &opts, nil
}

func gweiToWei(gwei float64) *big.Int {
	wei := new(big.Float).Mul(big.NewFloat(gwei), big.NewFloat(1e9))
	out, _ := wei.Int(nil)
	return out
}

// sendAndWait blocks until tx, already submitted by the caller via
// Transact, is mined or timeout elapses, matching redeem.py's 120s receipt wait with a
// revert-on-failure-status check.
func sendAndWait(ctx context.Context, client *ethclient.Client, tx *gethtypes.Transaction, timeout time.Duration) (*gethtypes.Receipt, error) {
	wctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	receipt, err := bind.WaitMined(wctx, client, tx)
	if err != nil {
		return nil, fmt.Errorf("wait mined %s: %w", tx.Hash(), err)
	}
	if receipt.Status != gethtypes.ReceiptStatusSuccessful {
		return receipt, fmt.Errorf("transaction %s reverted", tx.Hash())
	}
	return receipt, nil
}

// sendProxyTx batches calls through the proxy wallet's proxy(Call[]) entry
// point and waits for the receipt. Used whenever a funder/proxy wallet is
// configured, mirroring _send_proxy_tx.
func sendProxyTx(ctx context.Context, client *ethclient.Client, c *contracts, transactor *bind.TransactOpts, maxGasPriceGwei float64, receiptTimeout time.Duration, calls []proxyCall) (*gethtypes.Receipt, error) {
	opts, err := buildTransactOpts(ctx, client, transactor, maxGasPriceGwei)
	if err != nil {
		return nil, err
	}

	bound := bind.NewBoundContract(c.proxyFactory, c.proxyABI, client, client, client)
	tx, err := bound.Transact(opts, "proxy", calls)
	if err != nil {
		return nil, fmt.Errorf("submit proxy tx: %w", err)
	}
	return sendAndWait(ctx, client, tx, receiptTimeout)
}

// sendDirectTx submits a single call directly from the EOA (no proxy
// wallet), for wallets that trade without a funder configured.
func sendDirectTx(ctx context.Context, client *ethclient.Client, to common.Address, contractABI abi.ABI, transactor *bind.TransactOpts, maxGasPriceGwei float64, receiptTimeout time.Duration, method string, args ...interface{}) (*gethtypes.Receipt, error) {
	opts, err := buildTransactOpts(ctx, client, transactor, maxGasPriceGwei)
	if err != nil {
		return nil, err
	}

	bound := bind.NewBoundContract(to, contractABI, client, client, client)
	tx, err := bound.Transact(opts, method, args...)
	if err != nil {
		return nil, fmt.Errorf("submit direct tx %s: %w", method, err)
	}
	return sendAndWait(ctx, client, tx, receiptTimeout)
}
