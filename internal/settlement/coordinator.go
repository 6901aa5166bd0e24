package settlement

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	gethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/shopspring/decimal"

	"polymarket-mm/internal/config"
	"polymarket-mm/internal/exchange"
	"polymarket-mm/internal/models"
)

// shareScale converts whole CTF outcome shares to on-chain base units: CTF
// position tokens share USDC's 6-decimal scale on Polymarket.
var shareScale = decimal.New(1, 6)

// indexSetUp/indexSetDown are the binary partition's index sets: 1 selects
// the first outcome, 2 the second, matching _compute_position_id's usage.
const (
	indexSetUp   = uint64(1)
	indexSetDown = uint64(2)
)

// marketCooldown tracks per-market merge/redeem pacing and the consecutive
// failure count used to back off a misbehaving market.
type marketCooldown struct {
	lastMergeAt        time.Time
	lastRedeemAt       time.Time
	consecutiveFailures int
}

// Coordinator drives on-chain merge and redeem of complete sets. One
// Coordinator serves every market; per-market state is pacing only.
//
// Grounded directly on redeem.py's module-level functions, reorganized into
// a constructor-injected type per the engine's no-package-singletons rule.
type Coordinator struct {
	client     *ethclient.Client
	contracts  *contracts
	auth       *exchange.Auth
	transactor *bind.TransactOpts
	useProxy   bool

	maxGasPriceGwei   float64
	receiptTimeout    time.Duration
	mergeCooldown     time.Duration
	redeemCooldown    time.Duration
	maxConsecFailures int

	logger *slog.Logger

	mu       sync.Mutex
	cooldown map[string]*marketCooldown // keyed by market slug
}

// NewCoordinator dials the configured RPC endpoint, loads contract ABIs, and
// builds a transactor keyed to the wallet's EOA private key.
func NewCoordinator(ctx context.Context, cfg config.Config, auth *exchange.Auth, logger *slog.Logger) (*Coordinator, error) {
	client, err := dialClient(ctx, cfg.Chain.RPCURL)
	if err != nil {
		return nil, fmt.Errorf("dial chain rpc: %w", err)
	}

	c, err := loadContracts(cfg.Chain.ProxyWalletFactory, cfg.Chain.CTFAddress, cfg.Chain.NegRiskAdapterAddr, cfg.Chain.USDCAddress)
	if err != nil {
		return nil, err
	}

	chainID, err := client.NetworkID(ctx)
	if err != nil {
		return nil, fmt.Errorf("fetch chain id: %w", err)
	}
	transactor, err := auth.NewTransactor(chainID)
	if err != nil {
		return nil, fmt.Errorf("build transactor: %w", err)
	}

	receiptTimeout := cfg.Chain.ReceiptTimeout
	if receiptTimeout <= 0 {
		receiptTimeout = 120 * time.Second
	}

	return &Coordinator{
		client:            client,
		contracts:         c,
		auth:              auth,
		transactor:        transactor,
		useProxy:          auth.FunderAddress() != auth.Address(),
		maxGasPriceGwei:   cfg.Chain.MaxGasPriceGwei,
		receiptTimeout:    receiptTimeout,
		mergeCooldown:     time.Duration(cfg.Chain.MergeCooldownSec) * time.Second,
		redeemCooldown:    time.Duration(cfg.Chain.RedeemCooldownSec) * time.Second,
		maxConsecFailures: cfg.Chain.MaxConsecutiveMergeFailures,
		logger:            logger.With("component", "settlement"),
		cooldown:          make(map[string]*marketCooldown),
	}, nil
}

// Close releases the underlying RPC connection.
func (co *Coordinator) Close() {
	co.client.Close()
}

func (co *Coordinator) cooldownFor(slug string) *marketCooldown {
	co.mu.Lock()
	defer co.mu.Unlock()
	cd, ok := co.cooldown[slug]
	if !ok {
		cd = &marketCooldown{}
		co.cooldown[slug] = cd
	}
	return cd
}

// CanMerge reports whether slug is past its merge cooldown and hasn't
// exceeded the consecutive-failure limit.
func (co *Coordinator) CanMerge(slug string) bool {
	cd := co.cooldownFor(slug)
	co.mu.Lock()
	defer co.mu.Unlock()
	if co.maxConsecFailures > 0 && cd.consecutiveFailures >= co.maxConsecFailures {
		return false
	}
	return time.Since(cd.lastMergeAt) >= co.mergeCooldown
}

// CanRedeem reports whether slug is past its redeem cooldown.
func (co *Coordinator) CanRedeem(slug string) bool {
	cd := co.cooldownFor(slug)
	co.mu.Lock()
	defer co.mu.Unlock()
	return time.Since(cd.lastRedeemAt) >= co.redeemCooldown
}

func (co *Coordinator) recordMergeResult(slug string, err error) {
	cd := co.cooldownFor(slug)
	co.mu.Lock()
	defer co.mu.Unlock()
	cd.lastMergeAt = time.Now()
	if err != nil {
		cd.consecutiveFailures++
		return
	}
	cd.consecutiveFailures = 0
}

func (co *Coordinator) recordRedeemResult(slug string) {
	cd := co.cooldownFor(slug)
	co.mu.Lock()
	defer co.mu.Unlock()
	cd.lastRedeemAt = time.Now()
}

// ensureApproval checks and, if needed, sets the NegRiskAdapter's
// operator approval on the CTF contract for owner, since NegRiskAdapter
// moves CTF position tokens via transferFrom rather than burning them
// directly. Direct CTF markets never need this. Mirrors
// _ensure_ctf_approval/_ensure_ctf_approval_eoa.
func (co *Coordinator) ensureApproval(ctx context.Context, owner common.Address) error {
	var approved bool
	callOpts := &bind.CallOpts{Context: ctx}
	bound := bind.NewBoundContract(co.contracts.ctf, co.contracts.erc1155ABI, co.client, co.client, co.client)

	var out []interface{}
	if err := bound.Call(callOpts, &out, "isApprovedForAll", owner, co.contracts.negRiskAdapter); err != nil {
		return fmt.Errorf("check ctf approval: %w", err)
	}
	if len(out) > 0 {
		approved, _ = out[0].(bool)
	}
	if approved {
		return nil
	}

	co.logger.Info("granting NegRiskAdapter operator approval on CTF", "owner", owner)

	if co.useProxy {
		data, err := co.contracts.erc1155ABI.Pack("setApprovalForAll", co.contracts.negRiskAdapter, true)
		if err != nil {
			return fmt.Errorf("pack setApprovalForAll: %w", err)
		}
		calls := []proxyCall{{TypeCode: callTypeCall, To: co.contracts.ctf, Value: big.NewInt(0), Data: data}}
		_, err = sendProxyTx(ctx, co.client, co.contracts, co.transactor, co.maxGasPriceGwei, co.receiptTimeout, calls)
		return err
	}

	_, err := sendDirectTx(ctx, co.client, co.contracts.ctf, co.contracts.erc1155ABI, co.transactor, co.maxGasPriceGwei, co.receiptTimeout,
		"setApprovalForAll", co.contracts.negRiskAdapter, true)
	return err
}

// MergePositions merges sharesPerLeg of both the up and down outcome tokens
// of market into USDC collateral, on-chain. sharesPerLeg must not exceed the
// hedged (matched) amount available on both legs — callers enforce that via
// inventory.HedgedShares before calling. Mirrors merge_positions. Returns the
// mined transaction hash on success, for the settlement persistence layer's
// idempotency key.
func (co *Coordinator) MergePositions(ctx context.Context, market *models.Market, sharesPerLeg decimal.Decimal) (string, error) {
	if sharesPerLeg.LessThanOrEqual(decimal.Zero) {
		return "", nil
	}
	if !co.CanMerge(market.Slug) {
		return "", fmt.Errorf("market %s is merge-cooled-down or disabled", market.Slug)
	}

	amount := sharesPerLeg.Mul(shareScale).BigInt()
	conditionID := common.HexToHash(market.ConditionID)

	var err error
	var receipt *gethtypes.Receipt
	if market.NegRisk {
		if approvalErr := co.ensureApproval(ctx, co.ownerAddress()); approvalErr != nil {
			err = fmt.Errorf("ensure approval: %w", approvalErr)
		} else if co.useProxy {
			data, packErr := co.contracts.negRiskABI.Pack("mergePositions", [32]byte(conditionID), amount)
			if packErr != nil {
				err = fmt.Errorf("pack neg risk merge: %w", packErr)
			} else {
				calls := []proxyCall{{TypeCode: callTypeCall, To: co.contracts.negRiskAdapter, Value: big.NewInt(0), Data: data}}
				receipt, err = sendProxyTx(ctx, co.client, co.contracts, co.transactor, co.maxGasPriceGwei, co.receiptTimeout, calls)
			}
		} else {
			receipt, err = sendDirectTx(ctx, co.client, co.contracts.negRiskAdapter, co.contracts.negRiskABI, co.transactor, co.maxGasPriceGwei, co.receiptTimeout,
				"mergePositions", [32]byte(conditionID), amount)
		}
	} else {
		partition := []*big.Int{big.NewInt(int64(indexSetUp)), big.NewInt(int64(indexSetDown))}
		if co.useProxy {
			data, packErr := co.contracts.ctfABI.Pack("mergePositions", co.contracts.usdc, [32]byte{}, [32]byte(conditionID), partition, amount)
			if packErr != nil {
				err = fmt.Errorf("pack ctf merge: %w", packErr)
			} else {
				calls := []proxyCall{{TypeCode: callTypeCall, To: co.contracts.ctf, Value: big.NewInt(0), Data: data}}
				receipt, err = sendProxyTx(ctx, co.client, co.contracts, co.transactor, co.maxGasPriceGwei, co.receiptTimeout, calls)
			}
		} else {
			receipt, err = sendDirectTx(ctx, co.client, co.contracts.ctf, co.contracts.ctfABI, co.transactor, co.maxGasPriceGwei, co.receiptTimeout,
				"mergePositions", co.contracts.usdc, [32]byte{}, [32]byte(conditionID), partition, amount)
		}
	}

	co.recordMergeResult(market.Slug, err)
	if err != nil {
		co.logger.Error("merge failed", "market", market.Slug, "shares", sharesPerLeg, "error", err)
		return "", fmt.Errorf("merge %s: %w", market.Slug, err)
	}
	co.logger.Info("merged complete set", "market", market.Slug, "shares", sharesPerLeg)
	return receiptTxHash(receipt), nil
}

// RedeemPositions claims collateral for a market's winning outcome after
// resolution. winningIndexSet is indexSetUp or indexSetDown; winningShares
// is the held balance of that outcome (only required for the NegRiskAdapter
// path, whose redeemPositions takes explicit per-outcome amounts — plain CTF
// redemption always redeems the caller's full held balance). Mirrors
// redeem_positions. Returns the mined transaction hash on success, for the
// settlement persistence layer's idempotency key.
func (co *Coordinator) RedeemPositions(ctx context.Context, market *models.Market, winningIndexSet uint64, winningShares decimal.Decimal) (string, error) {
	if !co.CanRedeem(market.Slug) {
		return "", fmt.Errorf("market %s is redeem-cooled-down", market.Slug)
	}

	conditionID := common.HexToHash(market.ConditionID)

	var err error
	var receipt *gethtypes.Receipt
	if market.NegRisk {
		winningAmount := winningShares.Mul(shareScale).BigInt()
		amounts := []*big.Int{big.NewInt(0), big.NewInt(0)}
		if winningIndexSet == indexSetUp {
			amounts[0] = winningAmount
		} else {
			amounts[1] = winningAmount
		}
		if approvalErr := co.ensureApproval(ctx, co.ownerAddress()); approvalErr != nil {
			err = fmt.Errorf("ensure approval: %w", approvalErr)
		} else if co.useProxy {
			data, packErr := co.contracts.negRiskABI.Pack("redeemPositions", [32]byte(conditionID), amounts)
			if packErr != nil {
				err = fmt.Errorf("pack neg risk redeem: %w", packErr)
			} else {
				calls := []proxyCall{{TypeCode: callTypeCall, To: co.contracts.negRiskAdapter, Value: big.NewInt(0), Data: data}}
				receipt, err = sendProxyTx(ctx, co.client, co.contracts, co.transactor, co.maxGasPriceGwei, co.receiptTimeout, calls)
			}
		} else {
			receipt, err = sendDirectTx(ctx, co.client, co.contracts.negRiskAdapter, co.contracts.negRiskABI, co.transactor, co.maxGasPriceGwei, co.receiptTimeout,
				"redeemPositions", [32]byte(conditionID), amounts)
		}
	} else {
		indexSets := []*big.Int{big.NewInt(int64(winningIndexSet))}
		if co.useProxy {
			data, packErr := co.contracts.ctfABI.Pack("redeemPositions", co.contracts.usdc, [32]byte{}, [32]byte(conditionID), indexSets)
			if packErr != nil {
				err = fmt.Errorf("pack ctf redeem: %w", packErr)
			} else {
				calls := []proxyCall{{TypeCode: callTypeCall, To: co.contracts.ctf, Value: big.NewInt(0), Data: data}}
				receipt, err = sendProxyTx(ctx, co.client, co.contracts, co.transactor, co.maxGasPriceGwei, co.receiptTimeout, calls)
			}
		} else {
			receipt, err = sendDirectTx(ctx, co.client, co.contracts.ctf, co.contracts.ctfABI, co.transactor, co.maxGasPriceGwei, co.receiptTimeout,
				"redeemPositions", co.contracts.usdc, [32]byte{}, [32]byte(conditionID), indexSets)
		}
	}

	co.recordRedeemResult(market.Slug)
	if err != nil {
		co.logger.Error("redeem failed", "market", market.Slug, "error", err)
		return "", fmt.Errorf("redeem %s: %w", market.Slug, err)
	}
	co.logger.Info("redeemed winning position", "market", market.Slug, "winning_index_set", winningIndexSet)
	return receiptTxHash(receipt), nil
}

// receiptTxHash returns the hex transaction hash from a mined receipt, or ""
// if receipt is nil (dry-run paths that never send a transaction).
func receiptTxHash(receipt *gethtypes.Receipt) string {
	if receipt == nil {
		return ""
	}
	return receipt.TxHash.Hex()
}

func (co *Coordinator) ownerAddress() common.Address {
	if co.useProxy {
		return co.auth.FunderAddress()
	}
	return co.auth.Address()
}

// PositionID returns the ERC-1155 token ID for market's outcome selected by
// indexSet (indexSetUp or indexSetDown), useful for balance lookups.
func (co *Coordinator) PositionID(market *models.Market, indexSet uint64) *big.Int {
	conditionID := common.HexToHash(market.ConditionID)
	return positionID(co.contracts.usdc, conditionID, indexSet)
}

// CTFBalances reads the on-chain up/down CTF outcome balances for market,
// converted from 6-decimal base units to whole shares. Mirrors
// get_ctf_balances — used to confirm the actual settled balance before
// merging, since CLOB fills settle to the proxy wallet asynchronously and may
// lag the order manager's own fill bookkeeping.
func (co *Coordinator) CTFBalances(ctx context.Context, market *models.Market) (up, down decimal.Decimal, err error) {
	owner := co.ownerAddress()
	bound := bind.NewBoundContract(co.contracts.ctf, co.contracts.erc1155ABI, co.client, nil, nil)
	callOpts := &bind.CallOpts{Context: ctx}

	upBase, err := co.balanceOf(callOpts, bound, owner, co.PositionID(market, indexSetUp))
	if err != nil {
		return decimal.Zero, decimal.Zero, fmt.Errorf("up balance: %w", err)
	}
	downBase, err := co.balanceOf(callOpts, bound, owner, co.PositionID(market, indexSetDown))
	if err != nil {
		return decimal.Zero, decimal.Zero, fmt.Errorf("down balance: %w", err)
	}

	return decimal.NewFromBigInt(upBase, 0).Div(shareScale), decimal.NewFromBigInt(downBase, 0).Div(shareScale), nil
}

func (co *Coordinator) balanceOf(callOpts *bind.CallOpts, bound *bind.BoundContract, owner common.Address, id *big.Int) (*big.Int, error) {
	var out []interface{}
	if err := bound.Call(callOpts, &out, "balanceOf", owner, id); err != nil {
		return nil, err
	}
	if len(out) == 0 {
		return big.NewInt(0), nil
	}
	bal, ok := out[0].(*big.Int)
	if !ok {
		return big.NewInt(0), nil
	}
	return bal, nil
}

// USDCBalance reads the wallet's (proxy or EOA) USDC balance, converted from
// 6-decimal base units. Mirrors get_usdc_balance.
func (co *Coordinator) USDCBalance(ctx context.Context) (decimal.Decimal, error) {
	bound := bind.NewBoundContract(co.contracts.usdc, co.contracts.erc20ABI, co.client, nil, nil)
	var out []interface{}
	if err := bound.Call(&bind.CallOpts{Context: ctx}, &out, "balanceOf", co.ownerAddress()); err != nil {
		return decimal.Zero, fmt.Errorf("usdc balanceOf: %w", err)
	}
	if len(out) == 0 {
		return decimal.Zero, nil
	}
	bal, ok := out[0].(*big.Int)
	if !ok {
		return decimal.Zero, nil
	}
	return decimal.NewFromBigInt(bal, 0).Div(shareScale), nil
}
