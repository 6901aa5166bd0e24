// Package settlement performs on-chain merge and redeem of complete sets of
// Polymarket CTF outcome tokens. Merging returns collateral from a matched
// up+down pair without waiting for market resolution; redeeming claims
// collateral for a winning side after resolution.
//
// Ported from original_source's redeem.py, keeping its proxy-wallet batched
// call shape, CTF-vs-NegRiskAdapter ABI branching, and EIP-1559 gas handling,
// re-expressed with go-ethereum's abi/bind package instead of web3.py.
package settlement

import (
	"context"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
)

// Polygon mainnet contract addresses, used only when config leaves the
// corresponding ChainConfig field blank.
const (
	DefaultCTFAddress           = "0x4D97DCd97eC945f40cF65F87097ACe5EA0476045"
	DefaultUSDCAddress          = "0x2791Bca1f2de4661ED88A30C99A7a9449Aa84174"
	DefaultProxyWalletFactory   = "0xaB45c5A4B0c941a2F231C04C3f49182e1A254052"
	DefaultNegRiskAdapterAddr   = "0xd91E80cF2E7be2e162c6513ceD06f1dD0dA35296"
)

// callTypeCall is the ProxyWalletFactory inner-call type code for a plain
// (non-delegate) call.
const callTypeCall = uint8(1)

// proxyABIJSON declares only the ProxyWalletFactory.proxy(Call[]) method the
// coordinator needs.
const proxyABIJSON = `[
  {
    "name": "proxy",
    "type": "function",
    "stateMutability": "nonpayable",
    "inputs": [
      {
        "name": "calls",
        "type": "tuple[]",
        "components": [
          {"name": "typeCode", "type": "uint8"},
          {"name": "to", "type": "address"},
          {"name": "value", "type": "uint256"},
          {"name": "data", "type": "bytes"}
        ]
      }
    ],
    "outputs": []
  }
]`

// erc1155ABIJSON declares the approval and balance-read methods shared by
// every ERC-1155 position-token holder (CTF and NegRiskAdapter alike).
const erc1155ABIJSON = `[
  {
    "name": "isApprovedForAll",
    "type": "function",
    "stateMutability": "view",
    "inputs": [{"name": "account", "type": "address"}, {"name": "operator", "type": "address"}],
    "outputs": [{"name": "", "type": "bool"}]
  },
  {
    "name": "setApprovalForAll",
    "type": "function",
    "stateMutability": "nonpayable",
    "inputs": [{"name": "operator", "type": "address"}, {"name": "approved", "type": "bool"}],
    "outputs": []
  },
  {
    "name": "balanceOf",
    "type": "function",
    "stateMutability": "view",
    "inputs": [{"name": "account", "type": "address"}, {"name": "id", "type": "uint256"}],
    "outputs": [{"name": "", "type": "uint256"}]
  }
]`

// erc20ABIJSON declares the single ERC-20 read the wallet-balance refresh
// needs from USDC.
const erc20ABIJSON = `[
  {
    "name": "balanceOf",
    "type": "function",
    "stateMutability": "view",
    "inputs": [{"name": "account", "type": "address"}],
    "outputs": [{"name": "", "type": "uint256"}]
  }
]`

// ctfABIJSON declares ConditionalTokens.mergePositions/redeemPositions for a
// binary (two-outcome) market, parent collection zero and partition [1, 2].
const ctfABIJSON = `[
  {
    "name": "mergePositions",
    "type": "function",
    "stateMutability": "nonpayable",
    "inputs": [
      {"name": "collateralToken", "type": "address"},
      {"name": "parentCollectionId", "type": "bytes32"},
      {"name": "conditionId", "type": "bytes32"},
      {"name": "partition", "type": "uint256[]"},
      {"name": "amount", "type": "uint256"}
    ],
    "outputs": []
  },
  {
    "name": "redeemPositions",
    "type": "function",
    "stateMutability": "nonpayable",
    "inputs": [
      {"name": "collateralToken", "type": "address"},
      {"name": "parentCollectionId", "type": "bytes32"},
      {"name": "conditionId", "type": "bytes32"},
      {"name": "indexSets", "type": "uint256[]"}
    ],
    "outputs": []
  }
]`

// negRiskABIJSON declares NegRiskAdapter's merge/redeem, which take the
// market's condition ID and explicit amounts, for redemption too.
const negRiskABIJSON = `[
  {
    "name": "mergePositions",
    "type": "function",
    "stateMutability": "nonpayable",
    "inputs": [
      {"name": "conditionId", "type": "bytes32"},
      {"name": "amount", "type": "uint256"}
    ],
    "outputs": []
  },
  {
    "name": "redeemPositions",
    "type": "function",
    "stateMutability": "nonpayable",
    "inputs": [
      {"name": "conditionId", "type": "bytes32"},
      {"name": "amounts", "type": "uint256[]"}
    ],
    "outputs": []
  }
]`

// contracts bundles the parsed ABIs and addresses needed for settlement,
// resolved once at Coordinator construction.
type contracts struct {
	proxyFactory   common.Address
	ctf            common.Address
	negRiskAdapter common.Address
	usdc           common.Address

	proxyABI   abi.ABI
	erc1155ABI abi.ABI
	ctfABI     abi.ABI
	negRiskABI abi.ABI
	erc20ABI   abi.ABI
}

func loadContracts(proxyFactory, ctf, negRiskAdapter, usdc string) (*contracts, error) {
	parsedProxy, err := abi.JSON(strings.NewReader(proxyABIJSON))
	if err != nil {
		return nil, fmt.Errorf("parse proxy abi: %w", err)
	}
	parsed1155, err := abi.JSON(strings.NewReader(erc1155ABIJSON))
	if err != nil {
		return nil, fmt.Errorf("parse erc1155 abi: %w", err)
	}
	parsedCTF, err := abi.JSON(strings.NewReader(ctfABIJSON))
	if err != nil {
		return nil, fmt.Errorf("parse ctf abi: %w", err)
	}
	parsedNegRisk, err := abi.JSON(strings.NewReader(negRiskABIJSON))
	if err != nil {
		return nil, fmt.Errorf("parse neg risk abi: %w", err)
	}
	parsedERC20, err := abi.JSON(strings.NewReader(erc20ABIJSON))
	if err != nil {
		return nil, fmt.Errorf("parse erc20 abi: %w", err)
	}

	return &contracts{
		proxyFactory:   addressOrDefault(proxyFactory, DefaultProxyWalletFactory),
		ctf:            addressOrDefault(ctf, DefaultCTFAddress),
		negRiskAdapter: addressOrDefault(negRiskAdapter, DefaultNegRiskAdapterAddr),
		usdc:           addressOrDefault(usdc, DefaultUSDCAddress),
		proxyABI:       parsedProxy,
		erc1155ABI:     parsed1155,
		ctfABI:         parsedCTF,
		negRiskABI:     parsedNegRisk,
		erc20ABI:       parsedERC20,
	}, nil
}

func addressOrDefault(configured, fallback string) common.Address {
	if configured == "" {
		return common.HexToAddress(fallback)
	}
	return common.HexToAddress(configured)
}

// proxyCall is the Go mirror of the ProxyWalletFactory ABI's Call tuple.
// Field order must match the tuple's component order exactly for packing.
type proxyCall struct {
	TypeCode uint8
	To       common.Address
	Value    *big.Int
	Data     []byte
}

// positionID computes an ERC-1155 position ID the same way the CTF contract
// does: keccak256(collateralToken ++ collectionID), where collectionID in
// turn is keccak256(conditionID ++ indexSet) for a zero parent collection.
// Mirrors _compute_position_id's double-hash derivation.
func positionID(collateralToken common.Address, conditionID [32]byte, indexSet uint64) *big.Int {
	indexSetBytes := make([]byte, 32)
	new(big.Int).SetUint64(indexSet).FillBytes(indexSetBytes)

	collectionID := crypto.Keccak256(conditionID[:], indexSetBytes)

	packed := append(collateralToken.Bytes(), collectionID...)
	hash := crypto.Keccak256(packed)
	return new(big.Int).SetBytes(hash)
}

// dialClient connects to the configured Polygon RPC endpoint.
func dialClient(ctx context.Context, rpcURL string) (*ethclient.Client, error) {
	return ethclient.DialContext(ctx, rpcURL)
}
