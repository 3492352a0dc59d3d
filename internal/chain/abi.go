package chain

import (
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
)

// Event names emitted by the launchpad contracts.
const (
	EventFunCreated = "funCreated"
	EventTradeCall  = "tradeCall"
	EventRoyal      = "royal"
	EventListed     = "listed"
)

// EventTrackerABI covers token launches.
const EventTrackerABI = `[
 {"type":"event","name":"funCreated","anonymous":false,"inputs":[
  {"name":"creator","type":"address","indexed":false},
  {"name":"funContract","type":"address","indexed":false},
  {"name":"tokenAddress","type":"address","indexed":false},
  {"name":"name","type":"string","indexed":false},
  {"name":"symbol","type":"string","indexed":false},
  {"name":"data","type":"string","indexed":false},
  {"name":"totalSupply","type":"uint256","indexed":false},
  {"name":"initialReserve","type":"uint256","indexed":false},
  {"name":"timestamp","type":"uint256","indexed":false}]}
]`

// PoolABI covers bonding-curve trades, DEX listings and the market cap view.
const PoolABI = `[
 {"type":"event","name":"tradeCall","anonymous":false,"inputs":[
  {"name":"caller","type":"address","indexed":false},
  {"name":"funContract","type":"address","indexed":false},
  {"name":"outAmount","type":"uint256","indexed":false},
  {"name":"inAmount","type":"uint256","indexed":false},
  {"name":"index","type":"uint256","indexed":false},
  {"name":"timestamp","type":"uint256","indexed":false},
  {"name":"tradeType","type":"string","indexed":false}]},
 {"type":"event","name":"listed","anonymous":false,"inputs":[
  {"name":"tokenAddress","type":"address","indexed":false},
  {"name":"router","type":"address","indexed":false},
  {"name":"pair","type":"address","indexed":false},
  {"name":"liquidityAmount","type":"uint256","indexed":false},
  {"name":"tokenAmount","type":"uint256","indexed":false},
  {"name":"time","type":"uint256","indexed":false},
  {"name":"totalVolume","type":"uint256","indexed":false}]},
 {"type":"function","name":"getCurrentCap","stateMutability":"view",
  "inputs":[{"name":"token","type":"address"}],
  "outputs":[{"name":"","type":"uint256"}]}
]`

// DeployerABI covers the leaderboard event.
const DeployerABI = `[
 {"type":"event","name":"royal","anonymous":false,"inputs":[
  {"name":"tokenAddress","type":"address","indexed":false},
  {"name":"liquidityAmount","type":"uint256","indexed":false},
  {"name":"tokenAmount","type":"uint256","indexed":false},
  {"name":"time","type":"uint256","indexed":false},
  {"name":"totalVolume","type":"uint256","indexed":false}]}
]`

// Contract is a deployed contract with its ABI.
type Contract struct {
	Name    string
	Address common.Address
	ABI     abi.ABI
}

// NewContract parses abiJSON and binds it to address.
func NewContract(name, address, abiJSON string) (Contract, error) {
	if !common.IsHexAddress(address) {
		return Contract{}, fmt.Errorf("%s: invalid address %q", name, address)
	}
	parsed, err := abi.JSON(strings.NewReader(abiJSON))
	if err != nil {
		return Contract{}, fmt.Errorf("%s: parse abi: %w", name, err)
	}
	return Contract{Name: name, Address: common.HexToAddress(address), ABI: parsed}, nil
}
