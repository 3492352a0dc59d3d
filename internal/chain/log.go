package chain

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// Log is a decoded contract event.
type Log struct {
	TxHash   string
	LogIndex uint
	Block    uint64
	Removed  bool
	Args     map[string]any
}

// Decode unpacks l as event ev. Indexed arguments are read from the topics.
func Decode(ev abi.Event, l types.Log) (Log, error) {
	args := make(map[string]any, len(ev.Inputs))
	if err := ev.Inputs.UnpackIntoMap(args, l.Data); err != nil {
		return Log{}, fmt.Errorf("unpack %s data: %w", ev.Name, err)
	}

	var indexed abi.Arguments
	for _, in := range ev.Inputs {
		if in.Indexed {
			indexed = append(indexed, in)
		}
	}
	if len(indexed) > 0 {
		if len(l.Topics) < 1+len(indexed) {
			return Log{}, fmt.Errorf("unpack %s topics: want %d, got %d", ev.Name, 1+len(indexed), len(l.Topics))
		}
		if err := abi.ParseTopicsIntoMap(args, indexed, l.Topics[1:]); err != nil {
			return Log{}, fmt.Errorf("unpack %s topics: %w", ev.Name, err)
		}
	}

	return Log{
		TxHash:   l.TxHash.Hex(),
		LogIndex: l.Index,
		Block:    l.BlockNumber,
		Removed:  l.Removed,
		Args:     args,
	}, nil
}

// Address returns a lower-cased hex address argument.
func (l Log) Address(name string) (string, error) {
	v, ok := l.Args[name]
	if !ok {
		return "", fmt.Errorf("missing arg %q", name)
	}
	addr, ok := v.(common.Address)
	if !ok {
		return "", fmt.Errorf("arg %q: want address, got %T", name, v)
	}
	return strings.ToLower(addr.Hex()), nil
}

// Big returns an integer argument.
func (l Log) Big(name string) (*big.Int, error) {
	v, ok := l.Args[name]
	if !ok {
		return nil, fmt.Errorf("missing arg %q", name)
	}
	n, ok := v.(*big.Int)
	if !ok || n == nil {
		return nil, fmt.Errorf("arg %q: want uint256, got %T", name, v)
	}
	return new(big.Int).Set(n), nil
}

// Text returns a string argument.
func (l Log) Text(name string) (string, error) {
	v, ok := l.Args[name]
	if !ok {
		return "", fmt.Errorf("missing arg %q", name)
	}
	s, ok := v.(string)
	if !ok {
		return "", fmt.Errorf("arg %q: want string, got %T", name, v)
	}
	return s, nil
}
