package withdrawabi

import (
	"bytes"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/limit-order-bot/withdraw-agent/internal/withdrawbatch"
)

// MethodName is the executor function invoked by every variant.
const MethodName = "multiple_withdraw"

var (
	ErrInvalidInput     = errors.New("withdrawabi: invalid input")
	ErrSelectorMismatch = errors.New("withdrawabi: selector mismatch")
)

// Encoder packs accepted items into multiple_withdraw calldata for one variant.
// It is immutable and safe for concurrent use.
type Encoder struct {
	variant withdrawbatch.Variant
	method  abi.Method
}

// NewEncoder builds the encoder for v. The ABI definitions are fixed; a parse failure
// or a missing method is a programming error and panics.
func NewEncoder(v withdrawbatch.Variant) (*Encoder, error) {
	var def string
	switch v {
	case withdrawbatch.VariantPlain:
		def = plainABIJSON
	case withdrawbatch.VariantMinAmount:
		def = minAmountABIJSON
	case withdrawbatch.VariantExitFlag:
		def = exitFlagABIJSON
	default:
		return nil, fmt.Errorf("%w: %s", withdrawbatch.ErrUnknownVariant, v)
	}
	return &Encoder{variant: v, method: mustMethod(def, MethodName)}, nil
}

func mustMethod(def string, name string) abi.Method {
	parsed, err := abi.JSON(strings.NewReader(def))
	if err != nil {
		panic(fmt.Sprintf("withdrawabi: parse ABI: %v", err))
	}
	m, ok := parsed.Methods[name]
	if !ok {
		panic(fmt.Sprintf("withdrawabi: ABI does not declare %q", name))
	}
	return m
}

func (e *Encoder) Variant() withdrawbatch.Variant { return e.variant }

// Signature returns the canonical signature, e.g. "multiple_withdraw(uint256[])".
func (e *Encoder) Signature() string { return e.method.Sig }

// Selector returns the 4-byte function selector.
func (e *Encoder) Selector() [4]byte {
	var out [4]byte
	copy(out[:], e.method.ID)
	return out
}

// Encode returns selector || abi.encode(args). Array order matches items order.
func (e *Encoder) Encode(items []withdrawbatch.Item) ([]byte, error) {
	args, err := e.args(items)
	if err != nil {
		return nil, err
	}
	packed, err := e.method.Inputs.Pack(args...)
	if err != nil {
		return nil, fmt.Errorf("withdrawabi: pack %s: %w", e.method.Sig, err)
	}
	out := make([]byte, 0, len(e.method.ID)+len(packed))
	out = append(out, e.method.ID...)
	out = append(out, packed...)
	return out, nil
}

func (e *Encoder) args(items []withdrawbatch.Item) ([]any, error) {
	ids := make([]*big.Int, 0, len(items))
	for i, it := range items {
		if err := it.Validate(e.variant); err != nil {
			return nil, fmt.Errorf("%w: item[%d]: %v", ErrInvalidInput, i, err)
		}
		ids = append(ids, new(big.Int).SetUint64(uint64(it.DepositID)))
	}

	switch e.variant {
	case withdrawbatch.VariantPlain:
		return []any{ids}, nil

	case withdrawbatch.VariantMinAmount:
		amounts := make([]*big.Int, 0, len(items))
		types := make([]*big.Int, 0, len(items))
		for _, it := range items {
			amounts = append(amounts, new(big.Int).Set(it.MinAmount0))
			types = append(types, new(big.Int).SetUint64(uint64(it.WithdrawType)))
		}
		return []any{ids, amounts, types}, nil

	case withdrawbatch.VariantExitFlag:
		flags := make([]bool, 0, len(items))
		for _, it := range items {
			flags = append(flags, it.ProfitTakingOrStopLoss)
		}
		return []any{ids, flags}, nil
	}
	return nil, fmt.Errorf("%w: %s", withdrawbatch.ErrUnknownVariant, e.variant)
}

// Decode parses calldata produced by Encode back into items.
func (e *Encoder) Decode(payload []byte) ([]withdrawbatch.Item, error) {
	if len(payload) < 4 {
		return nil, fmt.Errorf("%w: payload shorter than selector", ErrInvalidInput)
	}
	if !bytes.Equal(payload[:4], e.method.ID) {
		return nil, fmt.Errorf("%w: got %x want %x", ErrSelectorMismatch, payload[:4], e.method.ID)
	}
	vals, err := e.method.Inputs.Unpack(payload[4:])
	if err != nil {
		return nil, fmt.Errorf("withdrawabi: unpack %s: %w", e.method.Sig, err)
	}
	if len(vals) != len(e.method.Inputs) {
		return nil, fmt.Errorf("%w: got %d values want %d", ErrInvalidInput, len(vals), len(e.method.Inputs))
	}

	ids, ok := vals[0].([]*big.Int)
	if !ok {
		return nil, fmt.Errorf("%w: deposit_ids has type %T", ErrInvalidInput, vals[0])
	}
	out := make([]withdrawbatch.Item, len(ids))
	for i, id := range ids {
		v, err := toUint32(id)
		if err != nil {
			return nil, fmt.Errorf("%w: deposit_ids[%d]: %v", ErrInvalidInput, i, err)
		}
		out[i].DepositID = v
	}

	switch e.variant {
	case withdrawbatch.VariantMinAmount:
		amounts, ok1 := vals[1].([]*big.Int)
		types, ok2 := vals[2].([]*big.Int)
		if !ok1 || !ok2 || len(amounts) != len(ids) || len(types) != len(ids) {
			return nil, fmt.Errorf("%w: malformed min_amounts0/withdraw_types", ErrInvalidInput)
		}
		for i := range out {
			wt, err := toUint32(types[i])
			if err != nil {
				return nil, fmt.Errorf("%w: withdraw_types[%d]: %v", ErrInvalidInput, i, err)
			}
			out[i].MinAmount0 = new(big.Int).Set(amounts[i])
			out[i].WithdrawType = wt
		}
	case withdrawbatch.VariantExitFlag:
		flags, ok := vals[1].([]bool)
		if !ok || len(flags) != len(ids) {
			return nil, fmt.Errorf("%w: malformed profit_taking_or_stop_loss", ErrInvalidInput)
		}
		for i := range out {
			out[i].ProfitTakingOrStopLoss = flags[i]
		}
	}
	return out, nil
}

func toUint32(v *big.Int) (uint32, error) {
	if v == nil || v.Sign() < 0 || !v.IsUint64() || v.Uint64() > uint64(^uint32(0)) {
		return 0, fmt.Errorf("value out of uint32 range: %v", v)
	}
	return uint32(v.Uint64()), nil
}

const plainABIJSON = `[
  {
    "inputs": [
      {"internalType":"uint256[]","name":"deposit_ids","type":"uint256[]"}
    ],
    "name":"multiple_withdraw",
    "outputs":[],
    "stateMutability":"nonpayable",
    "type":"function"
  }
]`

const minAmountABIJSON = `[
  {
    "inputs": [
      {"internalType":"uint256[]","name":"deposit_ids","type":"uint256[]"},
      {"internalType":"uint256[]","name":"min_amounts0","type":"uint256[]"},
      {"internalType":"uint256[]","name":"withdraw_types","type":"uint256[]"}
    ],
    "name":"multiple_withdraw",
    "outputs":[],
    "stateMutability":"nonpayable",
    "type":"function"
  }
]`

const exitFlagABIJSON = `[
  {
    "inputs": [
      {"internalType":"uint256[]","name":"deposit_ids","type":"uint256[]"},
      {"internalType":"bool[]","name":"profit_taking_or_stop_loss","type":"bool[]"}
    ],
    "name":"multiple_withdraw",
    "outputs":[],
    "stateMutability":"nonpayable",
    "type":"function"
  }
]`
