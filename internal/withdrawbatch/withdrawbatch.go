package withdrawbatch

import (
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"strings"
)

const PutWithdrawVersionV1 = "withdraw.put.v1"

var (
	ErrInvalidParameters = errors.New("withdrawbatch: invalid parameters")
	ErrUnknownVariant    = errors.New("withdrawbatch: unknown variant")
)

// maxUint256 bounds min_amount0.
var maxUint256 = new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 256), big.NewInt(1))

// Variant selects the request shape a deployment accepts. Exactly one variant is
// active per deployment.
type Variant uint8

const (
	VariantUnknown Variant = iota
	VariantPlain
	VariantMinAmount
	VariantExitFlag
)

func (v Variant) String() string {
	switch v {
	case VariantPlain:
		return "plain"
	case VariantMinAmount:
		return "min-amount"
	case VariantExitFlag:
		return "exit-flag"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(v))
	}
}

func ParseVariant(s string) (Variant, error) {
	switch strings.TrimSpace(strings.ToLower(s)) {
	case "plain":
		return VariantPlain, nil
	case "min-amount", "min_amount":
		return VariantMinAmount, nil
	case "exit-flag", "exit_flag":
		return VariantExitFlag, nil
	default:
		return VariantUnknown, fmt.Errorf("%w: %q", ErrUnknownVariant, s)
	}
}

// Item is one withdrawal attempt. Only the fields of the active variant are meaningful.
type Item struct {
	DepositID uint32

	// VariantMinAmount
	MinAmount0   *big.Int
	WithdrawType uint32

	// VariantExitFlag
	ProfitTakingOrStopLoss bool
}

func (it Item) Validate(v Variant) error {
	switch v {
	case VariantPlain, VariantExitFlag:
		return nil
	case VariantMinAmount:
		if it.MinAmount0 == nil {
			return fmt.Errorf("%w: deposit %d: missing min_amount0", ErrInvalidParameters, it.DepositID)
		}
		if it.MinAmount0.Sign() < 0 || it.MinAmount0.Cmp(maxUint256) > 0 {
			return fmt.Errorf("%w: deposit %d: min_amount0 out of uint256 range", ErrInvalidParameters, it.DepositID)
		}
		return nil
	default:
		return fmt.Errorf("%w: %s", ErrUnknownVariant, v)
	}
}

// Deposit is the min-amount wire item.
type Deposit struct {
	DepositID    uint32 `json:"deposit_id"`
	MinAmount0   string `json:"min_amount0"` // decimal uint256
	WithdrawType uint32 `json:"withdraw_type"`
}

// PutWithdraw is the request body for one withdraw submission.
type PutWithdraw struct {
	Version string `json:"version,omitempty"`

	// VariantMinAmount
	Deposits []Deposit `json:"deposits,omitempty"`

	// VariantPlain and VariantExitFlag
	DepositIDs []uint32 `json:"deposit_ids,omitempty"`

	// VariantExitFlag; parallel to DepositIDs.
	ProfitTakingOrStopLoss []bool `json:"profit_taking_or_stop_loss,omitempty"`
}

// Decode parses a JSON request body. An empty version is accepted.
func Decode(b []byte) (PutWithdraw, error) {
	var msg PutWithdraw
	if err := json.Unmarshal(b, &msg); err != nil {
		return PutWithdraw{}, fmt.Errorf("%w: decode json: %v", ErrInvalidParameters, err)
	}
	if msg.Version != "" && msg.Version != PutWithdrawVersionV1 {
		return PutWithdraw{}, fmt.Errorf("%w: unsupported version %q", ErrInvalidParameters, msg.Version)
	}
	return msg, nil
}

// Items flattens the message into per-attempt items for v, preserving order.
// Structural checks run here, before any attempt is evaluated.
func (m PutWithdraw) Items(v Variant) ([]Item, error) {
	switch v {
	case VariantPlain:
		if len(m.Deposits) != 0 || len(m.ProfitTakingOrStopLoss) != 0 {
			return nil, fmt.Errorf("%w: plain request carries extra fields", ErrInvalidParameters)
		}
		out := make([]Item, 0, len(m.DepositIDs))
		for _, id := range m.DepositIDs {
			out = append(out, Item{DepositID: id})
		}
		return out, nil

	case VariantMinAmount:
		if len(m.DepositIDs) != 0 || len(m.ProfitTakingOrStopLoss) != 0 {
			return nil, fmt.Errorf("%w: min-amount request carries extra fields", ErrInvalidParameters)
		}
		out := make([]Item, 0, len(m.Deposits))
		for i, d := range m.Deposits {
			amt, ok := new(big.Int).SetString(strings.TrimSpace(d.MinAmount0), 10)
			if !ok {
				return nil, fmt.Errorf("%w: deposits[%d].min_amount0 is not a decimal integer", ErrInvalidParameters, i)
			}
			it := Item{DepositID: d.DepositID, MinAmount0: amt, WithdrawType: d.WithdrawType}
			if err := it.Validate(v); err != nil {
				return nil, err
			}
			out = append(out, it)
		}
		return out, nil

	case VariantExitFlag:
		if len(m.Deposits) != 0 {
			return nil, fmt.Errorf("%w: exit-flag request carries extra fields", ErrInvalidParameters)
		}
		if len(m.DepositIDs) != len(m.ProfitTakingOrStopLoss) {
			return nil, fmt.Errorf("%w: %d deposit ids vs %d flags", ErrInvalidParameters, len(m.DepositIDs), len(m.ProfitTakingOrStopLoss))
		}
		out := make([]Item, 0, len(m.DepositIDs))
		for i, id := range m.DepositIDs {
			out = append(out, Item{DepositID: id, ProfitTakingOrStopLoss: m.ProfitTakingOrStopLoss[i]})
		}
		return out, nil

	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownVariant, v)
	}
}

// FromItems builds the wire message for v from items (inverse of Items).
func FromItems(v Variant, items []Item) (PutWithdraw, error) {
	msg := PutWithdraw{Version: PutWithdrawVersionV1}
	for _, it := range items {
		if err := it.Validate(v); err != nil {
			return PutWithdraw{}, err
		}
		switch v {
		case VariantPlain:
			msg.DepositIDs = append(msg.DepositIDs, it.DepositID)
		case VariantMinAmount:
			msg.Deposits = append(msg.Deposits, Deposit{
				DepositID:    it.DepositID,
				MinAmount0:   it.MinAmount0.String(),
				WithdrawType: it.WithdrawType,
			})
		case VariantExitFlag:
			msg.DepositIDs = append(msg.DepositIDs, it.DepositID)
			msg.ProfitTakingOrStopLoss = append(msg.ProfitTakingOrStopLoss, it.ProfitTakingOrStopLoss)
		}
	}
	return msg, nil
}

// Attempt is a single-item message, coalesced by the daemon into a PutWithdraw.
type Attempt struct {
	Version                string `json:"version"`
	DepositID              uint32 `json:"deposit_id"`
	MinAmount0             string `json:"min_amount0,omitempty"`
	WithdrawType           uint32 `json:"withdraw_type,omitempty"`
	ProfitTakingOrStopLoss *bool  `json:"profit_taking_or_stop_loss,omitempty"`
}

const AttemptVersionV1 = "withdraw.attempt.v1"

// Item converts a single attempt into an Item for v.
func (a Attempt) Item(v Variant) (Item, error) {
	it := Item{DepositID: a.DepositID, WithdrawType: a.WithdrawType}
	switch v {
	case VariantPlain:
	case VariantMinAmount:
		amt, ok := new(big.Int).SetString(strings.TrimSpace(a.MinAmount0), 10)
		if !ok {
			return Item{}, fmt.Errorf("%w: min_amount0 is not a decimal integer", ErrInvalidParameters)
		}
		it.MinAmount0 = amt
	case VariantExitFlag:
		if a.ProfitTakingOrStopLoss == nil {
			return Item{}, fmt.Errorf("%w: missing profit_taking_or_stop_loss", ErrInvalidParameters)
		}
		it.ProfitTakingOrStopLoss = *a.ProfitTakingOrStopLoss
	default:
		return Item{}, fmt.Errorf("%w: %s", ErrUnknownVariant, v)
	}
	if err := it.Validate(v); err != nil {
		return Item{}, err
	}
	return it, nil
}
