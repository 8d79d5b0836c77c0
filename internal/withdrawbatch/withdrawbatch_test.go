package withdrawbatch

import (
	"errors"
	"math/big"
	"testing"
)

func TestParseVariant(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in      string
		want    Variant
		wantErr bool
	}{
		{in: "plain", want: VariantPlain},
		{in: " Min-Amount ", want: VariantMinAmount},
		{in: "exit_flag", want: VariantExitFlag},
		{in: "", wantErr: true},
		{in: "stop-loss", wantErr: true},
	}
	for _, tt := range tests {
		got, err := ParseVariant(tt.in)
		if tt.wantErr {
			if !errors.Is(err, ErrUnknownVariant) {
				t.Fatalf("ParseVariant(%q): expected ErrUnknownVariant, got %v", tt.in, err)
			}
			continue
		}
		if err != nil {
			t.Fatalf("ParseVariant(%q): %v", tt.in, err)
		}
		if got != tt.want {
			t.Fatalf("ParseVariant(%q): got %s want %s", tt.in, got, tt.want)
		}
	}
}

func TestItems_ExitFlagLengthMismatch(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		ids   []uint32
		flags []bool
	}{
		{name: "zero_ids", ids: nil, flags: []bool{true}},
		{name: "zero_flags", ids: []uint32{1, 2}, flags: nil},
		{name: "more_flags", ids: []uint32{1}, flags: []bool{true, false}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg := PutWithdraw{DepositIDs: tt.ids, ProfitTakingOrStopLoss: tt.flags}
			if _, err := msg.Items(VariantExitFlag); !errors.Is(err, ErrInvalidParameters) {
				t.Fatalf("expected ErrInvalidParameters, got %v", err)
			}
		})
	}
}

func TestItems_PreservesOrder(t *testing.T) {
	t.Parallel()

	msg := PutWithdraw{
		DepositIDs:             []uint32{7, 3, 5},
		ProfitTakingOrStopLoss: []bool{true, false, true},
	}
	items, err := msg.Items(VariantExitFlag)
	if err != nil {
		t.Fatalf("Items: %v", err)
	}
	want := []Item{
		{DepositID: 7, ProfitTakingOrStopLoss: true},
		{DepositID: 3},
		{DepositID: 5, ProfitTakingOrStopLoss: true},
	}
	if len(items) != len(want) {
		t.Fatalf("len: got %d want %d", len(items), len(want))
	}
	for i := range want {
		if items[i] != want[i] {
			t.Fatalf("item[%d]: got %+v want %+v", i, items[i], want[i])
		}
	}
}

func TestItems_MinAmount(t *testing.T) {
	t.Parallel()

	msg, err := Decode([]byte(`{
		"version": "withdraw.put.v1",
		"deposits": [
			{"deposit_id": 1, "min_amount0": "1000000000000000000000000000000", "withdraw_type": 2},
			{"deposit_id": 9, "min_amount0": "0", "withdraw_type": 0}
		]
	}`))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	items, err := msg.Items(VariantMinAmount)
	if err != nil {
		t.Fatalf("Items: %v", err)
	}
	if len(items) != 2 {
		t.Fatalf("len: got %d want 2", len(items))
	}
	want, _ := new(big.Int).SetString("1000000000000000000000000000000", 10)
	if items[0].DepositID != 1 || items[0].MinAmount0.Cmp(want) != 0 || items[0].WithdrawType != 2 {
		t.Fatalf("item[0]: %+v", items[0])
	}
	if items[1].DepositID != 9 || items[1].MinAmount0.Sign() != 0 {
		t.Fatalf("item[1]: %+v", items[1])
	}
}

func TestItems_MinAmountRejectsBadAmounts(t *testing.T) {
	t.Parallel()

	tooBig := new(big.Int).Lsh(big.NewInt(1), 256).String()
	for _, amt := range []string{"", "-1", "0x10", tooBig} {
		msg := PutWithdraw{Deposits: []Deposit{{DepositID: 1, MinAmount0: amt}}}
		if _, err := msg.Items(VariantMinAmount); !errors.Is(err, ErrInvalidParameters) {
			t.Fatalf("amount %q: expected ErrInvalidParameters, got %v", amt, err)
		}
	}
}

func TestItems_RejectsFieldsOfOtherShape(t *testing.T) {
	t.Parallel()

	msg := PutWithdraw{DepositIDs: []uint32{1}, ProfitTakingOrStopLoss: []bool{true}}
	if _, err := msg.Items(VariantPlain); !errors.Is(err, ErrInvalidParameters) {
		t.Fatalf("plain: expected ErrInvalidParameters, got %v", err)
	}
	if _, err := msg.Items(VariantMinAmount); !errors.Is(err, ErrInvalidParameters) {
		t.Fatalf("min-amount: expected ErrInvalidParameters, got %v", err)
	}
}

func TestDecode_RejectsUnknownVersion(t *testing.T) {
	t.Parallel()

	if _, err := Decode([]byte(`{"version":"withdraw.put.v9","deposit_ids":[1]}`)); !errors.Is(err, ErrInvalidParameters) {
		t.Fatalf("expected ErrInvalidParameters, got %v", err)
	}
	if _, err := Decode([]byte(`{"deposit_ids":[-1]}`)); !errors.Is(err, ErrInvalidParameters) {
		t.Fatalf("negative id: expected ErrInvalidParameters, got %v", err)
	}
}

func TestFromItems_InvertsItems(t *testing.T) {
	t.Parallel()

	in := []Item{
		{DepositID: 4, MinAmount0: big.NewInt(55), WithdrawType: 1},
		{DepositID: 2, MinAmount0: big.NewInt(0), WithdrawType: 3},
	}
	msg, err := FromItems(VariantMinAmount, in)
	if err != nil {
		t.Fatalf("FromItems: %v", err)
	}
	out, err := msg.Items(VariantMinAmount)
	if err != nil {
		t.Fatalf("Items: %v", err)
	}
	for i := range in {
		if out[i].DepositID != in[i].DepositID || out[i].MinAmount0.Cmp(in[i].MinAmount0) != 0 || out[i].WithdrawType != in[i].WithdrawType {
			t.Fatalf("item[%d]: got %+v want %+v", i, out[i], in[i])
		}
	}
}

func TestAttemptItem(t *testing.T) {
	t.Parallel()

	flag := true
	it, err := Attempt{DepositID: 3, ProfitTakingOrStopLoss: &flag}.Item(VariantExitFlag)
	if err != nil {
		t.Fatalf("Item: %v", err)
	}
	if it.DepositID != 3 || !it.ProfitTakingOrStopLoss {
		t.Fatalf("unexpected item: %+v", it)
	}

	if _, err := (Attempt{DepositID: 3}).Item(VariantExitFlag); !errors.Is(err, ErrInvalidParameters) {
		t.Fatalf("missing flag: expected ErrInvalidParameters, got %v", err)
	}
	if _, err := (Attempt{DepositID: 3, MinAmount0: "x"}).Item(VariantMinAmount); !errors.Is(err, ErrInvalidParameters) {
		t.Fatalf("bad amount: expected ErrInvalidParameters, got %v", err)
	}
}
