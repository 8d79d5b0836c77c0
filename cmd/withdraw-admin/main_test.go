package main

import (
	"bytes"
	"errors"
	"strings"
	"testing"

	"github.com/limit-order-bot/withdraw-agent/internal/agent"
	"github.com/limit-order-bot/withdraw-agent/internal/outbound"
	"github.com/limit-order-bot/withdraw-agent/internal/state"
)

func run(t *testing.T, stdin string, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	err := runMain(args, strings.NewReader(stdin), &out)
	return out.String(), err
}

func TestRunMain_UnknownCommand(t *testing.T) {
	t.Parallel()

	if _, err := run(t, "", "migrate"); err == nil {
		t.Fatalf("expected error")
	}
	if _, err := run(t, ""); err == nil {
		t.Fatalf("expected usage error")
	}
}

func TestAdminLifecycle_KVDB(t *testing.T) {
	t.Parallel()

	store := []string{"--state-driver", "kvdb", "--kvdb-dir", t.TempDir()}

	out, err := run(t, "", append([]string{"instantiate", "--sender", "alice", "--job-id", "job-1", "--retry-delay", "60s"}, store...)...)
	if err != nil {
		t.Fatalf("instantiate: %v", err)
	}
	if out != "method=instantiate\nowner=alice\njob_id=job-1\n" {
		t.Fatalf("instantiate output: %q", out)
	}

	if _, err := run(t, "", append([]string{"instantiate", "--sender", "bob", "--job-id", "job-2"}, store...)...); !errors.Is(err, state.ErrAlreadyInitialized) {
		t.Fatalf("second instantiate: expected ErrAlreadyInitialized, got %v", err)
	}

	out, err = run(t, "", append([]string{"job-id"}, store...)...)
	if err != nil {
		t.Fatalf("job-id: %v", err)
	}
	if out != "job-1\n" {
		t.Fatalf("job-id output: %q", out)
	}

	if _, err := run(t, "", append([]string{"update-config", "--sender", "mallory", "--job-id", "job-x"}, store...)...); !errors.Is(err, agent.ErrUnauthorized) {
		t.Fatalf("update by non-owner: expected ErrUnauthorized, got %v", err)
	}

	out, err = run(t, "", append([]string{"update-config", "--sender", "alice", "--job-id", "job-3"}, store...)...)
	if err != nil {
		t.Fatalf("update-config: %v", err)
	}
	if !strings.Contains(out, "job_id=job-3\n") || !strings.Contains(out, "owner=alice\n") {
		t.Fatalf("update-config output: %q", out)
	}

	out, err = run(t, "", append([]string{"job-id"}, store...)...)
	if err != nil {
		t.Fatalf("job-id after update: %v", err)
	}
	if out != "job-3\n" {
		t.Fatalf("job-id output: %q", out)
	}
}

func TestUpdateConfig_RequiresAField(t *testing.T) {
	t.Parallel()

	_, err := run(t, "", "update-config", "--sender", "alice", "--state-driver", "memory")
	if err == nil || !strings.Contains(err.Error(), "nothing to update") {
		t.Fatalf("expected nothing-to-update error, got %v", err)
	}
}

func TestJobID_NotInstantiated(t *testing.T) {
	t.Parallel()

	if _, err := run(t, "", "job-id", "--state-driver", "memory"); !errors.Is(err, agent.ErrNotInstantiated) {
		t.Fatalf("expected ErrNotInstantiated, got %v", err)
	}
}

func TestEncodeDecode_RoundTrip(t *testing.T) {
	t.Parallel()

	tests := []struct {
		variant string
		request string
	}{
		{variant: "plain", request: `{"version":"withdraw.put.v1","deposit_ids":[3,1]}`},
		{variant: "exit-flag", request: `{"version":"withdraw.put.v1","deposit_ids":[1,2],"profit_taking_or_stop_loss":[true,false]}`},
		{variant: "min-amount", request: `{"version":"withdraw.put.v1","deposits":[{"deposit_id":4,"min_amount0":"1000","withdraw_type":2}]}`},
	}
	for _, tc := range tests {
		tc := tc
		t.Run(tc.variant, func(t *testing.T) {
			t.Parallel()

			payload, err := run(t, tc.request, "encode", "--variant", tc.variant)
			if err != nil {
				t.Fatalf("encode: %v", err)
			}
			if !strings.HasPrefix(payload, "0x") {
				t.Fatalf("payload: %q", payload)
			}

			decoded, err := run(t, "", "decode", "--variant", tc.variant, "--payload", strings.TrimSpace(payload))
			if err != nil {
				t.Fatalf("decode: %v", err)
			}
			if strings.TrimSpace(decoded) != tc.request {
				t.Fatalf("decoded: got %s want %s", decoded, tc.request)
			}
		})
	}
}

func TestEncode_InstructionOutput(t *testing.T) {
	t.Parallel()

	out, err := run(t, "", "encode", "--request", `{"deposit_ids":[9]}`, "--job-id", "job-1")
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	ins, err := outbound.DecodeInstruction([]byte(out))
	if err != nil {
		t.Fatalf("DecodeInstruction: %v", err)
	}
	if ins.JobID != "job-1" {
		t.Fatalf("job id: got %q", ins.JobID)
	}

	decoded, err := run(t, out, "decode")
	if err != nil {
		t.Fatalf("decode instruction: %v", err)
	}
	if strings.TrimSpace(decoded) != `{"version":"withdraw.put.v1","deposit_ids":[9]}` {
		t.Fatalf("decoded: %s", decoded)
	}
}

func TestEncode_RejectsMismatchedFlags(t *testing.T) {
	t.Parallel()

	_, err := run(t, `{"deposit_ids":[1,2],"profit_taking_or_stop_loss":[true]}`, "encode", "--variant", "exit-flag")
	if !errors.Is(err, agent.ErrInvalidParameters) {
		t.Fatalf("expected ErrInvalidParameters, got %v", err)
	}
}

func TestDecode_RejectsForeignPayload(t *testing.T) {
	t.Parallel()

	payload, err := run(t, `{"deposit_ids":[1]}`, "encode", "--variant", "plain")
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if _, err := run(t, payload, "decode", "--variant", "exit-flag"); err == nil {
		t.Fatalf("expected selector mismatch")
	}
	if _, err := run(t, "zz", "decode"); err == nil {
		t.Fatalf("expected hex error")
	}
}
