// Package outbound carries encoded withdraw instructions to the executor channel.
package outbound

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/limit-order-bot/withdraw-agent/internal/idempotency"
)

const InstructionVersionV1 = "withdraw.instruction.v1"

var ErrInvalidInstruction = errors.New("outbound: invalid instruction")

// Instruction is the wire envelope for one multiple_withdraw payload.
type Instruction struct {
	Version       string        `json:"version"`
	JobID         string        `json:"jobId"`
	Payload       hexutil.Bytes `json:"payload"`
	InstructionID common.Hash   `json:"instructionId"`
}

func NewInstruction(jobID string, payload []byte) Instruction {
	return Instruction{
		Version:       InstructionVersionV1,
		JobID:         jobID,
		Payload:       append(hexutil.Bytes(nil), payload...),
		InstructionID: idempotency.InstructionIDV1(jobID, payload),
	}
}

func (i Instruction) Validate() error {
	if i.Version != InstructionVersionV1 {
		return fmt.Errorf("%w: unsupported version %q", ErrInvalidInstruction, i.Version)
	}
	if strings.TrimSpace(i.JobID) == "" {
		return fmt.Errorf("%w: empty job id", ErrInvalidInstruction)
	}
	if len(i.Payload) < 4 {
		return fmt.Errorf("%w: payload shorter than selector", ErrInvalidInstruction)
	}
	if want := idempotency.InstructionIDV1(i.JobID, i.Payload); i.InstructionID != want {
		return fmt.Errorf("%w: instruction id %s does not match %s", ErrInvalidInstruction, i.InstructionID, want)
	}
	return nil
}

func (i Instruction) Marshal() ([]byte, error) {
	return json.Marshal(i)
}

func DecodeInstruction(b []byte) (Instruction, error) {
	var i Instruction
	if err := json.Unmarshal(b, &i); err != nil {
		return Instruction{}, fmt.Errorf("%w: decode json: %v", ErrInvalidInstruction, err)
	}
	if err := i.Validate(); err != nil {
		return Instruction{}, err
	}
	return i, nil
}
