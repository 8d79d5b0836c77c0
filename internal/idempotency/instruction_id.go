package idempotency

import (
	"encoding/binary"

	"github.com/ethereum/go-ethereum/common"
	"golang.org/x/crypto/sha3"
)

const instructionIDPrefixV1 = "WITHDRAW_INSTRUCTION_V1"

// InstructionIDV1 computes the delivery id of an outbound withdraw instruction.
//
//	instructionId = keccak256("WITHDRAW_INSTRUCTION_V1" || len(jobId)BE32 || jobId || payload)
//
// Equal (jobId, payload) pairs always map to the same id, so sinks can dedupe redelivery.
func InstructionIDV1(jobID string, payload []byte) common.Hash {
	h := sha3.NewLegacyKeccak256()
	_, _ = h.Write([]byte(instructionIDPrefixV1))

	var n [4]byte
	binary.BigEndian.PutUint32(n[:], uint32(len(jobID)))
	_, _ = h.Write(n[:])
	_, _ = h.Write([]byte(jobID))
	_, _ = h.Write(payload)

	return common.BytesToHash(h.Sum(nil))
}
