package ledger

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/insignia/insignia/internal/hash"
)

// Difficulty is the required hex prefix of every mined block hash.
const Difficulty = "0000"

func MeetsDifficulty(blockHash string) bool {
	return strings.HasPrefix(blockHash, Difficulty)
}

func encodeBlockData(data BlockData) string {
	if data.Transactions == nil {
		data.Transactions = []string{}
	}
	// BlockData holds only strings and ints
	encoded, err := hash.Canonical(data)
	if err != nil {
		panic(fmt.Sprintf("ledger: encode block data: %v", err))
	}
	return string(encoded)
}

func hashPayload(previousHash string, nonce int, encodedData string) string {
	return hash.DigestString(previousHash + strconv.Itoa(nonce) + encodedData)
}

// HashBlock digests previousHash, the decimal nonce and the canonical JSON
// of data, concatenated in that order.
func HashBlock(previousHash string, data BlockData, nonce int) string {
	return hashPayload(previousHash, nonce, encodeBlockData(data))
}

// ProofOfWork searches nonces upward from zero until the block hash meets
// Difficulty. It has no bound and no cancellation.
func ProofOfWork(previousHash string, data BlockData) int {
	encoded := encodeBlockData(data)

	nonce := 0
	for !MeetsDifficulty(hashPayload(previousHash, nonce, encoded)) {
		nonce++
	}

	return nonce
}
