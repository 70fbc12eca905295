package state

import (
	"encoding/binary"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"
)

var (
	jobPrefix     = []byte("escrow:job:")
	payablePrefix = []byte("escrow:payable:")
	reserveKey    = ethcrypto.Keccak256([]byte("escrow:reserve"))
	nextJobKey    = ethcrypto.Keccak256([]byte("escrow:next-job"))
)

func jobKey(id uint64) []byte {
	buf := make([]byte, len(jobPrefix)+8)
	copy(buf, jobPrefix)
	binary.BigEndian.PutUint64(buf[len(jobPrefix):], id)
	return ethcrypto.Keccak256(buf)
}

func payableKey(addr [20]byte) []byte {
	buf := make([]byte, len(payablePrefix)+len(addr))
	copy(buf, payablePrefix)
	copy(buf[len(payablePrefix):], addr[:])
	return ethcrypto.Keccak256(buf)
}
