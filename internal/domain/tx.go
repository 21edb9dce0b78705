package domain

import (
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// TxRef identifies a submitted transaction. The nonce outlives the hash
// when a stuck transaction is replaced.
type TxRef struct {
	Hash  common.Hash
	Nonce uint64
}

// IsZero reports whether r names no transaction.
func (r TxRef) IsZero() bool { return r.Hash == (common.Hash{}) }

func (r TxRef) hex() string {
	if r.IsZero() {
		return ""
	}
	return r.Hash.Hex()
}

func txRef(hash string, nonce uint64) (TxRef, bool) {
	if hash == "" {
		return TxRef{}, false
	}
	return TxRef{Hash: common.HexToHash(hash), Nonce: nonce}, true
}

// TrackedTx is a submitted transaction watched for confirmation or
// replacement.
type TrackedTx struct {
	Hash                 common.Hash
	From                 common.Address
	To                   common.Address
	Nonce                uint64
	Data                 []byte
	Value                *big.Int
	GasLimit             uint64
	MaxFeePerGas         *big.Int
	MaxPriorityFeePerGas *big.Int
	SubmittedAt          time.Time
	Label                string
	Replaced             bool
	ReplacedBy           common.Hash
}
