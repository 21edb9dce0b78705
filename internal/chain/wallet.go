package chain

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"sync"
	"time"

	ethereum "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"

	"github.com/alanyoungcy/polycopy/internal/domain"
)

var (
	// ErrTxReverted is returned when a mined transaction has a failed status.
	ErrTxReverted = errors.New("chain: transaction reverted")
	// ErrReceiptTimeout is returned when no receipt arrives in time.
	ErrReceiptTimeout = errors.New("chain: receipt timeout")
)

// Backend is the subset of ethclient.Client the wallet and contracts use.
type Backend interface {
	CallContract(ctx context.Context, msg ethereum.CallMsg, block *big.Int) ([]byte, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasTipCap(ctx context.Context) (*big.Int, error)
	HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error)
	EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	TransactionReceipt(ctx context.Context, hash common.Hash) (*types.Receipt, error)
	TransactionByHash(ctx context.Context, hash common.Hash) (*types.Transaction, bool, error)
	NonceAt(ctx context.Context, account common.Address, block *big.Int) (uint64, error)
}

// TxTracker observes submitted transactions and reports replacements.
type TxTracker interface {
	Track(tx domain.TrackedTx)
	// Resolve returns the hash currently standing in for h, following any
	// fee-bump replacements.
	Resolve(h common.Hash) common.Hash
}

// TxOpts tunes a single submission.
type TxOpts struct {
	Gas      *domain.GasHint
	GasLimit uint64
	Label    string
	// Nonce pins the slot, used to resubmit a dropped transaction so that at
	// most one of the two can be mined.
	Nonce *uint64
}

// WalletConfig configures a Wallet.
type WalletConfig struct {
	ChainID        int64
	ReceiptTimeout time.Duration
	ReceiptPoll    time.Duration
	MutexQueueMax  int
	// HintBoostPercent raises observed gas hints so copies land ahead of or
	// beside the leader's transaction.
	HintBoostPercent int64
}

// Wallet signs and submits EIP-1559 transactions from the execution key.
// Nonce allocation, signing and broadcast are serialized per address.
type Wallet struct {
	backend Backend
	key     *ecdsa.PrivateKey
	address common.Address
	chainID *big.Int
	signer  types.Signer
	lock    *ScopedMutex
	cfg     WalletConfig
	logger  *slog.Logger

	mu         sync.Mutex
	nonce      uint64
	nonceKnown bool
	tracker    TxTracker
}

// NewWallet builds a Wallet from a hex private key.
func NewWallet(backend Backend, privateKeyHex string, cfg WalletConfig, logger *slog.Logger) (*Wallet, error) {
	key, err := ethcrypto.HexToECDSA(strings.TrimPrefix(privateKeyHex, "0x"))
	if err != nil {
		return nil, fmt.Errorf("chain: invalid private key: %w", err)
	}
	if cfg.ReceiptTimeout <= 0 {
		cfg.ReceiptTimeout = 2 * time.Minute
	}
	if cfg.ReceiptPoll <= 0 {
		cfg.ReceiptPoll = 2 * time.Second
	}
	if cfg.MutexQueueMax <= 0 {
		cfg.MutexQueueMax = 50
	}
	if cfg.HintBoostPercent == 0 {
		cfg.HintBoostPercent = 15
	}
	chainID := big.NewInt(cfg.ChainID)
	return &Wallet{
		backend: backend,
		key:     key,
		address: ethcrypto.PubkeyToAddress(key.PublicKey),
		chainID: chainID,
		signer:  types.LatestSignerForChainID(chainID),
		lock:    NewScopedMutex(cfg.MutexQueueMax),
		cfg:     cfg,
		logger:  logger.With(slog.String("component", "wallet")),
	}, nil
}

// Address returns the execution wallet address.
func (w *Wallet) Address() common.Address { return w.address }

// SetTracker registers the transaction monitor.
func (w *Wallet) SetTracker(t TxTracker) {
	w.mu.Lock()
	w.tracker = t
	w.mu.Unlock()
}

// Send signs and broadcasts a call to `to` carrying data.
func (w *Wallet) Send(ctx context.Context, to common.Address, data []byte, opts TxOpts) (domain.TrackedTx, error) {
	unlock, err := w.lock.Lock(ctx, w.address.Hex())
	if err != nil {
		return domain.TrackedTx{}, fmt.Errorf("chain: acquire nonce lock: %w", err)
	}
	defer unlock()

	nonce, err := w.nextNonce(ctx)
	if err != nil {
		return domain.TrackedTx{}, err
	}
	if opts.Nonce != nil {
		nonce = *opts.Nonce
	}
	tip, maxFee, err := w.fees(ctx, opts.Gas)
	if err != nil {
		return domain.TrackedTx{}, err
	}
	gasLimit := opts.GasLimit
	if gasLimit == 0 {
		est, err := w.backend.EstimateGas(ctx, ethereum.CallMsg{From: w.address, To: &to, Data: data})
		if err != nil {
			return domain.TrackedTx{}, fmt.Errorf("chain: estimate gas (%s): %w", opts.Label, err)
		}
		gasLimit = est * 120 / 100
	}

	signed, err := w.sign(nonce, to, data, gasLimit, tip, maxFee)
	if err != nil {
		return domain.TrackedTx{}, err
	}
	if err := w.backend.SendTransaction(ctx, signed); err != nil {
		if isNonceError(err) {
			w.mu.Lock()
			w.nonceKnown = false
			w.mu.Unlock()
		}
		return domain.TrackedTx{}, fmt.Errorf("chain: send %s: %w", opts.Label, err)
	}

	w.mu.Lock()
	if nonce+1 > w.nonce {
		w.nonce = nonce + 1
	}
	tracker := w.tracker
	w.mu.Unlock()

	tracked := domain.TrackedTx{
		Hash:                 signed.Hash(),
		From:                 w.address,
		To:                   to,
		Nonce:                nonce,
		Data:                 data,
		Value:                new(big.Int),
		GasLimit:             gasLimit,
		MaxFeePerGas:         maxFee,
		MaxPriorityFeePerGas: tip,
		SubmittedAt:          time.Now(),
		Label:                opts.Label,
	}
	if tracker != nil {
		tracker.Track(tracked)
	}
	w.logger.DebugContext(ctx, "transaction sent",
		slog.String("label", opts.Label),
		slog.String("hash", tracked.Hash.Hex()),
		slog.Uint64("nonce", nonce),
	)
	return tracked, nil
}

// Replace re-signs old with the same nonce and higher fees.
func (w *Wallet) Replace(ctx context.Context, old domain.TrackedTx, maxFee, tip *big.Int) (common.Hash, error) {
	unlock, err := w.lock.Lock(ctx, w.address.Hex())
	if err != nil {
		return common.Hash{}, fmt.Errorf("chain: acquire nonce lock: %w", err)
	}
	defer unlock()

	signed, err := w.sign(old.Nonce, old.To, old.Data, old.GasLimit, tip, maxFee)
	if err != nil {
		return common.Hash{}, err
	}
	if err := w.backend.SendTransaction(ctx, signed); err != nil {
		return common.Hash{}, fmt.Errorf("chain: send replacement for %s: %w", old.Hash.Hex(), err)
	}
	return signed.Hash(), nil
}

// WaitMined polls for the receipt of h, following replacements reported by
// the tracker. A reverted receipt yields ErrTxReverted.
func (w *Wallet) WaitMined(ctx context.Context, h common.Hash) (*types.Receipt, error) {
	ctx, cancel := context.WithTimeout(ctx, w.cfg.ReceiptTimeout)
	defer cancel()

	ticker := time.NewTicker(w.cfg.ReceiptPoll)
	defer ticker.Stop()

	current := h
	for {
		w.mu.Lock()
		tracker := w.tracker
		w.mu.Unlock()
		if tracker != nil {
			current = tracker.Resolve(h)
		}

		receipt, err := w.backend.TransactionReceipt(ctx, current)
		switch {
		case err == nil && receipt != nil:
			if receipt.Status != types.ReceiptStatusSuccessful {
				return receipt, fmt.Errorf("%w: %s", ErrTxReverted, current.Hex())
			}
			return receipt, nil
		case err != nil && !errors.Is(err, ethereum.NotFound):
			w.logger.WarnContext(ctx, "receipt lookup failed",
				slog.String("hash", current.Hex()),
				slog.String("error", err.Error()),
			)
		}

		select {
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return nil, fmt.Errorf("%w: %s", ErrReceiptTimeout, current.Hex())
			}
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

// Status reports what became of ref without waiting. A transaction the node
// no longer knows is TxDropped while its nonce is still free and TxUnknown
// once something else has consumed the nonce.
func (w *Wallet) Status(ctx context.Context, ref domain.TxRef) (TxState, error) {
	hashes := []common.Hash{ref.Hash}
	w.mu.Lock()
	tracker := w.tracker
	w.mu.Unlock()
	if tracker != nil {
		if cur := tracker.Resolve(ref.Hash); cur != ref.Hash {
			hashes = append(hashes, cur)
		}
	}

	for _, h := range hashes {
		receipt, err := w.backend.TransactionReceipt(ctx, h)
		switch {
		case err == nil && receipt != nil:
			if receipt.Status != types.ReceiptStatusSuccessful {
				return TxReverted, nil
			}
			return TxMined, nil
		case err != nil && !errors.Is(err, ethereum.NotFound):
			return TxPending, fmt.Errorf("chain: receipt %s: %w", h.Hex(), err)
		}
	}
	for _, h := range hashes {
		_, _, err := w.backend.TransactionByHash(ctx, h)
		if err == nil {
			// Pending, or mined with the receipt not indexed yet.
			return TxPending, nil
		}
		if !errors.Is(err, ethereum.NotFound) {
			return TxPending, fmt.Errorf("chain: transaction %s: %w", h.Hex(), err)
		}
	}

	mined, err := w.backend.NonceAt(ctx, w.address, nil)
	if err != nil {
		return TxPending, fmt.Errorf("chain: nonce: %w", err)
	}
	if mined > ref.Nonce {
		return TxUnknown, nil
	}
	w.mu.Lock()
	w.nonceKnown = false
	w.mu.Unlock()
	return TxDropped, nil
}

func (w *Wallet) nextNonce(ctx context.Context) (uint64, error) {
	w.mu.Lock()
	known, n := w.nonceKnown, w.nonce
	w.mu.Unlock()
	if known {
		return n, nil
	}
	n, err := w.backend.PendingNonceAt(ctx, w.address)
	if err != nil {
		return 0, fmt.Errorf("chain: pending nonce: %w", err)
	}
	w.mu.Lock()
	w.nonce, w.nonceKnown = n, true
	w.mu.Unlock()
	return n, nil
}

// fees returns (tip, maxFee). A hint taken from an observed transaction is
// boosted; otherwise maxFee is twice the base fee plus the suggested tip.
func (w *Wallet) fees(ctx context.Context, hint *domain.GasHint) (*big.Int, *big.Int, error) {
	if hint != nil && hint.MaxFeePerGas != nil && hint.MaxPriorityFeePerGas != nil {
		return boost(hint.MaxPriorityFeePerGas, w.cfg.HintBoostPercent),
			boost(hint.MaxFeePerGas, w.cfg.HintBoostPercent), nil
	}
	tip, err := w.backend.SuggestGasTipCap(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("chain: suggest tip: %w", err)
	}
	head, err := w.backend.HeaderByNumber(ctx, nil)
	if err != nil {
		return nil, nil, fmt.Errorf("chain: latest header: %w", err)
	}
	base := head.BaseFee
	if base == nil {
		base = new(big.Int)
	}
	maxFee := new(big.Int).Mul(base, big.NewInt(2))
	maxFee.Add(maxFee, tip)
	return tip, maxFee, nil
}

func (w *Wallet) sign(nonce uint64, to common.Address, data []byte, gas uint64, tip, maxFee *big.Int) (*types.Transaction, error) {
	tx := types.NewTx(&types.DynamicFeeTx{
		ChainID:   w.chainID,
		Nonce:     nonce,
		GasTipCap: tip,
		GasFeeCap: maxFee,
		Gas:       gas,
		To:        &to,
		Value:     new(big.Int),
		Data:      data,
	})
	signed, err := types.SignTx(tx, w.signer, w.key)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrSigningFailed, err)
	}
	return signed, nil
}

// boost returns v * (100 + pct) / 100.
func boost(v *big.Int, pct int64) *big.Int {
	out := new(big.Int).Mul(v, big.NewInt(100+pct))
	return out.Div(out, big.NewInt(100))
}

func isNonceError(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "nonce too low") || strings.Contains(msg, "nonce too high") ||
		strings.Contains(msg, "already known") || strings.Contains(msg, "replacement transaction underpriced")
}
