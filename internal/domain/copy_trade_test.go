package domain

import (
	"testing"

	"github.com/ethereum/go-ethereum/common"
)

func TestCopyTradeTransitions(t *testing.T) {
	tests := []struct {
		from, to CopyTradeStatus
		ok       bool
	}{
		{CopyTradePending, CopyTradeExecuting, true},
		{CopyTradeExecuting, CopyTradeExecuted, true},
		{CopyTradeExecuting, CopyTradeFailed, true},
		{CopyTradeExecuting, CopyTradeSettlementPending, true},
		{CopyTradeFailed, CopyTradePending, true},
		{CopyTradeSettlementPending, CopyTradeExecuted, true},
		{CopyTradeExecuted, CopyTradePending, false},
		{CopyTradePending, CopyTradeExecuted, false},
		{CopyTradeSettlementPending, CopyTradeFailed, false},
		{CopyTradeFailed, CopyTradeExecuted, false},
		{CopyTradeExecuting, CopyTradeExecuting, true},
		{CopyTradeSettlementPending, CopyTradeSettlementPending, true},
		{CopyTradePending, CopyTradePending, false},
		{CopyTradeExecuted, CopyTradeExecuted, false},
	}
	for _, tc := range tests {
		if got := tc.from.CanTransition(tc.to); got != tc.ok {
			t.Errorf("%s -> %s: got %v, want %v", tc.from, tc.to, got, tc.ok)
		}
	}
}

func TestTransferMarkers(t *testing.T) {
	var tr CopyTrade
	if _, ok := tr.FundTx(); ok {
		t.Fatal("empty trade reports a pull")
	}
	ref := TxRef{Hash: common.HexToHash("0xfeed"), Nonce: 9}
	tr.SetFundTx(ref)
	tr.SetSettlementTx(ref)
	if got, ok := tr.FundTx(); !ok || got != ref {
		t.Fatalf("FundTx = %+v %v", got, ok)
	}
	if got, ok := tr.SettlementTx(); !ok || got.Nonce != 9 {
		t.Fatalf("SettlementTx = %+v %v", got, ok)
	}
	tr.SetFundTx(TxRef{})
	if _, ok := tr.FundTx(); ok || tr.FundTxHash != "" || tr.FundTxNonce != 0 {
		t.Fatalf("cleared marker = %q/%d", tr.FundTxHash, tr.FundTxNonce)
	}
}

func TestIdempotencyKeyNormalizesHash(t *testing.T) {
	a := IdempotencyKey("cfg1", "0xABCDEF", "42")
	b := IdempotencyKey("cfg1", "0xabcdef", "42")
	if a != b {
		t.Fatalf("keys differ: %q vs %q", a, b)
	}
	if a != "cfg1:0xabcdef:42" {
		t.Fatalf("unexpected key %q", a)
	}
	if IdempotencyKey("cfg2", "0xabcdef", "42") == a {
		t.Fatal("different configs must not share a key")
	}
}

func TestSignalDedupKey(t *testing.T) {
	s := TradeSignal{SourceTxHash: "0xAA", TokenID: "7", Side: OrderSideBuy}
	if got := s.DedupKey(); got != "0xaa:7:BUY" {
		t.Fatalf("got %q", got)
	}
	s.HasLogIndex = true
	s.LogIndex = 3
	if got := s.DedupKey(); got != "0xaa:3" {
		t.Fatalf("got %q", got)
	}
	if got := (TradeSignal{SourceTxHash: "0xBB"}).DedupKey(); got != "0xbb" {
		t.Fatalf("got %q", got)
	}
}
