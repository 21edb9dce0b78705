package chain

import (
	"context"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/rpc"
)

// PendingFeed streams pending transaction hashes from a websocket node and
// fetches their bodies.
type PendingFeed struct {
	rpc *rpc.Client
	eth *ethclient.Client
}

// NewPendingFeed wraps a connected websocket RPC client.
func NewPendingFeed(c *rpc.Client) *PendingFeed {
	return &PendingFeed{rpc: c, eth: ethclient.NewClient(c)}
}

// SubscribePending delivers hashes of transactions entering the node's pool.
func (f *PendingFeed) SubscribePending(ctx context.Context, ch chan<- common.Hash) (ethereum.Subscription, error) {
	return f.rpc.EthSubscribe(ctx, ch, "newPendingTransactions")
}

// TransactionByHash returns the transaction and whether it is still pending.
func (f *PendingFeed) TransactionByHash(ctx context.Context, h common.Hash) (*types.Transaction, bool, error) {
	return f.eth.TransactionByHash(ctx, h)
}
