package network

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"roomfi/internal/chain"
	"roomfi/internal/statestore"

	"go.uber.org/zap"
)

// Resolution is what reconciliation learned about one journaled
// transaction.
type Resolution struct {
	Tx            chain.TxHandle `json:"tx"`
	Outcome       string         `json:"outcome"`
	Confirmations uint64         `json:"confirmations,omitempty"`
}

const (
	OutcomeConfirmed = "confirmed"
	OutcomeFailed    = "failed"
	OutcomePending   = "pending"
)

func pendingKey(h chain.TxHandle) string {
	return fmt.Sprintf("%s%d/%s", pendingRoot, h.ChainID, h.Hash.Hex())
}

func pendingPrefix(chainID uint64) string {
	return fmt.Sprintf("%s%d/", pendingRoot, chainID)
}

// recordPending journals a broadcast transaction whose outcome was unknown
// when its wait ended, so a later Reconcile can settle it.
func (c *Coordinator) recordPending(h chain.TxHandle) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	blob, err := json.Marshal(h)
	if err != nil {
		c.log.Error("could not encode pending transaction", zap.String("tx", h.Hash.Hex()), zap.Error(err))
		return
	}
	now := time.Now().UTC()
	err = c.cfg.Store.Save(ctx, pendingKey(h), statestore.Record{
		Value:     blob,
		CreatedAt: now,
		ExpiresAt: now.Add(c.cfg.PendingRetention),
	})
	if err != nil {
		c.log.Error("could not journal pending transaction", zap.String("tx", h.Hash.Hex()), zap.Error(err))
		return
	}
	c.log.Warn("transaction outcome unknown, journaled for reconciliation",
		zap.String("tx", h.Hash.Hex()),
		zap.String("op", string(h.Kind)),
		zap.Uint64("chain_id", h.ChainID),
	)
	c.refreshPendingGauge(ctx)
}

// Pending lists journaled transactions for the active network.
func (c *Coordinator) Pending(ctx context.Context) ([]chain.TxHandle, error) {
	b, err := c.Current()
	if err != nil {
		return nil, err
	}
	return c.pendingOn(ctx, b.Profile.ChainID)
}

func (c *Coordinator) pendingOn(ctx context.Context, chainID uint64) ([]chain.TxHandle, error) {
	keys, err := c.cfg.Store.Keys(ctx, pendingPrefix(chainID))
	if err != nil {
		return nil, err
	}
	out := make([]chain.TxHandle, 0, len(keys))
	for _, key := range keys {
		h, ok, err := c.loadPending(ctx, key)
		if err != nil {
			return nil, err
		}
		if ok {
			out = append(out, h)
		}
	}
	return out, nil
}

// Reconcile re-checks every journaled transaction of the active network.
// Transactions that confirmed or failed leave the journal; the rest stay.
func (c *Coordinator) Reconcile(ctx context.Context) ([]Resolution, error) {
	b, err := c.Current()
	if err != nil {
		return nil, err
	}
	return c.reconcile(ctx, b)
}

func (c *Coordinator) reconcile(ctx context.Context, b *Binding) ([]Resolution, error) {
	keys, err := c.cfg.Store.Keys(ctx, pendingPrefix(b.Profile.ChainID))
	if err != nil {
		return nil, err
	}
	defer c.refreshPendingGauge(context.WithoutCancel(ctx))

	var out []Resolution
	for _, key := range keys {
		h, ok, err := c.loadPending(ctx, key)
		if err != nil {
			return out, err
		}
		if !ok {
			continue
		}

		res := Resolution{Tx: h}
		receipt, err := b.Client.AwaitConfirmations(ctx, h, c.cfg.Policy.For(h.Kind), c.cfg.ReconcileWait)
		switch {
		case err == nil:
			res.Outcome = OutcomeConfirmed
			res.Confirmations = receipt.Confirmations
		case ctx.Err() != nil:
			return out, ctx.Err()
		case errors.Is(err, chain.ErrTransactionFailed):
			res.Outcome = OutcomeFailed
		case errors.Is(err, chain.ErrTransactionPending), errors.Is(err, chain.ErrTransactionTimeout):
			res.Outcome = OutcomePending
		default:
			return out, err
		}

		if res.Outcome != OutcomePending {
			if err := c.cfg.Store.Delete(ctx, key); err != nil {
				return out, err
			}
		}
		c.log.Info("reconciled transaction",
			zap.String("tx", h.Hash.Hex()),
			zap.String("op", string(h.Kind)),
			zap.String("outcome", res.Outcome),
		)
		out = append(out, res)
	}
	return out, nil
}

func (c *Coordinator) loadPending(ctx context.Context, key string) (chain.TxHandle, bool, error) {
	rec, err := c.cfg.Store.Get(ctx, key)
	if err != nil || rec == nil {
		return chain.TxHandle{}, false, err
	}
	var h chain.TxHandle
	if err := json.Unmarshal(rec.Value, &h); err != nil {
		c.log.Warn("dropping unreadable pending record", zap.String("key", key), zap.Error(err))
		return chain.TxHandle{}, false, c.cfg.Store.Delete(ctx, key)
	}
	return h, true, nil
}

func (c *Coordinator) refreshPendingGauge(ctx context.Context) {
	if c.cfg.Metrics == nil {
		return
	}
	keys, err := c.cfg.Store.Keys(ctx, pendingRoot)
	if err != nil {
		return
	}
	c.cfg.Metrics.SetPending(len(keys))
}

// chainJournal is one chain's slice of the pending journal, handed to the
// services bound to that chain.
type chainJournal struct {
	c       *Coordinator
	chainID uint64
}

func (j chainJournal) Unresolved(ctx context.Context) ([]chain.TxHandle, error) {
	return j.c.pendingOn(ctx, j.chainID)
}

func (j chainJournal) Resolve(ctx context.Context, h chain.TxHandle) error {
	defer j.c.refreshPendingGauge(context.WithoutCancel(ctx))
	return j.c.cfg.Store.Delete(ctx, pendingKey(h))
}
