package pipeline

import (
	"context"
	"sync"

	"github.com/ethereum/go-ethereum/common"

	"MonadFlow/internal/chain"
)

// nonceEntry 维护单个地址的 nonce 计数器。
type nonceEntry struct {
	mu     sync.Mutex
	next   uint64
	seeded bool
}

// Nonces 为每个发送地址维护单调递增的 nonce 计数器。同一地址的
// 预留操作串行执行，首次预留时从链上的 pending nonce 播种。
// 一个 Nonces 实例只服务一条链。
type Nonces struct {
	mu      sync.Mutex
	entries map[common.Address]*nonceEntry
}

// NewNonces 构造空的 nonce 管理器。
func NewNonces() *Nonces {
	return &Nonces{entries: make(map[common.Address]*nonceEntry)}
}

func (n *Nonces) entry(addr common.Address) *nonceEntry {
	n.mu.Lock()
	defer n.mu.Unlock()
	e, ok := n.entries[addr]
	if !ok {
		e = &nonceEntry{}
		n.entries[addr] = e
	}
	return e
}

// Reserve 返回地址的下一个 nonce 并推进计数器。并发调用同一地址
// 得到的 nonce 互不相同且连续。
func (n *Nonces) Reserve(ctx context.Context, conn chain.Conn, addr common.Address) (uint64, error) {
	e := n.entry(addr)
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.seeded {
		pending, err := conn.PendingNonce(ctx, addr)
		if err != nil {
			return 0, err
		}
		e.next = pending
		e.seeded = true
	}
	nonce := e.next
	e.next++
	return nonce, nil
}

// Reset 丢弃地址的本地计数器，下次预留时重新从链上播种。
// 在 nonce 冲突或广播放弃后调用，避免本地计数器与链上脱节。
func (n *Nonces) Reset(addr common.Address) {
	e := n.entry(addr)
	e.mu.Lock()
	e.seeded = false
	e.mu.Unlock()
}
