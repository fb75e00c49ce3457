package pipeline

import (
	"context"
	"sync"
	"testing"

	"github.com/ethereum/go-ethereum/common"
)

func TestNoncesSeedOnceThenCount(t *testing.T) {
	conn := newFakeConn()
	conn.nonce = 10
	nonces := NewNonces()
	addr := common.HexToAddress("0x01")
	ctx := context.Background()

	for want := uint64(10); want < 13; want++ {
		got, err := nonces.Reserve(ctx, conn, addr)
		if err != nil {
			t.Fatalf("reserve: %v", err)
		}
		if got != want {
			t.Fatalf("unexpected nonce: got %d want %d", got, want)
		}
	}
	if conn.nonceCalls != 1 {
		t.Fatalf("pending nonce queried %d times, want 1", conn.nonceCalls)
	}
}

func TestNoncesConcurrentReserve(t *testing.T) {
	conn := newFakeConn()
	nonces := NewNonces()
	addr := common.HexToAddress("0x02")

	const workers = 16
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		seen = make(map[uint64]bool)
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			got, err := nonces.Reserve(context.Background(), conn, addr)
			if err != nil {
				t.Errorf("reserve: %v", err)
				return
			}
			mu.Lock()
			seen[got] = true
			mu.Unlock()
		}()
	}
	wg.Wait()

	if len(seen) != workers {
		t.Fatalf("expected %d distinct nonces, got %d", workers, len(seen))
	}
	for i := uint64(0); i < workers; i++ {
		if !seen[i] {
			t.Fatalf("nonce %d never reserved", i)
		}
	}
}

func TestNoncesResetReseeds(t *testing.T) {
	conn := newFakeConn()
	nonces := NewNonces()
	addr := common.HexToAddress("0x03")
	ctx := context.Background()

	if got, _ := nonces.Reserve(ctx, conn, addr); got != 0 {
		t.Fatalf("unexpected first nonce: %d", got)
	}
	// 播种后链上状态的变化不影响本地计数器。
	conn.mu.Lock()
	conn.nonce = 100
	conn.mu.Unlock()
	if got, _ := nonces.Reserve(ctx, conn, addr); got != 1 {
		t.Fatalf("unexpected second nonce: %d", got)
	}

	nonces.Reset(addr)
	if got, _ := nonces.Reserve(ctx, conn, addr); got != 100 {
		t.Fatalf("reset should reseed from chain, got %d", got)
	}
}

func TestNoncesIndependentPerAddress(t *testing.T) {
	conn := newFakeConn()
	nonces := NewNonces()
	ctx := context.Background()
	a := common.HexToAddress("0x0a")
	b := common.HexToAddress("0x0b")

	if got, _ := nonces.Reserve(ctx, conn, a); got != 0 {
		t.Fatalf("unexpected nonce for a: %d", got)
	}
	if got, _ := nonces.Reserve(ctx, conn, a); got != 1 {
		t.Fatalf("unexpected nonce for a: %d", got)
	}
	if got, _ := nonces.Reserve(ctx, conn, b); got != 0 {
		t.Fatalf("b must keep its own counter, got %d", got)
	}
	if conn.nonceCalls != 2 {
		t.Fatalf("expected one seed query per address, got %d", conn.nonceCalls)
	}
}
