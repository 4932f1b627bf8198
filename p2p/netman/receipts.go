package netman

import (
	"sync"
	"time"
)

// receiptWait tracks one outstanding receipt: how many more returns are
// expected before it's considered fully satisfied, and the callback to
// invoke on each one.
type receiptWait struct {
	remaining int
	onReceipt func(extra []byte)
	expiresAt time.Time
}

// receiptManager tracks pending signed receipts by nonce, expiring ones
// nobody answered: a mutex-guarded map swept by a single quit-driven
// goroutine.
type receiptManager struct {
	mu      sync.Mutex
	pending map[string]*receiptWait
	quit    chan struct{}
	once    sync.Once
}

func newReceiptManager() *receiptManager {
	rm := &receiptManager{
		pending: make(map[string]*receiptWait),
		quit:    make(chan struct{}),
	}
	go rm.sweepLoop()
	return rm
}

func (rm *receiptManager) record(nonce string, expiration time.Duration, expectedReturns int, onReceipt func([]byte)) {
	if expectedReturns < 1 {
		expectedReturns = 1
	}
	rm.mu.Lock()
	rm.pending[nonce] = &receiptWait{
		remaining: expectedReturns,
		onReceipt: onReceipt,
		expiresAt: time.Now().Add(expiration),
	}
	rm.mu.Unlock()
}

func (rm *receiptManager) onReceived(nonce string, extra []byte) {
	rm.mu.Lock()
	w, ok := rm.pending[nonce]
	if !ok {
		rm.mu.Unlock()
		return
	}
	w.remaining--
	done := w.remaining <= 0
	if done {
		delete(rm.pending, nonce)
	}
	rm.mu.Unlock()

	if w.onReceipt != nil {
		w.onReceipt(extra)
	}
}

func (rm *receiptManager) sweepLoop() {
	t := time.NewTicker(time.Second)
	defer t.Stop()
	for {
		select {
		case <-rm.quit:
			return
		case now := <-t.C:
			rm.sweep(now)
		}
	}
}

func (rm *receiptManager) sweep(now time.Time) {
	rm.mu.Lock()
	for nonce, w := range rm.pending {
		if now.After(w.expiresAt) {
			delete(rm.pending, nonce)
		}
	}
	rm.mu.Unlock()
}

func (rm *receiptManager) stop() {
	rm.once.Do(func() { close(rm.quit) })
}
