package network

import (
	"sync"

	"github.com/ZentaChain/zentalk-rudp/pkg/protocol"
	"github.com/ZentaChain/zentalk-rudp/pkg/reliability"
)

type commandKind uint8

const (
	commandSend commandKind = iota
	commandClose
	commandSetStaticData
)

// bufferedCommand is an intent queued by a caller goroutine for the network
// goroutine.
type bufferedCommand struct {
	kind        commandKind
	data        []byte
	priority    reliability.Priority
	reliability reliability.Reliability
	channel     uint8
	target      protocol.SystemAddress
	broadcast   bool
	connectMode ConnectMode
}

// commandBuffer is a FIFO handed from producers to the network goroutine.
// drain swaps the backing slice out, so the lock is never held while the
// commands run.
type commandBuffer[T any] struct {
	mu    sync.Mutex
	items []T
}

func (b *commandBuffer[T]) push(v T) {
	b.mu.Lock()
	b.items = append(b.items, v)
	b.mu.Unlock()
}

func (b *commandBuffer[T]) drain() []T {
	b.mu.Lock()
	items := b.items
	b.items = nil
	b.mu.Unlock()
	return items
}

func (b *commandBuffer[T]) clear() {
	b.mu.Lock()
	b.items = nil
	b.mu.Unlock()
}

func (b *commandBuffer[T]) len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.items)
}
