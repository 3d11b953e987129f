package builder

import (
	"sync"

	fi "github.com/rocketbitz/tf-pipeline/fi"
)

// AddressBook is a mutable SenderDirectory populated as BuildInstructions
// name senders the builder hasn't reached before.
type AddressBook struct {
	mu    sync.RWMutex
	addrs map[string]fi.Address
}

// NewAddressBook constructs an empty AddressBook.
func NewAddressBook() *AddressBook {
	return &AddressBook{addrs: make(map[string]fi.Address)}
}

// Address implements SenderDirectory.
func (b *AddressBook) Address(senderID string) (fi.Address, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	addr, ok := b.addrs[senderID]
	return addr, ok
}

// Set records senderID's resolved fi.Address.
func (b *AddressBook) Set(senderID string, addr fi.Address) {
	b.mu.Lock()
	b.addrs[senderID] = addr
	b.mu.Unlock()
}

var _ SenderDirectory = (*AddressBook)(nil)
