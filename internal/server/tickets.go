// tickets.go - Single-use challenge tickets for the SSH public key login
// protocol and the in-memory store that tracks them while a login round trip
// is in flight.
package server

import (
	"crypto/rand"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/google/uuid"
)

// TicketValidity is how long a ticket may be used after issuance.
const TicketValidity = 10 * time.Second

// ticketSweepInterval is how often expired tickets are removed.
const ticketSweepInterval = time.Minute

// Nonce is a random 128-bit value carried inside a Ticket. It is encoded on
// the wire as a bare JSON integer, matching the challenge protocol, and kept
// as a big-endian byte array in memory so tickets stay comparable map keys.
type Nonce [16]byte

// NewNonce generates a random nonce.
func NewNonce() (Nonce, error) {
	var n Nonce
	if _, err := rand.Read(n[:]); err != nil {
		return Nonce{}, fmt.Errorf("generate nonce: %w", err)
	}
	return n, nil
}

// Dec returns the nonce decremented by one, wrapping around at zero. A
// client applies this transformation to the issued nonce to prove it
// decrypted the challenge.
func (n Nonce) Dec() Nonce {
	out := n
	for i := len(out) - 1; i >= 0; i-- {
		out[i]--
		if out[i] != 0xff {
			break
		}
	}
	return out
}

// Inc is the inverse of Dec. The store applies it to a response nonce to
// recover the issued ticket.
func (n Nonce) Inc() Nonce {
	out := n
	for i := len(out) - 1; i >= 0; i-- {
		out[i]++
		if out[i] != 0x00 {
			break
		}
	}
	return out
}

func (n Nonce) MarshalJSON() ([]byte, error) {
	return []byte(new(big.Int).SetBytes(n[:]).String()), nil
}

func (n *Nonce) UnmarshalJSON(data []byte) error {
	v, ok := new(big.Int).SetString(string(data), 10)
	if !ok || v.Sign() < 0 || v.BitLen() > 128 {
		return fmt.Errorf("nonce must be an unsigned 128-bit integer")
	}
	v.FillBytes(n[:])
	return nil
}

// Ticket is a single-use, time-limited proof token for the SSH challenge
// protocol. Equality covers all three fields; the full value is the map key
// in the TicketStore.
type Ticket struct {
	// Nonce is randomly generated per ticket.
	Nonce Nonce `json:"nonce"`
	// Timestamp is a unix timestamp in milliseconds.
	Timestamp int64 `json:"timestamp"`
	// Subject is the user the session will be granted to on success.
	Subject uuid.UUID `json:"subject"`
}

// TicketStore tracks outstanding tickets and the key fingerprint each one is
// bound to. All access is serialized through a single mutex; a background
// sweep removes tickets that were never completed.
type TicketStore struct {
	mu      sync.Mutex
	tickets map[Ticket]string // ticket -> bound key fingerprint
	now     func() time.Time
	done    chan struct{}
	closed  bool
}

// NewTicketStore creates a ticket store and starts its sweep goroutine. The
// caller owns the store and must Close it to stop the sweep.
func NewTicketStore() *TicketStore {
	s := &TicketStore{
		tickets: make(map[Ticket]string),
		now:     time.Now,
		done:    make(chan struct{}),
	}
	go s.sweep()
	return s
}

// New mints a ticket bound to the given subject and key fingerprint and
// stores it. If the exact ticket value already exists the mint is retried;
// with 128-bit nonces this effectively never loops.
func (s *TicketStore) New(subject uuid.UUID, fingerprint string) (Ticket, error) {
	for {
		nonce, err := NewNonce()
		if err != nil {
			return Ticket{}, err
		}
		t := Ticket{
			Nonce:     nonce,
			Timestamp: s.now().UnixMilli(),
			Subject:   subject,
		}

		s.mu.Lock()
		if _, exists := s.tickets[t]; exists {
			s.mu.Unlock()
			continue
		}
		s.tickets[t] = fingerprint
		s.mu.Unlock()

		return t, nil
	}
}

// TakeResponse validates a response ticket sent by a client. The client is
// expected to have decremented the nonce of the issued ticket by one to
// prove it decrypted the challenge; the issued ticket must still be present
// and unexpired. A matching entry is removed, so a ticket validates exactly
// once.
func (s *TicketStore) TakeResponse(resp Ticket) (fingerprint string, ok bool) {
	issued := resp
	issued.Nonce = resp.Nonce.Inc()

	s.mu.Lock()
	defer s.mu.Unlock()

	fp, ok := s.tickets[issued]
	if !ok {
		return "", false
	}
	delete(s.tickets, issued)

	// The sweep only runs once a minute, so tickets past their validity
	// window can still be present. Reject them here as well.
	if s.now().UnixMilli()-issued.Timestamp > TicketValidity.Milliseconds() {
		return "", false
	}
	return fp, true
}

// Close stops the sweep goroutine. Safe to call multiple times.
func (s *TicketStore) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		close(s.done)
		s.closed = true
	}
}

func (s *TicketStore) sweep() {
	ticker := time.NewTicker(ticketSweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.removeExpired()
		case <-s.done:
			return
		}
	}
}

func (s *TicketStore) removeExpired() {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := s.now().UnixMilli() - TicketValidity.Milliseconds()
	for t := range s.tickets {
		if t.Timestamp < cutoff {
			delete(s.tickets, t)
		}
	}
}
