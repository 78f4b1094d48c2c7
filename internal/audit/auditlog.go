// Package audit keeps an in-process, hash-chained record of authentication
// events. Each entry's hash covers the previous entry's hash, so truncation
// or edits anywhere in the chain are detectable with Verify.
package audit

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sync"
	"time"
)

type EventKind string

const (
	LoginOK        EventKind = "login_ok"
	LoginFailed    EventKind = "login_failed"
	LoginTwoFactor EventKind = "login_2fa_failed"
	TokenRefreshed EventKind = "token_refreshed"
	PasswordChange EventKind = "password_changed"
	Registered     EventKind = "registered"
)

type Entry struct {
	TS    int64     `json:"ts"`
	Kind  EventKind `json:"kind"`
	Email string    `json:"email,omitempty"`
	IP    string    `json:"ip,omitempty"`
	Hash  string    `json:"hash"`
}

type Log struct {
	mu       sync.Mutex
	lastHash []byte
	entries  []Entry
}

func New() *Log { return &Log{} }

func (l *Log) Record(kind EventKind, email, ip string) Entry {
	l.mu.Lock()
	defer l.mu.Unlock()

	e := Entry{TS: time.Now().Unix(), Kind: kind, Email: email, IP: ip}
	sum := chainHash(l.lastHash, e)
	e.Hash = hex.EncodeToString(sum)
	l.lastHash = sum
	l.entries = append(l.entries, e)
	return e
}

func (l *Log) Verify() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	var prev []byte
	for i, e := range l.entries {
		sum := chainHash(prev, e)
		if hex.EncodeToString(sum) != e.Hash {
			return fmt.Errorf("audit: chain broken at entry %d", i)
		}
		prev = sum
	}
	return nil
}

func (l *Log) Entries() []Entry {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]Entry(nil), l.entries...)
}

func chainHash(prev []byte, e Entry) []byte {
	h := sha256.New()
	h.Write(prev)
	fmt.Fprintf(h, "%d|%s|%s|%s", e.TS, e.Kind, e.Email, e.IP)
	return h.Sum(nil)
}
