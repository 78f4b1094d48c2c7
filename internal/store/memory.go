package store

import (
	"context"
	"strings"
	"sync"
	"time"
)

// Memory is an in-process Store used by tests and throwaway setups.
type Memory struct {
	mu       sync.Mutex
	accounts map[string]*Account // by uuid
	devices  map[string]*Device  // by uuid
	ciphers  map[string]*Cipher  // by uuid
	folders  map[string]*Folder  // by uuid
}

func NewMemory() *Memory {
	return &Memory{
		accounts: map[string]*Account{},
		devices:  map[string]*Device{},
		ciphers:  map[string]*Cipher{},
		folders:  map[string]*Folder{},
	}
}

func (m *Memory) AccountByUUID(_ context.Context, uuid string) (*Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if a, ok := m.accounts[uuid]; ok {
		clone := *a
		return &clone, nil
	}
	return nil, ErrNotFound
}

func (m *Memory) AccountByEmail(_ context.Context, email string) (*Account, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, a := range m.accounts {
		if a.Email == email {
			clone := *a
			return &clone, nil
		}
	}
	return nil, ErrNotFound
}

func (m *Memory) SaveAccount(_ context.Context, a *Account) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, other := range m.accounts {
		if other.Email == a.Email && other.UUID != a.UUID {
			return ErrDuplicateEmail
		}
	}
	clone := *a
	clone.UpdatedAt = time.Now()
	if clone.CreatedAt.IsZero() {
		clone.CreatedAt = clone.UpdatedAt
	}
	m.accounts[a.UUID] = &clone
	return nil
}

func (m *Memory) DeviceByUUID(_ context.Context, uuid string) (*Device, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if d, ok := m.devices[uuid]; ok {
		clone := *d
		return &clone, nil
	}
	return nil, ErrNotFound
}

func (m *Memory) DeviceByRefreshToken(_ context.Context, token string) (*Device, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, d := range m.devices {
		if d.RefreshToken == token {
			clone := *d
			return &clone, nil
		}
	}
	return nil, ErrNotFound
}

func (m *Memory) SaveDevice(_ context.Context, d *Device) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	clone := *d
	clone.UpdatedAt = time.Now()
	if clone.CreatedAt.IsZero() {
		clone.CreatedAt = clone.UpdatedAt
	}
	m.devices[d.UUID] = &clone
	return nil
}

func (m *Memory) DeleteDevice(_ context.Context, uuid string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.devices[uuid]; !ok {
		return ErrNotFound
	}
	delete(m.devices, uuid)
	return nil
}

func (m *Memory) CiphersByAccount(_ context.Context, accountUUID string) ([]*Cipher, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Cipher
	for _, c := range m.ciphers {
		if c.AccountUUID == accountUUID {
			clone := *c
			out = append(out, &clone)
		}
	}
	return out, nil
}

func (m *Memory) CipherByUUID(_ context.Context, accountUUID, uuid string) (*Cipher, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if c, ok := m.ciphers[uuid]; ok && c.AccountUUID == accountUUID {
		clone := *c
		return &clone, nil
	}
	return nil, ErrNotFound
}

func (m *Memory) SaveCipher(_ context.Context, c *Cipher) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	clone := *c
	clone.UpdatedAt = time.Now()
	if clone.CreatedAt.IsZero() {
		clone.CreatedAt = clone.UpdatedAt
	}
	m.ciphers[c.UUID] = &clone
	return nil
}

func (m *Memory) DeleteCipher(_ context.Context, accountUUID, uuid string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if c, ok := m.ciphers[uuid]; ok && c.AccountUUID == accountUUID {
		delete(m.ciphers, uuid)
		return nil
	}
	return ErrNotFound
}

func (m *Memory) FoldersByAccount(_ context.Context, accountUUID string) ([]*Folder, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Folder
	for _, f := range m.folders {
		if f.AccountUUID == accountUUID {
			clone := *f
			out = append(out, &clone)
		}
	}
	return out, nil
}

func (m *Memory) FolderByUUID(_ context.Context, accountUUID, uuid string) (*Folder, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if f, ok := m.folders[uuid]; ok && f.AccountUUID == accountUUID {
		clone := *f
		return &clone, nil
	}
	return nil, ErrNotFound
}

func (m *Memory) SaveFolder(_ context.Context, f *Folder) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	clone := *f
	clone.UpdatedAt = time.Now()
	if clone.CreatedAt.IsZero() {
		clone.CreatedAt = clone.UpdatedAt
	}
	m.folders[f.UUID] = &clone
	return nil
}

func (m *Memory) DeleteFolder(_ context.Context, accountUUID, uuid string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if f, ok := m.folders[uuid]; ok && f.AccountUUID == accountUUID {
		delete(m.folders, uuid)
		for _, c := range m.ciphers {
			if c.FolderUUID == uuid {
				c.FolderUUID = ""
			}
		}
		return nil
	}
	return ErrNotFound
}

func (m *Memory) Close() error { return nil }
