// Package lock provides per-account locking for ledger mutations.
// Every balance-changing operation must hold the owning account's lock;
// the profit accrual path acquires it through WithTryLock so a scheduler
// tick skips a busy account instead of blocking behind it.
package lock

import (
	"sync"
)

// accountMutex wraps a mutex with reference counting for pooling.
type accountMutex struct {
	mu       sync.Mutex
	refCount int
}

// AccountLock provides per-account mutual exclusion keyed by account id.
type AccountLock struct {
	locks sync.Map // map[int64]*accountMutex
	pool  sync.Pool
}

// NewAccountLock creates a new AccountLock instance.
func NewAccountLock() *AccountLock {
	return &AccountLock{
		pool: sync.Pool{
			New: func() any {
				return &accountMutex{}
			},
		},
	}
}

// getLock retrieves or creates the mutex for the given account id.
func (al *AccountLock) getLock(accountID int64) *accountMutex {
	if v, ok := al.locks.Load(accountID); ok {
		return v.(*accountMutex)
	}

	newLock := al.pool.Get().(*accountMutex)
	newLock.refCount = 0

	actual, loaded := al.locks.LoadOrStore(accountID, newLock)
	if loaded {
		// Another goroutine created the lock first, return ours to pool.
		al.pool.Put(newLock)
	}
	return actual.(*accountMutex)
}

// Lock acquires the lock for an account.
func (al *AccountLock) Lock(accountID int64) {
	lock := al.getLock(accountID)
	lock.mu.Lock()
	lock.refCount++
}

// Unlock releases the lock for an account.
func (al *AccountLock) Unlock(accountID int64) {
	if v, ok := al.locks.Load(accountID); ok {
		lock := v.(*accountMutex)
		lock.refCount--
		lock.mu.Unlock()
	}
}

// TryLock attempts to acquire the lock without blocking.
// Returns true if the lock was acquired, false otherwise.
func (al *AccountLock) TryLock(accountID int64) bool {
	lock := al.getLock(accountID)
	if lock.mu.TryLock() {
		lock.refCount++
		return true
	}
	return false
}

// WithLock executes fn while holding the account's lock.
func (al *AccountLock) WithLock(accountID int64, fn func() error) error {
	al.Lock(accountID)
	defer al.Unlock(accountID)
	return fn()
}

// WithTryLock executes fn only if the account's lock is immediately
// available. Returns false without running fn when the account is busy.
func (al *AccountLock) WithTryLock(accountID int64, fn func() error) (bool, error) {
	if !al.TryLock(accountID) {
		return false, nil
	}
	defer al.Unlock(accountID)
	return true, fn()
}
