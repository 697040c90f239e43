// Property-based tests for concurrent balance mutation safety under the
// per-account lock.
package lock

import (
	"sync"
	"sync/atomic"
	"testing"

	"pgregory.net/rapid"
)

// TestConcurrentMutationSafetyProperty tests that for any set of concurrent
// balance mutations on the same account, the final value is consistent with
// sequential execution of all mutations.
func TestConcurrentMutationSafetyProperty(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		initialBalance := rapid.Int64Range(1000, 100000).Draw(t, "initialBalance")
		numOps := rapid.IntRange(2, 20).Draw(t, "numOps")

		amounts := make([]int64, numOps)
		expectedFinalBalance := initialBalance
		for i := 0; i < numOps; i++ {
			amounts[i] = rapid.Int64Range(-500, 500).Draw(t, "amount")
			expectedFinalBalance += amounts[i]
		}

		accountID := rapid.Int64Range(1, 1000000).Draw(t, "accountID")
		al := NewAccountLock()
		balance := initialBalance

		var wg sync.WaitGroup
		wg.Add(numOps)
		for _, amount := range amounts {
			go func(amount int64) {
				defer wg.Done()
				al.Lock(accountID)
				defer al.Unlock(accountID)
				// Read-modify-write, only safe under the lock.
				balance += amount
			}(amount)
		}
		wg.Wait()

		if balance != expectedFinalBalance {
			t.Fatalf("Balance mismatch with locking: expected %d, got %d (initial=%d, numOps=%d)",
				expectedFinalBalance, balance, initialBalance, numOps)
		}
	})
}

// TestWithLockSerializationProperty tests that WithLock serializes its
// callbacks per account.
func TestWithLockSerializationProperty(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		initialBalance := rapid.Int64Range(1000, 100000).Draw(t, "initialBalance")
		numOps := rapid.IntRange(5, 30).Draw(t, "numOps")
		amountPerOp := rapid.Int64Range(1, 100).Draw(t, "amountPerOp")
		accountID := rapid.Int64Range(1, 1000000).Draw(t, "accountID")

		expectedFinalBalance := initialBalance + int64(numOps)*amountPerOp

		al := NewAccountLock()
		balance := initialBalance

		var wg sync.WaitGroup
		wg.Add(numOps)
		for i := 0; i < numOps; i++ {
			go func() {
				defer wg.Done()
				_ = al.WithLock(accountID, func() error {
					balance += amountPerOp
					return nil
				})
			}()
		}
		wg.Wait()

		if balance != expectedFinalBalance {
			t.Fatalf("Balance mismatch with WithLock: expected %d, got %d",
				expectedFinalBalance, balance)
		}
	})
}

// TestIndependentAccountLocksProperty tests that locks for different
// accounts never interfere with each other's mutations.
func TestIndependentAccountLocksProperty(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		numAccounts := rapid.IntRange(2, 10).Draw(t, "numAccounts")
		opsPerAccount := rapid.IntRange(5, 20).Draw(t, "opsPerAccount")

		al := NewAccountLock()

		balances := make(map[int64]*int64)
		for i := 0; i < numAccounts; i++ {
			b := rapid.Int64Range(1000, 10000).Draw(t, "initialBalance")
			balances[int64(i+1)] = &b
		}
		expected := make(map[int64]int64)
		for accountID, b := range balances {
			expected[accountID] = *b + int64(opsPerAccount)*10
		}

		var wg sync.WaitGroup
		wg.Add(numAccounts * opsPerAccount)
		for accountID := int64(1); accountID <= int64(numAccounts); accountID++ {
			for j := 0; j < opsPerAccount; j++ {
				go func(id int64) {
					defer wg.Done()
					al.Lock(id)
					defer al.Unlock(id)
					*balances[id] += 10
				}(accountID)
			}
		}
		wg.Wait()

		for accountID, want := range expected {
			if *balances[accountID] != want {
				t.Fatalf("Account %d balance mismatch: expected %d, got %d",
					accountID, want, *balances[accountID])
			}
		}
	})
}

// TestTryLockExclusivityProperty tests that TryLock under contention admits
// at least one caller and leaves the lock free afterwards.
func TestTryLockExclusivityProperty(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		accountID := rapid.Int64Range(1, 1000000).Draw(t, "accountID")
		numAttempts := rapid.IntRange(5, 20).Draw(t, "numAttempts")

		al := NewAccountLock()

		var successCount atomic.Int32
		var wg sync.WaitGroup
		wg.Add(numAttempts)
		startCh := make(chan struct{})

		for i := 0; i < numAttempts; i++ {
			go func() {
				defer wg.Done()
				<-startCh
				if al.TryLock(accountID) {
					successCount.Add(1)
					al.Unlock(accountID)
				}
			}()
		}
		close(startCh)
		wg.Wait()

		if successCount.Load() < 1 {
			t.Fatalf("At least one TryLock should succeed, got %d successes", successCount.Load())
		}
		if !al.TryLock(accountID) {
			t.Fatal("Lock should be available after all attempts complete")
		}
		al.Unlock(accountID)
	})
}

// TestLockUnlockSymmetryProperty tests that repeated lock/unlock cycles
// leave the lock acquirable.
func TestLockUnlockSymmetryProperty(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		accountID := rapid.Int64Range(1, 1000000).Draw(t, "accountID")
		numCycles := rapid.IntRange(1, 50).Draw(t, "numCycles")

		al := NewAccountLock()
		for i := 0; i < numCycles; i++ {
			al.Lock(accountID)
			al.Unlock(accountID)
		}

		if !al.TryLock(accountID) {
			t.Fatal("Lock should be available after symmetric lock/unlock cycles")
		}
		al.Unlock(accountID)
	})
}

// TestWithTryLockSkipsBusyAccount checks that WithTryLock declines to run
// the callback while the account's lock is held, and runs it once the lock
// is released.
func TestWithTryLockSkipsBusyAccount(t *testing.T) {
	al := NewAccountLock()

	al.Lock(9)
	ran, err := al.WithTryLock(9, func() error {
		t.Fatal("callback must not run while the lock is held elsewhere")
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ran {
		t.Fatal("WithTryLock should report the account as busy")
	}
	al.Unlock(9)

	executed := false
	ran, err = al.WithTryLock(9, func() error {
		executed = true
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !ran || !executed {
		t.Fatal("WithTryLock should run the callback on a free lock")
	}
}
