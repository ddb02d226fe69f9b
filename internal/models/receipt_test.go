package models

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestNewCacheKeyIsOrderIndependent(t *testing.T) {
	a := Transaction{ID: "tx-a"}
	b := Transaction{ID: "tx-b"}

	forward := NewCacheKey("user-1", PostSourcePurchase, []Transaction{a, b})
	reversed := NewCacheKey("user-1", PostSourcePurchase, []Transaction{b, a})

	assert.Equal(t, forward, reversed)
}

func TestNewCacheKeySeparatesUsersSourcesAndTransactions(t *testing.T) {
	tx := []Transaction{{ID: "tx-a"}}

	base := NewCacheKey("user-1", PostSourcePurchase, tx)

	assert.NotEqual(t, base, NewCacheKey("user-2", PostSourcePurchase, tx))
	assert.NotEqual(t, base, NewCacheKey("user-1", PostSourceRestore, tx))
	assert.NotEqual(t, base, NewCacheKey("user-1", PostSourcePurchase, []Transaction{{ID: "tx-b"}}))
}

func TestNewCacheKeyWithoutTransactionsHasEmptyFingerprint(t *testing.T) {
	key := NewCacheKey("user-1", PostSourceCustomerInfo, nil)
	assert.Empty(t, key.TransactionFingerprint)
}

func TestSnapshotSupersession(t *testing.T) {
	now := time.Now()
	online := func(at time.Time) *CustomerInfoSnapshot {
		return &CustomerInfoSnapshot{AppUserID: "u", RequestDate: at}
	}
	offline := func(at time.Time) *CustomerInfoSnapshot {
		s := online(at)
		s.IsComputedOffline = true
		return s
	}

	// Anything supersedes nothing.
	assert.True(t, offline(now).Supersedes(nil))

	// Online wins ties and replaces older snapshots of either kind.
	assert.True(t, online(now).Supersedes(online(now)))
	assert.True(t, online(now).Supersedes(offline(now)))
	assert.True(t, online(now).Supersedes(offline(now.Add(-time.Minute))))
	assert.False(t, online(now.Add(-time.Minute)).Supersedes(online(now)))

	// Offline replaces online only when strictly newer.
	assert.False(t, offline(now).Supersedes(online(now)))
	assert.True(t, offline(now.Add(time.Minute)).Supersedes(online(now)))
	assert.True(t, offline(now.Add(time.Minute)).Supersedes(offline(now)))
}
