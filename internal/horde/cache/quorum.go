package cache

import (
	"fmt"
	"time"

	"github.com/go-redis/redis"
	"github.com/pkg/errors"
)

const quorumKey = "horde_quorum"

// Quorum elects a single sweep runner across horde nodes. Whoever wins the
// SET NX holds the lease until it expires; the holder refreshes it on each
// successful acquisition so sweeps stay on one node while it is healthy.
type Quorum struct {
	client redis.UniversalClient
	id     string
	lease  time.Duration
}

func NewQuorum(client redis.UniversalClient, id string, lease time.Duration) *Quorum {
	return &Quorum{client: client, id: id, lease: lease}
}

// TryAcquire attempts to take or refresh the lease. It returns true when this
// node holds the quorum for the current lease period.
func (q *Quorum) TryAcquire() (bool, error) {
	acquired, err := q.client.SetNX(quorumKey, q.id, q.lease).Result()
	if err != nil {
		return false, errors.WithStack(err)
	}
	if acquired {
		return true, nil
	}

	holder, err := q.client.Get(quorumKey).Result()
	if err == redis.Nil {
		return false, nil
	} else if err != nil {
		return false, errors.WithStack(err)
	}
	if holder != q.id {
		return false, nil
	}
	// Still the holder; slide the lease forward.
	if err := q.client.Set(quorumKey, q.id, q.lease).Err(); err != nil {
		return false, errors.WithStack(err)
	}
	return true, nil
}

// Holder returns the current lease holder, empty when the lease has lapsed.
func (q *Quorum) Holder() (string, error) {
	holder, err := q.client.Get(quorumKey).Result()
	if err == redis.Nil {
		return "", nil
	} else if err != nil {
		return "", errors.WithStack(err)
	}
	return holder, nil
}

const transferKeyPattern = "kudos_transfer_%s-%s"

// TransferGuard rate limits kudos transfers. Each transfer marks the
// (source, destination) pair for the window; a repeat in either direction
// within the window is refused.
type TransferGuard struct {
	client redis.UniversalClient
	window time.Duration
}

func NewTransferGuard(client redis.UniversalClient, window time.Duration) *TransferGuard {
	return &TransferGuard{client: client, window: window}
}

// Held reports whether a transfer between the pair, in either direction, is
// still inside the window. It does not reserve anything.
func (g *TransferGuard) Held(src, dst string) (bool, error) {
	keys := []string{
		fmt.Sprintf(transferKeyPattern, src, dst),
		fmt.Sprintf(transferKeyPattern, dst, src),
	}
	for _, key := range keys {
		exists, err := g.client.Exists(key).Result()
		if err != nil {
			return false, errors.WithStack(err)
		}
		if exists > 0 {
			return true, nil
		}
	}
	return false, nil
}

// Reserve marks the pair for the window. Callers reserve only after the
// balances have actually moved, so a refused or failed transfer never burns
// the pair's slot.
func (g *TransferGuard) Reserve(src, dst string) error {
	err := g.client.Set(fmt.Sprintf(transferKeyPattern, src, dst), "1", g.window).Err()
	return errors.WithStack(err)
}

const registrationKeyPattern = "worker_registration_%s"

// RegistrationGuard rate limits new worker registrations: each user may
// register at most one new worker name per window. Check-ins of already
// registered workers are not affected.
type RegistrationGuard struct {
	client redis.UniversalClient
	window time.Duration
}

func NewRegistrationGuard(client redis.UniversalClient, window time.Duration) *RegistrationGuard {
	return &RegistrationGuard{client: client, window: window}
}

// Begin reserves the user's registration slot for the window. A non-positive
// window disables the limit.
func (g *RegistrationGuard) Begin(userId string) (bool, error) {
	if g.window <= 0 {
		return true, nil
	}
	reserved, err := g.client.SetNX(fmt.Sprintf(registrationKeyPattern, userId), "1", g.window).Result()
	if err != nil {
		return false, errors.WithStack(err)
	}
	return reserved, nil
}
