package scheduling

import (
	"github.com/hordeproject/horde/internal/horde/repository"
)

const lowTrustPenalty = -100

// ExtraPriority computes the snapshot priority assigned to a request at
// activation. Users in good standing ride their full balance; a user flagged
// for abuse gets a heavily discounted balance, or a flat penalty when they
// have next to nothing. Trust overrides the flag. The value is frozen on the
// row; only the anti-starvation ratchet moves it afterwards.
func ExtraPriority(user *repository.User) float64 {
	if user.Trusted() || !user.Flagged {
		return user.Kudos
	}
	if user.Kudos > 10 {
		return user.Kudos / 1000
	}
	return lowTrustPenalty
}
