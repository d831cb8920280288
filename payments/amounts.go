package payments

import (
	crand "crypto/rand"
	"encoding/binary"

	"github.com/pkg/errors"

	"gitlab.com/arcanecrypto/troncoil/validation"
)

// perturbationAttempts bounds the search for a collision-free amount
const perturbationAttempts = 100

// randomDelta draws a uniform perturbation in [0.0001, 0.9999] at 4
// decimal places from the system CSPRNG
func randomDelta() (float64, error) {
	var buf [8]byte
	if _, err := crand.Read(buf[:]); err != nil {
		return 0, errors.Wrap(err, "could not read random bytes")
	}
	steps := binary.BigEndian.Uint64(buf[:]) % 9_999
	return float64(steps+1) / 10_000, nil
}

// GenerateUniqueAmount perturbs the base amount so the payer's exact
// transfer amount identifies the form it pays. The result is strictly
// greater than base, has exactly 4 decimal places, and differs from
// every amount in the collision set by more than the matching
// tolerance. If no such amount is found within the attempt budget the
// last candidate is used anyway; with a 9999-slot delta space that only
// happens when the collision set is pathologically dense.
func GenerateUniqueAmount(base float64, collisions []float64) (float64, error) {
	var candidate float64
	for attempt := 0; attempt < perturbationAttempts; attempt++ {
		delta, err := randomDelta()
		if err != nil {
			return 0, err
		}
		candidate = validation.Round4(base + delta)
		if distinctFromAll(candidate, collisions) {
			return candidate, nil
		}
	}

	log.WithField("collisions", len(collisions)).
		Warn("No collision-free amount found, using last candidate")
	return candidate, nil
}

func distinctFromAll(candidate float64, collisions []float64) bool {
	for _, amount := range collisions {
		if validation.AmountsMatch(candidate, amount) {
			return false
		}
	}
	return true
}
