package pow

import (
	"context"
	"crypto/sha256"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"tipline/internal/domain"
)

func TestSolveProducesVerifiedAnswer(t *testing.T) {
	ch := domain.ProofOfWork{Question: "d41d8cd98f00b204e9800998ecf8427e"}
	n, err := Solver{Difficulty: 1, Timeout: 10 * time.Second}.Solve(context.Background(), ch)
	require.NoError(t, err)
	require.True(t, Verify(ch.Question, n, 1))
	require.True(t, Plausible(Hash(ch.Question, n)))
}

func TestSolveUsesChallengeDifficulty(t *testing.T) {
	ch := domain.ProofOfWork{Question: "d41d8cd98f00b204e9800998ecf8427e", Difficulty: 2}
	n, err := Solver{Difficulty: 1, Timeout: 30 * time.Second}.Solve(context.Background(), ch)
	require.NoError(t, err)
	require.True(t, Verify(ch.Question, n, 2))
}

func TestPlausibleIsWeakerThanVerify(t *testing.T) {
	var h [sha256.Size]byte
	h[sha256.Size-1] = 0
	h[sha256.Size-2] = 7
	require.True(t, Plausible(h))

	// find an answer that passes the one-byte check but not the two-byte one
	q := "weaker"
	var found bool
	for n := int64(0); n < 1<<20; n++ {
		if Plausible(Hash(q, n)) && !Verify(q, n, 2) {
			found = true
			break
		}
	}
	require.True(t, found)
}

func TestVerifyRejectsNegativeAndEmpty(t *testing.T) {
	require.False(t, Verify("", 1, 1))
	require.False(t, Verify("q", -1, 1))
}

func TestSolveTimesOut(t *testing.T) {
	// four zero bytes takes ~2^32 hashes; the deadline hits first
	s := Solver{Difficulty: 4, Timeout: 20 * time.Millisecond}
	_, err := s.Solve(context.Background(), domain.ProofOfWork{Question: "slow"})
	require.True(t, errors.Is(err, ErrTimeout))
}

func TestSolveCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := Solver{Difficulty: 4}.Solve(ctx, domain.ProofOfWork{Question: "x"})
	require.ErrorIs(t, err, context.Canceled)
}

func TestNewChallengeIsRandom(t *testing.T) {
	a, b := NewChallenge(), NewChallenge()
	require.Len(t, a.Question, 32)
	require.NotEqual(t, a.Question, b.Question)
}
