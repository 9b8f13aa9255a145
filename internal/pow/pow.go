// Package pow implements the hashcash-style proof-of-work used to throttle
// automated submissions.
//
// A challenge is an opaque question string; an answer is a non-negative
// integer n such that SHA-256(question || decimal(n)) ends in a given number
// of zero bytes.
package pow

import (
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"tipline/internal/domain"
	"tipline/internal/log"
)

// DefaultDifficulty is the number of trailing zero bytes the server demands.
const DefaultDifficulty = 2

var ErrTimeout = errors.New("proof of work timed out")

// NewChallenge returns a fresh random challenge.
func NewChallenge() domain.ProofOfWork {
	return domain.ProofOfWork{Question: strings.ReplaceAll(uuid.NewString(), "-", "")}
}

func Hash(question string, answer int64) [sha256.Size]byte {
	return sha256.Sum256([]byte(question + strconv.FormatInt(answer, 10)))
}

// Plausible is the client-side sanity check: the last byte is zero. It is
// weaker than Verify and must never be used to accept an answer.
func Plausible(hash [sha256.Size]byte) bool {
	return hash[sha256.Size-1] == 0
}

// Verify is the authoritative server check.
func Verify(question string, answer int64, difficulty int) bool {
	if answer < 0 || question == "" {
		return false
	}
	if difficulty <= 0 {
		difficulty = DefaultDifficulty
	}
	h := Hash(question, answer)
	for i := 0; i < difficulty && i < len(h); i++ {
		if h[len(h)-1-i] != 0 {
			return false
		}
	}
	return true
}

// Solver computes answers on a dedicated worker goroutine. Difficulty is
// used when the challenge does not carry its own.
type Solver struct {
	Difficulty int
	Timeout    time.Duration
}

// Solve runs one worker for the challenge and returns its single answer.
// The worker is stopped when Solve returns, whatever the outcome.
func (s Solver) Solve(ctx context.Context, challenge domain.ProofOfWork) (int64, error) {
	if challenge.Question == "" {
		return 0, errors.New("empty proof of work challenge")
	}
	if s.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.Timeout)
		defer cancel()
	}
	workerCtx, stop := context.WithCancel(ctx)
	defer stop()

	difficulty := s.Difficulty
	if challenge.Difficulty > 0 {
		difficulty = challenge.Difficulty
	}
	answers := make(chan int64, 1)
	go work(workerCtx, challenge.Question, difficulty, answers)

	started := time.Now()
	select {
	case n := <-answers:
		log.Debugf("pow: solved %s with %d in %s", challenge.Question, n, time.Since(started))
		if !Plausible(Hash(challenge.Question, n)) {
			return 0, fmt.Errorf("worker produced implausible answer %d", n)
		}
		return n, nil
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return 0, ErrTimeout
		}
		return 0, ctx.Err()
	}
}

func work(ctx context.Context, question string, difficulty int, out chan<- int64) {
	for n := int64(0); ; n++ {
		if n&0x3ff == 0 && ctx.Err() != nil {
			return
		}
		if Verify(question, n, difficulty) {
			out <- n
			return
		}
	}
}
