package domain

import "errors"

var (
	// Negações normais e punitivas.
	ErrWindowExceeded  = errors.New("rate limit window exceeded")
	ErrBlocked         = errors.New("identifier is blocked")
	ErrCaptchaRequired = errors.New("captcha required")

	// CAPTCHA.
	ErrChallengeNotFound = errors.New("Challenge not found or expired")
	ErrChallengeExpired  = errors.New("Challenge expired")
	ErrTooManyAttempts   = errors.New("Too many attempts")
	ErrIncorrectSolution = errors.New("Incorrect solution")

	// Infraestrutura.
	ErrBackendUnavailable = errors.New("storage backend unavailable")
	ErrNoSlot             = errors.New("no concurrency slot available")
)

func IsBlockedError(err error) bool {
	return errors.Is(err, ErrBlocked)
}

func IsBackendError(err error) bool {
	return errors.Is(err, ErrBackendUnavailable)
}
