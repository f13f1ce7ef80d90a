package application

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"admission-gateway/middleware/ratelimit/domain"

	"github.com/google/uuid"
)

var challengeWords = []string{
	"apple", "river", "shield", "garden", "planet",
	"silver", "window", "orange", "castle", "forest",
}

// GenerateChallenge emite um desafio para o identificador.
// Tipos desconhecidos viram desafio aritmético.
//
// Cada identificador tem no máximo um desafio vivo: enquanto ele não expira
// nem termina, é o mesmo desafio que volta.
func (m *SecurityManager) GenerateChallenge(identifier string, typ domain.ChallengeType) domain.Challenge {
	m.mu.Lock()
	defer m.mu.Unlock()

	if ch, ok := m.pendingLocked(identifier); ok {
		return *ch
	}

	ch := &domain.Challenge{
		ID:         uuid.NewString(),
		Identifier: identifier,
		Type:       typ,
		ExpiresAt:  m.now().Add(m.challengeTTL),
	}

	switch typ {
	case domain.ChallengeText:
		word := challengeWords[m.rng.IntN(len(challengeWords))]
		ch.Question = "Type the word: " + word
		ch.Solution = word
	default:
		ch.Type = domain.ChallengeMath
		ch.Question, ch.Solution = m.arithmetic()
	}

	m.challenges[ch.ID] = ch
	m.pending[identifier] = ch.ID
	m.logger.Info("captcha challenge issued", "identifier", identifier, "challenge_id", ch.ID, "type", ch.Type)
	return *ch
}

// PendingChallenge retorna o desafio vivo do identificador, se houver.
func (m *SecurityManager) PendingChallenge(identifier string) (domain.Challenge, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ch, ok := m.pendingLocked(identifier)
	if !ok {
		return domain.Challenge{}, false
	}
	return *ch, true
}

// pendingLocked precisa de m.mu travado; apaga o índice de desafio vencido.
func (m *SecurityManager) pendingLocked(identifier string) (*domain.Challenge, bool) {
	id, ok := m.pending[identifier]
	if !ok {
		return nil, false
	}
	ch, ok := m.challenges[id]
	if !ok {
		delete(m.pending, identifier)
		return nil, false
	}
	if m.now().After(ch.ExpiresAt) {
		m.dropChallenge(ch)
		return nil, false
	}
	return ch, true
}

// dropChallenge remove o desafio e o índice por identificador. Chamar com m.mu.
func (m *SecurityManager) dropChallenge(ch *domain.Challenge) {
	delete(m.challenges, ch.ID)
	if m.pending[ch.Identifier] == ch.ID {
		delete(m.pending, ch.Identifier)
	}
}

// arithmetic gera "What is A op B?" com operandos 1..20; subtração nunca negativa.
// Precisa ser chamado com m.mu travado.
func (m *SecurityManager) arithmetic() (question, solution string) {
	a := m.rng.IntN(20) + 1
	b := m.rng.IntN(20) + 1

	var op string
	var r int
	switch m.rng.IntN(3) {
	case 0:
		op, r = "+", a+b
	case 1:
		if a < b {
			a, b = b, a
		}
		op, r = "-", a-b
	default:
		op, r = "×", a*b
	}
	return fmt.Sprintf("What is %d %s %d?", a, op, b), strconv.Itoa(r)
}

// VerifySolution consome uma tentativa do desafio.
//
// Estados terminais: resolvido, expirado ou tentativas excedidas (o desafio
// é apagado em todos). Resolver limpa as violações do identificador.
func (m *SecurityManager) VerifySolution(ctx context.Context, challengeID, answer string) domain.VerifyResult {
	m.mu.Lock()
	ch, ok := m.challenges[challengeID]
	if !ok {
		m.mu.Unlock()
		return domain.VerifyResult{Err: domain.ErrChallengeNotFound}
	}

	if m.now().After(ch.ExpiresAt) {
		m.dropChallenge(ch)
		m.mu.Unlock()
		return domain.VerifyResult{Err: domain.ErrChallengeExpired}
	}

	ch.Attempts++
	if ch.Attempts > m.maxAttempts {
		m.dropChallenge(ch)
		identifier, attempts := ch.Identifier, ch.Attempts
		m.mu.Unlock()

		m.ReportThreat(ctx, domain.Threat{
			Type:       domain.ThreatSuspiciousPattern,
			Severity:   domain.SeverityMedium,
			Identifier: identifier,
			Details: map[string]any{
				"reason":      "CAPTCHA attempts exceeded",
				"challengeId": challengeID,
				"attempts":    attempts,
			},
		})
		return domain.VerifyResult{Err: domain.ErrTooManyAttempts}
	}

	if normalizeAnswer(answer) != normalizeAnswer(ch.Solution) {
		m.mu.Unlock()
		return domain.VerifyResult{Err: domain.ErrIncorrectSolution}
	}

	ch.Solved = true
	m.dropChallenge(ch)
	identifier := ch.Identifier
	m.mu.Unlock()

	m.logger.Info("captcha challenge solved", "identifier", identifier, "challenge_id", challengeID)
	if m.limiter != nil {
		if err := m.limiter.ClearViolations(ctx, identifier); err != nil {
			m.logger.Warn("violations not cleared after captcha", "identifier", identifier, "err", err)
		}
	}
	return domain.VerifyResult{Valid: true}
}

// Challenge retorna uma cópia do desafio pendente.
func (m *SecurityManager) Challenge(challengeID string) (domain.Challenge, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ch, ok := m.challenges[challengeID]
	if !ok {
		return domain.Challenge{}, false
	}
	return *ch, true
}

// ShouldChallenge informa se o identificador acumulou violações suficientes para CAPTCHA.
func (m *SecurityManager) ShouldChallenge(ctx context.Context, identifier string) bool {
	if m.limiter == nil {
		return false
	}
	st, err := m.limiter.Stats(ctx, identifier)
	if err != nil {
		m.logger.Warn("captcha check skipped", "identifier", identifier, "err", err)
		return false
	}
	return st.Violations >= m.captchaThreshold
}

func normalizeAnswer(s string) string {
	return strings.ToLower(strings.Join(strings.Fields(s), ""))
}
