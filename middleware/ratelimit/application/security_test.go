package application

import (
	"context"
	"fmt"
	"math/rand/v2"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"testing"
	"time"

	"admission-gateway/middleware/ratelimit/domain"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestSecurity(t *testing.T, opts ...SecurityOption) (*SecurityManager, *Service, *fakeClock) {
	t.Helper()
	svc, _, clock := newTestService(t)
	opts = append([]SecurityOption{
		WithSecurityClock(clock.Now),
		WithRandSource(rand.NewPCG(1, 2)),
	}, opts...)
	return NewSecurityManager(svc, opts...), svc, clock
}

func solution(t *testing.T, m *SecurityManager, id string) string {
	t.Helper()
	ch, ok := m.Challenge(id)
	require.True(t, ok, "challenge %s should exist", id)
	return ch.Solution
}

var mathQuestion = regexp.MustCompile(`^What is (\d+) ([+\-×]) (\d+)\?$`)

func TestSecurity_GenerateChallenge_Math(t *testing.T) {
	m, _, clock := newTestSecurity(t)

	for i := 0; i < 50; i++ {
		ch := m.GenerateChallenge(fmt.Sprintf("client-%d", i), domain.ChallengeMath)
		assert.Equal(t, domain.ChallengeMath, ch.Type)
		assert.Zero(t, ch.Attempts)
		assert.False(t, ch.Solved)
		assert.Equal(t, clock.Now().Add(DefaultChallengeTTL), ch.ExpiresAt)

		parts := mathQuestion.FindStringSubmatch(ch.Question)
		require.NotNil(t, parts, "unexpected question %q", ch.Question)
		a, _ := strconv.Atoi(parts[1])
		b, _ := strconv.Atoi(parts[3])
		assert.True(t, a >= 1 && a <= 20 && b >= 1 && b <= 20)

		var want int
		switch parts[2] {
		case "+":
			want = a + b
		case "-":
			want = a - b
			assert.GreaterOrEqual(t, want, 0)
		case "×":
			want = a * b
		}
		assert.Equal(t, strconv.Itoa(want), ch.Solution)
	}
}

func TestSecurity_GenerateChallenge_Text(t *testing.T) {
	m, _, _ := newTestSecurity(t)

	ch := m.GenerateChallenge("client-a", domain.ChallengeText)
	word, ok := strings.CutPrefix(ch.Question, "Type the word: ")
	require.True(t, ok)
	assert.Contains(t, challengeWords, word)
	assert.Equal(t, word, ch.Solution)
}

func TestSecurity_GenerateChallenge_OneLiveChallengePerIdentifier(t *testing.T) {
	m, _, clock := newTestSecurity(t)
	ctx := context.Background()

	first := m.GenerateChallenge("client-a", domain.ChallengeMath)
	for i := 0; i < 100; i++ {
		again := m.GenerateChallenge("client-a", domain.ChallengeMath)
		require.Equal(t, first.ID, again.ID)
	}
	other := m.GenerateChallenge("client-b", domain.ChallengeMath)
	assert.NotEqual(t, first.ID, other.ID)

	pending, ok := m.PendingChallenge("client-a")
	require.True(t, ok)
	assert.Equal(t, first.ID, pending.ID)

	m.mu.Lock()
	live := len(m.challenges)
	m.mu.Unlock()
	assert.Equal(t, 2, live)

	// resolvido, o próximo é novo
	require.True(t, m.VerifySolution(ctx, first.ID, solution(t, m, first.ID)).Valid)
	_, ok = m.PendingChallenge("client-a")
	assert.False(t, ok)
	second := m.GenerateChallenge("client-a", domain.ChallengeMath)
	assert.NotEqual(t, first.ID, second.ID)

	// expirado também
	clock.Advance(DefaultChallengeTTL + time.Second)
	_, ok = m.PendingChallenge("client-a")
	assert.False(t, ok)
	third := m.GenerateChallenge("client-a", domain.ChallengeMath)
	assert.NotEqual(t, second.ID, third.ID)
	_, ok = m.Challenge(second.ID)
	assert.False(t, ok)
}

func TestSecurity_VerifySolution_IgnoresCaseAndWhitespace(t *testing.T) {
	m, _, _ := newTestSecurity(t)
	ch := m.GenerateChallenge("client-a", domain.ChallengeText)

	res := m.VerifySolution(context.Background(), ch.ID, "  "+strings.ToUpper(ch.Solution)+" ")
	assert.True(t, res.Valid)
	assert.NoError(t, res.Err)

	_, ok := m.Challenge(ch.ID)
	assert.False(t, ok, "solved challenge must be deleted")
}

func TestSecurity_VerifySolution_AttemptCap(t *testing.T) {
	m, _, _ := newTestSecurity(t)
	ctx := context.Background()
	ch := m.GenerateChallenge("client-a", domain.ChallengeMath)
	answer := solution(t, m, ch.ID)

	for i := 1; i <= 3; i++ {
		res := m.VerifySolution(ctx, ch.ID, "wrong")
		assert.False(t, res.Valid)
		assert.ErrorIs(t, res.Err, domain.ErrIncorrectSolution)

		pending, ok := m.Challenge(ch.ID)
		require.True(t, ok, "challenge must survive attempt %d", i)
		assert.Equal(t, i, pending.Attempts)
	}

	// a 4a tentativa falha mesmo correta
	res := m.VerifySolution(ctx, ch.ID, answer)
	assert.False(t, res.Valid)
	assert.ErrorIs(t, res.Err, domain.ErrTooManyAttempts)
	assert.Equal(t, "Too many attempts", res.Err.Error())

	res = m.VerifySolution(ctx, ch.ID, answer)
	assert.ErrorIs(t, res.Err, domain.ErrChallengeNotFound)

	threats := m.Threats("client-a")
	require.Len(t, threats, 1)
	assert.Equal(t, domain.ThreatSuspiciousPattern, threats[0].Type)
}

func TestSecurity_VerifySolution_Expired(t *testing.T) {
	m, _, clock := newTestSecurity(t)
	ctx := context.Background()
	ch := m.GenerateChallenge("client-a", domain.ChallengeMath)

	clock.Advance(DefaultChallengeTTL + time.Second)

	res := m.VerifySolution(ctx, ch.ID, solution(t, m, ch.ID))
	assert.ErrorIs(t, res.Err, domain.ErrChallengeExpired)

	res = m.VerifySolution(ctx, ch.ID, "1")
	assert.ErrorIs(t, res.Err, domain.ErrChallengeNotFound)
}

func TestSecurity_VerifySolution_ClearsViolations(t *testing.T) {
	m, svc, _ := newTestSecurity(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		svc.CheckLimit(ctx, "client-a", minuteRule(1), "")
	}
	st, err := svc.Stats(ctx, "client-a")
	require.NoError(t, err)
	require.Equal(t, int64(2), st.Violations)

	ch := m.GenerateChallenge("client-a", domain.ChallengeMath)
	res := m.VerifySolution(ctx, ch.ID, solution(t, m, ch.ID))
	require.True(t, res.Valid)

	st, err = svc.Stats(ctx, "client-a")
	require.NoError(t, err)
	assert.Zero(t, st.Violations)
	assert.False(t, st.Blocked)
}

func TestSecurity_ShouldChallenge(t *testing.T) {
	m, svc, _ := newTestSecurity(t, WithCaptchaThreshold(2))
	ctx := context.Background()

	svc.CheckLimit(ctx, "client-a", minuteRule(1), "")
	svc.CheckLimit(ctx, "client-a", minuteRule(1), "")
	assert.False(t, m.ShouldChallenge(ctx, "client-a"))

	svc.CheckLimit(ctx, "client-a", minuteRule(1), "")
	assert.True(t, m.ShouldChallenge(ctx, "client-a"))
	assert.False(t, m.ShouldChallenge(ctx, "client-b"))
}

func TestSecurity_ShouldChallenge_FalseOnBackendError(t *testing.T) {
	m := NewSecurityManager(NewService(failingStore{}), WithCaptchaThreshold(1))
	assert.False(t, m.ShouldChallenge(context.Background(), "client-a"))
}

func TestSecurity_Sweep_RemovesExpiredChallenges(t *testing.T) {
	m, _, clock := newTestSecurity(t)
	old := m.GenerateChallenge("client-a", domain.ChallengeMath)
	clock.Advance(DefaultChallengeTTL + time.Second)
	fresh := m.GenerateChallenge("client-a", domain.ChallengeMath)

	m.Sweep()

	_, ok := m.Challenge(old.ID)
	assert.False(t, ok)
	_, ok = m.Challenge(fresh.ID)
	assert.True(t, ok)
}

func TestSecurity_Run_StopsOnCancel(t *testing.T) {
	m, _, _ := newTestSecurity(t, WithSweepEvery(time.Millisecond))
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- m.Run(ctx) }()

	time.Sleep(5 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatalf("Run did not stop after cancel")
	}
}

func TestDetectBotPatterns_Curl(t *testing.T) {
	v := DetectBotPatterns("curl/8.4.0", http.Header{})

	// curl +30, sem mozilla/webkit +15, três headers ausentes +30
	assert.True(t, v.IsBot)
	assert.InDelta(t, 0.75, v.Confidence, 1e-9)
	assert.Len(t, v.Reasons, 5)
}

func TestDetectBotPatterns_Browser(t *testing.T) {
	h := http.Header{}
	h.Set("Accept", "text/html")
	h.Set("Accept-Language", "pt-BR")
	h.Set("Accept-Encoding", "gzip")

	v := DetectBotPatterns("Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36", h)
	assert.False(t, v.IsBot)
	assert.Zero(t, v.Confidence)
	assert.Empty(t, v.Reasons)
}

func TestDetectBotPatterns_ConfidenceCapped(t *testing.T) {
	h := http.Header{}
	h.Set("Via", "1.1 proxy")
	h.Set("X-Forwarded-For", "1.2.3.4")

	v := DetectBotPatterns("python-requests bot crawler spider", h)
	assert.True(t, v.IsBot)
	assert.Equal(t, 1.0, v.Confidence)
}

func TestDetectBotPatterns_ShortAgentWithoutHeaders(t *testing.T) {
	// curto +20, sem tokens de browser +15, sem headers informados
	v := DetectBotPatterns("x", nil)
	assert.False(t, v.IsBot)
	assert.InDelta(t, 0.35, v.Confidence, 1e-9)
}

func records(now time.Time, n int, fn func(i int, r *domain.RequestRecord)) []domain.RequestRecord {
	out := make([]domain.RequestRecord, n)
	for i := range out {
		out[i] = domain.RequestRecord{Timestamp: now, Path: "/api/products", Method: http.MethodGet, Status: 200}
		if fn != nil {
			fn(i, &out[i])
		}
	}
	return out
}

func TestSecurity_AnalyzeRequestPattern(t *testing.T) {
	m, _, clock := newTestSecurity(t)
	now := clock.Now()

	t.Run("burst", func(t *testing.T) {
		threats := m.AnalyzeRequestPattern("client-a", records(now, 51, nil))
		require.Len(t, threats, 1)
		assert.Equal(t, domain.ThreatRateLimitViolation, threats[0].Type)
		assert.Equal(t, domain.SeverityHigh, threats[0].Severity)
	})

	t.Run("at threshold", func(t *testing.T) {
		assert.Empty(t, m.AnalyzeRequestPattern("client-a", records(now, 50, nil)))
	})

	t.Run("failures", func(t *testing.T) {
		threats := m.AnalyzeRequestPattern("client-a", records(now, 11, func(_ int, r *domain.RequestRecord) {
			r.Status = 401
		}))
		require.Len(t, threats, 1)
		assert.Equal(t, domain.ThreatSuspiciousPattern, threats[0].Type)
		assert.Equal(t, domain.SeverityMedium, threats[0].Severity)
		assert.Equal(t, "High failure rate", threats[0].Details["reason"])
	})

	t.Run("scanning", func(t *testing.T) {
		threats := m.AnalyzeRequestPattern("client-a", records(now, 21, func(i int, r *domain.RequestRecord) {
			r.Path = fmt.Sprintf("/admin/%d", i)
		}))
		require.Len(t, threats, 1)
		assert.Equal(t, domain.SeverityHigh, threats[0].Severity)
		assert.Equal(t, "Endpoint scanning detected", threats[0].Details["reason"])
	})

	t.Run("old records ignored", func(t *testing.T) {
		old := records(now.Add(-2*time.Minute), 100, nil)
		assert.Empty(t, m.AnalyzeRequestPattern("client-a", old))
	})
}

func TestSecurity_ObserveRequest_ReportsOncePerWindow(t *testing.T) {
	m, _, clock := newTestSecurity(t)
	ctx := context.Background()

	var reported int
	for i := 0; i < 60; i++ {
		reported += len(m.ObserveRequest(ctx, "client-a", domain.RequestRecord{
			Timestamp: clock.Now(),
			Path:      "/api/products",
			Method:    http.MethodGet,
			Status:    200,
		}))
	}

	assert.Equal(t, 1, reported)
	threats := m.Threats("client-a")
	require.Len(t, threats, 1)
	assert.Equal(t, domain.ThreatRateLimitViolation, threats[0].Type)
}

func TestSecurity_ReportThreat_RingBufferKeepsLatest100(t *testing.T) {
	m, _, _ := newTestSecurity(t)
	ctx := context.Background()

	for i := 0; i < 150; i++ {
		m.ReportThreat(ctx, domain.Threat{
			Type:       domain.ThreatSuspiciousPattern,
			Severity:   domain.SeverityLow,
			Identifier: "client-a",
			Details:    map[string]any{"n": i},
		})
	}

	threats := m.Threats("client-a")
	require.Len(t, threats, 100)
	assert.Equal(t, 50, threats[0].Details["n"])
	assert.Equal(t, 149, threats[99].Details["n"])
}

func TestSecurity_ReportThreat_AlertsOnHighAndCritical(t *testing.T) {
	alerter := newRecordingAlerter()
	m, _, _ := newTestSecurity(t, WithAlerter(alerter))
	ctx := context.Background()

	m.ReportThreat(ctx, domain.Threat{Type: domain.ThreatBotDetection, Severity: domain.SeverityMedium, Identifier: "client-a"})
	m.ReportThreat(ctx, domain.Threat{Type: domain.ThreatBotDetection, Severity: domain.SeverityHigh, Identifier: "client-b"})

	select {
	case got := <-alerter.ch:
		assert.Equal(t, "client-b", got.Identifier)
	case <-time.After(time.Second):
		t.Fatalf("expected an alert for the high severity threat")
	}

	select {
	case got := <-alerter.ch:
		t.Fatalf("unexpected alert for %s", got.Identifier)
	case <-time.After(20 * time.Millisecond):
	}
}

func TestSecurity_ReportThreat_CriticalAutoBlocks(t *testing.T) {
	var hooked []domain.Threat
	m, svc, clock := newTestSecurity(t, WithThreatHook(func(th domain.Threat) { hooked = append(hooked, th) }))
	ctx := context.Background()

	m.ReportThreat(ctx, domain.Threat{
		Type:       domain.ThreatDistributedAttack,
		Severity:   domain.SeverityCritical,
		Identifier: "client-a",
	})

	st, err := svc.Stats(ctx, "client-a")
	require.NoError(t, err)
	assert.True(t, st.Blocked)
	assert.Equal(t, clock.Now().Add(24*time.Hour), st.BlockExpiry)
	require.Len(t, hooked, 1)
	assert.Equal(t, clock.Now(), hooked[0].Timestamp)

	res := svc.CheckLimit(ctx, "client-a", minuteRule(10), "")
	assert.True(t, res.Blocked)
}

func TestSecurity_GenerateSecurityReport(t *testing.T) {
	m, _, clock := newTestSecurity(t)
	ctx := context.Background()

	empty := m.GenerateSecurityReport("client-a")
	assert.Zero(t, empty.TotalThreats)
	assert.Zero(t, empty.RiskScore)
	assert.Empty(t, empty.Recommendations)

	m.ReportThreat(ctx, domain.Threat{Type: domain.ThreatRateLimitViolation, Severity: domain.SeverityLow, Identifier: "client-a"})
	m.ReportThreat(ctx, domain.Threat{Type: domain.ThreatBotDetection, Severity: domain.SeverityHigh, Identifier: "client-a"})
	m.ReportThreat(ctx, domain.Threat{Type: domain.ThreatBotDetection, Severity: domain.SeverityMedium, Identifier: "client-b"})

	rep := m.GenerateSecurityReport("client-a")
	assert.Equal(t, 2, rep.TotalThreats)
	// (1 + 7) / 2 * 10
	assert.Equal(t, 40, rep.RiskScore)
	assert.Equal(t, 1, rep.ThreatsByType[domain.ThreatRateLimitViolation])
	assert.Equal(t, 1, rep.ThreatsBySeverity[domain.SeverityHigh])
	assert.Contains(t, rep.Recommendations, "Enable CAPTCHA for repeat offenders")
	assert.Contains(t, rep.Recommendations, "Strengthen bot detection")

	all := m.GenerateSecurityReport("")
	assert.Equal(t, 3, all.TotalThreats)
	assert.Equal(t, 2, all.ThreatsByType[domain.ThreatBotDetection])

	clock.Advance(2 * time.Hour)
	assert.Zero(t, m.GenerateSecurityReport("client-a").TotalThreats)
}

func TestSecurity_RiskScoreBounds(t *testing.T) {
	severities := []domain.Severity{
		domain.SeverityLow, domain.SeverityMedium, domain.SeverityHigh, domain.SeverityCritical,
	}

	for i, sev := range severities {
		for n := 1; n <= 5; n++ {
			m, _, _ := newTestSecurity(t)
			id := fmt.Sprintf("client-%d-%d", i, n)
			for k := 0; k < n; k++ {
				m.ReportThreat(context.Background(), domain.Threat{
					Type:       domain.ThreatSuspiciousPattern,
					Severity:   severities[(i+k)%len(severities)],
					Identifier: id,
				})
			}
			rep := m.GenerateSecurityReport(id)
			assert.Greater(t, rep.RiskScore, 0, "severity %s n=%d", sev, n)
			assert.LessOrEqual(t, rep.RiskScore, 100, "severity %s n=%d", sev, n)
		}
	}
}
