package domain

import (
	"context"
	"time"
)

// CounterRecord é o contador de uma tupla (identificador, regra, janela, início da janela).
// Requests só cresce dentro da janela.
type CounterRecord struct {
	Key         string
	Requests    int64
	WindowStart time.Time
	Violations  int64
}

// BlockRecord existe enquanto um identificador está sob bloqueio punitivo.
// Depois de ExpiresAt ele é logicamente ausente, independente de quando for apagado.
type BlockRecord struct {
	Identifier string
	ExpiresAt  time.Time
	Reason     string
}

// Active informa se o bloqueio ainda vale em now.
func (b *BlockRecord) Active(now time.Time) bool {
	return b != nil && b.ExpiresAt.After(now)
}

// Store é o contrato de persistência compartilhado por todos os backends.
//
// Increment precisa ser atômico: chamadas concorrentes na mesma chave observam
// uma sequência serializável de inteiros, sem atualizações perdidas.
// Com window <= 0 não há alinhamento: o contador nasce no primeiro incremento
// e só some quando o ttl (contado a partir dele) vence.
// Get e GetBlock retornam nil (sem erro) quando o registro não existe ou expirou.
//
// Erros de infraestrutura devem ser embrulhados com ErrBackendUnavailable.
type Store interface {
	Get(ctx context.Context, key string) (*CounterRecord, error)
	Set(ctx context.Context, key string, rec CounterRecord, ttl time.Duration) error
	Increment(ctx context.Context, key string, window, ttl time.Duration) (int64, error)
	Delete(ctx context.Context, key string) error
	Cleanup(ctx context.Context) error

	GetBlock(ctx context.Context, identifier string) (*BlockRecord, error)
	SetBlock(ctx context.Context, rec BlockRecord) error
	DeleteBlock(ctx context.Context, identifier string) error

	Close() error
}

// WindowCheck é o resultado de uma verificação com efeito (sliding window / token bucket).
type WindowCheck struct {
	Allowed    bool
	Remaining  int64
	RetryAfter time.Duration
}

// SlidingWindowChecker conta eventos numa janela móvel terminando em now.
// Ler, podar, contar e inserir formam uma única transação.
type SlidingWindowChecker interface {
	CheckSlidingWindow(ctx context.Context, key string, window time.Duration, limit int64) (WindowCheck, error)
}

// TokenBucket descreve um balde: Capacity tokens, RefillRate tokens a cada RefillPeriod.
type TokenBucket struct {
	Capacity     int64
	RefillRate   int64
	RefillPeriod time.Duration
}

// TokenBucketChecker consome um token de forma atômica quando disponível.
type TokenBucketChecker interface {
	CheckTokenBucket(ctx context.Context, key string, bucket TokenBucket) (WindowCheck, error)
}

// Locker é uma trava consultiva entre processos (set-if-absent com TTL,
// liberação compare-token-then-delete).
type Locker interface {
	AcquireLock(ctx context.Context, key, token string, ttl time.Duration) (bool, error)
	ReleaseLock(ctx context.Context, key, token string) (bool, error)
}

// Backend seleciona a implementação de Store em tempo de configuração.
type Backend string

const (
	BackendMemory      Backend = "memory"
	BackendDistributed Backend = "distributed"
	BackendMirrored    Backend = "mirrored"
)

func (b Backend) Valid() bool {
	switch b {
	case BackendMemory, BackendDistributed, BackendMirrored:
		return true
	}
	return false
}
