package domain

import (
	"context"
	"time"
)

type EventKind string

const (
	// Eventos de storage espelhados pelo MirroringStore.
	EventSet       EventKind = "set"
	EventIncrement EventKind = "increment"
	EventDelete    EventKind = "delete"
	EventBlock     EventKind = "block"
	EventUnblock   EventKind = "unblock"

	EventSlidingWindow EventKind = "sliding_window"
	EventTokenBucket   EventKind = "token_bucket"
	EventLock          EventKind = "lock"
	EventUnlock        EventKind = "unlock"

	// Decisão do adapter HTTP.
	EventDecision EventKind = "decision"
)

// Event é um registro append-only para análise offline.
//
// Ele é propositalmente "agnóstico de HTTP": Method/Path são strings genéricas
// e podem ser usadas para web, gRPC, etc.
//
// Observação: cuidado com cardinalidade (ex.: salvar Key/Path sem controle pode
// explodir o número de séries/chaves em uma base como Redis/Prometheus).
type Event struct {
	Kind       EventKind
	Key        string
	Identifier string
	Value      int64
	Allowed    bool
	Reason     string

	Method string
	Path   string

	At time.Time
}

// EventSink é a estratégia de persistência durável dos eventos.
//
// Implementações podem armazenar em Redis, SQL, memória, etc.
// Quem chama deve tratar erro como best-effort (não derrubar request).
type EventSink interface {
	Record(ctx context.Context, ev Event) error
}
