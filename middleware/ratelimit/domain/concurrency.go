package domain

import "context"

// SlotPool representa um recurso com capacidade finita (ex: requisições em voo no gateway).
//
// A semântica é: Acquire bloqueia até conseguir uma vaga ou até o ctx encerrar.
// Ao adquirir, retorna uma função de release que deve ser chamada exatamente uma vez.
// InUse informa quantas vagas estão ocupadas agora (usado em métricas).
type SlotPool interface {
	Acquire(ctx context.Context) (release func(), ok bool)
	InUse() int
	Capacity() int
}
