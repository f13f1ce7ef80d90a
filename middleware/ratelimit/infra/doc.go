// Package infra contém implementações concretas (infraestrutura) para os contratos
// definidos no pacote domain.
//
// Exemplos:
//   - MemoryStore: contadores em processo com expiração por min-heap (um único processo)
//   - RedisStore: contadores, sliding window, token bucket e travas atômicos via scripts
//   - MirroringStore: MemoryStore + cópia assíncrona das escritas para um EventSink
//   - MemoryEventSink / RedisEventSink / SQLEventSink: destinos de eventos para analytics
//   - KeyedLimiter: token bucket por chave usando golang.org/x/time/rate
//   - WebhookAlerter: alertas de ameaça estrangulados por identificador
//   - ChanPool: semáforo simples para limite de requisições em voo
package infra
