// Package ratelimit fornece o adapter HTTP (net/http) da admissão de requisições
// e o limite de concorrência.
//
// Visão geral (camadas):
//
//   - domain: contratos e tipos do domínio (sem dependência de net/http)
//   - application: casos de uso (regras, motor de rate limit, segurança, acquire/timeout) sem net/http
//   - infra: implementações concretas (memória, Redis, espelho, sinks, semáforo)
//   - config: configuração YAML (regras, tiers, limiares, backend)
//   - ratelimit (este pacote): middlewares HTTP + extração de identificador + tradução para status/headers
//
// Fluxo no gateway:
//
//  1. Extrai o identificador do cliente (X-User-ID, headers de proxy, RemoteAddr)
//  2. Whitelist libera; blacklist e user agents bloqueados respondem 403
//  3. Resolve a regra do path e chama o motor de rate limit
//  4. Se negado, responde 429 (com CAPTCHA quando o cliente acumula violações)
//  5. Se permitido, chama o próximo handler (ex: reverse proxy)
//
// Toda resposta avaliada leva X-RateLimit-Limit, X-RateLimit-Remaining e
// X-RateLimit-Reset (epoch ms); negações levam também Retry-After e X-RateLimit-Reason.
package ratelimit
