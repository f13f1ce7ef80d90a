// Package application contém os casos de uso (regras de aplicação) da admissão
// de requisições: resolução de regras, motor de rate limit com bloqueio
// exponencial, gerenciador de segurança (CAPTCHA, bots, ameaças) e limite de
// concorrência.
//
// Ele depende apenas do pacote domain e não conhece net/http.
// Ex.: Service.CheckLimit(ctx, id, rule, tier) retorna um domain.Result
// (allow/deny + limit/remaining/reset + retry-after).
package application
