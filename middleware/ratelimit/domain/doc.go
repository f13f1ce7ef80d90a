// Package domain define contratos e tipos de domínio para admissão de requisições:
// janelas e regras de rate limit, registros de contagem e bloqueio, desafios CAPTCHA
// e ameaças de segurança.
//
// Este pacote não depende de net/http nem de implementações concretas.
// A intenção é permitir testes de unidade puros e desacoplar regras de negócio
// de detalhes de infraestrutura (memória, Redis, SQL).
package domain
