// Package config carrega a configuração do gateway de admissão (YAML):
// tabela de regras por padrão de path, regra default, tiers, bloqueio
// exponencial, limiares de segurança, backend de storage e listas.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"admission-gateway/middleware/ratelimit/domain"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Backend domain.Backend `yaml:"backend"`
	Redis   RedisConfig    `yaml:"redis"`

	DefaultRule domain.Rule                `yaml:"default_rule"`
	Rules       []RuleConfig               `yaml:"rules"`
	Tiers       map[string][]domain.Window `yaml:"tiers"`
	Backoff     domain.Backoff             `yaml:"backoff"`

	Security SecurityConfig `yaml:"security"`

	Whitelist         []string `yaml:"whitelist"`
	Blacklist         []string `yaml:"blacklist"`
	BlockedUserAgents []string `yaml:"blocked_user_agents"`
}

// RuleConfig é uma regra associada a um padrão de path ("/api/auth/*").
type RuleConfig struct {
	Pattern     string `yaml:"pattern"`
	domain.Rule `yaml:",inline"`
}

type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	Prefix   string `yaml:"prefix"`
}

type SecurityConfig struct {
	CaptchaThreshold int64                `yaml:"captcha_threshold"`
	ChallengeType    domain.ChallengeType `yaml:"challenge_type"`
	ChallengeTTL     time.Duration        `yaml:"challenge_ttl"`
	MaxAttempts      int                  `yaml:"max_attempts"`
	SweepEvery       time.Duration        `yaml:"sweep_every"`
	BotDetection     bool                 `yaml:"bot_detection"`
	PatternAnalysis  bool                 `yaml:"pattern_analysis"`
}

// ValidationError aponta o campo inválido.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("config: %s: %s", e.Field, e.Message)
}

// Load lê o arquivo YAML sobre os valores de Default e valida o resultado.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	return Parse(data)
}

// Parse decodifica YAML sobre Default. Chaves ausentes mantêm o default;
// listas presentes substituem as do default e tiers são mesclados.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// SetDefaults preenche campos zerados depois do decode.
func (c *Config) SetDefaults() {
	if c.Backend == "" {
		c.Backend = domain.BackendMemory
	}
	if c.DefaultRule.Name == "" {
		c.DefaultRule.Name = "default"
	}
	for i := range c.Rules {
		if c.Rules[i].Name == "" {
			c.Rules[i].Name = c.Rules[i].Pattern
		}
	}
	if c.Security.ChallengeType == "" {
		c.Security.ChallengeType = domain.ChallengeMath
	}
	if c.Redis.Prefix == "" {
		c.Redis.Prefix = "admission"
	}
}

func (c *Config) Validate() error {
	if !c.Backend.Valid() {
		return &ValidationError{Field: "backend", Message: fmt.Sprintf("unknown backend %q, must be memory, distributed or mirrored", c.Backend)}
	}
	if c.Backend == domain.BackendDistributed && c.Redis.Addr == "" {
		return &ValidationError{Field: "redis.addr", Message: "required for the distributed backend"}
	}

	if err := validateRule("default_rule", c.DefaultRule); err != nil {
		return err
	}
	for i, r := range c.Rules {
		field := fmt.Sprintf("rules[%d]", i)
		if err := validatePattern(field+".pattern", r.Pattern); err != nil {
			return err
		}
		if err := validateRule(field, r.Rule); err != nil {
			return err
		}
	}
	for name, ws := range c.Tiers {
		field := "tiers." + name
		if len(ws) == 0 {
			return &ValidationError{Field: field, Message: "at least one window is required"}
		}
		for i, w := range ws {
			if err := validateWindow(fmt.Sprintf("%s[%d]", field, i), w); err != nil {
				return err
			}
		}
	}

	if c.Backoff.Enabled {
		if c.Backoff.Threshold < 1 {
			return &ValidationError{Field: "backoff.threshold", Message: "must be at least 1"}
		}
		if c.Backoff.BaseDelay <= 0 {
			return &ValidationError{Field: "backoff.base_delay", Message: "must be positive"}
		}
		if c.Backoff.Multiplier < 1 {
			return &ValidationError{Field: "backoff.multiplier", Message: "must be at least 1"}
		}
		if c.Backoff.MaxDelay < c.Backoff.BaseDelay {
			return &ValidationError{Field: "backoff.max_delay", Message: "must not be lower than base_delay"}
		}
	}

	switch c.Security.ChallengeType {
	case domain.ChallengeMath, domain.ChallengeText:
	default:
		return &ValidationError{Field: "security.challenge_type", Message: fmt.Sprintf("unknown challenge type %q", c.Security.ChallengeType)}
	}
	if c.Security.CaptchaThreshold < 0 {
		return &ValidationError{Field: "security.captcha_threshold", Message: "must not be negative"}
	}
	return nil
}

func validateRule(field string, r domain.Rule) error {
	if len(r.Windows) == 0 {
		return &ValidationError{Field: field + ".windows", Message: "at least one window is required"}
	}
	for i, w := range r.Windows {
		if err := validateWindow(fmt.Sprintf("%s.windows[%d]", field, i), w); err != nil {
			return err
		}
	}
	switch r.Algorithm {
	case "", domain.AlgorithmFixed, domain.AlgorithmSliding, domain.AlgorithmTokenBucket:
	default:
		return &ValidationError{Field: field + ".algorithm", Message: fmt.Sprintf("unknown algorithm %q", r.Algorithm)}
	}
	return nil
}

func validateWindow(field string, w domain.Window) error {
	if w.Interval <= 0 {
		return &ValidationError{Field: field + ".interval", Message: "must be positive"}
	}
	if w.Limit <= 0 {
		return &ValidationError{Field: field + ".limit", Message: "must be positive"}
	}
	return nil
}

func validatePattern(field, p string) error {
	if p == "" {
		return &ValidationError{Field: field, Message: "must not be empty"}
	}
	n := strings.Count(p, "*")
	if n > 1 || (n == 1 && !strings.HasSuffix(p, "*")) {
		return &ValidationError{Field: field, Message: "only a single trailing '*' is supported"}
	}
	return nil
}

// IsValidationError informa se err (ou algo que ele embrulha) é um ValidationError.
func IsValidationError(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}
