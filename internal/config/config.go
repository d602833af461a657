package config

import (
	"encoding/base64"
	"fmt"
	"time"
)

const DefaultTypingTimeout = 3000 * time.Millisecond

type Config struct {
	DatabaseDSN    string
	ServerAddr     string
	SigningKey     []byte
	AllowedOrigins []string
	// NatsURL enables cross-instance delivery when set.
	NatsURL string
	// RedisAddr enables the shared online-user directory when set.
	RedisAddr     string
	MediaURL      string
	TypingTimeout time.Duration
}

func decodeSigningSecret(base64Secret string) ([]byte, error) {
	key, err := base64.StdEncoding.DecodeString(base64Secret)
	if err != nil {
		return nil, err
	}
	if len(key) == 0 {
		return nil, fmt.Errorf("empty signing secret")
	}
	return key, nil
}

func NewConfig(serverAddr, databaseDSN, base64Secret string, allowedOrigins []string) (*Config, error) {
	if serverAddr == "" {
		return nil, fmt.Errorf("server address cannot be empty")
	}
	if databaseDSN == "" {
		return nil, fmt.Errorf("database DSN cannot be empty")
	}
	if base64Secret == "" {
		return nil, fmt.Errorf("signing secret cannot be empty")
	}

	// Decode the base64 encoded signing secret
	signingKey, err := decodeSigningSecret(base64Secret)
	if err != nil {
		return nil, fmt.Errorf("decode signing secret: %w", err)
	}

	return &Config{
		DatabaseDSN:    databaseDSN,
		ServerAddr:     serverAddr,
		SigningKey:     signingKey,
		AllowedOrigins: allowedOrigins,
		TypingTimeout:  DefaultTypingTimeout,
	}, nil
}

// WithTypingTimeout overrides the typing quiescence window. Non-positive
// values are rejected.
func (c *Config) WithTypingTimeout(d time.Duration) error {
	if d <= 0 {
		return fmt.Errorf("typing timeout must be positive, got %s", d)
	}
	c.TypingTimeout = d
	return nil
}
