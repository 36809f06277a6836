package config

import (
	"fmt"
	"io"

	"github.com/joho/godotenv"
)

// ParseEnvFile parses KEY=value pairs from r.
func ParseEnvFile(r io.Reader) (map[string]string, error) {
	values, err := godotenv.Parse(r)
	if err != nil {
		return nil, fmt.Errorf("failed to parse env file: %w", err)
	}
	return values, nil
}

// WriteEnvFile writes values to path, sorted by key.
func WriteEnvFile(path string, values map[string]string) error {
	if err := godotenv.Write(values, path); err != nil {
		return fmt.Errorf("failed to write env file: %w", err)
	}
	return nil
}
