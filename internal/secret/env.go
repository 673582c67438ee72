package secret

import (
	"context"
	"fmt"
	"os"
)

// EnvResolver reads credential values from environment variables.
type EnvResolver struct{}

// Resolve implements Resolver.
func (EnvResolver) Resolve(_ context.Context, name string) (string, error) {
	val, ok := os.LookupEnv(name)
	if !ok {
		return "", fmt.Errorf("environment variable %q not set", name)
	}
	return val, nil
}

// Close implements Resolver.
func (EnvResolver) Close() error { return nil }
