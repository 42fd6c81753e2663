// Package secret resolves the lock API's secrets from SSM Parameter Store in
// production or from environment variables in development.
package secret

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
)

// DevJWTSecret signs session tokens when DEV_MODE has no JWT secret configured.
const DevJWTSecret = "default-dev-secret"

// SSMClient is the subset of *ssm.Client methods used by SSMResolver.
type SSMClient interface {
	GetParameter(ctx context.Context, params *ssm.GetParameterInput, optFns ...func(*ssm.Options)) (*ssm.GetParameterOutput, error)
}

// Resolver retrieves secret values by name.
type Resolver interface {
	GetSecret(ctx context.Context, name string) (string, error)
}

// Secrets are the values the lock API needs at startup.
type Secrets struct {
	// JWT verifies the CMS session tokens that identify editors.
	JWT string
	// OriginVerify is the header value CloudFront adds to every request.
	// Empty in development, where the check is skipped.
	OriginVerify string
}

// Load resolves the JWT and origin-verify secrets. In development a missing
// JWT secret falls back to DevJWTSecret and the origin secret is not read.
func Load(ctx context.Context, r Resolver, jwtParam, originParam string, devMode bool) (Secrets, error) {
	var s Secrets
	var err error

	s.JWT, err = r.GetSecret(ctx, jwtParam)
	if err != nil {
		if !devMode {
			return Secrets{}, fmt.Errorf("resolve JWT secret: %w", err)
		}
		s.JWT = DevJWTSecret
	}
	if devMode {
		return s, nil
	}

	s.OriginVerify, err = r.GetSecret(ctx, originParam)
	if err != nil {
		return Secrets{}, fmt.Errorf("resolve origin-verify secret: %w", err)
	}
	return s, nil
}

// SSMResolver fetches secrets from AWS Systems Manager Parameter Store.
type SSMResolver struct {
	client SSMClient
}

// NewSSMResolver returns a Resolver backed by SSM Parameter Store.
func NewSSMResolver(client SSMClient) Resolver {
	return &SSMResolver{client: client}
}

// GetSecret retrieves a SecureString parameter from SSM with decryption.
func (r *SSMResolver) GetSecret(ctx context.Context, name string) (string, error) {
	out, err := r.client.GetParameter(ctx, &ssm.GetParameterInput{
		Name:           aws.String(name),
		WithDecryption: aws.Bool(true),
	})
	if err != nil {
		return "", fmt.Errorf("ssm get parameter %q: %w", name, err)
	}
	if out.Parameter == nil || aws.ToString(out.Parameter.Value) == "" {
		return "", fmt.Errorf("ssm parameter %q has no value", name)
	}
	return *out.Parameter.Value, nil
}

// EnvResolver reads secrets from environment variables named after the last
// segment of the parameter path: "/postlock/jwt-secret" is JWT_SECRET.
type EnvResolver struct{}

// NewEnvResolver returns a Resolver that reads from environment variables.
func NewEnvResolver() Resolver {
	return &EnvResolver{}
}

func (r *EnvResolver) GetSecret(_ context.Context, name string) (string, error) {
	envName := paramNameToEnvVar(name)
	val := os.Getenv(envName)
	if val == "" {
		return "", fmt.Errorf("environment variable %q (from param %q) is not set", envName, name)
	}
	return val, nil
}

func paramNameToEnvVar(name string) string {
	last := name[strings.LastIndex(name, "/")+1:]
	return strings.ToUpper(strings.ReplaceAll(last, "-", "_"))
}
