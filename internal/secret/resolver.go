// Package secret resolves credentials from the environment or from AWS
// Systems Manager Parameter Store.
package secret

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
	"github.com/aws/aws-sdk-go-v2/service/ssm/types"
)

// ErrNotFound is returned when a secret does not exist in the backend.
var ErrNotFound = errors.New("secret not found")

// SSMClient is the subset of *ssm.Client methods used by SSMResolver.
type SSMClient interface {
	GetParameter(ctx context.Context, params *ssm.GetParameterInput, optFns ...func(*ssm.Options)) (*ssm.GetParameterOutput, error)
}

// Resolver retrieves secret values by short name such as "jwt-secret-key".
type Resolver interface {
	GetSecret(ctx context.Context, name string) (string, error)
}

// SSMResolver reads SecureString parameters stored under a path prefix.
type SSMResolver struct {
	client SSMClient
	prefix string
}

// NewSSMResolver returns a resolver that reads "{prefix}{name}".
func NewSSMResolver(client SSMClient, prefix string) *SSMResolver {
	if prefix != "" && !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}
	return &SSMResolver{client: client, prefix: prefix}
}

func (r *SSMResolver) GetSecret(ctx context.Context, name string) (string, error) {
	param := r.prefix + name
	out, err := r.client.GetParameter(ctx, &ssm.GetParameterInput{
		Name:           aws.String(param),
		WithDecryption: aws.Bool(true),
	})
	if err != nil {
		var nf *types.ParameterNotFound
		if errors.As(err, &nf) {
			return "", fmt.Errorf("ssm parameter %q: %w", param, ErrNotFound)
		}
		return "", fmt.Errorf("ssm get parameter %q: %w", param, err)
	}
	if out.Parameter == nil || out.Parameter.Value == nil {
		return "", fmt.Errorf("ssm parameter %q has no value: %w", param, ErrNotFound)
	}
	return *out.Parameter.Value, nil
}

// EnvResolver reads the environment variable derived from the name:
// "jwt-secret-key" becomes JWT_SECRET_KEY.
type EnvResolver struct {
	lookup func(string) (string, bool)
}

func NewEnvResolver() *EnvResolver {
	return &EnvResolver{lookup: os.LookupEnv}
}

func (r *EnvResolver) GetSecret(_ context.Context, name string) (string, error) {
	env := EnvName(name)
	val, ok := r.lookup(env)
	if !ok || val == "" {
		return "", fmt.Errorf("environment variable %s: %w", env, ErrNotFound)
	}
	return val, nil
}

// EnvName converts a secret name or parameter path to its environment
// variable name.
func EnvName(name string) string {
	if i := strings.LastIndexByte(name, '/'); i >= 0 {
		name = name[i+1:]
	}
	return strings.ToUpper(strings.ReplaceAll(name, "-", "_"))
}

// Optional resolves name and returns "" when the secret does not exist.
// Backend failures are still errors.
func Optional(ctx context.Context, r Resolver, name string) (string, error) {
	val, err := r.GetSecret(ctx, name)
	if errors.Is(err, ErrNotFound) {
		return "", nil
	}
	return val, err
}
