// Package secrets resolves credentials such as the Postgres DSN from the environment or
// AWS Secrets Manager.
package secrets

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
)

const (
	SchemeEnv = "env"
	SchemeAWS = "aws"
)

var (
	ErrInvalidConfig = errors.New("secrets: invalid config")
	ErrNotFound      = errors.New("secrets: not found")
)

type Provider interface {
	Get(ctx context.Context, key string) (string, error)
}

type awsClient interface {
	GetSecretValue(ctx context.Context, params *secretsmanager.GetSecretValueInput, optFns ...func(*secretsmanager.Options)) (*secretsmanager.GetSecretValueOutput, error)
}

type AWSProvider struct {
	client awsClient
}

func NewAWS(ctx context.Context) (*AWSProvider, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: load aws config: %v", ErrInvalidConfig, err)
	}
	return NewAWSWithClient(secretsmanager.NewFromConfig(cfg))
}

func NewAWSWithClient(client awsClient) (*AWSProvider, error) {
	if client == nil {
		return nil, fmt.Errorf("%w: nil secretsmanager client", ErrInvalidConfig)
	}
	return &AWSProvider{client: client}, nil
}

func (p *AWSProvider) Get(ctx context.Context, key string) (string, error) {
	if p == nil || p.client == nil {
		return "", fmt.Errorf("%w: nil aws provider", ErrInvalidConfig)
	}
	key = strings.TrimSpace(key)
	if key == "" {
		return "", fmt.Errorf("%w: empty secret id", ErrInvalidConfig)
	}
	out, err := p.client.GetSecretValue(ctx, &secretsmanager.GetSecretValueInput{SecretId: &key})
	if err != nil {
		return "", fmt.Errorf("secrets: get secret %q: %w", key, err)
	}
	if out.SecretString != nil && strings.TrimSpace(*out.SecretString) != "" {
		return strings.TrimSpace(*out.SecretString), nil
	}
	if len(out.SecretBinary) > 0 {
		return strings.TrimSpace(string(out.SecretBinary)), nil
	}
	return "", fmt.Errorf("%w: secret %q has no value", ErrNotFound, key)
}

type EnvProvider struct{}

func NewEnv() *EnvProvider {
	return &EnvProvider{}
}

func (p *EnvProvider) Get(_ context.Context, key string) (string, error) {
	if p == nil {
		return "", fmt.Errorf("%w: nil env provider", ErrInvalidConfig)
	}
	key = strings.TrimSpace(key)
	if key == "" {
		return "", fmt.Errorf("%w: empty env key", ErrInvalidConfig)
	}
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return "", fmt.Errorf("%w: env %s is empty", ErrNotFound, key)
	}
	return v, nil
}

// Resolver dispatches "scheme:key" references to providers. A reference without a known
// scheme is returned unchanged, so plain values work in local setups.
type Resolver struct {
	providers map[string]Provider
}

func NewResolver() *Resolver {
	return &Resolver{providers: map[string]Provider{SchemeEnv: NewEnv()}}
}

// Register installs p for scheme, replacing any previous provider.
func (r *Resolver) Register(scheme string, p Provider) {
	r.providers[strings.ToLower(strings.TrimSpace(scheme))] = p
}

func (r *Resolver) Resolve(ctx context.Context, ref string) (string, error) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return "", fmt.Errorf("%w: empty reference", ErrInvalidConfig)
	}
	scheme, key, ok := strings.Cut(ref, ":")
	if !ok {
		return ref, nil
	}
	scheme = strings.ToLower(scheme)
	if scheme != SchemeEnv && scheme != SchemeAWS {
		// postgres://... and similar literals.
		return ref, nil
	}
	p, ok := r.providers[scheme]
	if !ok || p == nil {
		return "", fmt.Errorf("%w: no provider for scheme %q", ErrInvalidConfig, scheme)
	}
	return p.Get(ctx, key)
}

// ResolveRef resolves ref with a fresh Resolver. The AWS provider is only built when ref
// uses the aws scheme, so env and literal references need no AWS credentials.
func ResolveRef(ctx context.Context, ref string) (string, error) {
	r := NewResolver()
	if scheme, _, ok := strings.Cut(strings.TrimSpace(ref), ":"); ok && strings.EqualFold(scheme, SchemeAWS) {
		p, err := NewAWS(ctx)
		if err != nil {
			return "", err
		}
		r.Register(SchemeAWS, p)
	}
	return r.Resolve(ctx, ref)
}
