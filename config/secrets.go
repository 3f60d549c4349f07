package config

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
)

// SecretRef prefixes config values that must be looked up in a SecretStore, e.g.
// "secret://prod/impactkit-db#password".
const SecretRef = "secret://"

// ErrSecretNotFound is returned when a store has no value for a key.
var ErrSecretNotFound = errors.New("secret not found")

// SecretStore looks up secret values by key.
type SecretStore interface {
	Get(ctx context.Context, key string) (string, error)
	GetWithDefault(ctx context.Context, key, def string) string
}

// EnvironmentSecretStore reads secrets from environment variables.
type EnvironmentSecretStore struct{}

func NewEnvironmentSecretStore() *EnvironmentSecretStore { return &EnvironmentSecretStore{} }

func (EnvironmentSecretStore) Get(_ context.Context, key string) (string, error) {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return "", fmt.Errorf("%w: %s", ErrSecretNotFound, key)
	}
	return v, nil
}

func (s EnvironmentSecretStore) GetWithDefault(ctx context.Context, key, def string) string {
	if v, err := s.Get(ctx, key); err == nil {
		return v
	}
	return def
}

// SecretsManagerAPI is the part of the AWS client the store uses.
type SecretsManagerAPI interface {
	GetSecretValue(ctx context.Context, in *secretsmanager.GetSecretValueInput, opts ...func(*secretsmanager.Options)) (*secretsmanager.GetSecretValueOutput, error)
}

// AWSSecretStore reads secrets from AWS Secrets Manager. A key of the form
// "id#field" selects one field of a JSON secret. Secret strings are cached for the
// life of the store.
type AWSSecretStore struct {
	client SecretsManagerAPI
	mu     sync.Mutex
	cache  map[string]string
}

// NewAWSSecretStore builds a store from the default AWS credential chain.
func NewAWSSecretStore(ctx context.Context, region string) (*AWSSecretStore, error) {
	var opts []func(*awsconfig.LoadOptions) error
	if region != "" {
		opts = append(opts, awsconfig.WithRegion(region))
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return NewAWSSecretStoreWithClient(secretsmanager.NewFromConfig(cfg)), nil
}

func NewAWSSecretStoreWithClient(client SecretsManagerAPI) *AWSSecretStore {
	return &AWSSecretStore{client: client, cache: map[string]string{}}
}

func (s *AWSSecretStore) Get(ctx context.Context, key string) (string, error) {
	id, field, _ := strings.Cut(key, "#")
	raw, err := s.secretString(ctx, id)
	if err != nil {
		return "", err
	}
	if field == "" {
		return raw, nil
	}
	var fields map[string]any
	if err := json.Unmarshal([]byte(raw), &fields); err != nil {
		return "", fmt.Errorf("secret %s is not a JSON object: %w", id, err)
	}
	v, ok := fields[field]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrSecretNotFound, key)
	}
	return fmt.Sprint(v), nil
}

func (s *AWSSecretStore) GetWithDefault(ctx context.Context, key, def string) string {
	if v, err := s.Get(ctx, key); err == nil {
		return v
	}
	return def
}

func (s *AWSSecretStore) secretString(ctx context.Context, id string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if v, ok := s.cache[id]; ok {
		return v, nil
	}
	out, err := s.client.GetSecretValue(ctx, &secretsmanager.GetSecretValueInput{SecretId: aws.String(id)})
	if err != nil {
		return "", fmt.Errorf("get secret %s: %w", id, err)
	}
	if out.SecretString == nil {
		return "", fmt.Errorf("%w: %s has no string value", ErrSecretNotFound, id)
	}
	s.cache[id] = *out.SecretString
	return *out.SecretString, nil
}

// NewSecretStore builds the store selected by cfg.
func NewSecretStore(ctx context.Context, cfg SecretsConfig) (SecretStore, error) {
	if cfg.Provider == "aws" {
		return NewAWSSecretStore(ctx, cfg.Region)
	}
	return NewEnvironmentSecretStore(), nil
}

// ResolveSecrets replaces every "secret://" reference in credential fields with the
// value from store.
func (c *Config) ResolveSecrets(ctx context.Context, store SecretStore) error {
	fields := []*string{
		&c.Storage.SQL.DSN,
		&c.Storage.Postgres.DSN,
		&c.Storage.Redis.Password,
		&c.Integrations.Webhooks.Secret,
	}
	for i := range c.Security.APIKeys {
		fields = append(fields, &c.Security.APIKeys[i])
	}
	var errs []error
	for _, f := range fields {
		key, ok := strings.CutPrefix(*f, SecretRef)
		if !ok {
			continue
		}
		v, err := store.Get(ctx, key)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		*f = v
	}
	return errors.Join(errs...)
}
