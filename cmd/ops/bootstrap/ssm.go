package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
	ssmtypes "github.com/aws/aws-sdk-go-v2/service/ssm/types"

	"notifyhub/internal/types"
)

// SSMClient is the subset of the SSM API the tool uses.
type SSMClient interface {
	GetParameter(ctx context.Context, params *ssm.GetParameterInput, optFns ...func(*ssm.Options)) (*ssm.GetParameterOutput, error)
	PutParameter(ctx context.Context, params *ssm.PutParameterInput, optFns ...func(*ssm.Options)) (*ssm.PutParameterOutput, error)
}

const ssmOperationTimeout = 15 * time.Second

// ParameterStore writes parameters under /notifyhub/{env}/.
type ParameterStore struct {
	client SSMClient
	env    string
	logger types.Logger
}

func NewParameterStore(client SSMClient, env string, logger types.Logger) *ParameterStore {
	return &ParameterStore{client: client, env: env, logger: logger}
}

// Path returns the absolute parameter path for key.
func (s *ParameterStore) Path(key string) string {
	return fmt.Sprintf("/notifyhub/%s/%s", s.env, key)
}

// Exists probes without decryption, so kms:Decrypt is not needed.
func (s *ParameterStore) Exists(ctx context.Context, path string) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, ssmOperationTimeout)
	defer cancel()

	_, err := s.client.GetParameter(ctx, &ssm.GetParameterInput{
		Name:           aws.String(path),
		WithDecryption: aws.Bool(false),
	})
	if err != nil {
		var notFound *ssmtypes.ParameterNotFound
		if errors.As(err, &notFound) {
			return false, nil
		}
		return false, fmt.Errorf("checking SSM parameter %q: %w", path, err)
	}
	return true, nil
}

// Put writes value. SecureString values are never logged.
func (s *ParameterStore) Put(ctx context.Context, path, value string, typ ParameterType, overwrite bool) error {
	if value == "" {
		return fmt.Errorf("SSM parameter value must not be empty for path %q", path)
	}
	ssmType := ssmtypes.ParameterTypeSecureString
	if typ == ParamString {
		ssmType = ssmtypes.ParameterTypeString
	}

	ctx, cancel := context.WithTimeout(ctx, ssmOperationTimeout)
	defer cancel()

	_, err := s.client.PutParameter(ctx, &ssm.PutParameterInput{
		Name:      aws.String(path),
		Value:     aws.String(value),
		Type:      ssmType,
		Overwrite: aws.Bool(overwrite),
	})
	if err != nil {
		var exists *ssmtypes.ParameterAlreadyExists
		if errors.As(err, &exists) {
			return fmt.Errorf("SSM parameter %q already exists: %w", path, err)
		}
		return fmt.Errorf("writing SSM parameter %q: %w", path, err)
	}

	if ssmType == ssmtypes.ParameterTypeSecureString {
		s.logger.Info("SSM parameter written", "path", path, "type", string(ssmType), "value_length", len(value))
	} else {
		s.logger.Info("SSM parameter written", "path", path, "type", string(ssmType), "value", value)
	}
	return nil
}
