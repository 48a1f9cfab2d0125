package paramstore

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
	"github.com/aws/aws-sdk-go-v2/service/ssm/types"
)

var (
	// ErrParameterNotFound is returned when SSM has no parameter by that name
	ErrParameterNotFound = errors.New("parameter not found")

	// ErrEmptyTableName is returned when the table name parameter holds only whitespace
	ErrEmptyTableName = errors.New("parameter holds an empty table name")
)

// API is the slice of the SSM client the store needs at start-up.
// *ssm.Client satisfies it; tests pass a fake.
type API interface {
	GetParameter(ctx context.Context, in *ssm.GetParameterInput, optFns ...func(*ssm.Options)) (*ssm.GetParameterOutput, error)
}

// Getter looks up one parameter value. ResolveTableName depends on it rather
// than on *Client.
type Getter interface {
	GetParameter(ctx context.Context, name string) (string, error)
}

// Client resolves conversation store settings, such as the DynamoDB table
// name, from AWS SSM Parameter Store.
type Client struct {
	api API
}

// New wraps an SSM API for store settings lookups
func New(api API) (*Client, error) {
	if api == nil {
		return nil, errors.New("paramstore: api must not be nil")
	}
	return &Client{api: api}, nil
}

// GetParameter reads the named setting, decrypting SecureString values, so a
// deployment can keep the table name next to its other secrets. A missing
// parameter yields ErrParameterNotFound.
func (c *Client) GetParameter(ctx context.Context, name string) (string, error) {
	if c.api == nil {
		return "", errors.New("paramstore: client not initialized")
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return "", errors.New("paramstore: name is required")
	}

	out, err := c.api.GetParameter(ctx, &ssm.GetParameterInput{
		Name:           aws.String(name),
		WithDecryption: aws.Bool(true),
	})
	if err != nil {
		var notFound *types.ParameterNotFound
		if errors.As(err, &notFound) {
			return "", fmt.Errorf("paramstore: %w: %s", ErrParameterNotFound, name)
		}
		return "", fmt.Errorf("paramstore: get parameter %q: %w", name, err)
	}
	if out == nil || out.Parameter == nil || out.Parameter.Value == nil {
		return "", fmt.Errorf("paramstore: parameter %q missing value", name)
	}
	return aws.ToString(out.Parameter.Value), nil
}

// ResolveTableName returns the table name stored under parameter, or
// fallback when no parameter is configured.
func ResolveTableName(ctx context.Context, g Getter, parameter, fallback string) (string, error) {
	if strings.TrimSpace(parameter) == "" {
		return fallback, nil
	}

	name, err := g.GetParameter(ctx, parameter)
	if err != nil {
		return "", err
	}

	name = strings.TrimSpace(name)
	if name == "" {
		return "", fmt.Errorf("paramstore: %w: %s", ErrEmptyTableName, parameter)
	}
	return name, nil
}
