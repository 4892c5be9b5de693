// Package secrets provides access to database credentials in Secrets Manager.
package secrets

import (
	"context"
	"encoding/json"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
	"github.com/cockroachdb/errors"

	apperrors "github.com/mpz/devops/tools/aurora-restore-pipeline/internal/errors"
	"github.com/mpz/devops/tools/aurora-restore-pipeline/internal/retry"
	"github.com/mpz/devops/tools/aurora-restore-pipeline/internal/types"
)

// API is the slice of the Secrets Manager API the client uses.
type API interface {
	GetSecretValue(ctx context.Context, params *secretsmanager.GetSecretValueInput, optFns ...func(*secretsmanager.Options)) (*secretsmanager.GetSecretValueOutput, error)
}

// Client retrieves credential secrets. Lookups run under the transient-retry
// policy.
type Client struct {
	api    API
	policy retry.Policy
}

// NewClient creates a client from an AWS config.
func NewClient(cfg aws.Config) *Client {
	return &Client{api: secretsmanager.NewFromConfig(cfg), policy: retry.DefaultPolicy()}
}

// NewClientWithAPI creates a client with an existing API implementation (for testing).
func NewClientWithAPI(api API) *Client {
	return &Client{api: api, policy: retry.DefaultPolicy()}
}

// WithRetryPolicy overrides the transient-retry policy. Tests use it to drop
// the backoff sleeps.
func (c *Client) WithRetryPolicy(p retry.Policy) *Client {
	c.policy = p
	return c
}

func (c *Client) getJSON(ctx context.Context, secretID string, dst any) error {
	var out *secretsmanager.GetSecretValueOutput
	err := c.policy.Do(ctx, nil, "get secret", func(ctx context.Context) error {
		var err error
		out, err = c.api.GetSecretValue(ctx, &secretsmanager.GetSecretValueInput{
			SecretId: aws.String(secretID),
		})
		return retry.Classify(err)
	})
	if err != nil {
		return errors.Wrapf(err, "get secret %s", secretID)
	}
	if out.SecretString == nil {
		return errors.Wrapf(apperrors.ErrNotFound, "secret %s has no string value", secretID)
	}
	if err := json.Unmarshal([]byte(*out.SecretString), dst); err != nil {
		return errors.Wrapf(err, "parse secret %s", secretID)
	}
	return nil
}

// GetMasterCredentials retrieves the master database credentials.
func (c *Client) GetMasterCredentials(ctx context.Context, secretID string) (*types.MasterCredentials, error) {
	var creds types.MasterCredentials
	if err := c.getJSON(ctx, secretID, &creds); err != nil {
		return nil, err
	}
	if creds.Username == "" || creds.Password == "" {
		return nil, errors.Newf("secret %s is missing username or password", secretID)
	}
	return &creds, nil
}

// GetAppCredentials retrieves the application and readonly role credentials.
func (c *Client) GetAppCredentials(ctx context.Context, secretID string) (*types.AppCredentials, error) {
	var creds types.AppCredentials
	if err := c.getJSON(ctx, secretID, &creds); err != nil {
		return nil, err
	}
	if creds.AppUsername == "" || creds.ReadonlyUsername == "" {
		return nil, errors.Newf("secret %s is missing role usernames", secretID)
	}
	return &creds, nil
}
