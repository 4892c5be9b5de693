package rds

import (
	"context"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	"github.com/cockroachdb/errors"
)

// ClientManager manages RDS clients for multiple regions. The restore
// pipeline always works in two regions (source and target); clients are
// lazily created and cached per region.
type ClientManager struct {
	mu         sync.RWMutex
	clients    map[string]*Client
	baseConfig aws.Config
	profile    string
}

// ClientManagerConfig contains configuration for the ClientManager.
type ClientManagerConfig struct {
	// BaseConfig is the base AWS configuration (used for credentials and
	// region listing).
	BaseConfig aws.Config
	// Profile is the AWS profile to use (optional).
	Profile string
}

// NewClientManager creates a new ClientManager.
func NewClientManager(cfg ClientManagerConfig) *ClientManager {
	return &ClientManager{
		clients:    make(map[string]*Client),
		baseConfig: cfg.BaseConfig,
		profile:    cfg.Profile,
	}
}

// GetClient returns an RDS client for the specified region.
// Clients are cached and reused.
func (m *ClientManager) GetClient(ctx context.Context, region string) (*Client, error) {
	m.mu.RLock()
	client, ok := m.clients[region]
	m.mu.RUnlock()
	if ok {
		return client, nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	// Double-check after acquiring write lock
	if client, ok := m.clients[region]; ok {
		return client, nil
	}

	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(region),
	}
	if m.profile != "" {
		opts = append(opts, awsconfig.WithSharedConfigProfile(m.profile))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, errors.Wrapf(err, "load aws config for region %s", region)
	}

	client = NewClient(awsCfg)
	m.clients[region] = client
	return client, nil
}

// SetClient installs a client for a region, replacing any cached one.
// Used by tests and the local runner.
func (m *ClientManager) SetClient(region string, client *Client) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.clients[region] = client
}

// ListRegions returns the list of enabled AWS regions.
func (m *ClientManager) ListRegions(ctx context.Context) ([]string, error) {
	ec2Client := ec2.NewFromConfig(m.baseConfig)
	out, err := ec2Client.DescribeRegions(ctx, &ec2.DescribeRegionsInput{
		AllRegions: aws.Bool(false),
	})
	if err != nil {
		return nil, errors.Wrap(err, "describe regions")
	}

	regions := make([]string, 0, len(out.Regions))
	for _, r := range out.Regions {
		if r.RegionName != nil {
			regions = append(regions, *r.RegionName)
		}
	}
	return regions, nil
}
