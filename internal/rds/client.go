// Package rds provides an RDS client wrapper for snapshot and cluster
// restore operations.
package rds

import (
	"context"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/rds"
	rdstypes "github.com/aws/aws-sdk-go-v2/service/rds/types"
	"github.com/cockroachdb/errors"

	internalerrors "github.com/mpz/devops/tools/aurora-restore-pipeline/internal/errors"
	"github.com/mpz/devops/tools/aurora-restore-pipeline/internal/retry"
)

// API is the slice of the RDS API the client uses.
type API interface {
	DescribeDBClusterSnapshots(ctx context.Context, params *rds.DescribeDBClusterSnapshotsInput, optFns ...func(*rds.Options)) (*rds.DescribeDBClusterSnapshotsOutput, error)
	CopyDBClusterSnapshot(ctx context.Context, params *rds.CopyDBClusterSnapshotInput, optFns ...func(*rds.Options)) (*rds.CopyDBClusterSnapshotOutput, error)
	DeleteDBClusterSnapshot(ctx context.Context, params *rds.DeleteDBClusterSnapshotInput, optFns ...func(*rds.Options)) (*rds.DeleteDBClusterSnapshotOutput, error)
	DescribeDBClusters(ctx context.Context, params *rds.DescribeDBClustersInput, optFns ...func(*rds.Options)) (*rds.DescribeDBClustersOutput, error)
	DeleteDBCluster(ctx context.Context, params *rds.DeleteDBClusterInput, optFns ...func(*rds.Options)) (*rds.DeleteDBClusterOutput, error)
	DeleteDBInstance(ctx context.Context, params *rds.DeleteDBInstanceInput, optFns ...func(*rds.Options)) (*rds.DeleteDBInstanceOutput, error)
	RestoreDBClusterFromSnapshot(ctx context.Context, params *rds.RestoreDBClusterFromSnapshotInput, optFns ...func(*rds.Options)) (*rds.RestoreDBClusterFromSnapshotOutput, error)
}

// Client wraps the AWS RDS client with convenience methods for one region.
// Every API call runs under the transient-retry policy.
type Client struct {
	api    API
	region string
	policy retry.Policy
}

// NewClient creates a new RDS client from an AWS config.
func NewClient(cfg aws.Config) *Client {
	return &Client{api: rds.NewFromConfig(cfg), region: cfg.Region, policy: retry.DefaultPolicy()}
}

// NewClientWithAPI creates a client with an existing API implementation (for testing).
func NewClientWithAPI(api API, region string) *Client {
	return &Client{api: api, region: region, policy: retry.DefaultPolicy()}
}

// WithRetryPolicy overrides the transient-retry policy. Tests use it to drop
// the backoff sleeps.
func (c *Client) WithRetryPolicy(p retry.Policy) *Client {
	c.policy = p
	return c
}

// Region returns the region this client operates in.
func (c *Client) Region() string {
	return c.region
}

// call runs one API call under the retry policy. Throttling, timeouts and
// 5xx responses back off and retry; all other errors return immediately.
func (c *Client) call(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	return c.policy.Do(ctx, nil, op, func(ctx context.Context) error {
		return retry.Classify(fn(ctx))
	})
}

// SnapshotInfo describes a cluster snapshot.
type SnapshotInfo struct {
	Name             string
	ARN              string
	Status           string
	Type             string
	ClusterID        string
	Engine           string
	EngineVersion    string
	Created          string
	Encrypted        bool
	AllocatedStorage int32
	KmsKeyID         string
	Progress         int32
}

// ClusterInfo describes a cluster.
type ClusterInfo struct {
	ClusterID     string
	Status        string
	Endpoint      string
	Port          int32
	Engine        string
	EngineVersion string
	SubnetGroup   string
	MemberIDs     []string
}

// snapshotScopes is the lookup order for FindClusterSnapshot. Shared
// snapshots are checked first because cross-account daily snapshots arrive
// shared, then manual, then automated.
var snapshotScopes = []string{"shared", "manual", "automated"}

// FindClusterSnapshot locates a snapshot by name, trying shared, manual and
// automated scopes in order. Returns ErrSnapshotNotFound when no scope has it.
func (c *Client) FindClusterSnapshot(ctx context.Context, name string) (*SnapshotInfo, error) {
	for _, scope := range snapshotScopes {
		in := &rds.DescribeDBClusterSnapshotsInput{
			DBClusterSnapshotIdentifier: aws.String(name),
			SnapshotType:                aws.String(scope),
		}
		if scope == "shared" {
			in.IncludeShared = aws.Bool(true)
		}
		var out *rds.DescribeDBClusterSnapshotsOutput
		err := c.call(ctx, "describe snapshot", func(ctx context.Context) error {
			var err error
			out, err = c.api.DescribeDBClusterSnapshots(ctx, in)
			return err
		})
		if err != nil {
			if isSnapshotNotFound(err) {
				continue
			}
			return nil, errors.Wrapf(err, "describe snapshot %s (%s)", name, scope)
		}
		if len(out.DBClusterSnapshots) > 0 {
			return snapshotInfo(out.DBClusterSnapshots[0]), nil
		}
	}
	return nil, errors.Wrap(internalerrors.ErrSnapshotNotFound, name)
}

// GetClusterSnapshot retrieves a snapshot regardless of scope. Used by the
// copy poller and the archive step.
func (c *Client) GetClusterSnapshot(ctx context.Context, name string) (*SnapshotInfo, error) {
	var out *rds.DescribeDBClusterSnapshotsOutput
	err := c.call(ctx, "describe snapshot", func(ctx context.Context) error {
		var err error
		out, err = c.api.DescribeDBClusterSnapshots(ctx, &rds.DescribeDBClusterSnapshotsInput{
			DBClusterSnapshotIdentifier: aws.String(name),
		})
		return err
	})
	if err != nil {
		if isSnapshotNotFound(err) {
			return nil, errors.Wrap(internalerrors.ErrSnapshotNotFound, name)
		}
		return nil, errors.Wrapf(err, "describe snapshot %s", name)
	}
	if len(out.DBClusterSnapshots) == 0 {
		return nil, errors.Wrap(internalerrors.ErrSnapshotNotFound, name)
	}
	return snapshotInfo(out.DBClusterSnapshots[0]), nil
}

// CopyClusterSnapshot starts a snapshot copy into this client's region.
// sourceARN must be the full ARN when copying across regions. Returns
// ErrAlreadyExists when the target name is taken.
func (c *Client) CopyClusterSnapshot(ctx context.Context, sourceARN, targetName, sourceRegion, kmsKeyID string, tags map[string]string) (*SnapshotInfo, error) {
	in := &rds.CopyDBClusterSnapshotInput{
		SourceDBClusterSnapshotIdentifier: aws.String(sourceARN),
		TargetDBClusterSnapshotIdentifier: aws.String(targetName),
		CopyTags:                          aws.Bool(true),
		Tags:                              toTags(tags),
	}
	if sourceRegion != "" && sourceRegion != c.region {
		in.SourceRegion = aws.String(sourceRegion)
	}
	if kmsKeyID != "" {
		in.KmsKeyId = aws.String(kmsKeyID)
	}
	var out *rds.CopyDBClusterSnapshotOutput
	err := c.call(ctx, "copy snapshot", func(ctx context.Context) error {
		var err error
		out, err = c.api.CopyDBClusterSnapshot(ctx, in)
		return err
	})
	if err != nil {
		if strings.Contains(err.Error(), "DBClusterSnapshotAlreadyExists") {
			return nil, errors.Wrap(internalerrors.ErrAlreadyExists, targetName)
		}
		if isSnapshotNotFound(err) {
			return nil, errors.Wrap(internalerrors.ErrSnapshotNotFound, sourceARN)
		}
		return nil, errors.Wrapf(err, "copy snapshot %s to %s", sourceARN, targetName)
	}
	return snapshotInfo(*out.DBClusterSnapshot), nil
}

// DeleteClusterSnapshot deletes a snapshot. Returns ErrSnapshotNotFound when
// it does not exist.
func (c *Client) DeleteClusterSnapshot(ctx context.Context, name string) error {
	err := c.call(ctx, "delete snapshot", func(ctx context.Context) error {
		_, err := c.api.DeleteDBClusterSnapshot(ctx, &rds.DeleteDBClusterSnapshotInput{
			DBClusterSnapshotIdentifier: aws.String(name),
		})
		return err
	})
	if err != nil {
		if isSnapshotNotFound(err) {
			return errors.Wrap(internalerrors.ErrSnapshotNotFound, name)
		}
		return errors.Wrapf(err, "delete snapshot %s", name)
	}
	return nil
}

// GetCluster retrieves a cluster. Returns ErrClusterNotFound when it does
// not exist.
func (c *Client) GetCluster(ctx context.Context, clusterID string) (*ClusterInfo, error) {
	var out *rds.DescribeDBClustersOutput
	err := c.call(ctx, "describe cluster", func(ctx context.Context) error {
		var err error
		out, err = c.api.DescribeDBClusters(ctx, &rds.DescribeDBClustersInput{
			DBClusterIdentifier: aws.String(clusterID),
		})
		return err
	})
	if err != nil {
		if strings.Contains(err.Error(), "DBClusterNotFound") {
			return nil, errors.Wrap(internalerrors.ErrClusterNotFound, clusterID)
		}
		return nil, errors.Wrapf(err, "describe cluster %s", clusterID)
	}
	if len(out.DBClusters) == 0 {
		return nil, errors.Wrap(internalerrors.ErrClusterNotFound, clusterID)
	}
	return clusterInfo(out.DBClusters[0]), nil
}

// DeleteCluster deletes member instances, then the cluster itself. Returns
// ErrClusterNotFound when the cluster does not exist.
func (c *Client) DeleteCluster(ctx context.Context, clusterID string, skipFinalSnapshot bool) error {
	info, err := c.GetCluster(ctx, clusterID)
	if err != nil {
		return err
	}
	for _, member := range info.MemberIDs {
		err := c.call(ctx, "delete instance", func(ctx context.Context) error {
			_, err := c.api.DeleteDBInstance(ctx, &rds.DeleteDBInstanceInput{
				DBInstanceIdentifier: aws.String(member),
				SkipFinalSnapshot:    aws.Bool(true),
			})
			return err
		})
		if err != nil && !strings.Contains(err.Error(), "DBInstanceNotFound") {
			return errors.Wrapf(err, "delete instance %s", member)
		}
	}
	in := &rds.DeleteDBClusterInput{
		DBClusterIdentifier: aws.String(clusterID),
		SkipFinalSnapshot:   aws.Bool(skipFinalSnapshot),
	}
	if !skipFinalSnapshot {
		in.FinalDBSnapshotIdentifier = aws.String(clusterID + "-final")
	}
	err = c.call(ctx, "delete cluster", func(ctx context.Context) error {
		_, err := c.api.DeleteDBCluster(ctx, in)
		return err
	})
	if err != nil {
		if strings.Contains(err.Error(), "DBClusterNotFound") {
			return errors.Wrap(internalerrors.ErrClusterNotFound, clusterID)
		}
		return errors.Wrapf(err, "delete cluster %s", clusterID)
	}
	return nil
}

// RestoreParams configures RestoreClusterFromSnapshot.
type RestoreParams struct {
	ClusterID          string
	SnapshotName       string
	Engine             string
	EngineVersion      string
	Port               int32
	SubnetGroup        string
	SecurityGroupIDs   []string
	AvailabilityZones  []string
	ParameterGroup     string
	KmsKeyID           string
	DeletionProtection bool
	EnableIAMAuth      bool
	Tags               map[string]string
}

// RestoreClusterFromSnapshot starts a cluster restore. Returns
// ErrAlreadyExists when the target cluster identifier is taken and
// ErrSnapshotNotFound when the snapshot is missing.
func (c *Client) RestoreClusterFromSnapshot(ctx context.Context, p RestoreParams) (*ClusterInfo, error) {
	in := &rds.RestoreDBClusterFromSnapshotInput{
		DBClusterIdentifier: aws.String(p.ClusterID),
		SnapshotIdentifier:  aws.String(p.SnapshotName),
		Engine:              aws.String(p.Engine),
		DeletionProtection:  aws.Bool(p.DeletionProtection),
		Tags:                toTags(p.Tags),
	}
	if p.EngineVersion != "" {
		in.EngineVersion = aws.String(p.EngineVersion)
	}
	if p.Port != 0 {
		in.Port = aws.Int32(p.Port)
	}
	if p.SubnetGroup != "" {
		in.DBSubnetGroupName = aws.String(p.SubnetGroup)
	}
	if len(p.SecurityGroupIDs) > 0 {
		in.VpcSecurityGroupIds = p.SecurityGroupIDs
	}
	if len(p.AvailabilityZones) > 0 {
		in.AvailabilityZones = p.AvailabilityZones
	}
	if p.ParameterGroup != "" {
		in.DBClusterParameterGroupName = aws.String(p.ParameterGroup)
	}
	if p.KmsKeyID != "" {
		in.KmsKeyId = aws.String(p.KmsKeyID)
	}
	if p.EnableIAMAuth {
		in.EnableIAMDatabaseAuthentication = aws.Bool(true)
	}
	var out *rds.RestoreDBClusterFromSnapshotOutput
	err := c.call(ctx, "restore cluster", func(ctx context.Context) error {
		var err error
		out, err = c.api.RestoreDBClusterFromSnapshot(ctx, in)
		return err
	})
	if err != nil {
		if strings.Contains(err.Error(), "DBClusterAlreadyExists") {
			return nil, errors.Wrap(internalerrors.ErrAlreadyExists, p.ClusterID)
		}
		if isSnapshotNotFound(err) {
			return nil, errors.Wrap(internalerrors.ErrSnapshotNotFound, p.SnapshotName)
		}
		return nil, errors.Wrapf(err, "restore cluster %s from %s", p.ClusterID, p.SnapshotName)
	}
	return clusterInfo(*out.DBCluster), nil
}

func isSnapshotNotFound(err error) bool {
	return strings.Contains(err.Error(), "DBClusterSnapshotNotFound") ||
		strings.Contains(err.Error(), "DBSnapshotNotFound")
}

func snapshotInfo(s rdstypes.DBClusterSnapshot) *SnapshotInfo {
	info := &SnapshotInfo{
		Name:          aws.ToString(s.DBClusterSnapshotIdentifier),
		ARN:           aws.ToString(s.DBClusterSnapshotArn),
		Status:        aws.ToString(s.Status),
		Type:          aws.ToString(s.SnapshotType),
		ClusterID:     aws.ToString(s.DBClusterIdentifier),
		Engine:        aws.ToString(s.Engine),
		EngineVersion: aws.ToString(s.EngineVersion),
		KmsKeyID:      aws.ToString(s.KmsKeyId),
	}
	if s.SnapshotCreateTime != nil {
		info.Created = s.SnapshotCreateTime.UTC().Format("2006-01-02T15:04:05Z")
	}
	if s.StorageEncrypted != nil {
		info.Encrypted = *s.StorageEncrypted
	}
	if s.AllocatedStorage != nil {
		info.AllocatedStorage = *s.AllocatedStorage
	}
	if s.PercentProgress != nil {
		info.Progress = *s.PercentProgress
	}
	return info
}

func clusterInfo(c rdstypes.DBCluster) *ClusterInfo {
	info := &ClusterInfo{
		ClusterID:     aws.ToString(c.DBClusterIdentifier),
		Status:        aws.ToString(c.Status),
		Endpoint:      aws.ToString(c.Endpoint),
		Engine:        aws.ToString(c.Engine),
		EngineVersion: aws.ToString(c.EngineVersion),
		SubnetGroup:   aws.ToString(c.DBSubnetGroup),
	}
	if c.Port != nil {
		info.Port = *c.Port
	}
	for _, m := range c.DBClusterMembers {
		info.MemberIDs = append(info.MemberIDs, aws.ToString(m.DBInstanceIdentifier))
	}
	return info
}

func toTags(tags map[string]string) []rdstypes.Tag {
	if len(tags) == 0 {
		return nil
	}
	out := make([]rdstypes.Tag, 0, len(tags))
	for k, v := range tags {
		out = append(out, rdstypes.Tag{Key: aws.String(k), Value: aws.String(v)})
	}
	return out
}
