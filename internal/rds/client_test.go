package rds

import (
	"context"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/rds"
	rdstypes "github.com/aws/aws-sdk-go-v2/service/rds/types"
	"github.com/cockroachdb/errors"

	internalerrors "github.com/mpz/devops/tools/aurora-restore-pipeline/internal/errors"
	"github.com/mpz/devops/tools/aurora-restore-pipeline/internal/retry"
)

// fastPolicy is the default retry budget without the backoff sleeps.
func fastPolicy() retry.Policy {
	p := retry.DefaultPolicy()
	p.Sleep = func(ctx context.Context, d time.Duration) error { return nil }
	return p
}

// fakeAPI implements API with canned responses per call.
type fakeAPI struct {
	snapshotsByScope map[string][]rdstypes.DBClusterSnapshot
	describeScopes   []string

	copyOut *rds.CopyDBClusterSnapshotOutput
	copyErr error
	copyIn  *rds.CopyDBClusterSnapshotInput

	cluster          *rdstypes.DBCluster
	describeErr      error
	describeErrTimes int
	describeCalls    int

	deletedInstances []string
	deletedClusters  []*rds.DeleteDBClusterInput
	deleteSnapErr    error
	deletedSnapshots []string

	restoreIn  *rds.RestoreDBClusterFromSnapshotInput
	restoreOut *rds.RestoreDBClusterFromSnapshotOutput
	restoreErr error
}

func (f *fakeAPI) DescribeDBClusterSnapshots(ctx context.Context, params *rds.DescribeDBClusterSnapshotsInput, optFns ...func(*rds.Options)) (*rds.DescribeDBClusterSnapshotsOutput, error) {
	scope := aws.ToString(params.SnapshotType)
	f.describeScopes = append(f.describeScopes, scope)
	if scope == "" {
		for _, snaps := range f.snapshotsByScope {
			if len(snaps) > 0 {
				return &rds.DescribeDBClusterSnapshotsOutput{DBClusterSnapshots: snaps}, nil
			}
		}
		return nil, errors.New("DBClusterSnapshotNotFoundFault: not found")
	}
	return &rds.DescribeDBClusterSnapshotsOutput{DBClusterSnapshots: f.snapshotsByScope[scope]}, nil
}

func (f *fakeAPI) CopyDBClusterSnapshot(ctx context.Context, params *rds.CopyDBClusterSnapshotInput, optFns ...func(*rds.Options)) (*rds.CopyDBClusterSnapshotOutput, error) {
	f.copyIn = params
	return f.copyOut, f.copyErr
}

func (f *fakeAPI) DeleteDBClusterSnapshot(ctx context.Context, params *rds.DeleteDBClusterSnapshotInput, optFns ...func(*rds.Options)) (*rds.DeleteDBClusterSnapshotOutput, error) {
	if f.deleteSnapErr != nil {
		return nil, f.deleteSnapErr
	}
	f.deletedSnapshots = append(f.deletedSnapshots, aws.ToString(params.DBClusterSnapshotIdentifier))
	return &rds.DeleteDBClusterSnapshotOutput{}, nil
}

func (f *fakeAPI) DescribeDBClusters(ctx context.Context, params *rds.DescribeDBClustersInput, optFns ...func(*rds.Options)) (*rds.DescribeDBClustersOutput, error) {
	f.describeCalls++
	if f.describeErr != nil && (f.describeErrTimes == 0 || f.describeCalls <= f.describeErrTimes) {
		return nil, f.describeErr
	}
	if f.cluster == nil {
		return nil, errors.New("DBClusterNotFoundFault: no such cluster")
	}
	return &rds.DescribeDBClustersOutput{DBClusters: []rdstypes.DBCluster{*f.cluster}}, nil
}

func (f *fakeAPI) DeleteDBCluster(ctx context.Context, params *rds.DeleteDBClusterInput, optFns ...func(*rds.Options)) (*rds.DeleteDBClusterOutput, error) {
	f.deletedClusters = append(f.deletedClusters, params)
	return &rds.DeleteDBClusterOutput{}, nil
}

func (f *fakeAPI) DeleteDBInstance(ctx context.Context, params *rds.DeleteDBInstanceInput, optFns ...func(*rds.Options)) (*rds.DeleteDBInstanceOutput, error) {
	f.deletedInstances = append(f.deletedInstances, aws.ToString(params.DBInstanceIdentifier))
	return &rds.DeleteDBInstanceOutput{}, nil
}

func (f *fakeAPI) RestoreDBClusterFromSnapshot(ctx context.Context, params *rds.RestoreDBClusterFromSnapshotInput, optFns ...func(*rds.Options)) (*rds.RestoreDBClusterFromSnapshotOutput, error) {
	f.restoreIn = params
	return f.restoreOut, f.restoreErr
}

func snapshot(name, status, scope string) rdstypes.DBClusterSnapshot {
	return rdstypes.DBClusterSnapshot{
		DBClusterSnapshotIdentifier: aws.String(name),
		DBClusterSnapshotArn:        aws.String("arn:aws:rds:us-east-1:123:cluster-snapshot:" + name),
		Status:                      aws.String(status),
		SnapshotType:                aws.String(scope),
		StorageEncrypted:            aws.Bool(true),
	}
}

func TestFindClusterSnapshotScopeOrder(t *testing.T) {
	fake := &fakeAPI{snapshotsByScope: map[string][]rdstypes.DBClusterSnapshot{
		"manual": {snapshot("snap", "available", "manual")},
	}}
	c := NewClientWithAPI(fake, "us-east-1")

	info, err := c.FindClusterSnapshot(context.Background(), "snap")
	if err != nil {
		t.Fatal(err)
	}
	if info.Type != "manual" || info.Status != "available" {
		t.Errorf("info = %+v", info)
	}
	// Shared scope is tried before manual.
	if len(fake.describeScopes) < 2 || fake.describeScopes[0] != "shared" || fake.describeScopes[1] != "manual" {
		t.Errorf("scopes tried = %v", fake.describeScopes)
	}
}

func TestFindClusterSnapshotNotFound(t *testing.T) {
	fake := &fakeAPI{snapshotsByScope: map[string][]rdstypes.DBClusterSnapshot{}}
	c := NewClientWithAPI(fake, "us-east-1")

	_, err := c.FindClusterSnapshot(context.Background(), "missing")
	if !errors.Is(err, internalerrors.ErrSnapshotNotFound) {
		t.Errorf("err = %v, want ErrSnapshotNotFound", err)
	}
	if len(fake.describeScopes) != 3 {
		t.Errorf("scopes tried = %v, want all three", fake.describeScopes)
	}
}

func TestCopyClusterSnapshotCrossRegion(t *testing.T) {
	fake := &fakeAPI{copyOut: &rds.CopyDBClusterSnapshotOutput{
		DBClusterSnapshot: &rdstypes.DBClusterSnapshot{
			DBClusterSnapshotIdentifier: aws.String("snap-copy"),
			Status:                      aws.String("copying"),
		},
	}}
	c := NewClientWithAPI(fake, "us-west-2")

	info, err := c.CopyClusterSnapshot(context.Background(),
		"arn:aws:rds:us-east-1:123:cluster-snapshot:snap", "snap-copy", "us-east-1", "kms-key", map[string]string{"Name": "snap-copy"})
	if err != nil {
		t.Fatal(err)
	}
	if info.Status != "copying" {
		t.Errorf("status = %q", info.Status)
	}
	if aws.ToString(fake.copyIn.SourceRegion) != "us-east-1" {
		t.Errorf("SourceRegion = %v", fake.copyIn.SourceRegion)
	}
	if aws.ToString(fake.copyIn.KmsKeyId) != "kms-key" {
		t.Errorf("KmsKeyId = %v", fake.copyIn.KmsKeyId)
	}
	if !aws.ToBool(fake.copyIn.CopyTags) {
		t.Error("CopyTags should be set")
	}
}

func TestCopyClusterSnapshotSameRegionOmitsSourceRegion(t *testing.T) {
	fake := &fakeAPI{copyOut: &rds.CopyDBClusterSnapshotOutput{
		DBClusterSnapshot: &rdstypes.DBClusterSnapshot{DBClusterSnapshotIdentifier: aws.String("snap-copy")},
	}}
	c := NewClientWithAPI(fake, "us-east-1")

	if _, err := c.CopyClusterSnapshot(context.Background(), "snap", "snap-copy", "us-east-1", "", nil); err != nil {
		t.Fatal(err)
	}
	if fake.copyIn.SourceRegion != nil {
		t.Errorf("SourceRegion = %v, want nil for same-region copy", fake.copyIn.SourceRegion)
	}
}

func TestCopyClusterSnapshotAlreadyExists(t *testing.T) {
	fake := &fakeAPI{copyErr: errors.New("DBClusterSnapshotAlreadyExistsFault: exists")}
	c := NewClientWithAPI(fake, "us-west-2")

	_, err := c.CopyClusterSnapshot(context.Background(), "arn", "snap-copy", "us-east-1", "", nil)
	if !errors.Is(err, internalerrors.ErrAlreadyExists) {
		t.Errorf("err = %v, want ErrAlreadyExists", err)
	}
}

func TestGetClusterNotFound(t *testing.T) {
	c := NewClientWithAPI(&fakeAPI{}, "us-west-2")
	_, err := c.GetCluster(context.Background(), "missing")
	if !errors.Is(err, internalerrors.ErrClusterNotFound) {
		t.Errorf("err = %v, want ErrClusterNotFound", err)
	}
}

func TestGetClusterRetriesThrottleThenSucceeds(t *testing.T) {
	fake := &fakeAPI{
		describeErr:      errors.New("ThrottlingException: rate exceeded"),
		describeErrTimes: 2,
		cluster: &rdstypes.DBCluster{
			DBClusterIdentifier: aws.String("db"),
			Status:              aws.String("available"),
		},
	}
	c := NewClientWithAPI(fake, "us-west-2").WithRetryPolicy(fastPolicy())

	info, err := c.GetCluster(context.Background(), "db")
	if err != nil {
		t.Fatal(err)
	}
	if info.Status != "available" {
		t.Errorf("status = %q", info.Status)
	}
	if fake.describeCalls != 3 {
		t.Errorf("describe calls = %d, want 3", fake.describeCalls)
	}
}

func TestGetClusterTransientErrorExhaustsBudget(t *testing.T) {
	fake := &fakeAPI{describeErr: errors.New("ThrottlingException: rate exceeded")}
	c := NewClientWithAPI(fake, "us-west-2").WithRetryPolicy(fastPolicy())

	_, err := c.GetCluster(context.Background(), "db")
	if !internalerrors.IsTransient(err) {
		t.Errorf("err = %v, want transient", err)
	}
	if want := retry.DefaultPolicy().MaxAttempts; fake.describeCalls != want {
		t.Errorf("describe calls = %d, want %d", fake.describeCalls, want)
	}
}

func TestDeleteClusterRemovesInstancesFirst(t *testing.T) {
	fake := &fakeAPI{cluster: &rdstypes.DBCluster{
		DBClusterIdentifier: aws.String("db"),
		Status:              aws.String("available"),
		DBClusterMembers: []rdstypes.DBClusterMember{
			{DBInstanceIdentifier: aws.String("db-0")},
			{DBInstanceIdentifier: aws.String("db-1")},
		},
	}}
	c := NewClientWithAPI(fake, "us-west-2")

	if err := c.DeleteCluster(context.Background(), "db", true); err != nil {
		t.Fatal(err)
	}
	if len(fake.deletedInstances) != 2 {
		t.Errorf("deleted instances = %v", fake.deletedInstances)
	}
	if len(fake.deletedClusters) != 1 {
		t.Fatalf("deleted clusters = %d", len(fake.deletedClusters))
	}
	in := fake.deletedClusters[0]
	if !aws.ToBool(in.SkipFinalSnapshot) {
		t.Error("SkipFinalSnapshot should be true")
	}
	if in.FinalDBSnapshotIdentifier != nil {
		t.Error("FinalDBSnapshotIdentifier should be unset when skipping")
	}
}

func TestRestoreClusterFromSnapshotParams(t *testing.T) {
	fake := &fakeAPI{restoreOut: &rds.RestoreDBClusterFromSnapshotOutput{
		DBCluster: &rdstypes.DBCluster{
			DBClusterIdentifier: aws.String("restored"),
			Status:              aws.String("creating"),
		},
	}}
	c := NewClientWithAPI(fake, "us-west-2")

	info, err := c.RestoreClusterFromSnapshot(context.Background(), RestoreParams{
		ClusterID:        "restored",
		SnapshotName:     "snap-copy",
		Engine:           "aurora-postgresql",
		Port:             5432,
		SubnetGroup:      "subnets",
		SecurityGroupIDs: []string{"sg-1"},
		Tags:             map[string]string{"CreatedBy": "aurora-restore-pipeline"},
	})
	if err != nil {
		t.Fatal(err)
	}
	if info.Status != "creating" {
		t.Errorf("status = %q", info.Status)
	}
	in := fake.restoreIn
	if aws.ToString(in.DBSubnetGroupName) != "subnets" || len(in.VpcSecurityGroupIds) != 1 {
		t.Errorf("network params = %+v", in)
	}
	if in.EngineVersion != nil {
		t.Error("EngineVersion should be omitted when empty")
	}
	if len(in.Tags) != 1 {
		t.Errorf("tags = %v", in.Tags)
	}
}

func TestRestoreClusterAlreadyExists(t *testing.T) {
	fake := &fakeAPI{restoreErr: errors.New("DBClusterAlreadyExistsFault: taken")}
	c := NewClientWithAPI(fake, "us-west-2")
	_, err := c.RestoreClusterFromSnapshot(context.Background(), RestoreParams{ClusterID: "restored", SnapshotName: "s", Engine: "aurora-postgresql"})
	if !errors.Is(err, internalerrors.ErrAlreadyExists) {
		t.Errorf("err = %v, want ErrAlreadyExists", err)
	}
}

func TestDeleteClusterSnapshotNotFound(t *testing.T) {
	fake := &fakeAPI{deleteSnapErr: errors.New("DBClusterSnapshotNotFoundFault: gone")}
	c := NewClientWithAPI(fake, "us-west-2")
	err := c.DeleteClusterSnapshot(context.Background(), "gone")
	if !errors.Is(err, internalerrors.ErrSnapshotNotFound) {
		t.Errorf("err = %v, want ErrSnapshotNotFound", err)
	}
}
