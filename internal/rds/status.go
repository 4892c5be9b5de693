package rds

// ClusterStatus represents the status of an Aurora DB cluster.
// See: https://docs.aws.amazon.com/AmazonRDS/latest/AuroraUserGuide/Aurora.Status.html
type ClusterStatus string

const (
	// ClusterAvailable indicates the cluster is healthy and available.
	ClusterAvailable ClusterStatus = "available"

	// ClusterCreating indicates the cluster is being created.
	ClusterCreating ClusterStatus = "creating"

	// ClusterDeleting indicates the cluster is being deleted.
	ClusterDeleting ClusterStatus = "deleting"

	// ClusterStopped indicates the cluster is stopped.
	ClusterStopped ClusterStatus = "stopped"

	// ClusterBackingUp indicates the cluster is being backed up.
	ClusterBackingUp ClusterStatus = "backing-up"

	// ClusterModifying indicates the cluster is being modified.
	ClusterModifying ClusterStatus = "modifying"

	// ClusterMigrating indicates the cluster is migrating.
	ClusterMigrating ClusterStatus = "migrating"

	// ClusterPreparingDataMigration indicates data migration is being prepared.
	ClusterPreparingDataMigration ClusterStatus = "preparing-data-migration"

	// ClusterPromoting indicates a read replica is being promoted.
	ClusterPromoting ClusterStatus = "promoting"

	// ClusterRenaming indicates the cluster is being renamed.
	ClusterRenaming ClusterStatus = "renaming"

	// ClusterResettingMasterCredentials indicates the master credentials are being reset.
	ClusterResettingMasterCredentials ClusterStatus = "resetting-master-credentials"

	// ClusterUpgrading indicates the engine is being upgraded.
	ClusterUpgrading ClusterStatus = "upgrading"

	// ClusterFailed indicates the cluster failed and is not recoverable.
	ClusterFailed ClusterStatus = "failed"

	// ClusterInaccessibleEncryptionCredentials indicates the KMS key is
	// disabled or deleted.
	ClusterInaccessibleEncryptionCredentials ClusterStatus = "inaccessible-encryption-credentials"

	// ClusterIncompatibleRestore indicates the restore cannot complete, for
	// example because of insufficient capacity or an unsupported engine
	// combination. Terminal for a restore.
	ClusterIncompatibleRestore ClusterStatus = "incompatible-restore"

	// ClusterIncompatibleNetwork indicates the cluster cannot attach to the
	// requested network configuration. Terminal for a restore.
	ClusterIncompatibleNetwork ClusterStatus = "incompatible-network"

	// ClusterIncompatibleParameters indicates the parameter group is
	// incompatible.
	ClusterIncompatibleParameters ClusterStatus = "incompatible-parameters"
)

// IsTransitional reports whether a restore or creation in this status is
// still making progress toward available.
func (s ClusterStatus) IsTransitional() bool {
	switch s {
	case ClusterCreating, ClusterBackingUp, ClusterModifying, ClusterMigrating,
		ClusterPreparingDataMigration, ClusterPromoting, ClusterRenaming,
		ClusterResettingMasterCredentials, ClusterUpgrading:
		return true
	}
	return false
}

// IsDeletable reports whether a delete request can be issued in this status.
func (s ClusterStatus) IsDeletable() bool {
	return s == ClusterAvailable || s == ClusterStopped || s == ClusterFailed
}

// IsFailed reports whether the status is terminal and the cluster will never
// become available.
func (s ClusterStatus) IsFailed() bool {
	switch s {
	case ClusterFailed, ClusterInaccessibleEncryptionCredentials,
		ClusterIncompatibleRestore, ClusterIncompatibleNetwork,
		ClusterIncompatibleParameters:
		return true
	}
	return false
}

// SnapshotStatus represents the status of a cluster snapshot.
type SnapshotStatus string

const (
	// SnapshotAvailable indicates the snapshot is complete and usable.
	SnapshotAvailable SnapshotStatus = "available"

	// SnapshotCreating indicates the snapshot is being created.
	SnapshotCreating SnapshotStatus = "creating"

	// SnapshotCopying indicates the snapshot is being copied.
	SnapshotCopying SnapshotStatus = "copying"

	// SnapshotFailed indicates the snapshot or copy failed.
	SnapshotFailed SnapshotStatus = "failed"
)

// IsTransitional reports whether a copy in this status is still in progress.
func (s SnapshotStatus) IsTransitional() bool {
	return s == SnapshotCreating || s == SnapshotCopying
}
