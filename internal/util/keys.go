package util

import "fmt"

// Lock key builders. Every pipeline stage locks the entity it mutates; the
// provisioner shares the poll key so schema swaps exclude running fetches.

// PollLockKey is the per-instance ingestion and provisioning lock.
func PollLockKey(instanceID string) string {
	return fmt.Sprintf("poll:%s", instanceID)
}

// CanonLockKey is the per-native-message canonicalization lock.
func CanonLockKey(instanceID, nativeID string) string {
	return fmt.Sprintf("canon:%s:%s", instanceID, nativeID)
}

// DistLockKey is the per-canonical-message distribution lock.
func DistLockKey(messageID string) string {
	return fmt.Sprintf("dist:%s", messageID)
}

// SendLockKey is the per-queue-entry delivery lock.
func SendLockKey(entryID string) string {
	return fmt.Sprintf("send:%s", entryID)
}
