package shared

import "fmt"

// SyncLockKey builds the redis key serializing mirror runs of one entity type.
func SyncLockKey(entityType string) string {
	return fmt.Sprintf("sync:%s", entityType)
}

// JournalLockKey builds the redis key serializing journal regeneration of one source record.
func JournalLockKey(sourceType, sourceID string) string {
	return fmt.Sprintf("journal:%s:%s", sourceType, sourceID)
}
