package shared

import "fmt"

// SnapshotLockKey builds redis keys for per-item snapshot critical sections.
func SnapshotLockKey(key string) string {
	return fmt.Sprintf("stockbalance:snapshot:%s:lock", key)
}
