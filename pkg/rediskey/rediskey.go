package rediskey

import "fmt"

// Key namespaces (global convention across processes sharing the redis).
const (
	LicensePrefix  = "license"
	TaskLockPrefix = "task:lock"
)

func NamespaceKey(namespace, key string) string {
	return fmt.Sprintf("%s:%s", namespace, key)
}

// BuildLicenseKey returns "license:{licenseKey}" — the cached license
// payload for a configured key.
func BuildLicenseKey(licenseKey string) string {
	return NamespaceKey(LicensePrefix, licenseKey)
}

// BuildTaskLockKey returns "task:lock:{taskName}" — the advisory lock
// that keeps scheduled runs of the same task from overlapping.
func BuildTaskLockKey(taskName string) string {
	return NamespaceKey(TaskLockPrefix, taskName)
}
