package localstore

import (
	"regexp"
	"strings"
)

// FilesRoot is the fixed top-level segment every stored path lives under.
const FilesRoot = "livestore-filesync-files"

var unsafeStoreIDChar = regexp.MustCompile(`[^A-Za-z0-9._-]`)

// SanitizeStoreID replaces any character outside [A-Za-z0-9._-] with '_'.
func SanitizeStoreID(storeID string) string {
	return unsafeStoreIDChar.ReplaceAllString(storeID, "_")
}

// StoredPath returns the canonical content-addressed path for a hash under
// storeID: filesRoot/sanitize(storeId)/contentHash.
func StoredPath(storeID, contentHash string) string {
	return FilesRoot + "/" + SanitizeStoreID(storeID) + "/" + contentHash
}

// RemoteKey strips the filesRoot/ prefix from a stored path to get the
// object-store key.
func RemoteKey(storedPath string) string {
	return strings.TrimPrefix(storedPath, FilesRoot+"/")
}

// StoreIDFromPath extracts the sanitized storeID segment from a stored path
// produced by StoredPath, i.e. the segment between FilesRoot and the hash.
func StoreIDFromPath(storedPath string) string {
	rest := strings.TrimPrefix(storedPath, FilesRoot+"/")
	if idx := strings.IndexByte(rest, '/'); idx >= 0 {
		return rest[:idx]
	}
	return rest
}
