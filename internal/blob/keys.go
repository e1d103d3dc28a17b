package blob

import "fmt"

// ObjectKey builds the deterministic object-store key for a blob field
// (spec.md §4.4.1): "{prefix/}{type_name}/{resource_id}/[v{n}/]{field_name}".
// version is -1 for non-versioned records.
func ObjectKey(keyPrefix, typeName, resourceID string, version int, fieldName string) string {
	base := typeName + "/" + resourceID + "/"
	if version >= 0 {
		base += fmt.Sprintf("v%d/", version)
	}
	base += fieldName
	if keyPrefix == "" {
		return base
	}
	return keyPrefix + "/" + base
}

// CacheKey builds the logical cache key (spec.md §4.4.5):
// "{type}#{id}#{field}#(v{n}|latest)".
func CacheKey(typeName, resourceID, fieldName string, version int) string {
	versionPart := "latest"
	if version >= 0 {
		versionPart = fmt.Sprintf("v%d", version)
	}
	return fmt.Sprintf("%s#%s#%s#%s", typeName, resourceID, fieldName, versionPart)
}
