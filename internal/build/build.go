// Package build provides build information that is linked into the application. Other modules
// within this project can use this information as they need.
package build

var (
	// ProjectName is used as the metrics namespace and the default trace service name.
	ProjectName = "edasubset"

	Version = "dev"
	Commit  = "none"
	Date    = "unknown"
)

// MinimumSupportedDatastoreSchemaRevision is the lowest migration version the datastore must be
// at before the service reads from it.
const MinimumSupportedDatastoreSchemaRevision = 1
