package build

var (
	Version = "dev"
	Commit  = "none"
	Date    = "unknown"
	BuiltBy = "unknown"
)

func IsDev() bool {
	return Version == "dev"
}

// BinaryName returns the name of the hubctl binary, prefixed with 'd' for development builds.
func BinaryName() string {
	if IsDev() {
		return "dhubctl"
	}
	return "hubctl"
}

// ConfigFolderName is the folder under the user's home directory holding hubctl configuration.
var ConfigFolderName = ".hubctl"

func init() {
	if IsDev() {
		ConfigFolderName = ".dhubctl"
	}
}
