package store // import "code.cloudfoundry.org/flatfs/store"

const (
	VolumesDirName   = "volumes"
	LocksDirName     = "locks"
	TempDirName      = "tmp"
	DefaultStorePath = "/var/lib/flatfs"
)

var StoreFolders = []string{
	VolumesDirName,
	LocksDirName,
	TempDirName,
}
