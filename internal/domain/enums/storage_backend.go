package enums

type StorageBackend string

const (
	StorageBackendLocal  StorageBackend = "local"
	StorageBackendRemote StorageBackend = "remote"
)

func (b StorageBackend) Valid() bool {
	return b == StorageBackendLocal || b == StorageBackendRemote
}
