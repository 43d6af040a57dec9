package enums

type PartStatus string

const (
	PartIdle      PartStatus = "idle"
	PartUploading PartStatus = "uploading"
	PartDone      PartStatus = "done"
	PartFailed    PartStatus = "failed"
)
