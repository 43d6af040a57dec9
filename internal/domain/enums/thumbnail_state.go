package enums

type ThumbnailState string

const (
	ThumbnailNone    ThumbnailState = "None"
	ThumbnailPending ThumbnailState = "Pending"
	ThumbnailReady   ThumbnailState = "Ready"
	ThumbnailFailed  ThumbnailState = "Failed"
)

// Terminal reports whether no further transition is allowed.
func (s ThumbnailState) Terminal() bool {
	return s == ThumbnailReady || s == ThumbnailFailed
}
