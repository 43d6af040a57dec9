package uploader

const (
	DefaultMultipartThreshold = 5 << 20
	DefaultPartSize           = 10 << 20
	MinPartSize               = 5 << 20
	maxParts                  = 10000
)

// Part is one byte range of a multipart upload. Numbers start at 1.
type Part struct {
	Number int
	Offset int64
	Size   int64
}

// PlanParts splits size bytes into ceil(size/partSize) ranges. partSize is
// raised to MinPartSize, and further if the object would need more parts
// than storage accepts.
func PlanParts(size, partSize int64) []Part {
	if size <= 0 {
		return nil
	}
	if partSize < MinPartSize {
		partSize = MinPartSize
	}
	if (size+partSize-1)/partSize > maxParts {
		partSize = (size + maxParts - 1) / maxParts
	}

	parts := make([]Part, 0, (size+partSize-1)/partSize)
	for offset, n := int64(0), 1; offset < size; offset, n = offset+partSize, n+1 {
		length := partSize
		if offset+length > size {
			length = size - offset
		}
		parts = append(parts, Part{Number: n, Offset: offset, Size: length})
	}
	return parts
}
