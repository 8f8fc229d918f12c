package domain

const (
	DefaultPageSize = 15
	MaxPageSize     = 500
)

// PageRequest selects one page of an ordered result set.
// Snapshot pins the read to rows with sequence <= Snapshot; zero reads latest.
type PageRequest struct {
	Page     int   `json:"page"`
	Size     int   `json:"size"`
	Snapshot int64 `json:"snapshot,omitempty"`
}

// Validate rejects negative pages and out of range sizes
func (r PageRequest) Validate() error {
	if r.Page < 0 {
		return InvalidArgument("page must be >= 0, got %d", r.Page)
	}
	if r.Size <= 0 || r.Size > MaxPageSize {
		return InvalidArgument("size must be between 1 and %d, got %d", MaxPageSize, r.Size)
	}
	if r.Snapshot < 0 {
		return InvalidArgument("snapshot must be >= 0, got %d", r.Snapshot)
	}
	return nil
}

// Clamp caps Size at MaxPageSize. Other fields are left for Validate.
func (r PageRequest) Clamp() PageRequest {
	if r.Size > MaxPageSize {
		r.Size = MaxPageSize
	}
	return r
}

// Offset returns the index of the first row on the page
func (r PageRequest) Offset() int64 {
	return int64(r.Page) * int64(r.Size)
}

// Page is the pagination envelope returned by every listing
type Page[T any] struct {
	Content       []T   `json:"content"`
	Page          int   `json:"page"`
	Size          int   `json:"size"`
	TotalElements int64 `json:"totalElements"`
	TotalPages    int   `json:"totalPages"`
	HasNext       bool  `json:"hasNext"`
	HasPrevious   bool  `json:"hasPrevious"`
	Snapshot      int64 `json:"snapshot"`
}

// NewPage wraps content with envelope metadata derived from total
func NewPage[T any](content []T, req PageRequest, total, snapshot int64) *Page[T] {
	if content == nil {
		content = []T{}
	}
	totalPages := int((total + int64(req.Size) - 1) / int64(req.Size))
	return &Page[T]{
		Content:       content,
		Page:          req.Page,
		Size:          req.Size,
		TotalElements: total,
		TotalPages:    totalPages,
		HasNext:       req.Page < totalPages-1,
		HasPrevious:   req.Page > 0,
		Snapshot:      snapshot,
	}
}

// Window returns the [start, end) bounds of the page within n ordered rows
func (r PageRequest) Window(n int) (start, end int) {
	off := r.Offset()
	if off >= int64(n) {
		return n, n
	}
	start = int(off)
	end = start + r.Size
	if end > n {
		end = n
	}
	return start, end
}
