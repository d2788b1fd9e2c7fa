package models

// SortField selects the ordering of alert listings.
type SortField string

const (
	SortByDate SortField = "date"
	SortByName SortField = "name"
)

// PageControl describes which page of a listing to return.
type PageControl struct {
	Page       int       // zero-based
	PageSize   int       // 0 means unbounded
	SortBy     SortField // default SortByDate
	Descending bool
}

// Offset returns the row offset of the page.
func (pc PageControl) Offset() int {
	if pc.Page <= 0 || pc.PageSize <= 0 {
		return 0
	}
	return pc.Page * pc.PageSize
}

// PageList is one page of results and the total number of matching rows.
type PageList[T any] struct {
	Items []T   `json:"items"`
	Total int64 `json:"total"`
}
