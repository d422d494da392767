package domain

import "math"

// MaxPageSize はページサイズの上限。
const MaxPageSize = 100

// PageRequest はページング条件を表す。Page は1始まり。
type PageRequest struct {
	Page     int
	PageSize int
}

// NewPageRequest はページング条件を検証して生成する。
func NewPageRequest(page, pageSize int) (PageRequest, error) {
	if page < 1 || pageSize < 1 || pageSize > MaxPageSize {
		return PageRequest{}, ErrInvalidPagination
	}
	return PageRequest{Page: page, PageSize: pageSize}, nil
}

// Offset は先頭からの読み飛ばし件数を返す。int に収まらない場合は math.MaxInt を返す。
func (p PageRequest) Offset() int {
	if p.PageSize > 0 && p.Page-1 > math.MaxInt/p.PageSize {
		return math.MaxInt
	}
	return (p.Page - 1) * p.PageSize
}

// Page はページング結果を表す。Total はページに関わらず全件数。
type Page[T any] struct {
	Page     int
	PageSize int
	Total    int64
	Data     []T
}

// Paginate は挿入順に並んだ items から req のページを切り出す。
func Paginate[T any](items []T, req PageRequest) *Page[T] {
	start := min(req.Offset(), len(items))
	end := min(start+req.PageSize, len(items))
	data := make([]T, end-start)
	copy(data, items[start:end])
	return &Page[T]{
		Page:     req.Page,
		PageSize: req.PageSize,
		Total:    int64(len(items)),
		Data:     data,
	}
}
