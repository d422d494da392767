package domain

import (
	"errors"
	"math"
	"testing"
)

func TestNewPageRequest(t *testing.T) {
	if _, err := NewPageRequest(1, 10); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	invalid := [][2]int{{0, 10}, {1, 0}, {-1, 5}, {1, MaxPageSize + 1}}
	for _, p := range invalid {
		if _, err := NewPageRequest(p[0], p[1]); !errors.Is(err, ErrInvalidPagination) {
			t.Errorf("NewPageRequest(%d, %d): want ErrInvalidPagination, got %v", p[0], p[1], err)
		}
	}
}

func TestPaginate(t *testing.T) {
	items := []int{1, 2, 3, 4, 5, 6, 7}

	tests := []struct {
		page, size int
		want       []int
	}{
		{1, 3, []int{1, 2, 3}},
		{2, 3, []int{4, 5, 6}},
		{3, 3, []int{7}},
		{4, 3, []int{}},
		{1, 10, []int{1, 2, 3, 4, 5, 6, 7}},
	}

	for _, tt := range tests {
		req, err := NewPageRequest(tt.page, tt.size)
		if err != nil {
			t.Fatalf("NewPageRequest failed: %v", err)
		}
		got := Paginate(items, req)
		if got.Total != 7 {
			t.Errorf("page %d/%d: want total 7, got %d", tt.page, tt.size, got.Total)
		}
		if got.Page != tt.page || got.PageSize != tt.size {
			t.Errorf("page %d/%d: got page=%d pageSize=%d", tt.page, tt.size, got.Page, got.PageSize)
		}
		if len(got.Data) != len(tt.want) {
			t.Fatalf("page %d/%d: want %v, got %v", tt.page, tt.size, tt.want, got.Data)
		}
		for i := range tt.want {
			if got.Data[i] != tt.want[i] {
				t.Errorf("page %d/%d: want %v, got %v", tt.page, tt.size, tt.want, got.Data)
				break
			}
		}
	}
}

func TestPaginate_DoesNotAliasSource(t *testing.T) {
	items := []int{1, 2, 3}
	req, _ := NewPageRequest(1, 2)
	page := Paginate(items, req)
	page.Data[0] = 99
	if items[0] != 1 {
		t.Errorf("want source untouched, got %v", items)
	}
}

func TestPageRequest_OffsetSaturates(t *testing.T) {
	req, err := NewPageRequest(math.MaxInt/50, MaxPageSize)
	if err != nil {
		t.Fatalf("NewPageRequest failed: %v", err)
	}
	if got := req.Offset(); got != math.MaxInt {
		t.Errorf("want offset math.MaxInt, got %d", got)
	}

	last, _ := NewPageRequest(math.MaxInt, 1)
	if got := last.Offset(); got != math.MaxInt-1 {
		t.Errorf("want offset %d, got %d", math.MaxInt-1, got)
	}
}

func TestPaginate_FarPage(t *testing.T) {
	items := []int{1, 2, 3}
	req, err := NewPageRequest(math.MaxInt/50, MaxPageSize)
	if err != nil {
		t.Fatalf("NewPageRequest failed: %v", err)
	}

	got := Paginate(items, req)
	if len(got.Data) != 0 {
		t.Errorf("want empty data, got %v", got.Data)
	}
	if got.Total != 3 || got.Page != req.Page {
		t.Errorf("unexpected page info: total=%d page=%d", got.Total, got.Page)
	}
}
