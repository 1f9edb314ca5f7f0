package query

import "testing"

func TestClampLimit(t *testing.T) {
	cases := []struct{ in, want int }{
		{0, defaultPageSize},
		{-5, defaultPageSize},
		{25, 25},
		{maxPageSize + 1, maxPageSize},
	}
	for _, c := range cases {
		if got := clampLimit(c.in); got != c.want {
			t.Errorf("clampLimit(%d) = %d, want %d", c.in, got, c.want)
		}
	}
}

func TestNextCursor(t *testing.T) {
	page := func(seqs ...int64) []FillResponse {
		out := make([]FillResponse, len(seqs))
		for i, s := range seqs {
			out[i] = FillResponse{Sequence: s}
		}
		return out
	}

	if got := nextCursor(page(9, 8), 3); got != 0 {
		t.Errorf("short page: cursor = %d, want 0", got)
	}
	if got := nextCursor(nil, 3); got != 0 {
		t.Errorf("empty page: cursor = %d, want 0", got)
	}
	// The last sequence may continue on the next page.
	if got := nextCursor(page(9, 8, 7), 3); got != 8 {
		t.Errorf("full page: cursor = %d, want 8", got)
	}
	if got := nextCursor(page(5, 5, 5), 3); got != 5 {
		t.Errorf("single-sequence page: cursor = %d, want 5", got)
	}
}
