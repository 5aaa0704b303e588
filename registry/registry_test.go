package registry

import (
	"errors"
	"fmt"
	"sync"
	"testing"
)

func TestRegisterReplacesInPlace(t *testing.T) {
	r := New[string]()
	r.Register("a", "a1")
	r.Register("b", "b1")
	if replaced := r.Register("a", "a2"); !replaced {
		t.Fatalf("expected replace to be reported")
	}

	if want, got := 2, r.Len(); want != got {
		t.Fatalf("unexpected len: want %d got %d", want, got)
	}
	got, err := r.Get("a")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if want := "a2"; want != got {
		t.Fatalf("want %q got %q", want, got)
	}
	list := r.List()
	if list[0] != "a2" || list[1] != "b1" {
		t.Fatalf("registration order not kept: %v", list)
	}
}

func TestGetMissing(t *testing.T) {
	r := New[int]()
	if _, err := r.Get("nope"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestPageWalk(t *testing.T) {
	for _, n := range []int{0, 1, 6, 7, 20} {
		for _, size := range []int{1, 3, 7, 50} {
			t.Run(fmt.Sprintf("n=%d size=%d", n, size), func(t *testing.T) {
				r := New[string]()
				for i := 0; i < n; i++ {
					// Keys are deliberately non-contiguous and non-numeric.
					k := fmt.Sprintf("file:///docs/%03d-%c.md", i*7, 'a'+rune(i%26))
					r.Register(k, k)
				}

				seen := make(map[string]int)
				var cursor *string
				pages := 0
				for {
					p, err := r.Page(cursor, size)
					if err != nil {
						t.Fatalf("page: %v", err)
					}
					pages++
					for _, it := range p.Items {
						seen[it]++
					}
					if p.NextCursor == nil {
						break
					}
					if pages > n+1 {
						t.Fatalf("pagination did not terminate")
					}
					cursor = p.NextCursor
				}

				if want, got := n, len(seen); want != got {
					t.Fatalf("unexpected distinct items: want %d got %d", want, got)
				}
				for k, c := range seen {
					if c != 1 {
						t.Fatalf("item %q seen %d times", k, c)
					}
				}
			})
		}
	}
}

func TestPageInvalidCursor(t *testing.T) {
	r := New[string]()
	r.Register("a", "a")
	r.Register("b", "b")

	bad := "%%%"
	if _, err := r.Page(&bad, 1); !errors.Is(err, ErrInvalidCursor) {
		t.Fatalf("expected ErrInvalidCursor, got %v", err)
	}

	p, err := r.Page(nil, 1)
	if err != nil {
		t.Fatalf("page: %v", err)
	}
	r.Remove("a")
	if _, err := r.Page(p.NextCursor, 1); !errors.Is(err, ErrInvalidCursor) {
		t.Fatalf("expected ErrInvalidCursor after removal, got %v", err)
	}
}

func TestConcurrentRegisterAndRead(t *testing.T) {
	r := New[int]()
	var wg sync.WaitGroup
	for w := 0; w < 4; w++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				r.Register(fmt.Sprintf("k%d", i%50), i)
			}
		}()
		go func() {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				_, _ = r.Page(nil, 10)
				_ = r.List()
				_, _ = r.Get("k1")
			}
		}()
	}
	wg.Wait()

	if want, got := 50, r.Len(); want != got {
		t.Fatalf("unexpected len: want %d got %d", want, got)
	}
}

func TestOnChange(t *testing.T) {
	var calls int
	r := New(WithOnChange[string](func() { calls++ }))
	r.Register("a", "x")
	r.Register("a", "y")
	r.Remove("a")
	r.Remove("a")
	if want, got := 3, calls; want != got {
		t.Fatalf("unexpected onChange calls: want %d got %d", want, got)
	}
}

func TestMapPageKeepsCursor(t *testing.T) {
	r := New[int]()
	for i := range 3 {
		r.Register(fmt.Sprint(i), i)
	}
	page, err := r.Page(nil, 2)
	if err != nil {
		t.Fatalf("Page: %v", err)
	}
	mapped := MapPage(page, func(n int) string { return fmt.Sprintf("#%d", n) })
	if len(mapped.Items) != 2 || mapped.Items[0] != "#0" || mapped.Items[1] != "#1" {
		t.Fatalf("unexpected items: %v", mapped.Items)
	}
	if mapped.NextCursor == nil || *mapped.NextCursor != *page.NextCursor {
		t.Fatalf("cursor not preserved: want %v got %v", page.NextCursor, mapped.NextCursor)
	}
}
