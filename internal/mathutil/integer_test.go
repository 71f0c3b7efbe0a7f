package mathutil

import "testing"

func TestCeilDiv(t *testing.T) {
	cases := []struct{ x, y, want int }{
		{10, 5, 2},
		{11, 5, 3},
		{0, 5, 0},
		{5, 0, 0},
	}
	for _, c := range cases {
		if got := CeilDiv(c.x, c.y); got != c.want {
			t.Errorf("CeilDiv(%d,%d) = %d, want %d", c.x, c.y, got, c.want)
		}
	}
}

func TestSafeAddOverflow(t *testing.T) {
	if _, overflow := SafeAdd(1, 2); overflow {
		t.Fatal("unexpected overflow")
	}
	if _, overflow := SafeAdd(MaxUint64, 1); !overflow {
		t.Fatal("expected overflow")
	}
}

func TestAbsoluteDifference(t *testing.T) {
	if got := AbsoluteDifference(10, 3); got != 7 {
		t.Fatalf("got %d, want 7", got)
	}
	if got := AbsoluteDifference(3, 10); got != 7 {
		t.Fatalf("got %d, want 7", got)
	}
}
