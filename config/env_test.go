package config

import (
	"testing"
	"time"
)

func TestInt(t *testing.T) {
	tests := []struct {
		name string
		val  string
		want int
	}{
		{"unset", "", 7},
		{"valid", "12", 12},
		{"padded", " 3 ", 3},
		{"zero", "0", 7},
		{"garbage", "many", 7},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("CONFIG_TEST_INT", tt.val)
			if got := Int("CONFIG_TEST_INT", 7); got != tt.want {
				t.Fatalf("Int() = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestDuration(t *testing.T) {
	t.Setenv("CONFIG_TEST_DUR", "90s")
	if got := Duration("CONFIG_TEST_DUR", time.Second); got != 90*time.Second {
		t.Fatalf("Duration() = %v", got)
	}
	t.Setenv("CONFIG_TEST_DUR", "-1m")
	if got := Duration("CONFIG_TEST_DUR", time.Second); got != time.Second {
		t.Fatalf("negative duration should fall back, got %v", got)
	}
	t.Setenv("CONFIG_TEST_DUR", "0s")
	if got := Duration("CONFIG_TEST_DUR", time.Second); got != 0 {
		t.Fatalf("zero is allowed, got %v", got)
	}
}

func TestRequire(t *testing.T) {
	t.Setenv("CONFIG_TEST_A", "a")
	t.Setenv("CONFIG_TEST_B", "")
	t.Setenv("CONFIG_TEST_C", "c")

	if _, err := Require("CONFIG_TEST_A", "CONFIG_TEST_B"); err == nil || err.Error() != "missing config: CONFIG_TEST_B" {
		t.Fatalf("unexpected error %v", err)
	}
	vals, err := Require("CONFIG_TEST_A", "CONFIG_TEST_C")
	if err != nil {
		t.Fatalf("unexpected error %v", err)
	}
	if vals[0] != "a" || vals[1] != "c" {
		t.Fatalf("unexpected values %v", vals)
	}
	if got := String("CONFIG_TEST_B", "fallback"); got != "fallback" {
		t.Fatalf("String() = %q", got)
	}
}
