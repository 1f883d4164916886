package config

import (
	"reflect"
	"testing"
	"time"
)

func TestDuration(t *testing.T) {
	cases := []struct {
		raw  string
		want time.Duration
	}{
		{"", 7 * time.Second},
		{"250ms", 250 * time.Millisecond},
		{"3", 3 * time.Second},
		{"-1s", 7 * time.Second},
		{"soon", 7 * time.Second},
	}
	for _, tc := range cases {
		t.Setenv(EnvPollInterval, tc.raw)
		if got := Duration(EnvPollInterval, 7*time.Second); got != tc.want {
			t.Fatalf("Duration(%q) = %v, want %v", tc.raw, got, tc.want)
		}
	}
}

func TestIntsSkipsInvalidItems(t *testing.T) {
	fallback := []int{2021, 1990}
	t.Setenv(EnvDiscoveryPorts, "1990, x, 2021")
	if got := Ints(EnvDiscoveryPorts, fallback); !reflect.DeepEqual(got, []int{1990, 2021}) {
		t.Fatalf("Ints = %v", got)
	}
	t.Setenv(EnvDiscoveryPorts, "x,y")
	if got := Ints(EnvDiscoveryPorts, fallback); !reflect.DeepEqual(got, fallback) {
		t.Fatalf("Ints with no valid items = %v, want fallback", got)
	}
}

func TestBoolAndString(t *testing.T) {
	t.Setenv(EnvLegacyInstall, "YES")
	if !Bool(EnvLegacyInstall, false) {
		t.Fatal("YES should parse as true")
	}
	t.Setenv(EnvLegacyInstall, "maybe")
	if !Bool(EnvLegacyInstall, true) {
		t.Fatal("unrecognized value should return fallback")
	}
	t.Setenv(EnvSSHUser, "  admin ")
	if got := String(EnvSSHUser, "root"); got != "admin" {
		t.Fatalf("String = %q", got)
	}
	t.Setenv(EnvSSHUser, " ")
	if got := String(EnvSSHUser, "root"); got != "root" {
		t.Fatalf("blank String = %q", got)
	}
}
