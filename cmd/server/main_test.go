package main

import (
	"reflect"
	"testing"
	"time"
)

func TestResolveListenAddr(t *testing.T) {
	cases := []struct {
		name     string
		flag     string
		envAddr  string
		envPort  string
		expected string
	}{
		{name: "flag wins", flag: "127.0.0.1:9000", envAddr: ":7000", envPort: "6000", expected: "127.0.0.1:9000"},
		{name: "addr env", envAddr: ":7000", envPort: "6000", expected: ":7000"},
		{name: "port env", envPort: "6000", expected: ":6000"},
		{name: "port env with colon", envPort: ":6000", expected: ":6000"},
		{name: "default", expected: ":8080"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := resolveListenAddr(tc.flag, tc.envAddr, tc.envPort); got != tc.expected {
				t.Fatalf("resolveListenAddr = %q, want %q", got, tc.expected)
			}
		})
	}
}

func TestResolveStateDriver(t *testing.T) {
	if driver, err := resolveStateDriver("", ""); err != nil || driver != "memory" {
		t.Fatalf("default driver = %q, %v, want memory", driver, err)
	}
	if driver, err := resolveStateDriver("", " Postgres "); err != nil || driver != "postgres" {
		t.Fatalf("env driver = %q, %v, want postgres", driver, err)
	}
	if driver, err := resolveStateDriver("MEMORY", "postgres"); err != nil || driver != "memory" {
		t.Fatalf("flag should win: got %q, %v", driver, err)
	}
	if _, err := resolveStateDriver("sqlite", ""); err == nil {
		t.Fatal("expected error for unsupported driver")
	}
}

func TestFirstNonEmpty(t *testing.T) {
	if got := firstNonEmpty("", "  ", "value", "later"); got != "value" {
		t.Fatalf("firstNonEmpty = %q", got)
	}
	if got := firstNonEmpty("", "   "); got != "" {
		t.Fatalf("expected empty result, got %q", got)
	}
}

func TestSplitAndTrim(t *testing.T) {
	got := splitAndTrim(" https://a.example , ,https://b.example ")
	want := []string{"https://a.example", "https://b.example"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("splitAndTrim = %v, want %v", got, want)
	}
	if got := splitAndTrim("  "); got != nil {
		t.Fatalf("expected nil for blank input, got %v", got)
	}
}

func TestResolveIntPrefersFlagThenEnv(t *testing.T) {
	t.Setenv("VODFORGE_TEST_INT", "25")
	if got := resolveInt(10, "VODFORGE_TEST_INT"); got != 10 {
		t.Fatalf("flag should win, got %d", got)
	}
	if got := resolveInt(0, "VODFORGE_TEST_INT"); got != 25 {
		t.Fatalf("env fallback = %d, want 25", got)
	}
	t.Setenv("VODFORGE_TEST_INT", "not-a-number")
	if got := resolveInt(0, "VODFORGE_TEST_INT"); got != 0 {
		t.Fatalf("unparseable env should yield 0, got %d", got)
	}
}

func TestResolveDuration(t *testing.T) {
	t.Setenv("VODFORGE_TEST_DURATION", "45s")
	if got := resolveDuration(2*time.Second, "VODFORGE_TEST_DURATION", time.Minute); got != 2*time.Second {
		t.Fatalf("flag should win, got %v", got)
	}
	if got := resolveDuration(0, "VODFORGE_TEST_DURATION", time.Minute); got != 45*time.Second {
		t.Fatalf("env fallback = %v, want 45s", got)
	}
	t.Setenv("VODFORGE_TEST_DURATION", "bogus")
	if got := resolveDuration(0, "VODFORGE_TEST_DURATION", time.Minute); got != time.Minute {
		t.Fatalf("fallback = %v, want 1m", got)
	}
}

func TestResolveBool(t *testing.T) {
	if !resolveBool(true, "VODFORGE_TEST_BOOL") {
		t.Fatal("flag true should win")
	}
	t.Setenv("VODFORGE_TEST_BOOL", "true")
	if !resolveBool(false, "VODFORGE_TEST_BOOL") {
		t.Fatal("env true should apply")
	}
	t.Setenv("VODFORGE_TEST_BOOL", "0")
	if resolveBool(false, "VODFORGE_TEST_BOOL") {
		t.Fatal("env 0 should stay false")
	}
}
