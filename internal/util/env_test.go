package util

import (
	"strings"
	"testing"
)

func TestParseBoolEnv(t *testing.T) {
	tests := []struct {
		value string
		def   bool
		want  bool
	}{
		{"true", false, true},
		{"1", false, true},
		{"YES", false, true},
		{"on", false, true},
		{"false", true, false},
		{"0", true, false},
		{"No", true, false},
		{"off", true, false},
		{"", true, true},
		{"", false, false},
		{"maybe", true, true},
		{" true ", false, true},
	}
	for _, tt := range tests {
		t.Setenv("LINGOPIPE_TEST_BOOL", tt.value)
		if got := ParseBoolEnv("LINGOPIPE_TEST_BOOL", tt.def); got != tt.want {
			t.Errorf("ParseBoolEnv(%q, %v) = %v, want %v", tt.value, tt.def, got, tt.want)
		}
	}
}

func TestParseIntEnv(t *testing.T) {
	tests := []struct {
		value string
		def   int
		want  int
	}{
		{"19", 7, 19},
		{" 3 ", 7, 3},
		{"-1", 7, -1},
		{"", 7, 7},
		{"seven", 7, 7},
	}
	for _, tt := range tests {
		t.Setenv("LINGOPIPE_TEST_INT", tt.value)
		if got := ParseIntEnv("LINGOPIPE_TEST_INT", tt.def); got != tt.want {
			t.Errorf("ParseIntEnv(%q, %d) = %d, want %d", tt.value, tt.def, got, tt.want)
		}
	}
}

func TestGenerateMessageID(t *testing.T) {
	a := GenerateMessageID()
	b := GenerateMessageID()
	if !strings.HasPrefix(a, "msg_") {
		t.Errorf("id %q missing prefix", a)
	}
	if a == b {
		t.Error("consecutive ids should differ")
	}
}
