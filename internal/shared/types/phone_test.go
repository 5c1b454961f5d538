package types

import (
	"reflect"
	"testing"
)

func TestNormalizePhone(t *testing.T) {
	tests := []struct {
		in       string
		expected string
	}{
		{"9876543210", "9876543210"},
		{"+919876543210", "9876543210"},
		{"+91 98765-43210", "9876543210"},
		{"(0091) 98765 43210", "9876543210"},
		{"12345", "12345"},
		{"", ""},
		{"undefined", ""},
	}

	for _, tt := range tests {
		if got := NormalizePhone(tt.in); got != tt.expected {
			t.Errorf("NormalizePhone(%q): expected %q, got %q", tt.in, tt.expected, got)
		}
	}
}

func TestPhoneVariants(t *testing.T) {
	tests := []struct {
		in       string
		expected []string
	}{
		{"9876543210", []string{"9876543210", "+919876543210", "+91 9876543210"}},
		{"+919876543210", []string{"+919876543210", "+91+919876543210", "+91 +919876543210", "9876543210"}},
		{"", nil},
	}

	for _, tt := range tests {
		if got := PhoneVariants(tt.in); !reflect.DeepEqual(got, tt.expected) {
			t.Errorf("PhoneVariants(%q): expected %v, got %v", tt.in, tt.expected, got)
		}
	}
}
