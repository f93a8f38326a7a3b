package format

import "testing"

func TestHumanBytes(t *testing.T) {
	tests := []struct {
		input    int64
		expected string
	}{
		{0, "0 B"},
		{999, "999 B"},
		{1000, "1 KB"},
		{1500, "1.5 KB"},
		{12_345, "12 KB"},
		{1_000_000, "1 MB"},
		{250_000_000, "250 MB"},
		{1_000_000_000, "1 GB"},
		{3_000_000_000_000, "3 TB"},
	}

	for _, tt := range tests {
		if got := HumanBytes(tt.input); got != tt.expected {
			t.Errorf("HumanBytes(%d): erwartet %q, bekommen %q", tt.input, tt.expected, got)
		}
	}
}

func TestHumanBytes2(t *testing.T) {
	tests := []struct {
		input    uint64
		expected string
	}{
		{0, "0 B"},
		{1023, "1023 B"},
		{1024, "1.0 KiB"},
		{1536, "1.5 KiB"},
		{64 * KibiByte, "64.0 KiB"},
		{MebiByte, "1.0 MiB"},
		{4 * GibiByte, "4.0 GiB"},
	}

	for _, tt := range tests {
		if got := HumanBytes2(tt.input); got != tt.expected {
			t.Errorf("HumanBytes2(%d): erwartet %q, bekommen %q", tt.input, tt.expected, got)
		}
	}
}
