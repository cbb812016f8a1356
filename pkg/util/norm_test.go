package util

import "testing"

func TestNormMAC(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"00:11:22:33:44:55", "00:11:22:33:44:55"},
		{"00:11:22:AA:BB:CC", "00:11:22:aa:bb:cc"},
		{"00-11-22-33-44-55", "00:11:22:33:44:55"},
		{"0011.2233.4455", "00:11:22:33:44:55"},
		{"001122334455", "00:11:22:33:44:55"},
		{"0:1:2:3:4:5", "00:01:02:03:04:05"},
		{"AABBCCDDEEFF", "aa:bb:cc:dd:ee:ff"},
	}
	for _, tt := range tests {
		got, err := NormMAC(tt.in)
		if err != nil {
			t.Errorf("NormMAC(%q) unexpected error: %v", tt.in, err)
			continue
		}
		if got != tt.want {
			t.Errorf("NormMAC(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestNormMAC_Invalid(t *testing.T) {
	for _, in := range []string{"", "00:11:22:33:44", "00:11:22:33:44:55:66", "zz:11:22:33:44:55", "001122334", "00112233445566"} {
		if _, err := NormMAC(in); err == nil {
			t.Errorf("NormMAC(%q) expected error, got none", in)
		}
	}
}

func TestFormatMAC(t *testing.T) {
	mac := "00:11:22:aa:bb:cc"
	if got := FormatMAC(mac, "", true); got != "001122AABBCC" {
		t.Errorf("FormatMAC upper no-sep = %q, want %q", got, "001122AABBCC")
	}
	if got := FormatMAC(mac, "-", false); got != "00-11-22-aa-bb-cc" {
		t.Errorf("FormatMAC dash = %q, want %q", got, "00-11-22-aa-bb-cc")
	}
}

func TestNormIP(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"192.168.1.1", "192.168.1.1"},
		{"010.001.002.003", "10.1.2.3"},
		{"0.0.0.0", "0.0.0.0"},
	}
	for _, tt := range tests {
		got, err := NormIP(tt.in)
		if err != nil {
			t.Errorf("NormIP(%q) unexpected error: %v", tt.in, err)
			continue
		}
		if got != tt.want {
			t.Errorf("NormIP(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestNormIP_Invalid(t *testing.T) {
	for _, in := range []string{"", "1.2.3", "1.2.3.4.5", "256.1.1.1", "a.b.c.d"} {
		if _, err := NormIP(in); err == nil {
			t.Errorf("NormIP(%q) expected error, got none", in)
		}
	}
}

func TestIsNormMAC(t *testing.T) {
	if !IsNormMAC("00:11:22:33:44:55") {
		t.Error("IsNormMAC on normalized MAC should be true")
	}
	if IsNormMAC("00-11-22-33-44-55") {
		t.Error("IsNormMAC on dashed MAC should be false")
	}
	if IsNormMAC("00:11:22:AA:44:55") {
		t.Error("IsNormMAC on uppercase MAC should be false")
	}
}
