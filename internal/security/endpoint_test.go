package security

import "testing"

func TestValidateEndpointURL_AllowsPublicIP(t *testing.T) {
	// IP literals skip DNS resolution, keeping the test hermetic.
	if err := ValidateEndpointURL("https://203.0.113.10/hooks/delivery"); err != nil {
		t.Errorf("expected public IP to be allowed, got %v", err)
	}
}

func TestValidateEndpointURL_Blocked(t *testing.T) {
	tests := []struct {
		name string
		url  string
	}{
		{"empty", ""},
		{"bad scheme", "ftp://203.0.113.10/hook"},
		{"no host", "https:///hook"},
		{"localhost", "http://localhost:8080/hook"},
		{"loopback", "http://127.0.0.1/hook"},
		{"private 10", "http://10.0.0.5/hook"},
		{"private 192", "http://192.168.1.1/hook"},
		{"link-local metadata", "http://169.254.169.254/latest/meta-data"},
		{"gcp metadata host", "http://metadata.google.internal/computeMetadata"},
		{"unspecified", "http://0.0.0.0/hook"},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if err := ValidateEndpointURL(tc.url); err == nil {
				t.Errorf("expected %q to be rejected", tc.url)
			}
		})
	}
}
