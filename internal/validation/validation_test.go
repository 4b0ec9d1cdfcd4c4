package validation

import (
	"testing"
)

func TestIsValidID(t *testing.T) {
	tests := []struct {
		id    string
		valid bool
	}{
		{"user_1", true},
		{"esc_abc123", true},
		{"co-9f2e", true},
		{"A", true},

		// Invalid cases
		{"", false},
		{"-leading-hyphen", false},
		{"has space", false},
		{"semi;colon", false},
		{"../etc/passwd", false},
		{"aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa", false}, // 65 chars
	}

	for _, tc := range tests {
		result := IsValidID(tc.id)
		if result != tc.valid {
			t.Errorf("IsValidID(%q) = %v, want %v", tc.id, result, tc.valid)
		}
	}
}

func TestSanitizeString(t *testing.T) {
	tests := []struct {
		input    string
		maxLen   int
		expected string
	}{
		{"hello", 10, "hello"},
		{"  hello  ", 10, "hello"},
		{"hello world", 5, "hello"},
		{"hello\x00world", 20, "helloworld"},
	}

	for _, tc := range tests {
		result := SanitizeString(tc.input, tc.maxLen)
		if result != tc.expected {
			t.Errorf("SanitizeString(%q, %d) = %q, want %q", tc.input, tc.maxLen, result, tc.expected)
		}
	}
}

func TestValidate(t *testing.T) {
	// Test valid input
	errors := Validate(
		Required("name", "John"),
		ValidID("userId", "user_1"),
	)
	if len(errors) != 0 {
		t.Errorf("Expected no errors, got %v", errors)
	}

	// Test invalid input
	errors = Validate(
		Required("name", ""),
		ValidID("userId", "not valid"),
	)
	if len(errors) != 2 {
		t.Errorf("Expected 2 errors, got %d", len(errors))
	}
}

func TestMaxLength(t *testing.T) {
	// Under limit
	err := MaxLength("field", "hello", 10)()
	if err != nil {
		t.Error("Expected no error for string under limit")
	}

	// At limit
	err = MaxLength("field", "hello", 5)()
	if err != nil {
		t.Error("Expected no error for string at limit")
	}

	// Over limit
	err = MaxLength("field", "hello world", 5)()
	if err == nil {
		t.Error("Expected error for string over limit")
	}
}
