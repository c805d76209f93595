package user

import (
	"testing"
	"time"

	"github.com/alttpr-multiworld/server/pkg/config"
)

// TestGetMaxFailedAttempts tests configuration reading
func TestGetMaxFailedAttempts(t *testing.T) {
	tests := []struct {
		name     string
		config   *config.AuthConfig
		expected int
	}{
		{
			name:     "No config",
			config:   nil,
			expected: 5, // default
		},
		{
			name: "With config",
			config: &config.AuthConfig{
				MaxLoginAttempts: 3,
			},
			expected: 3,
		},
		{
			name:     "Empty config",
			config:   &config.AuthConfig{},
			expected: 5, // default
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			service := &Service{
				authConfig: tt.config,
			}

			result := service.getMaxFailedAttempts()
			if result != tt.expected {
				t.Errorf("Expected %d, got %d", tt.expected, result)
			}
		})
	}
}

// TestGetLockDuration tests lock duration configuration
func TestGetLockDuration(t *testing.T) {
	tests := []struct {
		name     string
		config   *config.AuthConfig
		expected time.Duration
	}{
		{
			name:     "No config",
			config:   nil,
			expected: 15 * time.Minute, // default
		},
		{
			name: "With config",
			config: &config.AuthConfig{
				LockoutDuration: "30m",
			},
			expected: 30 * time.Minute,
		},
		{
			name: "Invalid duration",
			config: &config.AuthConfig{
				LockoutDuration: "invalid",
			},
			expected: 15 * time.Minute, // default on error
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			service := &Service{
				authConfig: tt.config,
			}

			result := service.getLockDuration()
			if result != tt.expected {
				t.Errorf("Expected %v, got %v", tt.expected, result)
			}
		})
	}
}
