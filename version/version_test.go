package version

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jobgate/evalpulse/errors"
)

func TestInfo_String(t *testing.T) {
	info := Info{Version: "dev", CommitHash: "abcdef123456", BuildTime: "now"}
	assert.Equal(t, "evalpulse dev (commit abcdef123456, built now)", info.String())
	assert.Equal(t, "abcdef1", info.Short())

	info.Version = "1.2.0"
	assert.Contains(t, info.String(), "evalpulse 1.2.0")
	assert.Equal(t, "ab", Info{CommitHash: "ab"}.Short())
}

func TestCheckCompatible(t *testing.T) {
	tests := []struct {
		name       string
		version    string
		constraint string
		wantErr    string
	}{
		{"in range", "1.4.2", ">= 1.0.0, < 2.0.0", ""},
		{"v prefix", "v1.0.0", ">= 1.0.0, < 2.0.0", ""},
		{"empty constraint", "garbage", "", ""},
		{"too new", "2.0.0", ">= 1.0.0, < 2.0.0", "does not satisfy"},
		{"too old", "0.9.1", ">= 1.0.0", "does not satisfy"},
		{"bad version", "latest", ">= 1.0.0", "invalid backend version"},
		{"bad constraint", "1.0.0", "foo", "invalid version constraint"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := CheckCompatible(tt.version, tt.constraint)
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestCheckCompatible_Hint(t *testing.T) {
	err := CheckCompatible("3.0.0", "< 2.0.0")
	require.Error(t, err)
	assert.NotEmpty(t, errors.GetAllHints(err))
	assert.NotEmpty(t, errors.GetAllDetails(err))
}
