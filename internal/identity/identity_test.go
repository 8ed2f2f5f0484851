package identity

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const checksummed = "0x5aAeb6053F3E94C9b9A09f33669435E7Ef1BeAed"

func TestNewDeviceID(t *testing.T) {
	id := NewDeviceID()

	kind, err := KindOf(id)
	require.NoError(t, err)
	assert.Equal(t, KindDevice, kind)
	assert.NotEqual(t, id, NewDeviceID())
}

func TestNormalizeWallet(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    string
		wantErr bool
	}{
		{"lowercase", strings.ToLower(checksummed), checksummed, false},
		{"already checksummed", checksummed, checksummed, false},
		{"without prefix", strings.TrimPrefix(strings.ToLower(checksummed), "0x"), checksummed, false},
		{"surrounding space", "  " + checksummed + " ", checksummed, false},
		{"too short", "0x1234", "", true},
		{"not hex", "0xZZAeb6053F3E94C9b9A09f33669435E7Ef1BeAed", "", true},
		{"zero address", "0x0000000000000000000000000000000000000000", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := NormalizeWallet(tt.input)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalidWallet)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestKindOf(t *testing.T) {
	tests := []struct {
		name string
		id   string
		want Kind
		ok   bool
	}{
		{"device", "3f1b7c5e-8a2d-4e6f-9b0a-1c2d3e4f5a6b", KindDevice, true},
		{"uppercase device", "3F1B7C5E-8A2D-4E6F-9B0A-1C2D3E4F5A6B", "", false},
		{"uuid v1", "6ba7b810-9dad-11d1-80b4-00c04fd430c8", "", false},
		{"wallet", checksummed, KindWallet, true},
		{"lowercase wallet", strings.ToLower(checksummed), "", false},
		{"empty", "", "", false},
		{"free text", "alice", "", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			kind, err := KindOf(tt.id)
			if !tt.ok {
				assert.ErrorIs(t, err, ErrInvalidAccountID)
				assert.Error(t, ValidateAccountID(tt.id))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, kind)
			assert.NoError(t, ValidateAccountID(tt.id))
		})
	}
}

func TestValidTokenID(t *testing.T) {
	assert.True(t, ValidTokenID("3f1b7c5e-8a2d-4e6f-9b0a-1c2d3e4f5a6b"))
	assert.False(t, ValidTokenID(""))
	assert.False(t, ValidTokenID("not-a-token"))
	assert.False(t, ValidTokenID("{3f1b7c5e-8a2d-4e6f-9b0a-1c2d3e4f5a6b}"))
}
