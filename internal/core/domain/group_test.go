package domain_test

import (
	"testing"

	"github.com/lorrc/workshop-sync/internal/core/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGroupKey_WireName(t *testing.T) {
	tests := []struct {
		name string
		key  domain.GroupKey
		want string
	}{
		{"user", domain.UserGroup("7"), "User_7"},
		{"technician", domain.TechnicianGroup("42"), "Technician_42"},
		{"quotation", domain.QuotationGroup("9"), "Quotation_9"},
		{"repair order", domain.RepairOrderGroup("3"), "RepairOrder_3"},
		{"job", domain.JobGroup("11"), "Job_11"},
		{"managers", domain.ManagersGroup(), "Managers"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.key.WireName())

			parsed, err := domain.ParseWireGroup(tt.want)
			require.NoError(t, err)
			assert.Equal(t, tt.key, parsed)
		})
	}
}

func TestGroupKey_Validate(t *testing.T) {
	tests := []struct {
		name    string
		key     domain.GroupKey
		wantErr bool
	}{
		{"technician with id", domain.TechnicianGroup("1"), false},
		{"managers without id", domain.ManagersGroup(), false},
		{"technician without id", domain.TechnicianGroup(""), true},
		{"blank id", domain.JobGroup("  "), true},
		{"managers with id", domain.GroupKey{Kind: domain.GroupManagers, ID: "1"}, true},
		{"unknown kind", domain.GroupKey{Kind: "branch", ID: "1"}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.key.Validate()
			if tt.wantErr {
				assert.ErrorIs(t, err, domain.ErrInvalidGroupKey)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestParseGroupKey(t *testing.T) {
	key, err := domain.ParseGroupKey("technician:42")
	require.NoError(t, err)
	assert.Equal(t, domain.TechnicianGroup("42"), key)
	assert.Equal(t, "technician:42", key.String())

	key, err = domain.ParseGroupKey("managers")
	require.NoError(t, err)
	assert.Equal(t, domain.ManagersGroup(), key)

	_, err = domain.ParseGroupKey("technician")
	assert.ErrorIs(t, err, domain.ErrInvalidGroupKey)

	_, err = domain.ParseWireGroup("Branch_1")
	assert.ErrorIs(t, err, domain.ErrInvalidGroupKey)
}
