package ledger

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNormalizeAddress(t *testing.T) {
	assert.Equal(t, "0xabcdef", NormalizeAddress("  0xAbCdEf "))
	assert.Equal(t, "0xabcdef", NormalizeAddress("0xabcdef"))
	assert.Equal(t, "", NormalizeAddress("   "))
}

func TestParseRole(t *testing.T) {
	role, ok := ParseRole("seller")
	assert.True(t, ok)
	assert.Equal(t, RoleSeller, role)

	role, ok = ParseRole("BUYER")
	assert.True(t, ok)
	assert.Equal(t, RoleBuyer, role)

	// Admin is fixed at genesis, never assignable.
	_, ok = ParseRole("admin")
	assert.False(t, ok)
	_, ok = ParseRole("")
	assert.False(t, ok)
}

func TestRoleString(t *testing.T) {
	assert.Equal(t, "unassigned", RoleUnassigned.String())
	assert.Equal(t, "seller", RoleSeller.String())
	assert.Equal(t, "buyer", RoleBuyer.String())
	assert.Equal(t, "admin", RoleAdmin.String())
}
