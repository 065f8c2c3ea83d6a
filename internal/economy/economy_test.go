package economy

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNextPrice(t *testing.T) {
	// floor(price * 1.5)
	assert.Equal(t, int64(15000), NextPrice(10000))
	assert.Equal(t, int64(22500), NextPrice(15000))
	assert.Equal(t, int64(1), NextPrice(1))
	assert.Equal(t, int64(4), NextPrice(3))

	// Strictly increasing for any price above 1
	for price := int64(2); price < 1000; price++ {
		assert.Greater(t, NextPrice(price), price)
	}
}

func TestOwnershipBonus(t *testing.T) {
	// floor(price * 0.1)
	assert.Equal(t, int64(1000), OwnershipBonus(10000))
	assert.Equal(t, int64(999), OwnershipBonus(9999))
	assert.Equal(t, int64(0), OwnershipBonus(9))
}

func TestFormatPrice(t *testing.T) {
	assert.Equal(t, "$100.00", FormatPrice(10000))
	assert.Equal(t, "$0.01", FormatPrice(1))
	assert.Equal(t, "$1234.56", FormatPrice(123456))
}
