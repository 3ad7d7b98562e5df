package credit

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFromCentsRoundTrip(t *testing.T) {
	for _, cents := range []int64{0, 1, 17, 500, 99999, MaxRaw / RawPerCent} {
		c := FromCents(cents)
		assert.Equal(t, cents, c.ToCentsRounded(), "cents=%d", cents)
		assert.Equal(t, cents, c.ToCentsFloor(), "cents=%d", cents)
	}
}

func TestFromRawRejectsUnsafeValues(t *testing.T) {
	_, err := FromRaw(MaxRaw + 1)
	require.Error(t, err)

	_, err = FromRaw(-MaxRaw - 1)
	require.Error(t, err)

	c, err := FromRaw(MaxRaw)
	require.NoError(t, err)
	assert.Equal(t, MaxRaw, c.Raw())
}

func TestArithmeticStaysInteger(t *testing.T) {
	// $0.002 cost at 1.3x margin = $0.0026 charge.
	cost := MustRaw(2_000_000)
	charge := cost.MulFloat(1.3)
	assert.Equal(t, int64(2_600_000), charge.Raw())

	balance := FromCents(500).Sub(charge)
	assert.Equal(t, int64(500*RawPerCent-2_600_000), balance.Raw())
	assert.False(t, balance.IsNegative())
}

func TestCentsFloorVsRounded(t *testing.T) {
	// 1.5 cents raw.
	c := MustRaw(RawPerCent + RawPerCent/2)
	assert.Equal(t, int64(1), c.ToCentsFloor())
	assert.Equal(t, int64(2), c.ToCentsRounded())

	// Just under one cent.
	c = MustRaw(RawPerCent - 1)
	assert.Equal(t, int64(0), c.ToCentsFloor())
	assert.Equal(t, int64(1), c.ToCentsRounded())

	// Negative floors away from zero.
	c = MustRaw(-RawPerCent - 1)
	assert.Equal(t, int64(-2), c.ToCentsFloor())
	assert.Equal(t, int64(-1), c.ToCentsRounded())
}

func TestComparisons(t *testing.T) {
	a := FromCents(100)
	b := FromCents(200)
	assert.Equal(t, -1, a.Cmp(b))
	assert.Equal(t, 1, b.Cmp(a))
	assert.Equal(t, 0, a.Cmp(FromCents(100)))
	assert.True(t, a.Sub(b).IsNegative())
	assert.True(t, Zero.IsZero())
}

func TestString(t *testing.T) {
	assert.Equal(t, "$0.002600000", MustRaw(2_600_000).String())
	assert.Equal(t, "-$1.000000000", FromDollars(1).Neg().String())
}
