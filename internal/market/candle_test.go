package market

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSortAsc(t *testing.T) {
	cs := Candles{{BarTime: 180}, {BarTime: 60}, {BarTime: 120}}
	cs.SortAsc()
	assert.Equal(t, int64(60), cs[0].BarTime)
	assert.Equal(t, int64(180), cs[2].BarTime)
}

func TestClip(t *testing.T) {
	cs := Candles{{BarTime: 0}, {BarTime: 60}, {BarTime: 120}, {BarTime: 180}}
	out := cs.Clip(60, 120)
	assert.Len(t, out, 2)
	assert.Equal(t, int64(60), out[0].BarTime)
	assert.Equal(t, int64(120), out[1].BarTime)
}

func TestTimeString(t *testing.T) {
	c := Candle{BarTime: 1763337600} // 2025-11-17 00:00 UTC
	assert.Equal(t, "11-17 00:00Z", c.TimeString())
	assert.Equal(t, "-", Candle{}.TimeString())
}
