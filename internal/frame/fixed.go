package frame

import "math"

// Invalid marks a sensor error in fixed-point fields.
const Invalid int16 = 0x7FFF

// Fixed converts value to value*100 rounded, saturating below Invalid.
// Not valid or NaN input gives Invalid.
func Fixed(v float64, valid bool) int16 {
	if !valid || math.IsNaN(v) {
		return Invalid
	}
	x := math.Round(v * 100)
	if x >= float64(Invalid) {
		return Invalid - 1
	}
	if x < math.MinInt16 {
		return math.MinInt16
	}
	return int16(x)
}

// Float is inverse of Fixed, valid=false for Invalid.
func Float(x int16) (float64, bool) {
	if x == Invalid {
		return 0, false
	}
	return float64(x) / 100, true
}

// NewData builds sequenced DATA message from float reading.
func NewData(src, seq uint8, temperature, humidity float64, valid bool) Data {
	return Data{
		Src:         src,
		HasSeq:      true,
		Seq:         seq,
		Temperature: Fixed(temperature, valid),
		Humidity:    Fixed(humidity, valid),
	}
}
