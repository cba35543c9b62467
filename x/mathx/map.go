package mathx

import "golang.org/x/exp/constraints"

// MapRange maps x in [inMin,inMax] linearly onto [outMin,outMax], clamping
// to the output range when x falls outside the input range.
func MapRange[T constraints.Integer](x, inMin, inMax, outMin, outMax T) T {
	if inMax == inMin {
		return outMin
	}
	if x <= inMin {
		return outMin
	}
	if x >= inMax {
		return outMax
	}
	return outMin + (x-inMin)*(outMax-outMin)/(inMax-inMin)
}

// Percent returns part*100/whole clamped to [0,100]. A non-positive whole
// yields 0.
func Percent[T constraints.Integer](part, whole T) int {
	if whole <= 0 {
		return 0
	}
	p := int64(part) * 100 / int64(whole)
	return int(Clamp(p, 0, 100))
}
