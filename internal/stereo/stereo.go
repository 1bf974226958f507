// Package stereo provides affine stereo transforms for the mix tree.
//
// A transform maps a stereo position on the X (and optionally Y) axis:
// position' = scale*position + shift. Transforms compose down the channel
// tree, so a note's final position is the result of applying every
// transform from the root channel to the note itself.
package stereo

import (
	"fmt"
)

// Stereo is an affine stereo transform. The slice is 0, 2, or 4 wide:
//
//	nil / empty:            identity (no shift, no scale)
//	(xscale, xshift):       one-dimensional, X axis only
//	(xscale, xshift, yscale, yshift): two-dimensional
//
// The zero value is the identity transform.
type Stereo []float64

// Handy identity constants for each width.
var (
	identity2 = Stereo{1, 0}
	identity4 = Stereo{1, 0, 1, 0}
)

// Default returns the default stereo position: no shift, no contraction.
func Default() Stereo {
	return nil
}

// Shift returns a simple stereo shift. Zero means no shift in origin,
// -1 directly to the left, 1 directly to the right. More extreme values
// recede into the distance.
func Shift(pos float64) Stereo {
	if pos == 0 {
		return nil
	}
	return Stereo{1, pos}
}

// ShiftXY returns a two-dimensional stereo shift. If posy is zero this is
// equivalent to Shift(posx).
func ShiftXY(posx, posy float64) Stereo {
	if posx == 0 && posy == 0 {
		return nil
	}
	if posy == 0 {
		return Stereo{1, posx}
	}
	return Stereo{1, posx, 1, posy}
}

// Scale returns a transform which is not shifted left or right, but
// compressed or stretched from the center. Values below 1 compress the
// channels; zero centers every sound. Values above 1 spread the channels
// apart. Negative values swap left and right.
func Scale(size float64) Stereo {
	if size == 1 {
		return nil
	}
	return Stereo{size, 0}
}

// ScaleXY returns a two-dimensional stereo scaling. If sizey is 1 this is
// equivalent to Scale(sizex).
func ScaleXY(sizex, sizey float64) Stereo {
	if sizex == 1 && sizey == 1 {
		return nil
	}
	if sizey == 1 {
		return Stereo{sizex, 0}
	}
	return Stereo{sizex, 0, sizey, 0}
}

// Fixed returns a transform compressed to a point on the X axis. Every
// sound inside it, however shifted, comes from that single point.
func Fixed(pos float64) Stereo {
	return Stereo{0, pos}
}

// FixedY returns a transform compressed to a point on the Y axis.
func FixedY(posy float64) Stereo {
	return Stereo{1, 0, 0, posy}
}

// FixedXY returns a transform compressed to a point on the XY plane.
func FixedXY(posx, posy float64) Stereo {
	return Stereo{0, posx, 0, posy}
}

// Cast converts an arbitrary value into a stereo transform. nil becomes
// the identity; a number n becomes Shift(n); a Stereo of valid width is
// returned as-is. Anything else is an error.
func Cast(obj any) (Stereo, error) {
	switch v := obj.(type) {
	case nil:
		return nil, nil
	case Stereo:
		if err := v.validate(); err != nil {
			return nil, err
		}
		return v, nil
	case []float64:
		s := Stereo(v)
		if err := s.validate(); err != nil {
			return nil, err
		}
		return s, nil
	case float64:
		return Shift(v), nil
	case int:
		return Shift(float64(v)), nil
	}
	return nil, fmt.Errorf("value of type %T cannot be converted to stereo", obj)
}

func (s Stereo) validate() error {
	switch len(s) {
	case 0, 2, 4:
		return nil
	}
	return fmt.Errorf("stereo transform must have 0, 2, or 4 values, got %d", len(s))
}

// ExtendTo4 returns an equivalent transform of width 4.
func (s Stereo) ExtendTo4() Stereo {
	switch len(s) {
	case 0:
		return Stereo{1, 0, 1, 0}
	case 2:
		return Stereo{s[0], s[1], 1, 0}
	default:
		return s
	}
}

// XAxis returns the X-axis scale and shift of the transform.
func (s Stereo) XAxis() (scale, shift float64) {
	if len(s) == 0 {
		return 1, 0
	}
	return s[0], s[1]
}

// Compose applies transform a on top of transform b: the result of a
// channel set to a, containing a channel (or note) set to b. The result's
// width is the wider of the two operands; the narrower operand is treated
// as identity on the missing axis.
func Compose(a, b Stereo) Stereo {
	maxlen := max(len(a), len(b))

	switch maxlen {
	case 0:
		return nil
	case 2:
		ae := a
		if len(ae) == 0 {
			ae = identity2
		}
		be := b
		if len(be) == 0 {
			be = identity2
		}
		return Stereo{be[0] * ae[0], be[1]*ae[0] + ae[1]}
	default:
		ae := a.ExtendTo4()
		be := b.ExtendTo4()
		return Stereo{
			be[0] * ae[0], be[1]*ae[0] + ae[1],
			be[2] * ae[2], be[3]*ae[2] + ae[3],
		}
	}
}

// Equal reports whether two transforms describe the same mapping,
// regardless of width.
func (s Stereo) Equal(o Stereo) bool {
	a := s.ExtendTo4()
	b := o.ExtendTo4()
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// GainPair computes the output channel gains for a source at stereo
// position x. At the center both channels play at full gain; moving
// toward one side attenuates the other channel; positions beyond the
// speaker pair recede into the distance with an inverse-square falloff.
func GainPair(x float64) (left, right float64) {
	switch {
	case x > 1:
		return 0, 1 / (x * x)
	case x < -1:
		return 1 / (x * x), 0
	}
	left = 1 - x
	if left > 1 {
		left = 1
	}
	right = 1 + x
	if right > 1 {
		right = 1
	}
	return left, right
}
