// Package spring implements a critically damped spring interpolator.
//
// The interpolator pulls a current value toward a moving target without
// overshoot, which makes remote state updates arriving at a coarse tick
// rate look continuous. It is generic over any value type that supports
// addition, subtraction, scalar multiplication and a scalar length.
package spring

import (
	"math"
	"time"
)

// Value is the constraint an interpolated type must satisfy. Vector
// types implement it on their value receiver.
type Value[T any] interface {
	Add(T) T
	Sub(T) T
	Scale(float64) T
	Length() float64
}

// snapThreshold is the distance below which the spring locks onto the
// target exactly, ending the motion.
const snapThreshold = 0.01

// StiffnessFor returns the spring stiffness that settles on a new
// target roughly two ticks after it was broadcast at the given rate.
func StiffnessFor(tickRate float64) float64 {
	return StiffnessForSettle(tickRate, 2)
}

// StiffnessForSettle returns the stiffness for an arbitrary settle
// window measured in ticks.
func StiffnessForSettle(tickRate, settleTicks float64) float64 {
	tau := settleTicks / tickRate
	return 1.5 / (tau * tau)
}

// Interpolator moves a current value toward a target along a critically
// damped spring. Damping is always held at 2·√stiffness so the motion
// never overshoots.
//
// An Interpolator is not safe for concurrent use; callers synchronize
// access themselves.
type Interpolator[T Value[T]] struct {
	current  T
	target   T
	velocity T

	lastUpdate time.Time
	stiffness  float64
	damping    float64

	now func() time.Time
}

// New returns an interpolator at rest on initial, tuned for the default
// 5 Hz broadcast rate.
func New[T Value[T]](initial T) *Interpolator[T] {
	it := &Interpolator[T]{
		current:  initial,
		target:   initial,
		velocity: initial.Scale(0),
		now:      time.Now,
	}
	it.SetStiffness(StiffnessFor(5))
	it.lastUpdate = it.now()
	return it
}

// SetStiffness retunes the spring and recomputes the critical damping.
func (it *Interpolator[T]) SetStiffness(stiffness float64) {
	it.stiffness = stiffness
	it.damping = 2 * math.Sqrt(stiffness)
}

// SetVelocity overrides the current velocity.
func (it *Interpolator[T]) SetVelocity(v T) {
	it.velocity = v
}

// UpdateTarget aims the spring at a new target. The motion toward it
// happens in subsequent Update calls.
func (it *Interpolator[T]) UpdateTarget(target T) {
	it.target = target
}

// Current returns the value as of the last Update without advancing the
// simulation.
func (it *Interpolator[T]) Current() T {
	return it.current
}

// Update advances the spring by the wall-clock time elapsed since the
// previous Update and returns the new current value. Once the remaining
// distance drops below the snap threshold the value locks onto the
// target exactly and the velocity is zeroed.
func (it *Interpolator[T]) Update() T {
	now := it.now()
	dt := now.Sub(it.lastUpdate).Seconds()
	it.lastUpdate = now

	delta := it.target.Sub(it.current)
	accel := delta.Scale(it.stiffness).Sub(it.velocity.Scale(it.damping))
	it.velocity = it.velocity.Add(accel.Scale(dt))
	it.current = it.current.Add(it.velocity.Scale(dt))

	if it.target.Sub(it.current).Length() < snapThreshold {
		it.current = it.target
		it.velocity = it.current.Scale(0)
	}
	return it.current
}
