package geometry

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIoUIdentity(t *testing.T) {
	t.Parallel()

	boxes := []Box{
		{X: 0, Y: 0, W: 10, H: 10},
		{X: 100, Y: 100, W: 50, H: 50},
		{X: -5, Y: 3, W: 1, H: 200},
	}
	for _, b := range boxes {
		assert.InDelta(t, 1.0, b.IoU(b), 1e-9)
	}
}

func TestIoUDisjoint(t *testing.T) {
	t.Parallel()

	a := Box{X: 0, Y: 0, W: 10, H: 10}
	b := Box{X: 20, Y: 20, W: 10, H: 10}
	assert.Equal(t, 0.0, a.IoU(b))

	// Touching edges do not count as overlap.
	c := Box{X: 10, Y: 0, W: 10, H: 10}
	assert.Equal(t, 0.0, a.IoU(c))
}

func TestIoUSymmetric(t *testing.T) {
	t.Parallel()

	a := Box{X: 0, Y: 0, W: 10, H: 10}
	b := Box{X: 5, Y: 5, W: 10, H: 10}
	assert.InDelta(t, a.IoU(b), b.IoU(a), 1e-12)
	// 25 overlap / (100+100-25) union
	assert.InDelta(t, 25.0/175.0, a.IoU(b), 1e-9)
}

func TestIoUDegenerate(t *testing.T) {
	t.Parallel()

	a := Box{X: 0, Y: 0, W: 0, H: 10}
	b := Box{X: 0, Y: 0, W: 10, H: 10}
	assert.Equal(t, 0.0, a.IoU(b))
	assert.Equal(t, 0.0, a.IoU(a))
}

func TestCenter(t *testing.T) {
	t.Parallel()

	b := Box{X: 100, Y: 100, W: 50, H: 50}
	assert.Equal(t, Point{X: 125, Y: 125}, b.Center())
}

func TestIntersect(t *testing.T) {
	t.Parallel()

	a := Box{X: 0, Y: 0, W: 10, H: 10}
	b := Box{X: 5, Y: 5, W: 10, H: 10}
	got := a.Intersect(b)
	assert.Equal(t, Box{X: 5, Y: 5, W: 5, H: 5}, got)

	disjoint := Box{X: 50, Y: 50, W: 5, H: 5}
	assert.True(t, a.Intersect(disjoint).Empty())
}

func TestWithin(t *testing.T) {
	t.Parallel()

	page := Box{X: 0, Y: 0, W: 1000, H: 800}
	assert.True(t, Box{X: 100, Y: 100, W: 50, H: 50}.Within(page))
	assert.False(t, Box{X: 980, Y: 100, W: 50, H: 50}.Within(page))
	assert.False(t, Box{X: -1, Y: 0, W: 10, H: 10}.Within(page))
}
