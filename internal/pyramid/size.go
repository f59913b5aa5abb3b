package pyramid

import "image"

// LayerCount returns how many times size can be halved while both
// dimensions stay greater than 1. It returns -1 for a size with a zero
// (or negative) dimension.
func LayerCount(size image.Point) int {
	if size.X <= 0 || size.Y <= 0 {
		return -1
	}

	count := 0
	for size.X > 1 && size.Y > 1 {
		size = halve(size)
		count++
	}
	return count
}

// LayerSize returns the dimensions of the given layer of a pyramid built
// from base. ok is false when layer is negative or past LayerCount(base).
func LayerSize(base image.Point, layer int) (size image.Point, ok bool) {
	if layer < 0 || layer > LayerCount(base) {
		return image.Point{}, false
	}

	size = base
	for i := 0; i < layer; i++ {
		size = halve(size)
	}
	return size, true
}

// halve floors each dimension at 1 after dividing.
func halve(size image.Point) image.Point {
	size.X /= 2
	size.Y /= 2
	if size.X < 1 {
		size.X = 1
	}
	if size.Y < 1 {
		size.Y = 1
	}
	return size
}
