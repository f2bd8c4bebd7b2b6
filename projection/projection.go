// Package projection converts between ground-plane (bird's-eye) coordinates
// and camera image coordinates. The ground plane and the undistorted image
// plane are related by a 3x3 homography; the undistorted plane and the raw
// camera frame are related by the lens distortion model (plumb_bob ordering:
// k1, k2, p1, p2, k3).
//
// Every function here is pure: no state, no logging, no side effects.
package projection

import (
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"
)

// ErrSingular is returned when a homogeneous projection degenerates, i.e. the
// scale coordinate of the projected point is zero.
var ErrSingular = errors.New("singular projection: homogeneous scale is zero")

// apply multiplies (x, y, 1) by a 3x3 projective transform and performs the
// perspective divide.
func apply(m *mat.Dense, x, y float64) (float64, float64, error) {
	px := m.At(0, 0)*x + m.At(0, 1)*y + m.At(0, 2)
	py := m.At(1, 0)*x + m.At(1, 1)*y + m.At(1, 2)
	pw := m.At(2, 0)*x + m.At(2, 1)*y + m.At(2, 2)
	if pw == 0 {
		return 0, 0, errors.Wrapf(ErrSingular, "projecting (%v, %v)", x, y)
	}
	return px / pw, py / pw, nil
}

// GroundToImage maps a ground-plane coordinate to the undistorted image plane
// through the inverse homography.
func GroundToImage(x, y float64, inverseHomography *mat.Dense) (float64, float64, error) {
	return apply(inverseHomography, x, y)
}

// ImageToGround maps an undistorted image coordinate back to the ground plane
// through the forward homography. Algebraic inverse of GroundToImage.
func ImageToGround(x, y float64, homography *mat.Dense) (float64, float64, error) {
	return apply(homography, x, y)
}

// distortNormalized applies the forward Brown-Conrady model to a normalized
// image coordinate:
//
//	x_d = x*(1 + k1*r^2 + k2*r^4 + k3*r^6) + 2*p1*x*y + p2*(r^2 + 2*x^2)
//	y_d = y*(1 + k1*r^2 + k2*r^4 + k3*r^6) + 2*p2*x*y + p1*(r^2 + 2*y^2)
func distortNormalized(x, y float64, dist []float64) (float64, float64) {
	var k1, k2, p1, p2, k3 float64
	if len(dist) > 0 {
		k1 = dist[0]
	}
	if len(dist) > 1 {
		k2 = dist[1]
	}
	if len(dist) > 2 {
		p1 = dist[2]
	}
	if len(dist) > 3 {
		p2 = dist[3]
	}
	if len(dist) > 4 {
		k3 = dist[4]
	}
	r2 := x*x + y*y
	r4 := r2 * r2
	r6 := r4 * r2
	radial := 1.0 + k1*r2 + k2*r4 + k3*r6
	xd := x*radial + 2.0*p1*x*y + p2*(r2+2.0*x*x)
	yd := y*radial + 2.0*p2*x*y + p1*(r2+2.0*y*y)
	return xd, yd
}

// DistortPoint maps a point on the undistorted image plane to its position in
// the raw (distorted) camera frame. The point is normalized through the camera
// matrix, pushed through the forward distortion model, and denormalized.
func DistortPoint(x, y float64, cameraMatrix *mat.Dense, dist []float64) (float64, float64) {
	fx := cameraMatrix.At(0, 0)
	fy := cameraMatrix.At(1, 1)
	cx := cameraMatrix.At(0, 2)
	cy := cameraMatrix.At(1, 2)

	xn := (x - cx) / fx
	yn := (y - cy) / fy
	xd, yd := distortNormalized(xn, yn, dist)
	return xd*fx + cx, yd*fy + cy
}

// UndistortPoint maps a raw camera frame coordinate onto the undistorted image
// plane. The forward model has no closed-form inverse, so the normalized
// coordinate is recovered with a Newton-Raphson iteration seeded at the
// distorted point.
func UndistortPoint(x, y float64, cameraMatrix *mat.Dense, dist []float64) (float64, float64) {
	fx := cameraMatrix.At(0, 0)
	fy := cameraMatrix.At(1, 1)
	cx := cameraMatrix.At(0, 2)
	cy := cameraMatrix.At(1, 2)

	xd := (x - cx) / fx
	yd := (y - cy) / fy

	var k1, k2, p1, p2, k3 float64
	if len(dist) > 0 {
		k1 = dist[0]
	}
	if len(dist) > 1 {
		k2 = dist[1]
	}
	if len(dist) > 2 {
		p1 = dist[2]
	}
	if len(dist) > 3 {
		p2 = dist[3]
	}
	if len(dist) > 4 {
		k3 = dist[4]
	}

	const maxIterations = 20
	const tolerance = 1e-10

	xu, yu := xd, yd
	for i := 0; i < maxIterations; i++ {
		r2 := xu*xu + yu*yu
		r4 := r2 * r2
		radial := 1.0 + k1*r2 + k2*r4 + k3*r4*r2

		xdEst := xu*radial + 2.0*p1*xu*yu + p2*(r2+2.0*xu*xu)
		ydEst := yu*radial + 2.0*p2*xu*yu + p1*(r2+2.0*yu*yu)

		errX := xdEst - xd
		errY := ydEst - yd
		if errX*errX+errY*errY < tolerance*tolerance {
			break
		}

		// Jacobian of the forward model at the current estimate.
		dRadDxu := 2.0 * xu * (k1 + 2.0*k2*r2 + 3.0*k3*r4)
		dRadDyu := 2.0 * yu * (k1 + 2.0*k2*r2 + 3.0*k3*r4)

		j00 := radial + xu*dRadDxu + 2.0*p1*yu + 6.0*p2*xu
		j01 := xu*dRadDyu + 2.0*p1*xu + 2.0*p2*yu
		j10 := yu*dRadDxu + 2.0*p2*yu + 2.0*p1*xu
		j11 := radial + yu*dRadDyu + 2.0*p2*xu + 6.0*p1*yu

		det := j00*j11 - j01*j10
		if det == 0 {
			break
		}
		xu -= (j11*errX - j01*errY) / det
		yu -= (-j10*errX + j00*errY) / det
	}

	return xu*fx + cx, yu*fy + cy
}
