// Copyright ©2025 curioloop. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package cmat provides the dense complex matrix kernel consumed by the
// calibration solver: LU determinants, left/right division, inversion and
// rank-aware least squares.
//
// All routines operate on flattened row-major complex128 slices with explicit
// dimensions and are pure functions. Singularity is signalled through a
// sentinel return (zero determinant magnitude, or pseudo-rank below the
// column count) rather than an error.
//
// # Real Embedding
//
// A complex m × n matrix 𝐀 = 𝐀ᵣ + 𝑖𝐀ᵢ is represented by the 2m × 2n real matrix
//
//	𝐄(𝐀) = ⎡ 𝐀ᵣ -𝐀ᵢ ⎤
//	       ⎣ 𝐀ᵢ  𝐀ᵣ ⎦
//
// The map 𝐄 is a ring homomorphism: 𝐄(𝐀𝐁) = 𝐄(𝐀)𝐄(𝐁), 𝐄(𝐀⁻¹) = 𝐄(𝐀)⁻¹ and
// 𝚍𝚎𝚝 𝐄(𝐀) = |𝚍𝚎𝚝 𝐀|². The Frobenius norm satisfies ‖𝐄(𝐀)‖² = 2‖𝐀‖², so a
// least-squares minimizer of the embedded system is a minimizer of the
// complex system. This lets every factorization run on the float64 kernels
// of gonum/mat.
package cmat

import (
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

// embed builds 𝐄(𝐀) from the row-major m × n complex matrix a.
func embed(a []complex128, m, n int) *mat.Dense {
	e := mat.NewDense(2*m, 2*n, nil)
	for i := 0; i < m; i++ {
		for j := 0; j < n; j++ {
			v := a[i*n+j]
			re, im := real(v), imag(v)
			e.Set(i, j, re)
			e.Set(i, j+n, -im)
			e.Set(i+m, j, im)
			e.Set(i+m, j+n, re)
		}
	}
	return e
}

// unembed recovers the complex m × n matrix from the left block column of
// its embedding: the top m rows carry the real part, the bottom m rows the
// imaginary part.
func unembed(x []complex128, e *mat.Dense, m, n int) {
	for i := 0; i < m; i++ {
		for j := 0; j < n; j++ {
			x[i*n+j] = complex(e.At(i, j), e.At(i+m, j))
		}
	}
}

// Det returns |𝚍𝚎𝚝 𝐀| for the n × n matrix a.
// A zero return signals a singular matrix.
func Det(a []complex128, n int) float64 {
	var lu mat.LU
	lu.Factorize(embed(a, n, n))
	d := lu.Det()
	if math.IsNaN(d) || d <= 0 {
		return 0
	}
	return math.Sqrt(d)
}

// LeftDiv solves 𝐀𝐗 = 𝐁 where a is n × n and b is n × o, storing the
// solution into x (n × o). It returns |𝚍𝚎𝚝 𝐀|; on a zero return x is left
// undefined.
func LeftDiv(x, a, b []complex128, n, o int) float64 {
	var lu mat.LU
	lu.Factorize(embed(a, n, n))
	d := lu.Det()
	if math.IsNaN(d) || d <= 0 {
		return 0
	}
	var sol mat.Dense
	if err := lu.SolveTo(&sol, false, embed(b, n, o)); err != nil {
		if _, degraded := err.(mat.Condition); !degraded {
			return 0
		}
	}
	unembed(x, &sol, n, o)
	return math.Sqrt(d)
}

// RightDiv solves 𝐗𝐀 = 𝐁 where b is rows × cols and a is cols × cols,
// storing the solution into x (rows × cols). It returns |𝚍𝚎𝚝 𝐀|.
func RightDiv(x, b, a []complex128, rows, cols int) float64 {
	// 𝐗𝐀 = 𝐁  ↔  𝐀ᵀ𝐗ᵀ = 𝐁ᵀ with the plain (unconjugated) transpose.
	at := make([]complex128, cols*cols)
	transpose(at, a, cols, cols)
	bt := make([]complex128, cols*rows)
	transpose(bt, b, rows, cols)
	xt := make([]complex128, cols*rows)
	d := LeftDiv(xt, at, bt, cols, rows)
	if d == 0 {
		return 0
	}
	transpose(x, xt, cols, rows)
	return d
}

// Inv computes 𝐀⁻¹ of the n × n matrix a into ainv and returns |𝚍𝚎𝚝 𝐀|.
// On a zero return ainv is left undefined.
func Inv(ainv, a []complex128, n int) float64 {
	id := make([]complex128, n*n)
	for i := 0; i < n; i++ {
		id[i*n+i] = 1
	}
	return LeftDiv(ainv, a, id, n, n)
}

// Lstsq computes the minimum-norm least-squares solution of 𝐀𝐗 ≅ 𝐁 where a
// is m × n and b is m × o, storing the n × o solution into x. It returns the
// pseudo-rank of 𝐀: a value below n signals a rank-deficient system, in which
// case x is still the minimum-length solution over the detected rank
// (the HFTI contract).
func Lstsq(x, a, b []complex128, m, n, o int) int {
	ea := embed(a, m, n)
	var svd mat.SVD
	if !svd.Factorize(ea, mat.SVDThin) {
		return 0
	}
	sv := svd.Values(nil)
	tol := float64(max(2*m, 2*n)) * floats.Max(sv) * epsMachine
	rank := 0
	for _, s := range sv {
		if s > tol {
			rank++
		}
	}
	if rank == 0 {
		for i := range x {
			x[i] = 0
		}
		return 0
	}

	// 𝐗 = 𝐕ᵣ 𝚺ᵣ⁻¹ 𝐔ᵣᵀ 𝐁 built explicitly from the thin factors so the
	// truncation rank stays under our control.
	var u, v mat.Dense
	svd.UTo(&u)
	svd.VTo(&v)
	eb := embed(b, m, o)

	var utb mat.Dense
	utb.Mul(u.Slice(0, 2*m, 0, rank).T(), eb)
	for i := 0; i < rank; i++ {
		for j := 0; j < 2*o; j++ {
			utb.Set(i, j, utb.At(i, j)/sv[i])
		}
	}
	var sol mat.Dense
	sol.Mul(v.Slice(0, 2*n, 0, rank), &utb)
	unembed(x, &sol, n, o)

	// The embedded singular values come in pairs, one per conjugate
	// direction, so the complex pseudo-rank is half the real one.
	return rank / 2
}

// Mul computes the product 𝐂 = 𝐀𝐁 of the m × k matrix a and the k × n
// matrix b into c (m × n). The destination must not alias the operands.
func Mul(c, a, b []complex128, m, k, n int) {
	for i := 0; i < m; i++ {
		for j := 0; j < n; j++ {
			var sum complex128
			for l := 0; l < k; l++ {
				sum += a[i*k+l] * b[l*n+j]
			}
			c[i*n+j] = sum
		}
	}
}

// transpose writes the plain transpose of the m × n matrix a into dst (n × m).
func transpose(dst, a []complex128, m, n int) {
	for i := 0; i < m; i++ {
		for j := 0; j < n; j++ {
			dst[j*m+i] = a[i*n+j]
		}
	}
}

const epsMachine = float64(7)/3 - float64(4)/3 - 1.
