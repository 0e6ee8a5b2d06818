// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package sim

// This file has the plain layouts conversions and reference implementations the simulations are checked
// against. All slices are flat, row-major.

// BlockMatrixA converts a row-major [m, k] matrix to the blocked layout [k/k0, m, k0].
func BlockMatrixA(a []float64, m, k, k0 int) []float64 {
	blocked := make([]float64, m*k)
	for i := range m {
		for j := range k {
			blocked[((j/k0)*m+i)*k0+j%k0] = a[i*k+j]
		}
	}
	return blocked
}

// BlockMatrixB converts a row-major [k, n] matrix to the blocked layout [k/k0, n, k0].
func BlockMatrixB(b []float64, k, n, k0 int) []float64 {
	blocked := make([]float64, k*n)
	for i := range k {
		for j := range n {
			blocked[((i/k0)*n+j)*k0+i%k0] = b[i*n+j]
		}
	}
	return blocked
}

// UnblockMatrixC converts a matmul result in the blocked layout [n/16, m, 16] to a row-major [m, n] matrix.
func UnblockMatrixC(c []float64, m, n int) []float64 {
	out := make([]float64, m*n)
	for i := range m {
		for j := range n {
			out[i*n+j] = c[((j/16)*m+i)*16+j%16]
		}
	}
	return out
}

// Matmul is the reference [m, k] x [k, n] matrix multiplication.
func Matmul(a, b []float64, m, k, n int) []float64 {
	c := make([]float64, m*n)
	for i := range m {
		for j := range n {
			var sum float64
			for l := range k {
				sum += a[i*k+l] * b[l*n+j]
			}
			c[i*n+j] = sum
		}
	}
	return c
}

// BlockFeatureMap converts an NCHW feature map to [n, c/c0, h, w, c0]. c must be a multiple of c0.
func BlockFeatureMap(x []float64, n, c, h, w, c0 int) []float64 {
	blocked := make([]float64, len(x))
	c1 := c / c0
	for b := range n {
		for ch := range c {
			for i := range h {
				for j := range w {
					blocked[(((b*c1+ch/c0)*h+i)*w+j)*c0+ch%c0] = x[((b*c+ch)*h+i)*w+j]
				}
			}
		}
	}
	return blocked
}

// BlockWeights converts [cout, c, kh, kw] (OIHW) weights to [c/c0, kh, kw, cout, c0].
func BlockWeights(weights []float64, cout, c, kh, kw, c0 int) []float64 {
	blocked := make([]float64, len(weights))
	for o := range cout {
		for ch := range c {
			for i := range kh {
				for j := range kw {
					blocked[((((ch/c0)*kh+i)*kw+j)*cout+o)*c0+ch%c0] = weights[((o*c+ch)*kh+i)*kw+j]
				}
			}
		}
	}
	return blocked
}

// UnblockConvOutput converts a convolution output [n, cout/16, ho, wo, 16] to NCHW.
func UnblockConvOutput(out []float64, n, cout, ho, wo int) []float64 {
	nchw := make([]float64, len(out))
	for b := range n {
		for o := range cout {
			for i := range ho {
				for j := range wo {
					nchw[((b*cout+o)*ho+i)*wo+j] = out[(((b*(cout/16)+o/16)*ho+i)*wo+j)*16+o%16]
				}
			}
		}
	}
	return nchw
}

// ConvConfig holds the geometry of the reference convolution.
type ConvConfig struct {
	N, C, H, W, Cout, KH, KW int
	StrideH, StrideW         int
	DilationH, DilationW     int
	PadTop, PadLeft          int
	Ho, Wo                   int
}

// Conv2D is the reference NCHW convolution with OIHW weights and zero padding, returning [n, cout, ho, wo].
func Conv2D(x, weights []float64, cfg ConvConfig) []float64 {
	out := make([]float64, cfg.N*cfg.Cout*cfg.Ho*cfg.Wo)
	for b := range cfg.N {
		for o := range cfg.Cout {
			for i := range cfg.Ho {
				for j := range cfg.Wo {
					var sum float64
					for ch := range cfg.C {
						for ki := range cfg.KH {
							h := i*cfg.StrideH - cfg.PadTop + ki*cfg.DilationH
							if h < 0 || h >= cfg.H {
								continue
							}
							for kj := range cfg.KW {
								w := j*cfg.StrideW - cfg.PadLeft + kj*cfg.DilationW
								if w < 0 || w >= cfg.W {
									continue
								}
								sum += x[((b*cfg.C+ch)*cfg.H+h)*cfg.W+w] * weights[((o*cfg.C+ch)*cfg.KH+ki)*cfg.KW+kj]
							}
						}
					}
					out[((b*cfg.Cout+o)*cfg.Ho+i)*cfg.Wo+j] = sum
				}
			}
		}
	}
	return out
}

// Add is the reference broadcast addition of x and y, both of the rank of outDims.
func Add(x, y []float64, xDims, yDims, outDims []int) []float64 {
	size := 1
	for _, d := range outDims {
		size *= d
	}
	out := make([]float64, size)
	xStrides, yStrides := broadcastStrides(xDims), broadcastStrides(yDims)
	outStrides := broadcastStrides(outDims)
	for flat := range size {
		xi, yi, rest := 0, 0, flat
		for axis := range outDims {
			i := 0
			if outStrides[axis] > 0 {
				i = rest / outStrides[axis]
				rest %= outStrides[axis]
			}
			xi += i * xStrides[axis]
			yi += i * yStrides[axis]
		}
		out[flat] = x[xi] + y[yi]
	}
	return out
}
