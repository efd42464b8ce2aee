package mesh

import "gonum.org/v1/gonum/spatial/r3"

// hexToTets splits a hexahedron into six tetrahedra sharing the diagonal
// between local points 0 and 6. Applied with the same orientation to every
// hex of a structured grid the result is conforming.
var hexToTets = [6][4]int{
	{0, 1, 2, 6},
	{0, 2, 3, 6},
	{0, 3, 7, 6},
	{0, 7, 4, 6},
	{0, 4, 5, 6},
	{0, 5, 1, 6},
}

// HexToTets returns the six tetrahedra of a hexahedron's local point order
func HexToTets() [6][4]int { return hexToTets }

// StructuredHexGrid builds an nx × ny × nz grid of hexahedra filling b.
// Point (i,j,k) has index i + j*(nx+1) + k*(nx+1)*(ny+1).
func StructuredHexGrid(b Bounds, nx, ny, nz int) *Mesh {
	m := New()
	addGridPoints(m, b, nx, ny, nz)
	for k := 0; k < nz; k++ {
		for j := 0; j < ny; j++ {
			for i := 0; i < nx; i++ {
				h := hexCorners(i, j, k, nx, ny)
				m.AddCell(Hex, h[:]...)
			}
		}
	}
	return m
}

// StructuredTetGrid builds the hex grid of StructuredHexGrid with each hex
// split into six tetrahedra
func StructuredTetGrid(b Bounds, nx, ny, nz int) *Mesh {
	m := New()
	addGridPoints(m, b, nx, ny, nz)
	for k := 0; k < nz; k++ {
		for j := 0; j < ny; j++ {
			for i := 0; i < nx; i++ {
				h := hexCorners(i, j, k, nx, ny)
				for _, t := range hexToTets {
					m.AddCell(Tet, h[t[0]], h[t[1]], h[t[2]], h[t[3]])
				}
			}
		}
	}
	return m
}

func addGridPoints(m *Mesh, b Bounds, nx, ny, nz int) {
	s := b.Size()
	dx, dy, dz := s.X/float64(nx), s.Y/float64(ny), s.Z/float64(nz)
	for k := 0; k <= nz; k++ {
		for j := 0; j <= ny; j++ {
			for i := 0; i <= nx; i++ {
				p := r3.Vec{
					X: b.Min.X + float64(i)*dx,
					Y: b.Min.Y + float64(j)*dy,
					Z: b.Min.Z + float64(k)*dz,
				}
				// pin the far faces exactly to the requested bounds
				if i == nx {
					p.X = b.Max.X
				}
				if j == ny {
					p.Y = b.Max.Y
				}
				if k == nz {
					p.Z = b.Max.Z
				}
				m.AddPoint(p)
			}
		}
	}
}

func hexCorners(i, j, k, nx, ny int) [8]int {
	id := func(i, j, k int) int { return i + j*(nx+1) + k*(nx+1)*(ny+1) }
	return [8]int{
		id(i, j, k), id(i+1, j, k), id(i+1, j+1, k), id(i, j+1, k),
		id(i, j, k+1), id(i+1, j, k+1), id(i+1, j+1, k+1), id(i, j+1, k+1),
	}
}
