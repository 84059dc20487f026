package codec

import (
	"github.com/23skdu/ivfshard/internal/errors"
	"github.com/23skdu/ivfshard/internal/simd"
)

// DistanceTable computes the Asymmetric Distance Computation look-up table
// for a residual query (query minus the probed centroid).
//
// table[s*K + j] stores the squared distance between segment s of the query
// and codebook entry j of segment s. The table size is M * K.
func (cb *Codebooks) DistanceTable(residualQuery []float32) ([]float32, error) {
	table := make([]float32, cb.M*cb.K)
	if err := cb.DistanceTableInto(table, residualQuery); err != nil {
		return nil, err
	}
	return table, nil
}

// DistanceTableInto fills a caller-owned table of M*K floats.
func (cb *Codebooks) DistanceTableInto(table, residualQuery []float32) error {
	if len(residualQuery) != cb.Dims {
		return errors.E(errors.ErrDimensionMismatch, "distance_table", "query has dimension %d, want %d", len(residualQuery), cb.Dims)
	}
	if len(table) < cb.M*cb.K {
		return errors.E(errors.ErrInvalidArgument, "distance_table", "table holds %d floats, want %d", len(table), cb.M*cb.K)
	}
	for s := 0; s < cb.M; s++ {
		querySub := residualQuery[s*cb.SubDim : (s+1)*cb.SubDim]
		row := table[s*cb.K : (s+1)*cb.K]
		for j := range row {
			row[j] = simd.L2Squared(querySub, cb.Entry(s, j))
		}
	}
	return nil
}

// TableDistance computes the ADC distance for a single code by summing M
// table lookups. It equals ||query - decode(code)||^2 up to float rounding.
func (cb *Codebooks) TableDistance(table []float32, code []byte) float32 {
	return simd.ADCDistance(table, cb.K, code, cb.M)
}

// TableDistanceBatch scores len(results) consecutive codes in flatCodes.
func (cb *Codebooks) TableDistanceBatch(table []float32, flatCodes []byte, results []float32) error {
	if len(results) == 0 {
		return nil
	}
	return simd.ADCDistanceBatch(table, cb.K, flatCodes, cb.M, results)
}
