package simd

import "errors"

// ADCDistanceBatch sums per-segment table lookups for a run of PQ codes.
// table is m*k (table[s*k+c]), flatCodes holds len(results)*m bytes.
func ADCDistanceBatch(table []float32, k int, flatCodes []byte, m int, results []float32) error {
	if m <= 0 || k <= 0 {
		return errors.New("simd: invalid m or k parameter")
	}
	if len(table) < m*k {
		return errors.New("simd: distance table too small")
	}
	if len(flatCodes) < len(results)*m {
		return errors.New("simd: flatCodes buffer too small")
	}
	adcDistanceBatchGeneric(table, k, flatCodes, m, results)
	return nil
}

func adcDistanceBatchGeneric(table []float32, k int, flatCodes []byte, m int, results []float32) {
	for i := range results {
		results[i] = ADCDistance(table, k, flatCodes[i*m:(i+1)*m], m)
	}
}

// ADCDistance sums the m table lookups selected by code. Lookups are added
// in groups of four so single and batch scoring round identically.
func ADCDistance(table []float32, k int, code []byte, m int) float32 {
	var sum float32
	s := 0
	for ; s+4 <= m; s += 4 {
		sum += table[s*k+int(code[s])] +
			table[(s+1)*k+int(code[s+1])] +
			table[(s+2)*k+int(code[s+2])] +
			table[(s+3)*k+int(code[s+3])]
	}
	for ; s < m; s++ {
		sum += table[s*k+int(code[s])]
	}
	return sum
}
