package ingest

import (
	"io"
	"os"

	"github.com/parquet-go/parquet-go"

	"github.com/23skdu/ivfshard/internal/errors"
)

// VectorRow is the Parquet row layout for stored vectors.
type VectorRow struct {
	ID     int64     `parquet:"id"`
	Vector []float32 `parquet:"vector"`
}

const readBatch = 1024

// WriteParquet writes ids and vectors as VectorRow records.
func WriteParquet(w io.Writer, ids []int64, vectors [][]float32) error {
	if len(ids) != len(vectors) {
		return errors.E(errors.ErrInvalidArgument, "write_parquet", "%d ids for %d vectors", len(ids), len(vectors))
	}
	writer := parquet.NewGenericWriter[VectorRow](w)
	rows := make([]VectorRow, 0, readBatch)
	for i := range ids {
		rows = append(rows, VectorRow{ID: ids[i], Vector: vectors[i]})
		if len(rows) == cap(rows) {
			if _, err := writer.Write(rows); err != nil {
				return errors.Wrap(err, errors.ErrorTypeResource, "write_parquet", "failed to write rows")
			}
			rows = rows[:0]
		}
	}
	if len(rows) > 0 {
		if _, err := writer.Write(rows); err != nil {
			return errors.Wrap(err, errors.ErrorTypeResource, "write_parquet", "failed to write rows")
		}
	}
	if err := writer.Close(); err != nil {
		return errors.Wrap(err, errors.ErrorTypeResource, "write_parquet", "failed to close writer")
	}
	return nil
}

// ReadParquet reads every VectorRow from r.
func ReadParquet(r io.ReaderAt) ([]int64, [][]float32, error) {
	reader := parquet.NewGenericReader[VectorRow](r)
	defer reader.Close()

	total := reader.NumRows()
	ids := make([]int64, 0, total)
	vectors := make([][]float32, 0, total)
	buf := make([]VectorRow, readBatch)
	for {
		n, err := reader.Read(buf)
		for _, row := range buf[:n] {
			ids = append(ids, row.ID)
			vectors = append(vectors, row.Vector)
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return nil, nil, errors.Wrap(err, errors.ErrorTypeData, "read_parquet", "failed to read rows")
		}
		if n == 0 {
			break
		}
	}
	return ids, vectors, nil
}

// ReadParquetFile opens path and reads its rows.
func ReadParquetFile(path string) ([]int64, [][]float32, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, errors.Wrap(err, errors.ErrorTypeResource, "read_parquet", "failed to open file").
			WithContext("path", path)
	}
	defer f.Close()
	return ReadParquet(f)
}

// WriteParquetFile creates path and writes rows to it.
func WriteParquetFile(path string, ids []int64, vectors [][]float32) error {
	f, err := os.Create(path)
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeResource, "write_parquet", "failed to create file").
			WithContext("path", path)
	}
	if err := WriteParquet(f, ids, vectors); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
