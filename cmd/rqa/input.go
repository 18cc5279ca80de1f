package main

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
)

// readRecords parses every CSV record as floats. A first record that does not
// parse is taken as a header and skipped.
func readRecords(r io.Reader, fn func(line int, values []float64) error) error {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	cr.TrimLeadingSpace = true
	cr.Comment = '#'

	values := make([]float64, 0, 8)
	for line := 1; ; line++ {
		record, err := cr.Read()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}

		values = values[:0]
		var parseErr error
		for _, field := range record {
			v, err := strconv.ParseFloat(strings.TrimSpace(field), 64)
			if err != nil {
				parseErr = fmt.Errorf("line %d: %w", line, err)
				break
			}
			values = append(values, v)
		}
		if parseErr != nil {
			if line == 1 {
				continue
			}

			return parseErr
		}
		if err := fn(line, values); err != nil {
			return err
		}
	}
}

// readColumn returns the samples of one CSV column.
func readColumn(r io.Reader, column int) ([]float64, error) {
	if column < 0 {
		return nil, fmt.Errorf("invalid column %d", column)
	}

	var samples []float64
	err := readRecords(r, func(line int, values []float64) error {
		if column >= len(values) {
			return fmt.Errorf("line %d: no column %d", line, column)
		}
		samples = append(samples, values[column])

		return nil
	})

	return samples, err
}

// readRows returns every CSV record as one vector.
func readRows(r io.Reader) ([][]float64, error) {
	var rows [][]float64
	err := readRecords(r, func(_ int, values []float64) error {
		rows = append(rows, append([]float64(nil), values...))
		return nil
	})

	return rows, err
}
