// Package features reads feature vectors in the plain text format produced by
// the feature extractor: one record per line, an index token followed by the
// components, whitespace separated.
package features

import (
	"bufio"
	"fmt"
	"io"
	"math"
	"os"
	"strconv"
	"strings"

	"gonum.org/v1/gonum/floats"

	"invisibleface/models"
)

const maxLineBytes = 16 << 20

// Load reads and normalizes every feature in the file at path.
func Load(path string) ([][]float64, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open feature file: %w", err)
	}
	defer f.Close()

	return Parse(f)
}

// Parse reads features from r. The index token of each line is discarded and
// the remaining vector is L2-normalized. All lines must carry the same number
// of components as the first one. Any malformed line fails the whole parse.
func Parse(r io.Reader) ([][]float64, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), maxLineBytes)

	var (
		out    [][]float64
		dim    int
		lineNo int
	)
	for scanner.Scan() {
		lineNo++
		fields := strings.Fields(scanner.Text())
		if len(fields) == 0 {
			continue
		}
		if len(fields) < 2 {
			return nil, &models.FeatureParseError{Line: lineNo, Reason: "expected an index followed by at least one component"}
		}
		if dim == 0 {
			dim = len(fields) - 1
		} else if len(fields)-1 != dim {
			return nil, &models.FeatureParseError{
				Line:   lineNo,
				Reason: fmt.Sprintf("expected %d components, got %d", dim, len(fields)-1),
			}
		}

		feature, err := parseLine(lineNo, fields[1:])
		if err != nil {
			return nil, err
		}
		out = append(out, feature)
	}
	if err := scanner.Err(); err != nil {
		return nil, &models.FeatureParseError{Line: lineNo + 1, Reason: "read failed", Err: err}
	}
	return out, nil
}

// Normalize scales v to unit L2 norm in place. A zero or non-finite norm is
// rejected.
func Normalize(v []float64) error {
	norm := floats.Norm(v, 2)
	if norm == 0 || math.IsNaN(norm) || math.IsInf(norm, 0) {
		return fmt.Errorf("cannot normalize vector with norm %g", norm)
	}
	floats.Scale(1/norm, v)
	return nil
}

func parseLine(lineNo int, tokens []string) ([]float64, error) {
	feature := make([]float64, len(tokens))
	for i, tok := range tokens {
		v, err := strconv.ParseFloat(tok, 64)
		if err != nil {
			return nil, &models.FeatureParseError{Line: lineNo, Reason: fmt.Sprintf("component %d is not numeric", i), Err: err}
		}
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return nil, &models.FeatureParseError{Line: lineNo, Reason: fmt.Sprintf("component %d is not finite", i)}
		}
		feature[i] = v
	}
	if err := Normalize(feature); err != nil {
		return nil, &models.FeatureParseError{Line: lineNo, Reason: "zero vector", Err: err}
	}
	return feature, nil
}
