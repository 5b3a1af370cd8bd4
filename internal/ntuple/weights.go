package ntuple

import (
	"encoding/binary"
	"fmt"
	"io"
	"os"
)

// Weight file format constants.
const (
	MagicNumber = 0x5457504E // "NPWT" - N-tuple pattern weight tables
	Version     = 1
)

// FileHeader is the header of the weight file.
type FileHeader struct {
	Magic        uint32
	Version      uint32
	PatternCount uint32
}

// Metadata describes the training run that produced a weight file.
type Metadata struct {
	TrainedGames uint64
	AvgScore     float64
	MaxTile      uint32
	Rate2048     float64
	Rate4096     float64
	Rate8192     float64
}

// WeightFile is the decoded contents of a weight file: the patterns,
// the float64 tables, and run metadata. Loading returns this rather
// than mutating a network so callers (the trainer resuming, or a UI
// loading a trained policy) decide what to do with it.
type WeightFile struct {
	Patterns []Pattern
	Tables   [][]float64
	Meta     Metadata
}

// SaveWeights writes the network's tables to a weight file.
// File format:
//   - Header: Magic (4 bytes), Version (4 bytes), PatternCount (4 bytes)
//   - Per pattern: length (1 byte), cell indices (length bytes)
//   - Metadata: TrainedGames, AvgScore, MaxTile, milestone rates
//   - Per pattern: entry count (4 bytes), entries (count * float64)
func (n *Network) SaveWeights(filename string, meta Metadata) error {
	f, err := os.Create(filename)
	if err != nil {
		return fmt.Errorf("failed to create weights file: %w", err)
	}
	defer f.Close()

	return n.WriteWeights(f, meta)
}

// WriteWeights writes the weight file format to an io.Writer.
func (n *Network) WriteWeights(w io.Writer, meta Metadata) error {
	header := FileHeader{
		Magic:        MagicNumber,
		Version:      Version,
		PatternCount: uint32(len(n.patterns)),
	}
	if err := binary.Write(w, binary.LittleEndian, &header); err != nil {
		return fmt.Errorf("failed to write header: %w", err)
	}

	for i, p := range n.patterns {
		if err := binary.Write(w, binary.LittleEndian, uint8(len(p))); err != nil {
			return fmt.Errorf("failed to write pattern %d length: %w", i, err)
		}
		if err := binary.Write(w, binary.LittleEndian, []uint8(p)); err != nil {
			return fmt.Errorf("failed to write pattern %d cells: %w", i, err)
		}
	}

	if err := binary.Write(w, binary.LittleEndian, &meta); err != nil {
		return fmt.Errorf("failed to write metadata: %w", err)
	}

	for i, table := range n.WeightTables() {
		if err := binary.Write(w, binary.LittleEndian, uint32(len(table))); err != nil {
			return fmt.Errorf("failed to write table %d size: %w", i, err)
		}
		if err := binary.Write(w, binary.LittleEndian, table); err != nil {
			return fmt.Errorf("failed to write table %d: %w", i, err)
		}
	}
	return nil
}

// LoadWeightFile reads and validates a weight file from disk.
func LoadWeightFile(filename string) (*WeightFile, error) {
	f, err := os.Open(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to open weights file: %w", err)
	}
	defer f.Close()
	return ReadWeights(f)
}

// ReadWeights reads the weight file format from an io.Reader. Every
// shape is validated before the tables are accepted: pattern count,
// per-pattern cell validity, and table size = 16^len. A mismatch fails
// the load outright.
func ReadWeights(r io.Reader) (*WeightFile, error) {
	var header FileHeader
	if err := binary.Read(r, binary.LittleEndian, &header); err != nil {
		return nil, fmt.Errorf("failed to read header: %w", err)
	}
	if header.Magic != MagicNumber {
		return nil, fmt.Errorf("invalid magic number: expected %x, got %x", MagicNumber, header.Magic)
	}
	if header.Version != Version {
		return nil, fmt.Errorf("unsupported version: expected %d, got %d", Version, header.Version)
	}
	if header.PatternCount == 0 || header.PatternCount > 64 {
		return nil, fmt.Errorf("implausible pattern count %d", header.PatternCount)
	}

	wf := &WeightFile{Patterns: make([]Pattern, header.PatternCount)}
	for i := range wf.Patterns {
		var length uint8
		if err := binary.Read(r, binary.LittleEndian, &length); err != nil {
			return nil, fmt.Errorf("failed to read pattern %d length: %w", i, err)
		}
		p := make(Pattern, length)
		if err := binary.Read(r, binary.LittleEndian, []uint8(p)); err != nil {
			return nil, fmt.Errorf("failed to read pattern %d cells: %w", i, err)
		}
		if err := p.Validate(); err != nil {
			return nil, err
		}
		wf.Patterns[i] = p
	}

	if err := binary.Read(r, binary.LittleEndian, &wf.Meta); err != nil {
		return nil, fmt.Errorf("failed to read metadata: %w", err)
	}

	wf.Tables = make([][]float64, header.PatternCount)
	for i, p := range wf.Patterns {
		var size uint32
		if err := binary.Read(r, binary.LittleEndian, &size); err != nil {
			return nil, fmt.Errorf("failed to read table %d size: %w", i, err)
		}
		if int(size) != p.TableSize() {
			return nil, fmt.Errorf("table %d has %d entries, pattern of length %d expects %d",
				i, size, len(p), p.TableSize())
		}
		table := make([]float64, size)
		if err := binary.Read(r, binary.LittleEndian, table); err != nil {
			return nil, fmt.Errorf("failed to read table %d: %w", i, err)
		}
		wf.Tables[i] = table
	}
	return wf, nil
}

// NewFromFile constructs a network directly from a loaded weight file.
func NewFromFile(wf *WeightFile) (*Network, error) {
	n, err := New(wf.Patterns, 0)
	if err != nil {
		return nil, err
	}
	if err := n.RestoreWeights(wf.Tables); err != nil {
		return nil, err
	}
	return n, nil
}
