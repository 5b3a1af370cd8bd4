// Package checkpoint serializes training state for resume and
// cross-checks device computation against the host reference.
package checkpoint

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/cespare/xxhash/v2"
	"github.com/google/uuid"
	"github.com/klauspost/compress/gzip"

	"github.com/hailam/tupletrain/internal/ntuple"
	"github.com/hailam/tupletrain/internal/storage"
)

// Checkpoint file format constants.
const (
	MagicNumber = 0x5443504B // "KPCT" - checkpoint envelope
	Version     = 1
)

// envelope precedes the compressed payload. The checksum covers the
// compressed bytes; a mismatch fails the load before anything is
// decoded.
type envelope struct {
	Magic    uint32
	Version  uint32
	Checksum uint64
	Size     uint64
}

// DeviceState captures the execution-side knobs a resume restores.
type DeviceState struct {
	BatchSize        uint32
	PendingGradSteps uint32
	Gradients        []float32 // raw buffer, present only when steps were pending
}

// Snapshot is one versioned checkpoint of a training run.
type Snapshot struct {
	RunID        uuid.UUID
	Episode      uint64
	TotalSteps   uint64
	LearningRate float64
	RecentScores []float64
	Milestones   map[uint8]uint64 // tile exponent -> episodes that reached it

	Patterns []ntuple.Pattern
	Tables   [][]float64

	Device DeviceState
}

// Capture builds a snapshot of the network's current tables plus the
// caller-supplied trainer state.
func Capture(runID uuid.UUID, episode, steps uint64, lr float64,
	scores []float64, milestones map[uint8]uint64,
	n *ntuple.Network, dev DeviceState) *Snapshot {

	ms := make(map[uint8]uint64, len(milestones))
	for k, v := range milestones {
		ms[k] = v
	}
	return &Snapshot{
		RunID:        runID,
		Episode:      episode,
		TotalSteps:   steps,
		LearningRate: lr,
		RecentScores: append([]float64(nil), scores...),
		Milestones:   ms,
		Patterns:     n.Patterns(),
		Tables:       n.WeightTables(),
		Device:       dev,
	}
}

// Restore loads the snapshot's weights (and pending gradients, if any)
// into a network of the same shape. Pattern count or table size
// mismatches abort the resume; shapes are data, validated at the
// boundary, never guessed.
func (s *Snapshot) Restore(n *ntuple.Network) error {
	if len(s.Patterns) != len(n.Patterns()) {
		return fmt.Errorf("checkpoint has %d patterns, network has %d", len(s.Patterns), len(n.Patterns()))
	}
	for i, p := range n.Patterns() {
		if !patternsEqual(p, s.Patterns[i]) {
			return fmt.Errorf("checkpoint pattern %d does not match the network's", i)
		}
	}
	if err := n.RestoreWeights(s.Tables); err != nil {
		return err
	}
	if len(s.Device.Gradients) > 0 {
		if err := n.RestoreGradients(s.Device.Gradients); err != nil {
			return err
		}
	}
	return nil
}

func patternsEqual(a, b ntuple.Pattern) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// Save encodes, compresses and atomically persists the snapshot.
func Save(store storage.Store, name string, s *Snapshot) error {
	var raw bytes.Buffer
	if err := s.encode(&raw); err != nil {
		return fmt.Errorf("failed to encode checkpoint: %w", err)
	}

	var packed bytes.Buffer
	zw := gzip.NewWriter(&packed)
	if _, err := zw.Write(raw.Bytes()); err != nil {
		return fmt.Errorf("failed to compress checkpoint: %w", err)
	}
	if err := zw.Close(); err != nil {
		return fmt.Errorf("failed to compress checkpoint: %w", err)
	}

	env := envelope{
		Magic:    MagicNumber,
		Version:  Version,
		Checksum: xxhash.Sum64(packed.Bytes()),
		Size:     uint64(packed.Len()),
	}
	var blob bytes.Buffer
	if err := binary.Write(&blob, binary.LittleEndian, &env); err != nil {
		return fmt.Errorf("failed to write envelope: %w", err)
	}
	if _, err := packed.WriteTo(&blob); err != nil {
		return err
	}
	return store.WriteAtomic(name, blob.Bytes())
}

// Load reads and verifies a snapshot. storage.ErrNotFound passes
// through so callers can distinguish "no checkpoint yet" from
// corruption.
func Load(store storage.Store, name string) (*Snapshot, error) {
	blob, err := store.ReadAll(name)
	if err != nil {
		return nil, err
	}

	r := bytes.NewReader(blob)
	var env envelope
	if err := binary.Read(r, binary.LittleEndian, &env); err != nil {
		return nil, fmt.Errorf("failed to read envelope: %w", err)
	}
	if env.Magic != MagicNumber {
		return nil, fmt.Errorf("invalid magic number: expected %x, got %x", MagicNumber, env.Magic)
	}
	if env.Version != Version {
		return nil, fmt.Errorf("unsupported version: expected %d, got %d", Version, env.Version)
	}

	packed := make([]byte, env.Size)
	if _, err := io.ReadFull(r, packed); err != nil {
		return nil, fmt.Errorf("truncated checkpoint: %w", err)
	}
	if sum := xxhash.Sum64(packed); sum != env.Checksum {
		return nil, fmt.Errorf("checksum mismatch: expected %x, got %x", env.Checksum, sum)
	}

	zr, err := gzip.NewReader(bytes.NewReader(packed))
	if err != nil {
		return nil, fmt.Errorf("failed to decompress checkpoint: %w", err)
	}
	defer zr.Close()

	s := &Snapshot{}
	if err := s.decode(zr); err != nil {
		return nil, fmt.Errorf("failed to decode checkpoint: %w", err)
	}
	return s, nil
}

func (s *Snapshot) encode(w io.Writer) error {
	if _, err := w.Write(s.RunID[:]); err != nil {
		return err
	}
	for _, v := range []interface{}{s.Episode, s.TotalSteps, s.LearningRate} {
		if err := binary.Write(w, binary.LittleEndian, v); err != nil {
			return err
		}
	}

	if err := binary.Write(w, binary.LittleEndian, uint32(len(s.RecentScores))); err != nil {
		return err
	}
	if err := binary.Write(w, binary.LittleEndian, s.RecentScores); err != nil {
		return err
	}

	if err := binary.Write(w, binary.LittleEndian, uint32(len(s.Milestones))); err != nil {
		return err
	}
	for exp := uint8(0); exp <= 15; exp++ {
		count, ok := s.Milestones[exp]
		if !ok {
			continue
		}
		if err := binary.Write(w, binary.LittleEndian, exp); err != nil {
			return err
		}
		if err := binary.Write(w, binary.LittleEndian, count); err != nil {
			return err
		}
	}

	if err := binary.Write(w, binary.LittleEndian, uint32(len(s.Patterns))); err != nil {
		return err
	}
	for _, p := range s.Patterns {
		if err := binary.Write(w, binary.LittleEndian, uint8(len(p))); err != nil {
			return err
		}
		if err := binary.Write(w, binary.LittleEndian, []uint8(p)); err != nil {
			return err
		}
	}
	for _, table := range s.Tables {
		if err := binary.Write(w, binary.LittleEndian, uint32(len(table))); err != nil {
			return err
		}
		if err := binary.Write(w, binary.LittleEndian, table); err != nil {
			return err
		}
	}

	if err := binary.Write(w, binary.LittleEndian, s.Device.BatchSize); err != nil {
		return err
	}
	if err := binary.Write(w, binary.LittleEndian, s.Device.PendingGradSteps); err != nil {
		return err
	}
	if err := binary.Write(w, binary.LittleEndian, uint32(len(s.Device.Gradients))); err != nil {
		return err
	}
	if len(s.Device.Gradients) > 0 {
		if err := binary.Write(w, binary.LittleEndian, s.Device.Gradients); err != nil {
			return err
		}
	}
	return nil
}

func (s *Snapshot) decode(r io.Reader) error {
	if _, err := io.ReadFull(r, s.RunID[:]); err != nil {
		return err
	}
	for _, v := range []interface{}{&s.Episode, &s.TotalSteps, &s.LearningRate} {
		if err := binary.Read(r, binary.LittleEndian, v); err != nil {
			return err
		}
	}

	var scoreCount uint32
	if err := binary.Read(r, binary.LittleEndian, &scoreCount); err != nil {
		return err
	}
	s.RecentScores = make([]float64, scoreCount)
	if err := binary.Read(r, binary.LittleEndian, s.RecentScores); err != nil {
		return err
	}

	var msCount uint32
	if err := binary.Read(r, binary.LittleEndian, &msCount); err != nil {
		return err
	}
	s.Milestones = make(map[uint8]uint64, msCount)
	for i := uint32(0); i < msCount; i++ {
		var exp uint8
		var count uint64
		if err := binary.Read(r, binary.LittleEndian, &exp); err != nil {
			return err
		}
		if err := binary.Read(r, binary.LittleEndian, &count); err != nil {
			return err
		}
		s.Milestones[exp] = count
	}

	var patternCount uint32
	if err := binary.Read(r, binary.LittleEndian, &patternCount); err != nil {
		return err
	}
	if patternCount == 0 || patternCount > 64 {
		return fmt.Errorf("implausible pattern count %d", patternCount)
	}
	s.Patterns = make([]ntuple.Pattern, patternCount)
	for i := range s.Patterns {
		var length uint8
		if err := binary.Read(r, binary.LittleEndian, &length); err != nil {
			return err
		}
		p := make(ntuple.Pattern, length)
		if err := binary.Read(r, binary.LittleEndian, []uint8(p)); err != nil {
			return err
		}
		if err := p.Validate(); err != nil {
			return err
		}
		s.Patterns[i] = p
	}
	s.Tables = make([][]float64, patternCount)
	for i, p := range s.Patterns {
		var size uint32
		if err := binary.Read(r, binary.LittleEndian, &size); err != nil {
			return err
		}
		if int(size) != p.TableSize() {
			return fmt.Errorf("table %d has %d entries, pattern expects %d", i, size, p.TableSize())
		}
		s.Tables[i] = make([]float64, size)
		if err := binary.Read(r, binary.LittleEndian, s.Tables[i]); err != nil {
			return err
		}
	}

	if err := binary.Read(r, binary.LittleEndian, &s.Device.BatchSize); err != nil {
		return err
	}
	if err := binary.Read(r, binary.LittleEndian, &s.Device.PendingGradSteps); err != nil {
		return err
	}
	var gradCount uint32
	if err := binary.Read(r, binary.LittleEndian, &gradCount); err != nil {
		return err
	}
	if gradCount > 0 {
		s.Device.Gradients = make([]float32, gradCount)
		if err := binary.Read(r, binary.LittleEndian, s.Device.Gradients); err != nil {
			return err
		}
	}
	return nil
}
