package jit

import (
	"fmt"

	"github.com/cockroachdb/errors"
	"github.com/fxamacker/cbor/v2"

	"github.com/chazu/bbv/jit/asm"
)

// GraphSnapshot is a serializable picture of the live graph, for debugging
// and for the inspect command.
type GraphSnapshot struct {
	Epoch    uint64           `cbor:"1,keyasint"`
	Blocks   []BlockSnapshot  `cbor:"2,keyasint,omitempty"`
	Branches []BranchSnapshot `cbor:"3,keyasint,omitempty"`
	Stats    Stats            `cbor:"4,keyasint"`
}

// BlockSnapshot describes one live block.
type BlockSnapshot struct {
	ID       uint32   `cbor:"1,keyasint"`
	Method   uint32   `cbor:"2,keyasint"`
	PC       int      `cbor:"3,keyasint"`
	End      int      `cbor:"4,keyasint"`
	Context  string   `cbor:"5,keyasint"`
	Kind     string   `cbor:"6,keyasint"`
	Start    uint32   `cbor:"7,keyasint"`
	Size     int      `cbor:"8,keyasint"`
	Assumes  []string `cbor:"9,keyasint,omitempty"`
	Outgoing []uint32 `cbor:"10,keyasint,omitempty"`
	Code     string   `cbor:"11,keyasint,omitempty"`
}

// BranchSnapshot describes one branch of a live block, or an entry branch.
type BranchSnapshot struct {
	ID      uint32   `cbor:"1,keyasint"`
	Kind    string   `cbor:"2,keyasint"`
	Src     uint32   `cbor:"3,keyasint"`
	Method  uint32   `cbor:"4,keyasint"`
	PC      int      `cbor:"5,keyasint"`
	State   string   `cbor:"6,keyasint"`
	Targets []uint32 `cbor:"7,keyasint,omitempty"`
}

var snapshotEncMode cbor.EncMode

func init() {
	em, err := cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		panic(fmt.Sprintf("jit: failed to create CBOR enc mode: %v", err))
	}
	snapshotEncMode = em
}

// Snapshot captures the live part of the driver's graph. With code set each
// block carries its disassembly.
func (d *Driver) Snapshot(code bool) *GraphSnapshot {
	g := d.graph
	snap := &GraphSnapshot{Epoch: g.Epoch(), Stats: d.Stats()}
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, b := range g.blocks.all() {
		if b.Invalid() {
			continue
		}
		bs := BlockSnapshot{
			ID:      uint32(b.ID),
			Method:  uint32(b.Pos.Method),
			PC:      b.Pos.PC,
			End:     b.End,
			Context: b.Ctx.String(),
			Kind:    b.Kind.String(),
			Start:   uint32(b.Start),
			Size:    b.Size,
		}
		for _, a := range b.Assumes {
			bs.Assumes = append(bs.Assumes, fmt.Sprintf("%s@v%d", a.Key, a.Version))
		}
		for _, id := range b.Outgoing {
			bs.Outgoing = append(bs.Outgoing, uint32(id))
		}
		if code {
			bs.Code = asm.Disassemble(g.code, b.Start, b.Size)
		}
		snap.Blocks = append(snap.Blocks, bs)
	}
	for _, br := range g.branches.all() {
		if br.Dead() {
			continue
		}
		bs := BranchSnapshot{
			ID:     uint32(br.ID),
			Kind:   br.Kind.String(),
			Src:    uint32(br.Src),
			Method: uint32(br.Target.Method),
			PC:     br.Target.PC,
		}
		if br.Kind == BranchDirect {
			bs.State = "pending"
			if _, ok := br.Resolved(); ok {
				bs.State = "resolved"
			}
		} else {
			bs.State = br.TableState().String()
		}
		for _, id := range br.Targets() {
			bs.Targets = append(bs.Targets, uint32(id))
		}
		snap.Branches = append(snap.Branches, bs)
	}
	return snap
}

// MarshalSnapshot serializes a snapshot to canonical CBOR.
func MarshalSnapshot(s *GraphSnapshot) ([]byte, error) {
	return snapshotEncMode.Marshal(s)
}

// UnmarshalSnapshot reads a snapshot written by MarshalSnapshot.
func UnmarshalSnapshot(data []byte) (*GraphSnapshot, error) {
	var s GraphSnapshot
	if err := cbor.Unmarshal(data, &s); err != nil {
		return nil, errors.Wrap(err, "jit: unmarshal snapshot")
	}
	return &s, nil
}
