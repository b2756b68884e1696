package vm

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"os"

	"github.com/fxamacker/cbor/v2"
)

// ---------------------------------------------------------------------------
// Program wire format
// ---------------------------------------------------------------------------

// ProgramMagic identifies a serialized program file.
var ProgramMagic = [4]byte{'P', 'G', 'M', '1'}

// Wire format version
// v1: initial format
const ProgramVersion uint32 = 1

const programHeaderSize = 8 // magic(4) + version(4)

// cborEncMode encodes in canonical mode so that equal programs serialize to
// identical bytes; recompiling an unchanged grammar is byte-stable.
var cborEncMode cbor.EncMode

func init() {
	em, err := cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		panic(fmt.Sprintf("vm: failed to create CBOR enc mode: %v", err))
	}
	cborEncMode = em
}

// MarshalProgram serializes a program to its wire format.
func MarshalProgram(p *Program) ([]byte, error) {
	body, err := cborEncMode.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("vm: marshal program: %w", err)
	}
	buf := bytes.NewBuffer(make([]byte, 0, programHeaderSize+len(body)))
	buf.Write(ProgramMagic[:])
	if err := binary.Write(buf, binary.BigEndian, ProgramVersion); err != nil {
		return nil, err
	}
	buf.Write(body)
	return buf.Bytes(), nil
}

// UnmarshalProgram deserializes a program from its wire format.
func UnmarshalProgram(data []byte) (*Program, error) {
	if len(data) < programHeaderSize {
		return nil, fmt.Errorf("vm: program data truncated (%d bytes)", len(data))
	}
	if !bytes.Equal(data[:4], ProgramMagic[:]) {
		return nil, fmt.Errorf("vm: bad program magic %q", data[:4])
	}
	version := binary.BigEndian.Uint32(data[4:8])
	if version != ProgramVersion {
		return nil, fmt.Errorf("vm: unsupported program version %d (want %d)", version, ProgramVersion)
	}
	var p Program
	if err := cbor.Unmarshal(data[programHeaderSize:], &p); err != nil {
		return nil, fmt.Errorf("vm: unmarshal program: %w", err)
	}
	return &p, nil
}

// WriteProgramFile serializes a program to path.
func WriteProgramFile(p *Program, path string) error {
	data, err := MarshalProgram(p)
	if err != nil {
		return err
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("vm: write program: %w", err)
	}
	return nil
}

// ReadProgramFile deserializes a program from path.
func ReadProgramFile(path string) (*Program, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("vm: read program: %w", err)
	}
	return UnmarshalProgram(data)
}
