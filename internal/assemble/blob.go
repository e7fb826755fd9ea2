package assemble

import "github.com/tomusdrw/wasm-pvm-sub000/internal/tvm"

// ProgramBlob is the final artifact: the instruction stream, the jump
// table every call return-address load references, the read-only data
// (dispatch table + passive segment content), the initial read-write
// data image, and the heap page count the runtime must allocate.
type ProgramBlob struct {
	Instructions []tvm.Instruction
	JumpTable    []uint32
	ROData       []byte
	RWData       []byte
	HeapPages    uint16

	code []byte
}

// Code returns the encoded instruction stream.
func (b *ProgramBlob) Code() []byte {
	if b.code == nil {
		for _, i := range b.Instructions {
			enc, err := i.Encode()
			if err != nil {
				panic("BUG: unencodable instruction in assembled program: " + err.Error())
			}
			b.code = append(b.code, enc...)
		}
	}
	return b.code
}
