package protocol

// Version is the only protocol version this implementation speaks.
const Version = "1.1"

// Terminator ends every encoded message; line-oriented transports rely on it.
const Terminator = "\r\n"

type Direction string

const (
	DirCommand  Direction = "C"
	DirResponse Direction = "R"
)

type Opcode string

const (
	OpNone     Opcode = ""
	OpNop      Opcode = "NOP"
	OpCreate   Opcode = "CREATE"
	OpFinalize Opcode = "FINALIZE"
	OpCancel   Opcode = "CANCEL"
	OpGet      Opcode = "GET"
	OpDelete   Opcode = "DELETE"
	OpInsert   Opcode = "INSERT"
	OpDrop     Opcode = "DROP"
	OpAlive    Opcode = "ALIVE"
	OpIsland   Opcode = "ISLAND"
	OpStatus   Opcode = "STATUS"
	OpDump     Opcode = "DUMP"
	OpMkdir    Opcode = "MKDIR"
	OpMv       Opcode = "MV"
	OpPurge    Opcode = "PURGE"
)

var opcodes = map[string]Opcode{
	"NOP":      OpNop,
	"CREATE":   OpCreate,
	"FINALIZE": OpFinalize,
	"CANCEL":   OpCancel,
	"GET":      OpGet,
	"DELETE":   OpDelete,
	"INSERT":   OpInsert,
	"DROP":     OpDrop,
	"ALIVE":    OpAlive,
	"ISLAND":   OpIsland,
	"STATUS":   OpStatus,
	"DUMP":     OpDump,
	"MKDIR":    OpMkdir,
	"MV":       OpMv,
	"PURGE":    OpPurge,
}

// Opcodes lists every supported opcode in a stable order.
func Opcodes() []Opcode {
	return []Opcode{OpNop, OpCreate, OpFinalize, OpCancel, OpGet, OpDelete, OpInsert, OpDrop,
		OpAlive, OpIsland, OpStatus, OpDump, OpMkdir, OpMv, OpPurge}
}

func LookupOpcode(s string) (Opcode, bool) {
	op, ok := opcodes[s]
	return op, ok
}

// HasBasket reports whether commands of this opcode carry a basket key.
func (op Opcode) HasBasket() bool {
	switch op {
	case OpCreate, OpFinalize, OpCancel, OpGet, OpDelete, OpInsert, OpDrop:
		return true
	}
	return false
}
