package vm

import "fmt"

// ---------------------------------------------------------------------------
// Class descriptors
// ---------------------------------------------------------------------------

// ClassID identifies one of the internal classes. The class of an object
// decides the shape of its data area.
type ClassID uint16

const (
	ClassInvalid ClassID = iota
	ClassInt
	ClassLong
	ClassString
	ClassBinary
	ClassCode
	ClassArray
	ClassClosure
	ClassCallFrame
	ClassThread
	ClassIntStack
	ClassObjectStack
	ClassExceptionStack
	ClassMutex
	ClassCond
	ClassSema
	ClassWeakRef
	ClassIO

	numClasses
)

// Persistent field widths used to declare payload sizes. A ref is a 32-bit
// handle, scalar fields are 32-bit unless noted.
const (
	refSize  = 4
	wordSize = 4
)

// Declared payload sizes of the fixed-size classes, in bytes.
const (
	intSize       = wordSize
	longSize      = 8
	closureSize   = refSize + wordSize
	callFrameSize = 3*refSize + refSize + 2*wordSize + refSize + refSize + wordSize
	threadSize    = 2*wordSize + 4*refSize + 8 + 2*wordSize
	mutexSize     = 2*refSize + wordSize
	condSize      = 2*refSize + wordSize
	semaSize      = 2*refSize + 2*wordSize
	weakRefSize   = refSize + wordSize
	ioSize        = 5*wordSize + 2*IOBufSize*refSize + 2*refSize

	stackHeaderSize = 4*refSize + 3*wordSize
	excHandlerSize  = refSize + wordSize
)

// Class describes how objects of one class are laid out. Fixed classes have
// ElemSize 0 and a payload of exactly Size bytes; variable classes have a
// Size-byte header followed by n elements of ElemSize bytes.
type Class struct {
	ID       ClassID
	Name     string
	Size     int
	ElemSize int

	new func(n int) DataArea
}

// PayloadSize returns the payload size of an instance with n elements.
func (c *Class) PayloadSize(n int) int {
	return c.Size + n*c.ElemSize
}

// Variable reports whether instances carry a variable-length tail.
func (c *Class) Variable() bool {
	return c.ElemSize > 0
}

func (c *Class) String() string {
	return c.Name
}

// Instance returns a zero payload of this class that belongs to no heap.
// Decoders fill it from a snapshot record.
func (c *Class) Instance() DataArea {
	return c.new(0)
}

var classTable = [numClasses]*Class{
	ClassInt: {ID: ClassInt, Name: ".internal.int", Size: intSize,
		new: func(int) DataArea { return &Int{} }},
	ClassLong: {ID: ClassLong, Name: ".internal.long", Size: longSize,
		new: func(int) DataArea { return &Long{} }},
	ClassString: {ID: ClassString, Name: ".internal.string", Size: wordSize, ElemSize: 1,
		new: func(n int) DataArea { return &String{Data: make([]byte, n)} }},
	ClassBinary: {ID: ClassBinary, Name: ".internal.binary", Size: wordSize, ElemSize: 1,
		new: func(n int) DataArea { return &Binary{Data: make([]byte, n)} }},
	ClassCode: {ID: ClassCode, Name: ".internal.code", Size: wordSize, ElemSize: 1,
		new: func(n int) DataArea { return &Code{Code: make([]byte, n)} }},
	ClassArray: {ID: ClassArray, Name: ".internal.array", Size: wordSize, ElemSize: refSize,
		new: func(n int) DataArea { return &Array{Slots: make([]Ref, n)} }},
	ClassClosure: {ID: ClassClosure, Name: ".internal.closure", Size: closureSize,
		new: func(int) DataArea { return &Closure{} }},
	ClassCallFrame: {ID: ClassCallFrame, Name: ".internal.call_frame", Size: callFrameSize,
		new: func(int) DataArea { return &CallFrame{} }},
	ClassThread: {ID: ClassThread, Name: ".internal.thread", Size: threadSize,
		new: func(int) DataArea { return newThread() }},
	ClassIntStack: {ID: ClassIntStack, Name: ".internal.istack", Size: stackHeaderSize + StackPageCells*wordSize,
		new: func(int) DataArea { return &StackPage[int32]{kind: ClassIntStack} }},
	ClassObjectStack: {ID: ClassObjectStack, Name: ".internal.ostack", Size: stackHeaderSize + StackPageCells*refSize,
		new: func(int) DataArea { return &StackPage[Ref]{kind: ClassObjectStack} }},
	ClassExceptionStack: {ID: ClassExceptionStack, Name: ".internal.estack", Size: stackHeaderSize + StackPageCells*excHandlerSize,
		new: func(int) DataArea { return &StackPage[ExceptionHandler]{kind: ClassExceptionStack} }},
	ClassMutex: {ID: ClassMutex, Name: ".internal.mutex", Size: mutexSize,
		new: func(int) DataArea { return &Mutex{} }},
	ClassCond: {ID: ClassCond, Name: ".internal.cond", Size: condSize,
		new: func(int) DataArea { return &Cond{} }},
	ClassSema: {ID: ClassSema, Name: ".internal.sema", Size: semaSize,
		new: func(int) DataArea { return &Semaphore{} }},
	ClassWeakRef: {ID: ClassWeakRef, Name: ".internal.weakref", Size: weakRefSize,
		new: func(int) DataArea { return &WeakRef{} }},
	ClassIO: {ID: ClassIO, Name: ".internal.io", Size: ioSize,
		new: func(int) DataArea { return &IOChannel{} }},
}

// ClassOf returns the descriptor for id. Unknown ids are a contract violation.
func ClassOf(id ClassID) *Class {
	if id == ClassInvalid || id >= numClasses {
		contractf("ClassOf", NilRef, "unknown class id %d", id)
	}
	return classTable[id]
}

// LookupClass returns the descriptor for id, if there is one.
func LookupClass(id ClassID) (*Class, bool) {
	if id == ClassInvalid || id >= numClasses {
		return nil, false
	}
	return classTable[id], true
}

// ClassByName looks up a class descriptor by its internal name.
func ClassByName(name string) (*Class, error) {
	for _, c := range classTable {
		if c != nil && c.Name == name {
			return c, nil
		}
	}
	return nil, fmt.Errorf("vm: no class named %q", name)
}
