package intercept

import "fmt"

// CompletionToken is the result object of a Begin/End operation.
//
// For a send, Buffer[Offset:Offset+Count] is exactly what was written.
// For a receive, Count is the capacity of the destination region, not the
// number of bytes read.
type CompletionToken interface {
	Buffer() []byte
	Offset() int
	Count() int
}

// TokenFields is a snapshot of a token's accessors.
type TokenFields struct {
	Buffer []byte
	Offset int
	Count  int
}

// TokenReader reads the fields of an opaque completion token argument.
type TokenReader interface {
	ReadToken(arg any) (TokenFields, error)
}

// TokenReaderFunc adapts a function to TokenReader.
type TokenReaderFunc func(arg any) (TokenFields, error)

func (f TokenReaderFunc) ReadToken(arg any) (TokenFields, error) {
	return f(arg)
}

// DefaultTokenReader reads any argument implementing CompletionToken.
var DefaultTokenReader TokenReader = TokenReaderFunc(readCompletionToken)

func readCompletionToken(arg any) (fields TokenFields, err error) {
	tok, ok := arg.(CompletionToken)
	if !ok || tok == nil {
		return TokenFields{}, &TokenAccessError{Reason: fmt.Sprintf("%T is not a completion token", arg)}
	}

	field := "Buffer"
	defer func() {
		if v := recover(); v != nil {
			fields = TokenFields{}
			err = &TokenAccessError{Field: field, Reason: fmt.Sprintf("accessor panicked: %v", v)}
		}
	}()

	fields.Buffer = tok.Buffer()
	field = "Offset"
	fields.Offset = tok.Offset()
	field = "Count"
	fields.Count = tok.Count()
	return fields, nil
}
