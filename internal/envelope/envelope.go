// Package envelope implements the protocol's message unit: a command name and
// an ordered list of typed payload values, serialized as JSON and sealed by
// the session channel.
package envelope

import (
	"groupshare/internal/token"
)

// Request commands.
const (
	CmdListFiles  = "LFILES"
	CmdUpload     = "UPLOADF"
	CmdDownload   = "DOWNLOADF"
	CmdDelete     = "DELETEF"
	CmdDisconnect = "DISCONNECT"
	CmdChunk      = "CHUNK"
	CmdEOF        = "EOF"
)

// Replies. Every failure has its own stable name.
const (
	ReplyOK    = "OK"
	ReplyReady = "READY"

	FailBadContents  = "FAIL-BADCONTENTS"
	FailBadPath      = "FAIL-BADPATH"
	FailBadGroup     = "FAIL-BADGROUP"
	FailBadToken     = "FAIL-BADTOKEN"
	FailFileExists   = "FAIL-FILEEXISTS"
	FailUnauthorized = "FAIL-UNAUTHORIZED"
	FailBadMessage   = "FAIL-BADMSG"

	ErrorTransfer     = "ERROR-TRANSFER"
	ErrorFileMissing  = "ERROR_FILEMISSING"
	ErrorPermission   = "ERROR_PERMISSION"
	ErrorNotOnDisk    = "ERROR_NOTONDISK"
	ErrorDoesNotExist = "ERROR_DOESNTEXIST"
	ErrorDelete       = "ERROR_DELETE"
)

// Kind tags the type of a payload value on the wire.
type Kind string

const (
	KindNull    Kind = "null"
	KindString  Kind = "string"
	KindInt     Kind = "int"
	KindBytes   Kind = "bytes"
	KindToken   Kind = "token"
	KindStrings Kind = "strings"
)

// Value is one payload field.
type Value struct {
	Kind  Kind         `json:"k"`
	Str   string       `json:"s,omitempty"`
	Int   int64        `json:"i,omitempty"`
	Bytes []byte       `json:"b,omitempty"`
	Token *token.Token `json:"t,omitempty"`
	List  []string     `json:"l,omitempty"`
}

func Null() Value                 { return Value{Kind: KindNull} }
func String(s string) Value       { return Value{Kind: KindString, Str: s} }
func Int(n int) Value             { return Value{Kind: KindInt, Int: int64(n)} }
func Bytes(b []byte) Value        { return Value{Kind: KindBytes, Bytes: b} }
func Strings(list []string) Value { return Value{Kind: KindStrings, List: list} }

// Token wraps t; a nil token becomes a null value.
func Token(t *token.Token) Value {
	if t == nil {
		return Null()
	}
	return Value{Kind: KindToken, Token: t}
}

// Envelope is a single protocol message.
type Envelope struct {
	Command string  `json:"command"`
	Payload []Value `json:"payload,omitempty"`
}

// New builds an envelope from a command and its payload.
func New(command string, payload ...Value) *Envelope {
	return &Envelope{Command: command, Payload: payload}
}

// Add appends a payload value.
func (e *Envelope) Add(v Value) *Envelope {
	e.Payload = append(e.Payload, v)
	return e
}

// Len is the number of payload fields, null ones included.
func (e *Envelope) Len() int {
	return len(e.Payload)
}

func (e *Envelope) field(i int, kind Kind) (Value, bool) {
	if i < 0 || i >= len(e.Payload) || e.Payload[i].Kind != kind {
		return Value{}, false
	}
	return e.Payload[i], true
}

// StringField returns field i if it is a string.
func (e *Envelope) StringField(i int) (string, bool) {
	v, ok := e.field(i, KindString)
	return v.Str, ok
}

// IntField returns field i if it is an integer.
func (e *Envelope) IntField(i int) (int64, bool) {
	v, ok := e.field(i, KindInt)
	return v.Int, ok
}

// BytesField returns field i if it is a byte buffer.
func (e *Envelope) BytesField(i int) ([]byte, bool) {
	v, ok := e.field(i, KindBytes)
	return v.Bytes, ok
}

// TokenField returns field i if it is a non-nil token.
func (e *Envelope) TokenField(i int) (*token.Token, bool) {
	v, ok := e.field(i, KindToken)
	if !ok || v.Token == nil {
		return nil, false
	}
	return v.Token, true
}

// StringsField returns field i if it is a string list.
func (e *Envelope) StringsField(i int) ([]string, bool) {
	v, ok := e.field(i, KindStrings)
	return v.List, ok
}
