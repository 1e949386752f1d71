package logging

import (
	"time"

	"github.com/signalsfoundry/gsn-simulator/model"
)

// Field is a structured logging attribute.
type Field struct {
	Key   string
	Value any
}

func String(key, value string) Field                 { return Field{Key: key, Value: value} }
func Int(key string, value int) Field                { return Field{Key: key, Value: value} }
func Uint64(key string, value uint64) Field          { return Field{Key: key, Value: value} }
func Bool(key string, value bool) Field              { return Field{Key: key, Value: value} }
func Duration(key string, value time.Duration) Field { return Field{Key: key, Value: value} }
func Any(key string, value any) Field                { return Field{Key: key, Value: value} }

// Err records an error under the conventional "error" key.
func Err(err error) Field {
	if err == nil {
		return Field{Key: "error", Value: nil}
	}
	return Field{Key: "error", Value: err.Error()}
}

// Stringer records any fmt.Stringer (identities, states, causes) as text.
func Stringer(key string, v interface{ String() string }) Field {
	return Field{Key: key, Value: v.String()}
}

// Defect marks a log line as an invariant violation.
func Defect() Field { return Field{Key: "defect", Value: true} }

// Domain field helpers. Keys are shared across components so log lines from
// different layers can be joined on them.

func IMSI(v model.IMSI) Field     { return Field{Key: "imsi", Value: string(v)} }
func TI(v model.TI) Field         { return Field{Key: "ti", Value: v.String()} }
func Node(v model.NodeID) Field   { return Field{Key: "node", Value: string(v)} }
func TEID(v model.TEID) Field     { return Field{Key: "teid", Value: uint32(v)} }
func RNC(v model.RNCID) Field     { return Field{Key: "rnc", Value: string(v)} }
func Component(name string) Field { return Field{Key: "component", Value: name} }
