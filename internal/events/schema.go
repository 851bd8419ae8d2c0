package events

import (
	_ "embed"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/jhump/protoreflect/desc"
	"github.com/jhump/protoreflect/desc/protoparse"
	"github.com/jhump/protoreflect/dynamic"
)

//go:embed events.proto
var eventsProto string

const protoFileName = "events.proto"

type Schema struct {
	Envelope      *desc.MessageDescriptor
	DeviceSeen    *desc.MessageDescriptor
	ScanState     *desc.MessageDescriptor
	Sighting      *desc.MessageDescriptor
	CaptureRecord *desc.MessageDescriptor
}

var (
	schemaOnce sync.Once
	schemaInst *Schema
	schemaErr  error
)

func LoadSchema() (*Schema, error) {
	schemaOnce.Do(func() {
		p := protoparse.Parser{
			Accessor: func(filename string) (io.ReadCloser, error) {
				if filename == protoFileName {
					return io.NopCloser(strings.NewReader(eventsProto)), nil
				}
				return nil, fmt.Errorf("unknown import: %s", filename)
			},
		}
		fds, err := p.ParseFiles(protoFileName)
		if err != nil {
			schemaErr = err
			return
		}
		fd := fds[0]
		schemaInst = &Schema{
			Envelope:      fd.FindMessage("bluescan.events.v1.Envelope"),
			DeviceSeen:    fd.FindMessage("bluescan.events.v1.DeviceSeen"),
			ScanState:     fd.FindMessage("bluescan.events.v1.ScanState"),
			Sighting:      fd.FindMessage("bluescan.events.v1.Sighting"),
			CaptureRecord: fd.FindMessage("bluescan.events.v1.CaptureRecord"),
		}
		if schemaInst.Envelope == nil {
			schemaErr = fmt.Errorf("schema: missing Envelope descriptor")
		}
	})
	return schemaInst, schemaErr
}

func (s *Schema) NewEnvelope(subject string) *dynamic.Message {
	m := dynamic.NewMessage(s.Envelope)
	m.SetFieldByName("id", NewID())
	m.SetFieldByName("ts_unix_ms", time.Now().UTC().UnixMilli())
	m.SetFieldByName("subject", subject)
	return m
}
