package codec

import (
	"fmt"
	"sync"

	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/reflect/protodesc"
	"google.golang.org/protobuf/reflect/protoreflect"
	"google.golang.org/protobuf/reflect/protoregistry"
	"google.golang.org/protobuf/types/descriptorpb"
	"google.golang.org/protobuf/types/dynamicpb"
)

// SchemaDecoder декодирует бинарные payload'ы по ранее зарегистрированной схеме.
type SchemaDecoder interface {
	// RegisterSchema регистрирует схему под именем name. Повторная
	// регистрация того же имени заменяет схему.
	RegisterSchema(name string, blob []byte) error
	// Decode переводит бинарную запись схемы name в JSON.
	Decode(name string, data []byte) ([]byte, error)
}

// ProtoSchemas: SchemaDecoder для protobuf: blob это сериализованный
// FileDescriptorSet, name это полное ("pkg.Msg") или короткое ("Msg") имя сообщения.
type ProtoSchemas struct {
	mu       sync.RWMutex
	messages map[string]protoreflect.MessageDescriptor

	marshal protojson.MarshalOptions
}

// NewProtoSchemas создаёт пустой реестр схем.
func NewProtoSchemas() *ProtoSchemas {
	return &ProtoSchemas{
		messages: make(map[string]protoreflect.MessageDescriptor),
		marshal:  protojson.MarshalOptions{UseProtoNames: true, EmitUnpopulated: false},
	}
}

func (p *ProtoSchemas) RegisterSchema(name string, blob []byte) error {
	var set descriptorpb.FileDescriptorSet
	if err := proto.Unmarshal(blob, &set); err != nil {
		return fmt.Errorf("%w: %q: %v", ErrInvalidSchema, name, err)
	}
	files, err := protodesc.NewFiles(&set)
	if err != nil {
		return fmt.Errorf("%w: %q: %v", ErrInvalidSchema, name, err)
	}
	md, err := findMessage(files, name)
	if err != nil {
		return err
	}

	p.mu.Lock()
	p.messages[name] = md
	p.mu.Unlock()
	return nil
}

func (p *ProtoSchemas) Decode(name string, data []byte) ([]byte, error) {
	p.mu.RLock()
	md, ok := p.messages[name]
	p.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrSchemaNotRegistered, name)
	}

	msg := dynamicpb.NewMessage(md)
	if err := proto.Unmarshal(data, msg); err != nil {
		return nil, fmt.Errorf("codec: unmarshal %s: %w", md.FullName(), err)
	}
	return p.marshal.Marshal(msg)
}

// Registered сообщает, известна ли схема name.
func (p *ProtoSchemas) Registered(name string) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	_, ok := p.messages[name]
	return ok
}

// findMessage ищет сообщение по полному имени, затем по короткому.
func findMessage(files *protoregistry.Files, name string) (protoreflect.MessageDescriptor, error) {
	if d, err := files.FindDescriptorByName(protoreflect.FullName(name)); err == nil {
		if md, ok := d.(protoreflect.MessageDescriptor); ok {
			return md, nil
		}
	}

	var found protoreflect.MessageDescriptor
	files.RangeFiles(func(fd protoreflect.FileDescriptor) bool {
		found = findShort(fd.Messages(), protoreflect.Name(name))
		return found == nil
	})
	if found == nil {
		return nil, fmt.Errorf("%w: message %q not found in descriptor set", ErrInvalidSchema, name)
	}
	return found, nil
}

func findShort(msgs protoreflect.MessageDescriptors, name protoreflect.Name) protoreflect.MessageDescriptor {
	for i := 0; i < msgs.Len(); i++ {
		md := msgs.Get(i)
		if md.Name() == name {
			return md
		}
		if nested := findShort(md.Messages(), name); nested != nil {
			return nested
		}
	}
	return nil
}
