package gid

import (
	"strings"

	"github.com/google/uuid"
	"github.com/pkg/errors"
)

const (
	InstanceTag   = "ins"
	ConnectionTag = "cxn"
	InvalidTag    = "xxx"
)

type tagToIDConstructor func(uuid.UUID) ID

var idConstructorMap = map[string]tagToIDConstructor{
	InstanceTag:   func(id uuid.UUID) ID { return NewInstanceID(id) },
	ConnectionTag: func(id uuid.UUID) ID { return NewConnectionID(id) },
}

// ParseID parses a tagged ID string (e.g. "ins_abc123...") into its
// concrete ID type.
func ParseID(s string) (ID, error) {
	tag, _, found := strings.Cut(s, "_")
	if !found {
		return nil, errors.Errorf("malformed gid %q: missing tag separator", s)
	}

	constructor, ok := idConstructorMap[tag]
	if !ok {
		return nil, errors.Errorf("unrecognized gid tag %q", tag)
	}

	_, encoded, _ := strings.Cut(s, "_")
	u, err := decodeUUID(encoded)
	if err != nil {
		return nil, errors.Wrapf(err, "malformed gid %q", s)
	}

	return constructor(u), nil
}

// ParseIDAs parses s and assigns the result to dstID, which must be a
// pointer to the expected concrete ID type.
func ParseIDAs(s string, dstID interface{}) error {
	parsed, err := ParseID(s)
	if err != nil {
		return err
	}
	return assignTo(parsed, dstID)
}

// InstanceID uniquely identifies one running dissector Instance, used to
// correlate log lines across concurrently-running instances.
type InstanceID struct {
	baseID
}

func (InstanceID) GetType() string {
	return InstanceTag
}

func (id InstanceID) String() string {
	return String(id)
}

func NewInstanceID(id uuid.UUID) InstanceID {
	return InstanceID{baseID(id)}
}

func GenerateInstanceID() InstanceID {
	return NewInstanceID(uuid.New())
}

func (id InstanceID) MarshalText() ([]byte, error) {
	return toText(id)
}

func (id *InstanceID) UnmarshalText(data []byte) error {
	return fromText(id, data)
}

// ConnectionID uniquely identifies a (src,dst) Context within one
// Instance, minted when the Context is created.
type ConnectionID struct {
	baseID
}

func (ConnectionID) GetType() string {
	return ConnectionTag
}

func (id ConnectionID) String() string {
	return String(id)
}

func NewConnectionID(id uuid.UUID) ConnectionID {
	return ConnectionID{baseID(id)}
}

func GenerateConnectionID() ConnectionID {
	return NewConnectionID(uuid.New())
}

func (id ConnectionID) MarshalText() ([]byte, error) {
	return toText(id)
}

func (id *ConnectionID) UnmarshalText(data []byte) error {
	return fromText(id, data)
}
