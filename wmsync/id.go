package wmsync

import (
	"bytes"
	"fmt"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
)

// ids for clients, users and mutation events
// new ids are ulids so ids from the same source are ordered by create time,
// the text form is always the uuid form the workflow manager services use

// comparable
type Id [16]byte

func NewId() Id {
	return Id(ulid.Make())
}

func ParseId(idStr string) (Id, error) {
	u, err := uuid.Parse(idStr)
	if err != nil {
		return Id{}, err
	}
	return Id(u), nil
}

func RequireParseId(idStr string) Id {
	id, err := ParseId(idStr)
	if err != nil {
		panic(err)
	}
	return id
}

func (self Id) IsZero() bool {
	return self == Id{}
}

func (self Id) LessThan(b Id) bool {
	return bytes.Compare(self[:], b[:]) < 0
}

func (self Id) String() string {
	return uuid.UUID(self).String()
}

func (self Id) MarshalJSON() ([]byte, error) {
	var buff bytes.Buffer
	buff.WriteByte('"')
	buff.WriteString(self.String())
	buff.WriteByte('"')
	return buff.Bytes(), nil
}

func (self *Id) UnmarshalJSON(src []byte) error {
	if string(src) == "null" {
		*self = Id{}
		return nil
	}
	if len(src) < 2 || src[0] != '"' || src[len(src)-1] != '"' {
		return fmt.Errorf("invalid UUID json: %s", src)
	}
	id, err := ParseId(string(src[1 : len(src)-1]))
	if err != nil {
		return err
	}
	*self = id
	return nil
}
