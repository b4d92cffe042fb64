package stage

import (
	"fmt"
	"strings"

	"github.com/strtrek/babelor-engine/address"
)

// Role names a position in the pipeline.
type Role string

const (
	RoleSender    Role = "sender"
	RoleTreater   Role = "treater"
	RoleEncrypter Role = "encrypter"
	RoleReceiver  Role = "receiver"
)

// Port convention: one fixed port per role.
const (
	PortSender    = 3001
	PortTreater   = 3002
	PortEncrypter = 3003
	PortReceiver  = 3004
)

var pipeline = []Role{RoleSender, RoleTreater, RoleEncrypter, RoleReceiver}

var rolePorts = map[Role]int{
	RoleSender:    PortSender,
	RoleTreater:   PortTreater,
	RoleEncrypter: PortEncrypter,
	RoleReceiver:  PortReceiver,
}

// Roles returns every role in pipeline order.
func Roles() []Role {
	return append([]Role(nil), pipeline...)
}

// ParseRole resolves a role name, case-insensitively.
func ParseRole(name string) (Role, error) {
	r := Role(strings.ToLower(strings.TrimSpace(name)))
	if _, ok := rolePorts[r]; !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownRole, name)
	}
	return r, nil
}

// Port returns the conventional port of r, or 0 for an unknown role.
func (r Role) Port() int {
	return rolePorts[r]
}

// Next returns the role downstream of r. The receiver has none.
func (r Role) Next() (Role, bool) {
	for i, p := range pipeline {
		if p == r && i+1 < len(pipeline) {
			return pipeline[i+1], true
		}
	}
	return "", false
}

// Address returns tcp://host:port/role for r.
func (r Role) Address(host string) *address.Address {
	return address.MustParse(fmt.Sprintf("tcp://%s:%d/%s", host, r.Port(), r))
}

// ListenAddress returns the wildcard bind address tcp://*:port/role.
func (r Role) ListenAddress() *address.Address {
	return r.Address("*")
}
