// Package filter classifies datagrams received on a shared socket. Filters are
// pure predicates: they never modify the datagram and may be called
// concurrently and repeatedly on the same one.
package filter

import (
	"fmt"
	"net"
	"reflect"

	"github.com/mitchellh/hashstructure/v2"

	"github.com/netbirdio/icemux/datagram"
)

// Filter decides whether a datagram belongs to a consumer.
type Filter interface {
	Accept(d *datagram.Datagram) bool
}

// Func adapts a plain function to Filter. Two Func filters are equal only if
// they are the same function value.
type Func func(d *datagram.Datagram) bool

// Accept calls f.
func (f Func) Accept(d *datagram.Datagram) bool {
	return f(d)
}

var hashOptions = &hashstructure.HashOptions{
	ZeroNil:      true,
	SlicesAsSets: true,
}

// Key returns a value that is equal for two filters of the same concrete type
// and the same configuration. Filters whose configuration cannot be hashed
// are keyed by identity.
func Key(f Filter) string {
	v := reflect.ValueOf(f)
	if v.Kind() == reflect.Func {
		return fmt.Sprintf("%T@%x", f, v.Pointer())
	}

	h, err := hashstructure.Hash(f, hashstructure.FormatV2, hashOptions)
	if err != nil {
		if v.Kind() == reflect.Pointer {
			return fmt.Sprintf("%T@%x", f, v.Pointer())
		}
		return fmt.Sprintf("%T@%v", f, f)
	}
	return fmt.Sprintf("%T#%x", f, h)
}

// RemoteOf returns the string form used by the Remote field of the filters.
func RemoteOf(addr net.Addr) string {
	if addr == nil {
		return ""
	}
	return addr.String()
}

func matchesRemote(remote string, d *datagram.Datagram) bool {
	if remote == "" {
		return true
	}
	return d.Addr() != nil && d.Addr().String() == remote
}
