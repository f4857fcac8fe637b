package monitor

import (
	"encoding/json"
	"errors"

	"github.com/godbus/dbus"
	"github.com/godbus/dbus/introspect"
	"github.com/wwade/scale/presence"
)

const (
	dbusName = "org.wwade.BirdScale"
	dbusPath = "/org/wwade/BirdScale"
)

type service struct {
	status  *statusStore
	tareReq chan struct{}
}

func startService(status *statusStore, tareReq chan struct{}) error {
	conn, err := dbus.SystemBus()
	if err != nil {
		return err
	}
	reply, err := conn.RequestName(dbusName, dbus.NameFlagDoNotQueue)
	if err != nil {
		return err
	}
	if reply != dbus.RequestNameReplyPrimaryOwner {
		return errors.New("name already taken")
	}

	s := &service{
		status:  status,
		tareReq: tareReq,
	}
	conn.Export(s, dbusPath, dbusName)
	conn.Export(genIntrospectable(s), dbusPath, "org.freedesktop.DBus.Introspectable")
	return nil
}

func genIntrospectable(v interface{}) introspect.Introspectable {
	node := &introspect.Node{
		Interfaces: []introspect.Interface{{
			Name:    dbusName,
			Methods: introspect.Methods(v),
		}},
	}
	return introspect.NewIntrospectable(node)
}

// Status returns the current monitor state as JSON.
func (s service) Status() (string, *dbus.Error) {
	data, err := json.Marshal(s.status.snapshot())
	if err != nil {
		return "", makeDbusError(".StatusError", err)
	}
	return string(data), nil
}

// IsPresent returns whether a bird is currently on the scale.
func (s service) IsPresent() (bool, *dbus.Error) {
	return s.status.snapshot().State == string(presence.StatePresent), nil
}

// Tare requests a manual tare on the next loop iteration.
func (s service) Tare() *dbus.Error {
	select {
	case s.tareReq <- struct{}{}:
	default:
		// A tare is already pending.
	}
	return nil
}

func makeDbusError(name string, err error) *dbus.Error {
	return &dbus.Error{
		Name: dbusName + name,
		Body: []interface{}{err.Error()},
	}
}
