package scale

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"tinygo.org/x/bluetooth"
)

// Acaia BLE GATT identifiers (the "ips" interface used by Lunar and
// Pyxis era scales).
var (
	acaiaServiceUUID = mustUUID("49535343-fe7d-4ae5-8fa9-9fafd205e455")
	acaiaCommandUUID = mustUUID("49535343-8841-43f4-a8d4-ecbe34729bb3")
	acaiaWeightUUID  = mustUUID("49535343-1e4d-4bd9-ba61-23c647249616")
)

const (
	// Acaia frame layout.
	headerByte1 = 0xEF
	headerByte2 = 0xDD

	msgTypeStatus = 0x08
	msgTypeIdent  = 0x0B
	msgTypeEvent  = 0x0C
	msgTypeTare   = 0x04

	eventWeight = 0x05

	heartbeatInterval = 3 * time.Second
	connectTimeout    = 10 * time.Second

	// The scale streams weight continuously; if nothing has arrived
	// for this long the link is considered dead.
	readingStaleAfter = 5 * time.Second
)

func mustUUID(s string) bluetooth.UUID {
	u, err := bluetooth.ParseUUID(s)
	if err != nil {
		panic(err)
	}
	return u
}

// Acaia talks to a real Acaia scale over Bluetooth LE. The scale pushes
// weight notifications; Read returns the most recent one.
type Acaia struct {
	mac     string
	adapter *bluetooth.Adapter

	mu          sync.Mutex
	connected   bool
	device      bluetooth.Device
	commandChar bluetooth.DeviceCharacteristic

	lastGrams   float64
	lastReading time.Time
	battery     float64
	haveBattery bool

	stopHeartbeat chan struct{}
}

// NewAcaia creates an adapter for the scale at the given MAC address.
func NewAcaia(mac string) *Acaia {
	return &Acaia{
		mac:     mac,
		adapter: bluetooth.DefaultAdapter,
	}
}

func (a *Acaia) Connect() error {
	if err := a.adapter.Enable(); err != nil {
		return &ConnectionError{Err: fmt.Errorf("enabling BLE adapter: %w", err)}
	}

	mac, err := bluetooth.ParseMAC(a.mac)
	if err != nil {
		return &ConnectionError{Err: fmt.Errorf("bad MAC address %q: %w", a.mac, err)}
	}
	addr := bluetooth.Address{MACAddress: bluetooth.MACAddress{MAC: mac}}

	device, err := a.adapter.Connect(addr, bluetooth.ConnectionParams{
		ConnectionTimeout: bluetooth.NewDuration(connectTimeout),
	})
	if err != nil {
		return &ConnectionError{Err: err}
	}

	services, err := device.DiscoverServices([]bluetooth.UUID{acaiaServiceUUID})
	if err != nil || len(services) == 0 {
		device.Disconnect()
		return &ConnectionError{Err: fmt.Errorf("discovering scale service: %w", err)}
	}
	chars, err := services[0].DiscoverCharacteristics([]bluetooth.UUID{acaiaCommandUUID, acaiaWeightUUID})
	if err != nil || len(chars) < 2 {
		device.Disconnect()
		return &ConnectionError{Err: fmt.Errorf("discovering scale characteristics: %w", err)}
	}

	var commandChar, weightChar bluetooth.DeviceCharacteristic
	for _, c := range chars {
		switch c.UUID() {
		case acaiaCommandUUID:
			commandChar = c
		case acaiaWeightUUID:
			weightChar = c
		}
	}

	if err := weightChar.EnableNotifications(a.handleNotification); err != nil {
		device.Disconnect()
		return &ConnectionError{Err: fmt.Errorf("enabling weight notifications: %w", err)}
	}

	a.mu.Lock()
	a.device = device
	a.commandChar = commandChar
	a.connected = true
	a.lastReading = time.Now()
	a.haveBattery = false
	a.stopHeartbeat = make(chan struct{})
	a.mu.Unlock()

	// The scale only streams after identification.
	if err := a.writePacket(encodePacket(msgTypeIdent, identPayload())); err != nil {
		a.Disconnect()
		return &ConnectionError{Err: fmt.Errorf("sending ident: %w", err)}
	}
	go a.heartbeatLoop(a.stopHeartbeat)

	log.Infof("Connected to Acaia scale at %s", a.mac)
	return nil
}

func (a *Acaia) Disconnect() error {
	a.mu.Lock()
	if !a.connected {
		a.mu.Unlock()
		return nil
	}
	a.connected = false
	close(a.stopHeartbeat)
	device := a.device
	a.mu.Unlock()

	return device.Disconnect()
}

// Connected reports whether the link is up and readings are still
// flowing. A scale switched off mid-session stops notifying long
// before BlueZ notices the link is gone.
func (a *Acaia) Connected() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.connected && time.Since(a.lastReading) < readingStaleAfter
}

func (a *Acaia) Read() (float64, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.connected {
		return 0, &ReadError{Err: errors.New("not connected")}
	}
	if time.Since(a.lastReading) >= readingStaleAfter {
		return 0, &ReadError{Err: fmt.Errorf("no weight notification for %s", time.Since(a.lastReading).Truncate(time.Second))}
	}
	return a.lastGrams, nil
}

func (a *Acaia) Tare() error {
	a.mu.Lock()
	connected := a.connected
	a.mu.Unlock()
	if !connected {
		return &CalibrationError{Err: errors.New("not connected")}
	}
	if err := a.writePacket(encodePacket(msgTypeTare, make([]byte, 16))); err != nil {
		return &CalibrationError{Err: err}
	}
	return nil
}

func (a *Acaia) Battery() (float64, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.connected {
		return 0, &ReadError{Err: errors.New("not connected")}
	}
	if !a.haveBattery {
		// The scale reports battery in status frames shortly after
		// ident; transient until the first one arrives.
		return 0, &ReadError{Err: errors.New("no battery report received yet")}
	}
	return a.battery, nil
}

func (a *Acaia) writePacket(packet []byte) error {
	a.mu.Lock()
	char := a.commandChar
	a.mu.Unlock()
	_, err := char.WriteWithoutResponse(packet)
	return err
}

func (a *Acaia) heartbeatLoop(stop chan struct{}) {
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if err := a.writePacket(encodePacket(0x00, []byte{0x02, 0x00})); err != nil {
				log.Debugf("Heartbeat write failed: %v", err)
			}
		}
	}
}

func (a *Acaia) handleNotification(buf []byte) {
	msgType, payload, ok := decodeFrame(buf)
	if !ok {
		return
	}
	switch msgType {
	case msgTypeEvent:
		if len(payload) > 0 && payload[0] == eventWeight {
			if grams, ok := decodeWeight(payload[1:]); ok {
				a.mu.Lock()
				a.lastGrams = grams
				a.lastReading = time.Now()
				a.mu.Unlock()
			}
		}
	case msgTypeStatus:
		if len(payload) > 1 {
			a.mu.Lock()
			a.battery = float64(payload[1] & 0x7F)
			a.haveBattery = true
			a.mu.Unlock()
		}
	}
}

// identPayload is the fixed identification blob the scale expects
// before it will stream events.
func identPayload() []byte {
	p := make([]byte, 15)
	for i := range p {
		p[i] = 0x2D
	}
	return p
}

// encodePacket frames a message: header, type, payload, then a two
// byte checksum summing the even and odd payload bytes separately.
func encodePacket(msgType byte, payload []byte) []byte {
	packet := make([]byte, 0, len(payload)+5)
	packet = append(packet, headerByte1, headerByte2, msgType)
	packet = append(packet, payload...)
	var even, odd int
	for i, b := range payload {
		if i%2 == 0 {
			even += int(b)
		} else {
			odd += int(b)
		}
	}
	return append(packet, byte(even&0xFF), byte(odd&0xFF))
}

// decodeFrame strips the header and checksum, returning the message
// type and payload.
func decodeFrame(buf []byte) (byte, []byte, bool) {
	if len(buf) < 5 || buf[0] != headerByte1 || buf[1] != headerByte2 {
		return 0, nil, false
	}
	msgType := buf[2]
	payload := buf[3 : len(buf)-2]
	var even, odd int
	for i, b := range payload {
		if i%2 == 0 {
			even += int(b)
		} else {
			odd += int(b)
		}
	}
	if buf[len(buf)-2] != byte(even&0xFF) || buf[len(buf)-1] != byte(odd&0xFF) {
		return 0, nil, false
	}
	return msgType, payload, true
}

// decodeWeight converts a weight event payload to grams. The first two
// bytes carry the value little endian, byte 4 the decimal scaling and
// bit 1 of byte 5 the sign.
func decodeWeight(payload []byte) (float64, bool) {
	if len(payload) < 6 {
		return 0, false
	}
	value := float64(int(payload[0]) | int(payload[1])<<8)
	switch payload[4] {
	case 1:
		value /= 10
	case 2:
		value /= 100
	case 3:
		value /= 1000
	case 4:
		value /= 10000
	}
	if payload[5]&0x02 != 0 {
		value = -value
	}
	return value, true
}
