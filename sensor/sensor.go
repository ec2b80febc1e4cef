// Package sensor splits sensor data messages into per-sensor payloads.
//
// A sensor data message is a 16-bit device timestamp followed by sub-messages
// framed with a one byte length. Payload values are passed through as raw
// bytes.
package sensor

import (
	"fmt"
	"time"

	"github.com/ffenix113/wearlink/framer"
	"github.com/ffenix113/wearlink/wire"
)

type SensorType uint8

const (
	TypePressure SensorType = iota
	TypeAcceleration
	TypeGravity
	TypeLinearAcceleration
	TypeGyroscope
	TypeMagnetometer
	TypeGameRotation
	TypeRotation
	TypeOrientation
	TypeActivity
	TypeStepCounter
	TypeStepDetector
	TypeDeviceOrientation
	TypeBarometer

	sensorTypeCount
)

var sensorTypeNames = [sensorTypeCount]string{
	TypePressure:           "pressure",
	TypeAcceleration:       "acceleration",
	TypeGravity:            "gravity",
	TypeLinearAcceleration: "linearAcceleration",
	TypeGyroscope:          "gyroscope",
	TypeMagnetometer:       "magnetometer",
	TypeGameRotation:       "gameRotation",
	TypeRotation:           "rotation",
	TypeOrientation:        "orientation",
	TypeActivity:           "activity",
	TypeStepCounter:        "stepCounter",
	TypeStepDetector:       "stepDetector",
	TypeDeviceOrientation:  "deviceOrientation",
	TypeBarometer:          "barometer",
}

func (t SensorType) String() string {
	if t < sensorTypeCount {
		return sensorTypeNames[t]
	}

	return fmt.Sprintf("SensorType(%d)", uint8(t))
}

// Data frames the sub-messages of a sensor data message.
var Data = framer.Protocol[SensorType]{
	Name:       "sensor",
	Count:      sensorTypeCount,
	LengthSize: 1,
}

type Message = framer.Message[SensorType]

// Frame is one parsed sensor data message.
type Frame struct {
	// Timestamp is in unix milliseconds.
	Timestamp int64
	Messages  []Message
}

// Parse splits a sensor data payload, reconstructing its timestamp against
// the local clock.
func Parse(b []byte) (Frame, error) {
	return ParseAt(b, time.Now())
}

// ParseAt is Parse with an explicit reference time.
func ParseAt(b []byte, now time.Time) (Frame, error) {
	lower, err := wire.Uint16LE(b, 0)
	if err != nil {
		return Frame{}, fmt.Errorf("sensor timestamp: %w", err)
	}

	msgs, err := Data.Collect(b[2:])
	if err != nil {
		return Frame{}, err
	}

	return Frame{
		Timestamp: wire.ReconstructTimestamp(now, lower),
		Messages:  msgs,
	}, nil
}
