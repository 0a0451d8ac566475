// Package devices tracks the audio devices the OS exposes.
//
// A Descriptor's UID is the only durable identity. Its ID is a cached OS
// handle that becomes meaningless after an audio service restart and is
// re-resolved by the Catalog.
package devices

import (
	"github.com/shaban/appmixer/hal"
)

// Descriptor describes one device.
type Descriptor struct {
	UID            string        `json:"uid"`
	ID             hal.ObjectID  `json:"deviceId"`
	Name           string        `json:"name"`
	Transport      hal.Transport `json:"transportType"`
	InputChannels  int           `json:"inputChannelCount"`
	OutputChannels int           `json:"outputChannelCount"`
	IsAggregate    bool          `json:"isAggregate"`
	IsVirtual      bool          `json:"isVirtual"`
	SampleRate     float64       `json:"sampleRate"`
}

// FromInfo converts an OS snapshot into a Descriptor.
func FromInfo(info hal.DeviceInfo) Descriptor {
	return Descriptor{
		UID:            info.UID,
		ID:             info.ID,
		Name:           info.Name,
		Transport:      info.Transport,
		InputChannels:  info.InputChannels,
		OutputChannels: info.OutputChannels,
		IsAggregate:    info.IsAggregate || info.Transport == hal.TransportAggregate,
		IsVirtual:      info.IsVirtual || info.Transport == hal.TransportVirtual,
		SampleRate:     info.SampleRate,
	}
}

// Helper methods for capability checking
func (d Descriptor) CanInput() bool {
	return d.InputChannels > 0
}

func (d Descriptor) CanOutput() bool {
	return d.OutputChannels > 0
}

func (d Descriptor) IsInputOutput() bool {
	return d.CanInput() && d.CanOutput()
}

// IsPhysical reports whether the device is real hardware rather than an
// aggregate or virtual device.
func (d Descriptor) IsPhysical() bool {
	return !d.IsAggregate && !d.IsVirtual
}

// Descriptors is a slice of Descriptor with filter methods.
type Descriptors []Descriptor

// Inputs returns only devices that can capture audio
func (devices Descriptors) Inputs() Descriptors {
	var inputs Descriptors
	for _, device := range devices {
		if device.CanInput() {
			inputs = append(inputs, device)
		}
	}
	return inputs
}

// Outputs returns only devices that can play audio
func (devices Descriptors) Outputs() Descriptors {
	var outputs Descriptors
	for _, device := range devices {
		if device.CanOutput() {
			outputs = append(outputs, device)
		}
	}
	return outputs
}

// InputOutput returns only devices that can both capture and play audio
func (devices Descriptors) InputOutput() Descriptors {
	var ioDevices Descriptors
	for _, device := range devices {
		if device.IsInputOutput() {
			ioDevices = append(ioDevices, device)
		}
	}
	return ioDevices
}

// Physical drops aggregate and virtual devices.
func (devices Descriptors) Physical() Descriptors {
	var physical Descriptors
	for _, device := range devices {
		if device.IsPhysical() {
			physical = append(physical, device)
		}
	}
	return physical
}

// ByTransport returns only devices attached over transport.
func (devices Descriptors) ByTransport(transport hal.Transport) Descriptors {
	var filtered Descriptors
	for _, device := range devices {
		if device.Transport == transport {
			filtered = append(filtered, device)
		}
	}
	return filtered
}

// ByUID finds a device by its stable identifier.
func (devices Descriptors) ByUID(uid string) (Descriptor, bool) {
	for _, device := range devices {
		if device.UID == uid {
			return device, true
		}
	}
	return Descriptor{}, false
}

// UIDs returns the stable identifiers in order.
func (devices Descriptors) UIDs() []string {
	uids := make([]string, 0, len(devices))
	for _, device := range devices {
		uids = append(uids, device.UID)
	}
	return uids
}
