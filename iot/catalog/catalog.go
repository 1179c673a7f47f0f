// Package catalog keeps the list of a user's devices as returned by the platform's
// users/{uid}/devices api, and offers it for selection.
package catalog

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/goccy/go-json"
	"github.com/relabs-tech/pulse/core/logger"
)

// DeviceTypeHeartRateTracker is the device type id of heart rate trackers
const DeviceTypeHeartRateTracker = "dtaeaf898b4db9418baab77563b7ea2254"

// ErrNoDevices is returned when a device list carries no devices at all
var ErrNoDevices = errors.New("no devices")

// Device is one entry of the user's device list
type Device struct {
	DeviceTypeID string `json:"dtid"`
	ID           string `json:"id"`
	Name         string `json:"name"`
}

func (d Device) valid() bool {
	return len(d.DeviceTypeID) > 0 && len(d.ID) > 0
}

// deviceList is the payload of the devices api
type deviceList struct {
	Data struct {
		Devices []json.RawMessage `json:"devices"`
	} `json:"data"`
}

// Catalog is the in-memory device list. It is safe for concurrent use.
type Catalog struct {
	mutex   sync.RWMutex
	devices []Device
}

// New returns an empty catalog
func New() *Catalog {
	return &Catalog{}
}

// Update replaces the catalog with the devices in body. Entries which are not
// objects or lack a type id or id are skipped. If body cannot be parsed at all,
// the catalog is cleared and the error returned.
func (c *Catalog) Update(body []byte) error {
	var list deviceList
	if err := json.Unmarshal(body, &list); err != nil {
		c.Clear()
		return fmt.Errorf("cannot parse device list: %w", err)
	}

	devices := make([]Device, 0, len(list.Data.Devices))
	for i, raw := range list.Data.Devices {
		var device Device
		if err := json.Unmarshal(raw, &device); err != nil || !device.valid() {
			logger.Default().Warnf("skipping malformed device entry %d", i)
			continue
		}
		devices = append(devices, device)
	}
	c.Set(devices...)
	if len(devices) == 0 {
		return ErrNoDevices
	}
	return nil
}

// Set replaces the catalog with devices
func (c *Catalog) Set(devices ...Device) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	c.devices = append([]Device(nil), devices...)
}

// Clear empties the catalog
func (c *Catalog) Clear() {
	c.Set()
}

// HasDevices returns true if the catalog is not empty
func (c *Catalog) HasDevices() bool {
	c.mutex.RLock()
	defer c.mutex.RUnlock()
	return len(c.devices) > 0
}

// Devices returns a copy of all devices
func (c *Catalog) Devices() []Device {
	c.mutex.RLock()
	defer c.mutex.RUnlock()
	return append([]Device(nil), c.devices...)
}

// ByType returns the devices of type dtid. The type id is compared case-insensitively.
func (c *Catalog) ByType(dtid string) []Device {
	c.mutex.RLock()
	defer c.mutex.RUnlock()
	result := []Device{}
	for _, device := range c.devices {
		if strings.EqualFold(device.DeviceTypeID, dtid) {
			result = append(result, device)
		}
	}
	return result
}

// Find returns the device with the given id
func (c *Catalog) Find(id string) (Device, bool) {
	c.mutex.RLock()
	defer c.mutex.RUnlock()
	for _, device := range c.devices {
		if device.ID == id {
			return device, true
		}
	}
	return Device{}, false
}

// Entries returns the device names for a selection list. The first entry is
// empty and stands for "no device".
func (c *Catalog) Entries() []string {
	return c.column(func(d Device) string { return d.Name })
}

// EntryValues returns the device ids in the order of Entries
func (c *Catalog) EntryValues() []string {
	return c.column(func(d Device) string { return d.ID })
}

func (c *Catalog) column(f func(Device) string) []string {
	c.mutex.RLock()
	defer c.mutex.RUnlock()
	result := make([]string, len(c.devices)+1)
	for i, device := range c.devices {
		result[i+1] = f(device)
	}
	return result
}
