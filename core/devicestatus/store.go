package devicestatus

import (
	"sort"
	"sync"
	"time"
)

// LastDispense summarizes the most recent dispense activity of a device.
type LastDispense struct {
	EventID   string    `json:"event_id"`
	Success   bool      `json:"success"`
	Timestamp time.Time `json:"timestamp"`
}

// Status captures the current known health of a dispenser.
type Status struct {
	DeviceID        string       `json:"device_id"`
	PatientID       string       `json:"patient_id,omitempty"`
	Online          bool         `json:"online"`
	BatteryLevel    int          `json:"battery_level"`
	FirmwareVersion string       `json:"firmware_version,omitempty"`
	LastSeen        time.Time    `json:"last_seen"`
	LastDispense    LastDispense `json:"last_dispense"`
}

// Filter selects devices. Zero fields are ignored.
type Filter struct {
	PatientID  string
	OnlineOnly bool
}

// Store holds device health snapshots updated from status telemetry.
type Store interface {
	Set(Status)
	Get(deviceID string) (Status, bool)
	List(Filter) []Status
	RecordDispense(deviceID string, d LastDispense)
}

// MemoryStore is the default in-memory Store.
type MemoryStore struct {
	mu   sync.RWMutex
	data map[string]Status
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{data: map[string]Status{}}
}

func (s *MemoryStore) Set(st Status) {
	s.mu.Lock()
	s.data[st.DeviceID] = st
	s.mu.Unlock()
}

func (s *MemoryStore) Get(deviceID string) (Status, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st, ok := s.data[deviceID]
	return st, ok
}

func (s *MemoryStore) RecordDispense(deviceID string, d LastDispense) {
	s.mu.Lock()
	st := s.data[deviceID]
	if st.DeviceID == "" {
		st.DeviceID = deviceID
	}
	st.LastDispense = d
	st.LastSeen = d.Timestamp
	s.data[deviceID] = st
	s.mu.Unlock()
}

func (s *MemoryStore) List(f Filter) []Status {
	s.mu.RLock()
	defer s.mu.RUnlock()
	res := make([]Status, 0, len(s.data))
	for _, st := range s.data {
		if f.PatientID != "" && st.PatientID != f.PatientID {
			continue
		}
		if f.OnlineOnly && !st.Online {
			continue
		}
		res = append(res, st)
	}
	sort.Slice(res, func(i, j int) bool { return res[i].DeviceID < res[j].DeviceID })
	return res
}
