package agent

import "time"

// TickSummary describes one provisioning or health-check pass.
type TickSummary struct {
	TickID     string    `json:"tick_id"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
	Contracts  int       `json:"contracts"`
	Succeeded  int       `json:"succeeded"`
	Failed     int       `json:"failed"`
	Pending    int       `json:"pending,omitempty"`
	Skipped    int       `json:"skipped,omitempty"`
	Error      string    `json:"error,omitempty"`
}

// Status is a snapshot of the agent for the local status endpoint.
type Status struct {
	Version            string       `json:"version"`
	Provisioner        string       `json:"provisioner"`
	StartedAt          time.Time    `json:"started_at"`
	LastContact        time.Time    `json:"last_contact,omitzero"`
	LastHeartbeat      time.Time    `json:"last_heartbeat,omitzero"`
	LastHeartbeatError string       `json:"last_heartbeat_error,omitempty"`
	LastProvisionTick  *TickSummary `json:"last_provision_tick,omitempty"`
	LastHealthTick     *TickSummary `json:"last_health_tick,omitempty"`
	InFlight           int          `json:"in_flight"`
	ActiveContracts    int          `json:"active_contracts"`
	OrphansTracked     int          `json:"orphans_tracked"`
}

// Status returns a snapshot of the agent state.
func (a *Agent) Status() Status {
	a.mu.Lock()
	s := a.status
	s.InFlight = len(a.inFlight)
	a.mu.Unlock()

	s.ActiveContracts = int(a.activeContracts.Load())
	if a.orphans != nil {
		s.OrphansTracked = a.orphans.Len()
	}
	return s
}

// LastContact returns when the marketplace last answered successfully.
func (a *Agent) LastContact() time.Time {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.status.LastContact
}

func (a *Agent) recordContact() {
	now := a.now()
	a.mu.Lock()
	a.status.LastContact = now
	a.mu.Unlock()
}

func (a *Agent) recordHeartbeat(err error) {
	now := a.now()
	a.mu.Lock()
	defer a.mu.Unlock()
	if err != nil {
		a.status.LastHeartbeatError = err.Error()
		return
	}
	a.status.LastHeartbeat = now
	a.status.LastContact = now
	a.status.LastHeartbeatError = ""
}

func (a *Agent) recordProvisionTick(s TickSummary) {
	a.mu.Lock()
	a.status.LastProvisionTick = &s
	a.mu.Unlock()
}

func (a *Agent) recordHealthTick(s TickSummary) {
	a.mu.Lock()
	a.status.LastHealthTick = &s
	a.mu.Unlock()
}
