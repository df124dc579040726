// Package timer owns the single wake-up registration the scheduler runs from.
package timer

import (
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
)

const (
	MasterName = "recurflow_master_scheduler"
	// MinPeriod is the coarsest granularity hosts are assumed to support.
	MinPeriod = time.Minute
)

// Host is a named, recurring wake-up facility.
type Host interface {
	Create(name string, delay, period time.Duration) error
	Clear(name string) error
	OnFire(name string, fn func())
}

// Manager keeps exactly one registration named MasterName on its host.
type Manager struct {
	host   Host
	name   string
	period time.Duration
	fire   func()
}

func NewManager(host Host, period time.Duration, fire func()) *Manager {
	if period < MinPeriod {
		period = MinPeriod
	}
	return &Manager{host: host, name: MasterName, period: period, fire: fire}
}

// Initialize replaces any previous registration under the master name.
// Failing to create the registration is fatal to the caller.
func (m *Manager) Initialize() error {
	if err := m.host.Clear(m.name); err != nil {
		log.Warn().Err(err).Str("timer", m.name).Msg("clear existing master timer")
	}
	m.host.OnFire(m.name, m.fire)
	if err := m.host.Create(m.name, m.period, m.period); err != nil {
		return fmt.Errorf("create master timer: %w", err)
	}
	log.Info().Str("timer", m.name).Dur("period", m.period).Msg("master timer created")
	return nil
}

func (m *Manager) Period() time.Duration { return m.period }
