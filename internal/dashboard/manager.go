package dashboard

import (
	"sync"

	"github.com/rs/zerolog"

	"volunteerhub/internal/changefeed"
	"volunteerhub/internal/metrics"
	"volunteerhub/internal/querycache"
)

// Manager keeps at most one open Dashboard per organization.
type Manager struct {
	cache   *querycache.Cache
	backend Backend
	broker  changefeed.Broker
	log     *zerolog.Logger
	mc      *metrics.Collector

	mu   sync.Mutex
	open map[string]*Dashboard
}

func NewManager(cache *querycache.Cache, backend Backend, broker changefeed.Broker, log *zerolog.Logger, mc *metrics.Collector) *Manager {
	return &Manager{
		cache:   cache,
		backend: backend,
		broker:  broker,
		log:     log,
		mc:      mc,
		open:    make(map[string]*Dashboard),
	}
}

// Open mounts (or returns the already mounted) dashboard for orgID.
func (m *Manager) Open(orgID string) (*Dashboard, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if d, ok := m.open[orgID]; ok {
		return d, nil
	}
	d, err := open(orgID, m.cache, m.backend, m.broker, m.log, m.mc)
	if err != nil {
		return nil, err
	}
	m.open[orgID] = d
	return d, nil
}

// Close unmounts the dashboard for orgID if one is open.
func (m *Manager) Close(orgID string) {
	m.mu.Lock()
	d, ok := m.open[orgID]
	delete(m.open, orgID)
	m.mu.Unlock()
	if ok {
		d.Close()
	}
}

// CloseAll unmounts every open dashboard, used on shutdown and
// sign-out.
func (m *Manager) CloseAll() {
	m.mu.Lock()
	ds := make([]*Dashboard, 0, len(m.open))
	for _, d := range m.open {
		ds = append(ds, d)
	}
	m.open = make(map[string]*Dashboard)
	m.mu.Unlock()
	for _, d := range ds {
		d.Close()
	}
}
