package connectivity

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

const (
	defaultProbeInterval = 30 * time.Second
	defaultProbeTimeout  = 5 * time.Second
	subscriberBufferSize = 4
)

var (
	ErrInvalidMonitorConfig = errors.New("connectivity: invalid monitor config")
	errMissingProber        = errors.New("prober must be provided")
	errMissingProbeURL      = errors.New("probe url must be provided")
)

// Prober answers one question: did the remote respond at all. Any response,
// including an error status, proves the link; only transport failures do not.
type Prober interface {
	Probe(ctx context.Context) bool
}

// HTTPProberConfig bundles configuration for an HTTPProber.
type HTTPProberConfig struct {
	URL        string
	HTTPClient *http.Client
	Logger     *zap.Logger
}

// HTTPProber issues a HEAD request against the remote base URL.
type HTTPProber struct {
	url        string
	httpClient *http.Client
	logger     *zap.Logger
}

// NewHTTPProber constructs an HTTPProber with validated configuration.
func NewHTTPProber(cfg HTTPProberConfig) (*HTTPProber, error) {
	probeURL := strings.TrimSpace(cfg.URL)
	if probeURL == "" {
		return nil, fmt.Errorf("%w: %v", ErrInvalidMonitorConfig, errMissingProbeURL)
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: defaultProbeTimeout}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HTTPProber{url: probeURL, httpClient: httpClient, logger: logger}, nil
}

// Probe reports whether the remote answered the HEAD request.
func (p *HTTPProber) Probe(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, p.url, nil)
	if err != nil {
		p.logger.Debug("probe request build failed", zap.Error(err))
		return false
	}
	response, err := p.httpClient.Do(req)
	if err != nil {
		return false
	}
	_ = response.Body.Close()
	return true
}

// MonitorConfig bundles dependencies for a Monitor.
type MonitorConfig struct {
	Prober   Prober
	Interval time.Duration
	Logger   *zap.Logger
}

// Monitor tracks whether the remote is reachable. It polls the prober on an
// interval and accepts out-of-band reports from callers whose own requests
// succeeded or failed. Subscribers hear about edges only, never repeats.
type Monitor struct {
	prober   Prober
	interval time.Duration
	logger   *zap.Logger

	mu          sync.RWMutex
	online      bool
	subscribers map[int64]*monitorSubscriber
	nextID      int64
	bufferSize  int
}

type monitorSubscriber struct {
	id     int64
	stream chan bool
}

// NewMonitor constructs a Monitor with validated configuration. The monitor
// starts offline; the first probe or remote call outcome settles the state.
func NewMonitor(cfg MonitorConfig) (*Monitor, error) {
	if cfg.Prober == nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidMonitorConfig, errMissingProber)
	}
	interval := cfg.Interval
	if interval <= 0 {
		interval = defaultProbeInterval
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Monitor{
		prober:      cfg.Prober,
		interval:    interval,
		logger:      logger,
		subscribers: make(map[int64]*monitorSubscriber),
		bufferSize:  subscriberBufferSize,
	}, nil
}

// Start probes immediately and then on every interval tick until the context
// is done. It blocks; run it in its own goroutine.
func (m *Monitor) Start(ctx context.Context) {
	m.SetOnline(m.prober.Probe(ctx))

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.SetOnline(m.prober.Probe(ctx))
		}
	}
}

// Online reports the last observed state.
func (m *Monitor) Online() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.online
}

// SetOnline records an observation. Edges notify subscribers; repeats are
// silent. Remote call outcomes feed in here alongside the probe loop.
func (m *Monitor) SetOnline(online bool) {
	m.mu.Lock()
	if m.online == online {
		m.mu.Unlock()
		return
	}
	m.online = online
	copies := make([]*monitorSubscriber, 0, len(m.subscribers))
	for _, subscriber := range m.subscribers {
		copies = append(copies, subscriber)
	}
	m.mu.Unlock()

	if online {
		m.logger.Info("connectivity restored")
	} else {
		m.logger.Info("connectivity lost")
	}
	for _, subscriber := range copies {
		select {
		case subscriber.stream <- online:
		default:
		}
	}
}

// Subscribe registers for edge notifications. The stream is buffered and
// never blocks the monitor; the cleanup function unregisters, and the
// context doing so first is equivalent.
func (m *Monitor) Subscribe(ctx context.Context) (<-chan bool, func()) {
	subscriber := &monitorSubscriber{
		id:     m.nextSequence(),
		stream: make(chan bool, m.bufferSize),
	}
	m.registerSubscriber(subscriber)
	cleanup := func() {
		m.unregisterSubscriber(subscriber.id)
	}
	go func() {
		<-ctx.Done()
		cleanup()
	}()
	return subscriber.stream, cleanup
}

func (m *Monitor) nextSequence() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	return m.nextID
}

func (m *Monitor) registerSubscriber(subscriber *monitorSubscriber) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.subscribers[subscriber.id] = subscriber
}

func (m *Monitor) unregisterSubscriber(subscriberID int64) {
	m.mu.Lock()
	delete(m.subscribers, subscriberID)
	m.mu.Unlock()
}
