package connectivity

import (
	"context"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"
)

const (
	DefaultProbeInterval = 5 * time.Second
	DefaultProbeTimeout  = 3 * time.Second
)

// Prober polls a reachability endpoint. Any HTTP answer below 500 counts as
// reachable; transport errors, timeouts and 5xx count as offline.
type Prober struct {
	URL      string
	Interval time.Duration
	Timeout  time.Duration
	Client   *http.Client
	Logger   *slog.Logger
}

func NewProber(rawURL string, interval, timeout time.Duration, logger *slog.Logger) *Prober {
	if interval <= 0 {
		interval = DefaultProbeInterval
	}
	if timeout <= 0 {
		timeout = DefaultProbeTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Prober{
		URL:      rawURL,
		Interval: interval,
		Timeout:  timeout,
		Client:   &http.Client{},
		Logger:   logger,
	}
}

// Check performs one probe
func (p *Prober) Check(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, p.Timeout)
	defer cancel()

	target, err := bust(p.URL)
	if err != nil {
		p.Logger.Error("Invalid reachability url", "url", p.URL, "error", err)
		return false
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return false
	}
	req.Header.Set("Cache-Control", "no-cache")

	resp, err := p.Client.Do(req)
	if err != nil {
		p.Logger.Debug("Reachability probe failed", "error", err)
		return false
	}
	defer resp.Body.Close()

	return resp.StatusCode < http.StatusInternalServerError
}

// Run probes immediately and then on every tick
func (p *Prober) Run(ctx context.Context, m *Monitor) error {
	ticker := time.NewTicker(p.Interval)
	defer ticker.Stop()

	m.Set(p.Check(ctx))
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			m.Set(p.Check(ctx))
		}
	}
}

// bust appends a timestamp query parameter so intermediaries never answer
// from cache
func bust(raw string) (string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", err
	}
	q := u.Query()
	q.Set("_", strconv.FormatInt(time.Now().UnixNano(), 10))
	u.RawQuery = q.Encode()
	return u.String(), nil
}
