// Package discovery announces the station's HTTP endpoint over mDNS so
// scrapers on the local network can find it without static targets.
package discovery

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/enbility/zeroconf/v3"

	"github.com/c360/stationd/errors"
)

// Service constants
const (
	ServiceType = "_http._tcp"
	Domain      = "local."
)

// Info describes the advertised endpoint.
type Info struct {
	Instance    string // usually the station hostname
	Port        int
	MetricsPath string
	InstanceID  string
	Version     string
}

// TXT returns the TXT records for info.
func (i Info) TXT() []string {
	txt := []string{"path=" + i.MetricsPath}
	if i.InstanceID != "" {
		txt = append(txt, "id="+i.InstanceID)
	}
	if i.Version != "" {
		txt = append(txt, "version="+i.Version)
	}
	return txt
}

type server interface {
	Shutdown()
}

type registerFunc func(instance, service, domain string, port int, txt []string, ifaces []net.Interface, opts ...zeroconf.ServerOption) (server, error)

func zeroconfRegister(instance, service, domain string, port int, txt []string, ifaces []net.Interface, opts ...zeroconf.ServerOption) (server, error) {
	return zeroconf.Register(instance, service, domain, port, txt, ifaces, opts...)
}

// Advertiser owns one mDNS registration.
type Advertiser struct {
	iface    string
	ttl      time.Duration
	logger   *slog.Logger
	register registerFunc

	mu     sync.Mutex
	server server
}

// Option configures an Advertiser
type Option func(*Advertiser)

// WithInterface restricts announcements to the named interface.
func WithInterface(name string) Option {
	return func(a *Advertiser) {
		a.iface = name
	}
}

// WithTTL sets the record TTL.
func WithTTL(d time.Duration) Option {
	return func(a *Advertiser) {
		a.ttl = d
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(a *Advertiser) {
		if logger != nil {
			a.logger = logger
		}
	}
}

// NewAdvertiser creates an idle advertiser.
func NewAdvertiser(opts ...Option) *Advertiser {
	a := &Advertiser{
		logger:   slog.Default(),
		register: zeroconfRegister,
	}
	for _, opt := range opts {
		opt(a)
	}
	a.logger = a.logger.With("component", "mdns")
	return a
}

// interfaces returns nil for all interfaces.
func (a *Advertiser) interfaces() []net.Interface {
	if a.iface == "" {
		return nil
	}
	iface, err := net.InterfaceByName(a.iface)
	if err != nil {
		a.logger.Warn("mDNS interface not found, using all interfaces", "interface", a.iface, "error", err)
		return nil
	}
	return []net.Interface{*iface}
}

// Advertise registers info, replacing any earlier registration.
func (a *Advertiser) Advertise(info Info) error {
	if info.Instance == "" || info.Port <= 0 {
		return errors.WrapInvalid(
			fmt.Errorf("%w: instance %q port %d", errors.ErrInvalidConfig, info.Instance, info.Port),
			"Advertiser", "Advertise", "validate service info")
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if a.server != nil {
		a.server.Shutdown()
		a.server = nil
	}

	var opts []zeroconf.ServerOption
	if a.ttl > 0 {
		opts = append(opts, zeroconf.TTL(uint32(a.ttl.Seconds())))
	}

	srv, err := a.register(info.Instance, ServiceType, Domain, info.Port, info.TXT(), a.interfaces(), opts...)
	if err != nil {
		return errors.WrapTransient(err, "Advertiser", "Advertise", "register mDNS service")
	}
	a.server = srv
	a.logger.Info("Advertising HTTP endpoint", "instance", info.Instance, "port", info.Port)
	return nil
}

// Run advertises info until ctx is done, then withdraws it.
func (a *Advertiser) Run(ctx context.Context, info Info) error {
	if err := a.Advertise(info); err != nil {
		return err
	}
	<-ctx.Done()
	a.Stop()
	return nil
}

// Stop withdraws the registration.
func (a *Advertiser) Stop() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.server != nil {
		a.server.Shutdown()
		a.server = nil
	}
}
