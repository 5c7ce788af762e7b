package nettrans

import (
	"fmt"

	"github.com/enbility/zeroconf/v3"

	"github.com/openrail/go-bidib/bidib"
)

// Announcer broadcasts this system's identity and listening endpoint over
// mDNS. It runs independently of any session's state; peers discover the
// endpoint whether or not somebody already holds control.
type Announcer struct {
	server *zeroconf.Server
}

// NewAnnouncer registers the zeroconf service for the given identity.
func NewAnnouncer(uid bidib.UID, prod, user string, port int, cfg *Config) (*Announcer, error) {
	instance := user
	if instance == "" {
		instance = prod
	}
	if instance == "" {
		instance = fmt.Sprintf("bidib-%s", uid.Short())
	}

	txt := []string{
		fmt.Sprintf("uid=%s", uid),
		fmt.Sprintf("prod=%s", prod),
		fmt.Sprintf("user=%s", user),
	}

	server, err := zeroconf.Register(instance, DefaultAnnounceService, DefaultAnnounceDomain, port, txt, nil)
	if err != nil {
		return nil, fmt.Errorf("register zeroconf service: %w", err)
	}

	cfg.GetLogger().Debug("identity announced", "instance", instance, "port", port)

	return &Announcer{server: server}, nil
}

// Shutdown withdraws the announcement.
func (a *Announcer) Shutdown() {
	if a.server != nil {
		a.server.Shutdown()
		a.server = nil
	}
}
