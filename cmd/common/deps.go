// Package common wires shared dependencies for the CLI commands: the
// logger, the blob cache backing, the transports, and the fetch engine.
package common

import (
	"fmt"

	"github.com/jonesrussell/gotexfetch/internal/blobcache"
	"github.com/jonesrussell/gotexfetch/internal/config"
	"github.com/jonesrussell/gotexfetch/internal/domain"
	"github.com/jonesrussell/gotexfetch/internal/fetch"
	"github.com/jonesrussell/gotexfetch/internal/logger"
	"github.com/jonesrussell/gotexfetch/internal/metrics"
	"github.com/jonesrussell/gotexfetch/internal/simproto"
	"github.com/jonesrussell/gotexfetch/internal/transport"

	"github.com/prometheus/client_golang/prometheus"
)

// Deps bundles everything a command needs to run the engine.
type Deps struct {
	Config  *config.Config
	Log     logger.Interface
	Metrics *metrics.Metrics
	Engine  *fetch.Engine

	closers []func() error
}

// Close releases held resources.
func (d *Deps) Close() {
	for _, c := range d.closers {
		_ = c()
	}
}

// NewLogger builds the configured logger, forcing debug level when the
// --debug flag is set.
func NewLogger(cfg *config.Config, debug bool) (logger.Interface, error) {
	lc := cfg.Logger
	if debug {
		lc.Level = logger.DebugLevel
		lc.Development = true
	}
	return logger.New(&lc)
}

// Build loads configuration and constructs the engine with production
// transports: the net/http getter, a UDP batch sender, and the
// configured blob cache backing.
func Build(cfgFile string, debug bool, capabilityBase string) (*Deps, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, err
	}

	log, err := NewLogger(cfg, debug)
	if err != nil {
		return nil, fmt.Errorf("create logger: %w", err)
	}

	mets := metrics.New(prometheus.DefaultRegisterer)

	d := &Deps{Config: cfg, Log: log, Metrics: mets}

	var cache transport.BlobCache
	if cfg.Cache.RedisAddr != "" {
		rc := blobcache.NewRedis(cfg.Cache.RedisAddr, cfg.Cache.RedisDB, cfg.Cache.TTL, log)
		d.closers = append(d.closers, rc.Close)
		cache = rc
	} else {
		cache = blobcache.NewMemory()
	}

	sender, err := simproto.NewUDPSender(domain.AssetID{}, domain.AssetID{}, log)
	if err != nil {
		return nil, fmt.Errorf("open udp sender: %w", err)
	}
	d.closers = append(d.closers, sender.Close)

	d.Engine = fetch.New(fetch.Options{
		PoolSize:         cfg.Fetch.PoolSize,
		HTTPMaxRequests:  cfg.Fetch.HTTPMaxRequests,
		HTTPMinRequests:  cfg.Fetch.HTTPMinRequests,
		HTTPThrottleKbps: cfg.Fetch.HTTPThrottleKbps,
		TickInterval:     cfg.Fetch.TickInterval,
		StaticDenyList:   parseDenyList(log, cfg.Fetch.BlacklistedAssets),
	}, fetch.Deps{
		Codec: &PassCodec{},
		Cache: cache,
		HTTP:  transport.NewHTTPClient(cfg.Fetch.RequestTimeout, cfg.Fetch.UserAgent, log),
		Sim:   sender,
		URLs:  BaseURLProvider{Base: capabilityBase},
		Log:   log,
		Mets:  mets,
	})

	return d, nil
}

func parseDenyList(log logger.Interface, raw []string) []domain.AssetID {
	out := make([]domain.AssetID, 0, len(raw))
	for _, s := range raw {
		id, err := domain.ParseAssetID(s)
		if err != nil {
			log.Warn("ignoring malformed denied asset id", "value", s)
			continue
		}
		out = append(out, id)
	}
	return out
}

// BaseURLProvider builds capability URLs from a fixed base, the way a
// region hands out its asset service endpoint.
type BaseURLProvider struct {
	Base string
}

// CapabilityURL returns Base/?texture_id=<id>, or "" with no base.
func (p BaseURLProvider) CapabilityURL(_ string, id domain.AssetID) string {
	if p.Base == "" {
		return ""
	}
	return p.Base + "/?texture_id=" + id.String()
}
