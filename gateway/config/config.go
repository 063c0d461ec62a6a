// SPDX-FileCopyrightText: Copyright (C) 2025 The Tapgate Authors
// SPDX-License-Identifier: AGPL-3.0-only

// Package config implements the gateway configuration.
package config

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"golang.org/x/net/idna"

	"github.com/tapgate/tapgate/core/log"
)

const (
	defaultAddress         = "127.0.0.1:8080"
	defaultShutdownTimeout = 10 // Seconds.

	defaultUpstreamURL    = "https://127.0.0.1:8089"
	defaultPathPrefix     = "/v1/taproot-assets"
	defaultRequestTimeout = 30 // Seconds.
	defaultProbeTimeout   = 5  // Seconds.

	defaultChallengeExpiry     = 300 // Seconds.
	defaultTimestampTolerance  = 30  // Seconds.
	defaultRateLimit           = 60
	defaultRateWindow          = 60 // Seconds.
	defaultMaxFrameSize        = 64 * 1024
	defaultPollInterval        = 1000 // Milliseconds.
	defaultPingEvery           = 10
	defaultMaxEmptyPolls       = 300
	defaultMinSignatureLength  = 32
	defaultMinReceiverIDLength = 8

	defaultSubscribeTimeout  = 300 // Seconds.
	defaultRFQPollInterval   = 5   // Seconds.
	defaultKeepaliveInterval = 30  // Seconds.

	defaultLogLevel = "NOTICE"

	// MacaroonPathEnv is consulted when the configuration names no
	// upstream credential.
	MacaroonPathEnv = "TAPD_MACAROON_PATH"
)

// Server is the gateway listener configuration.
type Server struct {
	// Identifier is the human readable identifier for the gateway.
	Identifier string

	// Addresses are the TCP addresses the HTTP and websocket listener binds to.
	Addresses []string

	// HTTP3Address is the optional UDP address to serve the REST routes over
	// HTTP/3.  It requires TLSCertFile and TLSKeyFile.
	HTTP3Address string

	// TLSCertFile and TLSKeyFile enable TLS on the TCP listeners.
	TLSCertFile string
	TLSKeyFile  string

	// CORSOrigins are the Origin values allowed to use the REST routes and to
	// open relay websockets.  "*" allows any origin.
	CORSOrigins []string

	// ShutdownTimeout is the graceful shutdown timeout in seconds.
	ShutdownTimeout int
}

// AllowsOrigin returns true iff origin may use the gateway.  A request
// without an Origin header is not a browser and is always allowed.
func (sCfg *Server) AllowsOrigin(origin string) bool {
	if origin == "" {
		return true
	}
	for _, v := range sCfg.CORSOrigins {
		if v == "*" || strings.EqualFold(v, origin) {
			return true
		}
	}
	return false
}

func (sCfg *Server) applyDefaults() {
	if len(sCfg.Addresses) == 0 {
		sCfg.Addresses = []string{defaultAddress}
	}
	if sCfg.ShutdownTimeout <= 0 {
		sCfg.ShutdownTimeout = defaultShutdownTimeout
	}
}

func (sCfg *Server) validate() error {
	if sCfg.Identifier == "" {
		return errors.New("config: Server: Identifier is not set")
	}
	for _, v := range sCfg.Addresses {
		if _, _, err := net.SplitHostPort(v); err != nil {
			return fmt.Errorf("config: Server: Address '%v' is invalid: %v", v, err)
		}
	}
	if (sCfg.TLSCertFile == "") != (sCfg.TLSKeyFile == "") {
		return errors.New("config: Server: TLSCertFile and TLSKeyFile must be set together")
	}
	if sCfg.HTTP3Address != "" {
		if sCfg.TLSCertFile == "" {
			return errors.New("config: Server: HTTP3Address requires TLSCertFile and TLSKeyFile")
		}
		if _, _, err := net.SplitHostPort(sCfg.HTTP3Address); err != nil {
			return fmt.Errorf("config: Server: HTTP3Address '%v' is invalid: %v", sCfg.HTTP3Address, err)
		}
	}
	return nil
}

// Upstream is the taproot-assets daemon configuration.
type Upstream struct {
	// URL is the base URL of the daemon's REST interface.
	URL string

	// PathPrefix is prepended to every upstream path.
	PathPrefix string

	// MacaroonPath is the path to the binary macaroon file.
	MacaroonPath string

	// MacaroonHex is the hex encoded macaroon, as an alternative to
	// MacaroonPath.
	MacaroonHex string

	// TLSVerify enables verification of the daemon's certificate.
	TLSVerify bool

	// CACertFile is an optional PEM bundle used when TLSVerify is set.
	CACertFile string

	// RequestTimeout is the timeout of ordinary upstream requests in seconds.
	RequestTimeout int

	// ProbeTimeout is the timeout of the mailbox capability probe in seconds.
	ProbeTimeout int
}

// RequestTimeoutDuration returns RequestTimeout as a time.Duration.
func (uCfg *Upstream) RequestTimeoutDuration() time.Duration {
	return time.Duration(uCfg.RequestTimeout) * time.Second
}

// ProbeTimeoutDuration returns ProbeTimeout as a time.Duration.
func (uCfg *Upstream) ProbeTimeoutDuration() time.Duration {
	return time.Duration(uCfg.ProbeTimeout) * time.Second
}

func (uCfg *Upstream) applyDefaults() {
	if uCfg.URL == "" {
		uCfg.URL = defaultUpstreamURL
	}
	if uCfg.PathPrefix == "" {
		uCfg.PathPrefix = defaultPathPrefix
	}
	if uCfg.MacaroonPath == "" && uCfg.MacaroonHex == "" {
		uCfg.MacaroonPath = os.Getenv(MacaroonPathEnv)
	}
	if uCfg.RequestTimeout <= 0 {
		uCfg.RequestTimeout = defaultRequestTimeout
	}
	if uCfg.ProbeTimeout <= 0 {
		uCfg.ProbeTimeout = defaultProbeTimeout
	}
}

func (uCfg *Upstream) validate() error {
	u, err := url.Parse(uCfg.URL)
	if err != nil {
		return fmt.Errorf("config: Upstream: URL '%v' is invalid: %v", uCfg.URL, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("config: Upstream: URL '%v' has unsupported scheme", uCfg.URL)
	}
	host := u.Hostname()
	if net.ParseIP(host) == nil {
		if host, err = idna.Lookup.ToASCII(host); err != nil {
			return fmt.Errorf("config: Upstream: URL host '%v' is invalid: %v", u.Hostname(), err)
		}
	}
	if port := u.Port(); port != "" {
		u.Host = net.JoinHostPort(host, port)
	} else {
		u.Host = host
	}
	uCfg.URL = strings.TrimRight(u.String(), "/")

	if !strings.HasPrefix(uCfg.PathPrefix, "/") {
		return fmt.Errorf("config: Upstream: PathPrefix '%v' must start with '/'", uCfg.PathPrefix)
	}
	uCfg.PathPrefix = strings.TrimRight(uCfg.PathPrefix, "/")

	switch {
	case uCfg.MacaroonPath != "" && uCfg.MacaroonHex != "":
		return errors.New("config: Upstream: MacaroonPath and MacaroonHex are mutually exclusive")
	case uCfg.MacaroonPath == "" && uCfg.MacaroonHex == "":
		return fmt.Errorf("config: Upstream: no macaroon configured and %v is not set", MacaroonPathEnv)
	}
	if uCfg.CACertFile != "" && !uCfg.TLSVerify {
		return errors.New("config: Upstream: CACertFile requires TLSVerify")
	}
	return nil
}

// Mailbox is the relay protocol configuration.
type Mailbox struct {
	// ChallengeExpiry is the lifetime of an issued challenge in seconds.
	ChallengeExpiry int

	// TimestampTolerance is the accepted clock skew of signed timestamps in
	// seconds.
	TimestampTolerance int

	// RateLimit is the number of inbound frames accepted per RateWindow.
	RateLimit int

	// RateWindow is the rate limit window in seconds.
	RateWindow int

	// MaxFrameSize is the maximum inbound frame size in bytes.
	MaxFrameSize int

	// PollInterval is the upstream polling interval in milliseconds.
	PollInterval int

	// PingEvery is the number of consecutive empty polls between keepalives.
	PingEvery int

	// MaxEmptyPolls is the number of consecutive empty polls after which the
	// stream is ended.
	MaxEmptyPolls int

	// MinSignatureLength is the minimum encoded signature length.
	MinSignatureLength int

	// MinReceiverIDLength is the minimum receiver identity length.
	MinReceiverIDLength int

	// RequireRegisteredReceiver rejects receiver identities that are not
	// public keys unless the receiver database knows them as active.  When
	// unset and no receiver database is configured, well formed identities
	// are accepted.
	RequireRegisteredReceiver bool

	// VerifyTapAddressChecksum rejects receiver identities with a taproot
	// asset address prefix whose bech32(m) checksum does not verify.
	VerifyTapAddressChecksum bool
}

// ChallengeExpiryDuration returns ChallengeExpiry as a time.Duration.
func (mCfg *Mailbox) ChallengeExpiryDuration() time.Duration {
	return time.Duration(mCfg.ChallengeExpiry) * time.Second
}

// TimestampToleranceDuration returns TimestampTolerance as a time.Duration.
func (mCfg *Mailbox) TimestampToleranceDuration() time.Duration {
	return time.Duration(mCfg.TimestampTolerance) * time.Second
}

// RateWindowDuration returns RateWindow as a time.Duration.
func (mCfg *Mailbox) RateWindowDuration() time.Duration {
	return time.Duration(mCfg.RateWindow) * time.Second
}

// PollIntervalDuration returns PollInterval as a time.Duration.
func (mCfg *Mailbox) PollIntervalDuration() time.Duration {
	return time.Duration(mCfg.PollInterval) * time.Millisecond
}

func (mCfg *Mailbox) applyDefaults() {
	if mCfg.ChallengeExpiry <= 0 {
		mCfg.ChallengeExpiry = defaultChallengeExpiry
	}
	if mCfg.TimestampTolerance <= 0 {
		mCfg.TimestampTolerance = defaultTimestampTolerance
	}
	if mCfg.RateLimit <= 0 {
		mCfg.RateLimit = defaultRateLimit
	}
	if mCfg.RateWindow <= 0 {
		mCfg.RateWindow = defaultRateWindow
	}
	if mCfg.MaxFrameSize <= 0 {
		mCfg.MaxFrameSize = defaultMaxFrameSize
	}
	if mCfg.PollInterval <= 0 {
		mCfg.PollInterval = defaultPollInterval
	}
	if mCfg.PingEvery <= 0 {
		mCfg.PingEvery = defaultPingEvery
	}
	if mCfg.MaxEmptyPolls <= 0 {
		mCfg.MaxEmptyPolls = defaultMaxEmptyPolls
	}
	if mCfg.MinSignatureLength <= 0 {
		mCfg.MinSignatureLength = defaultMinSignatureLength
	}
	if mCfg.MinReceiverIDLength <= 0 {
		mCfg.MinReceiverIDLength = defaultMinReceiverIDLength
	}
}

func (mCfg *Mailbox) validate() error {
	if mCfg.PingEvery > mCfg.MaxEmptyPolls {
		return fmt.Errorf("config: Mailbox: PingEvery %d exceeds MaxEmptyPolls %d", mCfg.PingEvery, mCfg.MaxEmptyPolls)
	}
	if mCfg.TimestampTolerance >= mCfg.ChallengeExpiry {
		return fmt.Errorf("config: Mailbox: TimestampTolerance %d must be less than ChallengeExpiry %d", mCfg.TimestampTolerance, mCfg.ChallengeExpiry)
	}
	return nil
}

// Events is the asset and RFQ event subscription configuration.
type Events struct {
	// SubscribeTimeout bounds a POST event subscription in seconds.  A
	// subscription that runs out of time reports an empty event list.
	SubscribeTimeout int

	// RFQPollInterval is the RFQ notification polling interval in seconds.
	RFQPollInterval int

	// KeepaliveInterval is the interval between websocket pings in seconds.
	KeepaliveInterval int
}

// SubscribeTimeoutDuration returns SubscribeTimeout as a time.Duration.
func (eCfg *Events) SubscribeTimeoutDuration() time.Duration {
	return time.Duration(eCfg.SubscribeTimeout) * time.Second
}

// RFQPollIntervalDuration returns RFQPollInterval as a time.Duration.
func (eCfg *Events) RFQPollIntervalDuration() time.Duration {
	return time.Duration(eCfg.RFQPollInterval) * time.Second
}

// KeepaliveIntervalDuration returns KeepaliveInterval as a time.Duration.
func (eCfg *Events) KeepaliveIntervalDuration() time.Duration {
	return time.Duration(eCfg.KeepaliveInterval) * time.Second
}

func (eCfg *Events) applyDefaults() {
	if eCfg.SubscribeTimeout <= 0 {
		eCfg.SubscribeTimeout = defaultSubscribeTimeout
	}
	if eCfg.RFQPollInterval <= 0 {
		eCfg.RFQPollInterval = defaultRFQPollInterval
	}
	if eCfg.KeepaliveInterval <= 0 {
		eCfg.KeepaliveInterval = defaultKeepaliveInterval
	}
}

// Bolt is the bbolt receiver database configuration.
type Bolt struct {
	// Path is the path to the database file.
	Path string
}

// SQL is the PostgreSQL receiver database configuration.
type SQL struct {
	// URL is the pgx connection string.
	URL string
}

// Extern is the HTTP receiver database configuration.
type Extern struct {
	// URL is the base URL of the external receiver service.
	URL string
}

// ReceiverDB is the receiver database configuration.  At most one backend
// may be set, none disables persistence.
type ReceiverDB struct {
	Bolt   *Bolt
	SQL    *SQL
	Extern *Extern
}

func (rCfg *ReceiverDB) validate() error {
	n := 0
	if rCfg.Bolt != nil {
		if rCfg.Bolt.Path == "" {
			return errors.New("config: ReceiverDB: Bolt: Path is not set")
		}
		n++
	}
	if rCfg.SQL != nil {
		if rCfg.SQL.URL == "" {
			return errors.New("config: ReceiverDB: SQL: URL is not set")
		}
		n++
	}
	if rCfg.Extern != nil {
		if _, err := url.Parse(rCfg.Extern.URL); err != nil || rCfg.Extern.URL == "" {
			return fmt.Errorf("config: ReceiverDB: Extern: URL '%v' is invalid", rCfg.Extern.URL)
		}
		n++
	}
	if n > 1 {
		return errors.New("config: ReceiverDB: only one backend may be configured")
	}
	return nil
}

// Metrics is the Prometheus exporter configuration.
type Metrics struct {
	// Address is the listen address of the metrics endpoint, empty disables it.
	Address string
}

// Profiling is the continuous profiling configuration.
type Profiling struct {
	// ServerAddress is the pyroscope server address, empty disables profiling.
	ServerAddress string

	// ApplicationName is the application name reported to pyroscope.
	ApplicationName string

	// Tags are extra profile tags.
	Tags map[string]string
}

// Logging is the logging configuration.
type Logging struct {
	// Disable disables logging entirely.
	Disable bool

	// File specifies the log file, if omitted stdout will be used.
	File string

	// Level specifies the log level.
	Level string
}

func (lCfg *Logging) validate() error {
	if !log.ValidLevel(lCfg.Level) {
		return fmt.Errorf("config: Logging: Level '%v' is invalid", lCfg.Level)
	}
	lCfg.Level = strings.ToUpper(lCfg.Level)
	return nil
}

// Debug is the debug configuration.
type Debug struct {
	// DisableUpstreamProbe skips the mailbox capability probe during
	// authentication.  Only for test rigs without a daemon.
	DisableUpstreamProbe bool
}

// Config is the top level gateway configuration.
type Config struct {
	Server     *Server
	Upstream   *Upstream
	Mailbox    *Mailbox
	Events     *Events
	ReceiverDB *ReceiverDB
	Metrics    *Metrics
	Profiling  *Profiling
	Logging    *Logging
	Debug      *Debug
}

// FixupAndValidate applies defaults to config entries and validates the
// configuration sections.
func (cfg *Config) FixupAndValidate() error {
	if cfg.Server == nil {
		return errors.New("config: No Server block was present")
	}
	if cfg.Upstream == nil {
		cfg.Upstream = &Upstream{}
	}
	if cfg.Mailbox == nil {
		cfg.Mailbox = &Mailbox{}
	}
	if cfg.Events == nil {
		cfg.Events = &Events{}
	}
	if cfg.ReceiverDB == nil {
		cfg.ReceiverDB = &ReceiverDB{}
	}
	if cfg.Metrics == nil {
		cfg.Metrics = &Metrics{}
	}
	if cfg.Profiling == nil {
		cfg.Profiling = &Profiling{}
	}
	if cfg.Logging == nil {
		cfg.Logging = &Logging{}
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = defaultLogLevel
	}
	if cfg.Debug == nil {
		cfg.Debug = &Debug{}
	}

	cfg.Server.applyDefaults()
	cfg.Upstream.applyDefaults()
	cfg.Mailbox.applyDefaults()
	cfg.Events.applyDefaults()

	if err := cfg.Server.validate(); err != nil {
		return err
	}
	if err := cfg.Upstream.validate(); err != nil {
		return err
	}
	if err := cfg.Mailbox.validate(); err != nil {
		return err
	}
	if err := cfg.ReceiverDB.validate(); err != nil {
		return err
	}
	if err := cfg.Logging.validate(); err != nil {
		return err
	}
	if cfg.Profiling.ApplicationName == "" {
		cfg.Profiling.ApplicationName = "tapgate." + cfg.Server.Identifier
	}
	return nil
}

// Load parses and validates the provided buffer b as a config file body and
// returns the Config.
func Load(b []byte) (*Config, error) {
	cfg := new(Config)
	md, err := toml.Decode(string(b), cfg)
	if err != nil {
		return nil, err
	}
	if undecoded := md.Undecoded(); len(undecoded) != 0 {
		return nil, fmt.Errorf("config: Undecoded keys in config file: %v", undecoded)
	}
	if err := cfg.FixupAndValidate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFile loads, parses and validates the provided file and returns the
// Config.
func LoadFile(f string) (*Config, error) {
	b, err := os.ReadFile(f)
	if err != nil {
		return nil, err
	}
	return Load(b)
}
