package nimbus

import (
	"crypto/tls"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/nimbusmq/nimbus.go/internal/telemetry"
)

const (
	defaultMaxReconnect     = 60
	defaultReconnectWait    = 2 * time.Second
	defaultPingInterval     = 2 * time.Minute
	defaultMaxPingsOut      = 2
	defaultConnectTimeout   = 2 * time.Second
	defaultReconnectBufSize = 8 * 1024 * 1024
	defaultMaxPayload       = 1024 * 1024
	defaultDispatcherPool   = 0 // 0 => Connect creates a one-worker dispatcher pool for the connection
)

// Options configures a Connect call. It is built from zero or more Option
// functions, mirroring the functional-options pattern the teacher uses for
// its broker client configuration (pkg/nats/client.go's nats.Option list).
type Options struct {
	Servers []string

	NoRandomize bool
	Name        string
	Verbose     bool
	Pedantic    bool
	NoEcho      bool

	AllowReconnect       bool
	RetryOnFailedConnect bool
	MaxReconnect         int
	ReconnectWait        time.Duration
	ReconnectJitter      time.Duration
	ReconnectJitterTLS   time.Duration
	ReconnectBufSize     int

	ConnectTimeout       time.Duration
	WriteDeadline        time.Duration
	PingInterval         time.Duration
	MaxPingsOut          int
	FailRequestsOnDisconnect bool

	MaxPayloadOverride    int64
	DisableNoResponders   bool
	IgnoreDiscoveredServers bool

	User      string
	Password  string
	Token     string
	JWT       string
	Seed      string
	Signer    Signer
	NKeyPub   string

	TLSConfig     *tls.Config
	SecureDialer  SecureTransport
	UseWebSocket  bool

	EventLoop EventLoop

	DispatcherPoolSize int
	UseGlobalDispatcher bool

	Logger zerolog.Logger

	Telemetry *telemetry.Telemetry

	ClosedHandler       func(*Conn)
	DisconnectedHandler func(*Conn, error)
	ReconnectedHandler  func(*Conn)
	ErrorHandler        func(*Conn, *Subscription, error)
	DiscoveredServersHandler func(*Conn)
	LameDuckHandler     func(*Conn)
}

// Option mutates Options during Connect.
type Option func(*Options)

func defaultOptions() *Options {
	return &Options{
		AllowReconnect:   true,
		MaxReconnect:     defaultMaxReconnect,
		ReconnectWait:    defaultReconnectWait,
		ReconnectBufSize: defaultReconnectBufSize,
		ConnectTimeout:   defaultConnectTimeout,
		PingInterval:     defaultPingInterval,
		MaxPingsOut:      defaultMaxPingsOut,
		Logger:           zerolog.New(zerolog.NewConsoleWriter()).With().Timestamp().Str("component", "nimbus").Logger(),
	}
}

func Servers(urls ...string) Option {
	return func(o *Options) { o.Servers = append(o.Servers, urls...) }
}

func NoRandomize() Option { return func(o *Options) { o.NoRandomize = true } }

func Name(name string) Option { return func(o *Options) { o.Name = name } }

func NoEcho() Option { return func(o *Options) { o.NoEcho = true } }

func MaxReconnects(n int) Option { return func(o *Options) { o.MaxReconnect = n } }

func ReconnectWait(d time.Duration) Option { return func(o *Options) { o.ReconnectWait = d } }

func ReconnectJitter(jitter, jitterTLS time.Duration) Option {
	return func(o *Options) { o.ReconnectJitter = jitter; o.ReconnectJitterTLS = jitterTLS }
}

func Timeout(d time.Duration) Option { return func(o *Options) { o.ConnectTimeout = d } }

func WriteDeadline(d time.Duration) Option { return func(o *Options) { o.WriteDeadline = d } }

func PingInterval(d time.Duration) Option { return func(o *Options) { o.PingInterval = d } }

func MaxPingsOutstanding(n int) Option { return func(o *Options) { o.MaxPingsOut = n } }

func ReconnectBufSize(bytes int) Option { return func(o *Options) { o.ReconnectBufSize = bytes } }

func DontRandomizeServers() Option { return NoRandomize() }

func DisableNoResponders() Option { return func(o *Options) { o.DisableNoResponders = true } }

func IgnoreDiscoveredServers() Option {
	return func(o *Options) { o.IgnoreDiscoveredServers = true }
}

func RetryOnFailedConnect(retry bool) Option {
	return func(o *Options) { o.RetryOnFailedConnect = retry }
}

func FailRequestsOnDisconnect() Option {
	return func(o *Options) { o.FailRequestsOnDisconnect = true }
}

func UserInfo(user, password string) Option {
	return func(o *Options) { o.User = user; o.Password = password }
}

func Token(token string) Option { return func(o *Options) { o.Token = token } }

func UserJWTAndSeed(jwt, seed string) Option {
	return func(o *Options) { o.JWT = jwt; o.Seed = seed }
}

func UserSigner(nkeyPub string, signer Signer) Option {
	return func(o *Options) { o.NKeyPub = nkeyPub; o.Signer = signer }
}

func Secure(tlsConfig *tls.Config) Option {
	return func(o *Options) { o.TLSConfig = tlsConfig }
}

func SecureDialerOption(d SecureTransport) Option {
	return func(o *Options) { o.SecureDialer = d }
}

func UseWebSocket() Option { return func(o *Options) { o.UseWebSocket = true } }

func WithEventLoop(el EventLoop) Option { return func(o *Options) { o.EventLoop = el } }

func DispatcherPoolSize(n int) Option { return func(o *Options) { o.DispatcherPoolSize = n } }

func UseGlobalDispatcher() Option { return func(o *Options) { o.UseGlobalDispatcher = true } }

func WithLogger(l zerolog.Logger) Option { return func(o *Options) { o.Logger = l } }

func ClosedHandler(f func(*Conn)) Option { return func(o *Options) { o.ClosedHandler = f } }

func DisconnectErrHandler(f func(*Conn, error)) Option {
	return func(o *Options) { o.DisconnectedHandler = f }
}

func ReconnectHandler(f func(*Conn)) Option {
	return func(o *Options) { o.ReconnectedHandler = f }
}

func ErrorHandler(f func(*Conn, *Subscription, error)) Option {
	return func(o *Options) { o.ErrorHandler = f }
}

func DiscoveredServersHandler(f func(*Conn)) Option {
	return func(o *Options) { o.DiscoveredServersHandler = f }
}

func LameDuckModeHandler(f func(*Conn)) Option {
	return func(o *Options) { o.LameDuckHandler = f }
}

// WithTelemetry registers a set of prometheus collectors against reg and
// attaches them to the connection. Telemetry is entirely optional; a Conn
// built without this option pays nothing for the calls scattered through
// conn.go, since every Telemetry method is nil-safe.
func WithTelemetry(reg prometheus.Registerer) Option {
	return func(o *Options) { o.Telemetry = telemetry.New(reg) }
}
