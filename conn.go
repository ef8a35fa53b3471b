package nimbus

import (
	"encoding/json"
	"math/rand"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/nimbusmq/nimbus.go/internal/nuid"
	"github.com/nimbusmq/nimbus.go/internal/telemetry"
)

// ConnState is the lifecycle of a Conn, per spec.md §3/§4.4.
type ConnState int

const (
	StateDisconnected ConnState = iota
	StateConnecting
	StateConnected
	StateReconnecting
	StateDrainingSubs
	StateDrainingPubs
	StateClosed
)

func (s ConnState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	case StateDrainingSubs:
		return "draining_subs"
	case StateDrainingPubs:
		return "draining_pubs"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// serverInfo mirrors the broker's INFO payload (spec.md §6).
type serverInfo struct {
	ServerID     string   `json:"server_id"`
	Version      string   `json:"version"`
	Proto        int      `json:"proto"`
	MaxPayload   int64    `json:"max_payload"`
	ClientID     uint64   `json:"client_id"`
	AuthRequired bool     `json:"auth_required"`
	TLSRequired  bool     `json:"tls_required"`
	ConnectURLs  []string `json:"connect_urls"`
	LameDuck     bool     `json:"ldm"`
	Nonce        string   `json:"nonce"`
}

// connectInfo is the core's CONNECT payload (spec.md §6).
type connectInfo struct {
	Verbose      bool   `json:"verbose"`
	Pedantic     bool   `json:"pedantic"`
	TLSRequired  bool   `json:"tls_required"`
	Name         string `json:"name"`
	Lang         string `json:"lang"`
	Version      string `json:"version"`
	Protocol     int    `json:"protocol"`
	Echo         bool   `json:"echo"`
	Headers      bool   `json:"headers"`
	NoResponders bool   `json:"no_responders"`
	User         string `json:"user,omitempty"`
	Pass         string `json:"pass,omitempty"`
	AuthToken    string `json:"auth_token,omitempty"`
	JWT          string `json:"jwt,omitempty"`
	Sig          string `json:"sig,omitempty"`
	NKey         string `json:"nkey,omitempty"`
}

const clientLang = "go"
const clientVersion = "0.1.0"
const clientProtocol = 1

// Statistics are the cumulative counters a Conn exposes, mirroring the
// teacher's nats.Statistics surface (pkg/nats/client.go's Stats method).
type Statistics struct {
	InMsgs     uint64
	OutMsgs    uint64
	InBytes    uint64
	OutBytes   uint64
	Reconnects uint64
}

// asyncErrEvent is queued to the dedicated async-callback worker, which
// runs ErrorHandler for it, so ErrorHandler calls (slow consumer, -ERR,
// disconnect errors) never run on the reader or writer goroutine's stack.
// DisconnectedHandler, ReconnectedHandler, DiscoveredServersHandler and
// LameDuckHandler do not go through this worker: they are called directly
// on the goroutine that observed the event.
type asyncErrEvent struct {
	sub *Subscription
	err error
}

// Conn is the client connection: owner of the socket, codec, write queue,
// endpoint pool, subscription registry, pending-pong list and dispatcher
// pool, per spec.md §3's Connection entity.
type Conn struct {
	mu    sync.Mutex
	opts  *Options
	state ConnState

	pool        *serverPool
	curEndpoint *endpoint
	info        *serverInfo

	sock   net.Conn
	parser *Parser
	outq   *outboundQueue

	subs     *subRegistry
	dispatch *dispatcherPool

	connNuid string
	respMux  *respMux

	pendingPongs []chan struct{}

	stats     Statistics
	telemetry *telemetry.Telemetry

	closeCh  chan struct{}
	closeWg  sync.WaitGroup
	asyncCh  chan asyncErrEvent
	nuidGen  *nuid.Generator
	lastAuth map[string]string // endpoint host -> last -ERR code observed

	closed       bool
	reconnecting bool
}

// Connect dials a broker endpoint, performs the handshake, and returns a
// live Conn, per spec.md §4.4's connect() contract.
func Connect(opts ...Option) (*Conn, error) {
	o := defaultOptions()
	for _, fn := range opts {
		fn(o)
	}

	pool, err := newServerPool(o)
	if err != nil {
		return nil, err
	}

	c := &Conn{
		opts:      o,
		state:     StateDisconnected,
		pool:      pool,
		outq:      newOutboundQueue(o.ReconnectBufSize),
		subs:      newSubRegistry(),
		closeCh:   make(chan struct{}),
		asyncCh:   make(chan asyncErrEvent, 256),
		nuidGen:   nuid.New(),
		lastAuth:  make(map[string]string),
		telemetry: o.Telemetry,
	}
	c.connNuid = c.nuidGen.Next()

	if o.UseGlobalDispatcher {
		c.dispatch = globalDispatcher(o.DispatcherPoolSize)
	} else {
		size := o.DispatcherPoolSize
		if size < 1 {
			size = 1
		}
		c.dispatch = newDispatcherPool(size)
	}

	c.closeWg.Add(1)
	go c.asyncWorker()

	if err := c.connectLoop(true); err != nil {
		c.dispatch.shutdown()
		close(c.closeCh)
		return nil, err
	}

	return c, nil
}

var (
	globalDispatchOnce sync.Once
	globalDispatchPool *dispatcherPool
)

func globalDispatcher(size int) *dispatcherPool {
	globalDispatchOnce.Do(func() {
		if size < 1 {
			size = 1
		}
		globalDispatchPool = newDispatcherPool(size)
	})
	return globalDispatchPool
}

// connectLoop iterates the endpoint pool attempting to dial and hand-
// shake. initial distinguishes the first Connect call (which returns an
// error on exhaustion) from a reconnect loop (which transitions to
// *closed*).
func (c *Conn) connectLoop(initial bool) error {
	if initial {
		c.mu.Lock()
		c.state = StateConnecting
		c.mu.Unlock()
	}

	for {
		ep := c.pool.current()
		if ep == nil {
			c.mu.Lock()
			c.state = StateClosed
			c.mu.Unlock()
			return errf(ErrNoServers, "no servers available")
		}

		var err error
		if ep.lastAuthErrCode != "" {
			// This endpoint repeated the same auth error on its last
			// attempt with no successful connect in between; spec.md
			// §4.4 calls for marking it unusable for the rest of the
			// loop rather than retrying it.
			err = errf(ErrAuthViolation, "endpoint %s repeated auth error %q", ep.url, ep.lastAuthErrCode)
		} else {
			err = c.connectToEndpoint(ep)
		}
		if err == nil {
			return nil
		}

		if nErr, ok := err.(*Error); ok && (nErr.Code == ErrAuthViolation || nErr.Code == ErrAuthExpired) {
			if c.lastAuth[ep.host] == nErr.Message {
				ep.lastAuthErrCode = nErr.Message
			} else {
				c.lastAuth[ep.host] = nErr.Message
			}
		}

		if initial && !c.opts.RetryOnFailedConnect {
			return err
		}

		next := c.pool.next(c.opts.MaxReconnect)
		if next == nil {
			c.mu.Lock()
			c.state = StateClosed
			c.mu.Unlock()
			return wrapf(ErrNoServers, err, "exhausted all endpoints")
		}

		wait := c.opts.ReconnectWait + jitterDuration(c.opts.ReconnectJitter)
		time.Sleep(wait)
	}
}

func jitterDuration(max time.Duration) time.Duration {
	if max <= 0 {
		return 0
	}
	return time.Duration(rand.Int63n(int64(max)))
}

// connectToEndpoint performs one dial+handshake attempt against ep.
func (c *Conn) connectToEndpoint(ep *endpoint) error {
	sock, err := dial(ep, c.opts)
	if err != nil {
		return err
	}

	parser := NewParser()
	info, err := c.readInfo(sock, parser)
	if err != nil {
		sock.Close()
		return err
	}

	if info.AuthRequired || c.opts.TLSConfig != nil {
		// Auth fields are populated on the CONNECT payload below
		// regardless; nothing additional to do before sending it.
	}

	connectPayload, err := c.buildConnectInfo(info)
	if err != nil {
		sock.Close()
		return err
	}
	if _, err := sock.Write(encodeConnect(connectPayload)); err != nil {
		sock.Close()
		return wrapf(ErrIO, err, "writing CONNECT failed")
	}
	if _, err := sock.Write(encodePing()); err != nil {
		sock.Close()
		return wrapf(ErrIO, err, "writing handshake PING failed")
	}

	if err := c.awaitHandshakeAck(sock, parser); err != nil {
		sock.Close()
		return err
	}

	c.mu.Lock()
	wasReconnect := c.state == StateReconnecting
	c.sock = sock
	c.parser = parser
	c.info = info
	c.curEndpoint = ep
	ep.didConnect = true
	ep.reconnects = 0
	delete(c.lastAuth, ep.host)
	c.state = StateConnected
	c.outq.reopen()
	c.mu.Unlock()

	c.telemetry.SetConnected(true)

	if len(info.ConnectURLs) > 0 && !c.opts.IgnoreDiscoveredServers {
		if added, _ := c.pool.mergeAdvertised(ep.host, info.ConnectURLs); added && c.opts.DiscoveredServersHandler != nil {
			c.queueAsync(nil, nil)
			c.opts.DiscoveredServersHandler(c)
		}
	}

	c.closeWg.Add(3)
	go c.readLoop()
	go c.writeLoop()
	go c.pingLoop()

	if wasReconnect {
		c.replayAfterReconnect()
		c.stats.Reconnects++
		c.telemetry.IncReconnects()
		if c.opts.ReconnectedHandler != nil {
			c.opts.ReconnectedHandler(c)
		}
	}

	return nil
}

func (c *Conn) buildConnectInfo(info *serverInfo) ([]byte, error) {
	ci := connectInfo{
		Verbose:      c.opts.Verbose,
		Pedantic:     c.opts.Pedantic,
		TLSRequired:  c.opts.TLSConfig != nil,
		Name:         c.opts.Name,
		Lang:         clientLang,
		Version:      clientVersion,
		Protocol:     clientProtocol,
		Echo:         !c.opts.NoEcho,
		Headers:      true,
		NoResponders: !c.opts.DisableNoResponders,
		User:         c.opts.User,
		Pass:         c.opts.Password,
		AuthToken:    c.opts.Token,
		JWT:          c.opts.JWT,
	}

	if c.opts.JWT != "" {
		if expired, err := jwtExpired(c.opts.JWT); err == nil && expired {
			return nil, errf(ErrAuthExpired, "user jwt has expired")
		}
	}

	if c.opts.Signer != nil && info.AuthRequired {
		nonce := []byte(info.Nonce)
		sig, err := c.opts.Signer.Sign(nonce)
		if err != nil {
			return nil, wrapf(ErrAuthViolation, err, "signer failed to sign nonce")
		}
		ci.Sig = string(sig)
		ci.NKey = c.opts.NKeyPub
	}

	return json.Marshal(ci)
}

// readInfo blocks until the first INFO frame arrives on sock.
func (c *Conn) readInfo(sock net.Conn, parser *Parser) (*serverInfo, error) {
	deadline := time.Now().Add(c.opts.ConnectTimeout)
	sock.SetReadDeadline(deadline)
	defer sock.SetReadDeadline(time.Time{})

	buf := make([]byte, readBufSize)
	for {
		n, err := sock.Read(buf)
		if err != nil {
			return nil, wrapf(ErrIO, err, "reading INFO failed")
		}
		evts, err := parser.Parse(buf[:n])
		if err != nil {
			return nil, wrapf(ErrProtocol, err, "parsing INFO failed")
		}
		for _, e := range evts {
			if e.op == opInfo {
				var si serverInfo
				if err := json.Unmarshal(e.info, &si); err != nil {
					return nil, wrapf(ErrProtocol, err, "invalid INFO payload")
				}
				return &si, nil
			}
		}
	}
}

// awaitHandshakeAck blocks until the broker responds with PONG (success)
// or -ERR (auth failure) to the handshake PING.
func (c *Conn) awaitHandshakeAck(sock net.Conn, parser *Parser) error {
	deadline := time.Now().Add(c.opts.ConnectTimeout)
	sock.SetReadDeadline(deadline)
	defer sock.SetReadDeadline(time.Time{})

	buf := make([]byte, readBufSize)
	for {
		n, err := sock.Read(buf)
		if err != nil {
			return wrapf(ErrIO, err, "reading handshake ack failed")
		}
		evts, err := parser.Parse(buf[:n])
		if err != nil {
			return wrapf(ErrProtocol, err, "parsing handshake ack failed")
		}
		for _, e := range evts {
			switch e.op {
			case opPong, opOK:
				return nil
			case opErr:
				return errf(authErrCode(e.errText), "%s", e.errText)
			}
		}
	}
}

func authErrCode(errText string) ErrorCode {
	switch errText {
	case "Authorization Violation":
		return ErrAuthViolation
	case "User Authentication Expired":
		return ErrAuthExpired
	case "Stale Connection":
		return ErrStaleConnection
	default:
		return ErrProtocol
	}
}

// replayAfterReconnect resubscribes every active subscription in
// ascending sid order. It runs after the new writer goroutine has started
// and appends the SUB frames to the write queue behind whatever
// accumulated there while disconnected, so those queued writes reach the
// broker before the SUBs do.
func (c *Conn) replayAfterReconnect() {
	subs := c.subs.all()
	sortSubsBySid(subs)
	for _, s := range subs {
		s.mu.Lock()
		subject, queue, sid := s.subject, s.queueGroup, s.sid
		state := s.state
		s.mu.Unlock()
		if state == SubClosed {
			continue
		}
		c.outq.push(encodeSub(subject, queue, sid), nil)
	}
}

func sortSubsBySid(subs []*Subscription) {
	for i := 1; i < len(subs); i++ {
		for j := i; j > 0 && subs[j-1].sid > subs[j].sid; j-- {
			subs[j-1], subs[j] = subs[j], subs[j-1]
		}
	}
}

// readLoop is the threaded-mode reader: it owns sock.Read exclusively and
// feeds bytes to the parser until an I/O error or close.
func (c *Conn) readLoop() {
	defer c.closeWg.Done()
	buf := make([]byte, readBufSize)
	for {
		select {
		case <-c.closeCh:
			return
		default:
		}

		c.mu.Lock()
		sock := c.sock
		c.mu.Unlock()
		if sock == nil {
			return
		}

		n, err := sock.Read(buf)
		if err != nil {
			c.handleIOError(wrapf(ErrIO, err, "read failed"))
			return
		}
		if err := c.feedParser(buf[:n]); err != nil {
			c.handleIOError(err)
			return
		}
	}
}

func (c *Conn) feedParser(b []byte) error {
	c.mu.Lock()
	parser := c.parser
	c.mu.Unlock()
	if parser == nil {
		return nil
	}
	evts, err := parser.Parse(b)
	if err != nil {
		return wrapf(ErrProtocol, err, "parse error")
	}
	for _, e := range evts {
		c.processEvent(e)
	}
	return nil
}

func (c *Conn) processEvent(e protoEvent) {
	switch e.op {
	case opMsg, opHMsg:
		c.deliverInbound(e)
	case opPing:
		c.outq.push(encodePong(), nil)
	case opPong:
		c.popPendingPong()
	case opOK:
		// no-op in steady state
	case opErr:
		c.handleAsyncErr(e.errText)
	case opInfo:
		c.handleInfoUpdate(e.info)
	}
}

func (c *Conn) handleInfoUpdate(raw []byte) {
	var si serverInfo
	if err := json.Unmarshal(raw, &si); err != nil {
		return
	}
	c.mu.Lock()
	c.info = &si
	ep := c.curEndpoint
	c.mu.Unlock()

	if si.LameDuck && c.opts.LameDuckHandler != nil {
		c.opts.LameDuckHandler(c)
	}
	if len(si.ConnectURLs) > 0 && !c.opts.IgnoreDiscoveredServers && ep != nil {
		if added, _ := c.pool.mergeAdvertised(ep.host, si.ConnectURLs); added && c.opts.DiscoveredServersHandler != nil {
			c.opts.DiscoveredServersHandler(c)
		}
	}
}

func (c *Conn) handleAsyncErr(text string) {
	code := authErrCode(text)
	err := errf(code, "%s", text)
	c.telemetry.RecordError(string(code))
	if code == ErrStaleConnection || code == ErrAuthViolation || code == ErrAuthExpired {
		c.handleIOError(err)
		return
	}
	c.queueAsync(nil, err)
}

func (c *Conn) deliverInbound(e protoEvent) {
	sub, ok := c.subs.get(e.sid)
	if !ok {
		return
	}

	var header *Header
	if e.op == opHMsg && len(e.header) > 0 {
		h, err := parseHeader(e.header)
		if err == nil {
			header = h
		}
	}

	msg := &Message{
		Subject: e.subject,
		Reply:   e.reply,
		Data:    e.payload,
		Header:  header,
		Sub:     sub,
		sid:     e.sid,
		ts:      time.Now(),
	}

	c.mu.Lock()
	c.stats.InMsgs++
	c.stats.InBytes += uint64(len(e.payload))
	c.mu.Unlock()
	c.telemetry.RecordInMsg(len(e.payload))

	if c.respMux != nil && c.respMux.deliver(msg) {
		return
	}

	delivered, closed := sub.deliver(msg)
	if !delivered {
		c.telemetry.RecordDropped(1)
		c.telemetry.RecordSlowConsumer()
		c.queueAsync(sub, errf(ErrSlowConsumer, "mailbox limit reached for subscription %d", sub.sid))
		return
	}
	pending, pendingBytes, _ := sub.Pending()
	_ = pendingBytes
	c.telemetry.SetMailboxPending(strconv.FormatUint(sub.sid, 10), pending)
	if closed {
		c.subs.remove(sub.sid)
	}
}

func (c *Conn) popPendingPong() {
	c.mu.Lock()
	if len(c.pendingPongs) == 0 {
		c.mu.Unlock()
		return
	}
	ch := c.pendingPongs[0]
	c.pendingPongs = c.pendingPongs[1:]
	c.mu.Unlock()
	close(ch)
}

// writeLoop is the threaded-mode writer: it owns sock.Write exclusively.
func (c *Conn) writeLoop() {
	defer c.closeWg.Done()
	for {
		b, dones, ok := c.outq.drainAll()
		if !ok {
			return
		}

		c.mu.Lock()
		sock := c.sock
		c.mu.Unlock()
		if sock == nil {
			for _, d := range dones {
				d(errf(ErrConnectionClosed, "connection closed"))
			}
			return
		}

		n, err := sock.Write(b)
		for _, d := range dones {
			d(err)
		}
		if err == nil {
			c.mu.Lock()
			c.stats.OutBytes += uint64(n)
			c.mu.Unlock()
		}
		if err != nil {
			c.handleIOError(wrapf(ErrIO, err, "write failed"))
			return
		}
	}
}

// pingLoop periodically pings the broker and declares the connection
// stale if too many go unanswered, per spec.md §4.4.
func (c *Conn) pingLoop() {
	defer c.closeWg.Done()
	ticker := time.NewTicker(c.opts.PingInterval)
	defer ticker.Stop()

	var unanswered []chan struct{}
	for {
		select {
		case <-c.closeCh:
			return
		case <-ticker.C:
			kept := unanswered[:0]
			for _, ch := range unanswered {
				select {
				case <-ch: // its PONG has arrived
				default:
					kept = append(kept, ch)
				}
			}
			unanswered = kept
			if len(unanswered) >= c.opts.MaxPingsOut {
				c.handleIOError(errf(ErrStaleConnection, "exceeded max pings outstanding"))
				return
			}
			ch := make(chan struct{})
			c.mu.Lock()
			c.pendingPongs = append(c.pendingPongs, ch)
			c.mu.Unlock()
			if err := c.outq.push(encodePing(), nil); err != nil {
				return
			}
			unanswered = append(unanswered, ch)
		}
	}
}

// handleIOError implements the reconnect policy: close the socket,
// transition to reconnecting, and let connectLoop iterate the pool.
func (c *Conn) handleIOError(err error) {
	c.mu.Lock()
	if c.state == StateClosed || c.closed || c.reconnecting {
		c.mu.Unlock()
		return
	}
	c.reconnecting = true
	if c.sock != nil {
		c.sock.Close()
		c.sock = nil
	}
	c.state = StateReconnecting
	c.mu.Unlock()

	c.telemetry.SetConnected(false)
	c.queueAsync(nil, err)
	if c.opts.DisconnectedHandler != nil {
		c.opts.DisconnectedHandler(c, err)
	}

	if !c.opts.AllowReconnect {
		c.Close()
		return
	}

	reconnectErr := c.connectLoop(false)

	c.mu.Lock()
	c.reconnecting = false
	c.mu.Unlock()

	if reconnectErr != nil {
		c.Close()
	}
}

func (c *Conn) asyncWorker() {
	defer c.closeWg.Done()
	for {
		select {
		case evt, ok := <-c.asyncCh:
			if !ok {
				return
			}
			if c.opts.ErrorHandler != nil && evt.err != nil {
				c.opts.ErrorHandler(c, evt.sub, evt.err)
			}
		case <-c.closeCh:
			return
		}
	}
}

func (c *Conn) queueAsync(sub *Subscription, err error) {
	select {
	case c.asyncCh <- asyncErrEvent{sub: sub, err: err}:
	default:
	}
}

// publish validates and enqueues an outbound PUB/HPUB, per spec.md §4.4.
func (c *Conn) publish(subject, reply string, header *Header, data []byte) error {
	if subject == "" {
		return errf(ErrInvalidSubject, "subject must not be empty")
	}

	c.mu.Lock()
	state := c.state
	maxPayload := int64(defaultMaxPayload)
	if c.info != nil && c.info.MaxPayload > 0 {
		maxPayload = c.info.MaxPayload
	}
	if c.opts.MaxPayloadOverride > 0 {
		maxPayload = c.opts.MaxPayloadOverride
	}
	c.mu.Unlock()

	if state == StateClosed || state == StateDrainingPubs {
		return errf(ErrConnectionClosed, "connection is closed")
	}
	if state == StateDrainingSubs {
		return errf(ErrDraining, "connection is draining")
	}
	if int64(len(data)) > maxPayload {
		return errf(ErrMaxPayloadExceeded, "payload of %d bytes exceeds max_payload %d", len(data), maxPayload)
	}

	frame := encodePub(subject, reply, header, data)
	if err := c.outq.push(frame, nil); err != nil {
		return err
	}
	c.mu.Lock()
	c.stats.OutMsgs++
	c.mu.Unlock()
	c.telemetry.RecordOutMsg(len(data))
	return nil
}

// Publish sends data to subject with no reply address.
func (c *Conn) Publish(subject string, data []byte) error {
	return c.publish(subject, "", nil, data)
}

// PublishRequest sends data to subject with reply set, without waiting
// for a response (used internally by Request and available directly for
// fire-and-forget reply wiring).
func (c *Conn) PublishRequest(subject, reply string, data []byte) error {
	return c.publish(subject, reply, nil, data)
}

// PublishMsg sends a fully-constructed Message, including headers if set.
func (c *Conn) PublishMsg(m *Message) error {
	return c.publish(m.Subject, m.Reply, m.Header, m.Data)
}

// ensureRespMux lazily creates the per-connection response multiplexer
// and its wildcard inbox subscription, per spec.md §4.7.
func (c *Conn) ensureRespMux() (*respMux, error) {
	c.mu.Lock()
	if c.respMux != nil {
		mux := c.respMux
		c.mu.Unlock()
		return mux, nil
	}
	mux := newRespMux(c.connNuid)
	c.respMux = mux
	c.mu.Unlock()

	_, err := c.subscribeInternal(mux.wildcardSubject(), "", nil)
	if err != nil {
		return nil, err
	}
	return mux, nil
}

// Request publishes payload to subject and waits up to timeout for a
// reply, per spec.md §4.4's request() contract.
func (c *Conn) Request(subject string, data []byte, timeout time.Duration) (*Message, error) {
	mux, err := c.ensureRespMux()
	if err != nil {
		return nil, err
	}

	token, reply := mux.newToken()
	ch := mux.register(token)

	if err := c.publish(subject, reply, nil, data); err != nil {
		mux.unregister(token)
		return nil, err
	}

	return mux.waitFor(token, ch, timeout)
}

// Subscribe registers interest in subject with an asynchronous handler.
func (c *Conn) Subscribe(subject string, handler MsgHandler) (*Subscription, error) {
	return c.subscribeInternal(subject, "", handler)
}

// QueueSubscribe registers interest in subject as part of queue, so the
// broker load-balances delivery across all members sharing that name.
func (c *Conn) QueueSubscribe(subject, queue string, handler MsgHandler) (*Subscription, error) {
	return c.subscribeInternal(subject, queue, handler)
}

// SubscribeSync registers interest with no handler; messages are popped
// via Subscription.NextMsg.
func (c *Conn) SubscribeSync(subject string) (*Subscription, error) {
	return c.subscribeInternal(subject, "", nil)
}

func (c *Conn) subscribeInternal(subject, queue string, handler MsgHandler) (*Subscription, error) {
	c.mu.Lock()
	state := c.state
	c.mu.Unlock()
	if state == StateDrainingSubs || state == StateDrainingPubs || state == StateClosed {
		return nil, errf(ErrDraining, "connection is draining or closed")
	}

	s := &Subscription{
		subject:    subject,
		queueGroup: queue,
		mbox:       newMailbox(defaultMailboxMsgs, defaultMailboxBytes),
		conn:       c,
		handler:    handler,
		state:      SubActive,
	}
	sid := c.subs.add(s)

	if handler != nil {
		c.dispatch.pin(s)
	}

	if err := c.outq.push(encodeSub(subject, queue, sid), nil); err != nil {
		c.subs.remove(sid)
		return nil, err
	}
	return s, nil
}

// unsubscribe implements spec.md §4.5's unsubscribe(max?) semantics.
func (c *Conn) unsubscribe(s *Subscription, max int) error {
	s.mu.Lock()
	sid := s.sid
	if max <= 0 {
		s.state = SubClosed
	} else {
		s.autoUnsubAt = s.deliveredCnt + uint64(max)
	}
	s.mu.Unlock()

	if err := c.outq.push(encodeUnsub(sid, max), nil); err != nil {
		return err
	}
	if max <= 0 {
		c.subs.remove(sid)
	}
	return nil
}

// drainSubscription implements spec.md §4.5's single-subscription drain.
func (c *Conn) drainSubscription(s *Subscription, timeout time.Duration) error {
	s.mu.Lock()
	sid := s.sid
	s.state = SubDraining
	s.drainDeadline = time.Now().Add(timeout)
	s.mu.Unlock()

	if err := c.outq.push(encodeUnsub(sid, 0), nil); err != nil {
		return err
	}

	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if s.mbox.isEmpty() {
			s.mu.Lock()
			s.state = SubClosed
			s.mu.Unlock()
			c.subs.remove(sid)
			return nil
		}
		time.Sleep(5 * time.Millisecond)
	}

	s.mu.Lock()
	s.state = SubClosed
	s.mu.Unlock()
	s.mbox.close()
	c.subs.remove(sid)
	return errf(ErrTimeout, "drain of subscription %d did not complete within %s", sid, timeout)
}

// Flush enqueues a PING and blocks until the matching PONG arrives or
// timeout elapses, per spec.md §4.4.
func (c *Conn) Flush(timeout time.Duration) error {
	ch := make(chan struct{})
	c.mu.Lock()
	c.pendingPongs = append(c.pendingPongs, ch)
	c.mu.Unlock()

	if err := c.outq.push(encodePing(), nil); err != nil {
		return err
	}

	select {
	case <-ch:
		c.mu.Lock()
		closed := c.closed
		c.mu.Unlock()
		if closed {
			return errf(ErrConnectionClosed, "connection closed")
		}
		return nil
	case <-time.After(timeout):
		return errf(ErrTimeout, "flush did not receive a PONG within %s", timeout)
	}
}

// Drain transitions the whole connection through draining_subs ->
// draining_pubs -> closed, per spec.md §4.4.
func (c *Conn) Drain(timeout time.Duration) error {
	c.mu.Lock()
	c.state = StateDrainingSubs
	c.mu.Unlock()

	deadline := time.Now().Add(timeout)

	subs := c.subs.all()
	for _, s := range subs {
		s.mu.Lock()
		sid := s.sid
		s.state = SubDraining
		s.mu.Unlock()
		c.outq.push(encodeUnsub(sid, 0), nil)
	}

	for time.Now().Before(deadline) {
		if c.subs.size() == 0 {
			break
		}
		allEmpty := true
		for _, s := range c.subs.all() {
			if !s.mbox.isEmpty() {
				allEmpty = false
				break
			}
		}
		if allEmpty {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}

	c.mu.Lock()
	c.state = StateDrainingPubs
	c.mu.Unlock()

	_ = c.Flush(timeout)

	c.Close()
	return nil
}

// Close terminates the reader/writer, cancels all pending-pongs,
// completes all waiting requests with connection_closed, signals all
// subscriptions, and fires the user's closed callback, per spec.md §4.4.
func (c *Conn) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.state = StateClosed
	c.telemetry.SetConnected(false)
	if c.sock != nil {
		c.sock.Close()
		c.sock = nil
	}
	pongs := c.pendingPongs
	c.pendingPongs = nil
	mux := c.respMux
	c.mu.Unlock()

	for _, ch := range pongs {
		close(ch)
	}
	if mux != nil {
		mux.closeAll(errf(ErrConnectionClosed, "connection closed"))
	}

	for _, s := range c.subs.all() {
		s.mbox.close()
	}

	c.outq.close()
	close(c.asyncCh)
	close(c.closeCh)
	c.closeWg.Wait()

	if !c.opts.UseGlobalDispatcher {
		c.dispatch.shutdown()
	}

	if c.opts.ClosedHandler != nil {
		c.opts.ClosedHandler(c)
	}
}

// State reports the connection's current lifecycle state.
func (c *Conn) State() ConnState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Stats returns a snapshot of cumulative counters.
func (c *Conn) Stats() Statistics {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stats
}

// ConnectedURL reports the endpoint this Conn is currently attached to,
// or "" if not connected.
func (c *Conn) ConnectedURL() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.curEndpoint == nil {
		return ""
	}
	return c.curEndpoint.url
}

// IsConnected reports whether the connection is in the connected state.
func (c *Conn) IsConnected() bool {
	return c.State() == StateConnected
}
